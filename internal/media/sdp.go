package media

import (
	"fmt"
	"net"
	"strconv"

	"github.com/pion/sdp/v3"
)

// BuildOffer creates the SDP offer for an anchor leg listening at
// addr:port, offering PCMU only.
func BuildOffer(addr string, port int) ([]byte, error) {
	formats := []string{strconv.Itoa(int(CodecPCMU.PayloadType))}

	sessionDesc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "ctibridge",
			SessionID:      1,
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: addr,
		},
		SessionName: "CTI Bridge Anchor",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address: &sdp.Address{
				Address: addr,
			},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{
				Timing: sdp.Timing{
					StartTime: 0,
					StopTime:  0,
				},
			},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: formats,
				},
				Attributes: []sdp.Attribute{
					{Key: "rtpmap", Value: formats[0] + " PCMU/8000"},
					{Key: "ptime", Value: "20"},
					{Key: "sendrecv"},
				},
			},
		},
	}

	body, err := sessionDesc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal offer: %w", err)
	}
	return body, nil
}

// ParseRemote extracts the remote RTP address from an SDP answer.
func ParseRemote(body []byte) (net.Addr, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("parse answer: %w", err)
	}

	addr := ""
	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		addr = desc.ConnectionInformation.Address.Address
	}

	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media != "audio" {
			continue
		}
		if m.ConnectionInformation != nil && m.ConnectionInformation.Address != nil {
			addr = m.ConnectionInformation.Address.Address
		}
		if addr == "" {
			break
		}
		ip := net.ParseIP(addr)
		if ip == nil {
			return nil, fmt.Errorf("invalid connection address %q", addr)
		}
		return &net.UDPAddr{IP: ip, Port: m.MediaName.Port.Value}, nil
	}
	return nil, fmt.Errorf("no usable audio media in answer")
}
