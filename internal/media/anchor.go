package media

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/zaf/g711"
)

// Anchor is one RTP leg held open by the bridge. It binds a UDP port,
// offers PCMU, and once the answer arrives streams clock-paced silence so
// the far end's media session stays up.
type Anchor struct {
	conn  *net.UDPConn
	addr  string
	codec Codec

	ssrc      uint32
	seq       uint16
	timestamp uint32

	mu     sync.Mutex
	remote net.Addr
	closed bool
	stop   chan struct{}
	done   chan struct{}
}

// NewAnchor binds an ephemeral UDP port on addr for one anchor leg.
func NewAnchor(addr string) (*Anchor, error) {
	ip := net.ParseIP(addr)
	if ip == nil {
		return nil, fmt.Errorf("invalid anchor address %q", addr)
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ip})
	if err != nil {
		return nil, fmt.Errorf("bind anchor port: %w", err)
	}
	return &Anchor{
		conn:      conn,
		addr:      addr,
		codec:     CodecPCMU,
		ssrc:      GenerateSSRC(),
		seq:       GenerateSequenceStart(),
		timestamp: GenerateTimestampStart(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Port returns the bound RTP port.
func (a *Anchor) Port() int {
	return a.conn.LocalAddr().(*net.UDPAddr).Port
}

// Offer returns the SDP offer for this leg.
func (a *Anchor) Offer() ([]byte, error) {
	return BuildOffer(a.addr, a.Port())
}

// Start parses the answer and begins streaming silence to the remote
// endpoint. Call at most once.
func (a *Anchor) Start(answer []byte) error {
	remote, err := ParseRemote(answer)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return net.ErrClosed
	}
	a.remote = remote
	a.mu.Unlock()

	go a.stream()
	return nil
}

// stream sends one silence frame per codec tick until Close.
func (a *Anchor) stream() {
	defer close(a.done)

	// 16-bit linear zero samples encode to the µ-law silence frame.
	silence := g711.EncodeUlaw(make([]byte, 2*a.codec.SamplesPerFrame()))

	ticker := time.NewTicker(a.codec.SampleDur)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
		}

		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    a.codec.PayloadType,
				SequenceNumber: a.seq,
				Timestamp:      a.timestamp,
				SSRC:           a.ssrc,
			},
			Payload: silence,
		}
		data, err := pkt.Marshal()
		if err != nil {
			return
		}
		if _, err := a.conn.WriteTo(data, a.remote); err != nil {
			return
		}
		a.seq++
		a.timestamp += a.codec.TimestampIncrement()
	}
}

// Close stops the silence stream and releases the port.
func (a *Anchor) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	started := a.remote != nil
	a.mu.Unlock()

	close(a.stop)
	if started {
		<-a.done
	}
	return a.conn.Close()
}
