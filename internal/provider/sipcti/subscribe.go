package sipcti

import (
	"context"
	"encoding/xml"
	"log/slog"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/sebas/ctibridge/internal/provider"
)

// AttachListener subscribes to the extension's dialog state (RFC 4235).
// The PBX reports every call transition on the line, including ones the
// bridge did not initiate, through NOTIFY.
func (g *Gateway) AttachListener(ctx context.Context, extension string) error {
	s := g.session(extension)
	s.mu.Lock()
	if s.subscribed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	resp, err := g.roundTrip(ctx, g.buildSubscribe(extension, g.cfg.Expires))
	if err != nil {
		return err
	}
	code := int(resp.StatusCode)
	if code < 200 || code >= 300 {
		return &provider.RejectedError{Op: "attach-listener", Code: code, Reason: resp.Reason}
	}

	s.mu.Lock()
	s.subscribed = true
	s.mu.Unlock()
	slog.Info("[Gateway] Dialog subscription active", "extension", extension)
	return nil
}

// DetachListener ends the dialog subscription.
func (g *Gateway) DetachListener(ctx context.Context, extension string) error {
	s, ok := g.lookupSession(extension)
	if !ok {
		return nil
	}
	s.mu.Lock()
	if !s.subscribed {
		s.mu.Unlock()
		return nil
	}
	s.subscribed = false
	s.mu.Unlock()

	resp, err := g.roundTrip(ctx, g.buildSubscribe(extension, 0))
	if err != nil {
		return err
	}
	code := int(resp.StatusCode)
	if code < 200 || code >= 300 {
		return &provider.RejectedError{Op: "detach-listener", Code: code, Reason: resp.Reason}
	}
	return nil
}

func (g *Gateway) buildSubscribe(extension string, expires int) *sip.Request {
	req := sip.NewRequest(sip.SUBSCRIBE, g.pbxURI(extension))

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", generateTag())
	req.AppendHeader(&sip.FromHeader{
		Address: g.localURI("ctibridge"),
		Params:  fromParams,
	})
	req.AppendHeader(&sip.ToHeader{
		Address: g.pbxURI(extension),
		Params:  sip.NewParams(),
	})

	callIDHdr := sip.CallIDHeader(uuid.New().String())
	req.AppendHeader(&callIDHdr)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.SUBSCRIBE})
	req.AppendHeader(&sip.ContactHeader{Address: g.localURI("ctibridge")})
	req.AppendHeader(sip.NewHeader("Event", "dialog"))
	req.AppendHeader(sip.NewHeader("Accept", "application/dialog-info+xml"))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))

	req.SetDestination(g.cfg.pbxAddr())
	return req
}

// --- NOTIFY handling ---

// dialogInfo is the RFC 4235 dialog-info document carried in NOTIFY.
type dialogInfo struct {
	XMLName xml.Name     `xml:"dialog-info"`
	Entity  string       `xml:"entity,attr"`
	Dialogs []dialogElem `xml:"dialog"`
}

type dialogElem struct {
	ID        string `xml:"id,attr"`
	CallID    string `xml:"call-id,attr"`
	Direction string `xml:"direction,attr"`
	State     string `xml:"state"`
	Remote    struct {
		Identity string `xml:"identity"`
	} `xml:"remote"`
}

// handleNotify turns a dialog-info NOTIFY into normalized events.
func (g *Gateway) handleNotify(req *sip.Request, tx sip.ServerTransaction) {
	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(resp); err != nil {
		slog.Error("[Gateway] Failed to respond to NOTIFY", "error", err)
	}

	body := req.Body()
	if len(body) == 0 {
		return
	}

	var info dialogInfo
	if err := xml.Unmarshal(body, &info); err != nil {
		slog.Warn("[Gateway] Unparseable dialog-info", "error", err)
		return
	}

	ext := uriUser(info.Entity)
	if ext == "" {
		slog.Warn("[Gateway] dialog-info without entity")
		return
	}

	for _, d := range info.Dialogs {
		evt, ok := dialogEvent(ext, d)
		if !ok {
			continue
		}
		g.emit(evt)
	}
}

// dialogEvent maps one dialog element to an event.
func dialogEvent(ext string, d dialogElem) (provider.Event, bool) {
	evt := provider.Event{
		Extension: ext,
		Peer:      uriUser(d.Remote.Identity),
		CallRef:   d.CallID,
	}

	switch strings.ToLower(strings.TrimSpace(d.State)) {
	case "trying", "proceeding":
		evt.Kind = provider.KindDialing
	case "early":
		if d.Direction == "recipient" {
			evt.Kind = provider.KindRinging
		} else {
			evt.Kind = provider.KindDialing
		}
	case "confirmed":
		evt.Kind = provider.KindConnected
	case "terminated":
		evt.Kind = provider.KindDisconnected
	default:
		return provider.Event{}, false
	}
	return evt, true
}

// uriUser extracts the user part of a SIP URI string.
func uriUser(uri string) string {
	var parsed sip.Uri
	if err := sip.ParseUri(uri, &parsed); err == nil && parsed.User != "" {
		return parsed.User
	}
	// Tolerate bare "sip:user@host" fragments the parser rejects.
	s := strings.TrimPrefix(uri, "sip:")
	if at := strings.Index(s, "@"); at > 0 {
		return s[:at]
	}
	return ""
}
