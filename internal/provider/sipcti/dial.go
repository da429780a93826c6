package sipcti

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/sebas/ctibridge/internal/media"
	"github.com/sebas/ctibridge/internal/provider"
)

// Dial originates a call from the extension to the target. The INVITE's
// audio terminates on a bridge-held anchor leg. Progress and outcome
// surface as events carrying the command token.
func (g *Gateway) Dial(ctx context.Context, fromExtension, toExtension, token string) error {
	s := g.session(fromExtension)
	s.mu.Lock()
	if !s.registered {
		s.mu.Unlock()
		return provider.ErrNotConnected
	}

	anchor, err := media.NewAnchor(g.cfg.MediaAddr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("allocate anchor leg: %w", err)
	}
	offer, err := anchor.Offer()
	if err != nil {
		anchor.Close()
		s.mu.Unlock()
		return err
	}

	callID := uuid.New().String()
	localTag := generateTag()
	s.beginCallLocked(dirOutbound, callID, toExtension)
	s.anchor = anchor
	s.localTag = localTag
	s.mu.Unlock()

	invite := g.buildInvite(fromExtension, toExtension, callID, localTag, offer)

	tx, err := g.client.TransactionRequest(context.WithoutCancel(ctx), invite)
	if err != nil {
		s.mu.Lock()
		s.clearCallLocked()
		s.mu.Unlock()
		return fmt.Errorf("send INVITE: %w", err)
	}

	s.mu.Lock()
	s.invite = invite
	s.localFrom = invite.From().Address
	s.mu.Unlock()

	slog.Info("[Gateway] INVITE sent",
		"extension", fromExtension,
		"target", toExtension,
		"call_id", callID,
	)

	go g.runInvite(s, invite, tx, token)
	return nil
}

func (g *Gateway) buildInvite(from, to, callID, localTag string, sdpBody []byte) *sip.Request {
	invite := sip.NewRequest(sip.INVITE, g.pbxURI(to))

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", localTag)
	invite.AppendHeader(&sip.FromHeader{
		Address: g.pbxURI(from),
		Params:  fromParams,
	})
	invite.AppendHeader(&sip.ToHeader{
		Address: g.pbxURI(to),
		Params:  sip.NewParams(),
	})

	callIDHdr := sip.CallIDHeader(callID)
	invite.AppendHeader(&callIDHdr)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	invite.AppendHeader(&sip.ContactHeader{Address: g.localURI(from)})

	contentType := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&contentType)
	invite.SetBody(sdpBody)

	invite.SetDestination(g.cfg.pbxAddr())
	return invite
}

// runInvite drives the INVITE response flow for one outbound call.
func (g *Gateway) runInvite(s *session, invite *sip.Request, tx sip.ClientTransaction, token string) {
	ext := s.extension
	progressed := false

	for {
		select {
		case resp := <-tx.Responses():
			if resp == nil {
				g.failDial(s, token, 408, "No Response")
				return
			}
			code := int(resp.StatusCode)
			switch {
			case code == 100:
				// absorbed; nothing to report yet

			case code < 200:
				// 180/183: the call is being established
				if !progressed {
					progressed = true
					s.mu.Lock()
					peer, callID := s.peer, s.callID
					s.mu.Unlock()
					g.emit(provider.Event{
						Kind:      provider.KindDialing,
						Extension: ext,
						Peer:      peer,
						CallRef:   callID,
						Token:     token,
					})
				}

			case code < 300:
				g.completeDial(s, invite, resp, token)
				return

			case code == 487:
				// our own CANCEL completing
				s.mu.Lock()
				hangupToken := s.hangupToken
				callID := s.callID
				s.clearCallLocked()
				s.mu.Unlock()
				g.emit(provider.Event{
					Kind:      provider.KindDisconnected,
					Extension: ext,
					CallRef:   callID,
					Token:     hangupToken,
				})
				return

			default:
				g.failDial(s, token, code, resp.Reason)
				return
			}

		case <-tx.Done():
			return
		}
	}
}

// completeDial handles the 2xx: ACK, start the anchor stream, report
// Connected.
func (g *Gateway) completeDial(s *session, invite *sip.Request, resp *sip.Response, token string) {
	s.mu.Lock()
	if to := resp.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			s.remoteTag = tag
		}
		s.remoteTo = to.Address
	}
	s.remoteURI = invite.Recipient
	if contact := resp.Contact(); contact != nil {
		s.remoteURI = contact.Address
	}
	s.answered = true
	anchor := s.anchor
	peer, callID := s.peer, s.callID
	s.mu.Unlock()

	if err := g.sendAck(invite, resp); err != nil {
		slog.Warn("[Gateway] ACK failed", "extension", s.extension, "error", err)
	}

	if anchor != nil && resp.Body() != nil {
		if err := anchor.Start(resp.Body()); err != nil {
			slog.Warn("[Gateway] Anchor start failed",
				"extension", s.extension,
				"error", err,
			)
		}
	}

	slog.Info("[Gateway] Call answered", "extension", s.extension, "peer", peer, "call_id", callID)
	g.emit(provider.Event{
		Kind:      provider.KindConnected,
		Extension: s.extension,
		Peer:      peer,
		CallRef:   callID,
		Token:     token,
	})
}

func (g *Gateway) failDial(s *session, token string, code int, reason string) {
	s.mu.Lock()
	callID := s.callID
	s.clearCallLocked()
	s.mu.Unlock()

	slog.Info("[Gateway] Call rejected",
		"extension", s.extension,
		"status", code,
		"reason", reason,
	)
	g.emit(provider.Event{
		Kind:      provider.KindDialFailed,
		Extension: s.extension,
		CallRef:   callID,
		Token:     token,
		Code:      code,
		Reason:    reason,
	})
}

// sendAck acknowledges a 2xx. Per RFC 3261 the ACK for a 2xx is a new
// request sent directly through the transport, aimed at the Contact of the
// response.
func (g *Gateway) sendAck(invite *sip.Request, resp *sip.Response) error {
	requestURI := invite.Recipient
	if contact := resp.Contact(); contact != nil {
		requestURI = contact.Address
	}

	ack := sip.NewRequest(sip.ACK, requestURI)
	sip.CopyHeaders("From", invite, ack)
	sip.CopyHeaders("Call-ID", invite, ack)

	if to := resp.To(); to != nil {
		ack.AppendHeader(&sip.ToHeader{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Params:      to.Params,
		})
	}
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	dest := resp.Source()
	if dest == "" {
		dest = g.cfg.pbxAddr()
	}
	ack.SetDestination(dest)

	return g.client.WriteRequest(ack)
}

// Answer accepts the inbound call held at the extension by responding 200
// with the anchor leg's SDP. Connected is reported when the ACK arrives.
func (g *Gateway) Answer(ctx context.Context, extension, token string) error {
	s, ok := g.lookupSession(extension)
	if !ok {
		return provider.ErrNotConnected
	}

	s.mu.Lock()
	req, tx := s.inboundReq, s.inboundTx
	if req == nil || tx == nil {
		s.mu.Unlock()
		return fmt.Errorf("answer %s: no held call", extension)
	}

	anchor, err := media.NewAnchor(g.cfg.MediaAddr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("allocate anchor leg: %w", err)
	}
	answer, err := anchor.Offer()
	if err != nil {
		anchor.Close()
		s.mu.Unlock()
		return err
	}
	s.closeAnchorLocked()
	s.anchor = anchor
	s.answerToken = token
	s.mu.Unlock()

	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", answer)
	resp.AppendHeader(&sip.ContactHeader{Address: g.localURI(extension)})
	contentType := sip.ContentTypeHeader("application/sdp")
	resp.AppendHeader(&contentType)

	if err := tx.Respond(resp); err != nil {
		s.mu.Lock()
		s.closeAnchorLocked()
		s.answerToken = ""
		s.mu.Unlock()
		return fmt.Errorf("send 200: %w", err)
	}

	// The caller's offer carries its RTP endpoint; stream toward it now.
	if body := req.Body(); body != nil {
		if err := anchor.Start(body); err != nil {
			slog.Warn("[Gateway] Anchor start failed", "extension", extension, "error", err)
		}
	}

	slog.Info("[Gateway] Inbound call accepted", "extension", extension)
	return nil
}

// Hangup tears down the extension's current call: BYE for answered calls,
// CANCEL for an outbound call still in progress, 486 for a held inbound
// call.
func (g *Gateway) Hangup(ctx context.Context, extension, token string) error {
	s, ok := g.lookupSession(extension)
	if !ok {
		return provider.ErrNotConnected
	}

	s.mu.Lock()
	switch {
	case s.answered:
		bye := g.buildBye(s)
		s.hangupToken = token
		callID := s.callID
		s.mu.Unlock()
		return g.sendBye(ctx, s, bye, callID, token)

	case s.direction == dirOutbound && s.invite != nil:
		cancel := buildCancel(s.invite)
		s.hangupToken = token
		s.mu.Unlock()
		// Disconnected is emitted when the 487 lands in the INVITE flow.
		return g.sendCancel(ctx, cancel)

	case s.direction == dirInbound && s.inboundTx != nil:
		req, tx := s.inboundReq, s.inboundTx
		callID := s.callID
		s.clearCallLocked()
		s.mu.Unlock()
		resp := sip.NewResponseFromRequest(req, sip.StatusBusyHere, "Busy Here", nil)
		if err := tx.Respond(resp); err != nil {
			return fmt.Errorf("decline call: %w", err)
		}
		g.emit(provider.Event{
			Kind:      provider.KindDisconnected,
			Extension: extension,
			CallRef:   callID,
			Token:     token,
		})
		return nil

	default:
		s.mu.Unlock()
		return fmt.Errorf("hangup %s: no active call", extension)
	}
}

// buildBye constructs the in-dialog BYE. Caller holds s.mu.
func (g *Gateway) buildBye(s *session) *sip.Request {
	bye := sip.NewRequest(sip.BYE, s.remoteURI)

	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	var fromURI, toURI sip.Uri
	var fromTag, toTag string
	if s.direction == dirOutbound {
		fromURI, fromTag = s.localFrom, s.localTag
		toURI, toTag = s.remoteTo, s.remoteTag
	} else {
		// We were the callee: our To identity originates the BYE.
		fromURI, fromTag = g.pbxURI(s.extension), s.localTag
		toURI, toTag = s.remoteTo, s.remoteTag
	}

	fromParams := sip.NewParams()
	fromParams.Add("tag", fromTag)
	bye.AppendHeader(&sip.FromHeader{Address: fromURI, Params: fromParams})

	toParams := sip.NewParams()
	toParams.Add("tag", toTag)
	bye.AppendHeader(&sip.ToHeader{Address: toURI, Params: toParams})

	callIDHdr := sip.CallIDHeader(s.callID)
	bye.AppendHeader(&callIDHdr)
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: 2, MethodName: sip.BYE})

	port := s.remoteURI.Port
	if port == 0 {
		port = 5060
	}
	bye.SetDestination(fmt.Sprintf("%s:%d", s.remoteURI.Host, port))
	return bye
}

func (g *Gateway) sendBye(ctx context.Context, s *session, bye *sip.Request, callID, token string) error {
	byeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	tx, err := g.client.TransactionRequest(byeCtx, bye)
	if err != nil {
		return fmt.Errorf("send BYE: %w", err)
	}

	select {
	case resp := <-tx.Responses():
		if resp != nil {
			slog.Debug("[Gateway] BYE response", "call_id", callID, "status", resp.StatusCode)
		}
	case <-tx.Done():
	case <-byeCtx.Done():
		slog.Warn("[Gateway] BYE timeout", "call_id", callID)
	}

	s.mu.Lock()
	s.clearCallLocked()
	s.mu.Unlock()

	g.emit(provider.Event{
		Kind:      provider.KindDisconnected,
		Extension: s.extension,
		CallRef:   callID,
		Token:     token,
	})
	return nil
}

func buildCancel(invite *sip.Request) *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, cancel)
	sip.CopyHeaders("From", invite, cancel)
	sip.CopyHeaders("To", invite, cancel)
	sip.CopyHeaders("Call-ID", invite, cancel)
	if cseq := invite.CSeq(); cseq != nil {
		cancel.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxFwd)
	return cancel
}

func (g *Gateway) sendCancel(ctx context.Context, cancelReq *sip.Request) error {
	cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	tx, err := g.client.TransactionRequest(cancelCtx, cancelReq)
	if err != nil {
		return fmt.Errorf("send CANCEL: %w", err)
	}

	select {
	case <-tx.Responses():
	case <-tx.Done():
	case <-cancelCtx.Done():
	}
	return nil
}
