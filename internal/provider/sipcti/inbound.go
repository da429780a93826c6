package sipcti

import (
	"log/slog"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/ctibridge/internal/provider"
)

// handleInvite holds an inbound call for a registered extension: respond
// 180, park the transaction, and report Ringing. Answer or Hangup settle it
// later.
func (g *Gateway) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	ext := ""
	if to := req.To(); to != nil {
		ext = to.Address.User
	}

	s, ok := g.lookupSession(ext)
	if !ok {
		resp := sip.NewResponseFromRequest(req, sip.StatusNotFound, "Not Found", nil)
		if err := tx.Respond(resp); err != nil {
			slog.Error("[Gateway] Failed to reject INVITE", "error", err)
		}
		return
	}

	s.mu.Lock()
	if !s.registered {
		s.mu.Unlock()
		resp := sip.NewResponseFromRequest(req, sip.StatusTemporarilyUnavailable, "Temporarily Unavailable", nil)
		if err := tx.Respond(resp); err != nil {
			slog.Error("[Gateway] Failed to reject INVITE", "error", err)
		}
		return
	}
	if s.callID != "" {
		s.mu.Unlock()
		resp := sip.NewResponseFromRequest(req, sip.StatusBusyHere, "Busy Here", nil)
		if err := tx.Respond(resp); err != nil {
			slog.Error("[Gateway] Failed to reject INVITE", "error", err)
		}
		return
	}

	callID := ""
	if h := req.CallID(); h != nil {
		callID = string(*h)
	}
	peer := ""
	if from := req.From(); from != nil {
		peer = from.Address.User
	}

	localTag := generateTag()
	s.beginCallLocked(dirInbound, callID, peer)
	s.localTag = localTag
	s.inboundReq = req
	s.inboundTx = tx
	if from := req.From(); from != nil {
		s.remoteTo = from.Address
		if tag, ok := from.Params.Get("tag"); ok {
			s.remoteTag = tag
		}
	}
	s.remoteURI = req.Recipient
	if contact := req.Contact(); contact != nil {
		s.remoteURI = contact.Address
	}
	s.mu.Unlock()

	ringing := sip.NewResponseFromRequest(req, sip.StatusRinging, "Ringing", nil)
	if to := ringing.To(); to != nil && to.Params != nil {
		to.Params.Add("tag", localTag)
	}
	if err := tx.Respond(ringing); err != nil {
		slog.Error("[Gateway] Failed to send 180", "extension", ext, "error", err)
	}

	slog.Info("[Gateway] Inbound call", "extension", ext, "peer", peer, "call_id", callID)
	g.emit(provider.Event{
		Kind:      provider.KindRinging,
		Extension: ext,
		Peer:      peer,
		CallRef:   callID,
	})
}

// handleAck completes an answered inbound call.
func (g *Gateway) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if h := req.CallID(); h != nil {
		callID = string(*h)
	}
	s, ok := g.sessionByCallID(callID)
	if !ok {
		return
	}

	s.mu.Lock()
	token := s.answerToken
	if token == "" && s.answered {
		s.mu.Unlock()
		return
	}
	s.answerToken = ""
	s.answered = true
	peer := s.peer
	s.mu.Unlock()

	slog.Info("[Gateway] Inbound call connected", "extension", s.extension, "call_id", callID)
	g.emit(provider.Event{
		Kind:      provider.KindConnected,
		Extension: s.extension,
		Peer:      peer,
		CallRef:   callID,
		Token:     token,
	})
}

// handleBye ends the call from the remote side.
func (g *Gateway) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if h := req.CallID(); h != nil {
		callID = string(*h)
	}

	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(resp); err != nil {
		slog.Error("[Gateway] Failed to respond to BYE", "error", err)
	}

	s, ok := g.sessionByCallID(callID)
	if !ok {
		return
	}

	s.mu.Lock()
	s.clearCallLocked()
	s.mu.Unlock()

	slog.Info("[Gateway] Remote hangup", "extension", s.extension, "call_id", callID)
	g.emit(provider.Event{
		Kind:      provider.KindDisconnected,
		Extension: s.extension,
		CallRef:   callID,
	})
}

// handleCancel retracts a still-ringing inbound call.
func (g *Gateway) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if h := req.CallID(); h != nil {
		callID = string(*h)
	}

	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(resp); err != nil {
		slog.Error("[Gateway] Failed to respond to CANCEL", "error", err)
	}

	s, ok := g.sessionByCallID(callID)
	if !ok {
		return
	}

	s.mu.Lock()
	inboundReq, inboundTx := s.inboundReq, s.inboundTx
	s.clearCallLocked()
	s.mu.Unlock()

	if inboundReq != nil && inboundTx != nil {
		terminated := sip.NewResponseFromRequest(inboundReq, sip.StatusRequestTerminated, "Request Terminated", nil)
		if err := inboundTx.Respond(terminated); err != nil {
			slog.Debug("[Gateway] 487 after CANCEL failed", "error", err)
		}
	}

	slog.Info("[Gateway] Inbound call canceled", "extension", s.extension, "call_id", callID)
	g.emit(provider.Event{
		Kind:      provider.KindDisconnected,
		Extension: s.extension,
		CallRef:   callID,
	})
}
