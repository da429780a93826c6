package sipcti

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"

	"github.com/sebas/ctibridge/internal/provider"
)

// Login registers the extension with the PBX. The outcome surfaces as a
// LoginOK or LoginFailed event carrying the command token; the returned
// error covers transport failures only.
func (g *Gateway) Login(ctx context.Context, extension, password, token string) error {
	s := g.session(extension)

	code, reason, err := g.register(ctx, extension, password, g.cfg.Expires)
	if err != nil {
		return err
	}

	if code >= 200 && code < 300 {
		s.mu.Lock()
		s.password = password
		s.registered = true
		s.mu.Unlock()

		slog.Info("[Gateway] Extension registered", "extension", extension)
		g.emit(provider.Event{
			Kind:      provider.KindLoginOK,
			Extension: extension,
			Token:     token,
		})
		return nil
	}

	slog.Info("[Gateway] Registration rejected",
		"extension", extension,
		"status", code,
		"reason", reason,
	)
	g.emit(provider.Event{
		Kind:      provider.KindLoginFailed,
		Extension: extension,
		Token:     token,
		Code:      code,
		Reason:    reason,
	})
	return nil
}

// Logout releases the registration with an Expires: 0 REGISTER.
func (g *Gateway) Logout(ctx context.Context, extension string) error {
	s, ok := g.lookupSession(extension)
	if !ok {
		return nil
	}
	s.mu.Lock()
	password := s.password
	s.registered = false
	s.mu.Unlock()

	code, reason, err := g.register(ctx, extension, password, 0)
	if err != nil {
		return err
	}
	if code < 200 || code >= 300 {
		return &provider.RejectedError{Op: "logout", Code: code, Reason: reason}
	}
	slog.Info("[Gateway] Extension unregistered", "extension", extension)
	return nil
}

// register runs one REGISTER exchange, answering a single digest challenge.
// Returns the final status code and reason.
func (g *Gateway) register(ctx context.Context, extension, password string, expires int) (int, string, error) {
	req := g.buildRegister(extension, expires, 1, "")

	resp, err := g.roundTrip(ctx, req)
	if err != nil {
		return 0, "", err
	}

	code := int(resp.StatusCode)
	if code == 401 || code == 407 {
		authorized, err := g.answerChallenge(resp, extension, password, expires)
		if err != nil {
			// An unusable challenge behaves like a credential rejection.
			slog.Warn("[Gateway] Digest challenge failed",
				"extension", extension,
				"error", err,
			)
			return code, resp.Reason, nil
		}
		resp, err = g.roundTrip(ctx, authorized)
		if err != nil {
			return 0, "", err
		}
		code = int(resp.StatusCode)
	}

	return code, resp.Reason, nil
}

func (g *Gateway) buildRegister(extension string, expires int, cseq uint32, authorization string) *sip.Request {
	recipient := sip.Uri{Scheme: "sip", Host: g.cfg.PBXHost, Port: g.cfg.PBXPort}
	req := sip.NewRequest(sip.REGISTER, recipient)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", generateTag())
	req.AppendHeader(&sip.FromHeader{
		Address: g.pbxURI(extension),
		Params:  fromParams,
	})
	req.AppendHeader(&sip.ToHeader{
		Address: g.pbxURI(extension),
		Params:  sip.NewParams(),
	})

	callIDHdr := sip.CallIDHeader(uuid.New().String())
	req.AppendHeader(&callIDHdr)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: sip.REGISTER})
	req.AppendHeader(&sip.ContactHeader{Address: g.localURI(extension)})
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))

	if authorization != "" {
		req.AppendHeader(sip.NewHeader("Authorization", authorization))
	}

	req.SetDestination(g.cfg.pbxAddr())
	return req
}

// answerChallenge builds the retried REGISTER carrying digest credentials.
func (g *Gateway) answerChallenge(resp *sip.Response, extension, password string, expires int) (*sip.Request, error) {
	hdr := resp.GetHeader("WWW-Authenticate")
	if hdr == nil {
		hdr = resp.GetHeader("Proxy-Authenticate")
	}
	if hdr == nil {
		return nil, fmt.Errorf("challenge response without authenticate header")
	}

	chal, err := digest.ParseChallenge(hdr.Value())
	if err != nil {
		return nil, fmt.Errorf("parse challenge: %w", err)
	}

	uri := sip.Uri{Scheme: "sip", Host: g.cfg.PBXHost, Port: g.cfg.PBXPort}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   "REGISTER",
		URI:      uri.String(),
		Username: extension,
		Password: password,
	})
	if err != nil {
		return nil, fmt.Errorf("compute digest: %w", err)
	}

	return g.buildRegister(extension, expires, 2, cred.String()), nil
}

// roundTrip sends a request and waits for its final response.
func (g *Gateway) roundTrip(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := g.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Method, err)
	}

	for {
		select {
		case resp := <-tx.Responses():
			if resp == nil {
				return nil, fmt.Errorf("%s transaction ended without response", req.Method)
			}
			if resp.StatusCode < 200 {
				continue
			}
			return resp, nil
		case <-tx.Done():
			return nil, fmt.Errorf("%s transaction terminated", req.Method)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
