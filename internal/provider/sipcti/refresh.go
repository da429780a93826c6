package sipcti

import (
	"context"
	"log/slog"
	"time"

	"github.com/sebas/ctibridge/internal/provider"
)

// refreshLoop re-REGISTERs and re-SUBSCRIBEs active sessions ahead of
// their expiry. A registration that cannot be refreshed is reported as
// SessionDropped; a lapsed dialog subscription is retried every tick.
func (g *Gateway) refreshLoop(ctx context.Context) {
	interval := time.Duration(g.cfg.Expires) * time.Second / 2
	if interval < 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.refreshSessions(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) refreshSessions(ctx context.Context) {
	g.mu.RLock()
	sessions := make([]*session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.RUnlock()

	for _, s := range sessions {
		s.mu.Lock()
		ext := s.extension
		registered := s.registered
		password := s.password
		subscribed := s.subscribed
		s.mu.Unlock()

		if registered {
			g.refreshRegistration(ctx, s, ext, password)
		}
		if subscribed {
			g.refreshSubscription(ctx, ext)
		}
	}
}

func (g *Gateway) refreshRegistration(ctx context.Context, s *session, ext, password string) {
	code, reason, err := g.register(ctx, ext, password, g.cfg.Expires)
	if err == nil && code >= 200 && code < 300 {
		slog.Debug("[Gateway] Registration refreshed", "extension", ext)
		return
	}

	if err != nil {
		slog.Warn("[Gateway] Registration refresh failed", "extension", ext, "error", err)
		reason = err.Error()
	} else {
		slog.Warn("[Gateway] Registration refresh rejected",
			"extension", ext,
			"status", code,
			"reason", reason,
		)
	}

	s.mu.Lock()
	s.registered = false
	s.mu.Unlock()

	g.emit(provider.Event{
		Kind:      provider.KindSessionDropped,
		Extension: ext,
		Code:      code,
		Reason:    reason,
	})
}

func (g *Gateway) refreshSubscription(ctx context.Context, ext string) {
	resp, err := g.roundTrip(ctx, g.buildSubscribe(ext, g.cfg.Expires))
	if err != nil {
		slog.Warn("[Gateway] Subscription refresh failed", "extension", ext, "error", err)
		return
	}
	if code := int(resp.StatusCode); code < 200 || code >= 300 {
		slog.Warn("[Gateway] Subscription refresh rejected",
			"extension", ext,
			"status", code,
			"reason", resp.Reason,
		)
		return
	}
	slog.Debug("[Gateway] Subscription refreshed", "extension", ext)
}
