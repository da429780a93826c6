// Package sipcti drives a SIP PBX on behalf of extensions: it registers
// them, originates and answers calls with bridge-held RTP anchor legs, and
// subscribes to dialog state so every call transition surfaces as a
// normalized event.
package sipcti

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/sebas/ctibridge/internal/provider"
)

// Config holds gateway configuration.
type Config struct {
	ListenAddr    string // local SIP bind address
	Port          int    // local SIP port
	AdvertiseAddr string // address placed in Contact and From headers
	PBXHost       string // PBX SIP host
	PBXPort       int    // PBX SIP port
	MediaAddr     string // address RTP anchor legs bind on
	Expires       int    // registration lifetime in seconds
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 5070
	}
	if c.AdvertiseAddr == "" {
		c.AdvertiseAddr = "127.0.0.1"
	}
	if c.PBXPort == 0 {
		c.PBXPort = 5060
	}
	if c.MediaAddr == "" {
		c.MediaAddr = c.AdvertiseAddr
	}
	if c.Expires == 0 {
		c.Expires = 3600
	}
	return c
}

func (c Config) pbxAddr() string {
	return fmt.Sprintf("%s:%d", c.PBXHost, c.PBXPort)
}

// Gateway is the SIP implementation of provider.Gateway.
type Gateway struct {
	cfg    Config
	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client

	mu       sync.RWMutex
	sessions map[string]*session

	handlerMu sync.RWMutex
	handler   provider.EventHandler
}

var _ provider.Gateway = (*Gateway)(nil)

// New creates the gateway and wires its SIP request handlers. Call Run to
// start listening.
func New(cfg Config) (*Gateway, error) {
	cfg = cfg.withDefaults()

	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("create user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("create server: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("create client: %w", err)
	}

	g := &Gateway{
		cfg:      cfg,
		ua:       ua,
		srv:      srv,
		client:   client,
		sessions: make(map[string]*session),
	}

	srv.OnRequest(sip.INVITE, g.handleInvite)
	srv.OnRequest(sip.ACK, g.handleAck)
	srv.OnRequest(sip.BYE, g.handleBye)
	srv.OnRequest(sip.CANCEL, g.handleCancel)
	srv.OnRequest(sip.NOTIFY, g.handleNotify)

	return g, nil
}

// Run listens for SIP traffic until the context ends.
func (g *Gateway) Run(ctx context.Context) error {
	listenAddr := fmt.Sprintf("%s:%d", g.cfg.ListenAddr, g.cfg.Port)
	slog.Info("[Gateway] SIP listener starting", "addr", listenAddr, "pbx", g.cfg.pbxAddr())
	go g.refreshLoop(ctx)
	if err := g.srv.ListenAndServe(ctx, "udp", listenAddr); err != nil {
		return fmt.Errorf("sip listen: %w", err)
	}
	return nil
}

// Close shuts the SIP stack down and releases every anchor leg.
func (g *Gateway) Close() error {
	g.mu.Lock()
	for _, s := range g.sessions {
		s.mu.Lock()
		s.closeAnchorLocked()
		s.mu.Unlock()
	}
	g.mu.Unlock()
	return g.ua.Close()
}

// OnEvent registers the event handler. Call before Run.
func (g *Gateway) OnEvent(fn provider.EventHandler) {
	g.handlerMu.Lock()
	g.handler = fn
	g.handlerMu.Unlock()
}

func (g *Gateway) emit(evt provider.Event) {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}

	g.handlerMu.RLock()
	fn := g.handler
	g.handlerMu.RUnlock()
	if fn == nil {
		slog.Debug("[Gateway] Event with no handler", "kind", evt.Kind.String(), "extension", evt.Extension)
		return
	}
	fn(evt)
}

// session returns the session for an extension, creating it on first use.
func (g *Gateway) session(ext string) *session {
	g.mu.RLock()
	s, ok := g.sessions[ext]
	g.mu.RUnlock()
	if ok {
		return s
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.sessions[ext]; ok {
		return s
	}
	s = &session{extension: ext}
	g.sessions[ext] = s
	return s
}

// lookupSession returns an existing session without creating one.
func (g *Gateway) lookupSession(ext string) (*session, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.sessions[ext]
	return s, ok
}

// sessionByCallID finds the session owning an active call.
func (g *Gateway) sessionByCallID(callID string) (*session, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, s := range g.sessions {
		s.mu.Lock()
		match := s.callID == callID
		s.mu.Unlock()
		if match {
			return s, true
		}
	}
	return nil, false
}

// --- URI helpers ---

func (g *Gateway) pbxURI(user string) sip.Uri {
	return sip.Uri{
		Scheme: "sip",
		User:   user,
		Host:   g.cfg.PBXHost,
		Port:   g.cfg.PBXPort,
	}
}

func (g *Gateway) localURI(user string) sip.Uri {
	return sip.Uri{
		Scheme: "sip",
		User:   user,
		Host:   g.cfg.AdvertiseAddr,
		Port:   g.cfg.Port,
	}
}

func generateTag() string {
	return uuid.New().String()[:8]
}
