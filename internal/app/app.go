// Package app wires the bridge together: SIP gateway, extension machines,
// listener supervisor, permission store, fan-out, audit trail, and the
// HTTP API.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sebas/ctibridge/internal/api"
	"github.com/sebas/ctibridge/internal/audit"
	"github.com/sebas/ctibridge/internal/callctl"
	"github.com/sebas/ctibridge/internal/config"
	"github.com/sebas/ctibridge/internal/notify"
	"github.com/sebas/ctibridge/internal/permstore"
	"github.com/sebas/ctibridge/internal/provider"
	"github.com/sebas/ctibridge/internal/provider/sipcti"
	"github.com/sebas/ctibridge/internal/supervisor"
)

// Bridge is the assembled service.
type Bridge struct {
	cfg        *config.Config
	gateway    *sipcti.Gateway
	registry   *callctl.Registry
	supervisor *supervisor.Supervisor
	publisher  *notify.Publisher
	hub        *notify.Hub
	checker    *permstore.Checker
	perms      permstore.Source
	permsDB    *permstore.SQLite
	recorder   *audit.Recorder
	apiServer  *api.Server
}

// NewBridge builds the bridge from configuration.
func NewBridge(cfg *config.Config) (*Bridge, error) {
	gateway, err := sipcti.New(sipcti.Config{
		ListenAddr:    cfg.BindAddr,
		Port:          cfg.SIPPort,
		AdvertiseAddr: cfg.AdvertiseAddr,
		PBXHost:       cfg.PBXHost,
		PBXPort:       cfg.PBXPort,
		MediaAddr:     cfg.MediaAddr,
	})
	if err != nil {
		return nil, fmt.Errorf("create gateway: %w", err)
	}

	var perms permstore.Source
	var permsDB *permstore.SQLite
	if cfg.PermissionDB != "" {
		permsDB, err = permstore.OpenSQLite(cfg.PermissionDB)
		if err != nil {
			gateway.Close()
			return nil, err
		}
		perms = permsDB
		slog.Info("[App] Permission store opened", "path", cfg.PermissionDB)
	} else {
		perms = permstore.NewMemory()
		slog.Warn("[App] No permission database configured, starting with empty grants")
	}

	checker := permstore.NewChecker(perms)
	hub := notify.NewHub(checker)
	publisher := notify.NewPublisher(hub, cfg.PublishBuffer)
	recorder := audit.NewRecorder(cfg.AuditLog)

	registry := callctl.NewRegistry(gateway, publisher, recorder, callctl.Timeouts{
		Login:  cfg.LoginTimeout,
		Dial:   cfg.DialTimeout,
		Answer: cfg.AnswerTimeout,
		Hangup: cfg.HangupTimeout,
	})
	gateway.OnEvent(func(evt provider.Event) { registry.Route(evt) })

	sup := supervisor.New(gateway, registry, perms,
		supervisor.WithInterval(cfg.ReconcileInterval),
	)

	apiServer := api.NewServer(cfg.HTTPAddr, registry, sup, hub, recorder)

	return &Bridge{
		cfg:        cfg,
		gateway:    gateway,
		registry:   registry,
		supervisor: sup,
		publisher:  publisher,
		hub:        hub,
		checker:    checker,
		perms:      perms,
		permsDB:    permsDB,
		recorder:   recorder,
		apiServer:  apiServer,
	}, nil
}

// Registry exposes the extension registry, mainly for tests and tooling.
func (b *Bridge) Registry() *callctl.Registry {
	return b.registry
}

// Start brings the bridge up: SIP listener, permission cache, listener
// attachments, reconcile loop, and the HTTP API.
func (b *Bridge) Start(ctx context.Context) error {
	go func() {
		if err := b.gateway.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("[App] SIP gateway stopped", "error", err)
		}
	}()

	if err := b.checker.Refresh(ctx); err != nil {
		return err
	}
	b.checker.Start(ctx, b.cfg.ReconcileInterval)

	summary, err := b.supervisor.AttachAll(ctx)
	if err != nil {
		return err
	}
	slog.Info("[App] Initial listener setup", "summary", summary.String())

	b.supervisor.Start(ctx)

	return b.apiServer.Start()
}

// Close shuts everything down in dependency order.
func (b *Bridge) Close() {
	if err := b.apiServer.Stop(); err != nil {
		slog.Warn("[App] API shutdown", "error", err)
	}
	b.supervisor.Stop()
	b.checker.Stop()
	if err := b.gateway.Close(); err != nil {
		slog.Warn("[App] Gateway shutdown", "error", err)
	}
	b.publisher.Close()
	if err := b.recorder.Close(); err != nil {
		slog.Warn("[App] Audit shutdown", "error", err)
	}
	if b.permsDB != nil {
		if err := b.permsDB.Close(); err != nil {
			slog.Warn("[App] Permission store shutdown", "error", err)
		}
	}
}
