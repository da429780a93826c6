package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sebas/ctibridge/internal/app"
	"github.com/sebas/ctibridge/internal/banner"
	"github.com/sebas/ctibridge/internal/config"
	"github.com/sebas/ctibridge/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	banner.Print("CTI Bridge", []banner.ConfigLine{
		{Label: "SIP", Value: fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.SIPPort)},
		{Label: "PBX", Value: fmt.Sprintf("%s:%d", cfg.PBXHost, cfg.PBXPort)},
		{Label: "HTTP API", Value: cfg.HTTPAddr},
		{Label: "Permissions", Value: orNone(cfg.PermissionDB)},
		{Label: "Audit log", Value: orNone(cfg.AuditLog)},
		{Label: "Log level", Value: cfg.LogLevel},
	})

	bridge, err := app.NewBridge(cfg)
	if err != nil {
		slog.Error("Failed to create bridge", "error", err)
		os.Exit(1)
	}
	defer bridge.Close()

	run(bridge, cfg)
}

func run(bridge *app.Bridge, cfg *config.Config) {
	slog.Info("Starting CTI Bridge",
		"sip_port", cfg.SIPPort,
		"pbx", fmt.Sprintf("%s:%d", cfg.PBXHost, cfg.PBXPort),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := bridge.Start(ctx); err != nil {
		slog.Error("Bridge startup failed", "error", err)
		return
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received signal, shutting down", "signal", sig)
	cancel()

	time.Sleep(1 * time.Second)
}

func orNone(s string) string {
	if s == "" {
		return "(disabled)"
	}
	return s
}
