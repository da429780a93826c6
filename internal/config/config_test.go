package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFileMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	content := `
sip_port: 5090
pbx_host: pbx.example.com
pbx_port: 5062
http_addr: 127.0.0.1:9090
permission_db: /var/lib/ctibridge/perms.db
dial_timeout: 45s
loglevel: debug
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := &Config{
		SIPPort:     5070,
		PBXPort:     5060,
		DialTimeout: 30 * time.Second,
		LogLevel:    "info",
	}
	if err := loadFile(cfg, path); err != nil {
		t.Fatalf("loadFile() error = %v", err)
	}

	if cfg.SIPPort != 5090 {
		t.Errorf("SIPPort = %d, want 5090", cfg.SIPPort)
	}
	if cfg.PBXHost != "pbx.example.com" || cfg.PBXPort != 5062 {
		t.Errorf("PBX = %s:%d, want pbx.example.com:5062", cfg.PBXHost, cfg.PBXPort)
	}
	if cfg.HTTPAddr != "127.0.0.1:9090" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.PermissionDB != "/var/lib/ctibridge/perms.db" {
		t.Errorf("PermissionDB = %q", cfg.PermissionDB)
	}
	if cfg.DialTimeout != 45*time.Second {
		t.Errorf("DialTimeout = %v, want 45s", cfg.DialTimeout)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoadFileRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	if err := os.WriteFile(path, []byte("dial_timeout: soon\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := &Config{}
	if err := loadFile(cfg, path); err == nil {
		t.Error("expected error for unparseable duration")
	}
}

func TestLoadFileMissing(t *testing.T) {
	cfg := &Config{}
	if err := loadFile(cfg, filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("SIP_PORT", "5091")
	t.Setenv("PBX_HOST", "env-pbx")
	t.Setenv("HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("AUDIT_LOG", "/tmp/audit.log")
	t.Setenv("LOGLEVEL", "warn")

	cfg := &Config{SIPPort: 5070, PBXHost: "localhost", HTTPAddr: "0.0.0.0:8080"}
	applyEnv(cfg)

	if cfg.SIPPort != 5091 {
		t.Errorf("SIPPort = %d, want 5091", cfg.SIPPort)
	}
	if cfg.PBXHost != "env-pbx" {
		t.Errorf("PBXHost = %q, want env-pbx", cfg.PBXHost)
	}
	if cfg.HTTPAddr != "127.0.0.1:9999" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.AuditLog != "/tmp/audit.log" {
		t.Errorf("AuditLog = %q", cfg.AuditLog)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}
}

func TestApplyEnvIgnoresBadNumbers(t *testing.T) {
	t.Setenv("SIP_PORT", "not-a-port")

	cfg := &Config{SIPPort: 5070}
	applyEnv(cfg)

	if cfg.SIPPort != 5070 {
		t.Errorf("SIPPort = %d, want unchanged 5070", cfg.SIPPort)
	}
}
