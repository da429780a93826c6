// Package config loads the bridge configuration from flags, an optional
// YAML file, and environment variables, in that order of precedence
// (later wins).
package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the bridge configuration.
type Config struct {
	// SIP settings
	SIPPort       int
	BindAddr      string
	AdvertiseAddr string
	PBXHost       string
	PBXPort       int
	MediaAddr     string

	// HTTP API
	HTTPAddr string

	// Storage
	PermissionDB string
	AuditLog     string

	// Command confirmation windows
	LoginTimeout  time.Duration
	DialTimeout   time.Duration
	AnswerTimeout time.Duration
	HangupTimeout time.Duration

	// Listener supervision
	ReconcileInterval time.Duration

	// Fan-out
	PublishBuffer int

	LogLevel string
}

// Load loads configuration from command line flags, an optional YAML file,
// and environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		LoginTimeout:      30 * time.Second,
		DialTimeout:       30 * time.Second,
		AnswerTimeout:     5 * time.Second,
		HangupTimeout:     5 * time.Second,
		ReconcileInterval: 10 * time.Second,
		PublishBuffer:     1000,
	}

	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to YAML configuration file")
	flag.IntVar(&cfg.SIPPort, "sip-port", 5070, "SIP listening port")
	flag.StringVar(&cfg.BindAddr, "bind", "0.0.0.0", "SIP bind address")
	flag.StringVar(&cfg.AdvertiseAddr, "advertise", "", "Address to advertise in SIP headers (auto-detected if not set)")
	flag.StringVar(&cfg.PBXHost, "pbx-host", "localhost", "PBX SIP host")
	flag.IntVar(&cfg.PBXPort, "pbx-port", 5060, "PBX SIP port")
	flag.StringVar(&cfg.MediaAddr, "media", "", "Address RTP anchor legs bind on (defaults to advertise address)")
	flag.StringVar(&cfg.HTTPAddr, "http", "0.0.0.0:8080", "HTTP API listen address")
	flag.StringVar(&cfg.PermissionDB, "permdb", "", "Path to SQLite monitor permission database (in-memory grants if not set)")
	flag.StringVar(&cfg.AuditLog, "auditlog", "", "Path to rotated audit log file (disabled if not set)")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	if configPath == "" {
		configPath = os.Getenv("CONFIG")
	}
	if configPath != "" {
		if err := loadFile(cfg, configPath); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if cfg.AdvertiseAddr == "" || !isValidAddress(cfg.AdvertiseAddr) {
		cfg.AdvertiseAddr = getPrimaryInterfaceIP()
	}
	if cfg.MediaAddr == "" {
		cfg.MediaAddr = cfg.AdvertiseAddr
	}

	return cfg, nil
}

// fileConfig mirrors Config for YAML. Pointer fields distinguish "absent"
// from zero, and durations come in as strings like "30s".
type fileConfig struct {
	SIPPort           *int    `yaml:"sip_port"`
	BindAddr          *string `yaml:"bind"`
	AdvertiseAddr     *string `yaml:"advertise"`
	PBXHost           *string `yaml:"pbx_host"`
	PBXPort           *int    `yaml:"pbx_port"`
	MediaAddr         *string `yaml:"media_addr"`
	HTTPAddr          *string `yaml:"http_addr"`
	PermissionDB      *string `yaml:"permission_db"`
	AuditLog          *string `yaml:"audit_log"`
	LoginTimeout      *string `yaml:"login_timeout"`
	DialTimeout       *string `yaml:"dial_timeout"`
	AnswerTimeout     *string `yaml:"answer_timeout"`
	HangupTimeout     *string `yaml:"hangup_timeout"`
	ReconcileInterval *string `yaml:"reconcile_interval"`
	PublishBuffer     *int    `yaml:"publish_buffer"`
	LogLevel          *string `yaml:"loglevel"`
}

// loadFile merges a YAML file over the current values.
func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setInt(&cfg.SIPPort, fc.SIPPort)
	setString(&cfg.BindAddr, fc.BindAddr)
	setString(&cfg.AdvertiseAddr, fc.AdvertiseAddr)
	setString(&cfg.PBXHost, fc.PBXHost)
	setInt(&cfg.PBXPort, fc.PBXPort)
	setString(&cfg.MediaAddr, fc.MediaAddr)
	setString(&cfg.HTTPAddr, fc.HTTPAddr)
	setString(&cfg.PermissionDB, fc.PermissionDB)
	setString(&cfg.AuditLog, fc.AuditLog)
	setInt(&cfg.PublishBuffer, fc.PublishBuffer)
	setString(&cfg.LogLevel, fc.LogLevel)

	durations := []struct {
		name string
		dst  *time.Duration
		src  *string
	}{
		{"login_timeout", &cfg.LoginTimeout, fc.LoginTimeout},
		{"dial_timeout", &cfg.DialTimeout, fc.DialTimeout},
		{"answer_timeout", &cfg.AnswerTimeout, fc.AnswerTimeout},
		{"hangup_timeout", &cfg.HangupTimeout, fc.HangupTimeout},
		{"reconcile_interval", &cfg.ReconcileInterval, fc.ReconcileInterval},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		v, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("parse %s in %s: %w", d.name, path, err)
		}
		*d.dst = v
	}
	return nil
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

// applyEnv overrides from environment variables.
func applyEnv(cfg *Config) {
	if port := os.Getenv("SIP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.SIPPort = p
		}
	}
	if bind := os.Getenv("BIND"); bind != "" {
		cfg.BindAddr = bind
	}
	if advertise := os.Getenv("ADVERTISE"); advertise != "" {
		cfg.AdvertiseAddr = advertise
	}
	if host := os.Getenv("PBX_HOST"); host != "" {
		cfg.PBXHost = host
	}
	if port := os.Getenv("PBX_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.PBXPort = p
		}
	}
	if media := os.Getenv("MEDIA_ADDR"); media != "" {
		cfg.MediaAddr = media
	}
	if addr := os.Getenv("HTTP_ADDR"); addr != "" {
		cfg.HTTPAddr = addr
	}
	if db := os.Getenv("PERMISSION_DB"); db != "" {
		cfg.PermissionDB = db
	}
	if log := os.Getenv("AUDIT_LOG"); log != "" {
		cfg.AuditLog = log
	}
	if loglevel := os.Getenv("LOGLEVEL"); loglevel != "" {
		cfg.LogLevel = loglevel
	}
}

// isValidAddress checks if the address is a valid IP or resolvable hostname.
func isValidAddress(addr string) bool {
	if ip := net.ParseIP(addr); ip != nil {
		return true
	}
	if ips, err := net.LookupIP(addr); err == nil && len(ips) > 0 {
		return true
	}
	return false
}

// getPrimaryInterfaceIP detects the primary network interface IP address.
func getPrimaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}
