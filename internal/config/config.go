// Package config provides configuration management for the relay.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ListenerMode defines the operational mode for a listener.
type ListenerMode string

const (
	// ModeSmtp is standard SMTP on port 25, with STARTTLS when a certificate is configured.
	ModeSmtp ListenerMode = "smtp"
	// ModeSmtps is implicit TLS on port 465.
	ModeSmtps ListenerMode = "smtps"
	// ModeAlt is an alternative plain SMTP port for custom configurations.
	ModeAlt ListenerMode = "alt"
)

// Store types.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// DefaultDKIMKeyFile is the key file looked up next to the configuration file
// when client.dkim_private_key is not set.
const DefaultDKIMKeyFile = "dkim.der"

// FileConfig is the top-level wrapper for the configuration file.
type FileConfig struct {
	Carrier Config `toml:"carrier"`
}

// Config holds the complete relay configuration.
type Config struct {
	Hostname  string           `toml:"hostname"`
	LogLevel  string           `toml:"log_level"`
	Listeners []ListenerConfig `toml:"listeners"`
	TLS       TLSConfig        `toml:"tls"`
	Limits    LimitsConfig     `toml:"limits"`
	Timeouts  TimeoutsConfig   `toml:"timeouts"`
	Server    ServerConfig     `toml:"server"`
	Client    ClientConfig     `toml:"client"`
	Store     StoreConfig      `toml:"store"`
	// Routes maps a domain to static "<preference> <host>" records that take
	// precedence over DNS.
	Routes   map[string][]string `toml:"routes"`
	Dispatch DispatchConfig      `toml:"dispatch"`
	Admin    AdminConfig         `toml:"admin"`
	Accounts []AccountConfig     `toml:"accounts"`
	Metrics  MetricsConfig       `toml:"metrics"`
	Tracing  TracingConfig       `toml:"tracing"`
}

// ListenerConfig defines settings for a single listener.
type ListenerConfig struct {
	Address string       `toml:"address"`
	Mode    ListenerMode `toml:"mode"`
}

// TLSConfig holds the inbound TLS certificate and version settings.
type TLSConfig struct {
	CertFile   string `toml:"cert_file"`
	KeyFile    string `toml:"key_file"`
	MinVersion string `toml:"min_version"`
}

// LimitsConfig defines resource limits for the server.
type LimitsConfig struct {
	MaxMessageSize int `toml:"max_message_size"`
}

// TimeoutsConfig defines timeout durations.
type TimeoutsConfig struct {
	Connection string `toml:"connection"`
	Command    string `toml:"command"`
	Forward    string `toml:"forward"`
	Shutdown   string `toml:"shutdown"`
}

// ServerConfig holds inbound policy.
type ServerConfig struct {
	// ForceTLS rejects MAIL on connections that have not negotiated TLS.
	ForceTLS bool `toml:"force_tls"`
}

// ClientConfig holds outbound settings.
type ClientConfig struct {
	// Domain is the domain of reply tokens and the DKIM signing domain.
	Domain         string `toml:"domain"`
	DKIM           bool   `toml:"dkim"`
	DKIMSelector   string `toml:"dkim_selector"`
	DKIMPrivateKey string `toml:"dkim_private_key"`
	SSL            bool   `toml:"ssl"`
	StartTLS       bool   `toml:"starttls"`
	RequireTLS     bool   `toml:"require_tls"`
	Port           int    `toml:"port"`
	TLSCertFile    string `toml:"tls_cert_file"`
	TLSKeyFile     string `toml:"tls_key_file"`
}

// StoreConfig selects the masked address store.
type StoreConfig struct {
	Type string `toml:"type"`
	URL  string `toml:"url"`
}

// DispatchConfig sizes the forwarding worker pool.
type DispatchConfig struct {
	Workers   int `toml:"workers"`
	QueueSize int `toml:"queue_size"`
}

// AdminConfig holds the administrative HTTP API settings.
type AdminConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
}

// AccountConfig is an administrative API account.
type AccountConfig struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// MetricsConfig holds configuration for Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// Tracing exporters.
const (
	ExporterStdout = "stdout"
	ExporterJaeger = "jaeger"
)

// TracingConfig holds configuration for OpenTelemetry tracing.
type TracingConfig struct {
	Enabled  bool   `toml:"enabled"`
	Exporter string `toml:"exporter"`
	// Endpoint is the host:port of the Jaeger agent.
	Endpoint    string  `toml:"endpoint"`
	ServiceName string  `toml:"service_name"`
	SampleRatio float64 `toml:"sample_ratio"`
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		Hostname: "localhost",
		LogLevel: "info",
		Listeners: []ListenerConfig{
			{Address: ":25", Mode: ModeSmtp},
		},
		TLS: TLSConfig{
			MinVersion: "1.2",
		},
		Limits: LimitsConfig{
			MaxMessageSize: 26214400, // 25 MB
		},
		Timeouts: TimeoutsConfig{
			Connection: "5m",
			Command:    "1m",
			Forward:    "2m",
			Shutdown:   "30s",
		},
		Client: ClientConfig{
			DKIMSelector: "default",
			Port:         25,
		},
		Store: StoreConfig{
			Type: StoreMemory,
		},
		Dispatch: DispatchConfig{
			Workers:   4,
			QueueSize: 256,
		},
		Admin: AdminConfig{
			Enabled: false,
			Address: "127.0.0.1:8025",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9100",
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    ExporterStdout,
			Endpoint:    "127.0.0.1:6831",
			ServiceName: "carrier",
			SampleRatio: 1,
		},
	}
}

// Validate checks that the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("hostname is required")
	}

	if len(c.Listeners) == 0 {
		return errors.New("at least one listener is required")
	}

	for i, l := range c.Listeners {
		if l.Address == "" {
			return fmt.Errorf("listener %d: address is required", i)
		}
		if !isValidMode(l.Mode) {
			return fmt.Errorf("listener %d: invalid mode %q", i, l.Mode)
		}
		if l.Mode == ModeSmtps && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
			return fmt.Errorf("listener %d: smtps mode requires tls cert_file and key_file", i)
		}
	}

	if c.Limits.MaxMessageSize <= 0 {
		return errors.New("max_message_size must be positive")
	}

	for name, value := range map[string]string{
		"connection": c.Timeouts.Connection,
		"command":    c.Timeouts.Command,
		"forward":    c.Timeouts.Forward,
		"shutdown":   c.Timeouts.Shutdown,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s timeout: %w", name, err)
		}
	}

	if c.TLS.MinVersion != "" {
		if _, ok := minTLSVersions[c.TLS.MinVersion]; !ok {
			return fmt.Errorf("invalid TLS min_version %q (valid: 1.0, 1.1, 1.2, 1.3)", c.TLS.MinVersion)
		}
	}

	if c.Server.ForceTLS && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return errors.New("server.force_tls requires tls cert_file and key_file")
	}

	if err := c.Client.validate(); err != nil {
		return err
	}

	switch c.Store.Type {
	case "", StoreMemory:
	case StoreRedis, StorePostgres:
		if c.Store.URL == "" {
			return fmt.Errorf("store url is required for store type %q", c.Store.Type)
		}
	default:
		return fmt.Errorf("invalid store type %q (valid: memory, redis, postgres)", c.Store.Type)
	}

	if c.Dispatch.Workers < 0 || c.Dispatch.QueueSize < 0 {
		return errors.New("dispatch workers and queue_size must not be negative")
	}

	if c.Admin.Enabled {
		if c.Admin.Address == "" {
			return errors.New("admin address is required when the admin API is enabled")
		}
		if len(c.Accounts) == 0 {
			return errors.New("at least one account is required when the admin API is enabled")
		}
		for i, a := range c.Accounts {
			if a.Username == "" || a.Password == "" {
				return fmt.Errorf("account %d: username and password are required", i)
			}
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}

	if c.Tracing.Enabled {
		if err := c.Tracing.validate(); err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
	}

	return nil
}

func (t *TracingConfig) validate() error {
	switch t.Exporter {
	case ExporterStdout:
	case ExporterJaeger:
		if _, _, err := net.SplitHostPort(t.Endpoint); err != nil {
			return fmt.Errorf("invalid jaeger endpoint %q: %w", t.Endpoint, err)
		}
	default:
		return fmt.Errorf("unknown exporter %q", t.Exporter)
	}
	if t.ServiceName == "" {
		return errors.New("service_name is required")
	}
	if t.SampleRatio <= 0 || t.SampleRatio > 1 {
		return fmt.Errorf("sample_ratio %v must be in (0, 1]", t.SampleRatio)
	}
	return nil
}

func (c *ClientConfig) validate() error {
	if c.Domain == "" {
		return errors.New("client domain is required")
	}
	if strings.ContainsAny(c.Domain, "@ \t") {
		return fmt.Errorf("invalid client domain %q", c.Domain)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid client port %d", c.Port)
	}
	if c.SSL && c.RequireTLS {
		return errors.New("client ssl and require_tls are mutually exclusive")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("client tls_cert_file and tls_key_file must be set together")
	}
	if c.DKIM {
		if c.DKIMSelector == "" {
			return errors.New("client dkim_selector is required when dkim is enabled")
		}
		if c.DKIMPrivateKey == "" {
			return errors.New("client dkim_private_key is required when dkim is enabled")
		}
	}
	return nil
}

// MinTLSVersion returns the crypto/tls constant for the configured minimum TLS version.
// Returns tls.VersionTLS12 if not configured or invalid.
func (c *TLSConfig) MinTLSVersion() uint16 {
	if v, ok := minTLSVersions[c.MinVersion]; ok {
		return v
	}
	return tls.VersionTLS12
}

// ConnectionTimeout returns the connection timeout as a time.Duration.
// Returns 5 minutes if not configured or invalid.
func (c *TimeoutsConfig) ConnectionTimeout() time.Duration {
	return parseDuration(c.Connection, 5*time.Minute)
}

// CommandTimeout returns the command timeout as a time.Duration.
// Returns 1 minute if not configured or invalid.
func (c *TimeoutsConfig) CommandTimeout() time.Duration {
	return parseDuration(c.Command, 1*time.Minute)
}

// ForwardTimeout bounds route lookup and send for one message.
// Returns 2 minutes if not configured or invalid.
func (c *TimeoutsConfig) ForwardTimeout() time.Duration {
	return parseDuration(c.Forward, 2*time.Minute)
}

// ShutdownTimeout bounds draining the forwarding queue on exit.
// Returns 30 seconds if not configured or invalid.
func (c *TimeoutsConfig) ShutdownTimeout() time.Duration {
	return parseDuration(c.Shutdown, 30*time.Second)
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

var minTLSVersions = map[string]uint16{
	"1.0": tls.VersionTLS10,
	"1.1": tls.VersionTLS11,
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

func isValidMode(m ListenerMode) bool {
	switch m {
	case ModeSmtp, ModeSmtps, ModeAlt:
		return true
	default:
		return false
	}
}
