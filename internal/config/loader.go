package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// Flags holds command-line flag values.
type Flags struct {
	ConfigPath  string
	Hostname    string
	LogLevel    string
	Listen      string
	AdminListen string
	Domain      string
}

// ParseFlags parses the process command line and returns a Flags struct.
func ParseFlags() *Flags {
	f, _ := ParseFlagSet(flag.CommandLine, os.Args[1:])
	return f
}

// ParseFlagSet registers the relay flags on fs and parses args.
func ParseFlagSet(fs *flag.FlagSet, args []string) (*Flags, error) {
	f := &Flags{}

	fs.StringVar(&f.ConfigPath, "config", "./carrier.toml", "Path to configuration file")
	fs.StringVar(&f.Hostname, "hostname", "", "Server hostname")
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.Listen, "listen", "", "Listen address (replaces all config listeners)")
	fs.StringVar(&f.AdminListen, "admin-listen", "", "Admin API listen address (enables the admin API)")
	fs.StringVar(&f.Domain, "domain", "", "Reply token and DKIM signing domain")

	if err := fs.Parse(args); err != nil {
		return f, err
	}
	return f, nil
}

// Load parses a TOML configuration file and returns the Config.
// If the file does not exist, returns the default configuration.
// A relative or empty DKIM key path resolves against the directory holding the file.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
	} else {
		var fileConfig FileConfig
		if err := toml.Unmarshal(data, &fileConfig); err != nil {
			return cfg, fmt.Errorf("parsing config file: %w", err)
		}
		cfg = mergeConfig(cfg, fileConfig.Carrier)
	}

	dir := filepath.Dir(path)
	switch {
	case cfg.Client.DKIMPrivateKey == "":
		cfg.Client.DKIMPrivateKey = filepath.Join(dir, DefaultDKIMKeyFile)
	case !filepath.IsAbs(cfg.Client.DKIMPrivateKey):
		cfg.Client.DKIMPrivateKey = filepath.Join(dir, cfg.Client.DKIMPrivateKey)
	}

	return cfg, nil
}

// ApplyFlags merges command-line flag values into the config.
// Non-zero/non-empty flag values override config file values.
func ApplyFlags(cfg Config, f *Flags) Config {
	if f.Hostname != "" {
		cfg.Hostname = f.Hostname
	}

	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}

	if f.Listen != "" {
		// -listen flag replaces ALL listeners with a single listener
		cfg.Listeners = []ListenerConfig{
			{Address: f.Listen, Mode: ModeSmtp},
		}
	}

	if f.AdminListen != "" {
		cfg.Admin.Enabled = true
		cfg.Admin.Address = f.AdminListen
	}

	if f.Domain != "" {
		cfg.Client.Domain = f.Domain
	}

	return cfg
}

// LoadWithFlags loads configuration from the path specified in flags,
// applies environment overrides, then applies flag overrides.
func LoadWithFlags(f *Flags) (Config, error) {
	cfg, err := Load(f.ConfigPath)
	if err != nil {
		return cfg, err
	}
	return ApplyFlags(ApplyEnv(cfg), f), nil
}

// mergeConfig merges non-zero values from src into dst.
func mergeConfig(dst, src Config) Config {
	if src.Hostname != "" {
		dst.Hostname = src.Hostname
	}

	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}

	if len(src.Listeners) > 0 {
		dst.Listeners = src.Listeners
	}

	if src.TLS.CertFile != "" {
		dst.TLS.CertFile = src.TLS.CertFile
	}

	if src.TLS.KeyFile != "" {
		dst.TLS.KeyFile = src.TLS.KeyFile
	}

	if src.TLS.MinVersion != "" {
		dst.TLS.MinVersion = src.TLS.MinVersion
	}

	if src.Limits.MaxMessageSize > 0 {
		dst.Limits.MaxMessageSize = src.Limits.MaxMessageSize
	}

	if src.Timeouts.Connection != "" {
		dst.Timeouts.Connection = src.Timeouts.Connection
	}

	if src.Timeouts.Command != "" {
		dst.Timeouts.Command = src.Timeouts.Command
	}

	if src.Timeouts.Forward != "" {
		dst.Timeouts.Forward = src.Timeouts.Forward
	}

	if src.Timeouts.Shutdown != "" {
		dst.Timeouts.Shutdown = src.Timeouts.Shutdown
	}

	if src.Server.ForceTLS {
		dst.Server.ForceTLS = true
	}

	dst.Client = mergeClient(dst.Client, src.Client)

	if src.Store.Type != "" {
		dst.Store.Type = src.Store.Type
	}

	if src.Store.URL != "" {
		dst.Store.URL = src.Store.URL
	}

	if len(src.Routes) > 0 {
		dst.Routes = src.Routes
	}

	if src.Dispatch.Workers > 0 {
		dst.Dispatch.Workers = src.Dispatch.Workers
	}

	if src.Dispatch.QueueSize > 0 {
		dst.Dispatch.QueueSize = src.Dispatch.QueueSize
	}

	if src.Admin.Enabled {
		dst.Admin.Enabled = true
	}

	if src.Admin.Address != "" {
		dst.Admin.Address = src.Admin.Address
	}

	if len(src.Accounts) > 0 {
		dst.Accounts = src.Accounts
	}

	// Metrics: enabled is explicitly set (boolean), so we merge if source has any non-zero value
	if src.Metrics.Enabled {
		dst.Metrics.Enabled = src.Metrics.Enabled
	}

	if src.Metrics.Address != "" {
		dst.Metrics.Address = src.Metrics.Address
	}

	if src.Metrics.Path != "" {
		dst.Metrics.Path = src.Metrics.Path
	}

	if src.Tracing.Enabled {
		dst.Tracing.Enabled = true
	}
	if src.Tracing.Exporter != "" {
		dst.Tracing.Exporter = src.Tracing.Exporter
	}
	if src.Tracing.Endpoint != "" {
		dst.Tracing.Endpoint = src.Tracing.Endpoint
	}
	if src.Tracing.ServiceName != "" {
		dst.Tracing.ServiceName = src.Tracing.ServiceName
	}
	if src.Tracing.SampleRatio != 0 {
		dst.Tracing.SampleRatio = src.Tracing.SampleRatio
	}

	return dst
}

func mergeClient(dst, src ClientConfig) ClientConfig {
	if src.Domain != "" {
		dst.Domain = src.Domain
	}
	if src.DKIM {
		dst.DKIM = true
	}
	if src.DKIMSelector != "" {
		dst.DKIMSelector = src.DKIMSelector
	}
	if src.DKIMPrivateKey != "" {
		dst.DKIMPrivateKey = src.DKIMPrivateKey
	}
	if src.SSL {
		dst.SSL = true
	}
	if src.StartTLS {
		dst.StartTLS = true
	}
	if src.RequireTLS {
		dst.RequireTLS = true
	}
	if src.Port > 0 {
		dst.Port = src.Port
	}
	if src.TLSCertFile != "" {
		dst.TLSCertFile = src.TLSCertFile
	}
	if src.TLSKeyFile != "" {
		dst.TLSKeyFile = src.TLSKeyFile
	}
	return dst
}
