package config

import "os"

// ApplyEnv applies environment variable overrides to the configuration.
// Environment variables take precedence over TOML config but are overridden by command-line flags.
func ApplyEnv(cfg Config) Config {
	if v := os.Getenv("CARRIER_HOSTNAME"); v != "" {
		cfg.Hostname = v
	}
	if v := os.Getenv("CARRIER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CARRIER_TLS_CERT_FILE"); v != "" {
		cfg.TLS.CertFile = v
	}
	if v := os.Getenv("CARRIER_TLS_KEY_FILE"); v != "" {
		cfg.TLS.KeyFile = v
	}
	if v := os.Getenv("CARRIER_CLIENT_DOMAIN"); v != "" {
		cfg.Client.Domain = v
	}
	if v := os.Getenv("CARRIER_DKIM_PRIVATE_KEY"); v != "" {
		cfg.Client.DKIMPrivateKey = v
	}
	if v := os.Getenv("CARRIER_STORE_TYPE"); v != "" {
		cfg.Store.Type = v
	}
	if v := os.Getenv("CARRIER_STORE_URL"); v != "" {
		cfg.Store.URL = v
	}
	if v := os.Getenv("CARRIER_ADMIN_ADDRESS"); v != "" {
		cfg.Admin.Address = v
	}
	if v := os.Getenv("CARRIER_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
	return cfg
}
