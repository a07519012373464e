package smtp

import (
	"crypto/tls"
	"fmt"

	"github.com/infodancer/carrier/internal/config"
)

// LoadTLSConfig loads the inbound certificate. It returns nil when no
// certificate is configured, which disables STARTTLS.
func LoadTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading TLS certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   cfg.MinTLSVersion(),
	}, nil
}
