package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/infodancer/carrier/internal/config"
	"github.com/infodancer/carrier/internal/logging"
)

// serverEntry holds a go-smtp server, its mode and, once bound, its listener.
type serverEntry struct {
	server   *gosmtp.Server
	mode     config.ListenerMode
	listener net.Listener
}

// Server wraps multiple go-smtp servers for multi-mode listener support.
type Server struct {
	entries         []*serverEntry
	shutdownTimeout time.Duration
	logger          *slog.Logger
	wg              sync.WaitGroup
}

// ServerConfig holds configuration for creating a multi-mode Server.
type ServerConfig struct {
	Backend        *Backend
	Listeners      []config.ListenerConfig
	Hostname       string
	TLSConfig      *tls.Config
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int
	// LogTransactions routes the protocol trace through the logger at debug level.
	LogTransactions bool
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// NewServer creates a new multi-mode Server with go-smtp servers for each listener.
func NewServer(cfg ServerConfig) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}

	srv := &Server{
		entries:         make([]*serverEntry, 0, len(cfg.Listeners)),
		shutdownTimeout: shutdownTimeout,
		logger:          logger,
	}

	for _, listener := range cfg.Listeners {
		s := gosmtp.NewServer(cfg.Backend)
		s.Addr = listener.Address
		s.Domain = cfg.Hostname
		s.ReadTimeout = cfg.ReadTimeout
		s.WriteTimeout = cfg.WriteTimeout
		s.MaxMessageBytes = int64(cfg.MaxMessageSize)
		s.EnableSMTPUTF8 = true
		if cfg.LogTransactions {
			s.Debug = logging.NewTransactionWriter(io.Discard,
				logging.WithListener(logger, listener.Address, string(listener.Mode)), "smtp")
		}

		switch listener.Mode {
		case config.ModeSmtp, config.ModeAlt:
			// Plain SMTP; STARTTLS is offered when a certificate is loaded.
			if cfg.TLSConfig != nil {
				s.TLSConfig = cfg.TLSConfig
			}

		case config.ModeSmtps:
			// SMTPS on port 465 (implicit TLS)
			if cfg.TLSConfig == nil {
				return nil, fmt.Errorf("listener %s: TLS required for SMTPS mode but not configured", listener.Address)
			}
			s.TLSConfig = cfg.TLSConfig

		default:
			return nil, fmt.Errorf("listener %s: invalid mode %q", listener.Address, listener.Mode)
		}

		srv.entries = append(srv.entries, &serverEntry{server: s, mode: listener.Mode})
		logger.Info("configured listener",
			slog.String("address", listener.Address),
			slog.String("mode", string(listener.Mode)))
	}

	return srv, nil
}

// Listen binds every configured listener. Run calls it when needed; calling
// it first lets the caller learn the bound addresses.
func (s *Server) Listen() error {
	for _, entry := range s.entries {
		if entry.listener != nil {
			continue
		}
		l, err := net.Listen("tcp", entry.server.Addr)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("listen %s: %w", entry.server.Addr, err)
		}
		if entry.mode == config.ModeSmtps {
			l = tls.NewListener(l, entry.server.TLSConfig)
		}
		entry.listener = l
	}
	return nil
}

// Addrs returns the bound listener addresses in configuration order.
func (s *Server) Addrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(s.entries))
	for _, entry := range s.entries {
		if entry.listener != nil {
			addrs = append(addrs, entry.listener.Addr())
		}
	}
	return addrs
}

func (s *Server) closeListeners() {
	for _, entry := range s.entries {
		if entry.listener != nil {
			_ = entry.listener.Close()
			entry.listener = nil
		}
	}
}

// Run starts all servers and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	errChan := make(chan error, len(s.entries))

	// Start all servers
	for _, entry := range s.entries {
		s.wg.Add(1)
		go func(entry *serverEntry, l net.Listener) {
			defer s.wg.Done()

			s.logger.Info("starting listener",
				slog.String("address", l.Addr().String()),
				slog.String("mode", string(entry.mode)))

			err := entry.server.Serve(l)
			if err != nil && !errors.Is(err, gosmtp.ErrServerClosed) {
				errChan <- fmt.Errorf("server %s: %w", entry.server.Addr, err)
			}
		}(entry, entry.listener)
	}

	// Wait for context cancellation
	<-ctx.Done()

	s.logger.Info("shutting down servers")

	// Gracefully close all servers
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	for _, entry := range s.entries {
		if err := entry.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("error shutting down server",
				slog.String("address", entry.server.Addr),
				slog.String("error", err.Error()))
		}
	}
	// Unblocks a Serve that had not registered its listener before Shutdown.
	s.closeListeners()

	s.wg.Wait()
	s.logger.Info("all servers stopped")

	// Check for any serve errors
	close(errChan)
	var firstErr error
	for err := range errChan {
		if firstErr == nil {
			firstErr = err
		}
		s.logger.Error("server error", slog.String("error", err.Error()))
	}

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}
