package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/infodancer/carrier/internal/admin"
	"github.com/infodancer/carrier/internal/config"
	"github.com/infodancer/carrier/internal/message"
	"github.com/infodancer/carrier/internal/metrics"
	"github.com/infodancer/carrier/internal/relay"
	"github.com/infodancer/carrier/internal/route"
	"github.com/infodancer/carrier/internal/store"
	"github.com/infodancer/carrier/internal/transport"
)

// Stack owns all components of a running relay and manages their lifecycle.
type Stack struct {
	Server     *Server
	Dispatcher *relay.Dispatcher
	Forwarder  *relay.Forwarder
	Store      store.Store
	// Admin is nil when the admin API is disabled.
	Admin *admin.Server

	closers         []io.Closer
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// StackConfig groups config needed to build a Stack.
// Store, Lookup and Sender are built from Config when nil; tests supply fakes.
type StackConfig struct {
	Config    config.Config
	TLSConfig *tls.Config

	Store  store.Store
	Lookup route.Lookup
	Sender transport.Sender

	Collector      metrics.Collector    // nil → NoopCollector
	TracerProvider trace.TracerProvider // nil → global provider
	Logger         *slog.Logger         // nil → slog.Default()
}

// NewStack creates a Stack from the given configuration, wiring up all components.
func NewStack(ctx context.Context, cfg StackConfig) (*Stack, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	collector := cfg.Collector
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}

	c := cfg.Config
	s := &Stack{
		shutdownTimeout: c.Timeouts.ShutdownTimeout(),
		logger:          logger,
	}

	st := cfg.Store
	if st == nil {
		var err error
		st, err = store.Open(ctx, store.Config{Type: c.Store.Type, URL: c.Store.URL})
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		s.closers = append(s.closers, st)
		logger.Info("store opened", "type", c.Store.Type)
	}
	s.Store = st

	lookup := cfg.Lookup
	if lookup == nil {
		lookup = route.ChainLookup{
			Static: route.NewStaticLookup(c.Routes),
			Next:   route.DNSLookup{},
		}
	}

	composer, err := message.NewComposer(message.ComposerConfig{
		Domain:   c.Client.Domain,
		DKIM:     c.Client.DKIM,
		Selector: c.Client.DKIMSelector,
		KeyPath:  c.Client.DKIMPrivateKey,
	})
	if err != nil {
		s.Close() //nolint:errcheck
		return nil, fmt.Errorf("configuring composer: %w", err)
	}
	if composer.Signing() {
		logger.Info("dkim signing enabled",
			"domain", c.Client.Domain,
			"selector", c.Client.DKIMSelector)
	}

	sender := cfg.Sender
	if sender == nil {
		clientTLS, err := transport.LoadClientCertificate(c.Client.TLSCertFile, c.Client.TLSKeyFile)
		if err != nil {
			s.Close() //nolint:errcheck
			return nil, err
		}
		sender = transport.NewSMTPSender(transport.Config{
			Hostname:   c.Hostname,
			Port:       c.Client.Port,
			SSL:        c.Client.SSL,
			StartTLS:   c.Client.StartTLS,
			RequireTLS: c.Client.RequireTLS,
			TLSConfig:  clientTLS,
		})
	}

	s.Forwarder = relay.NewForwarder(relay.ForwarderConfig{
		Store:          st,
		Router:         route.NewResolver(lookup),
		Composer:       composer,
		Sender:         sender,
		Domain:         c.Client.Domain,
		Timeout:        c.Timeouts.ForwardTimeout(),
		Collector:      collector,
		Logger:         logger,
		TracerProvider: cfg.TracerProvider,
	})

	s.Dispatcher = relay.NewDispatcher(s.Forwarder.Forward, relay.DispatcherConfig{
		Workers:   c.Dispatch.Workers,
		QueueSize: c.Dispatch.QueueSize,
	}, logger)

	backend := NewBackend(BackendConfig{
		Hostname:       c.Hostname,
		Gate:           relay.NewGate(st, logger),
		Submitter:      s.Dispatcher,
		Collector:      collector,
		ForceTLS:       c.Server.ForceTLS,
		MaxMessageSize: int64(c.Limits.MaxMessageSize),
		Logger:         logger,
	})

	srv, err := NewServer(ServerConfig{
		Backend:         backend,
		Listeners:       c.Listeners,
		Hostname:        c.Hostname,
		TLSConfig:       cfg.TLSConfig,
		ReadTimeout:     c.Timeouts.CommandTimeout(),
		WriteTimeout:    c.Timeouts.ConnectionTimeout(),
		MaxMessageSize:  c.Limits.MaxMessageSize,
		LogTransactions: c.LogLevel == "debug",
		ShutdownTimeout: c.Timeouts.ShutdownTimeout(),
		Logger:          logger,
	})
	if err != nil {
		s.shutdownDispatcher()
		s.Close() //nolint:errcheck
		return nil, err
	}
	s.Server = srv

	if c.Admin.Enabled {
		accounts := make([]admin.Account, 0, len(c.Accounts))
		for _, a := range c.Accounts {
			accounts = append(accounts, admin.Account{Username: a.Username, Password: a.Password})
		}
		auth, err := admin.NewAuthenticator(accounts)
		if err != nil {
			s.shutdownDispatcher()
			s.Close() //nolint:errcheck
			return nil, fmt.Errorf("configuring admin accounts: %w", err)
		}
		s.Admin = admin.NewServer(c.Admin.Address, admin.NewHandler(st, auth, logger).Router())
		logger.Info("admin API enabled", "address", c.Admin.Address)
	}

	return s, nil
}

// Run starts the listeners and the admin API and blocks until the context is
// cancelled. The forwarding queue is drained before Run returns.
func (s *Stack) Run(ctx context.Context) error {
	if s.Admin != nil {
		go func() {
			if err := s.Admin.Start(ctx); err != nil {
				s.logger.Error("admin server error", "error", err)
			}
		}()
	}

	err := s.Server.Run(ctx)

	s.shutdownDispatcher()

	if s.Admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.Admin.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("error shutting down admin server", "error", err)
		}
	}

	return err
}

func (s *Stack) shutdownDispatcher() {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.Dispatcher.Close(ctx); err != nil {
		s.logger.Warn("forwarding queue not drained", "error", err)
	}
}

// Close shuts down all closeable components in reverse registration order.
func (s *Stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
