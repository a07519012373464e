package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel"

	"github.com/infodancer/carrier/internal/config"
	"github.com/infodancer/carrier/internal/logging"
	"github.com/infodancer/carrier/internal/message"
	"github.com/infodancer/carrier/internal/metrics"
	"github.com/infodancer/carrier/internal/smtp"
	"github.com/infodancer/carrier/internal/tracing"
	"github.com/infodancer/carrier/internal/transport"
)

// loadConfig parses flags and returns a validated configuration, exiting on
// any error.
func loadConfig() config.Config {
	flags := config.ParseFlags()

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func runCheck() {
	cfg := loadConfig()
	if err := checkConfig(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("configuration ok: %d listener(s), relay domain %s, store %s\n",
		len(cfg.Listeners), cfg.Client.Domain, cfg.Store.Type)
}

// checkConfig loads every file the relay reads at startup without opening
// listeners or the store.
func checkConfig(cfg config.Config) error {
	if _, err := smtp.LoadTLSConfig(cfg.TLS); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if _, err := message.NewComposer(composerConfig(cfg)); err != nil {
		return fmt.Errorf("dkim: %w", err)
	}
	if _, err := transport.LoadClientCertificate(cfg.Client.TLSCertFile, cfg.Client.TLSKeyFile); err != nil {
		return fmt.Errorf("client: %w", err)
	}
	return nil
}

func composerConfig(cfg config.Config) message.ComposerConfig {
	return message.ComposerConfig{
		Domain:   cfg.Client.Domain,
		DKIM:     cfg.Client.DKIM,
		Selector: cfg.Client.DKIMSelector,
		KeyPath:  cfg.Client.DKIMPrivateKey,
	}
}

func tracingConfig(cfg config.Config) tracing.Config {
	return tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
		Hostname:    cfg.Hostname,
	}
}

func runServe() {
	cfg := loadConfig()
	logger := logging.NewLogger(cfg.LogLevel)

	tlsConfig, err := smtp.LoadTLSConfig(cfg.TLS)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading tls certificate: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	collector, metricsServer := metrics.New(metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Address: cfg.Metrics.Address,
		Path:    cfg.Metrics.Path,
	})
	if cfg.Metrics.Enabled {
		go func() {
			if err := metricsServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	tp, err := tracing.New(tracingConfig(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error configuring tracing: %v\n", err)
		os.Exit(1)
	}
	otel.SetTracerProvider(tp)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout())
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracing shutdown error", "error", err)
		}
	}()
	if cfg.Tracing.Enabled {
		logger.Info("tracing enabled",
			"exporter", cfg.Tracing.Exporter,
			"sample_ratio", cfg.Tracing.SampleRatio)
	}

	stack, err := smtp.NewStack(ctx, smtp.StackConfig{
		Config:         cfg,
		TLSConfig:      tlsConfig,
		Collector:      collector,
		TracerProvider: tp,
		Logger:         logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error starting relay: %v\n", err)
		os.Exit(1)
	}
	defer stack.Close() //nolint:errcheck

	logger.Info("starting carrier",
		"hostname", cfg.Hostname,
		"listeners", len(cfg.Listeners),
		"relay_domain", cfg.Client.Domain)

	if err := stack.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server error", "error", err)
		stack.Close() //nolint:errcheck
		os.Exit(1)
	}
	logger.Info("carrier stopped")
}
