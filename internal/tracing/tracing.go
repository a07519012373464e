// Package tracing builds the OpenTelemetry tracer provider used for
// forwarding spans.
package tracing

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Exporter names accepted in Config.Exporter.
const (
	ExporterStdout = "stdout"
	ExporterJaeger = "jaeger"
)

// Config configures the tracer provider.
type Config struct {
	Enabled  bool
	Exporter string
	// Endpoint is the Jaeger agent host:port.
	Endpoint    string
	ServiceName string
	SampleRatio float64
	// Hostname is recorded as host.name on every span.
	Hostname string

	// Writer receives stdout exporter output; nil means os.Stdout.
	Writer io.Writer
}

// Provider is a TracerProvider that must be shut down to flush spans.
type Provider interface {
	trace.TracerProvider
	Shutdown(ctx context.Context) error
}

type noopProvider struct {
	noop.TracerProvider
}

func (noopProvider) Shutdown(ctx context.Context) error { return nil }

// New creates a Provider from cfg. A disabled config yields a provider that
// records nothing.
func New(cfg Config) (Provider, error) {
	if !cfg.Enabled {
		return noopProvider{noop.NewTracerProvider()}, nil
	}

	exp, err := newExporter(cfg)
	if err != nil {
		return nil, err
	}

	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(cfg.ServiceName)}
	if cfg.Hostname != "" {
		attrs = append(attrs, semconv.HostNameKey.String(cfg.Hostname))
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithResource(resource.NewWithAttributes(semconv.SchemaURL, attrs...)),
	), nil
}

func newExporter(cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterStdout, "":
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("creating stdout exporter: %w", err)
		}
		return exp, nil

	case ExporterJaeger:
		host, port, err := net.SplitHostPort(cfg.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("invalid jaeger endpoint %q: %w", cfg.Endpoint, err)
		}
		exp, err := jaeger.New(jaeger.WithAgentEndpoint(
			jaeger.WithAgentHost(host),
			jaeger.WithAgentPort(port),
		))
		if err != nil {
			return nil, fmt.Errorf("creating jaeger exporter: %w", err)
		}
		return exp, nil

	default:
		return nil, fmt.Errorf("unknown tracing exporter %q", cfg.Exporter)
	}
}
