// Package telemetry installs the OpenTelemetry tracer provider that run spans are
// exported through.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const (
	// ServiceName is reported as service.name on every exported span.
	ServiceName = "ahornrun"

	// EnvEndpoint overrides the configured collector endpoint.
	EnvEndpoint = "OTEL_EXPORTER_OTLP_ENDPOINT"
	// EnvCertificate names a PEM bundle trusted for the collector connection.
	EnvCertificate = "OTEL_EXPORTER_OTLP_CERTIFICATE"
	// EnvEnvironment is reported as the deployment environment.
	EnvEnvironment = "AHORNRUN_ENV"

	defaultEnvironment = "dev"
	flushTimeout       = 5 * time.Second
	maxExportBatch     = 512
)

// ServiceVersion is set at build time.
var ServiceVersion = "dev"

// newExporter builds the span exporter for a collector endpoint. Tests replace it.
var newExporter = otlpExporter

// Settings selects the collector. Endpoint (the --otel-endpoint flag) wins over
// EnvEndpoint, which wins over Configured (config.toml).
type Settings struct {
	Endpoint   string
	Configured string
	// Warnings receives exporter fallback notices and, after a fallback, the spans
	// themselves. Defaults to stderr.
	Warnings io.Writer
}

func (s Settings) endpoint() string {
	if endpoint := strings.TrimSpace(s.Endpoint); endpoint != "" {
		return endpoint
	}
	if endpoint := strings.TrimSpace(os.Getenv(EnvEndpoint)); endpoint != "" {
		return endpoint
	}
	return strings.TrimSpace(s.Configured)
}

// Provider is the tracer provider of one CLI invocation. The zero Provider is
// disabled: it hands out the global tracer and shuts down as a no-op.
type Provider struct {
	sdk      *sdktrace.TracerProvider
	endpoint string
}

// Start installs a batching provider as the global tracer provider. Without an
// endpoint tracing stays disabled and the global provider is left untouched.
// An exporter that cannot be built is replaced by a line printer on Warnings.
func Start(ctx context.Context, settings Settings) (*Provider, error) {
	endpoint := settings.endpoint()
	if endpoint == "" {
		return &Provider{}, nil
	}
	warnings := settings.Warnings
	if warnings == nil {
		warnings = os.Stderr
	}

	exporter, err := newExporter(ctx, endpoint)
	if err != nil {
		fmt.Fprintf(warnings, "warning: cannot export traces to %s: %v; printing spans instead\n", endpoint, err)
		exporter = &lineExporter{out: warnings}
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", ServiceName),
		attribute.String("service.version", serviceVersion()),
		attribute.String("environment", environment()),
	))
	if err != nil {
		return nil, fmt.Errorf("build telemetry resource: %w", err)
	}

	sdk := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(flushTimeout),
			sdktrace.WithMaxExportBatchSize(maxExportBatch),
		),
	)
	otel.SetTracerProvider(sdk)
	return &Provider{sdk: sdk, endpoint: endpoint}, nil
}

// Enabled reports whether spans are exported.
func (p *Provider) Enabled() bool {
	return p != nil && p.sdk != nil
}

// Endpoint returns the collector endpoint spans go to, or "" when disabled.
func (p *Provider) Endpoint() string {
	if p == nil {
		return ""
	}
	return p.endpoint
}

// Tracer returns a named tracer from this provider, or from the global one when disabled.
func (p *Provider) Tracer(name string) trace.Tracer {
	if !p.Enabled() {
		return otel.Tracer(name)
	}
	return p.sdk.Tracer(name)
}

// Shutdown flushes pending spans, waiting at most five seconds.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()
	if err := p.sdk.Shutdown(ctx); err != nil {
		return fmt.Errorf("flush traces: %w", err)
	}
	return nil
}

func otlpExporter(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
	options := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
	if path := strings.TrimSpace(os.Getenv(EnvCertificate)); path != "" {
		tlsConfig, err := trustedRoots(path)
		if err != nil {
			return nil, err
		}
		options = append(options, otlptracehttp.WithTLSClientConfig(tlsConfig))
	}
	return otlptracehttp.New(ctx, options...)
}

func trustedRoots(path string) (*tls.Config, error) {
	// #nosec G304 -- the bundle path comes from the operator's environment.
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", EnvCertificate, err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(pem) {
		return nil, errors.New(EnvCertificate + " contains no PEM certificates")
	}
	return &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: roots}, nil
}

func environment() string {
	if env := strings.TrimSpace(os.Getenv(EnvEnvironment)); env != "" {
		return strings.ToLower(env)
	}
	return defaultEnvironment
}

func serviceVersion() string {
	if version := strings.TrimSpace(ServiceVersion); version != "" {
		return version
	}
	return "dev"
}

// lineExporter prints one line per span: name, duration, status and event names.
type lineExporter struct {
	out io.Writer
}

func (e *lineExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		names := make([]string, 0, len(span.Events()))
		for _, event := range span.Events() {
			names = append(names, event.Name)
		}
		duration := span.EndTime().Sub(span.StartTime()).Round(time.Millisecond)
		if _, err := fmt.Fprintf(e.out, "span %s %s %s events=[%s]\n",
			span.Name(), duration, span.Status().Code, strings.Join(names, " ")); err != nil {
			return err
		}
	}
	return nil
}

func (e *lineExporter) Shutdown(context.Context) error {
	return nil
}
