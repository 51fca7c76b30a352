package telemetry

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type memoryExporter struct {
	mu       sync.Mutex
	spans    []sdktrace.ReadOnlySpan
	shutdown bool
}

func (m *memoryExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spans = append(m.spans, spans...)
	return nil
}

func (m *memoryExporter) Shutdown(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdown = true
	return nil
}

// stubExporter swaps newExporter for the test and records the endpoint it was asked for.
func stubExporter(t *testing.T, exporter sdktrace.SpanExporter, err error) *string {
	t.Helper()
	previous := newExporter
	t.Cleanup(func() { newExporter = previous })

	var requested string
	newExporter = func(_ context.Context, endpoint string) (sdktrace.SpanExporter, error) {
		requested = endpoint
		return exporter, err
	}
	return &requested
}

func resourceValue(attrs []attribute.KeyValue, key string) string {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return attr.Value.AsString()
		}
	}
	return ""
}

func TestStartExportsRunSpansWithResource(t *testing.T) {
	t.Setenv(EnvEndpoint, "")
	t.Setenv(EnvEnvironment, "CI")
	previousVersion := ServiceVersion
	ServiceVersion = "v0.3.0"
	t.Cleanup(func() { ServiceVersion = previousVersion })

	exporter := &memoryExporter{}
	requested := stubExporter(t, exporter, nil)

	provider, err := Start(context.Background(), Settings{Configured: "http://collector:4318"})
	require.NoError(t, err)
	assert.True(t, provider.Enabled())
	assert.Equal(t, "http://collector:4318", provider.Endpoint())
	assert.Equal(t, "http://collector:4318", *requested)

	_, span := provider.Tracer("ahornrun/test").Start(context.Background(), "julia.run")
	span.AddEvent("watchdog.arm")
	span.End()
	require.NoError(t, provider.Shutdown(context.Background()))

	exporter.mu.Lock()
	defer exporter.mu.Unlock()
	assert.True(t, exporter.shutdown)
	require.Len(t, exporter.spans, 1)
	attrs := exporter.spans[0].Resource().Attributes()
	assert.Equal(t, ServiceName, resourceValue(attrs, "service.name"))
	assert.Equal(t, "v0.3.0", resourceValue(attrs, "service.version"))
	assert.Equal(t, "ci", resourceValue(attrs, "environment"))
}

func TestSettingsEndpointPrecedence(t *testing.T) {
	tests := []struct {
		name     string
		settings Settings
		env      string
		want     string
	}{
		{name: "flag wins", settings: Settings{Endpoint: "http://flag:4318", Configured: "http://file:4318"}, env: "http://env:4318", want: "http://flag:4318"},
		{name: "environment beats config", settings: Settings{Configured: "http://file:4318"}, env: "http://env:4318", want: "http://env:4318"},
		{name: "config trimmed", settings: Settings{Configured: "  http://file:4318 "}, want: "http://file:4318"},
		{name: "nothing configured", settings: Settings{Endpoint: "   "}, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvEndpoint, tt.env)
			assert.Equal(t, tt.want, tt.settings.endpoint())
		})
	}
}

func TestStartWithoutEndpointLeavesTracingDisabled(t *testing.T) {
	t.Setenv(EnvEndpoint, "")
	requested := stubExporter(t, &memoryExporter{}, nil)
	before := otel.GetTracerProvider()

	provider, err := Start(context.Background(), Settings{})
	require.NoError(t, err)

	assert.False(t, provider.Enabled())
	assert.Empty(t, provider.Endpoint())
	assert.Empty(t, *requested)
	assert.NotNil(t, provider.Tracer("ahornrun/test"))
	assert.NoError(t, provider.Shutdown(context.Background()))
	assert.Equal(t, before, otel.GetTracerProvider())
}

func TestStartPrintsSpansWhenExporterFails(t *testing.T) {
	t.Setenv(EnvEndpoint, "")
	stubExporter(t, nil, errors.New("dial tcp: connection refused"))

	var warnings bytes.Buffer
	provider, err := Start(context.Background(), Settings{Endpoint: "http://unreachable:4318", Warnings: &warnings})
	require.NoError(t, err)

	_, span := provider.Tracer("ahornrun/test").Start(context.Background(), "julia.run")
	span.AddEvent("watchdog.arm")
	span.AddEvent("watchdog.kill")
	span.End()
	require.NoError(t, provider.Shutdown(context.Background()))

	text := warnings.String()
	assert.Contains(t, text, "cannot export traces to http://unreachable:4318: dial tcp: connection refused")
	assert.Contains(t, text, "span julia.run ")
	assert.Contains(t, text, "events=[watchdog.arm watchdog.kill]")
}

func TestNilProviderIsDisabled(t *testing.T) {
	var provider *Provider
	assert.False(t, provider.Enabled())
	assert.Empty(t, provider.Endpoint())
	assert.NoError(t, provider.Shutdown(context.Background()))
}

func TestTrustedRootsRejectsBadBundle(t *testing.T) {
	_, err := trustedRoots(filepath.Join(t.TempDir(), "missing.pem"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "empty.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a certificate"), 0o600))
	_, err = trustedRoots(path)
	require.ErrorContains(t, err, "no PEM certificates")
}

func TestEnvironmentDefaultsToDev(t *testing.T) {
	t.Setenv(EnvEnvironment, "  ")
	assert.Equal(t, "dev", environment())
}
