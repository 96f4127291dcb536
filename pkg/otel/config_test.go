package otel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetExporterConfig_Defaults(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", "")

	cfg := GetExporterConfig(SignalTraces)

	assert.Equal(t, ProtocolHTTPProtobuf, cfg.Protocol)
	assert.Equal(t, "http://localhost:4318/v1/traces", cfg.Endpoint)
	assert.True(t, cfg.Insecure)
	assert.Equal(t, 10*time.Second, cfg.Timeout)
}

func TestGetExporterConfig_SharedEndpointGetsSignalPath(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "otlp.example.com/otlp")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "Authorization=Basic a2V5PXZhbHVl")
	t.Setenv("OTEL_EXPORTER_OTLP_TIMEOUT", "2500")

	cfg := GetExporterConfig(SignalMetrics)

	assert.Equal(t, "https://otlp.example.com/otlp/v1/metrics", cfg.Endpoint)
	assert.False(t, cfg.Insecure)
	assert.Equal(t, "Basic a2V5PXZhbHVl", cfg.Headers["Authorization"])
	assert.Equal(t, 2500*time.Millisecond, cfg.Timeout)
}

func TestGetExporterConfig_SignalOverridesShared(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", "http/protobuf")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", "grpc")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "http://collector:4317/ignored")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_INSECURE", "true")

	cfg := GetExporterConfig(SignalTraces)

	assert.Equal(t, ProtocolGRPC, cfg.Protocol)
	assert.Equal(t, "collector:4317", cfg.Endpoint)
	assert.True(t, cfg.Insecure)
}

func TestParseHeaders(t *testing.T) {
	got := parseHeaders(" a=1 , b=x=y,,=nokey,novalue")
	assert.Equal(t, map[string]string{"a": "1", "b": "x=y"}, got)
}
