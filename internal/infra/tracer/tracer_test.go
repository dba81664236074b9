package tracer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"

	"guardian-ai/internal/domain"
	"guardian-ai/internal/infra/config"
)

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: false})
	require.NoError(t, err)
	defer shutdown(context.Background())

	_, ok := otel.GetTracerProvider().(noop.TracerProvider)
	assert.True(t, ok)
}

func TestSetupExporters(t *testing.T) {
	for _, exp := range []string{"noop", "", "stdout"} {
		t.Run(exp, func(t *testing.T) {
			shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: exp})
			require.NoError(t, err)
			require.NoError(t, shutdown(context.Background()))
		})
	}
}

func TestSetupUnsupportedExporter(t *testing.T) {
	_, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "jaeger"})
	assert.Error(t, err)

	_, err = Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "file"})
	assert.ErrorContains(t, err, "output path")
}

func TestSetupFileExporter(t *testing.T) {
	out := filepath.Join(t.TempDir(), "traces", "spans.jsonl")
	shutdown, err := Setup(context.Background(), config.TracerConfig{
		Enabled: true, Exporter: "file", Output: out, SampleRatio: 1,
	})
	require.NoError(t, err)

	_, span := StartSpan(context.Background(), "lifecycle.nuke_all")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "lifecycle.nuke_all")
	assert.Contains(t, string(data), "guardian-ai")
}

func TestRecordErrorTagsCode(t *testing.T) {
	rec := withRecorder(t)
	_, span := StartSpan(context.Background(), "capture.start")
	RecordError(span, domain.NewSubSystemError("capture", "op", domain.ErrConsentDenied, ""))
	span.End()

	var code string
	for _, kv := range rec.Ended()[0].Attributes() {
		if kv.Key == "error.code" {
			code = kv.Value.AsString()
		}
	}
	assert.Equal(t, string(domain.CodeConsentDenied), code)
}

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func TestSpanHelpers(t *testing.T) {
	rec := withRecorder(t)

	ctx, span := StartSpan(context.Background(), "lifecycle.sweep_expired")
	span.SetAttributes(IntAttr("sweep.purged", 2), StringAttr("id", "x"), BoolAttr("auto", true))
	AddEvent(ctx, "audit.retention_sweep", map[string]string{"purged": "2", "at": "now"})
	RecordError(span, errors.New("boom"))
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	s := ended[0]
	assert.Equal(t, "lifecycle.sweep_expired", s.Name())
	assert.Equal(t, codes.Error, s.Status().Code)
	require.Len(t, s.Events(), 2) // audit event + recorded error
	assert.Equal(t, "audit.retention_sweep", s.Events()[0].Name)
	assert.Equal(t, "at", string(s.Events()[0].Attributes[0].Key))
}

func TestSetOK(t *testing.T) {
	rec := withRecorder(t)
	_, span := StartSpan(context.Background(), "ok")
	SetOK(span)
	span.End()
	assert.Equal(t, codes.Ok, rec.Ended()[0].Status().Code)
}

func TestAddEventWithoutSpan(t *testing.T) {
	otel.SetTracerProvider(noop.NewTracerProvider())
	AddEvent(context.Background(), "ignored", map[string]string{"a": "b"})
}
