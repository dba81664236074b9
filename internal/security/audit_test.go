package security

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"guardian-ai/internal/domain"
	"guardian-ai/internal/infra/tracer"
)

func newTestAuditLogger(t *testing.T, retention RetentionPolicy) (*FileAuditLogger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit", "audit.jsonl")
	a, err := NewFileAuditLogger(path, retention)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a, path
}

func readAuditLines(t *testing.T, path string) []domain.AuditEvent {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []domain.AuditEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e domain.AuditEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		out = append(out, e)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestFileAuditLogger_WriteAndRead(t *testing.T) {
	a, path := newTestAuditLogger(t, RetentionPolicy{})

	err := a.Log(context.Background(), domain.AuditEvent{
		Type:   domain.AuditCaptureStart,
		Detail: map[string]string{"record_id": "r1", "mode": "one-party"},
	})
	require.NoError(t, err)

	events := readAuditLines(t, path)
	require.Len(t, events, 1)
	assert.Equal(t, domain.AuditCaptureStart, events[0].Type)
	assert.Equal(t, "r1", events[0].Detail["record_id"])
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestFileAuditLogger_FilePermissions(t *testing.T) {
	_, path := newTestAuditLogger(t, RetentionPolicy{})

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	dirInfo, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), dirInfo.Mode().Perm())
}

func TestFileAuditLogger_Concurrent(t *testing.T) {
	a, path := newTestAuditLogger(t, RetentionPolicy{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = a.Log(context.Background(), domain.AuditEvent{
				Type:   domain.AuditTransmission,
				Detail: map[string]string{"n": fmt.Sprint(i)},
			})
		}(i)
	}
	wg.Wait()

	assert.Len(t, readAuditLines(t, path), 20)
}

func TestFileAuditLogger_Tail(t *testing.T) {
	a, _ := newTestAuditLogger(t, RetentionPolicy{})
	ctx := context.Background()
	for _, typ := range []domain.AuditEventType{domain.AuditCaptureStart, domain.AuditCaptureStop, domain.AuditRetentionSweep} {
		require.NoError(t, a.Log(ctx, domain.AuditEvent{Type: typ}))
	}

	got, err := a.Tail(2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, domain.AuditRetentionSweep, got[0].Type)
	assert.Equal(t, domain.AuditCaptureStop, got[1].Type)

	all, err := a.Tail(0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestFileAuditLogger_SpanEvent(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	a, _ := newTestAuditLogger(t, RetentionPolicy{})
	ctx, span := tracer.StartSpan(context.Background(), "test")
	require.NoError(t, a.Log(ctx, domain.AuditEvent{
		Type:    domain.AuditNukeAll,
		Outcome: "success",
		Detail:  map[string]string{"records": "3"},
	}))
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	events := ended[0].Events()
	require.Len(t, events, 1)
	assert.Equal(t, "audit.nuke_all", events[0].Name)
}

func TestFileAuditLogger_EnforceRetentionByAge(t *testing.T) {
	a, path := newTestAuditLogger(t, RetentionPolicy{MaxAge: 24 * time.Hour})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, a.Log(ctx, domain.AuditEvent{Type: domain.AuditCaptureStart, Timestamp: now.Add(-48 * time.Hour)}))
	require.NoError(t, a.Log(ctx, domain.AuditEvent{Type: domain.AuditCaptureStop, Timestamp: now.Add(-25 * time.Hour)}))
	require.NoError(t, a.Log(ctx, domain.AuditEvent{Type: domain.AuditRetentionSweep, Timestamp: now.Add(-time.Hour)}))

	removed, err := a.EnforceRetention(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	// Logging continues on the rewritten file.
	require.NoError(t, a.Log(ctx, domain.AuditEvent{Type: domain.AuditSnapshot}))
	events := readAuditLines(t, path)
	require.Len(t, events, 2)
	assert.Equal(t, domain.AuditRetentionSweep, events[0].Type)
	assert.Equal(t, domain.AuditSnapshot, events[1].Type)
}

func TestFileAuditLogger_EnforceRetentionBySize(t *testing.T) {
	a, path := newTestAuditLogger(t, RetentionPolicy{MaxSize: 300})
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, a.Log(ctx, domain.AuditEvent{
			Type:   domain.AuditTransmission,
			Detail: map[string]string{"n": fmt.Sprint(i)},
		}))
	}

	removed, err := a.EnforceRetention(ctx)
	require.NoError(t, err)
	assert.Positive(t, removed)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.LessOrEqual(t, info.Size(), int64(300))

	// Oldest entries go first.
	events := readAuditLines(t, path)
	require.NotEmpty(t, events)
	assert.Equal(t, "9", events[len(events)-1].Detail["n"])
}

func TestFileAuditLogger_EnforceRetentionNoop(t *testing.T) {
	a, _ := newTestAuditLogger(t, RetentionPolicy{})
	require.NoError(t, a.Log(context.Background(), domain.AuditEvent{Type: domain.AuditSnapshot}))

	removed, err := a.EnforceRetention(context.Background())
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestFileAuditLogger_EnforceRetentionKeepsUnparseable(t *testing.T) {
	a, path := newTestAuditLogger(t, RetentionPolicy{MaxAge: time.Hour})
	require.NoError(t, a.Log(context.Background(), domain.AuditEvent{
		Type:      domain.AuditSnapshot,
		Timestamp: time.Now().Add(-2 * time.Hour),
	}))
	_, err := a.file.WriteString("not json\n")
	require.NoError(t, err)

	removed, err := a.EnforceRetention(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "not json", strings.TrimSpace(string(data)))
}

func TestParseRetentionMaxSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"100", 100, false},
		{"512B", 512, false},
		{"4KB", 4000, false},
		{"4KiB", 4 << 10, false},
		{"50 MiB", 50 << 20, false},
		{"1gb", 1_000_000_000, false},
		{"abc", 0, true},
		{"-5MB", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRetentionMaxSize(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
