package security

import (
	"context"
	"log/slog"
	"maps"
	"strings"
	"sync/atomic"
	"time"

	"guardian-ai/internal/domain"
)

type actorKey struct{}

// WithActor tags ctx with the client on whose behalf an operation runs.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the actor set by WithActor, or "".
func ActorFromContext(ctx context.Context) string {
	s, _ := ctx.Value(actorKey{}).(string)
	return s
}

const systemActor = "system"

// defaultContentKeys name detail fields that may hold conversation content.
// They are dropped before an entry reaches the trail.
var defaultContentKeys = []string{"transcript", "payload", "content", "data", "text"}

// ComplianceOption configures a ComplianceAuditLogger.
type ComplianceOption func(*ComplianceAuditLogger)

// WithContentKeys adds detail keys to strip, matched case-insensitively.
func WithContentKeys(keys ...string) ComplianceOption {
	return func(c *ComplianceAuditLogger) {
		for _, k := range keys {
			c.strip[strings.ToLower(k)] = struct{}{}
		}
	}
}

// WithDenialLogger reports denied actions on logger as they are audited.
func WithDenialLogger(logger *slog.Logger) ComplianceOption {
	return func(c *ComplianceAuditLogger) { c.logger = logger }
}

// ComplianceAuditLogger normalizes entries before delegating: it fills
// actor, action, outcome and timestamp, and removes content fields.
type ComplianceAuditLogger struct {
	inner   domain.AuditLogger
	strip   map[string]struct{}
	logger  *slog.Logger
	denials atomic.Int64
	now     func() time.Time
}

func NewComplianceAuditLogger(inner domain.AuditLogger, opts ...ComplianceOption) *ComplianceAuditLogger {
	c := &ComplianceAuditLogger{inner: inner, strip: make(map[string]struct{}), now: time.Now}
	WithContentKeys(defaultContentKeys...)(c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *ComplianceAuditLogger) Log(ctx context.Context, event domain.AuditEvent) error {
	event = c.normalize(ctx, event)
	if event.Denied() {
		c.denials.Add(1)
		if c.logger != nil {
			c.logger.Warn("audited denial", "type", string(event.Type), "actor", event.Actor, "resource", event.Resource)
		}
	}
	return c.inner.Log(ctx, event)
}

func (c *ComplianceAuditLogger) normalize(ctx context.Context, e domain.AuditEvent) domain.AuditEvent {
	if e.Timestamp.IsZero() {
		e.Timestamp = c.now().UTC()
	}
	if e.Actor == "" {
		if e.Actor = ActorFromContext(ctx); e.Actor == "" {
			e.Actor = systemActor
		}
	}
	if e.Action == "" {
		e.Action = string(e.Type)
	}
	if e.Outcome == "" {
		e.Outcome = domain.OutcomeSuccess
	}
	if len(e.Detail) == 0 {
		return e
	}
	detail := maps.Clone(e.Detail)
	maps.DeleteFunc(detail, func(k, _ string) bool {
		_, drop := c.strip[strings.ToLower(k)]
		return drop
	})
	e.Detail = detail
	return e
}

// Denials returns how many denied actions have been audited.
func (c *ComplianceAuditLogger) Denials() int64 { return c.denials.Load() }

func (c *ComplianceAuditLogger) Close() error {
	return c.inner.Close()
}

var _ domain.AuditLogger = (*ComplianceAuditLogger)(nil)
