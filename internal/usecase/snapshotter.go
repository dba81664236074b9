package usecase

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"guardian-ai/internal/domain"
	"guardian-ai/internal/infra/tracer"
)

// Snapshotter moves lifecycle state between the manager and a LifecycleStore.
// Persist and Nuke are serialized so a save can never land after a purge.
type Snapshotter struct {
	mu      sync.Mutex
	manager *LifecycleManager
	store   domain.LifecycleStore
	audit   domain.AuditLogger // can be nil
	logger  *slog.Logger
}

// NewSnapshotter creates a Snapshotter.
func NewSnapshotter(manager *LifecycleManager, store domain.LifecycleStore, audit domain.AuditLogger, logger *slog.Logger) *Snapshotter {
	return &Snapshotter{manager: manager, store: store, audit: audit, logger: logger}
}

// Load restores the last persisted snapshot, if any. It reports whether
// state was restored.
func (s *Snapshotter) Load(ctx context.Context) (bool, error) {
	ctx, span := tracer.StartSpan(ctx, "snapshot.load")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.store.Load(ctx)
	if err != nil {
		tracer.RecordError(span, err)
		return false, domain.WrapOp("Snapshotter.Load", err)
	}
	if snap == nil {
		return false, nil
	}
	if err := s.manager.Restore(*snap); err != nil {
		tracer.RecordError(span, err)
		return false, domain.WrapOp("Snapshotter.Load", err)
	}
	s.logger.InfoContext(ctx, "lifecycle state restored",
		"records", len(snap.Records),
		"transmissions", len(snap.Transmissions))
	return true, nil
}

// Persist writes the current manager state to the store. Successful and
// failed attempts are both audited.
func (s *Snapshotter) Persist(ctx context.Context) error {
	ctx, span := tracer.StartSpan(ctx, "snapshot.persist")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.manager.Snapshot()
	if err := s.store.Save(ctx, snap); err != nil {
		tracer.RecordError(span, err)
		s.auditPersist(ctx, snap, domain.OutcomeFailure)
		return domain.WrapOp("Snapshotter.Persist", err)
	}
	tracer.SetOK(span)
	s.logger.DebugContext(ctx, "lifecycle state persisted", "records", len(snap.Records))
	s.auditPersist(ctx, snap, domain.OutcomeSuccess)
	return nil
}

func (s *Snapshotter) auditPersist(ctx context.Context, snap domain.LifecycleSnapshot, outcome string) {
	if s.audit == nil {
		return
	}
	event := domain.AuditEvent{
		Timestamp: time.Now().UTC(),
		Type:      domain.AuditSnapshot,
		Action:    "persist",
		Outcome:   outcome,
		Detail: map[string]string{
			"records":       strconv.Itoa(len(snap.Records)),
			"transmissions": strconv.Itoa(len(snap.Transmissions)),
		},
	}
	if err := s.audit.Log(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "audit log failed", "type", string(event.Type), "error", err)
	}
}

// Nuke clears the in-memory state and then the persisted copy. In-memory
// deletion always completes; a store failure is returned after it.
func (s *Snapshotter) Nuke(ctx context.Context) (NukeReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := s.manager.NukeAll(ctx)
	if err := s.store.Purge(ctx); err != nil {
		s.logger.ErrorContext(ctx, "purge persisted state failed", "error", err)
		return report, domain.WrapOp("Snapshotter.Nuke", err)
	}
	return report, nil
}

// PersistOnPolicyChange saves state whenever the policy is updated, so a
// restart never reverts to the previous policy. The returned func
// unsubscribes.
func (s *Snapshotter) PersistOnPolicyChange(bus domain.EventBus) func() {
	return bus.Subscribe(domain.EventPolicyUpdated, func(ctx context.Context, _ domain.Event) {
		if err := s.Persist(ctx); err != nil {
			s.logger.WarnContext(ctx, "persist policy change failed", "error", err)
		}
	})
}
