package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"guardian-ai/internal/domain"
	"guardian-ai/internal/infra/tracer"
)

// captureEntry is the manager-owned state for one record.
type captureEntry struct {
	record domain.CaptureRecord
	chunks [][]byte // sealed when an encryptor is configured
}

// LifecycleDeps holds the collaborators of a LifecycleManager.
// Only Logger is required; nil Bus, Audit or Encryptor disable that concern.
type LifecycleDeps struct {
	Policy         domain.PrivacyPolicy
	LedgerCapacity int                     // 0 = domain.DefaultLedgerCapacity
	Encryptor      domain.PayloadEncryptor // can be nil (payload kept in memory as-is)
	Bus            domain.EventBus         // can be nil
	Audit          domain.AuditLogger      // can be nil
	Logger         *slog.Logger
	Now            func() time.Time // defaults to time.Now
}

// LifecycleManager owns capture records and the transmission ledger.
// Every mutation is serialized by a single mutex; events and audit records
// are emitted after the lock is released.
type LifecycleManager struct {
	mu      sync.Mutex
	policy  domain.PrivacyPolicy
	records map[string]*captureEntry

	clock  RetentionClock
	gate   ConsentGate
	ledger *TransmissionLedger

	encryptor domain.PayloadEncryptor
	bus       domain.EventBus
	audit     domain.AuditLogger
	logger    *slog.Logger
	now       func() time.Time
}

// NewLifecycleManager validates the initial policy and ledger cap and builds a manager.
func NewLifecycleManager(deps LifecycleDeps) (*LifecycleManager, error) {
	if err := deps.Policy.Validate(); err != nil {
		return nil, err
	}
	capacity := deps.LedgerCapacity
	if capacity == 0 {
		capacity = domain.DefaultLedgerCapacity
	}
	ledger, err := NewTransmissionLedger(capacity)
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &LifecycleManager{
		policy:    deps.Policy,
		records:   make(map[string]*captureEntry),
		clock:     NewRetentionClock(),
		gate:      NewConsentGate(),
		ledger:    ledger,
		encryptor: deps.Encryptor,
		bus:       deps.Bus,
		audit:     deps.Audit,
		logger:    logger,
		now:       now,
	}, nil
}

// Now returns the manager's current time in UTC.
func (m *LifecycleManager) Now() time.Time { return m.now().UTC() }

// StartCapture authorizes a capture under the active policy and, on success,
// creates an Active record carrying the policy's current TTL.
// On denial no record is created and a *domain.ConsentDeniedError is returned.
func (m *LifecycleManager) StartCapture(ctx context.Context, selfConsent, allPartiesConsent bool) (domain.CaptureRecord, error) {
	ctx, span := tracer.StartSpan(ctx, "lifecycle.start_capture")
	defer span.End()

	m.mu.Lock()
	policy := m.policy
	auth, err := m.gate.Authorize(policy.Consent(), selfConsent, allPartiesConsent)
	if err != nil {
		m.mu.Unlock()
		tracer.RecordError(span, err)
		m.logger.InfoContext(ctx, "capture denied", "mode", string(policy.ConsentMode), "error", err)
		m.auditLog(ctx, domain.AuditEvent{
			Type:    domain.AuditCaptureDenied,
			Action:  "capture_start",
			Outcome: domain.OutcomeDenied,
			Detail:  map[string]string{"mode": string(policy.ConsentMode), "reason": err.Error()},
		})
		m.publish(ctx, domain.EventCaptureDenied, "", map[string]string{"reason": err.Error()})
		return domain.CaptureRecord{}, err
	}

	now := m.Now()
	rec := domain.CaptureRecord{
		ID:          newID(now),
		CreatedAt:   now,
		TTLHours:    policy.TTLHours,
		State:       domain.CaptureActive,
		Session:     domain.SessionRequesting,
		ConsentMode: auth.Mode,
	}
	rec.Session = domain.SessionActive
	m.records[rec.ID] = &captureEntry{record: rec}
	m.mu.Unlock()

	span.SetAttributes(tracer.StringAttr("capture.id", rec.ID), tracer.IntAttr("capture.ttl_hours", rec.TTLHours))
	tracer.SetOK(span)
	m.logger.InfoContext(ctx, "capture started", "id", rec.ID, "ttl_hours", rec.TTLHours, "mode", string(auth.Mode))
	m.auditLog(ctx, domain.AuditEvent{
		Type:     domain.AuditCaptureStart,
		Resource: rec.ID,
		Action:   "capture_start",
		Outcome:  domain.OutcomeSuccess,
		Detail: map[string]string{
			"mode":      string(auth.Mode),
			"ttl_hours": strconv.Itoa(rec.TTLHours),
		},
	})
	m.publish(ctx, domain.EventCaptureStarted, rec.ID, rec)
	return rec, nil
}

// StopCapture ends the capture session of id. The record itself is retained
// until it expires. Stopping an already stopped session is a no-op.
func (m *LifecycleManager) StopCapture(ctx context.Context, id string) error {
	ctx, span := tracer.StartSpan(ctx, "lifecycle.stop_capture")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("capture.id", id))

	m.mu.Lock()
	e, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		err := captureNotFound("Lifecycle.StopCapture", id)
		tracer.RecordError(span, err)
		return err
	}
	if e.record.Session != domain.SessionActive {
		m.mu.Unlock()
		return nil
	}
	e.record.Session = domain.SessionStopping
	e.record.StoppedAt = m.Now()
	e.record.Session = domain.SessionIdle
	rec := e.record
	m.mu.Unlock()

	tracer.SetOK(span)
	m.logger.InfoContext(ctx, "capture stopped", "id", id, "payload_bytes", rec.PayloadSize)
	m.auditLog(ctx, domain.AuditEvent{
		Type:     domain.AuditCaptureStop,
		Resource: id,
		Action:   "capture_stop",
		Outcome:  domain.OutcomeSuccess,
		Detail:   map[string]string{"payload_bytes": strconv.Itoa(rec.PayloadSize)},
	})
	m.publish(ctx, domain.EventCaptureStopped, id, rec)
	return nil
}

// RevokeConsent closes an active session because consent was withdrawn
// mid-capture (Active -> Denied -> Idle). Payload buffered under the withdrawn
// consent is discarded; the record metadata stays until it expires.
func (m *LifecycleManager) RevokeConsent(ctx context.Context, id string) error {
	ctx, span := tracer.StartSpan(ctx, "lifecycle.revoke_consent")
	defer span.End()

	m.mu.Lock()
	e, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		err := captureNotFound("Lifecycle.RevokeConsent", id)
		tracer.RecordError(span, err)
		return err
	}
	if e.record.Session != domain.SessionActive {
		m.mu.Unlock()
		err := domain.NewSubSystemError("capture", "Lifecycle.RevokeConsent", domain.ErrCaptureNotActive, id)
		tracer.RecordError(span, err)
		return err
	}
	e.record.Session = domain.SessionDenied
	discarded := e.record.PayloadSize
	zeroChunks(e.chunks)
	e.chunks = nil
	e.record.PayloadSize = 0
	e.record.StoppedAt = m.Now()
	e.record.Session = domain.SessionIdle
	rec := e.record
	m.mu.Unlock()

	tracer.SetOK(span)
	m.logger.WarnContext(ctx, "capture consent revoked", "id", id, "discarded_bytes", discarded)
	m.auditLog(ctx, domain.AuditEvent{
		Type:     domain.AuditCaptureRevoke,
		Resource: id,
		Action:   "capture_revoke",
		Outcome:  domain.OutcomeSuccess,
		Detail:   map[string]string{"discarded_bytes": strconv.Itoa(discarded)},
	})
	m.publish(ctx, domain.EventCaptureRevoked, id, rec)
	return nil
}

// AppendPayload adds captured bytes to an open capture session.
func (m *LifecycleManager) AppendPayload(ctx context.Context, id string, chunk []byte) error {
	_, span := tracer.StartSpan(ctx, "lifecycle.append_payload")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.records[id]
	if !ok {
		err := captureNotFound("Lifecycle.AppendPayload", id)
		tracer.RecordError(span, err)
		return err
	}
	if e.record.Session != domain.SessionActive || m.clock.IsExpired(e.record, m.Now()) {
		err := domain.NewSubSystemError("capture", "Lifecycle.AppendPayload", domain.ErrCaptureNotActive, id)
		tracer.RecordError(span, err)
		return err
	}
	if len(chunk) == 0 {
		return nil
	}

	stored := make([]byte, len(chunk))
	copy(stored, chunk)
	if m.encryptor != nil {
		sealed, err := m.encryptor.Encrypt(stored)
		zeroBytes(stored)
		if err != nil {
			err = domain.NewDomainError("Lifecycle.AppendPayload", domain.ErrEncryption, err.Error())
			tracer.RecordError(span, err)
			return err
		}
		stored = sealed
	}
	e.chunks = append(e.chunks, stored)
	e.record.PayloadSize += len(chunk)
	return nil
}

// Payload returns the plaintext payload buffered for id.
func (m *LifecycleManager) Payload(id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.records[id]
	if !ok {
		return nil, captureNotFound("Lifecycle.Payload", id)
	}
	out := make([]byte, 0, e.record.PayloadSize)
	for _, c := range e.chunks {
		if m.encryptor == nil {
			out = append(out, c...)
			continue
		}
		plain, err := m.encryptor.Decrypt(c)
		if err != nil {
			return nil, domain.NewDomainError("Lifecycle.Payload", domain.ErrDecryption, err.Error())
		}
		out = append(out, plain...)
	}
	return out, nil
}

// RecordTransmission appends an audit entry for data that left the device.
// Concurrent callers are serialized by the ledger.
func (m *LifecycleManager) RecordTransmission(ctx context.Context, kind domain.TransmissionKind, sizeBytes int, purpose string) domain.TransmissionLogEntry {
	ctx, span := tracer.StartSpan(ctx, "lifecycle.record_transmission")
	defer span.End()

	now := m.Now()
	entry := domain.TransmissionLogEntry{
		ID:        newID(now),
		Timestamp: now,
		Kind:      kind,
		SizeBytes: sizeBytes,
		Purpose:   purpose,
	}
	m.mu.Lock()
	m.ledger.Record(entry)
	m.mu.Unlock()

	span.SetAttributes(tracer.StringAttr("transmission.kind", string(kind)), tracer.IntAttr("transmission.size", sizeBytes))
	m.logger.DebugContext(ctx, "transmission recorded", "id", entry.ID, "kind", string(kind), "size", sizeBytes, "purpose", purpose)
	m.auditLog(ctx, domain.AuditEvent{
		Type:     domain.AuditTransmission,
		Resource: entry.ID,
		Action:   "transmit",
		Outcome:  domain.OutcomeSuccess,
		Detail: map[string]string{
			"kind":    string(kind),
			"size":    strconv.Itoa(sizeBytes),
			"purpose": purpose,
		},
	})
	m.publish(ctx, domain.EventTransmission, "", entry)
	return entry
}

// Transmissions returns up to limit ledger entries, newest first.
func (m *LifecycleManager) Transmissions(limit int) []domain.TransmissionLogEntry {
	return m.ledger.Query(limit)
}

// SweepExpired purges every record whose TTL has elapsed at now and returns
// the purged records in the Deleted state. A record is purged at most once.
func (m *LifecycleManager) SweepExpired(ctx context.Context, now time.Time) []domain.CaptureRecord {
	ctx, span := tracer.StartSpan(ctx, "lifecycle.sweep_expired")
	defer span.End()

	m.mu.Lock()
	_, expired := m.clock.Sweep(m.sortedRecordsLocked(), now)
	purged := expired[:0]
	for _, r := range expired {
		e := m.records[r.ID]
		if !e.record.State.CanTransition(domain.CaptureDeleted) {
			m.logger.WarnContext(ctx, "record skipped by sweep", "id", r.ID, "state", string(e.record.State))
			continue
		}
		zeroChunks(e.chunks)
		e.chunks = nil
		if e.record.Session == domain.SessionActive {
			e.record.Session = domain.SessionIdle
			e.record.StoppedAt = now.UTC()
		}
		e.record.State = domain.CaptureDeleted
		e.record.PayloadSize = 0
		purged = append(purged, e.record)
		delete(m.records, e.record.ID)
	}
	m.mu.Unlock()

	span.SetAttributes(tracer.IntAttr("sweep.purged", len(purged)))
	tracer.SetOK(span)
	if len(purged) == 0 {
		return nil
	}

	ids := make([]string, len(purged))
	for i, r := range purged {
		ids[i] = r.ID
	}
	m.logger.InfoContext(ctx, "expired records purged", "count", len(purged))
	m.auditLog(ctx, domain.AuditEvent{
		Type:    domain.AuditRetentionSweep,
		Action:  "sweep",
		Outcome: domain.OutcomeSuccess,
		Detail:  map[string]string{"purged": strconv.Itoa(len(purged)), "at": now.UTC().Format(time.RFC3339)},
	})
	m.publish(ctx, domain.EventRecordsPurged, "", map[string]any{"ids": ids})
	return purged
}

// AutoSweep runs SweepExpired at the current time when the policy enables
// automatic deletion. It is the entry point for periodic sweeps.
func (m *LifecycleManager) AutoSweep(ctx context.Context) []domain.CaptureRecord {
	if !m.Policy().AutoDelete {
		m.logger.DebugContext(ctx, "auto delete disabled, skipping sweep")
		return nil
	}
	return m.SweepExpired(ctx, m.Now())
}

// NukeReport counts what a nuke removed.
type NukeReport struct {
	StoppedSessions int `json:"stopped_sessions"`
	Records         int `json:"records"`
	Transmissions   int `json:"transmissions"`
}

// NukeAll stops all captures, deletes every record regardless of expiry and
// clears the transmission ledger. It always succeeds and is idempotent.
func (m *LifecycleManager) NukeAll(ctx context.Context) NukeReport {
	ctx, span := tracer.StartSpan(ctx, "lifecycle.nuke_all")
	defer span.End()

	m.mu.Lock()
	var report NukeReport
	for id, e := range m.records {
		if e.record.Session == domain.SessionActive {
			report.StoppedSessions++
		}
		zeroChunks(e.chunks)
		e.chunks = nil
		delete(m.records, id)
		report.Records++
	}
	report.Transmissions = m.ledger.Len()
	m.ledger.Clear()
	m.mu.Unlock()

	span.SetAttributes(tracer.IntAttr("nuke.records", report.Records))
	tracer.SetOK(span)
	m.logger.WarnContext(ctx, "all privacy data nuked",
		"records", report.Records,
		"stopped_sessions", report.StoppedSessions,
		"transmissions", report.Transmissions)
	m.auditLog(ctx, domain.AuditEvent{
		Type:    domain.AuditNukeAll,
		Action:  "nuke_all",
		Outcome: domain.OutcomeSuccess,
		Detail: map[string]string{
			"records":          strconv.Itoa(report.Records),
			"stopped_sessions": strconv.Itoa(report.StoppedSessions),
			"transmissions":    strconv.Itoa(report.Transmissions),
		},
	})
	m.publish(ctx, domain.EventPrivacyNuked, "", report)
	return report
}

// Policy returns the active privacy policy.
func (m *LifecycleManager) Policy() domain.PrivacyPolicy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy
}

// UpdatePolicy replaces the active policy. Existing records keep the TTL they
// were created with and active captures are not re-authorized.
func (m *LifecycleManager) UpdatePolicy(ctx context.Context, p domain.PrivacyPolicy) error {
	ctx, span := tracer.StartSpan(ctx, "lifecycle.update_policy")
	defer span.End()

	if err := p.Validate(); err != nil {
		tracer.RecordError(span, err)
		return err
	}
	m.mu.Lock()
	prev := m.policy
	m.policy = p
	m.mu.Unlock()

	tracer.SetOK(span)
	m.logger.InfoContext(ctx, "privacy policy updated",
		"consent_mode", string(p.ConsentMode),
		"ttl_hours", p.TTLHours,
		"auto_delete", p.AutoDelete)
	m.auditLog(ctx, domain.AuditEvent{
		Type:    domain.AuditPolicyUpdate,
		Action:  "policy_update",
		Outcome: domain.OutcomeSuccess,
		Detail: map[string]string{
			"consent_mode":      string(p.ConsentMode),
			"prev_consent_mode": string(prev.ConsentMode),
			"ttl_hours":         strconv.Itoa(p.TTLHours),
			"prev_ttl_hours":    strconv.Itoa(prev.TTLHours),
			"auto_delete":       strconv.FormatBool(p.AutoDelete),
			"show_indicators":   strconv.FormatBool(p.ShowIndicators),
		},
	})
	m.publish(ctx, domain.EventPolicyUpdated, "", p)
	return nil
}

// Record returns a copy of the record with id.
func (m *LifecycleManager) Record(id string) (domain.CaptureRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.records[id]
	if !ok {
		return domain.CaptureRecord{}, captureNotFound("Lifecycle.Record", id)
	}
	return e.record, nil
}

// Records returns all retained records ordered by creation. Records whose TTL
// has elapsed at now but have not been swept yet are moved to Expired.
func (m *LifecycleManager) Records(now time.Time) []domain.CaptureRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markExpiredLocked(now)
	return m.sortedRecordsLocked()
}

// FreshRecords sweeps before listing, for reads that must not show expired data.
func (m *LifecycleManager) FreshRecords(ctx context.Context, now time.Time) []domain.CaptureRecord {
	m.SweepExpired(ctx, now)
	return m.Records(now)
}

// BufferBytes returns the total plaintext payload size currently buffered.
func (m *LifecycleManager) BufferBytes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, e := range m.records {
		total += e.record.PayloadSize
	}
	return total
}

// Status summarizes recording state for indicators and dashboards.
func (m *LifecycleManager) Status(now time.Time) domain.PrivacyStatus {
	m.mu.Lock()
	m.markExpiredLocked(now)
	st := domain.PrivacyStatus{
		Records:   len(m.records),
		Policy:    m.policy,
		CheckedAt: now.UTC(),
	}
	for _, e := range m.records {
		if e.record.Session == domain.SessionActive {
			st.ActiveSessions++
		}
		if e.record.State == domain.CaptureExpired {
			st.ExpiredRecords++
		}
		st.BufferBytes += e.record.PayloadSize
	}
	m.mu.Unlock()

	st.Recording = st.ActiveSessions > 0
	st.LedgerEntries = m.ledger.Len()
	st.LedgerEvicted = m.ledger.Evicted()
	return st
}

// Snapshot copies the manager state for persistence. Payload chunks are
// returned as stored (sealed when an encryptor is configured).
func (m *LifecycleManager) Snapshot() domain.LifecycleSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := domain.LifecycleSnapshot{
		Policy:        m.policy,
		Records:       m.sortedRecordsLocked(),
		Payloads:      make(map[string][][]byte, len(m.records)),
		Transmissions: m.ledger.Query(0),
	}
	for id, e := range m.records {
		if len(e.chunks) == 0 {
			continue
		}
		chunks := make([][]byte, len(e.chunks))
		for i, c := range e.chunks {
			chunks[i] = append([]byte(nil), c...)
		}
		snap.Payloads[id] = chunks
	}
	return snap
}

// Restore replaces the manager state with snap. Restored sessions are closed:
// a capture cannot outlive the process that authorized it. Deleted records are
// skipped. The whole snapshot is rejected if any record or the policy is invalid.
func (m *LifecycleManager) Restore(snap domain.LifecycleSnapshot) error {
	if err := snap.Policy.Validate(); err != nil {
		return err
	}
	records := make(map[string]*captureEntry, len(snap.Records))
	for _, r := range snap.Records {
		if err := m.clock.CheckRecord(r); err != nil {
			return err
		}
		if r.State == domain.CaptureDeleted {
			continue
		}
		if r.Session != domain.SessionIdle {
			r.Session = domain.SessionIdle
			if r.StoppedAt.IsZero() {
				r.StoppedAt = m.Now()
			}
		}
		e := &captureEntry{record: r}
		for _, c := range snap.Payloads[r.ID] {
			e.chunks = append(e.chunks, append([]byte(nil), c...))
		}
		records[r.ID] = e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.records {
		zeroChunks(e.chunks)
	}
	m.policy = snap.Policy
	m.records = records
	m.ledger.Clear()
	// Ledger entries arrive newest first; replay oldest first.
	for i := len(snap.Transmissions) - 1; i >= 0; i-- {
		m.ledger.Record(snap.Transmissions[i])
	}
	return nil
}

func (m *LifecycleManager) markExpiredLocked(now time.Time) {
	for _, e := range m.records {
		if e.record.State == domain.CaptureActive && m.clock.IsExpired(e.record, now) {
			e.record.State = domain.CaptureExpired
		}
	}
}

func (m *LifecycleManager) sortedRecordsLocked() []domain.CaptureRecord {
	out := make([]domain.CaptureRecord, 0, len(m.records))
	for _, e := range m.records {
		out = append(out, e.record)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *LifecycleManager) auditLog(ctx context.Context, event domain.AuditEvent) {
	if m.audit == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = m.Now()
	}
	if err := m.audit.Log(ctx, event); err != nil {
		m.logger.WarnContext(ctx, "audit log failed", "type", string(event.Type), "error", err)
	}
}

func (m *LifecycleManager) publish(ctx context.Context, typ domain.EventType, recordID string, payload any) {
	if m.bus == nil {
		return
	}
	event, err := domain.NewEvent(typ, m.Now(), recordID, payload)
	if err != nil {
		m.logger.WarnContext(ctx, "marshal event payload", "type", string(typ), "error", err)
		return
	}
	m.bus.Publish(ctx, event)
}

func captureNotFound(op, id string) error {
	return domain.NewSubSystemError("capture", op, domain.ErrNotFound, fmt.Sprintf("capture %q", id))
}

func zeroChunks(chunks [][]byte) {
	for _, c := range chunks {
		zeroBytes(c)
	}
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
