package usecase

import (
	"strconv"
	"time"

	"guardian-ai/internal/domain"
)

// RetentionClock decides record expiry against each record's own TTL.
// It holds no state; callers inject "now" so expiry is deterministic.
type RetentionClock struct{}

// NewRetentionClock returns a RetentionClock.
func NewRetentionClock() RetentionClock { return RetentionClock{} }

// IsExpired reports whether now >= createdAt + ttl. The boundary is inclusive.
func (RetentionClock) IsExpired(r domain.CaptureRecord, now time.Time) bool {
	return !now.Before(r.ExpiresAt())
}

// Sweep partitions records into kept and purged without mutating them.
// Input order is preserved in both outputs.
func (c RetentionClock) Sweep(records []domain.CaptureRecord, now time.Time) (kept, purged []domain.CaptureRecord) {
	for _, r := range records {
		if c.IsExpired(r, now) {
			purged = append(purged, r)
		} else {
			kept = append(kept, r)
		}
	}
	return kept, purged
}

// CheckRecord rejects records with an unknown state or a TTL outside the
// allowed range.
func (RetentionClock) CheckRecord(r domain.CaptureRecord) error {
	if !r.State.Valid() {
		return domain.NewDomainError("RetentionClock.CheckRecord", domain.ErrInvalidConfiguration,
			"record "+r.ID+": unknown state "+strconv.Quote(string(r.State)))
	}
	if err := domain.ValidateTTLHours(r.TTLHours); err != nil {
		return domain.NewSubSystemError("retention", "RetentionClock.CheckRecord", domain.ErrInvalidConfiguration,
			"record "+r.ID+": "+err.Error())
	}
	return nil
}
