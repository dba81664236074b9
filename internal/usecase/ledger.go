package usecase

import (
	"fmt"
	"sync"

	"guardian-ai/internal/domain"
)

// TransmissionLedger keeps a bounded, FIFO-evicting history of outbound sends.
// It is safe for concurrent use; eviction and append happen under one lock.
type TransmissionLedger struct {
	mu       sync.Mutex
	capacity int
	entries  []domain.TransmissionLogEntry // oldest first
	evicted  uint64
}

// NewTransmissionLedger creates a ledger holding at most capacity entries.
func NewTransmissionLedger(capacity int) (*TransmissionLedger, error) {
	if capacity < 1 || capacity > domain.MaxLedgerCapacity {
		return nil, domain.NewSubSystemError("ledger", "NewTransmissionLedger", domain.ErrInvalidConfiguration,
			fmt.Sprintf("capacity %d outside [1, %d]", capacity, domain.MaxLedgerCapacity))
	}
	return &TransmissionLedger{
		capacity: capacity,
		entries:  make([]domain.TransmissionLogEntry, 0, capacity),
	}, nil
}

// Record appends entry, evicting the oldest entries once the cap is exceeded.
func (l *TransmissionLedger) Record(entry domain.TransmissionLogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, entry)
	if over := len(l.entries) - l.capacity; over > 0 {
		// Shift in place so the backing array does not grow without bound.
		n := copy(l.entries, l.entries[over:])
		for i := n; i < len(l.entries); i++ {
			l.entries[i] = domain.TransmissionLogEntry{}
		}
		l.entries = l.entries[:n]
		l.evicted += uint64(over)
	}
}

// Query returns up to limit entries, newest first. limit <= 0 returns everything.
func (l *TransmissionLedger) Query(limit int) []domain.TransmissionLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.TransmissionLogEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, l.entries[i])
	}
	return out
}

// Clear empties the ledger.
func (l *TransmissionLedger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		l.entries[i] = domain.TransmissionLogEntry{}
	}
	l.entries = l.entries[:0]
}

// Len returns the number of retained entries.
func (l *TransmissionLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Capacity returns the configured cap.
func (l *TransmissionLedger) Capacity() int { return l.capacity }

// Evicted returns how many entries were dropped by capacity since creation.
func (l *TransmissionLedger) Evicted() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.evicted
}
