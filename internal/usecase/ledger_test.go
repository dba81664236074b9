package usecase

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardian-ai/internal/domain"
)

func ledgerEntry(i int) domain.TransmissionLogEntry {
	return domain.TransmissionLogEntry{
		ID:        fmt.Sprintf("tx-%03d", i),
		Timestamp: t0.Add(time.Duration(i) * time.Second),
		Kind:      domain.TransmissionText,
		SizeBytes: i,
		Purpose:   "test",
	}
}

func TestNewTransmissionLedger_CapacityBounds(t *testing.T) {
	for _, c := range []int{0, -5, domain.MaxLedgerCapacity + 1} {
		_, err := NewTransmissionLedger(c)
		require.Error(t, err, "capacity %d", c)
		assert.Equal(t, domain.CodeLedgerCapacity, domain.ErrorCodeOf(err))
	}
	for _, c := range []int{1, domain.DefaultLedgerCapacity, domain.MaxLedgerCapacity} {
		l, err := NewTransmissionLedger(c)
		require.NoError(t, err)
		assert.Equal(t, c, l.Capacity())
	}
}

func TestTransmissionLedger_QueryNewestFirst(t *testing.T) {
	l, err := NewTransmissionLedger(10)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		l.Record(ledgerEntry(i))
	}

	got := l.Query(0)
	require.Len(t, got, 3)
	assert.Equal(t, "tx-003", got[0].ID)
	assert.Equal(t, "tx-001", got[2].ID)

	got = l.Query(2)
	require.Len(t, got, 2)
	assert.Equal(t, "tx-003", got[0].ID)
	assert.Equal(t, "tx-002", got[1].ID)

	assert.Len(t, l.Query(100), 3)
	assert.Len(t, l.Query(-1), 3)
}

func TestTransmissionLedger_EvictsOldest(t *testing.T) {
	l, err := NewTransmissionLedger(domain.DefaultLedgerCapacity)
	require.NoError(t, err)

	for i := 1; i <= 51; i++ {
		l.Record(ledgerEntry(i))
		assert.LessOrEqual(t, l.Len(), domain.DefaultLedgerCapacity)
	}

	got := l.Query(0)
	require.Len(t, got, 50)
	assert.Equal(t, "tx-051", got[0].ID)
	assert.Equal(t, "tx-002", got[49].ID)
	assert.Equal(t, uint64(1), l.Evicted())
	for _, e := range got {
		assert.NotEqual(t, "tx-001", e.ID)
	}
}

func TestTransmissionLedger_CapacityOne(t *testing.T) {
	l, err := NewTransmissionLedger(1)
	require.NoError(t, err)
	l.Record(ledgerEntry(1))
	l.Record(ledgerEntry(2))

	got := l.Query(5)
	require.Len(t, got, 1)
	assert.Equal(t, "tx-002", got[0].ID)
}

func TestTransmissionLedger_Clear(t *testing.T) {
	l, err := NewTransmissionLedger(5)
	require.NoError(t, err)
	l.Record(ledgerEntry(1))
	l.Clear()
	assert.Equal(t, 0, l.Len())
	assert.Empty(t, l.Query(0))

	l.Record(ledgerEntry(2))
	assert.Equal(t, 1, l.Len())
}

func TestTransmissionLedger_ConcurrentRecord(t *testing.T) {
	l, err := NewTransmissionLedger(50)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				l.Record(ledgerEntry(g*100 + i))
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, 50, l.Len())
	assert.Equal(t, uint64(150), l.Evicted())
}
