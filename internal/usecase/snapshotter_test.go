package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardian-ai/internal/domain"
	"guardian-ai/internal/usecase/eventbus"
)

// memoryStore is an in-memory LifecycleStore.
type memoryStore struct {
	snap     *domain.LifecycleSnapshot
	saves    int
	purged   bool
	purgeErr error
	loadErr  error
	saveErr  error
}

func (s *memoryStore) Save(_ context.Context, snap domain.LifecycleSnapshot) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	s.snap = &snap
	return nil
}

func (s *memoryStore) Load(context.Context) (*domain.LifecycleSnapshot, error) {
	return s.snap, s.loadErr
}

func (s *memoryStore) Purge(context.Context) error {
	if s.purgeErr != nil {
		return s.purgeErr
	}
	s.purged = true
	s.snap = nil
	return nil
}

func (s *memoryStore) Close() error { return nil }

// gatedStore blocks Save until release is closed, signalling entered once
// the save has started.
type gatedStore struct {
	mu      sync.Mutex
	once    sync.Once
	inner   memoryStore
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) Save(ctx context.Context, snap domain.LifecycleSnapshot) error {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Save(ctx, snap)
}

func (s *gatedStore) Load(ctx context.Context) (*domain.LifecycleSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Load(ctx)
}

func (s *gatedStore) Purge(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Purge(ctx)
}

func (s *gatedStore) Close() error { return nil }

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSnapshotter_PersistAndLoad(t *testing.T) {
	f := newLifecycleFixture(t, policyWith(domain.ConsentOneParty, 8), nil)
	ctx := context.Background()
	store := &memoryStore{}

	rec, err := f.m.StartCapture(ctx, true, false)
	require.NoError(t, err)
	require.NoError(t, f.m.AppendPayload(ctx, rec.ID, []byte("abc")))

	require.NoError(t, NewSnapshotter(f.m, store, f.audit, discardLogger()).Persist(ctx))
	assert.Equal(t, 1, store.saves)
	assert.Contains(t, f.audit.types(), domain.AuditSnapshot)

	g := newLifecycleFixture(t, domain.DefaultPrivacyPolicy(), nil)
	ok, err := NewSnapshotter(g.m, store, nil, discardLogger()).Load(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 8, g.m.Policy().TTLHours)
	payload, err := g.m.Payload(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(payload))
}

func TestSnapshotter_LoadEmptyStore(t *testing.T) {
	f := newLifecycleFixture(t, domain.DefaultPrivacyPolicy(), nil)
	ok, err := NewSnapshotter(f.m, &memoryStore{}, nil, discardLogger()).Load(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSnapshotter_LoadError(t *testing.T) {
	f := newLifecycleFixture(t, domain.DefaultPrivacyPolicy(), nil)
	store := &memoryStore{loadErr: domain.NewDomainError("store", domain.ErrStore, "locked")}
	_, err := NewSnapshotter(f.m, store, nil, discardLogger()).Load(context.Background())
	assert.ErrorIs(t, err, domain.ErrStore)
}

func TestSnapshotter_PersistFailureIsAudited(t *testing.T) {
	f := newLifecycleFixture(t, domain.DefaultPrivacyPolicy(), nil)
	store := &memoryStore{saveErr: domain.NewDomainError("store", domain.ErrStore, "disk full")}

	err := NewSnapshotter(f.m, store, f.audit, discardLogger()).Persist(context.Background())
	require.ErrorIs(t, err, domain.ErrStore)

	f.audit.mu.Lock()
	defer f.audit.mu.Unlock()
	last := f.audit.events[len(f.audit.events)-1]
	assert.Equal(t, domain.AuditSnapshot, last.Type)
	assert.Equal(t, domain.OutcomeFailure, last.Outcome)
}

func TestSnapshotter_NukeClearsMemoryAndStore(t *testing.T) {
	f := newLifecycleFixture(t, domain.DefaultPrivacyPolicy(), nil)
	ctx := context.Background()
	store := &memoryStore{}
	s := NewSnapshotter(f.m, store, nil, discardLogger())

	_, err := f.m.StartCapture(ctx, true, false)
	require.NoError(t, err)
	require.NoError(t, s.Persist(ctx))

	report, err := s.Nuke(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Records)
	assert.True(t, store.purged)
	assert.Empty(t, f.m.Records(f.clock.Now()))
}

func TestSnapshotter_NukeStoreFailureStillClearsMemory(t *testing.T) {
	f := newLifecycleFixture(t, domain.DefaultPrivacyPolicy(), nil)
	ctx := context.Background()
	store := &memoryStore{purgeErr: errors.New("read-only filesystem")}

	_, err := f.m.StartCapture(ctx, true, false)
	require.NoError(t, err)

	_, err = NewSnapshotter(f.m, store, nil, discardLogger()).Nuke(ctx)
	require.Error(t, err)
	assert.Empty(t, f.m.Records(f.clock.Now()))
}

func TestSnapshotter_NukeWaitsForInFlightPersist(t *testing.T) {
	f := newLifecycleFixture(t, domain.DefaultPrivacyPolicy(), nil)
	ctx := context.Background()
	store := &gatedStore{entered: make(chan struct{}), release: make(chan struct{})}
	s := NewSnapshotter(f.m, store, nil, discardLogger())

	_, err := f.m.StartCapture(ctx, true, false)
	require.NoError(t, err)

	persistErr := make(chan error, 1)
	go func() { persistErr <- s.Persist(ctx) }()
	<-store.entered

	nukeDone := make(chan error, 1)
	go func() {
		_, err := s.Nuke(ctx)
		nukeDone <- err
	}()
	select {
	case <-nukeDone:
		t.Fatal("nuke finished while a save was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(store.release)
	require.NoError(t, <-persistErr)
	require.NoError(t, <-nukeDone)

	snap, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap, "the late save must not survive the purge")
	assert.Empty(t, f.m.Records(f.clock.Now()))
}

func TestSnapshotter_PersistOnPolicyChange(t *testing.T) {
	ctx := context.Background()
	bus := eventbus.New(discardLogger())
	t.Cleanup(bus.Close)
	m, err := NewLifecycleManager(LifecycleDeps{
		Policy: domain.DefaultPrivacyPolicy(),
		Bus:    bus,
		Logger: discardLogger(),
	})
	require.NoError(t, err)

	store := &gatedStore{entered: make(chan struct{}), release: make(chan struct{})}
	close(store.release)
	s := NewSnapshotter(m, store, nil, discardLogger())
	t.Cleanup(s.PersistOnPolicyChange(bus))

	p := m.Policy()
	p.TTLHours = 3
	require.NoError(t, m.UpdatePolicy(ctx, p))

	assert.Eventually(t, func() bool {
		snap, _ := store.Load(ctx)
		return snap != nil && snap.Policy.TTLHours == 3
	}, time.Second, 5*time.Millisecond)
}
