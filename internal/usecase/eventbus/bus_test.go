package eventbus

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardian-ai/internal/domain"
)

func newTestBus() *Bus {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newEvent(t domain.EventType) domain.Event {
	return domain.Event{Type: t, Timestamp: time.Now()}
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventCaptureStarted, func(_ context.Context, e domain.Event) {
		if e.Type == domain.EventCaptureStarted {
			got.Add(1)
		}
	})

	bus.Publish(context.Background(), newEvent(domain.EventCaptureStarted))
	bus.Publish(context.Background(), newEvent(domain.EventCaptureStopped))
	bus.Close()
	assert.Equal(t, int32(1), got.Load())
}

func TestSubscribeAll(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventCaptureStarted))
	bus.Publish(context.Background(), newEvent(domain.EventPrivacyNuked))
	bus.Close()
	assert.Equal(t, int32(2), got.Load())
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	unsub := bus.Subscribe(domain.EventRecordsPurged, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})
	unsubAll := bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})
	assert.Equal(t, 2, bus.Stats().Subscribers)

	unsub()
	unsub() // second call is a no-op
	unsubAll()
	assert.Equal(t, 0, bus.Stats().Subscribers)

	bus.Publish(context.Background(), newEvent(domain.EventRecordsPurged))
	bus.Close()
	assert.Equal(t, int32(0), got.Load())
}

func TestPanicRecovery(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventPolicyUpdated, func(_ context.Context, _ domain.Event) {
		panic("boom")
	})
	bus.Subscribe(domain.EventPolicyUpdated, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventPolicyUpdated))
	bus.Close()

	assert.Equal(t, int32(1), got.Load())
	st := bus.Stats()
	assert.Equal(t, uint64(1), st.Published)
	assert.Equal(t, uint64(1), st.Delivered)
	assert.Equal(t, uint64(1), st.Panics)
}

func TestHandlerContextOutlivesPublisher(t *testing.T) {
	bus := newTestBus()
	ctx, cancel := context.WithCancel(context.Background())

	release := make(chan struct{})
	var handlerErr error
	var wg sync.WaitGroup
	wg.Add(1)
	bus.Subscribe(domain.EventCaptureStopped, func(hctx context.Context, _ domain.Event) {
		defer wg.Done()
		<-release
		handlerErr = hctx.Err()
	})

	bus.Publish(ctx, newEvent(domain.EventCaptureStopped))
	cancel()
	close(release)
	wg.Wait()
	bus.Close()

	assert.NoError(t, handlerErr)
}

func TestPublishAfterClose(t *testing.T) {
	bus := newTestBus()
	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) { got.Add(1) })

	bus.Close()
	bus.Close()
	bus.Publish(context.Background(), newEvent(domain.EventCaptureStarted))
	assert.Equal(t, int32(0), got.Load())
	assert.Equal(t, uint64(0), bus.Stats().Published)
}

func TestConcurrentPublish(t *testing.T) {
	bus := newTestBus()
	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) { got.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				bus.Publish(context.Background(), newEvent(domain.EventTransmission))
			}
		}()
	}
	wg.Wait()
	bus.Close()

	require.Equal(t, int32(200), got.Load())
}
