package scheduling

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSchedulerStartStop(t *testing.T) {
	s := NewScheduler(newTestLogger())
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}

func TestSchedulerActionFires(t *testing.T) {
	var count atomic.Int32

	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionRetentionSweep, func(ctx context.Context) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, s.AddTask(ScheduledTask{
		Name: "sweep", Schedule: "50ms", Action: ActionRetentionSweep,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, s.Stop())

	assert.GreaterOrEqual(t, count.Load(), int32(1))

	tasks := s.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "sweep", tasks[0].Name)
	assert.GreaterOrEqual(t, tasks[0].Runs, 1)
	assert.Empty(t, tasks[0].LastError)
}

func TestSchedulerRecordsFailure(t *testing.T) {
	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionSnapshot, func(ctx context.Context) error {
		return errors.New("disk full")
	})
	require.NoError(t, s.AddTask(ScheduledTask{Name: "snap", Schedule: "30ms", Action: ActionSnapshot}))

	require.NoError(t, s.Start(context.Background()))
	time.Sleep(120 * time.Millisecond)
	require.NoError(t, s.Stop())

	tasks := s.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "disk full", tasks[0].LastError)
}

func TestSchedulerUnknownAction(t *testing.T) {
	s := NewScheduler(newTestLogger())
	err := s.AddTask(ScheduledTask{Name: "unknown", Schedule: "100ms", Action: "does_not_exist"})
	assert.Error(t, err)
}

func TestSchedulerDuplicateTask(t *testing.T) {
	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionSnapshot, func(context.Context) error { return nil })
	require.NoError(t, s.AddTask(ScheduledTask{Name: "snap", Schedule: "1m", Action: ActionSnapshot}))
	assert.Error(t, s.AddTask(ScheduledTask{Name: "snap", Schedule: "1m", Action: ActionSnapshot}))
}

func TestSchedulerContextCancellation(t *testing.T) {
	var count atomic.Int32

	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionRetentionSweep, func(ctx context.Context) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, s.AddTask(ScheduledTask{Name: "ctx-task", Schedule: "50ms", Action: ActionRetentionSweep}))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	time.Sleep(150 * time.Millisecond)
	cancel()
	require.NoError(t, s.Stop())

	after := count.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, after, count.Load(), "task continued after stop")
}

func TestSchedulerTaskTimeout(t *testing.T) {
	var deadlineHit atomic.Bool
	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionAuditRetention, func(ctx context.Context) error {
		<-ctx.Done()
		deadlineHit.Store(errors.Is(ctx.Err(), context.DeadlineExceeded))
		return ctx.Err()
	})
	require.NoError(t, s.AddTask(ScheduledTask{
		Name: "audit", Schedule: "20ms", Action: ActionAuditRetention, Timeout: 10 * time.Millisecond,
	}))

	require.NoError(t, s.Start(context.Background()))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, s.Stop())

	assert.True(t, deadlineHit.Load())
}

func TestSchedulerRunNow(t *testing.T) {
	s := NewScheduler(newTestLogger())
	var ran bool
	s.RegisterAction(ActionRetentionSweep, func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, s.RunNow(context.Background(), ActionRetentionSweep))
	assert.True(t, ran)
	assert.Error(t, s.RunNow(context.Background(), ActionSnapshot))
}

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		schedule string
		wantErr  bool
	}{
		{"*/5 * * * *", false},
		{"@hourly", false},
		{"30s", false},
		{"1h30m", false},
		{"", true},
		{"-5m", true},
		{"0s", true},
		{"not a schedule", true},
	}
	for _, tt := range tests {
		t.Run(tt.schedule, func(t *testing.T) {
			err := ValidateSchedule(tt.schedule)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConstantDelay(t *testing.T) {
	d := &constantDelay{delay: 90 * time.Second}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, base.Add(90*time.Second), d.Next(base))
}
