package scheduler_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mproffitt/pyccata-sub001/internal/config"
	"github.com/mproffitt/pyccata-sub001/internal/domain"
	"github.com/mproffitt/pyccata-sub001/internal/scheduler"
)

type countingTrigger struct {
	calls  atomic.Int32
	target atomic.Value
}

func (c *countingTrigger) Run(_ context.Context, target string) (domain.Run, error) {
	c.calls.Add(1)
	c.target.Store(target)
	return domain.Run{ID: domain.NewRunID(), Target: target, OK: true}, nil
}

func TestLoad(t *testing.T) {
	t.Parallel()
	s := scheduler.NewService(&countingTrigger{})

	require.NoError(t, s.Load([]config.Schedule{
		{Name: "nightly", Cron: "0 2 * * *", Target: config.TargetPipeline},
		{Name: "weekly", Cron: "@weekly", Target: config.TargetReport},
	}))
	require.Len(t, s.Entries(), 2)

	// a broken schedule leaves the previous set in place
	err := s.Load([]config.Schedule{{Name: "bad", Cron: "every day", Target: config.TargetReport}})
	require.ErrorContains(t, err, `schedule "bad"`)
	require.Len(t, s.Entries(), 2)

	require.NoError(t, s.Load([]config.Schedule{{Name: "hourly", Cron: "@hourly", Target: config.TargetReport}}))
	entries := s.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "hourly", entries[0].Name)
	require.Equal(t, config.TargetReport, entries[0].Target)
}

func TestStart_FiresTrigger(t *testing.T) {
	t.Parallel()
	trigger := &countingTrigger{}
	s := scheduler.NewService(trigger)
	require.NoError(t, s.Load([]config.Schedule{{Name: "tick", Cron: "@every 1s", Target: config.TargetReport}}))

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return trigger.calls.Load() > 0 }, 5*time.Second, 50*time.Millisecond)
	require.Equal(t, config.TargetReport, trigger.target.Load())

	entries := s.Entries()
	require.Len(t, entries, 1)
	require.False(t, entries[0].Next.IsZero())

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestNextRunTime(t *testing.T) {
	t.Parallel()
	from := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)

	next, err := scheduler.NextRunTime("0 2 * * *", from)
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 3, 2, 2, 0, 0, 0, time.UTC), next)

	next, err = scheduler.NextRunTime("*/15 * * * *", from)
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 3, 1, 10, 45, 0, 0, time.UTC), next)

	_, err = scheduler.NextRunTime("61 * * * *", from)
	require.Error(t, err)
}
