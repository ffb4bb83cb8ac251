package ensemble

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s := NewScheduler(testLogger(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within", timeout)
}

func TestSchedulerFiresIntervalTask(t *testing.T) {
	s := newTestScheduler(t)
	var fired atomic.Int32

	task, err := s.ScheduleTask(10*time.Millisecond, func(ctx context.Context) error {
		fired.Add(1)
		return nil
	}, WithTaskName("counter"))
	require.NoError(t, err)
	assert.Equal(t, "counter", task.Name())

	require.NoError(t, s.Start(context.Background()))
	waitFor(t, time.Second, func() bool { return fired.Load() >= 2 })
}

func TestSchedulerRegisterAfterStart(t *testing.T) {
	s := newTestScheduler(t)
	require.NoError(t, s.Start(context.Background()))

	var fired atomic.Int32
	_, err := s.ScheduleTask(10*time.Millisecond, func(ctx context.Context) error {
		fired.Add(1)
		return nil
	})
	require.NoError(t, err)
	waitFor(t, time.Second, func() bool { return fired.Load() >= 1 })
}

func TestSchedulerRejectsInvalidInterval(t *testing.T) {
	s := newTestScheduler(t)
	_, err := s.ScheduleTask(0, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrInvalidInterval)

	_, err = s.ScheduleTask(time.Second, nil)
	assert.ErrorIs(t, err, ErrNilCallFunc)
}

func TestSchedulerSkipsOverlappingSlots(t *testing.T) {
	s := newTestScheduler(t)
	var running atomic.Int32
	var overlapped atomic.Bool
	block := make(chan struct{})

	_, err := s.ScheduleTask(10*time.Millisecond, func(ctx context.Context) error {
		if running.Add(1) > 1 {
			overlapped.Store(true)
		}
		defer running.Add(-1)
		<-block
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	// Let several slots elapse while the first execution is stuck.
	time.Sleep(80 * time.Millisecond)
	close(block)
	waitFor(t, time.Second, func() bool { return running.Load() == 0 })
	assert.False(t, overlapped.Load(), "two executions of the same task ran concurrently")
}

func TestSchedulerSuspendGuardIsReentrant(t *testing.T) {
	s := newTestScheduler(t)
	var fired atomic.Int32

	task, err := s.ScheduleTask(10*time.Millisecond, func(ctx context.Context) error {
		fired.Add(1)
		return nil
	})
	require.NoError(t, err)

	g1 := task.Suspend()
	g2 := task.Suspend()
	require.NoError(t, s.Start(context.Background()))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, fired.Load())

	g1.Release()
	g1.Release() // idempotent
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, fired.Load(), "task fired while one guard still held")
	assert.True(t, task.Suspended())

	g2.Release()
	waitFor(t, time.Second, func() bool { return fired.Load() >= 1 })
	assert.False(t, task.Suspended())
}

func TestSchedulerRestartOnErrorKeepsFiring(t *testing.T) {
	s := newTestScheduler(t)
	var fired atomic.Int32

	_, err := s.ScheduleTask(10*time.Millisecond, func(ctx context.Context) error {
		fired.Add(1)
		return errors.New("always fails")
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	waitFor(t, time.Second, func() bool { return fired.Load() >= 3 })
}

func TestSchedulerDisarmOnErrorSuspendsTask(t *testing.T) {
	s := newTestScheduler(t)
	var fired atomic.Int32

	task, err := s.ScheduleTask(10*time.Millisecond, func(ctx context.Context) error {
		fired.Add(1)
		return errors.New("always fails")
	}, WithExecPolicy(DisarmOnError), WithMaxFailures(1))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	// Two failures allowed (maxFailures=1 tolerates one), then disarm.
	waitFor(t, time.Second, func() bool { return task.Suspended() })
	count := fired.Load()
	assert.Equal(t, int32(2), count)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, count, fired.Load(), "disarmed task kept firing")
}

func TestSchedulerRearmRestoresDisarmedTask(t *testing.T) {
	s := newTestScheduler(t)
	var fail atomic.Bool
	fail.Store(true)
	var fired atomic.Int32

	task, err := s.ScheduleTask(10*time.Millisecond, func(ctx context.Context) error {
		fired.Add(1)
		if fail.Load() {
			return errors.New("always fails")
		}
		return nil
	}, WithExecPolicy(DisarmOnError), WithMaxFailures(0))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	waitFor(t, time.Second, func() bool { return task.Suspended() })
	count := fired.Load()

	fail.Store(false)
	task.Rearm()
	assert.False(t, task.Suspended())
	waitFor(t, time.Second, func() bool { return fired.Load() > count })
}

func TestSchedulerTaskPanicCountsAsFailure(t *testing.T) {
	s := newTestScheduler(t)

	task, err := s.ScheduleTask(10*time.Millisecond, func(ctx context.Context) error {
		panic("task exploded")
	}, WithExecPolicy(DisarmOnError), WithMaxFailures(0))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	waitFor(t, time.Second, func() bool { return task.Suspended() })
}

func TestSchedulerRemoveTask(t *testing.T) {
	s := newTestScheduler(t)
	var fired atomic.Int32

	task, err := s.ScheduleTask(10*time.Millisecond, func(ctx context.Context) error {
		fired.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	waitFor(t, time.Second, func() bool { return fired.Load() >= 1 })

	require.NoError(t, s.RemoveTask(task.ID()))
	count := fired.Load()
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, fired.Load(), count+1, "removed task kept firing")

	assert.ErrorIs(t, s.RemoveTask(task.ID()), ErrTaskNotFound)
	_, err = s.Task(task.ID())
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestSchedulerCronRegistration(t *testing.T) {
	s := newTestScheduler(t)

	task, err := s.ScheduleCron("*/5 * * * *", func(ctx context.Context) error { return nil },
		WithTaskName("cron-task"))
	require.NoError(t, err)

	infos := s.Tasks()
	require.Len(t, infos, 1)
	assert.Equal(t, "cron-task", infos[0].Name)
	assert.Equal(t, "*/5 * * * *", infos[0].Schedule)
	assert.Equal(t, task.ID(), infos[0].ID)

	_, err = s.ScheduleCron("not a cron spec", func(ctx context.Context) error { return nil })
	assert.Error(t, err)
}

func TestSchedulerStopPreventsFurtherScheduling(t *testing.T) {
	s := NewScheduler(testLogger(), nil)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop(context.Background()))

	_, err := s.ScheduleTask(time.Second, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrSchedulerClosed)
	assert.False(t, s.Stats().Started)
}

func TestSchedulerStats(t *testing.T) {
	s := newTestScheduler(t)
	_, err := s.ScheduleTask(time.Minute, func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	stats := s.Stats()
	assert.Equal(t, 1, stats.Tasks)
	assert.False(t, stats.Started)

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.Stats().Started)
}
