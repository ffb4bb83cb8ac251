package ensemble

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// ExecPolicy controls what happens to a scheduled task after its function
// returns an error.
type ExecPolicy int

const (
	// RestartOnError keeps the task armed: failures are logged and the
	// task fires again on its next slot.
	RestartOnError ExecPolicy = iota
	// DisarmOnError suspends the task permanently after it exceeds its
	// configured failure allowance.
	DisarmOnError
)

func (p ExecPolicy) String() string {
	switch p {
	case RestartOnError:
		return "restart_on_error"
	case DisarmOnError:
		return "disarm_on_error"
	default:
		return fmt.Sprintf("exec_policy(%d)", int(p))
	}
}

// TaskFunc is the body of a scheduled task.
type TaskFunc func(ctx context.Context) error

// TaskOption configures a scheduled task.
type TaskOption func(*ScheduledTask)

// WithTaskName gives the task a diagnostic name. Defaults to its id.
func WithTaskName(name string) TaskOption {
	return func(t *ScheduledTask) { t.name = name }
}

// WithTaskTimeout bounds each execution of the task body.
func WithTaskTimeout(d time.Duration) TaskOption {
	return func(t *ScheduledTask) { t.timeout = d }
}

// WithExecPolicy sets the task's failure policy.
func WithExecPolicy(p ExecPolicy) TaskOption {
	return func(t *ScheduledTask) { t.policy = p }
}

// WithMaxFailures sets how many consecutive failures DisarmOnError
// tolerates before suspending the task. Zero disarms on the first failure.
func WithMaxFailures(n int) TaskOption {
	return func(t *ScheduledTask) { t.maxFailures = n }
}

// ScheduledTask is a periodically executed unit of work owned by a
// Scheduler. At most one execution of a given task runs at a time: a slot
// that fires while the previous execution is still running is skipped, not
// queued.
type ScheduledTask struct {
	id          string
	name        string
	interval    time.Duration
	cronSpec    string
	fn          TaskFunc
	timeout     time.Duration
	policy      ExecPolicy
	maxFailures int

	scheduler *Scheduler
	cronID    cron.EntryID

	running  atomic.Bool
	suspends atomic.Int64

	mu       sync.Mutex
	failures int
	disarmed bool
	stop     chan struct{}
	stopOnce sync.Once
}

// ID returns the unique task identifier.
func (t *ScheduledTask) ID() string { return t.id }

// Name returns the task's diagnostic name.
func (t *ScheduledTask) Name() string { return t.name }

// Suspended reports whether the task is currently held by suspend guards
// or disarmed by its failure policy.
func (t *ScheduledTask) Suspended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.suspends.Load() > 0 || t.disarmed
}

// Suspend prevents further executions until the returned guard is
// released. Guards are reentrant: the task stays suspended until every
// outstanding guard has been released. An execution already in flight is
// not interrupted.
func (t *ScheduledTask) Suspend() *SuspendGuard {
	t.suspends.Add(1)
	return &SuspendGuard{task: t}
}

// Rearm clears the failure policy state so a disarmed task fires again.
func (t *ScheduledTask) Rearm() {
	t.mu.Lock()
	t.failures = 0
	t.disarmed = false
	t.mu.Unlock()
}

// SuspendGuard is a hold on a scheduled task. Release is idempotent.
type SuspendGuard struct {
	task *ScheduledTask
	once sync.Once
}

// Release drops this guard's hold on the task.
func (g *SuspendGuard) Release() {
	g.once.Do(func() {
		g.task.suspends.Add(-1)
	})
}

// fire runs one execution if the task is eligible. Overlapping and
// suspended slots are skipped.
func (t *ScheduledTask) fire(ctx context.Context) {
	if t.Suspended() {
		t.scheduler.metrics.taskSkipped(t.name)
		return
	}
	if !t.running.CompareAndSwap(false, true) {
		t.scheduler.metrics.taskSkipped(t.name)
		return
	}
	defer t.running.Store(false)

	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if t.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, t.timeout)
	}
	defer cancel()

	t.scheduler.metrics.taskFired(t.name)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panicked: %v", r)
			}
		}()
		return t.fn(runCtx)
	}()
	if err == nil {
		t.mu.Lock()
		t.failures = 0
		t.mu.Unlock()
		return
	}

	t.scheduler.metrics.taskFailed(t.name)
	t.scheduler.logger.Error("scheduled task failed", "task", t.name, "id", t.id, "error", err)
	if t.policy == DisarmOnError {
		t.mu.Lock()
		t.failures++
		disarm := t.failures > t.maxFailures
		if disarm {
			t.disarmed = true
		}
		t.mu.Unlock()
		if disarm {
			t.scheduler.logger.Warn("scheduled task disarmed after repeated failures",
				"task", t.name, "id", t.id, "failures", t.failures)
		}
	}
}

// SchedulerStats is the diagnostic snapshot exposed through Inspect.
type SchedulerStats struct {
	Tasks   int  `json:"tasks"`
	Started bool `json:"started"`
}

// TaskInfo describes one registered task for diagnostics.
type TaskInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Schedule  string `json:"schedule"`
	Policy    string `json:"policy"`
	Suspended bool   `json:"suspended"`
}

// Scheduler owns the application's periodic tasks. Interval tasks run on
// their own tickers; cron tasks share a cron runner. Tasks registered
// before Start begin firing when the scheduler starts.
type Scheduler struct {
	logger  Logger
	metrics *Metrics
	cron    *cron.Cron

	mu      sync.Mutex
	tasks   map[string]*ScheduledTask
	started bool
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(logger Logger, metrics *Metrics) *Scheduler {
	return &Scheduler{
		logger:  logger,
		metrics: metrics,
		cron:    cron.New(),
		tasks:   make(map[string]*ScheduledTask),
	}
}

// ScheduleTask registers fn to run every interval. The first execution
// happens one interval after the scheduler starts, not immediately.
func (s *Scheduler) ScheduleTask(interval time.Duration, fn TaskFunc, opts ...TaskOption) (*ScheduledTask, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInterval, interval)
	}
	if fn == nil {
		return nil, ErrNilCallFunc
	}
	t := s.newTask(fn, opts)
	t.interval = interval

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSchedulerClosed
	}
	s.tasks[t.id] = t
	if s.started {
		s.runInterval(t)
	}
	return t, nil
}

// ScheduleCron registers fn on a cron expression in the standard five
// field format.
func (s *Scheduler) ScheduleCron(spec string, fn TaskFunc, opts ...TaskOption) (*ScheduledTask, error) {
	if fn == nil {
		return nil, ErrNilCallFunc
	}
	t := s.newTask(fn, opts)
	t.cronSpec = spec

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSchedulerClosed
	}
	id, err := s.cron.AddFunc(spec, func() {
		t.fire(s.taskContext())
	})
	if err != nil {
		return nil, fmt.Errorf("scheduling cron task %q: %w", t.name, err)
	}
	t.cronID = id
	s.tasks[t.id] = t
	return t, nil
}

func (s *Scheduler) newTask(fn TaskFunc, opts []TaskOption) *ScheduledTask {
	t := &ScheduledTask{
		id:        uuid.NewString(),
		fn:        fn,
		policy:    RestartOnError,
		scheduler: s,
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.name == "" {
		t.name = t.id
	}
	return t
}

// RemoveTask unregisters a task. An in-flight execution finishes on its
// own.
func (s *Scheduler) RemoveTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	delete(s.tasks, id)
	if t.cronSpec != "" {
		s.cron.Remove(t.cronID)
	} else {
		t.stopOnce.Do(func() { close(t.stop) })
	}
	return nil
}

// Task returns a registered task by id.
func (s *Scheduler) Task(id string) (*ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, nil
}

// Start begins firing registered tasks. Task bodies receive contexts
// derived from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.closed = false
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	for _, t := range s.tasks {
		if t.cronSpec == "" {
			s.runInterval(t)
		}
	}
	s.cron.Start()
	s.logger.Debug("scheduler started", "tasks", len(s.tasks))
	return nil
}

// runInterval launches the ticker loop for an interval task. Caller holds
// s.mu.
func (s *Scheduler) runInterval(t *ScheduledTask) {
	ctx := s.ctx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.fire(ctx)
			case <-t.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Scheduler) taskContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

// Stop stops firing and waits for in-flight executions to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed || !s.started {
		s.closed = true
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cronDone := s.cron.Stop()
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		<-cronDone.Done()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("stopping scheduler: %w", ctx.Err())
	}
	s.logger.Debug("scheduler stopped")
	return nil
}

// Stats returns the diagnostic snapshot for this scheduler.
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SchedulerStats{Tasks: len(s.tasks), Started: s.started}
}

// Tasks returns diagnostic descriptions of every registered task.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		schedule := t.cronSpec
		if schedule == "" {
			schedule = t.interval.String()
		}
		infos = append(infos, TaskInfo{
			ID:        t.id,
			Name:      t.name,
			Schedule:  schedule,
			Policy:    t.policy.String(),
			Suspended: t.Suspended(),
		})
	}
	return infos
}
