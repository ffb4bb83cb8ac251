package ensemble

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lifecycleRecorder notes init/close order across services sharing it.
type lifecycleRecorder struct {
	mu     sync.Mutex
	inits  []string
	closes []string
	posts  []string
}

func (r *lifecycleRecorder) initOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.inits...)
}

func (r *lifecycleRecorder) closeOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.closes...)
}

func (r *lifecycleRecorder) postInits() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.posts...)
}

// recordedService participates fully in the lifecycle and records it.
type recordedService struct {
	name     string
	rec      *lifecycleRecorder
	deps     []ServiceDependency
	initErr  error
	postErr  error
	initHang bool

	injected map[string]any
}

func newRecordedService(name string, rec *lifecycleRecorder, deps ...ServiceDependency) *recordedService {
	return &recordedService{name: name, rec: rec, deps: deps}
}

func (s *recordedService) Name() string { return s.name }

func (s *recordedService) Put(key string, value any) {}

func (s *recordedService) RequiresServices() []ServiceDependency { return s.deps }

func (s *recordedService) InjectServices(services map[string]any) error {
	s.injected = services
	return nil
}

func (s *recordedService) Init(ctx context.Context, app *Application) error {
	if s.initHang {
		<-ctx.Done()
		return ctx.Err()
	}
	s.rec.mu.Lock()
	s.rec.inits = append(s.rec.inits, s.name)
	s.rec.mu.Unlock()
	return s.initErr
}

func (s *recordedService) PostInit(ctx context.Context) error {
	s.rec.mu.Lock()
	s.rec.posts = append(s.rec.posts, s.name)
	s.rec.mu.Unlock()
	return s.postErr
}

func (s *recordedService) Close(ctx context.Context) error {
	s.rec.mu.Lock()
	s.rec.closes = append(s.rec.closes, s.name)
	s.rec.mu.Unlock()
	return nil
}

func storeDep(name string) ServiceDependency {
	return ServiceDependency{Name: name, SatisfiesInterface: InterfaceOf[Store](), Required: true}
}

func stopApp(t *testing.T, app *Application) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Stop(ctx))
}

func TestApplicationStartsServicesInDependencyOrder(t *testing.T) {
	rec := &lifecycleRecorder{}
	a := newRecordedService("a", rec, storeDep("b"))
	b := newRecordedService("b", rec, storeDep("c"))
	c := newRecordedService("c", rec)

	app, err := NewApplication("test", "dev",
		WithLogger(testLogger()),
		WithServices(a, b, c),
	)
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))
	defer stopApp(t, app)

	assert.Equal(t, []string{"c", "b", "a"}, rec.initOrder())
	assert.Equal(t, StateReady, app.State())

	state, err := app.ServiceState("b")
	require.NoError(t, err)
	assert.Equal(t, StateReady, state)
}

func TestApplicationInjectsResolvedDependencies(t *testing.T) {
	rec := &lifecycleRecorder{}
	provider := newRecordedService("store", rec)
	consumer := newRecordedService("consumer", rec, storeDep("store"))

	app, err := NewApplication("test", "dev",
		WithLogger(testLogger()),
		WithServices(consumer, provider),
	)
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))
	defer stopApp(t, app)

	require.Contains(t, consumer.injected, "store")
	assert.Same(t, provider, consumer.injected["store"])
}

func TestApplicationResolutionErrorsSurfaceAtConstruction(t *testing.T) {
	rec := &lifecycleRecorder{}
	_, err := NewApplication("test", "dev",
		WithLogger(testLogger()),
		WithServices(newRecordedService("dup", rec), newRecordedService("dup", rec)),
	)
	assert.ErrorIs(t, err, ErrServiceNameConflict)

	_, err = NewApplication("test", "dev",
		WithLogger(testLogger()),
		WithServices(newRecordedService("lonely", rec, storeDep("missing"))),
	)
	assert.ErrorIs(t, err, ErrDependencyNotFound)
}

func TestApplicationStopsServicesInReverseOrder(t *testing.T) {
	rec := &lifecycleRecorder{}
	a := newRecordedService("a", rec, storeDep("b"))
	b := newRecordedService("b", rec)

	app, err := NewApplication("test", "dev",
		WithLogger(testLogger()),
		WithServices(a, b),
	)
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))
	stopApp(t, app)

	assert.Equal(t, []string{"a", "b"}, rec.closeOrder())
	assert.Equal(t, StateClosed, app.State())

	state, err := app.ServiceState("a")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, state)
}

func TestApplicationRequiredServiceFailureUnwinds(t *testing.T) {
	rec := &lifecycleRecorder{}
	first := newRecordedService("first", rec)
	failing := newRecordedService("failing", rec, storeDep("first"))
	failing.initErr = errors.New("init exploded")
	never := newRecordedService("never", rec, storeDep("failing"))

	app, err := NewApplication("test", "dev",
		WithLogger(testLogger()),
		WithServices(first, failing, never),
	)
	require.NoError(t, err)

	err = app.Start(context.Background())
	require.Error(t, err)

	var initErr *ServiceInitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, "failing", initErr.Service)
	assert.False(t, initErr.Timeout)

	assert.Equal(t, StateFailed, app.State())
	assert.Equal(t, []string{"first", "failing"}, rec.initOrder())
	// The failed service closes best-effort, then the unwind runs in
	// reverse over the services that reached READY.
	assert.Equal(t, []string{"failing", "first"}, rec.closeOrder())

	state, err := app.ServiceState("failing")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, state)
	state, err = app.ServiceState("never")
	require.NoError(t, err)
	assert.Equal(t, StateCreated, state)
}

func TestApplicationInitTimeout(t *testing.T) {
	rec := &lifecycleRecorder{}
	hang := newRecordedService("hang", rec)
	hang.initHang = true

	app, err := NewApplication("test", "dev",
		WithLogger(testLogger()),
		WithServices(hang),
		WithServiceStartTimeout(30*time.Millisecond),
	)
	require.NoError(t, err)

	err = app.Start(context.Background())
	require.Error(t, err)

	var initErr *ServiceInitError
	require.ErrorAs(t, err, &initErr)
	assert.True(t, initErr.Timeout)
	assert.Equal(t, StateFailed, app.State())
}

func TestApplicationOptionalServiceFailureIsNotFatal(t *testing.T) {
	rec := &lifecycleRecorder{}
	flaky := newRecordedService("flaky", rec)
	flaky.initErr = errors.New("nope")
	solid := newRecordedService("solid", rec)

	app, err := NewApplication("test", "dev",
		WithLogger(testLogger()),
		WithServices(flaky, solid),
		WithOptionalServices("flaky"),
	)
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))
	defer stopApp(t, app)

	assert.Equal(t, StateReady, app.State())
	state, err := app.ServiceState("flaky")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, state)
	state, err = app.ServiceState("solid")
	require.NoError(t, err)
	assert.Equal(t, StateReady, state)
}

func TestApplicationPostInitRunsAndFailuresAreNotFatal(t *testing.T) {
	rec := &lifecycleRecorder{}
	good := newRecordedService("good", rec)
	bad := newRecordedService("bad", rec)
	bad.postErr = errors.New("post-init failed")

	app, err := NewApplication("test", "dev",
		WithLogger(testLogger()),
		WithServices(good, bad),
	)
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))
	defer stopApp(t, app)

	waitFor(t, time.Second, func() bool { return len(rec.postInits()) == 2 })
	assert.Equal(t, StateReady, app.State())
	assert.ElementsMatch(t, []string{"good", "bad"}, rec.postInits())
}

func TestApplicationPostInitSkipsFailedOptionalServices(t *testing.T) {
	rec := &lifecycleRecorder{}
	flaky := newRecordedService("flaky", rec)
	flaky.initErr = errors.New("nope")
	solid := newRecordedService("solid", rec)

	app, err := NewApplication("test", "dev",
		WithLogger(testLogger()),
		WithServices(flaky, solid),
		WithOptionalServices("flaky"),
	)
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))
	defer stopApp(t, app)

	waitFor(t, time.Second, func() bool { return len(rec.postInits()) == 1 })
	assert.Equal(t, []string{"solid"}, rec.postInits())
}

func TestApplicationDoubleStart(t *testing.T) {
	rec := &lifecycleRecorder{}
	app, err := NewApplication("test", "dev",
		WithLogger(testLogger()),
		WithServices(newRecordedService("svc", rec)),
	)
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))
	defer stopApp(t, app)

	assert.ErrorIs(t, app.Start(context.Background()), ErrAppAlreadyStarted)
}

func TestApplicationRestartAfterStop(t *testing.T) {
	rec := &lifecycleRecorder{}
	svc := newRecordedService("svc", rec)
	app, err := NewApplication("test", "dev",
		WithLogger(testLogger()),
		WithServices(svc),
	)
	require.NoError(t, err)

	require.NoError(t, app.Start(context.Background()))
	stopApp(t, app)
	require.NoError(t, app.Start(context.Background()))
	defer stopApp(t, app)

	assert.Equal(t, []string{"svc", "svc"}, rec.initOrder())
}

func TestApplicationContextVars(t *testing.T) {
	app, err := NewApplication("test", "dev", WithLogger(testLogger()))
	require.NoError(t, err)

	_, ok := app.GetContextVar("missing")
	assert.False(t, ok)

	app.SetContextVar("request_id", "abc-123")
	v, ok := app.GetContextVar("request_id")
	require.True(t, ok)
	assert.Equal(t, "abc-123", v)
}

func TestApplicationWaitState(t *testing.T) {
	rec := &lifecycleRecorder{}
	app, err := NewApplication("test", "dev",
		WithLogger(testLogger()),
		WithServices(newRecordedService("svc", rec)),
	)
	require.NoError(t, err)

	ready := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ready <- app.WaitState(ctx, StateReady)
	}()

	require.NoError(t, app.Start(context.Background()))
	defer stopApp(t, app)
	require.NoError(t, <-ready)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, app.WaitState(ctx, StateFailed), context.DeadlineExceeded)
}

func TestApplicationEmitsLifecycleEvents(t *testing.T) {
	rec := &lifecycleRecorder{}
	var mu sync.Mutex
	var seen []string

	observer := NewFunctionalObserver("probe", func(ctx context.Context, event cloudevents.Event) error {
		mu.Lock()
		seen = append(seen, event.Type())
		mu.Unlock()
		return nil
	})

	app, err := NewApplication("test", "dev",
		WithLogger(testLogger()),
		WithServices(newRecordedService("svc", rec)),
		WithObserver(observer, EventTypeAppReady, EventTypeServiceReady),
	)
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))
	defer stopApp(t, app)

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 2
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, EventTypeAppReady)
	assert.Contains(t, seen, EventTypeServiceReady)
	assert.NotContains(t, seen, EventTypeAppStarting, "filtered event type delivered")
}

func TestApplicationObserverFailuresAreIsolated(t *testing.T) {
	rec := &lifecycleRecorder{}
	panicking := NewFunctionalObserver("panics", func(ctx context.Context, event cloudevents.Event) error {
		panic("observer exploded")
	})

	app, err := NewApplication("test", "dev",
		WithLogger(testLogger()),
		WithServices(newRecordedService("svc", rec)),
		WithObserver(panicking),
	)
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))
	stopApp(t, app)
	assert.Equal(t, StateClosed, app.State())
}

func TestApplicationInspect(t *testing.T) {
	rec := &lifecycleRecorder{}
	app, err := NewApplication("orchestra", "prod",
		WithLogger(testLogger()),
		WithServices(newRecordedService("svc", rec)),
		WithMetadata(map[string]any{"region": "eu-west-1"}),
	)
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))
	defer stopApp(t, app)

	report := app.Inspect(context.Background())
	assert.Equal(t, "orchestra", report.Name)
	assert.Equal(t, "prod", report.Env)
	assert.Equal(t, StateReady, report.State)
	assert.True(t, report.Healthy)
	assert.Equal(t, "eu-west-1", report.Metadata["region"])
	require.Len(t, report.Services, 1)
	assert.Equal(t, "svc", report.Services[0].Name)
	assert.Equal(t, StateReady, report.Services[0].State)
	assert.False(t, report.Server.Closed)
	assert.True(t, report.Scheduler.Started)
}

func TestApplicationSchedulerAndServerFollowLifecycle(t *testing.T) {
	rec := &lifecycleRecorder{}
	app, err := NewApplication("test", "dev",
		WithLogger(testLogger()),
		WithServices(newRecordedService("svc", rec)),
	)
	require.NoError(t, err)

	// Before start both are down.
	_, err = app.Server().Call(context.Background(), func(ctx context.Context) (any, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrServerClosed)

	require.NoError(t, app.Start(context.Background()))

	var fired atomic.Int32
	_, err = app.Scheduler().ScheduleTask(10*time.Millisecond, func(ctx context.Context) error {
		fired.Add(1)
		return nil
	})
	require.NoError(t, err)

	h, err := app.Server().Call(context.Background(), func(ctx context.Context) (any, error) {
		return "works", nil
	})
	require.NoError(t, err)
	res, err := h.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "works", res.Value)
	waitFor(t, time.Second, func() bool { return fired.Load() >= 1 })

	stopApp(t, app)
	_, err = app.Server().Call(context.Background(), func(ctx context.Context) (any, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrServerClosed)
}

// flushingService dispatches a final call through the task server from its
// Close hook.
type flushingService struct {
	app    *Application
	result CallResult
}

func (s *flushingService) Name() string { return "flusher" }

func (s *flushingService) Init(ctx context.Context, app *Application) error {
	s.app = app
	return nil
}

func (s *flushingService) Close(ctx context.Context) error {
	h, err := s.app.Server().Call(ctx, func(context.Context) (any, error) {
		return "flushed", nil
	})
	if err != nil {
		return err
	}
	s.result, err = h.Result(ctx)
	return err
}

func TestApplicationServerUsableDuringServiceClose(t *testing.T) {
	svc := &flushingService{}
	app, err := NewApplication("test", "dev",
		WithLogger(testLogger()),
		WithServices(svc),
	)
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))
	stopApp(t, app)

	// The server stops after services close, so the Close hook's call
	// went through.
	require.NoError(t, svc.result.Err)
	assert.Equal(t, "flushed", svc.result.Value)
}

func TestApplicationHealthAggregation(t *testing.T) {
	rec := &lifecycleRecorder{}
	app, err := NewApplication("test", "dev",
		WithLogger(testLogger()),
		WithServices(newRecordedService("svc", rec)),
	)
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))
	defer stopApp(t, app)

	h := app.Health(context.Background())
	assert.True(t, h.Healthy)
	assert.Equal(t, string(StateReady), h.Stats["state"])
}
