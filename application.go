package ensemble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultServiceStartTimeout bounds each service's Init and Close.
const DefaultServiceStartTimeout = 30 * time.Second

// DefaultPostInitTimeout bounds each service's PostInit hook.
const DefaultPostInitTimeout = 300 * time.Second

// serviceRuntime pairs a service with its lifecycle bookkeeping.
type serviceRuntime struct {
	service  Service
	optional bool
	state    *stateTracker
	logger   Logger
	settings any
}

// Application owns an ordered set of services plus the scheduler and task
// server, and drives them through a common lifecycle: services start one at
// a time in dependency order, the application becomes READY, post-init
// hooks run in the background, and shutdown unwinds everything in reverse.
type Application struct {
	name     string
	env      string
	logger   Logger
	metrics  *Metrics
	metadata map[string]any

	order    []*serviceRuntime
	byName   map[string]*serviceRuntime
	optional map[string]bool

	injections map[string]map[string]any

	scheduler *Scheduler
	server    *Server
	observers *observerSet

	serviceStartTimeout time.Duration
	postInitTimeout     time.Duration
	showInspect         bool

	state  *stateTracker
	varsMu sync.RWMutex
	vars   map[string]any

	mu           sync.Mutex
	ctx          context.Context
	cancel       context.CancelFunc
	postInitDone chan struct{}
}

// NewApplication builds an application from the given options and resolves
// its service dependency graph. Name conflicts, unsatisfied required
// dependencies and dependency cycles are reported here, before anything
// starts.
func NewApplication(name, env string, opts ...ApplicationOption) (*Application, error) {
	app := &Application{
		name:                name,
		env:                 env,
		metadata:            map[string]any{},
		byName:              make(map[string]*serviceRuntime),
		optional:            make(map[string]bool),
		serviceStartTimeout: DefaultServiceStartTimeout,
		postInitTimeout:     DefaultPostInitTimeout,
		state:               newStateTracker(StateCreated),
		vars:                make(map[string]any),
	}

	cfg := applicationConfig{}
	for _, opt := range opts {
		opt(app, &cfg)
	}
	if app.logger == nil {
		app.logger = DefaultLogger(defaultLogLevel).With("app", name, "env", env)
	}
	app.observers = newObserverSet(app.logger)
	for _, reg := range cfg.observers {
		app.observers.register(reg.observer, reg.eventTypes...)
	}

	res, err := resolveServices(cfg.services)
	if err != nil {
		return nil, fmt.Errorf("resolving services for app %q: %w", name, err)
	}
	app.injections = res.injections
	for _, svc := range res.order {
		rt := &serviceRuntime{
			service:  svc,
			optional: app.optional[svc.Name()],
			state:    newStateTracker(StateCreated),
			logger:   app.logger,
		}
		if sl, ok := cfg.serviceLoggers[svc.Name()]; ok && sl != nil {
			rt.logger = sl
		}
		if ss, ok := cfg.serviceSettings[svc.Name()]; ok && ss != nil {
			rt.settings = ss
		}
		app.order = append(app.order, rt)
		app.byName[svc.Name()] = rt
	}

	app.scheduler = NewScheduler(app.logger, app.metrics)
	serverOpts := append([]ServerOption{WithServerMetrics(app.metrics)}, cfg.serverOptions...)
	app.server = NewServer(app.logger, serverOpts...)
	return app, nil
}

// Name returns the application name.
func (app *Application) Name() string { return app.name }

// Env returns the application environment label.
func (app *Application) Env() string { return app.env }

// Logger returns the application logger.
func (app *Application) Logger() Logger { return app.logger }

// Scheduler returns the application's task scheduler.
func (app *Application) Scheduler() *Scheduler { return app.scheduler }

// Server returns the application's task server.
func (app *Application) Server() *Server { return app.server }

// State returns the application's current lifecycle state.
func (app *Application) State() State { return app.state.get() }

// WaitState blocks until the application reaches s or ctx is done.
func (app *Application) WaitState(ctx context.Context, s State) error {
	return app.state.wait(ctx, s)
}

// Service returns a registered service by name.
func (app *Application) Service(name string) (Service, error) {
	rt, ok := app.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDependencyNotFound, name)
	}
	return rt.service, nil
}

// ServiceState returns the lifecycle state of a registered service.
func (app *Application) ServiceState(name string) (State, error) {
	rt, ok := app.byName[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrDependencyNotFound, name)
	}
	return rt.state.get(), nil
}

// SetContextVar stores an application-scoped variable shared across
// services.
func (app *Application) SetContextVar(key string, value any) {
	app.varsMu.Lock()
	app.vars[key] = value
	app.varsMu.Unlock()
}

// GetContextVar retrieves an application-scoped variable.
func (app *Application) GetContextVar(key string) (any, bool) {
	app.varsMu.RLock()
	defer app.varsMu.RUnlock()
	v, ok := app.vars[key]
	return v, ok
}

// RegisterObserver subscribes an observer to lifecycle events. With no
// event types it receives everything.
func (app *Application) RegisterObserver(observer Observer, eventTypes ...string) {
	app.observers.register(observer, eventTypes...)
}

// UnregisterObserver removes an observer. Idempotent.
func (app *Application) UnregisterObserver(observer Observer) {
	app.observers.unregister(observer)
}

// Observers returns diagnostic information about registered observers.
func (app *Application) Observers() []ObserverInfo {
	return app.observers.info()
}

func (app *Application) emit(ctx context.Context, eventType string, data any) {
	event := NewCloudEvent(eventType, app.name, data, nil)
	app.observers.notify(ctx, event)
}

// Start brings every service up in dependency order, then the scheduler
// and the task server, and marks the application READY. Post-init hooks
// then run in the background; their failures are logged but never fail the
// application. A required service failing to start unwinds everything
// already started and leaves the application FAILED.
func (app *Application) Start(ctx context.Context) error {
	cur := app.state.get()
	if cur != StateCreated && cur != StateClosed {
		return fmt.Errorf("%w: state %s", ErrAppAlreadyStarted, cur)
	}
	app.mu.Lock()
	app.ctx, app.cancel = context.WithCancel(context.WithoutCancel(ctx))
	app.postInitDone = make(chan struct{})
	app.mu.Unlock()

	app.setState(StateStarting)
	app.emit(ctx, EventTypeAppStarting, nil)
	app.logger.Info("starting application", "services", len(app.order))

	for i, rt := range app.order {
		if err := app.startService(ctx, rt); err != nil {
			if rt.optional {
				app.setServiceState(rt, StateFailed)
				app.logger.Warn("optional service failed to start, continuing",
					"service", rt.service.Name(), "error", err)
				app.emit(ctx, EventTypeServiceFailed, map[string]any{
					"service": rt.service.Name(), "error": err.Error(), "optional": true,
				})
				continue
			}
			app.emit(ctx, EventTypeServiceFailed, map[string]any{
				"service": rt.service.Name(), "error": err.Error(),
			})
			app.closeService(rt)
			app.setServiceState(rt, StateFailed)
			app.stopServicesBefore(i)
			app.cancel()
			close(app.postInitDone)
			app.setState(StateFailed)
			app.emit(ctx, EventTypeAppFailed, map[string]any{"error": err.Error()})
			return err
		}
	}

	if err := app.scheduler.Start(app.ctx); err != nil {
		app.failStart(ctx, fmt.Errorf("starting scheduler: %w", err))
		return err
	}
	// The server gets a context insulated from app.cancel so Close hooks
	// can still dispatch calls while shutdown unwinds. Server.Stop ends it.
	if err := app.server.Start(context.WithoutCancel(app.ctx)); err != nil {
		app.failStart(ctx, fmt.Errorf("starting task server: %w", err))
		return err
	}

	app.setState(StateReady)
	app.emit(ctx, EventTypeAppReady, nil)
	app.logger.Info("application ready")
	if app.showInspect {
		app.logInspection(ctx)
	}
	go app.runPostInit()
	return nil
}

func (app *Application) failStart(ctx context.Context, err error) {
	app.logger.Error("application start failed", "error", err)
	app.stopServicesBefore(len(app.order))
	app.cancel()
	close(app.postInitDone)
	app.setState(StateFailed)
	app.emit(ctx, EventTypeAppFailed, map[string]any{"error": err.Error()})
}

// startService injects dependencies, runs Init under the start timeout and
// verifies the service reports healthy before marking it READY.
func (app *Application) startService(ctx context.Context, rt *serviceRuntime) error {
	name := rt.service.Name()
	app.setServiceState(rt, StateStarting)
	app.emit(ctx, EventTypeServiceStarting, map[string]any{"service": name})
	app.logger.Debug("starting service", "service", name)

	if la, ok := rt.service.(LoggerAware); ok {
		la.SetLogger(rt.logger)
	}
	if aware, ok := rt.service.(ServiceAware); ok {
		if err := aware.InjectServices(app.injections[name]); err != nil {
			return &ServiceInitError{Service: name, Cause: fmt.Errorf("injecting services: %w", err)}
		}
	}

	if initable, ok := rt.service.(Initable); ok {
		initCtx, cancel := context.WithTimeout(ctx, app.serviceStartTimeout)
		err := runWithContext(initCtx, func(c context.Context) error {
			return initable.Init(c, app)
		})
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return &ServiceInitError{Service: name, Timeout: true, Cause: err}
			}
			return &ServiceInitError{Service: name, Cause: err}
		}
	}

	if h := serviceHealth(ctx, rt.service); !h.Healthy {
		return &ServiceInitError{
			Service: name,
			Cause:   fmt.Errorf("%w: %v", ErrServiceUnhealthy, h.Errors),
		}
	}

	app.setServiceState(rt, StateReady)
	app.emit(ctx, EventTypeServiceReady, map[string]any{"service": name})
	app.logger.Info("service ready", "service", name)
	return nil
}

// runWithContext runs fn in its own goroutine so a body that ignores its
// context cannot stall the lifecycle past the deadline.
func runWithContext(ctx context.Context, fn func(context.Context) error) error {
	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("panic: %v", r)
			}
		}()
		errCh <- fn(ctx)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runPostInit runs every PostInit hook concurrently, each under its own
// timeout. Failures are logged and counted, never escalated.
func (app *Application) runPostInit() {
	app.mu.Lock()
	ctx := app.ctx
	done := app.postInitDone
	app.mu.Unlock()
	defer close(done)

	var g errgroup.Group
	for _, rt := range app.order {
		pi, ok := rt.service.(PostInitializer)
		if !ok || rt.state.get() != StateReady {
			continue
		}
		name := rt.service.Name()
		g.Go(func() error {
			hookCtx, cancel := context.WithTimeout(ctx, app.postInitTimeout)
			defer cancel()
			if err := runWithContext(hookCtx, pi.PostInit); err != nil {
				app.logger.Error("service post-init failed", "service", name, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	app.logger.Debug("post-init complete")
}

// Stop unwinds the application: the scheduler stops first, then services
// close in reverse start order, then the task server stops so Close hooks
// can still dispatch calls. Close errors are logged, not returned, so one
// misbehaving service cannot block the rest of shutdown.
func (app *Application) Stop(ctx context.Context) error {
	cur := app.state.get()
	if cur != StateReady && cur != StateFailed {
		return nil
	}
	app.setState(StateClosing)
	app.emit(ctx, EventTypeAppClosing, nil)
	app.logger.Info("stopping application")

	app.mu.Lock()
	cancel := app.cancel
	postInitDone := app.postInitDone
	app.mu.Unlock()
	cancel()
	if postInitDone != nil {
		select {
		case <-postInitDone:
		case <-ctx.Done():
		}
	}

	if err := app.scheduler.Stop(ctx); err != nil {
		app.logger.Error("stopping scheduler", "error", err)
	}
	app.stopServicesBefore(len(app.order))
	if err := app.server.Stop(ctx); err != nil {
		app.logger.Error("stopping task server", "error", err)
	}

	app.setState(StateClosed)
	app.emit(ctx, EventTypeAppClosed, nil)
	app.logger.Info("application stopped")
	return nil
}

// stopServicesBefore closes services with index < n in reverse order.
// Only services that reached READY are closed.
func (app *Application) stopServicesBefore(n int) {
	for i := n - 1; i >= 0; i-- {
		rt := app.order[i]
		if rt.state.get() != StateReady {
			continue
		}
		app.closeService(rt)
	}
}

// closeService runs the service's Close under the start timeout,
// best-effort.
func (app *Application) closeService(rt *serviceRuntime) {
	name := rt.service.Name()
	closable, ok := rt.service.(Closable)
	if !ok {
		app.setServiceState(rt, StateClosed)
		return
	}
	app.setServiceState(rt, StateClosing)
	ctx, cancel := context.WithTimeout(context.Background(), app.serviceStartTimeout)
	defer cancel()
	if err := runWithContext(ctx, closable.Close); err != nil {
		app.logger.Error("service close failed", "service", name, "error", err)
	}
	app.setServiceState(rt, StateClosed)
	app.emit(ctx, EventTypeServiceClosed, map[string]any{"service": name})
	app.logger.Debug("service closed", "service", name)
}

func (app *Application) setState(s State) {
	app.state.set(s)
	app.logger.Debug("application state changed", "state", s)
}

func (app *Application) setServiceState(rt *serviceRuntime, s State) {
	rt.state.set(s)
	app.metrics.serviceState(rt.service.Name(), s)
}

// Run starts the application, blocks until ctx is done or an interrupt or
// termination signal arrives, then stops it. The returned error is the
// start error, if any.
func (app *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	stop()

	stopCtx, cancel := context.WithTimeout(context.Background(), app.serviceStartTimeout)
	defer cancel()
	return app.Stop(stopCtx)
}

// Health aggregates the application's health: healthy while every
// non-optional service reports healthy.
func (app *Application) Health(ctx context.Context) Health {
	agg := HealthyState()
	agg.Stats["state"] = string(app.state.get())
	for _, rt := range app.order {
		h := serviceHealth(ctx, rt.service)
		if !h.Healthy && !rt.optional {
			agg.Healthy = false
			agg.Errors = append(agg.Errors, fmt.Sprintf("%s: %v", rt.service.Name(), h.Errors))
		}
	}
	return agg
}

// Inspect assembles a full diagnostic snapshot of the application and its
// services.
func (app *Application) Inspect(ctx context.Context) InspectReport {
	report := InspectReport{
		Name:      app.name,
		Env:       app.env,
		State:     app.state.get(),
		Metadata:  app.metadata,
		Scheduler: app.scheduler.Stats(),
		Server:    app.server.Stats(),
	}
	report.Healthy = true
	for _, rt := range app.order {
		h := serviceHealth(ctx, rt.service)
		if !h.Healthy && !rt.optional {
			report.Healthy = false
		}
		sr := ServiceReport{
			Name:   rt.service.Name(),
			Class:  fmt.Sprintf("%T", rt.service),
			State:  rt.state.get(),
			Health: h,
		}
		if ins, ok := rt.service.(Inspectable); ok {
			sr.Settings = ins.JSONRepr()
		} else if rt.settings != nil {
			sr.Settings = map[string]any{"settings": rt.settings}
		}
		report.Services = append(report.Services, sr)
	}
	return report
}

func (app *Application) logInspection(ctx context.Context) {
	report := app.Inspect(ctx)
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		app.logger.Error("marshalling inspection report", "error", err)
		return
	}
	app.logger.Info("application inspection", "report", string(data))
}
