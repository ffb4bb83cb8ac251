package ensemble

import "time"

// applicationConfig collects constructor inputs that are consumed during
// NewApplication rather than stored on the Application.
type applicationConfig struct {
	services        []Service
	serverOptions   []ServerOption
	observers       []observerOption
	serviceLoggers  map[string]Logger
	serviceSettings map[string]map[string]any
}

type observerOption struct {
	observer   Observer
	eventTypes []string
}

// ApplicationOption configures an Application at construction.
type ApplicationOption func(*Application, *applicationConfig)

// WithLogger sets the application logger. Defaults to a text slog logger
// on stderr.
func WithLogger(logger Logger) ApplicationOption {
	return func(app *Application, _ *applicationConfig) { app.logger = logger }
}

// WithServices registers services. Declaration order breaks ties when the
// dependency graph allows more than one start order.
func WithServices(services ...Service) ApplicationOption {
	return func(_ *Application, cfg *applicationConfig) {
		cfg.services = append(cfg.services, services...)
	}
}

// WithOptionalServices marks the named services as optional: a start
// failure leaves them FAILED and logged instead of failing the
// application.
func WithOptionalServices(names ...string) ApplicationOption {
	return func(app *Application, _ *applicationConfig) {
		for _, n := range names {
			app.optional[n] = true
		}
	}
}

// WithServiceLogger assigns a dedicated logger to the named service. It is
// handed to the service through LoggerAware before Init; services not
// implementing LoggerAware ignore it.
func WithServiceLogger(name string, logger Logger) ApplicationOption {
	return func(_ *Application, cfg *applicationConfig) {
		if cfg.serviceLoggers == nil {
			cfg.serviceLoggers = make(map[string]Logger)
		}
		cfg.serviceLoggers[name] = logger
	}
}

// WithServiceSettings records the named service's configuration snapshot so
// Inspect can surface it when the service is not Inspectable itself.
func WithServiceSettings(name string, settings map[string]any) ApplicationOption {
	return func(_ *Application, cfg *applicationConfig) {
		if cfg.serviceSettings == nil {
			cfg.serviceSettings = make(map[string]map[string]any)
		}
		cfg.serviceSettings[name] = settings
	}
}

// WithMetadata attaches arbitrary metadata, visible in Inspect output.
func WithMetadata(metadata map[string]any) ApplicationOption {
	return func(app *Application, _ *applicationConfig) {
		for k, v := range metadata {
			app.metadata[k] = v
		}
	}
}

// WithServiceStartTimeout bounds each service's Init and Close.
func WithServiceStartTimeout(d time.Duration) ApplicationOption {
	return func(app *Application, _ *applicationConfig) {
		if d > 0 {
			app.serviceStartTimeout = d
		}
	}
}

// WithPostInitTimeout bounds each service's PostInit hook.
func WithPostInitTimeout(d time.Duration) ApplicationOption {
	return func(app *Application, _ *applicationConfig) {
		if d > 0 {
			app.postInitTimeout = d
		}
	}
}

// WithMetrics attaches Prometheus collectors to the application, its
// scheduler and its task server.
func WithMetrics(m *Metrics) ApplicationOption {
	return func(app *Application, _ *applicationConfig) { app.metrics = m }
}

// WithServerOptions forwards options to the application's task server.
func WithServerOptions(opts ...ServerOption) ApplicationOption {
	return func(_ *Application, cfg *applicationConfig) {
		cfg.serverOptions = append(cfg.serverOptions, opts...)
	}
}

// WithObserver subscribes an observer to lifecycle events at construction.
func WithObserver(observer Observer, eventTypes ...string) ApplicationOption {
	return func(_ *Application, cfg *applicationConfig) {
		cfg.observers = append(cfg.observers, observerOption{observer: observer, eventTypes: eventTypes})
	}
}

// WithInspectionOnStart logs a full inspection report once the
// application reaches READY.
func WithInspectionOnStart() ApplicationOption {
	return func(app *Application, _ *applicationConfig) { app.showInspect = true }
}
