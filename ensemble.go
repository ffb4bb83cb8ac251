// Package ensemble composes independently written services into a single
// long-lived process. It resolves declared dependencies into a safe start
// order, drives every service through a common lifecycle with health-gated
// readiness, and hands running services a shared interval scheduler and a
// bounded-concurrency task server.
//
// A service is any value implementing the Service interface. Additional
// behavior is opted into through small optional interfaces: services that
// need startup work implement Initable, services that hold resources
// implement Closable, services that depend on other services implement
// ServiceAware, and so on. The Application invokes whatever a service
// implements and supplies safe defaults for everything it does not.
//
// Basic usage:
//
//	app, err := ensemble.NewApplication("worker", "prod",
//		ensemble.WithLogger(logger),
//		ensemble.WithServices(&Database{}, &Cache{}, &Ingest{}),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := app.Run(context.Background()); err != nil {
//		log.Fatal(err)
//	}
package ensemble

import (
	"context"
	"reflect"
)

// Service is the basic building block of an application. Each service
// implements one limited scope of application logic and is identified by a
// unique name within the application.
//
// The name is used for dependency resolution, log attribution and
// inspection. When a configuration file declares two services of the same
// class, each must be given an explicit unique name.
type Service interface {
	// Name returns the unique identifier for this service.
	//
	// Example: "database", "cache", "ingest"
	Name() string
}

// Initable is implemented by services that need startup work before they can
// be considered ready. Init is called by the Application in resolved
// dependency order, under the application's service start timeout.
//
// Init should acquire connections, allocate resources and validate
// configuration. By the time Init runs, every dependency declared through
// ServiceAware has already been injected and every ordering dependency has
// already reached READY (or failed, for optional services).
type Initable interface {
	Init(ctx context.Context, app *Application) error
}

// Closable is implemented by services that hold resources requiring release.
// Close is called during shutdown in reverse start order, and during startup
// unwinding when a later service fails. Close errors are logged and
// collected but never abort the shutdown of remaining services.
type Closable interface {
	Close(ctx context.Context) error
}

// PostInitializer is implemented by services that want to run work after the
// whole application has reached READY. Post-init hooks for all services run
// concurrently, each under the application's post-init timeout; a failure or
// timeout is logged but never fails the application.
//
// Use PostInit for warm-up work that needs other services running: cache
// priming, backfills, registering scheduled tasks that call across services.
type PostInitializer interface {
	PostInit(ctx context.Context) error
}

// HealthReporter is implemented by services that can report their own
// health. The Application consults it right after Init during startup — an
// unhealthy result fails the start the same way an Init error does — and on
// demand through Inspect.
//
// Services that do not implement HealthReporter are treated as always
// healthy.
type HealthReporter interface {
	Health(ctx context.Context) Health
}

// Inspectable is implemented by services that want to expose a settings
// snapshot through Application.Inspect. The returned map is diagnostic data
// only and must never include secrets; that responsibility sits with the
// service author, not the runtime.
type Inspectable interface {
	JSONRepr() map[string]any
}

// LoggerAware is implemented by services that want a logger scoped to
// themselves. The Application calls SetLogger before Init with a logger
// carrying the service name, honoring any per-service log level configured
// through WithServiceLogger or a ServiceConfig loglevel override.
type LoggerAware interface {
	SetLogger(logger Logger)
}

// ServiceAware is implemented by services that depend on other services.
// The resolver matches each declared dependency to a provider instance and
// hands the resolved references back through InjectServices before any
// service starts.
type ServiceAware interface {
	// RequiresServices declares the dependencies of this service. The
	// resolver uses the declarations both to inject references and to
	// compute the start order (except for NoWait edges, which only
	// resolve a reference).
	RequiresServices() []ServiceDependency

	// InjectServices receives the resolved dependencies keyed by the
	// declared dependency name, or by the provider's service name for
	// interface-only matches. Optional dependencies that could not be
	// resolved are absent from the map. InjectServices is called once
	// per start, after resolution and before any Init.
	InjectServices(services map[string]any) error
}

// ServiceDependency declares an edge from the declaring service to another
// service. Providers are matched by interface: a dependency is satisfied by
// any registered service whose type implements SatisfiesInterface. An
// explicit Name restricts the match to the service with that exact name.
type ServiceDependency struct {
	// Name optionally pins the dependency to an exact service name.
	// When empty, the first declared service implementing
	// SatisfiesInterface (other than the owner itself) is selected.
	Name string

	// SatisfiesInterface is the interface type the provider must
	// implement, obtained with reflect.TypeOf((*MyIface)(nil)).Elem().
	SatisfiesInterface reflect.Type

	// Required marks the dependency as mandatory. A required dependency
	// without a matching provider fails application construction with a
	// DependencyNotFoundError. An unresolved optional dependency simply
	// stays absent from the injected map.
	Required bool

	// NoWait excludes this edge from ordering and cycle constraints while
	// still resolving the reference. Exactly one side of a mutual
	// dependency must set NoWait to break the cycle; the NoWait side must
	// not use the reference until the target is ready.
	NoWait bool
}

// InterfaceOf is a convenience helper for building ServiceDependency
// declarations:
//
//	ensemble.ServiceDependency{
//		SatisfiesInterface: ensemble.InterfaceOf[Store](),
//		Required:           true,
//	}
func InterfaceOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}
