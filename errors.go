package ensemble

import (
	"errors"
	"fmt"
	"strings"
)

// Application errors
var (
	// Resolution errors
	ErrServiceNameConflict = errors.New("two services with the same name exist")
	ErrDependencyNotFound  = errors.New("required dependency not found")
	ErrCircularDependency  = errors.New("dependency cycle detected")
	ErrDependencyNotIface  = errors.New("dependency must declare an interface type")

	// Startup errors
	ErrServiceInitFailed  = errors.New("service failed on start")
	ErrServiceInitTimeout = errors.New("service took too long to start")
	ErrServiceUnhealthy   = errors.New("service is not healthy")
	ErrAppAlreadyStarted  = errors.New("application already started")

	// Task server errors
	ErrServerFull      = errors.New("server is full")
	ErrServerClosed    = errors.New("server is closed")
	ErrCallTimeout     = errors.New("call timed out")
	ErrCallCancelled   = errors.New("call cancelled by the server")
	ErrNilCallFunc     = errors.New("call function is nil")
	ErrRetriesExceeded = errors.New("max retries exceeded")

	// Scheduler errors
	ErrSchedulerClosed = errors.New("scheduler is stopped and cannot accept tasks")
	ErrTaskNotFound    = errors.New("scheduled task not found")
	ErrInvalidInterval = errors.New("task interval must be positive")

	// Loader errors
	ErrServiceClassNotFound = errors.New("service class not found")
	ErrInvalidServiceConfig = errors.New("invalid service configuration")
	ErrInvalidAppConfig     = errors.New("invalid application configuration")
	ErrUnsupportedConfigExt = errors.New("unsupported config file extension")
)

// ServiceNameConflictError reports a duplicate service name during
// resolution. Rename one of the instances in the config to fix it.
type ServiceNameConflictError struct {
	Name string
}

func (e *ServiceNameConflictError) Error() string {
	return fmt.Sprintf("%v: %q", ErrServiceNameConflict, e.Name)
}

func (e *ServiceNameConflictError) Unwrap() error { return ErrServiceNameConflict }

// DependencyNotFoundError reports a required dependency that could not be
// matched to any registered service.
type DependencyNotFoundError struct {
	// Service is the name of the service that declared the dependency.
	Service string
	// Name is the explicit dependency name, if one was declared.
	Name string
	// Interface is the string form of the interface the provider had to
	// implement.
	Interface string
}

func (e *DependencyNotFoundError) Error() string {
	want := e.Interface
	if e.Name != "" {
		want = fmt.Sprintf("%q (%s)", e.Name, e.Interface)
	}
	return fmt.Sprintf("%v: service %q requires %s", ErrDependencyNotFound, e.Service, want)
}

func (e *DependencyNotFoundError) Unwrap() error { return ErrDependencyNotFound }

// DependencyCycleError reports a dependency cycle among ordering edges. The
// cycle is listed in walk order with the first and last name equal, e.g.
// [a b a]. Set NoWait on one of the edges to resolve the cycle manually; the
// resolver cannot know which service is actually required first.
type DependencyCycleError struct {
	Cycle []string
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("%v: %s", ErrCircularDependency, strings.Join(e.Cycle, " -> "))
}

func (e *DependencyCycleError) Unwrap() error { return ErrCircularDependency }

// ServiceInitError reports a fatal startup failure of a non-optional
// service. It is the single error surfaced by Application.Start after the
// started services have been unwound.
type ServiceInitError struct {
	// Service is the name of the offending service.
	Service string
	// Timeout is true when the service exceeded the start timeout rather
	// than returning an error.
	Timeout bool
	// Cause holds the underlying Init or health failure, nil on timeout.
	Cause error
}

func (e *ServiceInitError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%v: %q", ErrServiceInitTimeout, e.Service)
	}
	return fmt.Sprintf("%v: %q: %v", ErrServiceInitFailed, e.Service, e.Cause)
}

func (e *ServiceInitError) Unwrap() error {
	if e.Timeout {
		return ErrServiceInitTimeout
	}
	if e.Cause != nil {
		return e.Cause
	}
	return ErrServiceInitFailed
}

// InternalError wraps a fault raised by a task server call. Call results
// carry it as a value instead of propagating the fault, preserving batch
// ordering and partial results.
type InternalError struct {
	Err error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error: %v", e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }

// ConfigurationError reports an invalid project configuration detected by
// the loader. Catch it with errors.As to intercept all loader failures.
type ConfigurationError struct {
	Section string
	Cause   error
}

func (e *ConfigurationError) Error() string {
	if e.Section != "" {
		return fmt.Sprintf("invalid configuration in %s: %v", e.Section, e.Cause)
	}
	return fmt.Sprintf("invalid configuration: %v", e.Cause)
}

func (e *ConfigurationError) Unwrap() error { return e.Cause }
