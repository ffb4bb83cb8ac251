package ensemble

import "context"

// Health is a point-in-time health snapshot reported by a service.
type Health struct {
	// Healthy reports whether the service considers itself operational.
	Healthy bool `json:"healthy"`

	// Stats carries service-defined statistics and metrics.
	Stats map[string]any `json:"stats,omitempty"`

	// Errors lists human-readable messages for every occurred error.
	Errors []string `json:"errors,omitempty"`
}

// HealthyState returns a healthy snapshot with an empty stats map. It is the
// default for services that do not implement HealthReporter.
func HealthyState() Health {
	return Health{Healthy: true, Stats: map[string]any{}}
}

// serviceHealth consults the service's HealthReporter if it has one.
func serviceHealth(ctx context.Context, svc Service) Health {
	if hr, ok := svc.(HealthReporter); ok {
		return hr.Health(ctx)
	}
	return HealthyState()
}

// ServiceReport is the per-service entry of an inspection report.
type ServiceReport struct {
	// Name is the service's unique name.
	Name string `json:"name"`

	// Class is the Go type implementing the service.
	Class string `json:"class"`

	// State is the service's current lifecycle state.
	State State `json:"state"`

	// Health is the service's health snapshot at inspection time.
	Health Health `json:"health"`

	// Settings is the service-provided JSONRepr snapshot. Diagnostic
	// data only; keeping secrets out of it is the service author's
	// responsibility.
	Settings map[string]any `json:"settings,omitempty"`
}

// InspectReport describes the application and every registered service.
type InspectReport struct {
	Name      string          `json:"name"`
	Env       string          `json:"env"`
	State     State           `json:"state"`
	Healthy   bool            `json:"healthy"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Services  []ServiceReport `json:"services"`
	Scheduler SchedulerStats  `json:"scheduler"`
	Server    ServerStats     `json:"server"`
}
