package ensemble

import (
	"time"
)

// ProjectConfig is the top-level configuration document. It is usually fed
// from a YAML or TOML file plus environment overlays, then validated and
// handed to a Loader.
type ProjectConfig struct {
	Debug bool      `yaml:"debug" toml:"debug" json:"debug" env:"DEBUG"`
	Env   string    `yaml:"env" toml:"env" json:"env" env:"ENV" validate:"required"`
	App   AppConfig `yaml:"app" toml:"app" json:"app" validate:"required"`
}

// AppConfig describes one application: its identity, runtime settings and
// the services it runs.
type AppConfig struct {
	Name     string          `yaml:"name" toml:"name" json:"name" validate:"required"`
	LogLevel string          `yaml:"loglevel" toml:"loglevel" json:"loglevel" env:"LOGLEVEL" validate:"omitempty,oneof=debug info warn error"`
	Settings AppSettings     `yaml:"settings" toml:"settings" json:"settings"`
	Metadata map[string]any  `yaml:"metadata" toml:"metadata" json:"metadata"`
	Services []ServiceConfig `yaml:"services" toml:"services" json:"services" validate:"dive"`

	// OptionalServices lists service instance names whose start failure
	// does not abort the application.
	OptionalServices []string `yaml:"optional_services" toml:"optional_services" json:"optionalServices"`
}

// AppSettings holds the tunable knobs of the runtime.
type AppSettings struct {
	ServiceStartTimeout time.Duration `yaml:"service_start_timeout" toml:"service_start_timeout" json:"serviceStartTimeout" env:"SERVICE_START_TIMEOUT" validate:"min=0"`
	PostInitTimeout     time.Duration `yaml:"post_init_timeout" toml:"post_init_timeout" json:"postInitTimeout" env:"POST_INIT_TIMEOUT" validate:"min=0"`
	MaxParallelTasks    int           `yaml:"max_parallel_tasks" toml:"max_parallel_tasks" json:"maxParallelTasks" env:"MAX_PARALLEL_TASKS" validate:"min=0"`
	ShutdownGrace       time.Duration `yaml:"shutdown_grace" toml:"shutdown_grace" json:"shutdownGrace" env:"SHUTDOWN_GRACE" validate:"min=0"`
	ShowInspection      bool          `yaml:"show_inspection" toml:"show_inspection" json:"showInspection" env:"SHOW_INSPECTION"`
}

// ServiceConfig declares one service instance: the registered class that
// builds it, an optional instance name, an optional log level override and
// its class-specific settings.
type ServiceConfig struct {
	Class    string         `yaml:"cls" toml:"cls" json:"cls" validate:"required"`
	Name     string         `yaml:"name" toml:"name" json:"name"`
	Enabled  *bool          `yaml:"enabled" toml:"enabled" json:"enabled"`
	LogLevel string         `yaml:"loglevel" toml:"loglevel" json:"loglevel" validate:"omitempty,oneof=debug info warn error"`
	Settings map[string]any `yaml:"settings" toml:"settings" json:"settings"`
}

// InstanceName returns the configured name, defaulting to the class name.
func (c ServiceConfig) InstanceName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Class
}

// IsEnabled reports whether the service should be built. Defaults to true.
func (c ServiceConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// applyDefaults fills unset settings with the runtime defaults.
func (c *ProjectConfig) applyDefaults() {
	if c.App.LogLevel == "" {
		if c.Debug {
			c.App.LogLevel = "debug"
		} else {
			c.App.LogLevel = "info"
		}
	}
	s := &c.App.Settings
	if s.ServiceStartTimeout == 0 {
		s.ServiceStartTimeout = DefaultServiceStartTimeout
	}
	if s.PostInitTimeout == 0 {
		s.PostInitTimeout = DefaultPostInitTimeout
	}
	if s.MaxParallelTasks == 0 {
		s.MaxParallelTasks = DefaultMaxParallelTasks
	}
	if s.ShutdownGrace == 0 {
		s.ShutdownGrace = DefaultShutdownGrace
	}
}
