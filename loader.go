package ensemble

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/GoCodeAlone/ensemble/feeders"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
)

// Feeder populates a configuration structure from some source. The feeders
// package provides file and environment implementations.
type Feeder interface {
	Feed(structure any) error
}

// FeederForFile selects a file feeder by extension: .yaml and .yml map to
// YAML, .toml to TOML.
func FeederForFile(path string) (Feeder, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return feeders.NewYamlFeeder(path), nil
	case ".toml":
		return feeders.NewTomlFeeder(path), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedConfigExt, path)
	}
}

// ServiceFactory builds a service instance from its configuration block.
// Factories typically decode cfg.Settings into a typed struct with
// DecodeSettings.
type ServiceFactory func(cfg ServiceConfig) (Service, error)

// Loader turns configuration into a runnable Application. Service classes
// are registered by name; the config's service list selects and
// parameterizes them.
type Loader struct {
	logger   Logger
	classes  map[string]ServiceFactory
	validate *validator.Validate
}

// NewLoader creates a Loader with an empty class registry.
func NewLoader(logger Logger) *Loader {
	return &Loader{
		logger:   logger,
		classes:  make(map[string]ServiceFactory),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// RegisterClass makes a service class available to configuration under the
// given name. Registering the same name twice replaces the factory.
func (l *Loader) RegisterClass(name string, factory ServiceFactory) {
	l.classes[name] = factory
}

// LoadConfig runs the feeders in order over an empty ProjectConfig, applies
// defaults and validates the result. Later feeders override earlier ones,
// so the conventional order is base file, environment overlay.
func (l *Loader) LoadConfig(feeders ...Feeder) (*ProjectConfig, error) {
	cfg := &ProjectConfig{}
	for _, f := range feeders {
		if err := f.Feed(cfg); err != nil {
			return nil, &ConfigurationError{Section: "project", Cause: err}
		}
	}
	cfg.applyDefaults()
	if err := l.validate.Struct(cfg); err != nil {
		return nil, &ConfigurationError{Section: "project", Cause: fmt.Errorf("%w: %w", ErrInvalidAppConfig, err)}
	}
	return cfg, nil
}

// Build constructs an Application from a validated configuration. Extra
// options are applied after the config-derived ones and may override them.
func (l *Loader) Build(cfg *ProjectConfig, extra ...ApplicationOption) (*Application, error) {
	logger := l.logger
	if logger == nil {
		logger = DefaultLogger(ParseLogLevel(cfg.App.LogLevel))
	}

	var services []Service
	var serviceOpts []ApplicationOption
	for _, sc := range cfg.App.Services {
		if !sc.IsEnabled() {
			logger.Debug("skipping disabled service", "class", sc.Class, "name", sc.InstanceName())
			continue
		}
		factory, ok := l.classes[sc.Class]
		if !ok {
			return nil, &ConfigurationError{
				Section: "services",
				Cause:   fmt.Errorf("%w: %s", ErrServiceClassNotFound, sc.Class),
			}
		}
		svc, err := factory(sc)
		if err != nil {
			return nil, &ConfigurationError{
				Section: "services",
				Cause:   fmt.Errorf("%w %q: %w", ErrInvalidServiceConfig, sc.InstanceName(), err),
			}
		}
		services = append(services, svc)
		if sc.LogLevel != "" {
			svcLogger := DefaultLogger(ParseLogLevel(sc.LogLevel)).With("service", svc.Name())
			serviceOpts = append(serviceOpts, WithServiceLogger(svc.Name(), svcLogger))
		}
		if len(sc.Settings) > 0 {
			serviceOpts = append(serviceOpts, WithServiceSettings(svc.Name(), sc.Settings))
		}
	}

	opts := []ApplicationOption{
		WithLogger(logger),
		WithServices(services...),
		WithOptionalServices(cfg.App.OptionalServices...),
		WithMetadata(cfg.App.Metadata),
		WithServiceStartTimeout(cfg.App.Settings.ServiceStartTimeout),
		WithPostInitTimeout(cfg.App.Settings.PostInitTimeout),
		WithServerOptions(
			WithMaxParallelTasks(cfg.App.Settings.MaxParallelTasks),
			WithShutdownGrace(cfg.App.Settings.ShutdownGrace),
		),
	}
	opts = append(opts, serviceOpts...)
	if cfg.App.Settings.ShowInspection {
		opts = append(opts, WithInspectionOnStart())
	}
	opts = append(opts, extra...)
	return NewApplication(cfg.App.Name, cfg.Env, opts...)
}

// Load is the one-call path: feed, validate and build.
func (l *Loader) Load(feeders []Feeder, extra ...ApplicationOption) (*Application, error) {
	cfg, err := l.LoadConfig(feeders...)
	if err != nil {
		return nil, err
	}
	return l.Build(cfg, extra...)
}

// DecodeSettings decodes a service's raw settings map into a typed struct,
// with weak type conversion and duration strings like "30s" supported.
func DecodeSettings[T any](settings map[string]any) (T, error) {
	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		TagName: "mapstructure",
	})
	if err != nil {
		return out, fmt.Errorf("building settings decoder: %w", err)
	}
	if err := dec.Decode(settings); err != nil {
		return out, fmt.Errorf("decoding settings into %s: %w", reflect.TypeOf(out), err)
	}
	return out, nil
}
