package stageflow

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// BuildEnv carries everything a factory needs besides its arguments.
type BuildEnv struct {
	// StageName is the configuration key of the stage being built.
	StageName string
	// Output is the pipeline output destination. Stages that write files use it.
	Output string
	// Descriptor is the full stage descriptor, for factories that decode
	// structured args with StageDescriptor.DecodeArgs.
	Descriptor StageDescriptor
	// Registry is the registry the stage is being built from, so composite
	// stages can build nested stages.
	Registry *Registry
	// Logger is named after the stage.
	Logger *zap.Logger
	// TracerProvider and Metrics are the pipeline's observability components.
	TracerProvider TracerProvider
	Metrics        MetricsCollector
}

// Factory constructs a stage from its arguments.
type Factory func(env BuildEnv, args Args) (Stage, error)

// Registry maps module names to stage factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under the given module name.
func (r *Registry) Register(module string, factory Factory) error {
	if module == "" || module == ModuleSkip {
		return fmt.Errorf("invalid module name %q", module)
	}
	if factory == nil {
		return fmt.Errorf("nil factory for module %q", module)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[module]; exists {
		return fmt.Errorf("%w: %s", ErrFactoryExists, module)
	}
	r.factories[module] = factory
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(module string, factory Factory) {
	if err := r.Register(module, factory); err != nil {
		panic(fmt.Sprintf("stageflow: %v", err))
	}
}

// RegisterStage registers a module that always returns the same stage instance.
func (r *Registry) RegisterStage(module string, stage Stage) error {
	return r.Register(module, func(BuildEnv, Args) (Stage, error) { return stage, nil })
}

// Lookup returns the factory registered for module.
func (r *Registry) Lookup(module string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[module]
	return f, ok
}

// Modules returns the registered module names in sorted order.
func (r *Registry) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build constructs the stage described by env.Descriptor.
func (r *Registry) Build(env BuildEnv) (Stage, error) {
	factory, ok := r.Lookup(env.Descriptor.Module)
	if !ok {
		return nil, &UnknownModuleError{StageName: env.StageName, Module: env.Descriptor.Module}
	}
	if env.Registry == nil {
		env.Registry = r
	}
	if env.Logger == nil {
		env.Logger = zap.NewNop()
	}
	if env.TracerProvider == nil {
		env.TracerProvider = DefaultTracerProvider
	}
	if env.Metrics == nil {
		env.Metrics = DefaultMetricsCollector
	}
	args := env.Descriptor.Args
	if args == nil {
		args = Args{}
	}
	stage, err := factory(env, args)
	if err != nil {
		return nil, &ConfigError{StageName: env.StageName, OriginalError: err}
	}
	if stage == nil {
		return nil, &ConfigError{StageName: env.StageName, OriginalError: fmt.Errorf("module %q returned a nil stage", env.Descriptor.Module)}
	}
	return stage, nil
}

var (
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the process-wide registry. It comes with the
// built-in "each_group" module registered.
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
		if err := defaultRegistry.RegisterBuiltins(); err != nil {
			panic(fmt.Sprintf("stageflow: %v", err))
		}
	})
	return defaultRegistry
}

// RegisterBuiltins registers the modules implemented by this package.
func (r *Registry) RegisterBuiltins() error {
	return r.Register(ModuleEachGroup, eachGroupFactory)
}

// CheckModules verifies that every module referenced by stages is
// registered, descending into each_group stage lists. Nothing is built.
func (r *Registry) CheckModules(stages Stages) error {
	for _, sc := range stages {
		if sc.Module == "" || sc.IsSkipModule() {
			continue
		}
		if _, ok := r.Lookup(sc.Module); !ok {
			return &UnknownModuleError{StageName: sc.Name, Module: sc.Module}
		}
		if sc.Module != ModuleEachGroup {
			continue
		}
		var args eachGroupArgs
		if err := sc.DecodeArgs(&args); err != nil {
			return &ConfigError{StageName: sc.Name, OriginalError: err}
		}
		if err := r.CheckModules(args.Stages); err != nil {
			return err
		}
	}
	return nil
}

// loadedStage is a constructed stage together with its descriptor.
type loadedStage struct {
	name  string
	desc  StageDescriptor
	stage Stage
}

// loader carries what loadStages needs to build the stages of one phase.
type loader struct {
	registry       *Registry
	output         string
	logger         *zap.Logger
	tracerProvider TracerProvider
	metrics        MetricsCollector
	owner          string
}

// loadStages builds every usable stage of a phase in configuration order.
// Descriptors using the skip sentinel are logged and omitted, as are
// descriptors without a module.
func (l loader) loadStages(stages Stages) ([]loadedStage, error) {
	loaded := make([]loadedStage, 0, len(stages))
	for _, sc := range stages {
		if sc.Module == "" {
			continue
		}
		if sc.IsSkipModule() {
			l.logger.Warn("stage is not used", zap.String("stage", sc.Name))
			continue
		}
		l.logger.Info("loading module",
			zap.String("owner", l.owner),
			zap.String("stage", sc.Name),
			zap.String("module", sc.Module))
		stage, err := l.registry.Build(BuildEnv{
			StageName:      sc.Name,
			Output:         l.output,
			Descriptor:     sc.StageDescriptor,
			Registry:       l.registry,
			Logger:         l.logger.Named(sc.Name),
			TracerProvider: l.tracerProvider,
			Metrics:        l.metrics,
		})
		if err != nil {
			return nil, err
		}
		loaded = append(loaded, loadedStage{name: sc.Name, desc: sc.StageDescriptor, stage: stage})
	}
	return loaded, nil
}

func stageNames(stages []loadedStage) []string {
	names := make([]string, len(stages))
	for i, ls := range stages {
		names[i] = ls.name
	}
	return names
}
