package stageflow

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	// PipelineVersion is the default version of the pipeline configuration.
	PipelineVersion = "1.0.0"
)

// StageDescriptor identifies what to construct for a stage and how to route its inputs.
type StageDescriptor struct {
	Module          string   `yaml:"module"`                      // Registered module name, or "skip"
	Args            Args     `yaml:"args,omitempty"`              // Construction arguments passed to the factory
	KeyFromData     []string `yaml:"key_from_data,omitempty"`     // Keys read from the input record
	KeyFromPrevious []string `yaml:"key_from_previous,omitempty"` // Keys read from the accumulator
	KeyKeep         []string `yaml:"key_keep,omitempty"`          // Keys copied from the input record into the accumulator
	Skip            bool     `yaml:"skip,omitempty"`              // Per-run toggle; the stage stays loaded
	Repeat          int      `yaml:"repeat,omitempty" validate:"gte=0"`

	// rawArgs keeps the YAML node of args so nested mappings keep their order.
	rawArgs *yaml.Node
}

// Repetitions returns the configured repeat count, defaulting to 1.
func (d StageDescriptor) Repetitions() int {
	if d.Repeat < 1 {
		return 1
	}
	return d.Repeat
}

// IsSkipModule reports whether the descriptor uses the "skip" sentinel module.
func (d StageDescriptor) IsSkipModule() bool {
	return d.Module == ModuleSkip
}

// UnmarshalYAML implements the yaml.Unmarshaler interface for StageDescriptor.
func (d *StageDescriptor) UnmarshalYAML(node *yaml.Node) error {
	type plain StageDescriptor
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*d = StageDescriptor(p)
	if node.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(node.Content); i += 2 {
			if node.Content[i].Value == "args" {
				d.rawArgs = node.Content[i+1]
			}
		}
	}
	return nil
}

// DecodeArgs decodes the construction arguments into out, which is
// typically a pointer to a struct with yaml tags. Mapping order is preserved
// when the descriptor was loaded from YAML.
func (d StageDescriptor) DecodeArgs(out any) error {
	if d.rawArgs != nil {
		return d.rawArgs.Decode(out)
	}
	raw, err := yaml.Marshal(d.Args)
	if err != nil {
		return fmt.Errorf("failed to re-encode args: %w", err)
	}
	return yaml.Unmarshal(raw, out)
}

// StageConfig is a named stage descriptor.
type StageConfig struct {
	Name            string `validate:"required"`
	StageDescriptor `validate:"-"`
}

// Stages is an ordered phase configuration. In YAML it is written as a
// mapping from stage key to descriptor; the mapping order is the execution order.
type Stages []StageConfig

// UnmarshalYAML implements the yaml.Unmarshaler interface for Stages.
func (s *Stages) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: stages must be a mapping from stage key to descriptor", node.Line)
	}
	seen := make(map[string]bool, len(node.Content)/2)
	out := make(Stages, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		if seen[name] {
			return fmt.Errorf("line %d: duplicate stage %q", node.Content[i].Line, name)
		}
		seen[name] = true
		var desc StageDescriptor
		if err := node.Content[i+1].Decode(&desc); err != nil {
			return fmt.Errorf("stage %q: %w", name, err)
		}
		out = append(out, StageConfig{Name: name, StageDescriptor: desc})
	}
	*s = out
	return nil
}

// MarshalYAML implements the yaml.Marshaler interface for Stages.
func (s Stages) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, sc := range s {
		var value yaml.Node
		if err := value.Encode(sc.StageDescriptor); err != nil {
			return nil, err
		}
		node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: sc.Name}, &value)
	}
	return node, nil
}

// Lookup returns the descriptor of the named stage.
func (s Stages) Lookup(name string) (StageDescriptor, bool) {
	for _, sc := range s {
		if sc.Name == name {
			return sc.StageDescriptor, true
		}
	}
	return StageDescriptor{}, false
}

// Names returns the stage keys in configuration order.
func (s Stages) Names() []string {
	names := make([]string, len(s))
	for i, sc := range s {
		names[i] = sc.Name
	}
	return names
}

// TracingType represents the tracing backend used by the pipeline.
type TracingType string

const (
	// TracingTypeOTLP exports spans over OTLP/gRPC.
	TracingTypeOTLP TracingType = "otlp"
	// TracingTypeZipkin exports spans to a Zipkin collector.
	TracingTypeZipkin TracingType = "zipkin"
	// TracingTypeNoop represents no tracing.
	TracingTypeNoop TracingType = "noop"
)

// TracingConfig holds the configuration for tracing in a pipeline.
type TracingConfig struct {
	Enabled  bool        `yaml:"enabled"`
	Type     TracingType `yaml:"type"     validate:"omitempty,oneof=otlp zipkin noop"`
	Endpoint string      `yaml:"endpoint"`
}

// MetricsType represents the metrics backend used by the pipeline.
type MetricsType string

const (
	// MetricsTypePrometheus records metrics in a Prometheus registry.
	MetricsTypePrometheus MetricsType = "prometheus"
	// MetricsTypeLogging writes metrics to the pipeline logger.
	MetricsTypeLogging MetricsType = "logging"
	// MetricsTypeNoop represents no metrics.
	MetricsTypeNoop MetricsType = "noop"
)

// MetricsConfig holds the configuration for metrics in a pipeline.
type MetricsConfig struct {
	Enabled bool        `yaml:"enabled"`
	Type    MetricsType `yaml:"type"    validate:"omitempty,oneof=prometheus logging noop"`
}

// LoggingConfig holds the configuration of the pipeline logger.
type LoggingConfig struct {
	Level       string `yaml:"level,omitempty"       validate:"omitempty,oneof=debug info warn error"`
	Development bool   `yaml:"development,omitempty"`
}

// PipelineConfig holds the parsed configuration for a multi-stage pipeline.
type PipelineConfig struct {
	Version     string   `yaml:"version"                validate:"required"`
	Name        string   `yaml:"pipeline_name,omitempty"`
	Output      string   `yaml:"output,omitempty"`      // Output destination handed to every stage
	KeysKeep    []string `yaml:"keys_keep,omitempty"`   // Keys copied from every input record
	Timer       bool     `yaml:"timer,omitempty"`       // Render the step timing table after every record
	StrictMerge bool     `yaml:"strict_merge,omitempty"` // Fail instead of warn when a key cannot be stacked

	AtStep  Stages `yaml:"at_step"            validate:"dive"`
	AtFinal Stages `yaml:"at_final,omitempty" validate:"dive"`

	Tracing TracingConfig `yaml:"tracing,omitempty"`
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
	Logging LoggingConfig `yaml:"logging,omitempty"`
}

// Validate checks the pipeline configuration for correctness using struct tags.
func (pc *PipelineConfig) Validate() error {
	validate := validator.New()

	if err := validate.Struct(pc); err != nil {
		return &ConfigError{OriginalError: fmt.Errorf("pipeline configuration validation failed: %w", err)}
	}
	if err := validateStages(validate, pc.AtStep, true); err != nil {
		return err
	}
	return validateStages(validate, pc.AtFinal, false)
}

// validateStages checks each descriptor of a phase. Step stages must name a
// module; final stages without one are ignored at load time.
func validateStages(validate *validator.Validate, stages Stages, requireModule bool) error {
	for _, sc := range stages {
		if err := validate.Struct(sc.StageDescriptor); err != nil {
			return &ConfigError{StageName: sc.Name, OriginalError: err}
		}
		if requireModule && sc.Module == "" {
			return &ConfigError{StageName: sc.Name, OriginalError: errors.New("module is required")}
		}
	}
	return nil
}

// LoadPipelineConfigFromYAML parses and validates a pipeline configuration.
func LoadPipelineConfigFromYAML(data []byte) (*PipelineConfig, error) {
	var config PipelineConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, &ConfigError{OriginalError: fmt.Errorf("failed to parse YAML: %w", err)}
	}
	if config.Version == "" {
		config.Version = PipelineVersion
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// LoadPipelineConfigFromFile reads and parses a YAML pipeline configuration file.
func LoadPipelineConfigFromFile(path string) (*PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{OriginalError: fmt.Errorf("failed to read %s: %w", path, err)}
	}
	return LoadPipelineConfigFromYAML(data)
}
