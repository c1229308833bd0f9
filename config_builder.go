package stageflow

// ConfigBuilder assembles a PipelineConfig in code. Stages are appended in
// call order, which is their execution order.
type ConfigBuilder struct {
	config PipelineConfig
}

// NewConfigBuilder starts a configuration with the given pipeline name.
func NewConfigBuilder(name string) *ConfigBuilder {
	return &ConfigBuilder{config: PipelineConfig{Version: PipelineVersion, Name: name}}
}

// Output sets the output destination handed to every stage.
func (b *ConfigBuilder) Output(output string) *ConfigBuilder {
	b.config.Output = output
	return b
}

// KeepKeys sets the keys copied from every input record into the step accumulator.
func (b *ConfigBuilder) KeepKeys(keys ...string) *ConfigBuilder {
	b.config.KeysKeep = append(b.config.KeysKeep, keys...)
	return b
}

// Timer enables or disables the step timing table.
func (b *ConfigBuilder) Timer(enabled bool) *ConfigBuilder {
	b.config.Timer = enabled
	return b
}

// StrictMerge makes unstackable keys fail the merge.
func (b *ConfigBuilder) StrictMerge(enabled bool) *ConfigBuilder {
	b.config.StrictMerge = enabled
	return b
}

// Step appends a step stage.
func (b *ConfigBuilder) Step(name string, desc StageDescriptor) *ConfigBuilder {
	b.config.AtStep = append(b.config.AtStep, StageConfig{Name: name, StageDescriptor: desc})
	return b
}

// Final appends a final stage.
func (b *ConfigBuilder) Final(name string, desc StageDescriptor) *ConfigBuilder {
	b.config.AtFinal = append(b.config.AtFinal, StageConfig{Name: name, StageDescriptor: desc})
	return b
}

// Tracing sets the tracing configuration.
func (b *ConfigBuilder) Tracing(config TracingConfig) *ConfigBuilder {
	b.config.Tracing = config
	return b
}

// Metrics sets the metrics configuration.
func (b *ConfigBuilder) Metrics(config MetricsConfig) *ConfigBuilder {
	b.config.Metrics = config
	return b
}

// Build validates and returns a copy of the configuration.
func (b *ConfigBuilder) Build() (*PipelineConfig, error) {
	config := b.config
	config.KeysKeep = append([]string(nil), b.config.KeysKeep...)
	config.AtStep = append(Stages(nil), b.config.AtStep...)
	config.AtFinal = append(Stages(nil), b.config.AtFinal...)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}
