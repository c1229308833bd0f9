package stageflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// MultiStage runs a step phase per input record and a final phase over the
// merged outputs. Step stages are built in New; final stages are built on
// the first finalization and reused afterwards.
type MultiStage struct {
	config   *PipelineConfig
	registry *Registry

	logger         *zap.Logger
	metrics        MetricsCollector
	tracerProvider TracerProvider
	tracer         trace.Tracer
	timingOut      io.Writer

	steps        []loadedStage
	finals       []loadedStage
	finalsLoaded bool

	lastStep  *TimingTable
	lastFinal *TimingTable
}

// Option configures a MultiStage.
type Option func(*MultiStage)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *MultiStage) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetricsCollector sets the metrics collector. Defaults to DefaultMetricsCollector.
func WithMetricsCollector(collector MetricsCollector) Option {
	return func(m *MultiStage) {
		if collector != nil {
			m.metrics = collector
		}
	}
}

// WithTracerProvider sets the tracer provider. Defaults to DefaultTracerProvider.
func WithTracerProvider(provider TracerProvider) Option {
	return func(m *MultiStage) {
		if provider != nil {
			m.tracerProvider = provider
		}
	}
}

// WithTimingWriter sets where the step timing table is rendered when the
// configuration enables the timer. Defaults to os.Stdout.
func WithTimingWriter(w io.Writer) Option {
	return func(m *MultiStage) {
		if w != nil {
			m.timingOut = w
		}
	}
}

// New validates the configuration and builds every step stage.
// A nil registry uses DefaultRegistry.
func New(config *PipelineConfig, registry *Registry, options ...Option) (*MultiStage, error) {
	if config == nil {
		return nil, &ConfigError{OriginalError: errors.New("nil pipeline configuration")}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if registry == nil {
		registry = DefaultRegistry()
	}

	m := &MultiStage{
		config:         config,
		registry:       registry,
		logger:         zap.NewNop(),
		metrics:        DefaultMetricsCollector,
		tracerProvider: DefaultTracerProvider,
		timingOut:      os.Stdout,
	}
	for _, option := range options {
		option(m)
	}
	m.tracer = m.tracerProvider.Tracer(instrumentationName)
	m.logger = m.logger.With(zap.String("pipeline", config.Name))

	m.logger.Info("writing the results", zap.String("output", config.Output))
	steps, err := m.loader().loadStages(config.AtStep)
	if err != nil {
		return nil, err
	}
	m.steps = steps
	return m, nil
}

func (m *MultiStage) loader() loader {
	return loader{
		registry:       m.registry,
		output:         m.config.Output,
		logger:         m.logger,
		tracerProvider: m.tracerProvider,
		metrics:        m.metrics,
		owner:          "MultiStage",
	}
}

// Config returns the pipeline configuration.
func (m *MultiStage) Config() *PipelineConfig {
	return m.config
}

// StepStages returns the keys of the loaded step stages in execution order.
func (m *MultiStage) StepStages() []string {
	return stageNames(m.steps)
}

// FinalStages returns the keys of the loaded final stages, or nil before
// the final phase has been loaded.
func (m *MultiStage) FinalStages() []string {
	if !m.finalsLoaded {
		return nil
	}
	return stageNames(m.finals)
}

// LastStepTimings returns the timing table of the most recent RunStep, or nil.
func (m *MultiStage) LastStepTimings() *TimingTable {
	return m.lastStep
}

// LastFinalTimings returns the timing table of the most recent RunFinal, or nil.
func (m *MultiStage) LastFinalTimings() *TimingTable {
	return m.lastFinal
}

// LoadFinal builds the final stages if they have not been built yet.
func (m *MultiStage) LoadFinal() error {
	if m.finalsLoaded {
		return nil
	}
	finals, err := m.loader().loadStages(m.config.AtFinal)
	if err != nil {
		return err
	}
	m.finals = finals
	m.finalsLoaded = true
	return nil
}

// RunStep runs every step stage once against record and returns the accumulator.
//
// The accumulator starts with the "meta" key and the pipeline keep keys of
// record. Stages run in configuration order; each gets its key_keep entries
// copied first, is skipped when toggled off, and otherwise receives its routed
// inputs. The first failing stage aborts the run with a *StageError.
func (m *MultiStage) RunStep(ctx context.Context, record Record) (acc Record, err error) {
	ctx, log, finish := m.startPhase(ctx, PhaseStep)
	defer func() { finish(err) }()

	acc = make(Record)
	if meta, ok := record[KeyMeta]; ok {
		acc[KeyMeta] = meta
	}
	for _, k := range m.config.KeysKeep {
		v, ok := record[k]
		if !ok {
			return nil, &MissingKeyError{Key: k, Source: SourceData}
		}
		acc[k] = v
	}

	timings := NewTimingTable(m.StepStages())
	for _, ls := range m.steps {
		if err := keepKeys(ls.name, ls.desc, record, acc); err != nil {
			return nil, err
		}
		if ls.desc.Skip {
			m.metrics.StageSkipped(ctx, PhaseStep, ls.name)
			continue
		}
		inputs, err := routeInputs(ls.name, ls.desc, record, acc)
		if err != nil {
			return nil, err
		}

		m.metrics.StageStarted(ctx, PhaseStep, ls.name)
		start := time.Now()
		out, err := invokeTraced(ctx, m.tracer, PhaseStep, ls.stage, Invocation{
			Stage:     ls.name,
			Inputs:    inputs,
			Iteration: 0,
			Repeat:    1,
		})
		if err != nil {
			return nil, m.stageFailed(ctx, log, PhaseStep, ls.name, 0, err)
		}
		elapsed := time.Since(start)
		timings.Record(ls.name, elapsed)
		m.metrics.StageCompleted(ctx, PhaseStep, ls.name, elapsed, 1)
		mergeInto(acc, out)
	}

	m.lastStep = timings
	if m.config.Timer {
		timings.Render(m.timingOut)
	}
	return acc, nil
}

// RunFinal runs the final stages against an already merged record.
//
// Each stage is invoked Repetitions() times with the iteration counter set;
// key_from_data is read from merged and key_from_previous from the
// accumulator, so a repeated stage sees its own earlier outputs.
func (m *MultiStage) RunFinal(ctx context.Context, merged Record) (acc Record, err error) {
	if err := m.LoadFinal(); err != nil {
		return nil, err
	}
	ctx, log, finish := m.startPhase(ctx, PhaseFinal)
	defer func() { finish(err) }()

	acc = make(Record)
	timings := NewTimingTable(m.FinalStages())
	for _, ls := range m.finals {
		if ls.desc.Skip {
			m.metrics.StageSkipped(ctx, PhaseFinal, ls.name)
			continue
		}
		repeat := ls.desc.Repetitions()

		m.metrics.StageStarted(ctx, PhaseFinal, ls.name)
		start := time.Now()
		for iter := 0; iter < repeat; iter++ {
			inputs, err := routeInputs(ls.name, ls.desc, merged, acc)
			if err != nil {
				return nil, err
			}
			out, err := invokeTraced(ctx, m.tracer, PhaseFinal, ls.stage, Invocation{
				Stage:     ls.name,
				Inputs:    inputs,
				Iteration: iter,
				Repeat:    repeat,
			})
			if err != nil {
				return nil, m.stageFailed(ctx, log, PhaseFinal, ls.name, iter, err)
			}
			mergeInto(acc, out)
		}
		elapsed := time.Since(start)
		timings.Record(ls.name, elapsed)
		m.metrics.StageCompleted(ctx, PhaseFinal, ls.name, elapsed, repeat)
		log.Info(fmt.Sprintf("%s runs %d iter in %.3fs", ls.name, repeat, elapsed.Seconds()),
			zap.String("stage", ls.name),
			zap.Int("iterations", repeat),
			zap.Duration("duration", elapsed))
	}
	m.lastFinal = timings
	return acc, nil
}

// Finalize merges the per-record accumulators and runs the final phase on the result.
func (m *MultiStage) Finalize(ctx context.Context, records []Record) (Record, error) {
	if err := m.LoadFinal(); err != nil {
		return nil, err
	}
	options := []MergeOption{WithMergeLogger(m.logger), WithMergeMetrics(m.metrics)}
	if m.config.StrictMerge {
		options = append(options, WithStrictShapes())
	}
	merged, err := Merge(records, options...)
	if err != nil {
		return nil, err
	}
	m.logger.Info("keep keys", zap.Strings("keys", merged.Keys()))
	return m.RunFinal(ctx, merged)
}

// Run runs the step phase over every record, then Finalize.
func (m *MultiStage) Run(ctx context.Context, records []Record) (Record, error) {
	outputs := make([]Record, 0, len(records))
	for i, record := range records {
		out, err := m.RunStep(ctx, record)
		if err != nil {
			m.logger.Error("record failed", zap.Int("record", i), zap.Error(err))
			return nil, err
		}
		outputs = append(outputs, out)
	}
	return m.Finalize(ctx, outputs)
}

// Close releases every loaded stage that implements Closer.
func (m *MultiStage) Close(ctx context.Context) error {
	var errs []error
	for _, ls := range m.loaded() {
		if closer, ok := ls.stage.(Closer); ok {
			if err := closer.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("close stage %q: %w", ls.name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Reset resets every loaded stage that implements Resettable, so the
// pipeline can process another sequence.
func (m *MultiStage) Reset(ctx context.Context) error {
	var errs []error
	for _, ls := range m.loaded() {
		if r, ok := ls.stage.(Resettable); ok {
			if err := r.Reset(ctx); err != nil {
				errs = append(errs, fmt.Errorf("reset stage %q: %w", ls.name, err))
			}
		}
	}
	m.lastStep, m.lastFinal = nil, nil
	return errors.Join(errs...)
}

func (m *MultiStage) loaded() []loadedStage {
	return append(append([]loadedStage(nil), m.steps...), m.finals...)
}

// startPhase opens the phase span and reports the phase start. It returns a
// logger tagged with the run id and a function that closes both.
func (m *MultiStage) startPhase(ctx context.Context, phase Phase) (context.Context, *zap.Logger, func(error)) {
	runID := uuid.NewString()
	ctx, span := m.tracer.Start(ctx, "stageflow."+string(phase),
		trace.WithAttributes(
			attrRunID.String(runID),
			attrPipeline.String(m.config.Name),
			attrPhase.String(string(phase)),
		))
	m.metrics.PipelineStarted(ctx, m.config.Name, phase)
	start := time.Now()
	log := m.logger.With(zap.String("run_id", runID), zap.String("phase", string(phase)))
	return ctx, log, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
		m.metrics.PipelineCompleted(ctx, m.config.Name, phase, time.Since(start), err)
	}
}

func (m *MultiStage) stageFailed(ctx context.Context, log *zap.Logger, phase Phase, stage string, iter int, err error) error {
	log.Error("stage failed",
		zap.String("stage", stage),
		zap.Int("iteration", iter),
		zap.Error(err))
	m.metrics.StageError(ctx, phase, stage, err)
	return NewStageError(phase, stage, iter, err)
}
