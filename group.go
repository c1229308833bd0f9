package stageflow

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ModuleEachGroup is the registry name of the grouped executor stage.
const ModuleEachGroup = "each_group"

// KeyFrames is the group record key reported in progress logs.
const KeyFrames = "frames"

// GroupRunner runs a stage list independently for every group of a
// mapping, e.g. once per tracked identity. Every group gets its own
// accumulator; nothing leaks from one group to the next.
type GroupRunner struct {
	stages []loadedStage
	keep   []string

	logger  *zap.Logger
	metrics MetricsCollector
	tracer  trace.Tracer
}

// GroupOption configures a GroupRunner.
type GroupOption func(*groupOptions)

type groupOptions struct {
	logger         *zap.Logger
	metrics        MetricsCollector
	tracerProvider TracerProvider
	output         string
}

// WithGroupLogger sets the logger of a GroupRunner.
func WithGroupLogger(logger *zap.Logger) GroupOption {
	return func(o *groupOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithGroupMetrics sets the metrics collector of a GroupRunner.
func WithGroupMetrics(collector MetricsCollector) GroupOption {
	return func(o *groupOptions) {
		if collector != nil {
			o.metrics = collector
		}
	}
}

// WithGroupTracerProvider sets the tracer provider of a GroupRunner.
func WithGroupTracerProvider(provider TracerProvider) GroupOption {
	return func(o *groupOptions) {
		if provider != nil {
			o.tracerProvider = provider
		}
	}
}

// WithGroupOutput sets the output destination handed to the group stages.
func WithGroupOutput(output string) GroupOption {
	return func(o *groupOptions) {
		o.output = output
	}
}

// NewGroupRunner builds the stages of a grouped run. keep lists the
// accumulator keys copied back into each group record.
func NewGroupRunner(registry *Registry, stages Stages, keep []string, options ...GroupOption) (*GroupRunner, error) {
	o := &groupOptions{
		logger:         zap.NewNop(),
		metrics:        DefaultMetricsCollector,
		tracerProvider: DefaultTracerProvider,
	}
	for _, option := range options {
		option(o)
	}
	if registry == nil {
		registry = DefaultRegistry()
	}
	if err := validateStages(validator.New(), stages, true); err != nil {
		return nil, err
	}

	loaded, err := loader{
		registry:       registry,
		output:         o.output,
		logger:         o.logger,
		tracerProvider: o.tracerProvider,
		metrics:        o.metrics,
		owner:          "GroupRunner",
	}.loadStages(stages)
	if err != nil {
		return nil, err
	}
	return &GroupRunner{
		stages:  loaded,
		keep:    append([]string(nil), keep...),
		logger:  o.logger,
		metrics: o.metrics,
		tracer:  o.tracerProvider.Tracer(instrumentationName),
	}, nil
}

// Stages returns the keys of the loaded stages in execution order.
func (g *GroupRunner) Stages() []string {
	return stageNames(g.stages)
}

// Run processes every group in sorted group-id order and returns the
// updated group records. Each group starts from a copy of shared; key_from_data
// reads from the group's own record. The input maps are not modified.
func (g *GroupRunner) Run(ctx context.Context, groups map[string]Record, shared Record) (map[string]Record, error) {
	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	runID := uuid.NewString()
	out := make(map[string]Record, len(groups))
	for _, id := range ids {
		updated, err := g.runGroup(ctx, runID, id, groups[id], shared)
		if err != nil {
			return nil, err
		}
		out[id] = updated
	}
	return out, nil
}

func (g *GroupRunner) runGroup(ctx context.Context, runID, id string, record, shared Record) (Record, error) {
	fields := []zap.Field{zap.String("group", id), zap.String("run_id", runID)}
	if frames, ok := record[KeyFrames]; ok {
		fields = append(fields, zap.Int("frames", countOf(frames)))
	}
	g.logger.Info("processing group", fields...)

	acc := shared.Clone()
	if acc == nil {
		acc = make(Record)
	}
	for _, ls := range g.stages {
		if ls.desc.Skip {
			g.metrics.StageSkipped(ctx, PhaseGroup, ls.name)
			continue
		}
		repeat := ls.desc.Repetitions()
		g.metrics.StageStarted(ctx, PhaseGroup, ls.name)
		start := time.Now()
		for iter := 0; iter < repeat; iter++ {
			inputs, err := routeInputs(ls.name, ls.desc, record, acc)
			if err != nil {
				return nil, err
			}
			produced, err := invokeTraced(ctx, g.tracer, PhaseGroup, ls.stage, Invocation{
				Stage:     ls.name,
				Inputs:    inputs,
				Iteration: iter,
				Repeat:    repeat,
			}, attrGroup.String(id), attrRunID.String(runID))
			if err != nil {
				g.logger.Error("stage failed",
					zap.String("group", id),
					zap.String("stage", ls.name),
					zap.Int("iteration", iter),
					zap.Error(err))
				g.metrics.StageError(ctx, PhaseGroup, ls.name, err)
				stageErr := NewStageError(PhaseGroup, ls.name, iter, err)
				stageErr.Group = id
				return nil, stageErr
			}
			mergeInto(acc, produced)
		}
		g.metrics.StageCompleted(ctx, PhaseGroup, ls.name, time.Since(start), repeat)
	}

	updated := record.Clone()
	for _, k := range g.keep {
		v, ok := acc[k]
		if !ok {
			g.logger.Error("missing keep key", zap.String("group", id), zap.String("key", k), zap.String("run_id", runID))
			return nil, &MissingKeyError{Group: id, Key: k, Source: SourcePrevious}
		}
		updated[k] = v
	}
	return updated, nil
}

// countOf returns the number of elements of a frames value.
func countOf(v any) int {
	switch t := v.(type) {
	case []any:
		return len(t)
	case []int:
		return len(t)
	case []float64:
		return len(t)
	case *Array:
		if t.Rank() == 0 {
			return 1
		}
		return t.Shape()[0]
	default:
		return 1
	}
}

// eachGroupArgs are the construction arguments of the each_group module.
type eachGroupArgs struct {
	Stages     Stages   `yaml:"stages"`
	KeysKeep   []string `yaml:"keys_keep"`
	ResultsKey string   `yaml:"results_key"`
}

// eachGroupStage exposes a GroupRunner through the Stage contract. It takes
// the groups from one input key and treats every other input as shared.
type eachGroupStage struct {
	runner     *GroupRunner
	resultsKey string
}

func eachGroupFactory(env BuildEnv, _ Args) (Stage, error) {
	var args eachGroupArgs
	if err := env.Descriptor.DecodeArgs(&args); err != nil {
		return nil, fmt.Errorf("invalid each_group args: %w", err)
	}
	if args.ResultsKey == "" {
		args.ResultsKey = "results"
	}
	runner, err := NewGroupRunner(env.Registry, args.Stages, args.KeysKeep,
		WithGroupLogger(env.Logger),
		WithGroupMetrics(env.Metrics),
		WithGroupTracerProvider(env.TracerProvider),
		WithGroupOutput(env.Output),
	)
	if err != nil {
		return nil, err
	}
	return &eachGroupStage{runner: runner, resultsKey: args.ResultsKey}, nil
}

// Invoke implements the Stage interface.
func (s *eachGroupStage) Invoke(ctx context.Context, inv Invocation) (Record, error) {
	raw, ok := inv.Inputs[s.resultsKey]
	if !ok {
		return nil, &MissingKeyError{StageName: inv.Stage, Key: s.resultsKey, Source: SourceData}
	}
	groups, err := toGroups(raw)
	if err != nil {
		return nil, fmt.Errorf("input %q: %w", s.resultsKey, err)
	}
	shared := make(Record, len(inv.Inputs))
	for k, v := range inv.Inputs {
		if k != s.resultsKey {
			shared[k] = v
		}
	}
	updated, err := s.runner.Run(ctx, groups, shared)
	if err != nil {
		return nil, err
	}
	return Record{s.resultsKey: updated}, nil
}

// toGroups converts a group mapping value into map[string]Record.
func toGroups(v any) (map[string]Record, error) {
	var raw map[string]any
	switch t := v.(type) {
	case map[string]Record:
		return t, nil
	case Record:
		raw = t
	case map[string]any:
		raw = t
	default:
		return nil, fmt.Errorf("expected a mapping of groups, got %T", v)
	}
	groups := make(map[string]Record, len(raw))
	for id, g := range raw {
		switch r := g.(type) {
		case Record:
			groups[id] = r
		case map[string]any:
			groups[id] = Record(r)
		default:
			return nil, fmt.Errorf("group %q: expected a mapping, got %T", id, g)
		}
	}
	return groups, nil
}
