package stageflow

import (
	"context"
	"time"
)

// MetricsCollector defines an interface for collecting metrics about pipeline runs.
// This allows for integration with various monitoring systems like Prometheus.
type MetricsCollector interface {
	// StageStarted is called before a stage is invoked for the first repetition.
	StageStarted(ctx context.Context, phase Phase, stageName string)
	// StageCompleted is called when all repetitions of a stage succeeded.
	StageCompleted(ctx context.Context, phase Phase, stageName string, duration time.Duration, iterations int)
	// StageError is called when a stage invocation fails.
	StageError(ctx context.Context, phase Phase, stageName string, err error)
	// StageSkipped is called when a loaded stage is toggled off with skip: true.
	StageSkipped(ctx context.Context, phase Phase, stageName string)

	// PipelineStarted is called when a phase run begins.
	PipelineStarted(ctx context.Context, pipelineName string, phase Phase)
	// PipelineCompleted is called when a phase run ends, successfully or not.
	PipelineCompleted(ctx context.Context, pipelineName string, phase Phase, duration time.Duration, err error)

	// MergeKeyUnstacked is called when the merger leaves a key as a plain sequence.
	MergeKeyUnstacked(ctx context.Context, key string)
}

// NoopMetricsCollector is a metrics collector that does nothing.
// It's useful as a default when no metrics collection is needed.
type NoopMetricsCollector struct{}

// DefaultMetricsCollector is the collector used when none is configured.
var DefaultMetricsCollector MetricsCollector = &NoopMetricsCollector{}

// StageStarted implements MetricsCollector.
func (*NoopMetricsCollector) StageStarted(_ context.Context, _ Phase, _ string) {}

// StageCompleted implements MetricsCollector.
func (*NoopMetricsCollector) StageCompleted(_ context.Context, _ Phase, _ string, _ time.Duration, _ int) {
}

// StageError implements MetricsCollector.
func (*NoopMetricsCollector) StageError(_ context.Context, _ Phase, _ string, _ error) {}

// StageSkipped implements MetricsCollector.
func (*NoopMetricsCollector) StageSkipped(_ context.Context, _ Phase, _ string) {}

// PipelineStarted implements MetricsCollector.
func (*NoopMetricsCollector) PipelineStarted(_ context.Context, _ string, _ Phase) {}

// PipelineCompleted implements MetricsCollector.
func (*NoopMetricsCollector) PipelineCompleted(_ context.Context, _ string, _ Phase, _ time.Duration, _ error) {
}

// MergeKeyUnstacked implements MetricsCollector.
func (*NoopMetricsCollector) MergeKeyUnstacked(_ context.Context, _ string) {}

// Ensure NoopMetricsCollector implements MetricsCollector.
var _ MetricsCollector = (*NoopMetricsCollector)(nil)
