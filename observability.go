package stageflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	otelTrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ObservabilityFactory creates observability components from pipeline configuration.
type ObservabilityFactory struct {
	logger *zap.Logger
}

// NewObservabilityFactory creates a new factory for observability components.
// The logger is used by the logging metrics collector.
func NewObservabilityFactory(logger *zap.Logger) *ObservabilityFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ObservabilityFactory{logger: logger}
}

// CreateTracerProvider creates a TracerProvider based on the pipeline tracing configuration.
func (f *ObservabilityFactory) CreateTracerProvider(
	ctx context.Context,
	config TracingConfig,
	serviceName string,
) (TracerProvider, error) {
	if !config.Enabled {
		return &NoopTracerProvider{}, nil
	}

	switch config.Type {
	case TracingTypeNoop, "":
		return &NoopTracerProvider{}, nil
	case TracingTypeOTLP:
		if config.Endpoint == "" {
			return nil, errors.New("otlp endpoint is required")
		}
		exporter, err := otlptracegrpc.New(
			ctx,
			otlptracegrpc.WithEndpoint(config.Endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		return newSDKTracerProvider(ctx, exporter, serviceName)
	case TracingTypeZipkin:
		if config.Endpoint == "" {
			return nil, errors.New("zipkin endpoint is required")
		}
		exporter, err := zipkin.New(config.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to create Zipkin exporter: %w", err)
		}
		return newSDKTracerProvider(ctx, exporter, serviceName)
	default:
		return nil, fmt.Errorf("unsupported tracing type: %s", config.Type)
	}
}

func newSDKTracerProvider(ctx context.Context, exporter sdktrace.SpanExporter, serviceName string) (*SDKTracerProvider, error) {
	res, err := resource.New(
		ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return NewSDKTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

// CreateMetricsCollector creates a MetricsCollector based on the pipeline metrics configuration.
func (f *ObservabilityFactory) CreateMetricsCollector(config MetricsConfig) (MetricsCollector, error) {
	if !config.Enabled {
		return &NoopMetricsCollector{}, nil
	}

	switch config.Type {
	case MetricsTypeNoop, "":
		return &NoopMetricsCollector{}, nil
	case MetricsTypePrometheus:
		return NewPrometheusMetricsCollector(nil), nil
	case MetricsTypeLogging:
		return NewLoggingMetricsCollector(f.logger), nil
	default:
		return nil, fmt.Errorf("unsupported metrics type: %s", config.Type)
	}
}

// SDKTracerProvider wraps the OpenTelemetry SDK TracerProvider.
type SDKTracerProvider struct {
	tp *sdktrace.TracerProvider
}

// NewSDKTracerProvider creates an SDK backed provider. Tests pass a span
// recorder through sdktrace.WithSpanProcessor.
func NewSDKTracerProvider(options ...sdktrace.TracerProviderOption) *SDKTracerProvider {
	return &SDKTracerProvider{tp: sdktrace.NewTracerProvider(options...)}
}

// Tracer returns a tracer from the underlying provider.
func (p *SDKTracerProvider) Tracer(name string, options ...otelTrace.TracerOption) otelTrace.Tracer {
	return p.tp.Tracer(name, options...)
}

// Shutdown flushes and stops the underlying provider.
func (p *SDKTracerProvider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}

// Ensure SDKTracerProvider implements TracerProvider.
var _ TracerProvider = (*SDKTracerProvider)(nil)

// LoggingMetricsCollector writes metrics as structured log entries.
// Useful during development and in tests.
type LoggingMetricsCollector struct {
	logger *zap.Logger
}

// NewLoggingMetricsCollector creates a collector logging at debug level.
func NewLoggingMetricsCollector(logger *zap.Logger) *LoggingMetricsCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingMetricsCollector{logger: logger.Named("metrics")}
}

// Ensure LoggingMetricsCollector implements MetricsCollector.
var _ MetricsCollector = (*LoggingMetricsCollector)(nil)

// StageStarted logs when a stage starts.
func (l *LoggingMetricsCollector) StageStarted(_ context.Context, phase Phase, stageName string) {
	l.logger.Debug("stage started", zap.String("phase", string(phase)), zap.String("stage", stageName))
}

// StageCompleted logs when a stage completes.
func (l *LoggingMetricsCollector) StageCompleted(
	_ context.Context,
	phase Phase,
	stageName string,
	duration time.Duration,
	iterations int,
) {
	l.logger.Debug("stage completed",
		zap.String("phase", string(phase)),
		zap.String("stage", stageName),
		zap.Duration("duration", duration),
		zap.Int("iterations", iterations))
}

// StageError logs when a stage errors.
func (l *LoggingMetricsCollector) StageError(_ context.Context, phase Phase, stageName string, err error) {
	l.logger.Debug("stage error", zap.String("phase", string(phase)), zap.String("stage", stageName), zap.Error(err))
}

// StageSkipped logs when a stage is toggled off.
func (l *LoggingMetricsCollector) StageSkipped(_ context.Context, phase Phase, stageName string) {
	l.logger.Debug("stage skipped", zap.String("phase", string(phase)), zap.String("stage", stageName))
}

// PipelineStarted logs when a phase run starts.
func (l *LoggingMetricsCollector) PipelineStarted(_ context.Context, pipelineName string, phase Phase) {
	l.logger.Debug("pipeline started", zap.String("pipeline", pipelineName), zap.String("phase", string(phase)))
}

// PipelineCompleted logs when a phase run ends.
func (l *LoggingMetricsCollector) PipelineCompleted(
	_ context.Context,
	pipelineName string,
	phase Phase,
	duration time.Duration,
	err error,
) {
	l.logger.Debug("pipeline completed",
		zap.String("pipeline", pipelineName),
		zap.String("phase", string(phase)),
		zap.Duration("duration", duration),
		zap.Error(err))
}

// MergeKeyUnstacked logs keys left as plain sequences.
func (l *LoggingMetricsCollector) MergeKeyUnstacked(_ context.Context, key string) {
	l.logger.Debug("merge key unstacked", zap.String("key", key))
}

// PrometheusMetricsCollector implements MetricsCollector for Prometheus.
type PrometheusMetricsCollector struct {
	registry *prometheus.Registry

	stageInvocations  *prometheus.CounterVec
	stageDuration     *prometheus.HistogramVec
	stageErrors       *prometheus.CounterVec
	stageSkipped      *prometheus.CounterVec
	pipelineRuns      *prometheus.CounterVec
	pipelineDuration  *prometheus.HistogramVec
	mergeUnstackedKey *prometheus.CounterVec
}

// Ensure PrometheusMetricsCollector implements MetricsCollector.
var _ MetricsCollector = (*PrometheusMetricsCollector)(nil)

// NewPrometheusMetricsCollector registers the pipeline metrics in reg.
// A nil reg creates a fresh registry.
func NewPrometheusMetricsCollector(reg *prometheus.Registry) *PrometheusMetricsCollector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &PrometheusMetricsCollector{
		registry: reg,
		stageInvocations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stageflow_stage_started_total",
			Help: "Total number of stage runs started",
		}, []string{"phase", "stage"}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name: "stageflow_stage_duration_seconds",
			Help: "Duration of a stage across all its repetitions in seconds",
		}, []string{"phase", "stage"}),
		stageErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stageflow_stage_errors_total",
			Help: "Total number of stage errors by type",
		}, []string{"phase", "stage", "error_type"}),
		stageSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stageflow_stage_skipped_total",
			Help: "Total number of stage runs toggled off",
		}, []string{"phase", "stage"}),
		pipelineRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stageflow_pipeline_started_total",
			Help: "Total number of phase runs started",
		}, []string{"pipeline", "phase"}),
		pipelineDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name: "stageflow_pipeline_duration_seconds",
			Help: "Duration of phase runs in seconds",
		}, []string{"pipeline", "phase", "status"}),
		mergeUnstackedKey: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stageflow_merge_unstacked_total",
			Help: "Total number of keys the merger left unstacked",
		}, []string{"key"}),
	}
}

// Registry returns the Prometheus registry holding the collector's metrics.
func (p *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return p.registry
}

// StageStarted increments the stage started counter.
func (p *PrometheusMetricsCollector) StageStarted(_ context.Context, phase Phase, stageName string) {
	p.stageInvocations.WithLabelValues(string(phase), stageName).Inc()
}

// StageCompleted records stage completion duration.
func (p *PrometheusMetricsCollector) StageCompleted(
	_ context.Context,
	phase Phase,
	stageName string,
	duration time.Duration,
	_ int,
) {
	p.stageDuration.WithLabelValues(string(phase), stageName).Observe(duration.Seconds())
}

// StageError increments the stage error counter.
func (p *PrometheusMetricsCollector) StageError(_ context.Context, phase Phase, stageName string, err error) {
	p.stageErrors.WithLabelValues(string(phase), stageName, fmt.Sprintf("%T", err)).Inc()
}

// StageSkipped increments the stage skipped counter.
func (p *PrometheusMetricsCollector) StageSkipped(_ context.Context, phase Phase, stageName string) {
	p.stageSkipped.WithLabelValues(string(phase), stageName).Inc()
}

// PipelineStarted increments the pipeline started counter.
func (p *PrometheusMetricsCollector) PipelineStarted(_ context.Context, pipelineName string, phase Phase) {
	p.pipelineRuns.WithLabelValues(pipelineName, string(phase)).Inc()
}

// PipelineCompleted records phase duration.
func (p *PrometheusMetricsCollector) PipelineCompleted(
	_ context.Context,
	pipelineName string,
	phase Phase,
	duration time.Duration,
	err error,
) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	p.pipelineDuration.WithLabelValues(pipelineName, string(phase), status).Observe(duration.Seconds())
}

// MergeKeyUnstacked increments the unstacked key counter.
func (p *PrometheusMetricsCollector) MergeKeyUnstacked(_ context.Context, key string) {
	p.mergeUnstackedKey.WithLabelValues(key).Inc()
}
