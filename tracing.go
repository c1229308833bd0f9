package stageflow

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/synoptiq/go-stageflow"

// TracerProvider hands out tracers for pipeline spans.
type TracerProvider interface {
	Tracer(name string, options ...trace.TracerOption) trace.Tracer
	Shutdown(ctx context.Context) error
}

// NoopTracerProvider creates tracers that record nothing.
type NoopTracerProvider struct{}

// Tracer returns a no-op tracer.
func (*NoopTracerProvider) Tracer(name string, options ...trace.TracerOption) trace.Tracer {
	return noop.NewTracerProvider().Tracer(name, options...)
}

// Shutdown implements TracerProvider.
func (*NoopTracerProvider) Shutdown(_ context.Context) error { return nil }

// GlobalTracerProvider delegates to the provider registered with otel.SetTracerProvider.
type GlobalTracerProvider struct{}

// Tracer returns a tracer from the global provider.
func (*GlobalTracerProvider) Tracer(name string, options ...trace.TracerOption) trace.Tracer {
	return otel.GetTracerProvider().Tracer(name, options...)
}

// Shutdown implements TracerProvider. The global provider is owned by the caller.
func (*GlobalTracerProvider) Shutdown(_ context.Context) error { return nil }

// DefaultTracerProvider is used when no provider is configured.
var DefaultTracerProvider TracerProvider = &GlobalTracerProvider{}

// Ensure the built-in providers implement TracerProvider.
var (
	_ TracerProvider = (*NoopTracerProvider)(nil)
	_ TracerProvider = (*GlobalTracerProvider)(nil)
)

// Span attribute keys.
const (
	attrRunID     = attribute.Key("stageflow.run_id")
	attrPipeline  = attribute.Key("stageflow.pipeline")
	attrPhase     = attribute.Key("stageflow.phase")
	attrStage     = attribute.Key("stageflow.stage")
	attrIteration = attribute.Key("stageflow.iteration")
	attrRepeat    = attribute.Key("stageflow.repeat")
	attrGroup     = attribute.Key("stageflow.group")
)

// invokeTraced runs one stage invocation inside a span.
func invokeTraced(ctx context.Context, tracer trace.Tracer, phase Phase, stage Stage, inv Invocation, attrs ...attribute.KeyValue) (Record, error) {
	ctx, span := tracer.Start(
		ctx,
		fmt.Sprintf("%s.%s", phase, inv.Stage),
		trace.WithAttributes(
			attrPhase.String(string(phase)),
			attrStage.String(inv.Stage),
			attrIteration.Int(inv.Iteration),
			attrRepeat.Int(inv.Repeat),
		),
		trace.WithAttributes(attrs...),
	)
	defer span.End()

	start := time.Now()
	out, err := stage.Invoke(ctx, inv)
	span.SetAttributes(attribute.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return out, nil
}
