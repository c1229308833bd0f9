package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/synoptiq/go-stageflow"
)

// A grouped pipeline traced over OTLP. Each tracked person is fitted on its
// own through the each_group module; every stage call becomes a span.
const pipelineYAML = `version: "1.0.0"
pipeline_name: tracing-demo
at_step:
  track:
    module: track
    key_from_data: [frame]
  fit_people:
    module: each_group
    key_from_previous: [results]
    args:
      keys_keep: [height]
      stages:
        measure:
          module: measure
          key_from_data: [frames]
          repeat: 2
`

func track(_ stageflow.BuildEnv, _ stageflow.Args) (stageflow.Stage, error) {
	return stageflow.StageFunc(func(_ context.Context, inv stageflow.Invocation) (stageflow.Record, error) {
		frame := inv.Inputs["frame"].(int)
		people := map[string]any{}
		for id := 0; id <= frame%3; id++ {
			frames := make([]any, id+2)
			for i := range frames {
				frames[i] = float64(frame + i)
			}
			people[fmt.Sprintf("person_%d", id)] = map[string]any{"frames": frames}
		}
		return stageflow.Record{"results": people}, nil
	}), nil
}

func measure(_ stageflow.BuildEnv, _ stageflow.Args) (stageflow.Stage, error) {
	return stageflow.StageFunc(func(_ context.Context, inv stageflow.Invocation) (stageflow.Record, error) {
		frames := inv.Inputs["frames"].([]any)
		return stageflow.Record{"height": 1.6 + 0.01*float64(len(frames)+inv.Iteration)}, nil
	}), nil
}

func main() {
	fmt.Println("🔭 Stageflow tracing demo")

	endpoint := os.Getenv("OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	fmt.Printf("   Using OTLP endpoint: %s\n", endpoint)

	ctx := context.Background()
	logger, err := stageflow.NewLogger(stageflow.LoggingConfig{Level: "info"})
	if err != nil {
		log.Fatal(err)
	}
	factory := stageflow.NewObservabilityFactory(logger)
	provider, err := factory.CreateTracerProvider(ctx, stageflow.TracingConfig{
		Enabled:  true,
		Type:     stageflow.TracingTypeOTLP,
		Endpoint: endpoint,
	}, "stageflow-tracing-example")
	if err != nil {
		log.Fatalf("❌ failed to create tracer provider: %v", err)
	}
	defer func() {
		if err := provider.Shutdown(ctx); err != nil {
			log.Printf("tracer shutdown: %v", err)
		}
	}()

	config, err := stageflow.LoadPipelineConfigFromYAML([]byte(pipelineYAML))
	if err != nil {
		log.Fatal(err)
	}
	registry := stageflow.NewRegistry()
	if err := registry.RegisterBuiltins(); err != nil {
		log.Fatal(err)
	}
	registry.MustRegister("track", track)
	registry.MustRegister("measure", measure)

	ms, err := stageflow.New(config, registry,
		stageflow.WithLogger(logger),
		stageflow.WithTracerProvider(provider))
	if err != nil {
		log.Fatal(err)
	}

	for frame := 0; frame < 4; frame++ {
		acc, err := ms.RunStep(ctx, stageflow.Record{"frame": frame})
		if err != nil {
			log.Fatalf("❌ frame %d failed: %v", frame, err)
		}
		people := acc["results"].(map[string]stageflow.Record)
		fmt.Printf("   frame %d: fitted %d people\n", frame, len(people))
	}
	fmt.Println("✅ Done. Open your tracing backend to inspect the step.* and group.* spans.")
}
