package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"

	"github.com/synoptiq/go-stageflow"
	"github.com/synoptiq/go-stageflow/stages"
)

// A small motion capture style pipeline: every frame is "detected" and
// "triangulated" in the step phase; the final phase smooths the stacked
// trajectory a few times and writes it to disk.
const pipelineYAML = `version: "1.0.0"
pipeline_name: mocap-demo
output: %s
keys_keep: [frame]
timer: true
at_step:
  detect:
    module: detect
    key_from_data: [image]
  debug_view:
    module: skip
  triangulate:
    module: triangulate
    key_from_previous: [keypoints2d]
at_final:
  seed:
    module: select
    key_from_data: [keypoints3d]
  smooth:
    module: smooth
    key_from_previous: [keypoints3d]
    repeat: 3
  write:
    module: write_yaml
    key_from_previous: [keypoints3d]
    key_from_data: [frame]
    args: {file: keypoints3d.yml}
`

// detect fakes a 2D keypoint detector: two keypoints per image.
func detect(_ stageflow.BuildEnv, _ stageflow.Args) (stageflow.Stage, error) {
	return stageflow.StageFunc(func(_ context.Context, inv stageflow.Invocation) (stageflow.Record, error) {
		t := inv.Inputs["image"].(float64)
		kpts := stageflow.Zeros(2, 2)
		kpts.Set(math.Cos(t), 0, 0)
		kpts.Set(math.Sin(t), 0, 1)
		kpts.Set(1+math.Cos(t), 1, 0)
		kpts.Set(1+math.Sin(t), 1, 1)
		return stageflow.Record{"keypoints2d": kpts}, nil
	}), nil
}

// triangulate lifts the 2D keypoints with a constant depth.
func triangulate(_ stageflow.BuildEnv, args stageflow.Args) (stageflow.Stage, error) {
	depth, err := args.Float("depth", 2.5)
	if err != nil {
		return nil, err
	}
	return stageflow.StageFunc(func(_ context.Context, inv stageflow.Invocation) (stageflow.Record, error) {
		k2d := inv.Inputs["keypoints2d"].(*stageflow.Array)
		n := k2d.Shape()[0]
		k3d := stageflow.Zeros(n, 3)
		for i := 0; i < n; i++ {
			k3d.Set(k2d.At(i, 0), i, 0)
			k3d.Set(k2d.At(i, 1), i, 1)
			k3d.Set(depth, i, 2)
		}
		return stageflow.Record{"keypoints3d": k3d}, nil
	}), nil
}

// smooth averages every frame with its neighbours. The seed stage copies
// the merged trajectory into the accumulator, so every pass reads the
// output of the previous one.
func smooth(_ stageflow.BuildEnv, _ stageflow.Args) (stageflow.Stage, error) {
	return stageflow.StageFunc(func(_ context.Context, inv stageflow.Invocation) (stageflow.Record, error) {
		in := inv.Inputs["keypoints3d"].(*stageflow.Array)
		shape := in.Shape()
		out := stageflow.Zeros(shape...)
		frames := shape[0]
		for f := 0; f < frames; f++ {
			lo, hi := max(f-1, 0), min(f+1, frames-1)
			for j := 0; j < shape[1]; j++ {
				for c := 0; c < shape[2]; c++ {
					sum := 0.0
					for k := lo; k <= hi; k++ {
						sum += in.At(k, j, c)
					}
					out.Set(sum/float64(hi-lo+1), f, j, c)
				}
			}
		}
		fmt.Printf("   🔁 smoothing pass %d/%d\n", inv.Iteration+1, inv.Repeat)
		return stageflow.Record{"keypoints3d": out}, nil
	}), nil
}

func main() {
	fmt.Println("🎬 Stageflow multi-stage pipeline demo")
	fmt.Println("======================================")

	output, err := os.MkdirTemp("", "stageflow-demo")
	if err != nil {
		log.Fatal(err)
	}
	config, err := stageflow.LoadPipelineConfigFromYAML([]byte(fmt.Sprintf(pipelineYAML, output)))
	if err != nil {
		log.Fatalf("❌ invalid configuration: %v", err)
	}

	registry := stageflow.NewRegistry()
	registry.MustRegister("detect", detect)
	registry.MustRegister("triangulate", triangulate)
	registry.MustRegister("smooth", smooth)
	if err := stages.Register(registry); err != nil {
		log.Fatal(err)
	}

	logger, err := stageflow.NewLogger(stageflow.LoggingConfig{Level: "info", Development: true})
	if err != nil {
		log.Fatal(err)
	}
	ms, err := stageflow.New(config, registry, stageflow.WithLogger(logger))
	if err != nil {
		log.Fatalf("❌ failed to build pipeline: %v", err)
	}
	defer func() { _ = ms.Close(context.Background()) }()

	records := make([]stageflow.Record, 8)
	for i := range records {
		records[i] = stageflow.Record{"frame": i, "image": float64(i) / 4}
	}

	fmt.Printf("\n▶️  Running %d frames through %v\n", len(records), ms.StepStages())
	result, err := ms.Run(context.Background(), records)
	if err != nil {
		log.Fatalf("❌ pipeline failed: %v", err)
	}

	k3d := result["keypoints3d"].(*stageflow.Array)
	fmt.Printf("\n✅ Smoothed trajectory shape %v, written to %s/keypoints3d.yml\n", k3d.Shape(), output)
}
