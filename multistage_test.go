package stageflow_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/synoptiq/go-stageflow"
)

func newPipeline(t *testing.T, yamlConfig string, log *callLog, options ...stageflow.Option) *stageflow.MultiStage {
	t.Helper()
	config, err := stageflow.LoadPipelineConfigFromYAML([]byte(yamlConfig))
	require.NoError(t, err)
	ms, err := stageflow.New(config, newTestRegistry(log), options...)
	require.NoError(t, err)
	return ms
}

func TestSkipModuleIsNeverLoadedOrInvoked(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	log := &callLog{}
	ms := newPipeline(t, `version: "1"
at_step:
  a: {module: const}
  b: {module: skip}
at_final:
  c: {module: skip}
  d: {module: const}
`, log, stageflow.WithLogger(zap.New(core)))

	assert.Equal(t, []string{"a"}, ms.StepStages())
	assert.Nil(t, ms.FinalStages(), "final stages load lazily")
	assert.Equal(t, 1, logs.FilterMessage("stage is not used").Len())

	_, err := ms.RunStep(context.Background(), stageflow.Record{})
	require.NoError(t, err)
	_, err = ms.RunFinal(context.Background(), stageflow.Record{})
	require.NoError(t, err)

	assert.Equal(t, []string{"d"}, ms.FinalStages())
	assert.Equal(t, []string{"a", "d"}, log.stages())
	assert.Equal(t, 2, logs.FilterMessage("stage is not used").Len())
}

func TestRunStepRoutingAndAccumulation(t *testing.T) {
	log := &callLog{}
	ms := newPipeline(t, `version: "1"
keys_keep: [frame]
at_step:
  load:
    module: const
    args:
      values: {img: pixels, shared: first}
  detect:
    module: echo
    args: {prefix: "seen_"}
    key_from_data: [camera]
    key_from_previous: [img]
    key_keep: [intrinsics]
  overwrite:
    module: const
    args:
      values: {shared: second}
`, log)

	record := stageflow.Record{
		"meta":       map[string]any{"seq": "s1"},
		"frame":      7,
		"camera":     "cam0",
		"intrinsics": "K",
		"ignored":    "never copied",
	}
	acc, err := ms.RunStep(context.Background(), record)
	require.NoError(t, err)

	assert.Equal(t, stageflow.Record{
		"meta":        map[string]any{"seq": "s1"},
		"frame":       7,
		"intrinsics":  "K",
		"img":         "pixels",
		"shared":      "second",
		"seen_camera": "cam0",
		"seen_img":    "pixels",
	}, acc)

	detect := log.of("detect")
	require.Len(t, detect, 1)
	assert.Equal(t, stageflow.Record{"camera": "cam0", "img": "pixels"}, detect[0].inputs,
		"key_keep entries are not passed as arguments")
	assert.Equal(t, 0, detect[0].iteration)
	assert.Equal(t, 1, detect[0].repeat)
}

func TestRunStepIsIdempotentForStatelessStages(t *testing.T) {
	ms := newPipeline(t, `version: "1"
at_step:
  load: {module: const, args: {values: {x: 1}}}
  echo: {module: echo, key_from_data: [y], key_from_previous: [x]}
`, &callLog{})

	record := stageflow.Record{"y": 2}
	first, err := ms.RunStep(context.Background(), record)
	require.NoError(t, err)
	second, err := ms.RunStep(context.Background(), record)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, stageflow.Record{"y": 2}, record, "input record is not modified")
}

func TestRunStepMissingPreviousKeyFailsBeforeInvocation(t *testing.T) {
	log := &callLog{}
	ms := newPipeline(t, `version: "1"
at_step:
  first: {module: const, args: {values: {y: 1}}}
  needs_x: {module: echo, key_from_previous: [x]}
`, log)

	_, err := ms.RunStep(context.Background(), stageflow.Record{"x": "only in data"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, stageflow.ErrMissingKey))

	var missing *stageflow.MissingKeyError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "needs_x", missing.StageName)
	assert.Equal(t, "x", missing.Key)
	assert.Equal(t, stageflow.SourcePrevious, missing.Source)
	assert.Empty(t, log.of("needs_x"))
}

func TestRunStepMissingGlobalKeepKey(t *testing.T) {
	ms := newPipeline(t, `version: "1"
keys_keep: [frame]
at_step:
  a: {module: const}
`, &callLog{})

	_, err := ms.RunStep(context.Background(), stageflow.Record{})
	assert.True(t, errors.Is(err, stageflow.ErrMissingKey))
}

func TestRunStepStageFailureAborts(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	log := &callLog{}
	ms := newPipeline(t, `version: "1"
at_step:
  a: {module: const}
  broken: {module: fail}
  after: {module: const}
`, log, stageflow.WithLogger(zap.New(core)))

	_, err := ms.RunStep(context.Background(), stageflow.Record{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errBoom))

	var stageErr *stageflow.StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, "broken", stageErr.StageName)
	assert.Equal(t, stageflow.PhaseStep, stageErr.Phase)

	assert.Equal(t, []string{"a", "broken"}, log.stages())
	require.Equal(t, 1, logs.FilterMessage("stage failed").Len())
	fields := logs.FilterMessage("stage failed").All()[0].ContextMap()
	assert.Equal(t, "broken", fields["stage"])
	assert.Equal(t, "step", fields["phase"])
	assert.NotEmpty(t, fields["run_id"])
}

func TestRunStepTimingTable(t *testing.T) {
	var buf bytes.Buffer
	ms := newPipeline(t, `version: "1"
timer: true
at_step:
  load: {module: const}
  detect: {module: const}
  later: {module: const, skip: true}
`, &callLog{}, stageflow.WithTimingWriter(&buf))

	_, err := ms.RunStep(context.Background(), stageflow.Record{})
	require.NoError(t, err)

	timings := ms.LastStepTimings()
	require.NotNil(t, timings)
	assert.Equal(t, []string{"load", "detect", "later"}, timings.Stages())
	_, ran := timings.Duration("load")
	assert.True(t, ran)
	_, ran = timings.Duration("later")
	assert.False(t, ran)
	assert.Len(t, timings.Entries(), 2)

	assert.Contains(t, buf.String(), "detect")
	assert.Contains(t, buf.String(), "skip")
}

func TestRunFinalRepeatSemantics(t *testing.T) {
	log := &callLog{}
	ms := newPipeline(t, `version: "1"
at_step:
  a: {module: const}
at_final:
  refine:
    module: iter
    args: {key: step}
    repeat: 3
  after:
    module: echo
    args: {prefix: "final_"}
    key_from_previous: [step]
`, log)

	acc, err := ms.RunFinal(context.Background(), stageflow.Record{})
	require.NoError(t, err)

	refine := log.of("refine")
	require.Len(t, refine, 3)
	for i, c := range refine {
		assert.Equal(t, i, c.iteration)
		assert.Equal(t, 3, c.repeat)
	}
	assert.Equal(t, 2, acc["step"], "the last iteration wins")
	assert.Equal(t, true, acc["step_0"])
	assert.Equal(t, true, acc["step_2"])
	assert.Equal(t, 2, acc["final_step"])

	timings := ms.LastFinalTimings()
	require.NotNil(t, timings)
	assert.Equal(t, []string{"refine", "after"}, timings.Stages())
}

func TestRunFinalRepeatedStageSeesItsOwnOutput(t *testing.T) {
	log := &callLog{}
	registry := newTestRegistry(log)
	registry.MustRegister("accumulate", func(_ stageflow.BuildEnv, _ stageflow.Args) (stageflow.Stage, error) {
		return stageflow.StageFunc(func(_ context.Context, inv stageflow.Invocation) (stageflow.Record, error) {
			total := inv.Inputs["total"].(int)
			return stageflow.Record{"total": total + 10}, nil
		}), nil
	})
	config, err := stageflow.NewConfigBuilder("acc").
		Final("seed", stageflow.StageDescriptor{Module: "produce", Args: stageflow.Args{"key": "total", "value": 1}}).
		Final("add", stageflow.StageDescriptor{Module: "accumulate", KeyFromPrevious: []string{"total"}, Repeat: 4}).
		Build()
	require.NoError(t, err)

	ms, err := stageflow.New(config, registry)
	require.NoError(t, err)
	acc, err := ms.RunFinal(context.Background(), stageflow.Record{})
	require.NoError(t, err)
	assert.Equal(t, 41, acc["total"])
}

func TestRunFinalFailureReportsIteration(t *testing.T) {
	registry := stageflow.NewRegistry()
	registry.MustRegister("flaky", func(_ stageflow.BuildEnv, _ stageflow.Args) (stageflow.Stage, error) {
		return stageflow.StageFunc(func(_ context.Context, inv stageflow.Invocation) (stageflow.Record, error) {
			if inv.Iteration == 1 {
				return nil, errBoom
			}
			return stageflow.Record{"ok": inv.Iteration}, nil
		}), nil
	})
	config, err := stageflow.NewConfigBuilder("flaky").
		Final("fit", stageflow.StageDescriptor{Module: "flaky", Repeat: 3}).
		Build()
	require.NoError(t, err)
	ms, err := stageflow.New(config, registry)
	require.NoError(t, err)

	_, err = ms.RunFinal(context.Background(), stageflow.Record{})
	var stageErr *stageflow.StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, stageflow.PhaseFinal, stageErr.Phase)
	assert.Equal(t, 1, stageErr.Iteration)
	assert.True(t, errors.Is(err, errBoom))
}

func TestFinalStagesLoadOnce(t *testing.T) {
	builds := 0
	registry := stageflow.NewRegistry()
	registry.MustRegister("counted", func(_ stageflow.BuildEnv, _ stageflow.Args) (stageflow.Stage, error) {
		builds++
		return stageflow.StageFunc(func(context.Context, stageflow.Invocation) (stageflow.Record, error) {
			return nil, nil
		}), nil
	})
	config, err := stageflow.NewConfigBuilder("lazy").
		Step("s", stageflow.StageDescriptor{Module: "counted"}).
		Final("f", stageflow.StageDescriptor{Module: "counted"}).
		Build()
	require.NoError(t, err)

	ms, err := stageflow.New(config, registry)
	require.NoError(t, err)
	assert.Equal(t, 1, builds, "only step stages are built eagerly")

	for i := 0; i < 3; i++ {
		_, err = ms.Finalize(context.Background(), []stageflow.Record{{}})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, builds)
}

func TestUnknownModule(t *testing.T) {
	config, err := stageflow.NewConfigBuilder("unknown").
		Step("mystery", stageflow.StageDescriptor{Module: "does_not_exist"}).
		Build()
	require.NoError(t, err)

	_, err = stageflow.New(config, stageflow.NewRegistry())
	require.Error(t, err)
	assert.True(t, errors.Is(err, stageflow.ErrUnknownModule))

	var unknown *stageflow.UnknownModuleError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "mystery", unknown.StageName)
	assert.Equal(t, "does_not_exist", unknown.Module)
}

func TestFactoryReceivesOutputAndArgs(t *testing.T) {
	var got stageflow.BuildEnv
	var gotArgs stageflow.Args
	registry := stageflow.NewRegistry()
	registry.MustRegister("writer", func(env stageflow.BuildEnv, args stageflow.Args) (stageflow.Stage, error) {
		got, gotArgs = env, args
		return stageflow.StageFunc(func(context.Context, stageflow.Invocation) (stageflow.Record, error) {
			return nil, nil
		}), nil
	})
	config, err := stageflow.NewConfigBuilder("env").
		Output("/results").
		Step("write", stageflow.StageDescriptor{Module: "writer", Args: stageflow.Args{"fps": 30}}).
		Build()
	require.NoError(t, err)

	_, err = stageflow.New(config, registry)
	require.NoError(t, err)
	assert.Equal(t, "/results", got.Output)
	assert.Equal(t, "write", got.StageName)
	assert.Same(t, registry, got.Registry)
	assert.Equal(t, 30, gotArgs["fps"])
}

// Two step records through load/detect with a toggled-off stage, merged,
// then a final stage repeated twice.
func TestEndToEnd(t *testing.T) {
	log := &callLog{}
	registry := newTestRegistry(log)
	registry.MustRegister("load", func(_ stageflow.BuildEnv, _ stageflow.Args) (stageflow.Stage, error) {
		return stageflow.StageFunc(func(_ context.Context, inv stageflow.Invocation) (stageflow.Record, error) {
			log.calls = append(log.calls, call{stage: inv.Stage})
			return stageflow.Record{"img": stageflow.Vector(1, 2, 3)}, nil
		}), nil
	})
	registry.MustRegister("detect", func(_ stageflow.BuildEnv, _ stageflow.Args) (stageflow.Stage, error) {
		return stageflow.StageFunc(func(_ context.Context, inv stageflow.Invocation) (stageflow.Record, error) {
			log.calls = append(log.calls, call{stage: inv.Stage})
			img := inv.Inputs["img"].(*stageflow.Array)
			return stageflow.Record{"boxes": stageflow.Vector(img.At(0), img.At(2))}, nil
		}), nil
	})
	registry.MustRegister("fit", func(_ stageflow.BuildEnv, _ stageflow.Args) (stageflow.Stage, error) {
		return stageflow.StageFunc(func(_ context.Context, inv stageflow.Invocation) (stageflow.Record, error) {
			log.calls = append(log.calls, call{stage: inv.Stage, iteration: inv.Iteration})
			boxes := inv.Inputs["boxes"].(*stageflow.Array)
			return stageflow.Record{
				"frames":    boxes.Shape()[0],
				"iteration": inv.Iteration + 1,
			}, nil
		}), nil
	})

	config, err := stageflow.LoadPipelineConfigFromYAML([]byte(`version: "1"
pipeline_name: e2e
at_step:
  load: {module: load}
  detect: {module: detect, key_from_data: [img]}
  skip_stage: {module: fail, skip: true}
at_final:
  fit: {module: fit, key_from_data: [boxes], repeat: 2}
`))
	require.NoError(t, err)
	ms, err := stageflow.New(config, registry)
	require.NoError(t, err)

	ctx := context.Background()
	inputs := []stageflow.Record{
		{"img": stageflow.Vector(1, 2, 3)},
		{"img": stageflow.Vector(4, 5, 6)},
	}
	var outputs []stageflow.Record
	for _, in := range inputs {
		out, errStep := ms.RunStep(ctx, in)
		require.NoError(t, errStep)
		outputs = append(outputs, out)

		timings := ms.LastStepTimings()
		assert.Len(t, timings.Entries(), 2)
		_, skipped := timings.Duration("skip_stage")
		assert.False(t, skipped)
	}
	assert.NotContains(t, log.stages(), "skip_stage")

	merged, err := stageflow.Merge(outputs)
	require.NoError(t, err)
	boxes := merged["boxes"].(*stageflow.Array)
	assert.Equal(t, []int{2, 2}, boxes.Shape())
	assert.Equal(t, 4.0, boxes.At(1, 0))

	final, err := ms.RunFinal(ctx, merged)
	require.NoError(t, err)
	assert.Equal(t, 2, final["iteration"])
	assert.Equal(t, 2, final["frames"])
	assert.Len(t, log.of("fit"), 2)

	viaRun, err := ms.Run(ctx, inputs)
	require.NoError(t, err)
	assert.Equal(t, final, viaRun)
}

type closingStage struct {
	closed *int
	reset  *int
}

func (s closingStage) Reset(context.Context) error {
	*s.reset++
	return nil
}

func (s closingStage) Invoke(context.Context, stageflow.Invocation) (stageflow.Record, error) {
	return nil, nil
}

func (s closingStage) Close(context.Context) error {
	*s.closed++
	return nil
}

func TestCloseAndResetLoadedStages(t *testing.T) {
	closed, reset := 0, 0
	registry := stageflow.NewRegistry()
	require.NoError(t, registry.RegisterStage("closing", closingStage{closed: &closed, reset: &reset}))
	config, err := stageflow.NewConfigBuilder("close").
		Step("a", stageflow.StageDescriptor{Module: "closing"}).
		Final("b", stageflow.StageDescriptor{Module: "closing"}).
		Build()
	require.NoError(t, err)

	ms, err := stageflow.New(config, registry)
	require.NoError(t, err)
	require.NoError(t, ms.Close(context.Background()))
	assert.Equal(t, 1, closed, "final stages are not loaded yet")

	require.NoError(t, ms.LoadFinal())
	require.NoError(t, ms.Reset(context.Background()))
	assert.Equal(t, 2, reset)
	assert.Nil(t, ms.LastStepTimings())

	require.NoError(t, ms.Close(context.Background()))
	assert.Equal(t, 3, closed)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	registry := stageflow.NewRegistry()
	noop := func(stageflow.BuildEnv, stageflow.Args) (stageflow.Stage, error) { return nil, nil }
	require.NoError(t, registry.Register("x", noop))
	err := registry.Register("x", noop)
	assert.True(t, errors.Is(err, stageflow.ErrFactoryExists))
	assert.Error(t, registry.Register(stageflow.ModuleSkip, noop))
	assert.Equal(t, []string{"x"}, registry.Modules())
	assert.Contains(t, stageflow.DefaultRegistry().Modules(), stageflow.ModuleEachGroup)
}

func TestFactoryReturningNilStage(t *testing.T) {
	registry := stageflow.NewRegistry()
	registry.MustRegister("nothing", func(stageflow.BuildEnv, stageflow.Args) (stageflow.Stage, error) { return nil, nil })
	config, err := stageflow.NewConfigBuilder("nil").Step("a", stageflow.StageDescriptor{Module: "nothing"}).Build()
	require.NoError(t, err)

	_, err = stageflow.New(config, registry)
	var cfgErr *stageflow.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "a", cfgErr.StageName)
}
