package stageflow_test

import (
	"context"
	"errors"
	"fmt"

	"github.com/synoptiq/go-stageflow"
)

// call is one observed stage invocation.
type call struct {
	stage     string
	iteration int
	repeat    int
	inputs    stageflow.Record
}

// callLog collects invocations across every stage of a test registry.
type callLog struct {
	calls []call
}

func (l *callLog) stages() []string {
	out := make([]string, len(l.calls))
	for i, c := range l.calls {
		out[i] = c.stage
	}
	return out
}

func (l *callLog) of(stage string) []call {
	var out []call
	for _, c := range l.calls {
		if c.stage == stage {
			out = append(out, c)
		}
	}
	return out
}

var errBoom = errors.New("boom")

// newTestRegistry returns a registry with a few generic modules:
//
//	const:  returns args["values"]
//	echo:   returns its inputs renamed with the prefix args["prefix"]
//	iter:   returns {args["key"]: iteration, "<key>_<iteration>": true}
//	fail:   always fails
//	produce: returns {args["key"]: args["value"]}
//
// Every invocation is recorded in log.
func newTestRegistry(log *callLog) *stageflow.Registry {
	r := stageflow.NewRegistry()
	record := func(inv stageflow.Invocation) {
		log.calls = append(log.calls, call{
			stage:     inv.Stage,
			iteration: inv.Iteration,
			repeat:    inv.Repeat,
			inputs:    inv.Inputs.Clone(),
		})
	}

	r.MustRegister("const", func(_ stageflow.BuildEnv, args stageflow.Args) (stageflow.Stage, error) {
		values, err := args.Map("values")
		if err != nil {
			return nil, err
		}
		return stageflow.StageFunc(func(_ context.Context, inv stageflow.Invocation) (stageflow.Record, error) {
			record(inv)
			if values == nil {
				return nil, nil
			}
			return stageflow.Record(values).Clone(), nil
		}), nil
	})

	r.MustRegister("echo", func(_ stageflow.BuildEnv, args stageflow.Args) (stageflow.Stage, error) {
		prefix, err := args.String("prefix", "")
		if err != nil {
			return nil, err
		}
		return stageflow.StageFunc(func(_ context.Context, inv stageflow.Invocation) (stageflow.Record, error) {
			record(inv)
			out := make(stageflow.Record, len(inv.Inputs))
			for k, v := range inv.Inputs {
				out[prefix+k] = v
			}
			return out, nil
		}), nil
	})

	r.MustRegister("iter", func(_ stageflow.BuildEnv, args stageflow.Args) (stageflow.Stage, error) {
		key, err := args.String("key", "iter")
		if err != nil {
			return nil, err
		}
		return stageflow.StageFunc(func(_ context.Context, inv stageflow.Invocation) (stageflow.Record, error) {
			record(inv)
			return stageflow.Record{
				key:                       inv.Iteration,
				fmt.Sprintf("%s_%d", key, inv.Iteration): true,
			}, nil
		}), nil
	})

	r.MustRegister("fail", func(_ stageflow.BuildEnv, _ stageflow.Args) (stageflow.Stage, error) {
		return stageflow.StageFunc(func(_ context.Context, inv stageflow.Invocation) (stageflow.Record, error) {
			record(inv)
			return nil, errBoom
		}), nil
	})

	r.MustRegister("produce", func(_ stageflow.BuildEnv, args stageflow.Args) (stageflow.Stage, error) {
		key, err := args.String("key", "")
		if err != nil {
			return nil, err
		}
		value := args["value"]
		return stageflow.StageFunc(func(_ context.Context, inv stageflow.Invocation) (stageflow.Record, error) {
			record(inv)
			return stageflow.Record{key: value}, nil
		}), nil
	})

	return r
}
