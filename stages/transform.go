package stages

import (
	"context"
	"fmt"

	"github.com/synoptiq/go-stageflow"
)

// Constant returns the same values on every call.
type Constant struct {
	values stageflow.Record
}

// NewConstant builds a Constant from the "values" mapping argument.
func NewConstant(_ stageflow.BuildEnv, args stageflow.Args) (stageflow.Stage, error) {
	values, err := args.Map("values")
	if err != nil {
		return nil, err
	}
	return &Constant{values: stageflow.Record(values)}, nil
}

// Invoke implements stageflow.Stage.
func (c *Constant) Invoke(_ context.Context, _ stageflow.Invocation) (stageflow.Record, error) {
	if len(c.values) == 0 {
		return nil, nil
	}
	return c.values.Clone(), nil
}

// Select returns its inputs, renaming the keys listed in "rename".
type Select struct {
	rename map[string]string
}

// NewSelect builds a Select stage.
func NewSelect(_ stageflow.BuildEnv, args stageflow.Args) (stageflow.Stage, error) {
	raw, err := args.Map("rename")
	if err != nil {
		return nil, err
	}
	rename := make(map[string]string, len(raw))
	for from, to := range raw {
		name, ok := to.(string)
		if !ok || name == "" {
			return nil, fmt.Errorf("rename %q: target must be a non-empty string, got %T", from, to)
		}
		rename[from] = name
	}
	return &Select{rename: rename}, nil
}

// Invoke implements stageflow.Stage.
func (s *Select) Invoke(_ context.Context, inv stageflow.Invocation) (stageflow.Record, error) {
	out := make(stageflow.Record, len(inv.Inputs))
	for k, v := range inv.Inputs {
		if to, ok := s.rename[k]; ok {
			k = to
		}
		out[k] = v
	}
	return out, nil
}

// ToArray converts nested numeric lists into arrays. With a "keys" argument
// only those inputs are converted; the rest pass through unchanged.
type ToArray struct {
	keys map[string]bool
}

// NewToArray builds a ToArray stage.
func NewToArray(_ stageflow.BuildEnv, args stageflow.Args) (stageflow.Stage, error) {
	keys, err := args.Strings("keys")
	if err != nil {
		return nil, err
	}
	t := &ToArray{}
	if len(keys) > 0 {
		t.keys = make(map[string]bool, len(keys))
		for _, k := range keys {
			t.keys[k] = true
		}
	}
	return t, nil
}

// Invoke implements stageflow.Stage.
func (t *ToArray) Invoke(_ context.Context, inv stageflow.Invocation) (stageflow.Record, error) {
	out := make(stageflow.Record, len(inv.Inputs))
	for k, v := range inv.Inputs {
		if t.keys != nil && !t.keys[k] {
			out[k] = v
			continue
		}
		a, err := stageflow.ToArray(v)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", k, err)
		}
		out[k] = a
	}
	return out, nil
}
