// Package stageflow runs configurable multi-stage pipelines.
//
// A pipeline is a list of named stages loaded from configuration. Step stages
// run once per input record, a merge pass collapses the per-record outputs
// into one batched record, and Final stages run against that batch. Each stage
// receives only the keys its configuration routes to it and returns a Record
// that is merged into the running accumulator.
package stageflow

import (
	"context"
	"sort"
)

// ModuleSkip is the module name that disables a stage without removing it
// from the configuration.
const ModuleSkip = "skip"

// KeyMeta is the reserved record key copied into every step accumulator.
const KeyMeta = "meta"

// Record maps keys to values: arrays, scalars, nested records or metadata.
type Record map[string]any

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Keys returns the record keys in sorted order.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Invocation describes a single call of a stage.
type Invocation struct {
	// Stage is the configuration key of the stage being invoked.
	Stage string
	// Inputs holds the routed named arguments.
	Inputs Record
	// Iteration is the zero-based repetition index.
	Iteration int
	// Repeat is the total number of repetitions configured for this call site.
	Repeat int
}

// Stage is one configured processing unit.
// Invoke returns the produced keys, or nil when the stage produces nothing.
type Stage interface {
	Invoke(ctx context.Context, inv Invocation) (Record, error)
}

// StageFunc is a function that implements the Stage interface.
type StageFunc func(ctx context.Context, inv Invocation) (Record, error)

// Invoke implements the Stage interface for StageFunc.
func (f StageFunc) Invoke(ctx context.Context, inv Invocation) (Record, error) {
	return f(ctx, inv)
}
