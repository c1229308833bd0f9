package stageflow

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// MergeOption configures Merge.
type MergeOption func(*mergeConfig)

type mergeConfig struct {
	logger  *zap.Logger
	strict  bool
	metrics MetricsCollector
}

// WithMergeLogger sets the logger used to report keys left unstacked.
func WithMergeLogger(logger *zap.Logger) MergeOption {
	return func(c *mergeConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithStrictShapes makes Merge fail with a MergeError when a key cannot be
// stacked, instead of leaving it as a plain sequence.
func WithStrictShapes() MergeOption {
	return func(c *mergeConfig) {
		c.strict = true
	}
}

// WithMergeMetrics reports unstacked keys to the collector.
func WithMergeMetrics(collector MetricsCollector) MergeOption {
	return func(c *mergeConfig) {
		if collector != nil {
			c.metrics = collector
		}
	}
}

// Merge collapses per-record accumulators into one batched record.
//
// The key set of the first record is canonical. For each key the per-record
// values are collected into a []any; *Array values are stacked along a new
// leading axis, mapping values are merged recursively into a Record, and all
// other values stay as the []any sequence. A key whose arrays cannot be
// stacked is logged and left as the sequence unless WithStrictShapes is set.
func Merge(records []Record, options ...MergeOption) (Record, error) {
	cfg := &mergeConfig{logger: zap.NewNop(), metrics: DefaultMetricsCollector}
	for _, option := range options {
		option(cfg)
	}
	if len(records) == 0 {
		return nil, ErrNoRecords
	}
	return mergeRecords(records, "", cfg)
}

func mergeRecords(records []Record, prefix string, cfg *mergeConfig) (Record, error) {
	first := records[0]
	out := make(Record, len(first))
	for _, key := range first.Keys() {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		values := make([]any, len(records))
		for i, r := range records {
			v, ok := r[key]
			if !ok {
				return nil, &MissingKeyError{Key: path, Source: SourceMerge}
			}
			values[i] = v
		}

		switch first[key].(type) {
		case *Array:
			stacked, err := stackValues(values)
			if err != nil {
				if errSkip := cfg.skip(path, err); errSkip != nil {
					return nil, errSkip
				}
				out[key] = values
				continue
			}
			out[key] = stacked
		case Record, map[string]any, map[string]Record:
			subs, err := subRecords(values)
			if err != nil {
				if errSkip := cfg.skip(path, err); errSkip != nil {
					return nil, errSkip
				}
				out[key] = values
				continue
			}
			merged, err := mergeRecords(subs, path, cfg)
			if err != nil {
				return nil, err
			}
			out[key] = merged
		default:
			out[key] = values
		}
	}
	return out, nil
}

// skip reports a key that could not be merged. It returns an error only in strict mode.
func (c *mergeConfig) skip(path string, err error) error {
	if c.strict {
		return &MergeError{Key: path, OriginalError: err}
	}
	c.logger.Warn("skip merge", zap.String("key", path), zap.Error(err))
	c.metrics.MergeKeyUnstacked(context.Background(), path)
	return nil
}

func stackValues(values []any) (*Array, error) {
	arrays := make([]*Array, len(values))
	for i, v := range values {
		a, ok := v.(*Array)
		if !ok {
			return nil, fmt.Errorf("%w: record %d holds %T, not an array", ErrShapeMismatch, i, v)
		}
		arrays[i] = a
	}
	return Stack(arrays)
}

func subRecords(values []any) ([]Record, error) {
	subs := make([]Record, len(values))
	for i, v := range values {
		switch m := v.(type) {
		case Record:
			subs[i] = m
		case map[string]any:
			subs[i] = Record(m)
		case map[string]Record:
			sub := make(Record, len(m))
			for id, r := range m {
				sub[id] = r
			}
			subs[i] = sub
		default:
			return nil, fmt.Errorf("record %d holds %T, not a mapping", i, v)
		}
	}
	return subs, nil
}
