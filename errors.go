package stageflow

import (
	"errors"
	"fmt"
)

// Sentinel errors matched with errors.Is.
var (
	// ErrMissingKey is matched by every MissingKeyError.
	ErrMissingKey = errors.New("missing key")
	// ErrUnknownModule is matched by every UnknownModuleError.
	ErrUnknownModule = errors.New("unknown module")
	// ErrShapeMismatch is returned when arrays of different shapes are stacked.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrNoRecords is returned when merging an empty record sequence.
	ErrNoRecords = errors.New("no records to merge")
	// ErrFactoryExists is returned when a module name is registered twice.
	ErrFactoryExists = errors.New("factory already registered")
)

// Phase identifies the execution loop a stage runs in.
type Phase string

const (
	// PhaseStep is the per-record loop.
	PhaseStep Phase = "step"
	// PhaseFinal is the loop over the merged batch.
	PhaseFinal Phase = "final"
	// PhaseGroup is the per-group loop.
	PhaseGroup Phase = "group"
)

// StageError represents an error raised by a stage during invocation.
type StageError struct {
	// Phase is the loop the stage was running in
	Phase Phase
	// StageName is the configuration key of the failing stage
	StageName string
	// Iteration is the repetition index the failure happened in
	Iteration int
	// Group is set when the failure happened inside a grouped run
	Group string
	// OriginalError is the underlying error that occurred
	OriginalError error
}

// Error implements the error interface for StageError.
func (e *StageError) Error() string {
	if e.Group != "" {
		return fmt.Sprintf("%s stage %q (group %s, iteration %d): %v",
			e.Phase, e.StageName, e.Group, e.Iteration, e.OriginalError)
	}
	if e.Iteration > 0 {
		return fmt.Sprintf("%s stage %q (iteration %d): %v", e.Phase, e.StageName, e.Iteration, e.OriginalError)
	}
	return fmt.Sprintf("%s stage %q: %v", e.Phase, e.StageName, e.OriginalError)
}

// Unwrap returns the underlying error for compatibility with errors.Is and errors.As.
func (e *StageError) Unwrap() error {
	return e.OriginalError
}

// NewStageError creates a new StageError with the provided details.
func NewStageError(phase Phase, stageName string, iteration int, err error) *StageError {
	return &StageError{
		Phase:         phase,
		StageName:     stageName,
		Iteration:     iteration,
		OriginalError: err,
	}
}

// KeySource names where a routed key was looked up.
type KeySource string

const (
	// SourceData is the input record (or merged batch, or group record).
	SourceData KeySource = "data"
	// SourcePrevious is the accumulator built by earlier stages.
	SourcePrevious KeySource = "previous"
	// SourceMerge is a record taking part in a merge.
	SourceMerge KeySource = "merge"
)

// MissingKeyError occurs when a routed key is absent from its declared source.
type MissingKeyError struct {
	// StageName is empty for pipeline-level keep keys
	StageName string
	// Group is set for keep keys missing after a grouped run
	Group  string
	Key    string
	Source KeySource
}

// Error implements the error interface for MissingKeyError.
func (e *MissingKeyError) Error() string {
	if e.Group != "" {
		return fmt.Sprintf("group %s: missing key %q in %s", e.Group, e.Key, e.Source)
	}
	if e.StageName == "" {
		return fmt.Sprintf("missing key %q in %s", e.Key, e.Source)
	}
	return fmt.Sprintf("stage %q: missing key %q in %s", e.StageName, e.Key, e.Source)
}

// Is reports ErrMissingKey as a match.
func (e *MissingKeyError) Is(target error) bool {
	return target == ErrMissingKey
}

// UnknownModuleError occurs when a descriptor names a module that is not registered.
type UnknownModuleError struct {
	StageName string
	Module    string
}

// Error implements the error interface for UnknownModuleError.
func (e *UnknownModuleError) Error() string {
	return fmt.Sprintf("stage %q: module %q is not registered", e.StageName, e.Module)
}

// Is reports ErrUnknownModule as a match.
func (e *UnknownModuleError) Is(target error) bool {
	return target == ErrUnknownModule
}

// MergeError occurs when a key cannot be stacked in strict merge mode.
type MergeError struct {
	// Key is the dotted path of the key, e.g. "outer.joints"
	Key           string
	OriginalError error
}

// Error implements the error interface for MergeError.
func (e *MergeError) Error() string {
	return fmt.Sprintf("merge key %q: %v", e.Key, e.OriginalError)
}

// Unwrap returns the underlying error for compatibility with errors.Is and errors.As.
func (e *MergeError) Unwrap() error {
	return e.OriginalError
}

// ConfigError represents an invalid pipeline or stage configuration.
type ConfigError struct {
	StageName     string
	OriginalError error
}

// Error implements the error interface for ConfigError.
func (e *ConfigError) Error() string {
	if e.StageName != "" {
		return fmt.Sprintf("configuration of stage %q: %v", e.StageName, e.OriginalError)
	}
	return fmt.Sprintf("configuration: %v", e.OriginalError)
}

// Unwrap returns the underlying error for compatibility with errors.Is and errors.As.
func (e *ConfigError) Unwrap() error {
	return e.OriginalError
}
