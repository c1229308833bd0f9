// Package stages provides general purpose stage modules for stageflow
// pipelines: constants, renaming, array conversion and result sinks.
package stages

import (
	"github.com/synoptiq/go-stageflow"
)

// Module names registered by Register.
const (
	ModuleConstant   = "constant"
	ModuleSelect     = "select"
	ModuleToArray    = "to_array"
	ModuleWriteYAML  = "write_yaml"
	ModuleSQLiteSink = "sqlite_sink"
)

// Register adds every module of this package to r.
func Register(r *stageflow.Registry) error {
	factories := []struct {
		module  string
		factory stageflow.Factory
	}{
		{ModuleConstant, NewConstant},
		{ModuleSelect, NewSelect},
		{ModuleToArray, NewToArray},
		{ModuleWriteYAML, NewWriteYAML},
		{ModuleSQLiteSink, NewSQLiteSink},
	}
	for _, f := range factories {
		if err := r.Register(f.module, f.factory); err != nil {
			return err
		}
	}
	return nil
}
