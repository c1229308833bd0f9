package stageflow

import (
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"
)

// TimingTable records the elapsed time of each stage in one run.
// Stages that did not run have no entry.
type TimingTable struct {
	stages    []string
	durations map[string]time.Duration
}

// NewTimingTable creates a table whose columns are the given stages.
func NewTimingTable(stages []string) *TimingTable {
	return &TimingTable{
		stages:    append([]string(nil), stages...),
		durations: make(map[string]time.Duration, len(stages)),
	}
}

// Record stores the elapsed time of a stage.
func (t *TimingTable) Record(stage string, d time.Duration) {
	t.durations[stage] = d
}

// Duration returns the elapsed time of a stage, and whether it ran.
func (t *TimingTable) Duration(stage string) (time.Duration, bool) {
	d, ok := t.durations[stage]
	return d, ok
}

// Stages returns the table columns in configuration order.
func (t *TimingTable) Stages() []string {
	return append([]string(nil), t.stages...)
}

// Entries returns a copy of the recorded durations.
func (t *TimingTable) Entries() map[string]time.Duration {
	out := make(map[string]time.Duration, len(t.durations))
	for k, v := range t.durations {
		out[k] = v
	}
	return out
}

// Render writes the table as a single row grid. Stages without an entry
// are shown as "skip".
func (t *TimingTable) Render(w io.Writer) {
	row := make([]string, len(t.stages))
	for i, stage := range t.stages {
		if d, ok := t.durations[stage]; ok {
			row[i] = fmt.Sprintf("%.3fs", d.Seconds())
		} else {
			row[i] = "skip"
		}
	}
	table := tablewriter.NewWriter(w)
	table.SetAutoFormatHeaders(false)
	table.SetHeader(t.stages)
	table.Append(row)
	table.Render()
}
