// Package metrics tracks runtime counters for the coordination core: step
// lifecycle events, item traffic, and reduction completions. Counters are
// plain atomics read by the wait protocol's final quiescence report; an
// embedded runtime carries no exporter endpoint of its own.
package metrics

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/atomic"
)

// Counters aggregates the per-process event counts.
type Counters struct {
	StepsScheduled      atomic.Int64
	StepsExecuted       atomic.Int64
	StepsReplayed       atomic.Int64
	StepsBypassed       atomic.Int64
	StepsSequentialized atomic.Int64
	StepsShipped        atomic.Int64
	StepsCanceled       atomic.Int64

	ItemsPut     atomic.Int64
	ItemsErased  atomic.Int64
	EnvGetMisses atomic.Int64

	ReductionsCompleted atomic.Int64
	WaitRounds          atomic.Int64
}

// Default is the process-wide counter set.
var Default Counters

// Snapshot returns the current counter values keyed by name.
func (c *Counters) Snapshot() map[string]int64 {
	return map[string]int64{
		"steps_scheduled":      c.StepsScheduled.Load(),
		"steps_executed":       c.StepsExecuted.Load(),
		"steps_replayed":       c.StepsReplayed.Load(),
		"steps_bypassed":       c.StepsBypassed.Load(),
		"steps_sequentialized": c.StepsSequentialized.Load(),
		"steps_shipped":        c.StepsShipped.Load(),
		"steps_canceled":       c.StepsCanceled.Load(),
		"items_put":            c.ItemsPut.Load(),
		"items_erased":         c.ItemsErased.Load(),
		"env_get_misses":       c.EnvGetMisses.Load(),
		"reductions_completed": c.ReductionsCompleted.Load(),
		"wait_rounds":          c.WaitRounds.Load(),
	}
}

// Report renders the snapshot as a single sorted line, suitable for the
// wait protocol's quiescence summary log.
func (c *Counters) Report() string {
	snap := c.Snapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, snap[k]))
	}
	return strings.Join(parts, " ")
}

// Reset zeroes every counter; used between sample-graph runs and in tests.
func (c *Counters) Reset() {
	c.StepsScheduled.Store(0)
	c.StepsExecuted.Store(0)
	c.StepsReplayed.Store(0)
	c.StepsBypassed.Store(0)
	c.StepsSequentialized.Store(0)
	c.StepsShipped.Store(0)
	c.StepsCanceled.Store(0)
	c.ItemsPut.Store(0)
	c.ItemsErased.Store(0)
	c.EnvGetMisses.Store(0)
	c.ReductionsCompleted.Store(0)
	c.WaitRounds.Store(0)
}
