package cnc

import (
	"runtime"
	"strconv"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/cnc-go/cnc/internal/step"
	"github.com/cnc-go/cnc/internal/tuner"
)

// ParallelFor schedules body(i) over [first, last) with the given stride on
// the local worker pool and blocks until every iteration completes. Bodies
// here are plain computations; use ParallelForTuned when iterations consume
// items and may suspend.
func ParallelFor(c *Context, first, last, stride int, body func(i int)) {
	if stride <= 0 {
		stride = 1
	}
	workers := c.cfg.Scheduler.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	p := pool.New().WithMaxGoroutines(workers)
	for i := first; i < last; i += stride {
		i := i
		p.Go(func() { body(i) })
	}
	p.Wait()
}

// ParallelForTuned schedules each iteration as a full step instance under
// tn's policy: iterations may get items and suspend, and with
// CheckDepsInRanges a replayed iteration parks on the pending list so the
// wait loop revalidates its dependencies. Blocks until every iteration has
// committed.
func ParallelForTuned(c *Context, first, last, stride int, tn tuner.StepTuner[int], body func(i int, s *Step) error) {
	if stride <= 0 {
		stride = 1
	}
	if tn == nil {
		tn = tuner.DefaultStepTuner[int]{}
	}
	var wg sync.WaitGroup
	for i := first; i < last; i += stride {
		i := i
		wg.Add(1)
		var inst *step.Instance
		inst = step.New(c.sched, func() error {
			return body(i, &Step{inst: inst})
		}, step.Options{
			Collection:    "parallel_for",
			Label:         strconv.Itoa(i),
			Priority:      tn.Priority(i),
			Sequentialize: tn.Sequentialize(i),
			Affinity:      tn.Affinity(i),
			PendingOnMiss: tn.CheckDepsInRanges(),
			Canceled:      func() bool { return tn.WasCanceled(i) },
			OnDone:        wg.Done,
		})
		c.sched.Schedule(inst)
	}
	wg.Wait()
}
