package cnc

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/cnc-go/cnc/internal/config"
	"github.com/cnc-go/cnc/internal/tag"
	"github.com/cnc-go/cnc/internal/transport"
	"github.com/cnc-go/cnc/internal/tuner"
)

// Chained fan-out/fan-in: step t reads item t-1 and puts item t.
func TestChainedFanOutFanIn(t *testing.T) {
	ctx := NewLocalContext()
	defer ctx.Close()

	items := NewItemCollection[int, int](ctx, "chain", nil, tag.IntCodec{}, tag.IntCodec{})
	steps := NewStepCollection(ctx, "accumulate", nil, tag.IntCodec{},
		func(tg int, s *Step) error {
			prev := items.Get(s, tg-1)
			items.Put(tg, prev+tg)
			return nil
		})
	tags := NewTagCollection[int](ctx, "control")
	tags.Prescribe(steps)

	items.Put(-1, -1)
	for i := 0; i < 100; i++ {
		tags.Put(i)
	}
	require.NoError(t, ctx.Wait(context.Background()))

	last, err := items.GetEnv(99)
	require.NoError(t, err)
	assert.Equal(t, 4949, last)

	first, err := items.GetEnv(0)
	require.NoError(t, err)
	assert.Equal(t, -1, first)
}

func TestParallelForAppendsWholeRange(t *testing.T) {
	ctx := NewLocalContext()
	defer ctx.Close()

	var mu sync.Mutex
	var got []int
	n := 200
	ParallelFor(ctx, 0, n, 1, func(i int) {
		mu.Lock()
		got = append(got, i)
		mu.Unlock()
	})

	require.Len(t, got, n)
	sort.Ints(got)
	for i := 0; i < n; i++ {
		assert.Equal(t, i, got[i])
	}
}

func TestParallelForTunedSuspendsAndResumes(t *testing.T) {
	ctx := NewLocalContext()
	defer ctx.Close()

	seed := NewItemCollection[int, int](ctx, "seed", nil, tag.IntCodec{}, tag.IntCodec{})
	total := atomic.NewInt64(0)

	go func() {
		time.Sleep(10 * time.Millisecond)
		seed.Put(0, 5)
	}()
	ParallelForTuned(ctx, 0, 8, 1, nil, func(i int, s *Step) error {
		base := seed.Get(s, 0)
		total.Add(int64(base + i))
		return nil
	})

	assert.Equal(t, int64(8*5+28), total.Load())
}

func TestReductionWithExactCount(t *testing.T) {
	ctx := NewLocalContext()
	defer ctx.Close()

	in := NewItemCollection[int, int](ctx, "in", nil, tag.IntCodec{}, tag.IntCodec{})
	counts := NewItemCollection[int, int](ctx, "counts", nil, tag.IntCodec{}, tag.IntCodec{})
	out := NewItemCollection[int, int](ctx, "out", nil, tag.IntCodec{}, tag.IntCodec{})
	NewReduction(ctx, "sum", in,
		func(int) (bool, int) { return true, 0 },
		func(a, b int) int { return a + b }, 0,
		counts, out)

	counts.Put(0, 16)
	for i := 0; i < 16; i++ {
		in.Put(i, i)
	}
	require.NoError(t, ctx.Wait(context.Background()))

	v, err := out.GetEnv(0)
	require.NoError(t, err)
	assert.Equal(t, 120, v)
}

func TestReductionWithLateFlushCount(t *testing.T) {
	ctx := NewLocalContext()
	defer ctx.Close()

	in := NewItemCollection[int, int](ctx, "in", nil, tag.IntCodec{}, tag.IntCodec{})
	counts := NewItemCollection[int, int](ctx, "counts", nil, tag.IntCodec{}, tag.IntCodec{})
	out := NewItemCollection[int, int](ctx, "out", nil, tag.IntCodec{}, tag.IntCodec{})
	NewReduction(ctx, "sum", in,
		func(int) (bool, int) { return true, 0 },
		func(a, b int) int { return a + b }, 0,
		counts, out)

	for i := 0; i < 16; i++ {
		in.Put(i, i)
	}
	counts.Put(0, -1)
	require.NoError(t, ctx.Wait(context.Background()))

	v, err := out.GetEnv(0)
	require.NoError(t, err)
	assert.Equal(t, 120, v)
}

// stepTunerFuncs shapes per-test scheduling policy.
type stepTunerFuncs struct {
	tuner.DefaultStepTuner[int]
	computeOn     func(int) int
	sequentialize func(int) bool
	preschedule   bool
	depends       func(int, tuner.DependencyRegistrar)
}

func (t stepTunerFuncs) ComputeOn(tag int) int {
	if t.computeOn == nil {
		return tuner.ComputeOnLocal
	}
	return t.computeOn(tag)
}

func (t stepTunerFuncs) Sequentialize(tag int) bool {
	return t.sequentialize != nil && t.sequentialize(tag)
}

func (t stepTunerFuncs) Preschedule() bool { return t.preschedule }

func (t stepTunerFuncs) Depends(tag int, reg tuner.DependencyRegistrar) {
	if t.depends != nil {
		t.depends(tag, reg)
	}
}

func TestSequentializedStepsRunDuringWait(t *testing.T) {
	ctx := NewLocalContext()
	defer ctx.Close()

	ran := atomic.NewInt32(0)
	steps := NewStepCollection[int](ctx, "serial",
		stepTunerFuncs{sequentialize: func(int) bool { return true }},
		tag.IntCodec{},
		func(tg int, s *Step) error {
			ran.Inc()
			return nil
		})
	tags := NewTagCollection[int](ctx, "control")
	tags.Prescribe(steps)

	for i := 0; i < 4; i++ {
		tags.Put(i)
	}
	require.NoError(t, ctx.Wait(context.Background()))
	assert.Equal(t, int32(4), ran.Load())
}

func TestPrescheduleDependsSuspendsUntilArrival(t *testing.T) {
	ctx := NewLocalContext()
	defer ctx.Close()

	items := NewItemCollection[int, int](ctx, "deps", nil, tag.IntCodec{}, tag.IntCodec{})
	executed := atomic.NewBool(false)

	steps := NewStepCollection[int](ctx, "dependent",
		stepTunerFuncs{
			preschedule: true,
			depends: func(tg int, reg tuner.DependencyRegistrar) {
				reg.Depend(Dep(items, tg-1))
			},
		},
		tag.IntCodec{},
		func(tg int, s *Step) error {
			executed.Store(true)
			return nil
		})
	tags := NewTagCollection[int](ctx, "control")
	tags.Prescribe(steps)

	tags.Put(5)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, executed.Load(), "step must not run before its dependency exists")

	items.Put(4, 1)
	require.NoError(t, ctx.Wait(context.Background()))
	assert.True(t, executed.Load())
}

// A step chain driven by in-step tag puts: with bypass on, each step's sole
// successor executes in the same worker without a queue round-trip.
func TestBypassChainThroughInStepTagPuts(t *testing.T) {
	cfg := config.Default()
	cfg.Scheduler.Bypass = true
	cluster := transport.NewCluster(1)
	defer cluster.CloseAll()
	ctx := NewContext(cfg, cluster.Node(0))
	defer ctx.sched.Close()

	const depth = 50
	ran := atomic.NewInt32(0)
	var tags *TagCollection[int]
	steps := NewStepCollection(ctx, "chain", nil, tag.IntCodec{},
		func(tg int, s *Step) error {
			ran.Inc()
			if tg+1 < depth {
				tags.PutFrom(s, tg+1)
			}
			return nil
		})
	tags = NewTagCollection[int](ctx, "control")
	tags.Prescribe(steps)

	tags.Put(0)
	require.NoError(t, ctx.Wait(context.Background()))
	assert.Equal(t, int32(depth), ran.Load())
}

func multiContext(t *testing.T, n int) ([]*Context, func()) {
	t.Helper()
	cluster := transport.NewCluster(n)
	peers := make([]string, n)
	for i := range peers {
		peers[i] = "local"
	}
	ctxs := make([]*Context, n)
	for i := 0; i < n; i++ {
		cfg := config.Default()
		cfg.Node.Pid = i
		cfg.Node.Peers = peers
		ctxs[i] = NewContext(cfg, cluster.Node(i))
	}
	return ctxs, func() {
		for _, c := range ctxs {
			c.sched.Close()
		}
		cluster.CloseAll()
	}
}

func TestComputeOnShipsStepToRemoteProcess(t *testing.T) {
	ctxs, teardown := multiContext(t, 2)
	defer teardown()

	ranOn := atomic.NewInt32(-1)
	tagsByPid := make([]*TagCollection[int], 2)
	for pid := 0; pid < 2; pid++ {
		pid := pid
		steps := NewStepCollection[int](ctxs[pid], "remote",
			stepTunerFuncs{computeOn: func(int) int { return 1 }},
			tag.IntCodec{},
			func(tg int, s *Step) error {
				ranOn.Store(int32(pid))
				return nil
			})
		tags := NewTagCollection[int](ctxs[pid], "control")
		tags.Prescribe(steps)
		tagsByPid[pid] = tags
	}

	tagsByPid[0].Put(7)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		i := i
		go func() { errs <- ctxs[i].Wait(context.Background()) }()
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, <-errs)
	}
	assert.Equal(t, int32(1), ranOn.Load())
}

func TestDistributedItemHandoffThroughPublicAPI(t *testing.T) {
	ctxs, teardown := multiContext(t, 2)
	defer teardown()

	itemsByPid := make([]*ItemCollection[int, int], 2)
	for pid := 0; pid < 2; pid++ {
		itemsByPid[pid] = NewItemCollection[int, int](ctxs[pid], "handoff",
			itemTunerConsumedOn{target: 1}, tag.IntCodec{}, tag.IntCodec{})
	}

	itemsByPid[0].Put(42, 4242)

	v, err := itemsByPid[1].GetEnv(42)
	require.NoError(t, err)
	assert.Equal(t, 4242, v)
}

type itemTunerConsumedOn struct {
	tuner.DefaultItemTuner[int]
	target int
}

func (t itemTunerConsumedOn) ConsumedOn(int) []int { return []int{t.target} }
