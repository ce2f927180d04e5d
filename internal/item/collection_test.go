package item

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/cnc-go/cnc/internal/distributor"
	"github.com/cnc-go/cnc/internal/tag"
	"github.com/cnc-go/cnc/internal/transport"
	"github.com/cnc-go/cnc/internal/tuner"
)

const testDistID = 3

// tunerFuncs lets each test shape the distribution/GC policy inline.
type tunerFuncs struct {
	getCount   func(int) int
	consumedOn func(int) []int
	producedOn func(int) int
}

func (t tunerFuncs) GetCount(tag int) int {
	if t.getCount == nil {
		return tuner.NoGetCount
	}
	return t.getCount(tag)
}

func (t tunerFuncs) ConsumedOn(tag int) []int {
	if t.consumedOn == nil {
		return nil
	}
	return t.consumedOn(tag)
}

func (t tunerFuncs) ProducedOn(tag int) int {
	if t.producedOn == nil {
		return tuner.ProducerLocal
	}
	return t.producedOn(tag)
}

type stubWaiter struct {
	suspended atomic.Int32
	resumed   atomic.Int32
}

func (w *stubWaiter) Suspend()     { w.suspended.Inc() }
func (w *stubWaiter) Resume() bool { w.resumed.Inc(); return false }

func singleNode(t *testing.T, tn tuner.ItemTuner[int]) (*Collection[int, int], func()) {
	t.Helper()
	cluster := transport.NewCluster(1)
	col := New(Config[int, int]{
		Name:       "items",
		DistID:     testDistID,
		Registry:   distributor.New(0, 0, []string{"local"}),
		Transport:  cluster.Node(0),
		Tuner:      tn,
		TagCodec:   tag.IntCodec{},
		ValueCodec: tag.IntCodec{},
	})
	return col, cluster.CloseAll
}

func multiNode(t *testing.T, n int, tn tuner.ItemTuner[int]) ([]*Collection[int, int], func()) {
	t.Helper()
	cluster := transport.NewCluster(n)
	peers := make([]string, n)
	for i := range peers {
		peers[i] = "local"
	}
	cols := make([]*Collection[int, int], n)
	for i := 0; i < n; i++ {
		cols[i] = New(Config[int, int]{
			Name:       "items",
			DistID:     testDistID,
			Registry:   distributor.New(i, 0, peers),
			Transport:  cluster.Node(i),
			Tuner:      tn,
			TagCodec:   tag.IntCodec{},
			ValueCodec: tag.IntCodec{},
		})
	}
	return cols, cluster.CloseAll
}

func TestPutThenGetRoundTrips(t *testing.T) {
	col, closeAll := singleNode(t, tunerFuncs{})
	defer closeAll()

	col.Put(1, 41)
	w := &stubWaiter{}
	v, ok := col.UnsafeGet(1, w)
	require.True(t, ok)
	assert.Equal(t, 41, v)
	assert.Zero(t, w.suspended.Load())
}

func TestDuplicatePutKeepsFirstValue(t *testing.T) {
	col, closeAll := singleNode(t, tunerFuncs{})
	defer closeAll()

	col.Put(1, 10)
	col.Put(1, 20)
	v, ok := col.UnsafeGet(1, &stubWaiter{})
	require.True(t, ok)
	assert.Equal(t, 10, v)
}

func TestMissRegistersWaiterAndPutResumes(t *testing.T) {
	col, closeAll := singleNode(t, tunerFuncs{})
	defer closeAll()

	w := &stubWaiter{}
	_, ok := col.UnsafeGet(5, w)
	require.False(t, ok)
	assert.Equal(t, int32(1), w.suspended.Load())
	assert.Zero(t, w.resumed.Load())

	col.Put(5, 50)
	assert.Equal(t, int32(1), w.resumed.Load())

	v, ok := col.UnsafeGet(5, &stubWaiter{})
	require.True(t, ok)
	assert.Equal(t, 50, v)
}

func TestGetCountZeroAtPutDropsValueButFiresObservers(t *testing.T) {
	col, closeAll := singleNode(t, tunerFuncs{getCount: func(int) int { return 0 }})
	defer closeAll()

	observed := 0
	col.OnPut(func(tag, value int) { observed = value })

	col.Put(1, 99)
	assert.Equal(t, 99, observed)
	_, ok := col.UnsafeGet(1, &stubWaiter{})
	assert.False(t, ok)
}

func TestOwnerErasesWhenGetCountReachesZero(t *testing.T) {
	col, closeAll := singleNode(t, tunerFuncs{getCount: func(int) int { return 1 }})
	defer closeAll()

	col.Put(1, 7)
	_, ok := col.UnsafeGet(1, &stubWaiter{})
	require.True(t, ok)

	col.DecrementRefCount(1)
	_, ok = col.UnsafeGet(1, &stubWaiter{})
	assert.False(t, ok, "cell must be erased once its last get committed")
}

func TestEnvGetGivesUpWithWarning(t *testing.T) {
	col, closeAll := singleNode(t, tunerFuncs{})
	defer closeAll()

	_, err := col.GetEnv(context.Background(), 404, time.Millisecond, 3)
	require.Error(t, err)
}

func TestEnvGetUnblocksOnConcurrentPut(t *testing.T) {
	col, closeAll := singleNode(t, tunerFuncs{})
	defer closeAll()

	go func() {
		time.Sleep(5 * time.Millisecond)
		col.Put(8, 80)
	}()
	v, err := col.GetEnv(context.Background(), 8, time.Millisecond, 1000)
	require.NoError(t, err)
	assert.Equal(t, 80, v)
}

// Ownership handoff: a put consumed on exactly one remote pid is shipped as
// DELIVER_TO_OWN, the recipient becomes the owner, and a third process's
// request is served by the new owner while the producer holds no copy.
func TestDeliverToOwnHandsOffOwnership(t *testing.T) {
	cols, closeAll := multiNode(t, 3, tunerFuncs{
		consumedOn: func(tag int) []int {
			if tag == 42 {
				return []int{1}
			}
			return nil
		},
	})
	defer closeAll()

	cols[0].Put(42, 4242)

	require.Eventually(t, func() bool {
		_, ok := cols[1].UnsafeGet(42, &stubWaiter{})
		return ok
	}, time.Second, time.Millisecond)

	cols[0].tableMu.RLock()
	cl, held := cols[0].cells[42]
	cols[0].tableMu.RUnlock()
	if held {
		cl.mu.Lock()
		assert.False(t, cl.hasValue, "producer must not retain a routed item")
		cl.mu.Unlock()
	}

	w := &stubWaiter{}
	_, ok := cols[2].UnsafeGet(42, w)
	require.False(t, ok)
	require.Eventually(t, func() bool {
		v, ok := cols[2].UnsafeGet(42, &stubWaiter{})
		return ok && v == 4242
	}, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), w.resumed.Load())
}

// Distributed GC: two remote consumers commit their gets, flush get-counts
// during quiescence, the owner erases at zero and broadcasts ERASE.
func TestDistributedGCErasesEverywhere(t *testing.T) {
	cols, closeAll := multiNode(t, 3, tunerFuncs{getCount: func(int) int { return 2 }})
	defer closeAll()

	cols[0].Put(7, 70)

	for _, pid := range []int{1, 2} {
		pid := pid
		_, ok := cols[pid].UnsafeGet(7, &stubWaiter{})
		require.False(t, ok, "non-owner starts without a replica")
		require.Eventually(t, func() bool {
			v, ok := cols[pid].UnsafeGet(7, &stubWaiter{})
			return ok && v == 70
		}, time.Second, time.Millisecond)
		cols[pid].DecrementRefCount(7)
	}

	cols[1].FlushGetCounts(true)
	cols[2].FlushGetCounts(true)

	for pid := 0; pid < 3; pid++ {
		pid := pid
		require.Eventually(t, func() bool {
			cols[pid].tableMu.RLock()
			cl, present := cols[pid].cells[7]
			cols[pid].tableMu.RUnlock()
			if !present {
				return true
			}
			cl.mu.Lock()
			defer cl.mu.Unlock()
			return !cl.hasValue
		}, time.Second, time.Millisecond, "pid %d still holds the cell", pid)
	}
}

func TestSizeGathersItemsFromAllOwners(t *testing.T) {
	cols, closeAll := multiNode(t, 2, tunerFuncs{})
	defer closeAll()

	cols[0].Put(1, 10)
	cols[1].Put(2, 20)

	n, err := cols[0].Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	v, ok := cols[0].UnsafeGet(2, &stubWaiter{})
	require.True(t, ok, "gather must replicate the remote owner's item")
	assert.Equal(t, 20, v)
}

func TestEraseBroadcastsToReplicas(t *testing.T) {
	cols, closeAll := multiNode(t, 2, tunerFuncs{
		consumedOn: func(int) []int { return []int{tuner.ConsumerAll} },
	})
	defer closeAll()

	cols[0].Put(3, 30)
	require.Eventually(t, func() bool {
		_, ok := cols[1].UnsafeGet(3, &stubWaiter{})
		return ok
	}, time.Second, time.Millisecond)

	cols[0].Erase(3)
	cols[0].FlushErase(true)
	require.Eventually(t, func() bool {
		cols[1].tableMu.RLock()
		_, present := cols[1].cells[3]
		cols[1].tableMu.RUnlock()
		return !present
	}, time.Second, time.Millisecond)
}

func TestEachIteratesGatheredSnapshot(t *testing.T) {
	cols, closeAll := multiNode(t, 2, tunerFuncs{})
	defer closeAll()

	cols[0].Put(1, 10)
	cols[1].Put(2, 20)

	got := map[int]int{}
	require.NoError(t, cols[0].Each(context.Background(), func(tag, value int) bool {
		got[tag] = value
		return true
	}))
	assert.Equal(t, map[int]int{1: 10, 2: 20}, got)
}

func TestResetClearsReplicasEverywhere(t *testing.T) {
	cols, closeAll := multiNode(t, 2, tunerFuncs{})
	defer closeAll()

	cols[0].Put(1, 10)
	cols[1].Put(2, 20)
	cols[0].Reset()

	require.Eventually(t, func() bool {
		_, ok := cols[1].UnsafeGet(2, &stubWaiter{})
		return !ok
	}, time.Second, time.Millisecond)
	_, ok := cols[0].UnsafeGet(1, &stubWaiter{})
	assert.False(t, ok)
}
