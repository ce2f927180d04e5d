package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/cnc-go/cnc/internal/cncerr"
	"github.com/cnc-go/cnc/internal/distributor"
	"github.com/cnc-go/cnc/internal/step"
	"github.com/cnc-go/cnc/internal/transport"
)

func singleScheduler(t *testing.T, cfg Config) (*Scheduler, func()) {
	t.Helper()
	cluster := transport.NewCluster(1)
	cfg.DistID = 0
	s := New(cluster.Node(0), distributor.New(0, 0, []string{"local"}), cfg)
	return s, func() {
		s.Close()
		cluster.CloseAll()
	}
}

func TestScheduleRunsBody(t *testing.T) {
	s, teardown := singleScheduler(t, Config{Workers: 2})
	defer teardown()

	ran := atomic.NewBool(false)
	done := make(chan struct{})
	inst := step.New(s, func() error {
		ran.Store(true)
		close(done)
		return nil
	}, step.Options{})
	s.Schedule(inst)

	<-done
	assert.True(t, ran.Load())
	require.NoError(t, s.Wait(context.Background()))
	assert.Equal(t, step.StatusDone, inst.Status())
}

func TestReplaySuspendedStepResumesOnArrival(t *testing.T) {
	s, teardown := singleScheduler(t, Config{Workers: 2})
	defer teardown()

	attempts := atomic.NewInt32(0)
	completed := make(chan struct{})
	var inst *step.Instance
	inst = step.New(s, func() error {
		if attempts.Inc() == 1 {
			// First attempt: the needed item is missing; register and unwind.
			inst.Suspend()
			panic(cncerr.ErrDataNotReady)
		}
		close(completed)
		return nil
	}, step.Options{})
	s.Schedule(inst)

	require.Eventually(t, func() bool { return attempts.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, step.StatusSuspended, inst.Status())

	inst.Resume()
	select {
	case <-completed:
	case <-time.After(time.Second):
		t.Fatal("resumed step never re-executed")
	}
	assert.Equal(t, int32(2), attempts.Load())
}

func TestBypassExecutesSoleSuccessorInWorker(t *testing.T) {
	s, teardown := singleScheduler(t, Config{Workers: 1, Bypass: true})
	defer teardown()

	order := make(chan string, 2)
	succ := step.New(s, func() error {
		order <- "succ"
		return nil
	}, step.Options{})
	var first *step.Instance
	first = step.New(s, func() error {
		order <- "first"
		first.DeferSuccessor(succ)
		return nil
	}, step.Options{})

	s.Schedule(first)
	require.NoError(t, s.Wait(context.Background()))
	assert.Equal(t, "first", <-order)
	assert.Equal(t, "succ", <-order)
	assert.Equal(t, step.StatusDone, succ.Status())
}

func TestSequentializedStepsDrainDuringWait(t *testing.T) {
	s, teardown := singleScheduler(t, Config{Workers: 2})
	defer teardown()

	var mu sync.Mutex
	var ran []string
	for _, name := range []string{"a", "b"} {
		name := name
		s.Schedule(step.New(s, func() error {
			mu.Lock()
			ran = append(ran, name)
			mu.Unlock()
			return nil
		}, step.Options{Sequentialize: true}))
	}

	mu.Lock()
	assert.Empty(t, ran, "sequentialized steps only run on the wait thread")
	mu.Unlock()

	require.NoError(t, s.Wait(context.Background()))
	mu.Lock()
	assert.Len(t, ran, 2)
	mu.Unlock()
}

func TestCanceledStepSkipsBodyButCompletes(t *testing.T) {
	s, teardown := singleScheduler(t, Config{Workers: 2})
	defer teardown()

	done := make(chan struct{})
	inst := step.New(s, func() error {
		t.Error("canceled step body must not run")
		return nil
	}, step.Options{
		Canceled: func() bool { return true },
		OnDone:   func() { close(done) },
	})
	s.Schedule(inst)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("canceled step never completed")
	}
	require.NoError(t, s.Wait(context.Background()))
}

func TestPendingStepRequeuedByWaitLoop(t *testing.T) {
	s, teardown := singleScheduler(t, Config{Workers: 2})
	defer teardown()

	attempts := atomic.NewInt32(0)
	var inst *step.Instance
	inst = step.New(s, func() error {
		if attempts.Inc() == 1 {
			panic(cncerr.ErrDataNotReady)
		}
		return nil
	}, step.Options{PendingOnMiss: true})
	s.Schedule(inst)

	require.NoError(t, s.Wait(context.Background()))
	assert.Equal(t, int32(2), attempts.Load())
	assert.Equal(t, step.StatusDone, inst.Status())
}

func TestDistributedWaitReachesBarrier(t *testing.T) {
	cluster := transport.NewCluster(2)
	defer cluster.CloseAll()
	peers := []string{"local", "local"}

	scheds := make([]*Scheduler, 2)
	for i := 0; i < 2; i++ {
		scheds[i] = New(cluster.Node(i), distributor.New(i, 0, peers), Config{DistID: 0, Workers: 2})
	}
	defer scheds[0].Close()
	defer scheds[1].Close()

	counted := atomic.NewInt32(0)
	for i := 0; i < 2; i++ {
		scheds[i].Schedule(step.New(scheds[i], func() error {
			counted.Inc()
			return nil
		}, step.Options{}))
	}

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		i := i
		go func() { errs <- scheds[i].Wait(context.Background()) }()
	}
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("distributed wait never completed")
		}
	}
	assert.Equal(t, int32(2), counted.Load())
}

func TestShippedStepRunsOnDestination(t *testing.T) {
	cluster := transport.NewCluster(2)
	defer cluster.CloseAll()
	peers := []string{"local", "local"}

	scheds := make([]*Scheduler, 2)
	for i := 0; i < 2; i++ {
		scheds[i] = New(cluster.Node(i), distributor.New(i, 0, peers), Config{DistID: 0, Workers: 2})
	}
	defer scheds[0].Close()
	defer scheds[1].Close()

	ranOn := atomic.NewInt32(-1)
	done := make(chan struct{})
	scheds[1].RegisterStepFactory(9, func(tagBuf []byte) {
		scheds[1].Schedule(step.New(scheds[1], func() error {
			ranOn.Store(1)
			close(done)
			return nil
		}, step.Options{}))
	})

	scheds[0].ShipStep(1, 9, []byte{0x01})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shipped step never ran")
	}
	assert.Equal(t, int32(1), ranOn.Load())
}
