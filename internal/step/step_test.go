package step

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnc-go/cnc/internal/cncerr"
)

type recordingScheduler struct {
	scheduled []*Instance
}

func (s *recordingScheduler) Schedule(inst *Instance) {
	s.scheduled = append(s.scheduled, inst)
}

func TestExecuteClassifiesOutcomes(t *testing.T) {
	sched := &recordingScheduler{}

	ok := New(sched, func() error { return nil }, Options{})
	assert.Equal(t, OutcomeSuccess, ok.Execute())

	replay := New(sched, func() error { panic(cncerr.ErrDataNotReady) }, Options{})
	assert.Equal(t, OutcomeNeedsReplay, replay.Execute())

	seq := New(sched, func() error { RequestSequentialize(); return nil }, Options{})
	assert.Equal(t, OutcomeNeedsSequentialize, seq.Execute())
}

func TestResumeSchedulesOnlyOnLastDependency(t *testing.T) {
	sched := &recordingScheduler{}
	inst := New(sched, func() error { return nil }, Options{})

	inst.Suspend()
	inst.Suspend()
	assert.Equal(t, StatusSuspended, inst.Status())
	assert.Equal(t, 2, inst.SuspendCount())

	inst.Resume()
	assert.Empty(t, sched.scheduled)

	inst.Resume()
	require.Len(t, sched.scheduled, 1)
	assert.Same(t, inst, sched.scheduled[0])
	assert.Equal(t, StatusPrepared, inst.Status())
}

func TestTryReplayNowClaimsExactlyOnce(t *testing.T) {
	sched := &recordingScheduler{}
	inst := New(sched, func() error { return nil }, Options{})
	inst.Suspend()
	inst.suspendCount.Store(0)

	assert.True(t, inst.TryReplayNow())
	assert.False(t, inst.TryReplayNow())
}

func TestCommitRunsGetListOnceAndFiresOnDone(t *testing.T) {
	done := 0
	sched := &recordingScheduler{}
	inst := New(sched, func() error { return nil }, Options{OnDone: func() { done++ }})

	decrements := 0
	inst.RecordGet(func() { decrements++ })
	inst.RecordGet(func() { decrements++ })
	inst.Commit()
	assert.Equal(t, 2, decrements)
	assert.Equal(t, 1, done)

	inst.Commit()
	assert.Equal(t, 2, decrements, "get list must not replay")
}

func TestMarkPrescribedDeduplicates(t *testing.T) {
	sched := &recordingScheduler{}
	inst := New(sched, func() error { return nil }, Options{})

	type key struct {
		col int
		tag int
	}
	assert.True(t, inst.MarkPrescribed(key{1, 7}))
	assert.False(t, inst.MarkPrescribed(key{1, 7}))
	assert.True(t, inst.MarkPrescribed(key{2, 7}))
}

func TestDeferredSuccessorsDrainOnce(t *testing.T) {
	sched := &recordingScheduler{}
	a := New(sched, func() error { return nil }, Options{})
	b := New(sched, func() error { return nil }, Options{})

	a.DeferSuccessor(b)
	assert.Equal(t, []*Instance{b}, a.TakeDeferred())
	assert.Empty(t, a.TakeDeferred())
}
