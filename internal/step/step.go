// Package step models one prescription: a tag value bound to its step
// collection's body and tuner policy, with the suspension bookkeeping the
// scheduler and item collections coordinate through. The lifecycle states
// and the suspend-count protocol follow the step-instance design of the
// coordination core: a get that misses registers the instance in the item
// cell's suspend group and raises a replay, and the arrival of the item
// decrements the suspend count and reschedules the instance exactly once.
package step

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/cnc-go/cnc/internal/cncerr"
)

// Status is the lifecycle state of one step instance.
type Status int32

const (
	StatusPrepared Status = iota
	StatusSuspended
	StatusPending
	StatusSequentialized
	StatusDone
	StatusFromPending
)

// Outcome is what one execution attempt produced. get misses unwind to the
// scheduler as OutcomeNeedsReplay rather than crossing the user body as an
// exception.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeNeedsReplay
	OutcomeNeedsSequentialize
)

// errNeedsSequentialize is the unwind sentinel RequestSequentialize throws;
// like ErrDataNotReady it never escapes the scheduler.
var errNeedsSequentialize = &struct{ s string }{"step: needs sequentialize"}

// Scheduler is the single capability an instance needs from the scheduler:
// the ability to put itself back on the ready queue when its last missing
// item arrives.
type Scheduler interface {
	Schedule(*Instance)
}

// Instance is one prescribed step: tag plus body plus policy, with the
// suspension and commit bookkeeping the runtime maintains around it.
type Instance struct {
	collection string
	label      string
	priority   int

	body     func() error
	canceled func() bool
	onDone   func()

	sched Scheduler

	sequentialize bool
	pendingOnMiss bool
	affinity      int

	status       atomic.Int32
	suspendCount atomic.Int32

	mu         sync.Mutex
	getList    []func()
	deferred   []*Instance
	prescribed map[interface{}]struct{}
}

// Options carries the construction-time policy snapshot for one instance.
type Options struct {
	// Collection is the owning step collection's name, for diagnostics.
	Collection string
	// Label describes the tag value, for diagnostics.
	Label string
	// Priority orders otherwise-ready steps; higher drains first from the
	// pending and sequentialized lists.
	Priority int
	// Sequentialize diverts the instance to the wait-loop's serial list.
	Sequentialize bool
	// PendingOnMiss parks a replayed instance on the pending list instead of
	// the suspend group alone; used by parallel_for range steps.
	PendingOnMiss bool
	// Affinity is the tuner's worker-affinity hint; negative means "here".
	Affinity int
	// Canceled is the tuner's best-effort cancellation probe, checked before
	// each execution attempt.
	Canceled func() bool
	// OnDone fires exactly once, after the instance commits its get list.
	OnDone func()
}

// New builds an instance in StatusPrepared. body runs under the scheduler's
// workers and signals a missing input by panicking with
// cncerr.ErrDataNotReady (the item collection's Get does this).
func New(sched Scheduler, body func() error, opts Options) *Instance {
	inst := &Instance{
		collection:    opts.Collection,
		label:         opts.Label,
		priority:      opts.Priority,
		body:          body,
		canceled:      opts.Canceled,
		onDone:        opts.OnDone,
		sched:         sched,
		sequentialize: opts.Sequentialize,
		pendingOnMiss: opts.PendingOnMiss,
		affinity:      opts.Affinity,
	}
	inst.status.Store(int32(StatusPrepared))
	return inst
}

// Collection returns the owning step collection's name.
func (inst *Instance) Collection() string { return inst.collection }

// Label returns the tag description.
func (inst *Instance) Label() string { return inst.label }

// Priority returns the tuner-assigned priority.
func (inst *Instance) Priority() int { return inst.priority }

// Sequentialized reports whether the tuner marked this tag for serial
// execution on the wait thread.
func (inst *Instance) Sequentialized() bool { return inst.sequentialize }

// PendingOnMiss reports whether a replay should park this instance on the
// scheduler's pending list.
func (inst *Instance) PendingOnMiss() bool { return inst.pendingOnMiss }

// Affinity returns the tuner's worker-affinity hint; negative means "here".
func (inst *Instance) Affinity() int { return inst.affinity }

// Canceled runs the tuner's cancellation probe.
func (inst *Instance) Canceled() bool {
	return inst.canceled != nil && inst.canceled()
}

// Status returns the current lifecycle state.
func (inst *Instance) Status() Status { return Status(inst.status.Load()) }

// SetStatus stores a lifecycle state unconditionally.
func (inst *Instance) SetStatus(s Status) { inst.status.Store(int32(s)) }

// CasStatus attempts one lifecycle transition.
func (inst *Instance) CasStatus(from, to Status) bool {
	return inst.status.CAS(int32(from), int32(to))
}

// Suspend is invoked under an item cell's lock when this instance is
// appended to the cell's suspend group.
func (inst *Instance) Suspend() {
	inst.suspendCount.Inc()
	inst.status.Store(int32(StatusSuspended))
}

// Resume is invoked under the cell's lock when the awaited item arrives.
// The last outstanding dependency reschedules the instance; the CAS makes
// sure a concurrent replay check in the scheduler cannot double-schedule.
func (inst *Instance) Resume() bool {
	if inst.suspendCount.Dec() == 0 {
		if inst.CasStatus(StatusSuspended, StatusPrepared) || inst.CasStatus(StatusPending, StatusPrepared) {
			inst.sched.Schedule(inst)
		}
	}
	return false
}

// SuspendCount returns the number of outstanding missing dependencies.
func (inst *Instance) SuspendCount() int { return int(inst.suspendCount.Load()) }

// TryReplayNow claims the instance for immediate in-worker re-execution
// after a replay whose missing item arrived concurrently.
func (inst *Instance) TryReplayNow() bool {
	return inst.suspendCount.Load() == 0 && inst.CasStatus(StatusSuspended, StatusPrepared)
}

// RecordGet appends one committed-get decrement, issued once after the
// instance finishes successfully.
func (inst *Instance) RecordGet(decrement func()) {
	inst.mu.Lock()
	inst.getList = append(inst.getList, decrement)
	inst.mu.Unlock()
}

// Commit iterates the get list exactly once, emitting the ref-count
// decrements for every item this instance consumed, then fires OnDone.
func (inst *Instance) Commit() {
	inst.mu.Lock()
	gets := inst.getList
	inst.getList = nil
	inst.mu.Unlock()
	for _, dec := range gets {
		dec()
	}
	if inst.onDone != nil {
		inst.onDone()
	}
}

// ResetGetList drops gets recorded by a failed attempt; the replay records
// them again.
func (inst *Instance) ResetGetList() {
	inst.mu.Lock()
	inst.getList = nil
	inst.mu.Unlock()
}

// DeferSuccessor records a step instance this body prescribed, to be
// dispatched after the body returns: exactly one deferred successor is
// bypass-executed in place, more than one goes back through the queue.
func (inst *Instance) DeferSuccessor(succ *Instance) {
	inst.mu.Lock()
	inst.deferred = append(inst.deferred, succ)
	inst.mu.Unlock()
}

// TakeDeferred removes and returns the deferred successors.
func (inst *Instance) TakeDeferred() []*Instance {
	inst.mu.Lock()
	d := inst.deferred
	inst.deferred = nil
	inst.mu.Unlock()
	return d
}

// MarkPrescribed records that this instance's body already prescribed key
// during an earlier attempt, so a replayed body does not prescribe it
// twice. Reports whether the key was newly recorded.
func (inst *Instance) MarkPrescribed(key interface{}) bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.prescribed == nil {
		inst.prescribed = make(map[interface{}]struct{})
	}
	if _, dup := inst.prescribed[key]; dup {
		return false
	}
	inst.prescribed[key] = struct{}{}
	return true
}

// RequestSequentialize unwinds the running body and hands the instance to
// the wait loop's serial list.
func RequestSequentialize() {
	panic(errNeedsSequentialize)
}

// Execute runs one attempt of the body and classifies how it ended. A
// panic that is not one of the two flow-control sentinels propagates: step
// execution errors indicate undefined behavior in user code and are fatal.
func (inst *Instance) Execute() (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			switch r {
			case cncerr.ErrDataNotReady:
				outcome = OutcomeNeedsReplay
			case errNeedsSequentialize:
				outcome = OutcomeNeedsSequentialize
			default:
				panic(r)
			}
		}
	}()
	if err := inst.body(); err != nil {
		cncerr.Abort("step.Execute", "step %s[%s] failed: %v", inst.collection, inst.label, err)
	}
	return OutcomeSuccess
}
