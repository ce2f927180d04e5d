package cnc

import (
	"fmt"

	"github.com/cnc-go/cnc/internal/cncerr"
	"github.com/cnc-go/cnc/internal/codec"
	"github.com/cnc-go/cnc/internal/step"
	"github.com/cnc-go/cnc/internal/tuner"
)

// Step is the execution scope handed to a running step body. Item gets and
// tag puts made from inside a body take it explicitly, replacing the
// thread-local "current step" of classic runtimes.
type Step struct {
	inst *step.Instance
}

// Sequentialize unwinds the running body and re-queues the step on the
// wait loop's serial list.
func (s *Step) Sequentialize() {
	step.RequestSequentialize()
}

// StepCollection binds a user body and its tuner; instances are prescribed
// by tag collections.
type StepCollection[T comparable] struct {
	ctx  *Context
	id   int
	name string
	tn   tuner.StepTuner[T]
	tc   codec.Codec[T]
	body func(tag T, s *Step) error
}

// NewStepCollection declares a step collection on c. A nil tuner means the
// default policy: local compute, no dependencies, never sequentialized.
func NewStepCollection[T comparable](c *Context, name string, tn tuner.StepTuner[T], tc codec.Codec[T], body func(tag T, s *Step) error) *StepCollection[T] {
	if tn == nil {
		tn = tuner.DefaultStepTuner[T]{}
	}
	sc := &StepCollection[T]{ctx: c, id: c.allocDistID(), name: name, tn: tn, tc: tc, body: body}
	c.sched.RegisterStepFactory(sc.id, func(tagBuf []byte) {
		t, _, err := sc.tc.Unpack(tagBuf)
		if err != nil {
			cncerr.Abort("cnc.stepFactory", "shipped tag for %s undecodable: %v", sc.name, err)
		}
		sc.prepare(t, nil)
	})
	return sc
}

// depRegistrar counts prepare-time dependency misses; each miss leaves the
// instance registered in the backing cell's suspend group.
type depRegistrar struct {
	inst    *step.Instance
	missing int
}

func (r *depRegistrar) Depend(probe tuner.DependencyProbe) {
	if !probe(r.inst) {
		r.missing++
	}
}

// prescribe routes one tag through the tuner's compute_on decision: prepare
// locally, ship to a remote pid, or both for the ALL placements.
func (sc *StepCollection[T]) prescribe(t T, from *Step) {
	self := sc.ctx.reg.Pid()
	switch on := sc.tn.ComputeOn(t); on {
	case tuner.ComputeOnLocal:
		sc.prepare(t, from)
	case tuner.ComputeOnRoundRobin:
		pid := sc.ctx.reg.RoundRobinOwner(fmt.Sprintf("%s/%v", sc.name, t))
		if pid == self {
			sc.prepare(t, from)
		} else {
			sc.ship(pid, t)
		}
	case tuner.ComputeOnAll:
		sc.prepare(t, from)
		for pid := 0; pid < sc.ctx.reg.NumProcesses(); pid++ {
			if pid != self {
				sc.ship(pid, t)
			}
		}
	case tuner.ComputeOnAllOthers:
		for pid := 0; pid < sc.ctx.reg.NumProcesses(); pid++ {
			if pid != self {
				sc.ship(pid, t)
			}
		}
	default:
		if on < 0 || on >= sc.ctx.reg.NumProcesses() {
			cncerr.Abort("cnc.prescribe", "compute_on(%v) returned invalid pid %d", t, on)
		}
		if on == self {
			sc.prepare(t, from)
		} else {
			sc.ship(on, t)
		}
	}
}

func (sc *StepCollection[T]) ship(pid int, t T) {
	sc.ctx.sched.ShipStep(pid, sc.id, sc.tc.Pack(nil, t))
}

// prepare builds the instance, probes the tuner-declared dependencies, and
// hands the instance to the scheduler — or, when called from a
// bypass-eligible body, defers it as a successor candidate.
func (sc *StepCollection[T]) prepare(t T, from *Step) {
	var inst *step.Instance
	inst = step.New(sc.ctx.sched, func() error {
		return sc.body(t, &Step{inst: inst})
	}, step.Options{
		Collection:    sc.name,
		Label:         fmt.Sprintf("%v", t),
		Priority:      sc.tn.Priority(t),
		Sequentialize: sc.tn.Sequentialize(t),
		Affinity:      sc.tn.Affinity(t),
		Canceled:      func() bool { return sc.tn.WasCanceled(t) },
	})

	reg := &depRegistrar{inst: inst}
	sc.tn.Depends(t, reg)
	if reg.missing > 0 {
		// Already registered in each missing item's suspend group; the
		// last arrival reschedules it.
		return
	}
	inst.SetStatus(step.StatusPrepared)

	if from != nil && sc.ctx.cfg.Scheduler.Bypass && !inst.Sequentialized() {
		from.inst.DeferSuccessor(inst)
		return
	}
	sc.ctx.sched.Schedule(inst)
}

// TagCollection is a set of tags that, when populated, prescribe one step
// instance per subscribed step collection.
type TagCollection[T comparable] struct {
	ctx        *Context
	name       string
	subscribed []*StepCollection[T]
}

// NewTagCollection declares a tag collection on c.
func NewTagCollection[T comparable](c *Context, name string) *TagCollection[T] {
	return &TagCollection[T]{ctx: c, name: name}
}

// Prescribe wires tags put into this collection to sc. Wiring happens at
// graph construction, before tags flow.
func (tc *TagCollection[T]) Prescribe(sc *StepCollection[T]) {
	tc.subscribed = append(tc.subscribed, sc)
}

// Put prescribes t from the environment.
func (tc *TagCollection[T]) Put(t T) {
	for _, sc := range tc.subscribed {
		sc.prescribe(t, nil)
	}
}

// prescriptionKey memoizes in-step prescriptions across replays.
type prescriptionKey[T comparable] struct {
	col int
	tag T
}

// PutFrom prescribes t from inside a running step body. Replayed bodies
// repeat their puts; the instance's memo keeps each (collection, tag) pair
// from prescribing twice.
func (tc *TagCollection[T]) PutFrom(s *Step, t T) {
	if s == nil {
		tc.Put(t)
		return
	}
	for _, sc := range tc.subscribed {
		if !s.inst.MarkPrescribed(prescriptionKey[T]{col: sc.id, tag: t}) {
			continue
		}
		sc.prescribe(t, s)
	}
}
