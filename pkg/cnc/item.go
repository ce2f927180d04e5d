package cnc

import (
	"context"

	"github.com/cnc-go/cnc/internal/codec"
	"github.com/cnc-go/cnc/internal/item"
	"github.com/cnc-go/cnc/internal/tuner"
)

// ItemCollection is a single-assignment mapping from tag to value with the
// coordination semantics of the core: suspension-on-miss for steps, a
// blocking bounded probe for the environment, per-item reference-counted GC
// and the distributed coherence protocol.
type ItemCollection[T comparable, V any] struct {
	ctx      *Context
	name     string
	col      *item.Collection[T, V]
	tagCodec codec.Codec[T]
	valCodec codec.Codec[V]
}

// NewItemCollection declares an item collection on c. A nil tuner means the
// default policy: no get-count tracking, locally produced and consumed.
func NewItemCollection[T comparable, V any](c *Context, name string, tn tuner.ItemTuner[T], tc codec.Codec[T], vc codec.Codec[V]) *ItemCollection[T, V] {
	if tn == nil {
		tn = tuner.DefaultItemTuner[T]{}
	}
	col := item.New(item.Config[T, V]{
		Name:        name,
		DistID:      c.allocDistID(),
		Registry:    c.reg,
		Transport:   c.tr,
		Tuner:       tn,
		TagCodec:    tc,
		ValueCodec:  vc,
		GCThreshold: c.cfg.Item.GCThreshold,
	})
	ic := &ItemCollection[T, V]{ctx: c, name: name, col: col, tagCodec: tc, valCodec: vc}
	c.sched.RegisterFlusher(col)
	return ic
}

// Name returns the collection's declared name.
func (ic *ItemCollection[T, V]) Name() string { return ic.name }

// Put inserts tag's value, unblocking suspended consumers and routing to
// remote ones per the tuner's consumed_on.
func (ic *ItemCollection[T, V]) Put(tag T, value V) {
	ic.col.Put(tag, value)
}

// Get returns tag's value from inside a step body. A miss registers s in
// the cell's suspend group and unwinds the body so the scheduler replays it
// when the item arrives; user code never observes the miss.
func (ic *ItemCollection[T, V]) Get(s *Step, tag T) V {
	v := ic.col.Get(tag, s.inst)
	s.inst.RecordGet(func() { ic.col.DecrementRefCount(tag) })
	return v
}

// UnsafeGet is the non-suspending probe: it reports present/absent without
// replaying. An absent result still leaves a suspend-group registration
// that reschedules s when the item arrives.
func (ic *ItemCollection[T, V]) UnsafeGet(s *Step, tag T) (V, bool) {
	v, ok := ic.col.UnsafeGet(tag, s.inst)
	if ok {
		s.inst.RecordGet(func() { ic.col.DecrementRefCount(tag) })
	}
	return v, ok
}

// GetEnv blocks the environment until tag's value arrives or the bounded
// probe loop gives up after quiescence, in which case the returned error is
// a warning and the value undefined.
func (ic *ItemCollection[T, V]) GetEnv(tag T) (V, error) {
	return ic.col.GetEnv(context.Background(), tag, ic.ctx.envPollInterval, ic.ctx.envPollTrials)
}

// OnPut registers an observer fired synchronously on every local put.
// Observers must be registered in a quiescent phase, before tags flow.
func (ic *ItemCollection[T, V]) OnPut(fn func(tag T, value V)) {
	ic.col.OnPut(fn)
}

// Size returns the number of present items across all processes, gathering
// owners' items first.
func (ic *ItemCollection[T, V]) Size(ctx context.Context) (int, error) {
	return ic.col.Size(ctx)
}

// Empty reports whether no process holds an item, after a gather.
func (ic *ItemCollection[T, V]) Empty(ctx context.Context) (bool, error) {
	return ic.col.Empty(ctx)
}

// Erase removes tag's cell; owners also broadcast the removal to replicas.
func (ic *ItemCollection[T, V]) Erase(tag T) {
	ic.col.Erase(tag)
}

// Each iterates every present item across all processes, after a gather.
// fn returning false stops the iteration.
func (ic *ItemCollection[T, V]) Each(ctx context.Context, fn func(tag T, value V) bool) error {
	return ic.col.Each(ctx, fn)
}

// Reset clears all local state and broadcasts RESET so replicas clear too.
func (ic *ItemCollection[T, V]) Reset() {
	ic.col.Reset()
}

// Dep builds a dependency probe over c's tag for use inside a step tuner's
// Depends: the prepare phase runs the probe, and a miss leaves the step
// suspended until the item arrives.
func Dep[T comparable, V any](ic *ItemCollection[T, V], tag T) tuner.DependencyProbe {
	return func(w tuner.Waiter) bool {
		_, ok := ic.col.UnsafeGet(tag, w)
		return ok
	}
}
