package cnc

import (
	"github.com/cnc-go/cnc/internal/reduction"
)

// Reduction wires an asynchronous fan-in over in's puts: values whose
// selector accepts are folded per out-tag, counts arriving on counts drive
// the distributed done decision, and exactly one final value per out-tag is
// put on out.
type Reduction[K comparable, V any] struct {
	graph *reduction.Graph[K, V]
}

// NewReduction declares a reduction on c. selector maps an input tag to
// (accepted, out-tag); op must be associative and commutative; identity is
// the fold seed. A count put on counts with value >= 0 is the exact input
// cardinality for that out-tag; a negative count means "all inputs are
// already in, finish with what accumulated".
func NewReduction[I comparable, K comparable, V any](
	c *Context,
	name string,
	in *ItemCollection[I, V],
	selector func(inTag I) (bool, K),
	op func(a, b V) V,
	identity V,
	counts *ItemCollection[K, int],
	out *ItemCollection[K, V],
) *Reduction[K, V] {
	g := reduction.New(reduction.Config[K, V]{
		Name:      name,
		DistID:    c.allocDistID(),
		Registry:  c.reg,
		Transport: c.tr,
		TagCodec:  out.tagCodec,
		ValCodec:  out.valCodec,
		Op:        op,
		Identity:  identity,
		Sink:      func(tag K, final V) { out.Put(tag, final) },
		Fanout:    c.cfg.Reduction.Fanout,
	})
	in.OnPut(func(inTag I, v V) {
		if ok, outTag := selector(inTag); ok {
			g.AddValue(outTag, v)
		}
	})
	counts.OnPut(func(outTag K, n int) {
		g.PutCount(outTag, int64(n))
	})
	return &Reduction[K, V]{graph: g}
}

// Flush forces completion for every out-tag observed so far, gathering all
// partials onto the calling process, which puts the final values.
func (r *Reduction[K, V]) Flush() {
	r.graph.Flush()
}
