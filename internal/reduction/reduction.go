// Package reduction implements the asynchronous distributed fan-in engine:
// per-key partial sums combined locally, a tree-shaped count broadcast and
// gather rooted at the key's owner, and a value gather along the same tree
// once the expected count is reached. Count messages and value messages use
// disjoint per-key state so the two streams overlap freely; the monotonic
// status lattice (LOCAL → CNT_AVAILABLE → BCAST_DONE → FINISH → DONE)
// makes every transition happen exactly once.
package reduction

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/cnc-go/cnc/internal/cncerr"
	"github.com/cnc-go/cnc/internal/codec"
	"github.com/cnc-go/cnc/internal/distributor"
	"github.com/cnc-go/cnc/internal/log"
	"github.com/cnc-go/cnc/internal/metrics"
	"github.com/cnc-go/cnc/internal/transport"
)

// Per-key status lattice values.
const (
	statusLocal int32 = iota
	statusCntAvailable
	statusBcastDone
	statusFinish
	statusDone
)

const unknownPid = -1

// FlushCount is the count value meaning "all inputs have been delivered but
// the exact count is only known late": the owner short-circuits straight to
// the done-broadcast using the currently-accumulated partials.
const FlushCount int64 = -1

type state[V any] struct {
	mu         sync.Mutex
	partial    V
	hasPartial bool

	// Count stream: nReduced counts locally combined values; the owner
	// additionally accumulates globalReduced from GATHERCOUNT traffic.
	nReduced      int64
	globalReduced int64
	nExpected     int64
	hasCount      bool
	baselineSent  bool

	owner     int
	hasTree   bool
	parent    int
	hasParent bool
	children  []int

	// Aggregation counters for the tree's two gather phases.
	gatherAcc int64
	nCounts   int
	nValues   int

	status atomic.Int32
}

// Config bundles a reduction graph's construction-time dependencies.
type Config[K comparable, V any] struct {
	Name     string
	DistID   int
	Registry *distributor.Registry
	// Transport carries the tree traffic; nil restricts the graph to a
	// single process.
	Transport transport.Transport
	TagCodec  codec.Codec[K]
	ValCodec  codec.Codec[V]
	// Op folds two partials; it must be associative and commutative across
	// process boundaries.
	Op func(a, b V) V
	// Identity is the fold seed for keys with no local contribution.
	Identity V
	// Sink receives exactly one final value per key.
	Sink func(tag K, final V)
	// Fanout is the tree branching factor; 0 or 1 means binary.
	Fanout int
}

// Graph is one reduction over out-tags K with partials of type V.
type Graph[K comparable, V any] struct {
	cfg Config[K, V]
	pid int
	n   int

	mu     sync.Mutex
	states map[K]*state[V]

	flushMu      sync.Mutex
	flushPending int
	flushDone    chan struct{}
}

// New constructs a Graph and registers it with the transport under DistID.
func New[K comparable, V any](cfg Config[K, V]) *Graph[K, V] {
	if cfg.Fanout < 2 {
		cfg.Fanout = 2
	}
	g := &Graph[K, V]{
		cfg:    cfg,
		pid:    cfg.Registry.Pid(),
		n:      cfg.Registry.NumProcesses(),
		states: make(map[K]*state[V]),
	}
	if cfg.Transport != nil {
		cfg.Transport.Register(cfg.DistID, g)
	}
	return g
}

func (g *Graph[K, V]) state(tag K) *state[V] {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.states[tag]
	if !ok {
		st = &state[V]{owner: unknownPid, nExpected: FlushCount}
		g.states[tag] = st
	}
	return st
}

func (g *Graph[K, V]) setupTreeLocked(st *state[V], owner int) {
	if st.hasTree && st.owner == owner {
		return
	}
	st.owner = owner
	st.parent, st.children, st.hasParent = distributor.TreeK(g.pid, owner, g.n, g.cfg.Fanout)
	st.hasTree = true
}

func (g *Graph[K, V]) send(dst int, buf []byte) {
	if err := g.cfg.Transport.Send(dst, g.cfg.DistID, buf); err != nil {
		log.GetLogger().Warn("reduction: send failed: ", err)
	}
}

// AddValue combines one selected input value into tag's local partial.
func (g *Graph[K, V]) AddValue(tag K, v V) {
	st := g.state(tag)
	st.mu.Lock()
	if st.hasPartial {
		st.partial = g.cfg.Op(st.partial, v)
	} else {
		st.partial = v
		st.hasPartial = true
	}
	st.nReduced++
	isOwner := st.owner == g.pid
	if isOwner {
		st.globalReduced++
	}
	sendDelta := !isOwner && st.baselineSent && st.owner != unknownPid
	owner := st.owner
	st.mu.Unlock()

	if sendDelta {
		g.send(owner, encodeGatherCount(g.cfg.TagCodec, tag, 1))
		return
	}
	if isOwner {
		g.checkCountComplete(tag, st)
	}
}

// PutCount makes this process tag's owner with the exact expected input
// count (count >= 0), or with FlushCount to short-circuit to the
// done-broadcast over the currently-accumulated partials.
func (g *Graph[K, V]) PutCount(tag K, count int64) {
	st := g.state(tag)
	st.mu.Lock()
	g.setupTreeLocked(st, g.pid)
	st.nExpected = count
	st.hasCount = true
	// The owner's own contribution is part of the global total from the
	// start; everything later arrives as deltas or tree aggregates.
	st.globalReduced = st.nReduced
	st.baselineSent = true
	children := append([]int{}, st.children...)
	st.mu.Unlock()

	st.status.CAS(statusLocal, statusCntAvailable)

	if count < 0 {
		g.startDoneBcast(tag, st)
		return
	}
	buf := encodeBcastCount(g.cfg.TagCodec, tag, g.pid, count)
	for _, child := range children {
		g.send(child, buf)
	}
	g.checkCountComplete(tag, st)
}

func (g *Graph[K, V]) checkCountComplete(tag K, st *state[V]) {
	st.mu.Lock()
	done := st.hasCount && st.nExpected >= 0 && st.owner == g.pid && st.globalReduced >= st.nExpected
	st.mu.Unlock()
	if done {
		g.startDoneBcast(tag, st)
	}
}

// startDoneBcast runs step 4 on the owner: announce completion down the
// tree and begin the value gather.
func (g *Graph[K, V]) startDoneBcast(tag K, st *state[V]) {
	if !st.status.CAS(statusCntAvailable, statusBcastDone) {
		return
	}
	st.mu.Lock()
	g.setupTreeLocked(st, g.pid)
	st.nValues = len(st.children)
	children := append([]int{}, st.children...)
	st.mu.Unlock()

	buf := encodeDone(g.cfg.TagCodec, tag, g.pid)
	for _, child := range children {
		g.send(child, buf)
	}
	if len(children) == 0 {
		g.completeOwner(tag, st)
	}
}

func (g *Graph[K, V]) completeOwner(tag K, st *state[V]) {
	if !st.status.CAS(statusBcastDone, statusFinish) {
		return
	}
	st.mu.Lock()
	final := st.partial
	if !st.hasPartial {
		final = g.cfg.Identity
	}
	st.mu.Unlock()
	st.status.Store(statusDone)
	metrics.Default.ReductionsCompleted.Inc()
	g.cfg.Sink(tag, final)
}

func (g *Graph[K, V]) handleBcastCount(tag K, ownerPid int, count int64) {
	st := g.state(tag)
	st.mu.Lock()
	g.setupTreeLocked(st, ownerPid)
	st.nExpected = count
	st.hasCount = true
	baseline := st.nReduced
	st.baselineSent = true
	st.nCounts = len(st.children)
	st.gatherAcc = baseline
	children := append([]int{}, st.children...)
	parent := st.parent
	st.mu.Unlock()

	st.status.CAS(statusLocal, statusCntAvailable)

	buf := encodeBcastCount(g.cfg.TagCodec, tag, ownerPid, count)
	for _, child := range children {
		g.send(child, buf)
	}
	if len(children) == 0 {
		g.send(parent, encodeGatherCount(g.cfg.TagCodec, tag, baseline))
	}
}

func (g *Graph[K, V]) handleGatherCount(tag K, count int64) {
	st := g.state(tag)
	st.mu.Lock()
	if st.owner == g.pid {
		st.globalReduced += count
		st.mu.Unlock()
		g.checkCountComplete(tag, st)
		return
	}
	// Internal node aggregating the initial baselines of its subtree.
	st.gatherAcc += count
	st.nCounts--
	fire := st.nCounts == 0
	acc := st.gatherAcc
	parent := st.parent
	st.mu.Unlock()
	if fire {
		g.send(parent, encodeGatherCount(g.cfg.TagCodec, tag, acc))
	}
}

func (g *Graph[K, V]) handleDone(tag K, ownerPid int) {
	st := g.state(tag)
	st.mu.Lock()
	g.setupTreeLocked(st, ownerPid)
	st.nValues = len(st.children)
	children := append([]int{}, st.children...)
	parent := st.parent
	st.mu.Unlock()

	st.status.CAS(statusLocal, statusCntAvailable)
	if !st.status.CAS(statusCntAvailable, statusBcastDone) {
		return
	}

	buf := encodeDone(g.cfg.TagCodec, tag, ownerPid)
	for _, child := range children {
		g.send(child, buf)
	}
	if len(children) == 0 {
		g.sendValueUp(tag, st, parent)
	}
}

func (g *Graph[K, V]) sendValueUp(tag K, st *state[V], parent int) {
	st.mu.Lock()
	v := st.partial
	if !st.hasPartial {
		v = g.cfg.Identity
	}
	st.mu.Unlock()
	st.status.Store(statusDone)
	g.send(parent, encodeValue(g.cfg.TagCodec, g.cfg.ValCodec, tag, v))
}

func (g *Graph[K, V]) handleValue(tag K, v V) {
	st := g.state(tag)
	st.mu.Lock()
	if st.hasPartial {
		st.partial = g.cfg.Op(st.partial, v)
	} else {
		st.partial = v
		st.hasPartial = true
	}
	st.nValues--
	fire := st.nValues == 0
	isOwner := st.owner == g.pid
	parent := st.parent
	st.mu.Unlock()

	if !fire {
		return
	}
	if isOwner {
		g.completeOwner(tag, st)
		return
	}
	g.sendValueUp(tag, st, parent)
}

// Flush forces completion for every key observed so far: partials are
// gathered from every process onto the caller, folded, and sunk. Keys that
// already completed through the count path are skipped.
func (g *Graph[K, V]) Flush() {
	if g.n > 1 {
		g.flushMu.Lock()
		g.flushPending = g.n - 1
		done := make(chan struct{})
		g.flushDone = done
		g.flushMu.Unlock()

		dsts := make([]int, 0, g.n-1)
		for pid := 0; pid < g.n; pid++ {
			if pid != g.pid {
				dsts = append(dsts, pid)
			}
		}
		if err := g.cfg.Transport.BcastSubset(g.cfg.DistID, encodeAllDone(), dsts); err != nil {
			log.GetLogger().Warn("reduction: alldone broadcast failed: ", err)
		}
		<-done
	}
	g.completeAllLocal()
}

func (g *Graph[K, V]) completeAllLocal() {
	g.mu.Lock()
	tags := make([]K, 0, len(g.states))
	for tag := range g.states {
		tags = append(tags, tag)
	}
	g.mu.Unlock()

	for _, tag := range tags {
		st := g.state(tag)
		st.status.CAS(statusLocal, statusCntAvailable)
		if !st.status.CAS(statusCntAvailable, statusBcastDone) {
			continue
		}
		st.mu.Lock()
		st.owner = g.pid
		st.mu.Unlock()
		g.completeOwner(tag, st)
	}
}

func (g *Graph[K, V]) handleAllDone(senderPid int) {
	g.mu.Lock()
	tags := make([]K, 0, len(g.states))
	for tag := range g.states {
		tags = append(tags, tag)
	}
	g.mu.Unlock()

	partials := make(map[K]V)
	for _, tag := range tags {
		st := g.state(tag)
		st.status.CAS(statusLocal, statusCntAvailable)
		if !st.status.CAS(statusCntAvailable, statusBcastDone) {
			continue
		}
		st.mu.Lock()
		if st.hasPartial {
			partials[tag] = st.partial
		}
		st.mu.Unlock()
		st.status.Store(statusDone)
	}
	g.send(senderPid, encodeAllValues(g.cfg.TagCodec, g.cfg.ValCodec, partials))
}

func (g *Graph[K, V]) handleAllValues(buf []byte) {
	partials, err := decodeAllValues(g.cfg.TagCodec, g.cfg.ValCodec, buf)
	if err != nil {
		cncerr.Abort("reduction.handleAllValues", "%v", err)
	}
	for tag, v := range partials {
		st := g.state(tag)
		st.mu.Lock()
		if st.hasPartial {
			st.partial = g.cfg.Op(st.partial, v)
		} else {
			st.partial = v
			st.hasPartial = true
		}
		st.mu.Unlock()
	}
	g.flushMu.Lock()
	g.flushPending--
	if g.flushPending <= 0 && g.flushDone != nil {
		close(g.flushDone)
		g.flushDone = nil
	}
	g.flushMu.Unlock()
}

// Deliver implements transport.Distributable for the reduction protocol.
func (g *Graph[K, V]) Deliver(senderPid int, buf []byte) {
	kind, rest, err := codec.ReadKind(buf)
	if err != nil {
		cncerr.Abort("reduction.Deliver", "malformed message header: %v", err)
	}
	switch kind {
	case kindBcastCount:
		tag, owner, count, err := decodeBcastCount(g.cfg.TagCodec, rest)
		if err != nil {
			cncerr.Abort("reduction.Deliver", "malformed bcastcount: %v", err)
		}
		g.handleBcastCount(tag, owner, count)
	case kindGatherCount:
		tag, count, err := decodeGatherCount(g.cfg.TagCodec, rest)
		if err != nil {
			cncerr.Abort("reduction.Deliver", "malformed gathercount: %v", err)
		}
		g.handleGatherCount(tag, count)
	case kindDone:
		tag, owner, err := decodeDone(g.cfg.TagCodec, rest)
		if err != nil {
			cncerr.Abort("reduction.Deliver", "malformed done: %v", err)
		}
		g.handleDone(tag, owner)
	case kindValue:
		tag, v, err := decodeValue(g.cfg.TagCodec, g.cfg.ValCodec, rest)
		if err != nil {
			cncerr.Abort("reduction.Deliver", "malformed value: %v", err)
		}
		g.handleValue(tag, v)
	case kindAllDone:
		g.handleAllDone(senderPid)
	case kindAllValues:
		g.handleAllValues(rest)
	default:
		cncerr.AbortProtocol("reduction.Deliver", kind)
	}
}
