// Package item implements the item collection: single-assignment put/get
// with suspension-on-miss, reference-counted local and distributed GC, and
// the owner/routed-delivery/gather coherence protocol. Concurrency shape:
// one mutex per cell, with the table itself guarded by its own lock for key
// creation, so acquiring a cell stays a single map lookup plus a short
// critical section.
package item

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cnc-go/cnc/internal/cncerr"
	"github.com/cnc-go/cnc/internal/codec"
	"github.com/cnc-go/cnc/internal/distributor"
	"github.com/cnc-go/cnc/internal/log"
	"github.com/cnc-go/cnc/internal/metrics"
	"github.com/cnc-go/cnc/internal/transport"
	"github.com/cnc-go/cnc/internal/tuner"
)

// unknownPid marks a cell whose owner has not yet been resolved.
const unknownPid = -1

// EnvWaiter is the suspend-group member used by a blocking environment get.
// Step-instance waiters are implemented by internal/step so that item has no
// upward dependency on the scheduler.
type EnvWaiter struct {
	ch chan struct{}
}

// NewEnvWaiter constructs a fresh environment waiter.
func NewEnvWaiter() *EnvWaiter { return &EnvWaiter{ch: make(chan struct{}, 1)} }

// Suspend is a no-op; the environment blocks on its own channel.
func (w *EnvWaiter) Suspend() {}

// Resume signals the waiter's channel; always reports isEnv true.
func (w *EnvWaiter) Resume() bool {
	select {
	case w.ch <- struct{}{}:
	default:
	}
	return true
}

type cell[V any] struct {
	mu          sync.Mutex
	hasValue    bool
	value       V
	getCount    int
	waiters     []tuner.Waiter
	subscribers []int
	ownerPid    int
	amCreator   bool
}

func newCell[V any](getCount int) *cell[V] {
	return &cell[V]{getCount: getCount, ownerPid: unknownPid}
}

func (c *cell[V]) resumeLocked() (envReleased bool) {
	waiters := c.waiters
	c.waiters = nil
	for _, w := range waiters {
		if w.Resume() {
			envReleased = true
		}
	}
	return envReleased
}

// Collection is a single-assignment item collection keyed by tag T holding
// values of type V.
type Collection[T comparable, V any] struct {
	name     string
	distID   int
	pid      int
	registry *distributor.Registry
	tr       transport.Transport
	tuner    tuner.ItemTuner[T]
	tagCodec codec.Codec[T]
	valCodec codec.Codec[V]

	gcThreshold int

	tableMu sync.RWMutex
	cells   map[T]*cell[V]

	onPutMu sync.Mutex
	onPuts  []func(tag T, value V)

	pendingMu    sync.Mutex
	pending      map[int][]T
	pendingCount int

	eraseMu     sync.Mutex
	eraseBuffer []T

	gatherMu        sync.Mutex
	gatherResultsMu sync.Mutex
	gatherPending   int
	gatherDone      chan struct{}
}

// Config bundles the construction-time dependencies a Collection needs.
type Config[T comparable, V any] struct {
	Name        string
	DistID      int
	Registry    *distributor.Registry
	Transport   transport.Transport
	Tuner       tuner.ItemTuner[T]
	TagCodec    codec.Codec[T]
	ValueCodec  codec.Codec[V]
	GCThreshold int
	// Capacity optionally pre-sizes the table; a performance hint with no
	// semantic effect.
	Capacity int
}

// New constructs a Collection and registers it with the transport under
// DistID so it can receive wire messages addressed to it.
func New[T comparable, V any](cfg Config[T, V]) *Collection[T, V] {
	if cfg.GCThreshold <= 0 {
		cfg.GCThreshold = 100
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 64
	}
	c := &Collection[T, V]{
		name:        cfg.Name,
		distID:      cfg.DistID,
		pid:         cfg.Registry.Pid(),
		registry:    cfg.Registry,
		tr:          cfg.Transport,
		tuner:       cfg.Tuner,
		tagCodec:    cfg.TagCodec,
		valCodec:    cfg.ValueCodec,
		gcThreshold: cfg.GCThreshold,
		cells:       make(map[T]*cell[V], capacity),
		pending:     make(map[int][]T),
	}
	c.tr.Register(c.distID, c)
	return c
}

func (c *Collection[T, V]) cellFor(tag T) *cell[V] {
	c.tableMu.RLock()
	cl, ok := c.cells[tag]
	c.tableMu.RUnlock()
	if ok {
		return cl
	}
	c.tableMu.Lock()
	defer c.tableMu.Unlock()
	if cl, ok = c.cells[tag]; ok {
		return cl
	}
	cl = newCell[V](c.tuner.GetCount(tag))
	c.cells[tag] = cl
	return cl
}

// OnPut registers an observer fired synchronously on every local put,
// including puts whose get-count of zero drops the value immediately.
func (c *Collection[T, V]) OnPut(fn func(tag T, value V)) {
	c.onPutMu.Lock()
	defer c.onPutMu.Unlock()
	c.onPuts = append(c.onPuts, fn)
}

func (c *Collection[T, V]) fireOnPuts(tag T, value V) {
	c.onPutMu.Lock()
	fns := append([]func(T, V){}, c.onPuts...)
	c.onPutMu.Unlock()
	for _, fn := range fns {
		fn(tag, value)
	}
}

// routeKind describes how a tag's consumed_on tuner decision routes a put.
type routeKind int

const (
	routeLocal routeKind = iota
	routeAll
	routeAllOthers
	routeSingle
	routeVector
)

func classifyConsumedOn(pids []int) (routeKind, int) {
	switch {
	case len(pids) == 0:
		return routeLocal, 0
	case len(pids) == 1 && pids[0] == tuner.ConsumerAll:
		return routeAll, 0
	case len(pids) == 1 && pids[0] == tuner.ConsumerAllOthers:
		return routeAllOthers, 0
	case len(pids) == 1 && pids[0] == tuner.ConsumerLocal:
		return routeLocal, 0
	case len(pids) == 1:
		return routeSingle, pids[0]
	default:
		return routeVector, 0
	}
}

// Put inserts tag's value. Duplicate puts on the owner are a programmer
// error: logged as a warning, second value dropped.
func (c *Collection[T, V]) Put(tag T, value V) {
	route, single := classifyConsumedOn(c.tuner.ConsumedOn(tag))

	switch route {
	case routeLocal:
		if c.putLocal(tag, value, c.pid, true) {
			c.fireOnPuts(tag, value)
		}
	case routeAll:
		if c.putLocal(tag, value, c.pid, true) {
			c.fireOnPuts(tag, value)
		}
		c.sendDeliverToAllExcept(tag, value, c.pid, c.pid)
	case routeAllOthers:
		owner := c.registry.RotatingOwner(fmt.Sprintf("%v", tag), c.pid)
		c.fireOnPuts(tag, value)
		c.sendDeliverToAllExcept(tag, value, owner, c.pid)
	case routeSingle:
		c.fireOnPuts(tag, value)
		buf := encodeDeliverToOwn(c.tagCodec, c.valCodec, tag, value)
		if err := c.tr.Send(single, c.distID, buf); err != nil {
			log.GetLogger().Warn("item: deliver_to_own send failed: ", err)
		}
	case routeVector:
		pids := c.tuner.ConsumedOn(tag)
		owner := pids[0]
		c.fireOnPuts(tag, value)
		buf := encodeDeliver(c.tagCodec, c.valCodec, owner, tag, value)
		for _, pid := range pids {
			if err := c.tr.Send(pid, c.distID, buf); err != nil {
				log.GetLogger().Warn("item: deliver send failed: ", err)
			}
		}
	}
}

func (c *Collection[T, V]) peersExcept(excludePid int) []int {
	n := c.registry.NumProcesses()
	pids := make([]int, 0, n-1)
	for pid := 0; pid < n; pid++ {
		if pid != excludePid {
			pids = append(pids, pid)
		}
	}
	return pids
}

func (c *Collection[T, V]) sendDeliverToAllExcept(tag T, value V, ownerPid, excludePid int) {
	buf := encodeDeliver(c.tagCodec, c.valCodec, ownerPid, tag, value)
	if err := c.tr.BcastSubset(c.distID, buf, c.peersExcept(excludePid)); err != nil {
		log.GetLogger().Warn("item: deliver broadcast send failed: ", err)
	}
}

// putLocal stores value in tag's cell if it isn't already present, marks
// ownership, resumes any suspend group and serves recorded subscribers. It
// reports whether the value was actually stored (false on a duplicate put).
func (c *Collection[T, V]) putLocal(tag T, value V, ownerPid int, amCreator bool) bool {
	cl := c.cellFor(tag)
	cl.mu.Lock()
	if cl.hasValue {
		wasOwner := cl.ownerPid == c.pid
		cl.mu.Unlock()
		if wasOwner {
			cncerr.Warn("item.Put", "duplicate put to tag in collection %s; dropping new value", c.name)
		} else {
			// Re-delivery of a replica is expected in distributed mode.
			log.GetLogger().Trace("item: duplicate delivery ignored in ", c.name)
		}
		codec.CleanupIfNeeded(value)
		return false
	}
	cl.value = value
	cl.hasValue = true
	cl.ownerPid = ownerPid
	cl.amCreator = amCreator
	metrics.Default.ItemsPut.Inc()

	getCountZero := cl.getCount == 0
	subs := cl.subscribers
	cl.subscribers = nil
	cl.resumeLocked()
	cl.mu.Unlock()

	if getCountZero && ownerPid == c.pid {
		// A get-count of zero at put time means the item is not stored;
		// on-put observers still fire, and no subsequent get is expected.
		c.eraseLocal(tag)
	}

	for _, pid := range subs {
		buf := encodeDeliver(c.tagCodec, c.valCodec, ownerPid, tag, value)
		if err := c.tr.Send(pid, c.distID, buf); err != nil {
			log.GetLogger().Warn("item: subscriber delivery failed: ", err)
		}
	}
	return true
}

func (c *Collection[T, V]) eraseLocal(tag T) {
	c.tableMu.Lock()
	delete(c.cells, tag)
	c.tableMu.Unlock()
	metrics.Default.ItemsErased.Inc()
}

// UnsafeGet is the non-suspending probe: on a miss it registers w in the
// cell's suspend group (so the step is rescheduled on arrival) and returns
// ok=false without replaying.
func (c *Collection[T, V]) UnsafeGet(tag T, w tuner.Waiter) (V, bool) {
	cl := c.cellFor(tag)
	cl.mu.Lock()
	if cl.hasValue {
		v := cl.value
		cl.mu.Unlock()
		return v, true
	}
	w.Suspend()
	cl.waiters = append(cl.waiters, w)
	ownerKnown := cl.ownerPid != unknownPid
	cl.mu.Unlock()

	if !ownerKnown {
		c.requestRemote(tag)
	}
	var zero V
	return zero, false
}

// Get is the suspending probe used from a step body: a miss panics with
// cncerr.ErrDataNotReady, which the scheduler recovers from to replay the
// step. The sentinel never reaches user code.
func (c *Collection[T, V]) Get(tag T, w tuner.Waiter) V {
	v, ok := c.UnsafeGet(tag, w)
	if !ok {
		panic(cncerr.ErrDataNotReady)
	}
	return v
}

func (c *Collection[T, V]) requestRemote(tag T) {
	producedOn := c.tuner.ProducedOn(tag)
	buf := encodeRequest(c.tagCodec, tag, c.pid)
	if producedOn >= 0 {
		if err := c.tr.Send(producedOn, c.distID, buf); err != nil {
			log.GetLogger().Warn("item: request send failed: ", err)
		}
		return
	}
	if err := c.tr.BcastSubset(c.distID, buf, c.peersExcept(c.pid)); err != nil {
		log.GetLogger().Warn("item: request broadcast failed: ", err)
	}
}

// GetEnv blocks the environment until tag's value arrives or the bounded
// probe-and-sleep loop gives up, in which case it returns a warning and an
// undefined value. Interval and trial count are heuristics, not contract.
func (c *Collection[T, V]) GetEnv(ctx context.Context, tag T, pollInterval time.Duration, maxTrials int) (V, error) {
	w := NewEnvWaiter()
	cl := c.cellFor(tag)
	cl.mu.Lock()
	if cl.hasValue {
		v := cl.value
		cl.mu.Unlock()
		return v, nil
	}
	cl.waiters = append(cl.waiters, w)
	ownerKnown := cl.ownerPid != unknownPid
	cl.mu.Unlock()

	if !ownerKnown {
		c.broadcastProbe(tag)
	}

	for i := 0; i < maxTrials; i++ {
		select {
		case <-w.ch:
			cl.mu.Lock()
			v, ok := cl.value, cl.hasValue
			cl.mu.Unlock()
			if ok {
				return v, nil
			}
		case <-time.After(pollInterval):
			if !ownerKnown {
				c.broadcastProbe(tag)
			}
		case <-ctx.Done():
			var zero V
			return zero, ctx.Err()
		}
	}
	metrics.Default.EnvGetMisses.Inc()
	var zero V
	return zero, cncerr.WarnExhausted("item.GetEnv")
}

func (c *Collection[T, V]) broadcastProbe(tag T) {
	buf := encodeProbe(c.tagCodec, tag, c.pid)
	if err := c.tr.BcastSubset(c.distID, buf, c.peersExcept(c.pid)); err != nil {
		log.GetLogger().Warn("item: probe broadcast failed: ", err)
	}
}

// DecrementRefCount is called once per (collection, tag) pair a step's
// committed get list recorded, after the step finishes successfully.
func (c *Collection[T, V]) DecrementRefCount(tag T) {
	cl := c.cellFor(tag)
	cl.mu.Lock()
	if cl.getCount == tuner.NoGetCount {
		cl.mu.Unlock()
		return
	}
	cl.getCount--
	isOwner := cl.ownerPid == c.pid
	reachedZero := cl.getCount == 0
	owner := cl.ownerPid
	cl.mu.Unlock()

	if isOwner {
		if reachedZero {
			c.eraseLocal(tag)
			c.enqueueErase(tag)
		}
		return
	}
	c.accumulatePending(owner, tag)
}

func (c *Collection[T, V]) accumulatePending(owner int, tag T) {
	c.pendingMu.Lock()
	c.pending[owner] = append(c.pending[owner], tag)
	c.pendingCount++
	shouldFlush := c.pendingCount >= c.gcThreshold
	c.pendingMu.Unlock()
	if shouldFlush {
		c.FlushGetCounts(false)
	}
}

// FlushGetCounts sends any accumulated non-owner decrements to their
// owners. safeFlag indicates this process has entered its quiescence
// phase.
func (c *Collection[T, V]) FlushGetCounts(safeFlag bool) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[int][]T)
	c.pendingCount = 0
	c.pendingMu.Unlock()

	for owner, tags := range pending {
		if len(tags) == 0 {
			continue
		}
		buf := encodeGetCounts(c.tagCodec, c.pid, tags, safeFlag)
		if err := c.tr.Send(owner, c.distID, buf); err != nil {
			log.GetLogger().Warn("item: get_counts send failed: ", err)
		}
	}
}

func (c *Collection[T, V]) enqueueErase(tag T) {
	c.eraseMu.Lock()
	c.eraseBuffer = append(c.eraseBuffer, tag)
	shouldFlush := len(c.eraseBuffer) >= c.gcThreshold/2+1
	c.eraseMu.Unlock()
	if shouldFlush {
		c.FlushErase(false)
	}
}

// FlushErase broadcasts accumulated erased tags to every other process so
// non-owner replicas drop their cached copies.
func (c *Collection[T, V]) FlushErase(safeFlag bool) {
	c.eraseMu.Lock()
	tags := c.eraseBuffer
	c.eraseBuffer = nil
	c.eraseMu.Unlock()
	if len(tags) == 0 {
		return
	}
	buf := encodeErase(c.tagCodec, tags, safeFlag)
	if err := c.tr.BcastSubset(c.distID, buf, c.peersExcept(c.pid)); err != nil {
		log.GetLogger().Warn("item: erase broadcast failed: ", err)
	}
}

// Reset clears all local state and, in distributed mode, broadcasts RESET
// so replicas clear too.
func (c *Collection[T, V]) Reset() {
	c.unsafeReset()
	if err := c.tr.BcastSubset(c.distID, encodeReset(), c.peersExcept(c.pid)); err != nil {
		log.GetLogger().Warn("item: reset broadcast failed: ", err)
	}
}

func (c *Collection[T, V]) unsafeReset() {
	c.tableMu.Lock()
	c.cells = make(map[T]*cell[V])
	c.tableMu.Unlock()
	c.pendingMu.Lock()
	c.pending = make(map[int][]T)
	c.pendingCount = 0
	c.pendingMu.Unlock()
	c.eraseMu.Lock()
	c.eraseBuffer = nil
	c.eraseMu.Unlock()
}

// Erase removes tag's cell explicitly. On the owner the removal is also
// broadcast so replicas drop their copies.
func (c *Collection[T, V]) Erase(tag T) {
	c.tableMu.RLock()
	cl, ok := c.cells[tag]
	c.tableMu.RUnlock()
	if !ok {
		return
	}
	cl.mu.Lock()
	isOwner := cl.ownerPid == c.pid
	cl.mu.Unlock()
	c.eraseLocal(tag)
	if isOwner {
		c.enqueueErase(tag)
	}
}

// Each calls fn for every present item, gathering first so the snapshot
// covers every owner. fn returning false stops the iteration.
func (c *Collection[T, V]) Each(ctx context.Context, fn func(tag T, value V) bool) error {
	if err := c.gather(ctx); err != nil {
		return err
	}
	c.tableMu.RLock()
	snapshot := make(map[T]V, len(c.cells))
	for tag, cl := range c.cells {
		cl.mu.Lock()
		if cl.hasValue {
			snapshot[tag] = cl.value
		}
		cl.mu.Unlock()
	}
	c.tableMu.RUnlock()
	for tag, value := range snapshot {
		if !fn(tag, value) {
			return nil
		}
	}
	return nil
}

// Size returns the number of present items across every process, gathering
// first so the caller observes every owner's items.
func (c *Collection[T, V]) Size(ctx context.Context) (int, error) {
	if err := c.gather(ctx); err != nil {
		return 0, err
	}
	c.tableMu.RLock()
	defer c.tableMu.RUnlock()
	n := 0
	for _, cl := range c.cells {
		cl.mu.Lock()
		if cl.hasValue {
			n++
		}
		cl.mu.Unlock()
	}
	return n, nil
}

// Empty reports whether the collection holds no items anywhere, after a
// gather.
func (c *Collection[T, V]) Empty(ctx context.Context) (bool, error) {
	n, err := c.Size(ctx)
	return n == 0, err
}

func (c *Collection[T, V]) gather(ctx context.Context) error {
	c.gatherMu.Lock()
	defer c.gatherMu.Unlock()

	n := c.registry.NumProcesses() - 1
	if n <= 0 {
		return nil
	}

	c.gatherResultsMu.Lock()
	c.gatherPending = n
	done := make(chan struct{})
	c.gatherDone = done
	c.gatherResultsMu.Unlock()

	if err := c.tr.BcastSubset(c.distID, encodeGatherReq(c.pid), c.peersExcept(c.pid)); err != nil {
		log.GetLogger().Warn("item: gather_req send failed: ", err)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Collection[T, V]) ownedItems() map[T]V {
	c.tableMu.RLock()
	defer c.tableMu.RUnlock()
	out := make(map[T]V)
	for tag, cl := range c.cells {
		cl.mu.Lock()
		if cl.hasValue && cl.ownerPid == c.pid {
			out[tag] = cl.value
		}
		cl.mu.Unlock()
	}
	return out
}

// Deliver implements transport.Distributable, dispatching each inbound
// wire message to its handler by kind.
func (c *Collection[T, V]) Deliver(senderPid int, buf []byte) {
	kind, rest, err := codec.ReadKind(buf)
	if err != nil {
		cncerr.Abort("item.Deliver", "malformed message header: %v", err)
	}
	switch kind {
	case kindRequest:
		c.handleRequest(rest)
	case kindProbe:
		c.handleProbe(senderPid, rest)
	case kindDeliver:
		c.handleDeliver(rest)
	case kindDeliverToOwn:
		c.handleDeliverToOwn(rest)
	case kindUnavail:
		// No per-request bookkeeping to resolve in this implementation:
		// the environment get's own poll loop times out independently.
	case kindGetCounts:
		c.handleGetCounts(rest)
	case kindErase:
		c.handleErase(rest)
	case kindGatherReq:
		c.handleGatherReq(rest)
	case kindGatherRes:
		c.handleGatherRes(rest)
	case kindReset:
		c.unsafeReset()
	default:
		cncerr.AbortProtocol("item.Deliver", kind)
	}
}

func (c *Collection[T, V]) handleRequest(buf []byte) {
	tag, requesterPid, err := decodeRequest(c.tagCodec, buf)
	if err != nil {
		cncerr.Abort("item.handleRequest", "%v", err)
	}
	cl := c.cellFor(tag)
	cl.mu.Lock()
	if cl.hasValue {
		v, owner := cl.value, cl.ownerPid
		cl.mu.Unlock()
		buf := encodeDeliver(c.tagCodec, c.valCodec, owner, tag, v)
		if err := c.tr.Send(requesterPid, c.distID, buf); err != nil {
			log.GetLogger().Warn("item: deliver reply failed: ", err)
		}
		return
	}
	cl.subscribers = append(cl.subscribers, requesterPid)
	cl.mu.Unlock()
}

func (c *Collection[T, V]) handleProbe(senderPid int, buf []byte) {
	tag, requesterPid, err := decodeProbe(c.tagCodec, buf)
	if err != nil {
		cncerr.Abort("item.handleProbe", "%v", err)
	}
	cl := c.cellFor(tag)
	cl.mu.Lock()
	if cl.hasValue {
		v, owner := cl.value, cl.ownerPid
		cl.mu.Unlock()
		buf := encodeDeliver(c.tagCodec, c.valCodec, owner, tag, v)
		if err := c.tr.Send(requesterPid, c.distID, buf); err != nil {
			log.GetLogger().Warn("item: probe deliver reply failed: ", err)
		}
		return
	}
	cl.mu.Unlock()
	if err := c.tr.Send(requesterPid, c.distID, encodeUnavail()); err != nil {
		log.GetLogger().Warn("item: unavail reply failed: ", err)
	}
	_ = senderPid
}

func (c *Collection[T, V]) handleDeliver(buf []byte) {
	ownerPid, tag, value, err := decodeDeliver(c.tagCodec, c.valCodec, buf)
	if err != nil {
		cncerr.Abort("item.handleDeliver", "%v", err)
	}
	if c.putLocal(tag, value, ownerPid, false) {
		c.fireOnPuts(tag, value)
	}
}

func (c *Collection[T, V]) handleDeliverToOwn(buf []byte) {
	tag, value, err := decodeDeliverToOwn(c.tagCodec, c.valCodec, buf)
	if err != nil {
		cncerr.Abort("item.handleDeliverToOwn", "%v", err)
	}
	if c.putLocal(tag, value, c.pid, true) {
		c.fireOnPuts(tag, value)
	}
}

func (c *Collection[T, V]) handleGetCounts(buf []byte) {
	_, tags, safeFlag, err := decodeGetCounts(c.tagCodec, buf)
	if err != nil {
		cncerr.Abort("item.handleGetCounts", "%v", err)
	}
	for _, tag := range tags {
		cl := c.cellFor(tag)
		cl.mu.Lock()
		if cl.getCount == tuner.NoGetCount {
			cl.mu.Unlock()
			continue
		}
		if cl.ownerPid != c.pid {
			cl.mu.Unlock()
			cncerr.Abort("item.handleGetCounts", "received get_counts for tag not owned locally")
			continue
		}
		cl.getCount--
		zero := cl.getCount == 0
		cl.mu.Unlock()
		if zero {
			c.eraseLocal(tag)
			c.enqueueErase(tag)
		}
	}
	if safeFlag {
		c.FlushErase(true)
	}
}

func (c *Collection[T, V]) handleErase(buf []byte) {
	tags, _, err := decodeErase(c.tagCodec, buf)
	if err != nil {
		cncerr.Abort("item.handleErase", "%v", err)
	}
	c.tableMu.Lock()
	for _, tag := range tags {
		delete(c.cells, tag)
	}
	c.tableMu.Unlock()
}

func (c *Collection[T, V]) handleGatherReq(buf []byte) {
	senderPid, err := decodeGatherReq(buf)
	if err != nil {
		cncerr.Abort("item.handleGatherReq", "%v", err)
	}
	owned := c.ownedItems()
	reply := encodeGatherRes(c.tagCodec, c.valCodec, c.pid, owned)
	if err := c.tr.Send(senderPid, c.distID, reply); err != nil {
		log.GetLogger().Warn("item: gather_res send failed: ", err)
	}
}

func (c *Collection[T, V]) handleGatherRes(buf []byte) {
	ownerPid, items, err := decodeGatherRes(c.tagCodec, c.valCodec, buf)
	if err != nil {
		cncerr.Abort("item.handleGatherRes", "%v", err)
	}
	for tag, value := range items {
		c.putLocal(tag, value, ownerPid, false)
	}
	c.gatherResultsMu.Lock()
	c.gatherPending--
	if c.gatherPending <= 0 && c.gatherDone != nil {
		close(c.gatherDone)
		c.gatherDone = nil
	}
	c.gatherResultsMu.Unlock()
}
