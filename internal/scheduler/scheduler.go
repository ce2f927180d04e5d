// Package scheduler drives ready step instances onto a bounded worker pool
// and implements bypass dispatch, the sequentialized and pending lists, and
// the distributed quiescence ("wait") barrier. One step runs on one worker
// at a time; the only suspension points are item gets that miss and the end
// of a successful execute.
package scheduler

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/tevino/abool"
	"go.uber.org/atomic"

	"github.com/cnc-go/cnc/internal/cncerr"
	"github.com/cnc-go/cnc/internal/codec"
	"github.com/cnc-go/cnc/internal/distributor"
	"github.com/cnc-go/cnc/internal/log"
	"github.com/cnc-go/cnc/internal/metrics"
	"github.com/cnc-go/cnc/internal/step"
	"github.com/cnc-go/cnc/internal/transport"
)

// drainPoll is the idle spin interval while waiting for in-flight steps.
const drainPoll = 200 * time.Microsecond

// Flusher is the distributed-GC surface every item collection exposes to
// the wait protocol: non-owner get-count flushes, then owner-side erase
// broadcasts, both tagged with the quiescence safe flag.
type Flusher interface {
	FlushGetCounts(safeFlag bool)
	FlushErase(safeFlag bool)
}

// Config tunes one process's scheduler.
type Config struct {
	// DistID is the transport id the scheduler registers under.
	DistID int
	// Bypass enables in-worker execution of a sole deferred successor.
	Bypass bool
	// PinThreads locks each executing goroutine to its OS thread for the
	// duration of a step, honoring tuner affinity hints.
	PinThreads bool
	// Workers bounds the ready-queue pool; 0 means GOMAXPROCS.
	Workers int
	// WaitMaxRounds caps the quiescence barrier's repeat loop.
	WaitMaxRounds int
}

// Scheduler is one process's ready-queue feeder and wait-barrier endpoint.
type Scheduler struct {
	tr  transport.Transport
	reg *distributor.Registry
	cfg Config

	workers  *pool.Pool
	inFlight *atomic.Int64

	listMu  sync.Mutex
	pending []*step.Instance
	seq     []*step.Instance

	factMu    sync.RWMutex
	factories map[int]func(tagBuf []byte)

	flushMu  sync.Mutex
	flushers []Flusher

	pingCh chan int
	pongCh chan int64
	doneCh chan struct{}

	closed *abool.AtomicBool
}

// New builds a scheduler and registers it with the transport so it receives
// PING/PONG/DONE barrier traffic and shipped steps.
func New(tr transport.Transport, reg *distributor.Registry, cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.WaitMaxRounds <= 0 {
		cfg.WaitMaxRounds = 99999
	}
	s := &Scheduler{
		tr:        tr,
		reg:       reg,
		cfg:       cfg,
		workers:   pool.New().WithMaxGoroutines(cfg.Workers),
		inFlight:  atomic.NewInt64(0),
		factories: make(map[int]func([]byte)),
		pingCh:    make(chan int, 16),
		pongCh:    make(chan int64, 256),
		doneCh:    make(chan struct{}, 16),
		closed:    abool.New(),
	}
	tr.Register(cfg.DistID, s)
	return s
}

// RegisterFlusher adds an item collection to the quiescence flush set.
func (s *Scheduler) RegisterFlusher(f Flusher) {
	s.flushMu.Lock()
	s.flushers = append(s.flushers, f)
	s.flushMu.Unlock()
}

// RegisterStepFactory binds a step collection id to a constructor that
// decodes a shipped tag and prescribes the step locally.
func (s *Scheduler) RegisterStepFactory(collectionID int, fn func(tagBuf []byte)) {
	s.factMu.Lock()
	s.factories[collectionID] = fn
	s.factMu.Unlock()
}

// ShipStep sends a prescription to dstPid, where the registered factory for
// collectionID re-creates and schedules the instance.
func (s *Scheduler) ShipStep(dstPid, collectionID int, tagBuf []byte) {
	metrics.Default.StepsShipped.Inc()
	if err := s.tr.Send(dstPid, s.cfg.DistID, encodeStep(collectionID, tagBuf)); err != nil {
		log.GetLogger().Warn("scheduler: step ship failed: ", err)
	}
}

// Schedule feeds one prepared instance to the worker pool, or to the
// sequentialized list when its tuner demands serial execution.
func (s *Scheduler) Schedule(inst *step.Instance) {
	metrics.Default.StepsScheduled.Inc()
	if inst.Sequentialized() {
		metrics.Default.StepsSequentialized.Inc()
		inst.SetStatus(step.StatusSequentialized)
		s.listMu.Lock()
		s.seq = append(s.seq, inst)
		s.listMu.Unlock()
		return
	}
	s.inFlight.Inc()
	// Submission must never block: Schedule is reached from under item-cell
	// locks (resume on put) and from the transport dispatch goroutine, and
	// the pool applies backpressure when all workers are busy. The detached
	// goroutine absorbs that backpressure instead.
	go s.workers.Go(func() {
		defer s.inFlight.Dec()
		s.runLoop(inst)
	})
}

// runLoop executes inst and, under bypass dispatch, keeps executing sole
// successors in place. The loop form bounds what would otherwise be
// unbounded recursion on long chains.
func (s *Scheduler) runLoop(inst *step.Instance) {
	for inst != nil {
		inst = s.executeOne(inst)
	}
}

func (s *Scheduler) executeOne(inst *step.Instance) *step.Instance {
	if inst.Canceled() {
		metrics.Default.StepsCanceled.Inc()
		inst.SetStatus(step.StatusDone)
		inst.ResetGetList()
		inst.Commit()
		return nil
	}
	// Goroutines cannot be pinned to a specific core, so an affinity hint
	// degrades to holding one OS thread for the step's duration.
	if s.cfg.PinThreads && inst.Affinity() >= 0 {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	outcome := inst.Execute()
	metrics.Default.StepsExecuted.Inc()

	switch outcome {
	case step.OutcomeSuccess:
		inst.SetStatus(step.StatusDone)
		inst.Commit()
		deferred := inst.TakeDeferred()
		if s.cfg.Bypass && len(deferred) == 1 {
			metrics.Default.StepsBypassed.Inc()
			return deferred[0]
		}
		for _, succ := range deferred {
			s.Schedule(succ)
		}
		return nil

	case step.OutcomeNeedsReplay:
		metrics.Default.StepsReplayed.Inc()
		inst.ResetGetList()
		// Successors deferred by the failed attempt were already prescribed
		// (the memo keeps the replay from prescribing them twice), so they
		// must still run; only the bypass shortcut is forfeited.
		for _, succ := range inst.TakeDeferred() {
			s.Schedule(succ)
		}
		if inst.TryReplayNow() {
			return inst
		}
		if inst.PendingOnMiss() {
			inst.SetStatus(step.StatusPending)
			s.listMu.Lock()
			s.pending = append(s.pending, inst)
			s.listMu.Unlock()
		}
		return nil

	case step.OutcomeNeedsSequentialize:
		metrics.Default.StepsSequentialized.Inc()
		inst.ResetGetList()
		for _, succ := range inst.TakeDeferred() {
			s.Schedule(succ)
		}
		inst.SetStatus(step.StatusSequentialized)
		s.listMu.Lock()
		s.seq = append(s.seq, inst)
		s.listMu.Unlock()
		return nil
	}
	return nil
}

func (s *Scheduler) listsEmpty() bool {
	s.listMu.Lock()
	defer s.listMu.Unlock()
	return len(s.pending) == 0 && len(s.seq) == 0
}

// requeuePending moves every parked instance whose dependencies may have
// arrived back onto the pool, highest priority first.
func (s *Scheduler) requeuePending() bool {
	s.listMu.Lock()
	pending := s.pending
	s.pending = nil
	s.listMu.Unlock()
	if len(pending) == 0 {
		return false
	}
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].Priority() > pending[j].Priority() })
	moved := false
	for _, inst := range pending {
		if inst.CasStatus(step.StatusPending, step.StatusFromPending) {
			inst.SetStatus(step.StatusPrepared)
			s.Schedule(inst)
			moved = true
		}
	}
	return moved
}

// drainSequentialized runs exactly one serial instance inline on the wait
// thread, highest priority first.
func (s *Scheduler) drainSequentialized() bool {
	s.listMu.Lock()
	if len(s.seq) == 0 {
		s.listMu.Unlock()
		return false
	}
	sort.SliceStable(s.seq, func(i, j int) bool { return s.seq[i].Priority() > s.seq[j].Priority() })
	inst := s.seq[0]
	s.seq = s.seq[1:]
	s.listMu.Unlock()
	inst.SetStatus(step.StatusPrepared)
	s.runLoop(inst)
	return true
}

// drainLocal spins until no step is running, the pending list is empty and
// the sequentialized list is drained. New puts made by sequentialized steps
// may re-populate both queues, so the loop repeats until all three are
// simultaneously quiet.
func (s *Scheduler) drainLocal() {
	for {
		for s.inFlight.Load() > 0 {
			time.Sleep(drainPoll)
		}
		if s.requeuePending() {
			continue
		}
		if s.drainSequentialized() {
			continue
		}
		if s.inFlight.Load() == 0 && s.listsEmpty() {
			return
		}
	}
}

func (s *Scheduler) flushAll(safeFlag bool) {
	s.flushMu.Lock()
	flushers := append([]Flusher{}, s.flushers...)
	s.flushMu.Unlock()
	for _, f := range flushers {
		f.FlushGetCounts(safeFlag)
	}
	for _, f := range flushers {
		f.FlushErase(safeFlag)
	}
}

// Wait drives this process to global quiescence: no step running or
// schedulable, no in-flight message undelivered, all GC traffic flushed.
func (s *Scheduler) Wait(ctx context.Context) error {
	defer func() {
		log.GetLogger().Debug("scheduler: quiescent: ", metrics.Default.Report())
	}()
	if s.reg.NumProcesses() == 1 {
		s.drainLocal()
		s.flushAll(true)
		s.drainLocal()
		return nil
	}
	if s.reg.IsRoot() {
		return s.waitRoot(ctx)
	}
	return s.waitWorker(ctx)
}

// waitRoot runs the barrier's driving side: PING everyone, drain locally,
// collect PONGs, and repeat until two consecutive rounds observe no traffic
// beyond the barrier's own 2·N−2 messages. Then DONE releases the peers.
func (s *Scheduler) waitRoot(ctx context.Context) error {
	n := s.reg.NumProcesses()
	stable := 0
	prevTotal := int64(-1)
	for round := 0; round < s.cfg.WaitMaxRounds; round++ {
		metrics.Default.WaitRounds.Inc()
		before := s.tr.Sent() + s.tr.Received()

		ping := encodePing(s.reg.RootPid())
		for pid := 0; pid < n; pid++ {
			if pid == s.reg.Pid() {
				continue
			}
			if err := s.tr.Send(pid, s.cfg.DistID, ping); err != nil {
				return err
			}
		}

		s.drainLocal()
		s.flushAll(true)
		s.drainLocal()

		workerTotal := int64(0)
		for i := 0; i < n-1; i++ {
			select {
			case t := <-s.pongCh:
				workerTotal += t
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		s.drainLocal()

		// A clean round moves exactly the barrier's own fan-out and nothing
		// else: the root sends N-1 PINGs and receives N-1 PONGs, and each
		// worker receives one PING and sends one PONG. Any item, GC or
		// reduction traffic anywhere breaks the arithmetic and the cycle
		// repeats.
		delta := s.tr.Sent() + s.tr.Received() - before
		total := workerTotal
		clean := delta == int64(2*(n-1)) &&
			(prevTotal < 0 || total-prevTotal == int64(2*(n-1))) &&
			s.listsEmpty() && s.inFlight.Load() == 0
		prevTotal = total
		if clean {
			stable++
			if stable >= 2 {
				done := encodeDone()
				for pid := 0; pid < n; pid++ {
					if pid == s.reg.Pid() {
						continue
					}
					if err := s.tr.Send(pid, s.cfg.DistID, done); err != nil {
						return err
					}
				}
				return nil
			}
		} else {
			stable = 0
		}
	}
	return cncerr.Combine(fmt.Errorf("scheduler: wait exceeded %d rounds without quiescing", s.cfg.WaitMaxRounds))
}

// waitWorker answers PINGs with a drained-and-flushed PONG until the root
// confirms collective quiescence with DONE.
func (s *Scheduler) waitWorker(ctx context.Context) error {
	for {
		select {
		case rootPid := <-s.pingCh:
			s.drainLocal()
			s.flushAll(true)
			s.drainLocal()
			// The +1 accounts for the PONG itself, so a clean round's
			// per-worker growth is exactly one PING in and one PONG out.
			total := s.tr.Sent() + s.tr.Received() + 1
			if err := s.tr.Send(rootPid, s.cfg.DistID, encodePong(total)); err != nil {
				return err
			}
		case <-s.doneCh:
			s.drainLocal()
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Deliver implements transport.Distributable for barrier and step traffic.
func (s *Scheduler) Deliver(senderPid int, buf []byte) {
	kind, rest, err := codec.ReadKind(buf)
	if err != nil {
		cncerr.Abort("scheduler.Deliver", "malformed message header: %v", err)
	}
	switch kind {
	case kindPing:
		rootPid, err := decodePing(rest)
		if err != nil {
			cncerr.Abort("scheduler.Deliver", "malformed ping: %v", err)
		}
		s.pingCh <- rootPid
	case kindPong:
		total, err := decodePong(rest)
		if err != nil {
			cncerr.Abort("scheduler.Deliver", "malformed pong: %v", err)
		}
		s.pongCh <- total
	case kindDone:
		s.doneCh <- struct{}{}
	case kindStep:
		collectionID, tagBuf, err := decodeStep(rest)
		if err != nil {
			cncerr.Abort("scheduler.Deliver", "malformed step: %v", err)
		}
		s.factMu.RLock()
		fn, ok := s.factories[collectionID]
		s.factMu.RUnlock()
		if !ok {
			cncerr.Abort("scheduler.Deliver", "shipped step for unknown collection %d", collectionID)
		}
		fn(tagBuf)
	default:
		cncerr.AbortProtocol("scheduler.Deliver", kind)
	}
	_ = senderPid
}

// Close retires the worker pool. No steps may be scheduled afterwards.
func (s *Scheduler) Close() {
	if s.closed.SetToIf(false, true) {
		s.workers.Wait()
	}
}
