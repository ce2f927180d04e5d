// Package cnc is the public surface of the coordination runtime: a Context
// owning one process's scheduler and transport endpoint, typed item, tag
// and step collections declared against it, asynchronous reductions, and
// the blocking Wait that drives the graph to global quiescence.
//
// Collections must be declared in the same order on every process so their
// transport ids line up; the scheduler always claims id 0.
package cnc

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/cnc-go/cnc/internal/config"
	"github.com/cnc-go/cnc/internal/distributor"
	"github.com/cnc-go/cnc/internal/log"
	"github.com/cnc-go/cnc/internal/scheduler"
	"github.com/cnc-go/cnc/internal/transport"
)

const schedulerDistID = 0

// Context owns one process's replica of the dataflow graph.
type Context struct {
	cfg   *config.RuntimeConfig
	tr    transport.Transport
	reg   *distributor.Registry
	sched *scheduler.Scheduler
	runID string

	envPollInterval time.Duration
	envPollTrials   int

	nextDistID   *atomic.Int32
	ownedCluster *transport.Cluster
}

// NewContext builds a Context for one process of a (possibly distributed)
// run. The transport endpoint must already be connected to its peers.
func NewContext(cfg *config.RuntimeConfig, tr transport.Transport) *Context {
	log.Init(&log.Config{
		Pattern:  cfg.Log.Pattern,
		Time:     cfg.Log.Time,
		Level:    cfg.Log.Level,
		Appender: cfg.Log.Appender,
		File:     cfg.Log.File,
	})
	reg := distributor.New(cfg.Node.Pid, cfg.Node.RootPid, cfg.Node.Peers)
	sched := scheduler.New(tr, reg, scheduler.Config{
		DistID:        schedulerDistID,
		Bypass:        cfg.Scheduler.Bypass,
		PinThreads:    cfg.Scheduler.PinThreads,
		Workers:       cfg.Scheduler.Workers,
		WaitMaxRounds: cfg.Scheduler.WaitMaxRounds,
	})
	interval, err := time.ParseDuration(cfg.Item.EnvGetPollInterval)
	if err != nil || interval <= 0 {
		interval = 5 * time.Millisecond
	}
	c := &Context{
		cfg:             cfg,
		tr:              tr,
		reg:             reg,
		sched:           sched,
		runID:           uuid.NewString(),
		envPollInterval: interval,
		envPollTrials:   cfg.Item.EnvGetPollTrials,
		nextDistID:      atomic.NewInt32(schedulerDistID),
	}
	log.GetLogger().WithField("run_id", c.runID).WithField("pid", reg.Pid()).
		Debugf("cnc: context created, %d process(es)", reg.NumProcesses())
	return c
}

// NewLocalContext builds a single-process Context over an in-process
// transport, the common embedding for non-distributed graphs and tests.
func NewLocalContext() *Context {
	cluster := transport.NewCluster(1)
	c := NewContext(config.Default(), cluster.Node(0))
	c.ownedCluster = cluster
	return c
}

func (c *Context) allocDistID() int { return int(c.nextDistID.Inc()) }

// RunID identifies this context instance in diagnostics.
func (c *Context) RunID() string { return c.runID }

// Pid returns this process's rank.
func (c *Context) Pid() int { return c.reg.Pid() }

// NumProcesses returns the cluster size.
func (c *Context) NumProcesses() int { return c.reg.NumProcesses() }

// Wait blocks until the whole graph reaches distributed quiescence: no
// step running or schedulable anywhere, no message in flight, all GC
// traffic acknowledged.
func (c *Context) Wait(ctx context.Context) error {
	return c.sched.Wait(ctx)
}

// Close retires the worker pool and, for a locally-owned cluster, the
// transport. The context is unusable afterwards.
func (c *Context) Close() {
	c.sched.Close()
	if c.ownedCluster != nil {
		c.ownedCluster.CloseAll()
	}
}
