// Package transport is the send/bcast/bcast_subset façade the coordination
// core calls through; it only ever moves opaque byte buffers and dispatches
// inbound buffers to a registered Distributable by id. The in-process
// implementation runs one buffered inbound channel and one dispatch
// goroutine per simulated process, with atomic sent/received counters the
// scheduler's quiescence detector reads.
package transport

import (
	"fmt"
	"sync"

	"github.com/tevino/abool"
	"go.uber.org/atomic"
)

// Distributable receives inbound buffers addressed to one registered id
// (an item collection, the scheduler, or a reduction graph).
type Distributable interface {
	Deliver(senderPid int, buf []byte)
}

// Transport is the façade the coordination core depends on.
type Transport interface {
	Pid() int
	N() int
	Register(id int, d Distributable)
	Send(dstPid int, id int, buf []byte) error
	Bcast(id int, buf []byte) error
	BcastSubset(id int, buf []byte, dsts []int) error
	// Sent and Received are the cumulative message counts this process has
	// issued and consumed; the scheduler's quiescence loop watches their
	// movement between barrier rounds to detect a flushed network.
	Sent() int64
	Received() int64
	Close()
}

type inbound struct {
	senderPid int
	id        int
	buf       []byte
}

// Node is one process's endpoint into an in-process Cluster.
type Node struct {
	pid     int
	cluster *Cluster

	mu       sync.Mutex
	handlers map[int]Distributable
	inboxCh  chan inbound
	closed   *abool.AtomicBool
	sent     *atomic.Int64
	received *atomic.Int64
}

func newNode(pid int, cluster *Cluster) *Node {
	n := &Node{
		pid:      pid,
		cluster:  cluster,
		handlers: make(map[int]Distributable),
		inboxCh:  make(chan inbound, 4096),
		closed:   abool.New(),
		sent:     atomic.NewInt64(0),
		received: atomic.NewInt64(0),
	}
	go n.dispatchLoop()
	return n
}

func (n *Node) dispatchLoop() {
	for msg := range n.inboxCh {
		n.mu.Lock()
		h, ok := n.handlers[msg.id]
		n.mu.Unlock()
		// Count before dispatch: a handler may release a waiter that reads
		// the counters (the wait barrier's stability check) immediately.
		n.received.Inc()
		if ok {
			h.Deliver(msg.senderPid, msg.buf)
		}
	}
}

// Pid returns this node's process rank.
func (n *Node) Pid() int { return n.pid }

// N returns the cluster size.
func (n *Node) N() int { return n.cluster.Size() }

// Register binds a Distributable to an id local to this node.
func (n *Node) Register(id int, d Distributable) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[id] = d
}

// Send delivers buf to dstPid's handler id, asynchronously.
func (n *Node) Send(dstPid int, id int, buf []byte) error {
	if n.closed.IsSet() {
		return fmt.Errorf("transport: node %d closed", n.pid)
	}
	dst := n.cluster.node(dstPid)
	if dst == nil {
		return fmt.Errorf("transport: no such pid %d", dstPid)
	}
	n.sent.Inc()
	dst.inboxCh <- inbound{senderPid: n.pid, id: id, buf: buf}
	return nil
}

// Bcast delivers buf to every process's handler id, including this one.
func (n *Node) Bcast(id int, buf []byte) error {
	for pid := 0; pid < n.cluster.Size(); pid++ {
		if err := n.Send(pid, id, buf); err != nil {
			return err
		}
	}
	return nil
}

// BcastSubset delivers buf to exactly the listed pids.
func (n *Node) BcastSubset(id int, buf []byte, dsts []int) error {
	for _, pid := range dsts {
		if err := n.Send(pid, id, buf); err != nil {
			return err
		}
	}
	return nil
}

// Sent returns the cumulative number of messages this node has issued.
func (n *Node) Sent() int64 { return n.sent.Load() }

// Received returns the cumulative number of messages this node has
// consumed off its inbox.
func (n *Node) Received() int64 { return n.received.Load() }

// Close stops accepting new sends and drains the dispatch goroutine.
func (n *Node) Close() {
	if n.closed.SetToIf(false, true) {
		close(n.inboxCh)
	}
}

// Cluster wires together N in-process Nodes so Node.Send can resolve a
// destination pid directly, without a real socket. Used for single-process
// runs (N=1) and for exercising the distributed protocol in tests without
// real networking.
type Cluster struct {
	nodes []*Node
}

// NewCluster builds a Cluster of n in-process nodes.
func NewCluster(n int) *Cluster {
	c := &Cluster{nodes: make([]*Node, n)}
	for i := 0; i < n; i++ {
		c.nodes[i] = newNode(i, c)
	}
	return c
}

// Size returns the number of processes in the cluster.
func (c *Cluster) Size() int { return len(c.nodes) }

// Node returns the Transport endpoint for pid.
func (c *Cluster) Node(pid int) Transport { return c.nodes[pid] }

func (c *Cluster) node(pid int) *Node {
	if pid < 0 || pid >= len(c.nodes) {
		return nil
	}
	return c.nodes[pid]
}

// CloseAll closes every node's dispatch loop.
func (c *Cluster) CloseAll() {
	for _, n := range c.nodes {
		n.Close()
	}
}
