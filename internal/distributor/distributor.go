// Package distributor tracks process identity within the cluster and
// supplies the rotating-ownership policy used for CONSUMER_ALL_OTHERS and
// COMPUTE_ON_ROUND_ROBIN tuner decisions, via a consistent-hash ring so
// ownership assignment is stable across processes without a central
// coordinator.
package distributor

import (
	"strconv"

	"github.com/serialx/hashring"
)

// Registry identifies this process and its peers.
type Registry struct {
	pid     int
	rootPid int
	peers   []string
	ring    *hashring.HashRing
}

// New builds a registry for a process at index pid among len(peers)
// processes, with rootPid driving the global quiescence barrier.
func New(pid, rootPid int, peers []string) *Registry {
	nodes := make([]string, len(peers))
	for i := range peers {
		nodes[i] = strconv.Itoa(i)
	}
	return &Registry{
		pid:     pid,
		rootPid: rootPid,
		peers:   peers,
		ring:    hashring.New(nodes),
	}
}

// Pid returns this process's rank.
func (r *Registry) Pid() int { return r.pid }

// RootPid returns the rank driving the global wait barrier. Any rank may
// be the root; the barrier and tree formulas are root-relative.
func (r *Registry) RootPid() int { return r.rootPid }

// IsRoot reports whether this process drives the quiescence barrier.
func (r *Registry) IsRoot() bool { return r.pid == r.rootPid }

// NumProcesses returns the cluster size.
func (r *Registry) NumProcesses() int { return len(r.peers) }

// Address returns the transport address of pid.
func (r *Registry) Address(pid int) string { return r.peers[pid] }

// RotatingOwner picks a pid for key that is never excludePid, used to
// assign CONSUMER_ALL_OTHERS ownership (the producing process must not end
// up owning its own broadcast item).
// Falls back to (excludePid+1)%N on a single-node ring or a hash miss.
func (r *Registry) RotatingOwner(key string, excludePid int) int {
	n := r.NumProcesses()
	if n <= 1 {
		return excludePid
	}
	nodes, ok := r.ring.GetNodes(key, n)
	if !ok {
		return (excludePid + 1) % n
	}
	for _, node := range nodes {
		pid, err := strconv.Atoi(node)
		if err == nil && pid != excludePid {
			return pid
		}
	}
	return (excludePid + 1) % n
}

// RoundRobinOwner picks a deterministic pid for key without excluding the
// caller, used for COMPUTE_ON_ROUND_ROBIN.
func (r *Registry) RoundRobinOwner(key string) int {
	node, ok := r.ring.GetNode(key)
	if !ok {
		return r.pid
	}
	pid, err := strconv.Atoi(node)
	if err != nil {
		return r.pid
	}
	return pid
}

// Tree returns the parent pid and up to two children pids of this process
// in the balanced binary broadcast/gather tree rooted at root:
// parent(p) = (((p - r + N) mod N) - 1)/2 + r mod N; children are the two
// inverse positions.
func Tree(pid, root, n int) (parent int, children []int, hasParent bool) {
	return TreeK(pid, root, n, 2)
}

// TreeK generalizes Tree to fanout-k: each relative position rel has parent
// (rel-1)/k and children rel*k+1 .. rel*k+k, all rotated by root.
func TreeK(pid, root, n, k int) (parent int, children []int, hasParent bool) {
	if k < 2 {
		k = 2
	}
	rel := ((pid - root + n) % n)
	if rel != 0 {
		parent = ((rel-1)/k + root) % n
		hasParent = true
	}
	for i := 1; i <= k; i++ {
		c := rel*k + i
		if c < n {
			children = append(children, (c+root)%n)
		}
	}
	return parent, children, hasParent
}
