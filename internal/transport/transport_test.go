package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu  sync.Mutex
	got [][]byte
}

func (r *recorder) Deliver(senderPid int, buf []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, buf)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestSendDeliversToOneNode(t *testing.T) {
	cluster := NewCluster(3)
	defer cluster.CloseAll()

	rec := &recorder{}
	cluster.Node(1).Register(7, rec)

	require.NoError(t, cluster.Node(0).Send(1, 7, []byte("hello")))
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)
}

func TestBcastReachesEveryNode(t *testing.T) {
	cluster := NewCluster(4)
	defer cluster.CloseAll()

	recs := make([]*recorder, 4)
	for i := 0; i < 4; i++ {
		recs[i] = &recorder{}
		cluster.Node(i).Register(1, recs[i])
	}

	require.NoError(t, cluster.Node(0).Bcast(1, []byte("x")))
	for i := 0; i < 4; i++ {
		require.Eventually(t, func() bool { return recs[i].count() == 1 }, time.Second, time.Millisecond)
	}
}

func TestBcastSubsetExcludesOthers(t *testing.T) {
	cluster := NewCluster(3)
	defer cluster.CloseAll()

	recs := make([]*recorder, 3)
	for i := 0; i < 3; i++ {
		recs[i] = &recorder{}
		cluster.Node(i).Register(1, recs[i])
	}

	require.NoError(t, cluster.Node(0).BcastSubset(1, []byte("x"), []int{2}))
	require.Eventually(t, func() bool { return recs[2].count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, recs[1].count())
}
