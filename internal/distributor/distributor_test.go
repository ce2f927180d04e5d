package distributor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTreeCoversEveryProcessOnce(t *testing.T) {
	for n := 1; n <= 9; n++ {
		for root := 0; root < n; root++ {
			seen := map[int]bool{root: true}
			frontier := []int{root}
			for len(frontier) > 0 {
				pid := frontier[0]
				frontier = frontier[1:]
				_, children, _ := Tree(pid, root, n)
				for _, c := range children {
					require.Falsef(t, seen[c], "n=%d root=%d: %d reached twice", n, root, c)
					seen[c] = true
					frontier = append(frontier, c)
				}
			}
			assert.Lenf(t, seen, n, "n=%d root=%d: not every process reached", n, root)
		}
	}
}

func TestTreeParentChildInverse(t *testing.T) {
	for n := 2; n <= 9; n++ {
		for root := 0; root < n; root++ {
			for pid := 0; pid < n; pid++ {
				parent, _, hasParent := Tree(pid, root, n)
				if pid == root {
					assert.False(t, hasParent)
					continue
				}
				require.True(t, hasParent)
				_, children, _ := Tree(parent, root, n)
				assert.Containsf(t, children, pid, "n=%d root=%d: %d not a child of its parent %d", n, root, pid, parent)
			}
		}
	}
}

func TestTreeKWiderFanout(t *testing.T) {
	for _, k := range []int{2, 3, 4} {
		n, root := 10, 3
		seen := map[int]bool{root: true}
		frontier := []int{root}
		for len(frontier) > 0 {
			pid := frontier[0]
			frontier = frontier[1:]
			_, children, _ := TreeK(pid, root, n, k)
			assert.LessOrEqual(t, len(children), k)
			for _, c := range children {
				require.False(t, seen[c])
				seen[c] = true
				frontier = append(frontier, c)
			}
		}
		assert.Len(t, seen, n)
	}
}

func TestRotatingOwnerNeverExcluded(t *testing.T) {
	r := New(0, 0, []string{"a", "b", "c", "d"})
	for _, key := range []string{"x", "y", "z", "items/42"} {
		for exclude := 0; exclude < 4; exclude++ {
			owner := r.RotatingOwner(key, exclude)
			assert.NotEqual(t, exclude, owner)
			assert.GreaterOrEqual(t, owner, 0)
			assert.Less(t, owner, 4)
		}
	}
}

func TestRoundRobinOwnerStable(t *testing.T) {
	a := New(0, 0, []string{"a", "b", "c"})
	b := New(1, 0, []string{"a", "b", "c"})
	for _, key := range []string{"s/1", "s/2", "s/3"} {
		assert.Equal(t, a.RoundRobinOwner(key), b.RoundRobinOwner(key))
	}
}
