// Package sumtree implements a binary sum tree over a fixed set of
// leaves, supporting O(log n) point updates and proportional stochastic
// sampling. A parallel min tree tracks the smallest positive leaf,
// which prioritized replay needs to normalize importance weights.
package sumtree

import (
	"math"
	"math/rand"
)

// Tree is a fixed-capacity sum tree. Leaves hold non-negative values;
// a zero leaf has zero mass and can never be returned by Sample.
// Tree is not safe for concurrent use; callers provide their own
// synchronization.
type Tree struct {
	capacity int       // number of addressable leaves
	base     int       // power-of-two leaf count >= capacity
	sums     []float64 // 1-indexed heap layout, sums[1] is the root
	mins     []float64 // same layout, min over positive leaves (+Inf if none)
}

// New creates a tree with the given leaf capacity, all leaves zero.
func New(capacity int) *Tree {
	if capacity <= 0 {
		panic("sumtree: capacity must be positive")
	}
	base := 1
	for base < capacity {
		base <<= 1
	}
	t := &Tree{
		capacity: capacity,
		base:     base,
		sums:     make([]float64, 2*base),
		mins:     make([]float64, 2*base),
	}
	for i := range t.mins {
		t.mins[i] = math.Inf(1)
	}
	return t
}

// Capacity returns the number of addressable leaves.
func (t *Tree) Capacity() int { return t.capacity }

// Total returns the sum of all leaf values.
func (t *Tree) Total() float64 { return t.sums[1] }

// Leaf returns the current value stored at leaf i.
func (t *Tree) Leaf(i int) float64 {
	return t.sums[t.base+i]
}

// MinPositive returns the smallest positive leaf value, or +Inf when
// every leaf is zero.
func (t *Tree) MinPositive() float64 { return t.mins[1] }

// Update sets leaf i to v and propagates the change to the root.
func (t *Tree) Update(i int, v float64) {
	if i < 0 || i >= t.capacity {
		panic("sumtree: leaf index out of range")
	}
	if v < 0 || math.IsNaN(v) {
		panic("sumtree: leaf value must be non-negative")
	}
	node := t.base + i
	t.sums[node] = v
	if v > 0 {
		t.mins[node] = v
	} else {
		t.mins[node] = math.Inf(1)
	}
	for node >>= 1; node >= 1; node >>= 1 {
		left, right := 2*node, 2*node+1
		t.sums[node] = t.sums[left] + t.sums[right]
		t.mins[node] = math.Min(t.mins[left], t.mins[right])
	}
}

// Find descends from the root and returns the leaf index whose
// cumulative-sum interval contains v. v is clamped into [0, Total).
func (t *Tree) Find(v float64) int {
	if v < 0 {
		v = 0
	}
	node := 1
	for node < t.base {
		left := 2 * node
		// Guard against floating-point drift pushing v past a
		// zero-mass right subtree.
		if v < t.sums[left] || t.sums[left+1] <= 0 {
			node = left
		} else {
			v -= t.sums[left]
			node = left + 1
		}
	}
	leaf := node - t.base
	if leaf >= t.capacity {
		leaf = t.capacity - 1
	}
	return leaf
}

// Sample draws n leaves proportionally to their values using stratified
// sampling: [0, Total) is split into n equal segments and one uniform
// draw is taken per segment. Returns leaf indices and their values.
// Total must be positive.
func (t *Tree) Sample(n int, rng *rand.Rand) ([]int, []float64) {
	total := t.Total()
	leaves := make([]int, n)
	values := make([]float64, n)
	if n == 0 {
		return leaves, values
	}
	segment := total / float64(n)
	for i := 0; i < n; i++ {
		v := (float64(i) + rng.Float64()) * segment
		leaf := t.Find(v)
		leaves[i] = leaf
		values[i] = t.Leaf(leaf)
	}
	return leaves, values
}
