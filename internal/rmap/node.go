package rmap

import (
	"sort"

	"uksm/internal/hostmm"
)

// HashMaxer is satisfied by anything the two-level tree can index at its
// second level: both *Item (unstable tree) and *StableNode (stable tree)
// carry a lazily-computed hash_max.
type HashMaxer interface {
	HashMax() uint32
}

// TreeNode is the shared first-level index node for both the stable and
// unstable trees (spec.md §3 "Tree Node (first level)"): keyed by a 32-bit
// hash, it holds either a single child directly (deferring the second-level
// hash until a collision actually arrives) or a sub-tree sorted by
// hash_max once a collision has occurred.
type TreeNode[T HashMaxer] struct {
	Hash uint32

	single    T
	hasSingle bool

	sub []T

	// InRoundList threads this node into its tree's per-round cleanup
	// list (spec.md §3 "membership in a per-round list for bulk cleanup").
	InRoundList bool
}

// NewTreeNode creates a first-level node holding a single child, deferring
// any second-level split.
func NewTreeNode[T HashMaxer](hash uint32, first T) *TreeNode[T] {
	return &TreeNode[T]{Hash: hash, single: first, hasSingle: true}
}

// Count returns the number of children under this node.
func (n *TreeNode[T]) Count() int {
	if n.hasSingle {
		return 1
	}
	return len(n.sub)
}

// Single returns the node's lone child when it hasn't yet split into a
// sub-tree.
func (n *TreeNode[T]) Single() (T, bool) {
	if n.hasSingle {
		return n.single, true
	}
	var zero T
	return zero, false
}

// Split converts a single-child node into a sub-tree, called the moment a
// second, distinct-hash_max child needs to be inserted.
func (n *TreeNode[T]) Split() {
	if n.hasSingle {
		n.sub = append(n.sub, n.single)
		var zero T
		n.single = zero
		n.hasSingle = false
	}
}

// InsertSub inserts item into the sorted sub-tree by hash_max.
func (n *TreeNode[T]) InsertSub(item T) {
	hm := item.HashMax()
	idx := sort.Search(len(n.sub), func(i int) bool { return n.sub[i].HashMax() >= hm })
	n.sub = append(n.sub, item)
	copy(n.sub[idx+1:], n.sub[idx:len(n.sub)-1])
	n.sub[idx] = item
}

// FindSub looks up a child by hash_max in the sub-tree.
func (n *TreeNode[T]) FindSub(hm uint32) (T, bool) {
	idx := sort.Search(len(n.sub), func(i int) bool { return n.sub[i].HashMax() >= hm })
	if idx < len(n.sub) && n.sub[idx].HashMax() == hm {
		return n.sub[idx], true
	}
	var zero T
	return zero, false
}

// RemoveSub removes a child by hash_max from the sub-tree, if present.
func (n *TreeNode[T]) RemoveSub(hm uint32) bool {
	idx := sort.Search(len(n.sub), func(i int) bool { return n.sub[i].HashMax() >= hm })
	if idx < len(n.sub) && n.sub[idx].HashMax() == hm {
		n.sub = append(n.sub[:idx], n.sub[idx+1:]...)
		return true
	}
	return false
}

// RemoveSingle clears the node's lone child.
func (n *TreeNode[T]) RemoveSingle() {
	var zero T
	n.single = zero
	n.hasSingle = false
}

// Empty reports whether the node has no children left in either shape.
func (n *TreeNode[T]) Empty() bool {
	return !n.hasSingle && len(n.sub) == 0
}

// SubItems returns the node's sub-tree children (for bulk iteration during
// round cleanup or delta-rehash).
func (n *TreeNode[T]) SubItems() []T {
	return n.sub
}

// NodeVma groups every rmap item of one merged page that belongs to the
// same area, keyed and kept sorted by area identity within the owning
// stable node's list (spec.md §3 "NodeVma", §4.3).
type NodeVma struct {
	Stable     *StableNode
	Area       *Area
	LastUpdate uint64
	Items      []*Item
}

// StableNode represents one merged ("ksm") page (spec.md §3 "Stable Node").
type StableNode struct {
	// Seq is this node's keyhole identity token: hostmm frames stamp their
	// mapping back-pointer with a node's Seq so get_ksm_page (stable
	// package) can detect a frame that's been freed and recycled out from
	// under a stale reference (spec.md §4.4 "Keyhole lookup").
	Seq uint64

	// Hash is the first-level hash this node is currently filed under,
	// recorded so the node can be located for removal or delta-rehash
	// without the caller needing a parallel index.
	Hash    uint32
	Frame   hostmm.FrameID
	hashMax uint32

	NodeVmas []*NodeVma
}

// HashMax implements HashMaxer.
func (s *StableNode) HashMax() uint32 { return s.hashMax }

// SetHashMax records the node's hash_max once computed.
func (s *StableNode) SetHashMax(v uint32) { s.hashMax = v }
