package rmap

import "uksm/internal/hostmm"

// Flag records which tree, if any, an rmap item currently belongs to.
// The original kernel packs this into the low bits of the item's virtual
// address; spec.md §9 flags that bit-packing as an open question and
// recommends isolating it behind accessors. This implementation resolves
// that question by keeping the flag as its own field and never exposing
// it for direct manipulation — SetFlag/Flag are the only way to observe or
// change it, so the "at most one of STABLE/UNSTABLE" invariant (spec §8
// invariant 1) is enforced in one place.
type Flag uint8

const (
	FlagNone Flag = iota
	FlagUnstable
	FlagStable
)

// Item is the engine's record of one virtual mapping of interest — an
// rmap item (spec.md §3). It is allocated once per page slot an area has
// ever visited and is reused across rounds.
type Item struct {
	Area      *Area
	PageIndex int

	flag        Flag
	hashMax     uint32 // 0 iff hash_max has not been computed
	AppendRound uint64
	Frame       hostmm.FrameID

	nodeVma      *NodeVma        // valid iff flag == FlagStable
	unstableNode *TreeNode[*Item] // the first-level node this item sits under, iff flag == FlagUnstable
}

// Flag returns the item's current tree membership.
func (it *Item) Flag() Flag { return it.flag }

// SetFlag transitions the item's tree membership. Callers are responsible
// for having already unlinked the item from wherever SetFlag's old value
// pointed before calling this with a new one.
func (it *Item) SetFlag(f Flag) { it.flag = f }

// HashMax implements the rmap.HashMaxer interface used by the generic
// two-level tree node.
func (it *Item) HashMax() uint32 { return it.hashMax }

// SetHashMax records the item's hash_max once computed.
func (it *Item) SetHashMax(v uint32) { it.hashMax = v }

// NodeVma returns the stable-graph grouping this item belongs to, or nil
// if the item is not currently in the stable tree.
func (it *Item) NodeVma() *NodeVma { return it.nodeVma }

// SetNodeVma attaches or clears the item's stable-graph grouping.
func (it *Item) SetNodeVma(nv *NodeVma) { it.nodeVma = nv }

// UnstableNode returns the first-level tree node this item is indexed
// under in the unstable tree, or nil if not currently unstable.
func (it *Item) UnstableNode() *TreeNode[*Item] { return it.unstableNode }

// SetUnstableNode records which first-level tree node now owns this item.
func (it *Item) SetUnstableNode(n *TreeNode[*Item]) { it.unstableNode = n }
