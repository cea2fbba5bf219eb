// Package unstable implements the unstable tree (spec.md §4.5): a
// single-round index of pages observed this round that have not yet
// matched another page. It shares the stable
// tree's node/item shapes (uksm/internal/rmap) without importing the
// stable package.
package unstable

import (
	"sync"

	"uksm/internal/hostmm"
	"uksm/internal/rmap"
)

// HashMaxFunc computes a frame's second-level hash at the engine's current
// strength, supplied by the caller so this package stays ignorant of the
// hash controller.
type HashMaxFunc func(frame hostmm.FrameID) uint32

// Tree is the unstable tree. Unlike the stable tree it is discarded and
// rebuilt from scratch every round (spec.md §4.5 "whole-tree discard at
// round end"), so it carries no delta-rehash machinery and no keyhole
// check — every item in it is, by construction, still live.
type Tree struct {
	mu   sync.Mutex
	root map[uint32]*rmap.TreeNode[*rmap.Item]
}

// NewTree creates an empty unstable tree for one round.
func NewTree() *Tree {
	return &Tree{root: make(map[uint32]*rmap.TreeNode[*rmap.Item])}
}

// SearchInsert looks for an existing item whose content matches frame
// under hash. If one is found it is returned with found=true and nothing
// is changed. If none is found, item is installed into the tree in its
// place (stamped with the current round) and found is false — spec.md
// §4.5's "search-insert": a single tree walk that both searches and, on a
// miss, installs.
func (t *Tree) SearchInsert(
	hash uint32,
	item *rmap.Item,
	frame hostmm.FrameID,
	round uint64,
	hashMaxOf HashMaxFunc,
	pagesEqual func(a, b hostmm.FrameID) bool,
) (match *rmap.Item, found bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	first, ok := t.root[hash]
	if !ok {
		t.install(hash, nil, item, round)
		return nil, false
	}

	if single, has := first.Single(); has {
		if pagesEqual(single.Frame, frame) {
			return single, true
		}
		single.SetHashMax(hashMaxOf(single.Frame))
		item.SetHashMax(hashMaxOf(frame))
		first.Split()
		first.InsertSub(single)
		first.InsertSub(item)
		item.AppendRound = round
		item.SetFlag(rmap.FlagUnstable)
		item.SetUnstableNode(first)
		return nil, false
	}

	hm := hashMaxOf(frame)
	if cand, ok := first.FindSub(hm); ok && pagesEqual(cand.Frame, frame) {
		return cand, true
	}
	item.SetHashMax(hm)
	first.InsertSub(item)
	item.AppendRound = round
	item.SetFlag(rmap.FlagUnstable)
	item.SetUnstableNode(first)
	return nil, false
}

func (t *Tree) install(hash uint32, first *rmap.TreeNode[*rmap.Item], item *rmap.Item, round uint64) {
	t.root[hash] = rmap.NewTreeNode[*rmap.Item](hash, item)
	item.AppendRound = round
	item.SetFlag(rmap.FlagUnstable)
	item.SetUnstableNode(t.root[hash])
}

// Remove unlinks item from the tree ahead of the round boundary — used
// when an item's page changes underneath it mid-round (spec.md §4.5
// "append_round-matched mid-round deletion from a separate path") rather
// than waiting for the whole-tree discard.
func (t *Tree) Remove(hash uint32, item *rmap.Item) {
	t.mu.Lock()
	defer t.mu.Unlock()

	first, ok := t.root[hash]
	if !ok {
		return
	}
	if single, has := first.Single(); has && single == item {
		first.RemoveSingle()
	} else {
		first.RemoveSub(item.HashMax())
	}
	if first.Empty() {
		delete(t.root, hash)
	}
	item.SetUnstableNode(nil)
	item.SetFlag(rmap.FlagNone)
}

// Discard drops the entire tree, the round-boundary cleanup spec.md §4.5
// calls for. Every item that was still indexed loses its unstable
// membership; the caller is expected to have already read out anything it
// needed (e.g. promoting survivors to the stable tree) before calling
// this.
func (t *Tree) Discard() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, first := range t.root {
		if single, has := first.Single(); has {
			single.SetUnstableNode(nil)
			single.SetFlag(rmap.FlagNone)
			continue
		}
		for _, sub := range first.SubItems() {
			sub.SetUnstableNode(nil)
			sub.SetFlag(rmap.FlagNone)
		}
	}
	t.root = make(map[uint32]*rmap.TreeNode[*rmap.Item])
}

// Len reports how many items are currently indexed.
func (t *Tree) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, first := range t.root {
		n += first.Count()
	}
	return n
}
