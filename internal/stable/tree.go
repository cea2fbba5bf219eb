// Package stable implements the two-level stable tree (spec.md §4.4):
// search, insertion, keyhole lookup and delta-rehash for pages that have
// already been merged. The node and item shapes it
// walks live in uksm/internal/rmap, shared with the unstable tree, so
// neither tree package needs to import the other.
package stable

import (
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"uksm/internal/hostmm"
	"uksm/internal/rmap"
)

// HashMaxFunc computes a frame's second-level hash at the engine's current
// strength. It is supplied by the caller (the merge engine, which owns the
// hash controller) rather than imported, so this package stays ignorant of
// the adaptive-hash state machine entirely.
type HashMaxFunc func(frame hostmm.FrameID) uint32

type rootMap = map[uint32]*rmap.TreeNode[*rmap.StableNode]

// Tree is the stable tree (spec.md §3 "Stable Tree"). It keeps two root
// maps and toggles which is "active": Rehash builds the next generation in
// the inactive slot and then flips it in, holding the exclusive lock for
// the whole rebuild, so readers never observe a tree that's half
// re-hashed (spec.md §4.4 "two preallocated root slots ... toggled so
// concurrent readers never observe a half-rehashed tree").
type Tree struct {
	mu     sync.RWMutex
	roots  [2]rootMap
	active int

	arena *hostmm.Arena
	seq   uint64

	// keyhole collapses concurrent GetKSMPage calls for the same node's
	// Seq token into one mapping check, so racing reverse-walkers (rmap
	// §4.3) don't redundantly re-validate the same keyhole.
	keyhole singleflight.Group
}

// NewTree creates an empty stable tree backed by arena for keyhole checks
// and content comparison.
func NewTree(arena *hostmm.Arena) *Tree {
	return &Tree{
		roots: [2]rootMap{make(rootMap), make(rootMap)},
		arena: arena,
	}
}

// GetKSMPage is the keyhole lookup (spec.md §4.4): it reports whether
// node's frame is still actually backing that node (the frame's
// back-pointer still carries node's Seq token) rather than having been
// freed and recycled for something else since the node was last observed.
func (t *Tree) GetKSMPage(node *rmap.StableNode) (hostmm.FrameID, bool) {
	key := strconv.FormatUint(node.Seq, 10)
	v, _, _ := t.keyhole.Do(key, func() (interface{}, error) {
		return t.arena.CheckKSMMapping(node.Frame, node.Seq), nil
	})
	if !v.(bool) {
		return hostmm.NoFrame, false
	}
	return node.Frame, true
}

// Search looks for a stable node whose page content exactly matches
// frame's, under the given first-level hash. It performs the "single
// child" shortcut (spec.md §3 "Tree Node"): a first-level node holding
// exactly one stable node is compared directly by content, deferring the
// cost of a second-level hash_max until a real collision forces a split.
//
// found is false either because no first-level node exists for hash, or
// because one exists but no child's content matches frame — in the latter
// case the caller should proceed to Insert. collided reports the second
// case specifically: a first-level bucket for hash already exists but
// frame's content doesn't match anything in it, the genuine first-level
// hash collision spec.md §4.1/§7 charge to the hash controller's negative
// cost accounting (as opposed to the common case of no bucket at all,
// which isn't a collision).
func (t *Tree) Search(hash uint32, frame hostmm.FrameID, hashMaxOf HashMaxFunc) (match *rmap.StableNode, found, collided bool) {
	t.mu.RLock()
	first, ok := t.roots[t.active][hash]
	t.mu.RUnlock()
	if !ok {
		return nil, false, false
	}

	if single, has := first.Single(); has {
		kframe, live := t.GetKSMPage(single)
		if live && t.arena.PagesEqual(kframe, frame) {
			return single, true, false
		}
		return nil, false, true
	}

	hm := hashMaxOf(frame)
	cand, ok := first.FindSub(hm)
	if !ok {
		return nil, false, true
	}
	kframe, live := t.GetKSMPage(cand)
	if !live || !t.arena.PagesEqual(kframe, frame) {
		return nil, false, true
	}
	return cand, true, false
}

// Insert adds a brand-new stable node for frame under hash, splitting the
// first-level node into a hash_max-sorted sub-tree the moment a second
// distinct page shows up under the same first-level hash (spec.md §4.4
// "stable_tree_insert"/"stable_subtree_insert"). It stamps the new node's
// keyhole token onto frame, but takes no reference on it — stable nodes
// never pin a page (spec.md §9's keyhole design note).
func (t *Tree) Insert(hash uint32, frame hostmm.FrameID, hashMaxOf HashMaxFunc) *rmap.StableNode {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	node := &rmap.StableNode{Seq: t.seq, Hash: hash, Frame: frame}
	t.arena.SetKSMMapping(frame, node.Seq)

	root := t.roots[t.active]
	first, ok := root[hash]
	if !ok {
		root[hash] = rmap.NewTreeNode[*rmap.StableNode](hash, node)
		return node
	}

	if single, has := first.Single(); has {
		if kframe, live := t.GetKSMPage(single); live {
			single.SetHashMax(hashMaxOf(kframe))
			first.Split()
			first.InsertSub(single)
		} else {
			first.Split()
		}
		node.SetHashMax(hashMaxOf(frame))
		first.InsertSub(node)
		return node
	}

	node.SetHashMax(hashMaxOf(frame))
	first.InsertSub(node)
	return node
}

// Remove unlinks node from the tree entirely and clears its keyhole
// back-pointer. Callers are responsible for having already detached every
// rmap item referencing it (rmap.Graph.DetachFromStable).
func (t *Tree) Remove(node *rmap.StableNode) {
	t.mu.Lock()
	defer t.mu.Unlock()

	root := t.roots[t.active]
	first, ok := root[node.Hash]
	if !ok {
		t.arena.ClearMapping(node.Frame)
		return
	}
	if single, has := first.Single(); has && single == node {
		first.RemoveSingle()
	} else {
		first.RemoveSub(node.HashMax())
	}
	if first.Empty() {
		delete(root, node.Hash)
	}
	t.arena.ClearMapping(node.Frame)
}

// VanishedFunc reports a node whose keyhole check failed during a rehash
// walk — its frame has been recycled out from under it — so the caller
// (the merge engine) can detach whatever rmap items still point at it.
type VanishedFunc func(node *rmap.StableNode)

// DeltaHashFunc carries a node's first-level hash forward from the
// strength it was last computed at to the engine's new strength, given its
// frame and its previously stored hash (spec.md §4.4 "delta_hash from the
// old first-level hash"), so Rehash never rereads a page's full content
// just to re-home it under a new strength.
type DeltaHashFunc func(frame hostmm.FrameID, oldHash uint32) uint32

// Rehash recomputes every stable node's first- and second-level hash
// against the engine's new strength, building the next generation in the
// currently-inactive root slot and then flipping which slot is active.
// Nodes whose keyhole check fails along the way (their frame vanished
// since last observed) are reported via onVanished and dropped from the
// rebuilt tree instead of being carried forward.
func (t *Tree) Rehash(computeHash DeltaHashFunc, hashMaxOf HashMaxFunc, onVanished VanishedFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	oldRoot := t.roots[t.active]
	newIdx := 1 - t.active

	var nodes []*rmap.StableNode
	for _, first := range oldRoot {
		if single, has := first.Single(); has {
			nodes = append(nodes, single)
			continue
		}
		nodes = append(nodes, first.SubItems()...)
	}

	// The per-node work below (a keyhole check plus one or two full-page
	// hash passes) is the expensive part of a rehash; fan it out across
	// nodes and serialize only the tree mutation, which a single
	// goroutine does cheaply afterwards (spec.md §4.4).
	results := make([]reinsertPlan, len(nodes))
	var g errgroup.Group
	g.SetLimit(maxRehashWorkers)
	for i, node := range nodes {
		i, node := i, node
		g.Go(func() error {
			results[i] = t.planReinsert(node, computeHash, hashMaxOf)
			return nil
		})
	}
	_ = g.Wait() // planReinsert never returns an error

	newRoot := make(rootMap, len(oldRoot))
	for _, plan := range results {
		t.applyReinsert(newRoot, plan, hashMaxOf, onVanished)
	}

	t.roots[newIdx] = newRoot
	t.active = newIdx
}

// maxRehashWorkers bounds how many goroutines a single Rehash call fans
// its per-node hashing out to.
const maxRehashWorkers = 8

// reinsertPlan is the result of recomputing one stable node's hashes
// against the new strength, computed off the tree's lock so Rehash can
// parallelize it.
type reinsertPlan struct {
	node    *rmap.StableNode
	frame   hostmm.FrameID
	newHash uint32
	hashMax uint32
	live    bool
}

func (t *Tree) planReinsert(node *rmap.StableNode, computeHash DeltaHashFunc, hashMaxOf HashMaxFunc) reinsertPlan {
	frame, live := t.GetKSMPage(node)
	if !live {
		return reinsertPlan{node: node, live: false}
	}
	newHash := computeHash(frame, node.Hash)
	return reinsertPlan{node: node, frame: frame, newHash: newHash, hashMax: hashMaxOf(frame), live: true}
}

func (t *Tree) applyReinsert(root rootMap, plan reinsertPlan, hashMaxOf HashMaxFunc, onVanished VanishedFunc) {
	if !plan.live {
		if onVanished != nil {
			onVanished(plan.node)
		}
		return
	}
	node := plan.node
	node.Hash = plan.newHash

	first, ok := root[plan.newHash]
	if !ok {
		root[plan.newHash] = rmap.NewTreeNode[*rmap.StableNode](plan.newHash, node)
		return
	}

	if single, has := first.Single(); has {
		if kframe, live := t.GetKSMPage(single); live {
			single.Hash = plan.newHash
			single.SetHashMax(hashMaxOf(kframe))
			first.Split()
			first.InsertSub(single)
		} else {
			first.Split()
			if onVanished != nil {
				onVanished(single)
			}
		}
		node.SetHashMax(plan.hashMax)
		first.InsertSub(node)
		return
	}

	node.SetHashMax(plan.hashMax)
	first.InsertSub(node)
}

// Len reports the number of distinct merged pages currently indexed,
// across every first-level bucket.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, first := range t.roots[t.active] {
		n += first.Count()
	}
	return n
}
