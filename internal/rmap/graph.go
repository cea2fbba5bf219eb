package rmap

import (
	"sync"

	"uksm/internal/hostmm"
)

// Counters is the engine's Observables block (spec.md §6 "External
// Interfaces" / §9 "consolidate ... into one engine value"): externally
// visible totals a CLI or telemetry exporter reads, never anything the
// merge algorithms branch on.
type Counters struct {
	PagesShared   uint64
	PagesSharing  uint64
	PagesUnshared uint64
	PagesScanned  uint64
	FullScans     uint64
	SleepTimes    uint64
}

// Graph owns the reverse-mapping bookkeeping shared by every area: the
// global counters and the inter-area duplicate table. It is the one place
// spec.md §4.3's "append rmap item to stable node" algorithm lives, since
// that algorithm touches both at once.
type Graph struct {
	mu       sync.Mutex
	Counters Counters
	inter    *InterAreaTable
}

// NewGraph builds a Graph whose inter-area table tracks up to maxDupAreas
// areas per round.
func NewGraph(maxDupAreas int) *Graph {
	return &Graph{inter: NewInterAreaTable(maxDupAreas)}
}

// InterAreaTable exposes the underlying duplicate-coincidence table, e.g.
// for the ladder package's round-boundary rebalance.
func (g *Graph) InterAreaTable() *InterAreaTable { return g.inter }

// Snapshot returns a consistent copy of the engine's Observables.
func (g *Graph) Snapshot() Counters {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Counters
}

// NotePageScanned increments the scanned-pages Observable. Called once
// per page mergeengine.ProcessPage actually examines.
func (g *Graph) NotePageScanned() {
	g.mu.Lock()
	g.Counters.PagesScanned++
	g.mu.Unlock()
}

// NotePageUnshared increments the pages_unshared Observable: a page
// filed into the unstable tree as a first observation, not (yet) proven
// to duplicate anything.
func (g *Graph) NotePageUnshared() {
	g.mu.Lock()
	g.Counters.PagesUnshared++
	g.mu.Unlock()
}

// NoteFullScan increments the completed-rounds Observable.
func (g *Graph) NoteFullScan() {
	g.mu.Lock()
	g.Counters.FullScans++
	g.mu.Unlock()
}

// NoteSleep increments the scanner-slept Observable.
func (g *Graph) NoteSleep() {
	g.mu.Lock()
	g.Counters.SleepTimes++
	g.mu.Unlock()
}

// AppendToStable links item into node's NodeVma list, implementing spec.md
// §4.3 steps 1-5:
//
//  1. pages_shared/pages_sharing: the first mapping onto a node credits
//     pages_shared; every mapping after that credits pages_sharing.
//  2. Walk the NodeVma list in area-sorted order, incrementing the
//     inter-area table for every entry last touched this round, stopping
//     at the entry whose area key is >= this item's area.
//  3. If that stopping point is an entry for the *same* area and it was
//     already touched this round, this append is an intra-area duplicate:
//     undo every increment step 2 just recorded.
//  4. Otherwise, if the same-area entry exists but from an earlier round,
//     resume the walk past it to finish counting inter-area pairs, then
//     restamp its last_update.
//  5. If no same-area entry exists at all, allocate one and insert it in
//     sorted position.
//
// In every case the item is attached to the chosen NodeVma, flagged
// stable, pins its area's anon-vma and increments the area's PagesMerged.
func (g *Graph) AppendToStable(item *Item, node *StableNode, round uint64) {
	totalBefore := nodeVmaTotalItems(node)
	g.mu.Lock()
	if totalBefore == 0 {
		g.Counters.PagesShared++
	} else {
		g.Counters.PagesSharing++
	}
	g.mu.Unlock()

	areaKey := item.Area.ID
	insertAt := len(node.NodeVmas)
	var bumped []AreaID

	i := 0
	for ; i < len(node.NodeVmas); i++ {
		nv := node.NodeVmas[i]
		if nv.Area.ID >= areaKey {
			insertAt = i
			break
		}
		if nv.LastUpdate == round {
			g.inter.Increment(areaKey, nv.Area.ID)
			bumped = append(bumped, nv.Area.ID)
		}
	}

	sameAreaIdx := -1
	if insertAt < len(node.NodeVmas) && node.NodeVmas[insertAt].Area.ID == areaKey {
		sameAreaIdx = insertAt
	}

	switch {
	case sameAreaIdx >= 0 && node.NodeVmas[sameAreaIdx].LastUpdate == round:
		for _, other := range bumped {
			g.inter.Decrement(areaKey, other)
		}
		nv := node.NodeVmas[sameAreaIdx]
		nv.Items = append(nv.Items, item)
		attachItemToNodeVma(item, nv)

	case sameAreaIdx >= 0:
		for j := insertAt + 1; j < len(node.NodeVmas); j++ {
			nv := node.NodeVmas[j]
			if nv.LastUpdate == round {
				g.inter.Increment(areaKey, nv.Area.ID)
			}
		}
		nv := node.NodeVmas[sameAreaIdx]
		nv.LastUpdate = round
		nv.Items = append(nv.Items, item)
		attachItemToNodeVma(item, nv)

	default:
		nv := &NodeVma{Stable: node, Area: item.Area, LastUpdate: round}
		node.NodeVmas = append(node.NodeVmas, nil)
		copy(node.NodeVmas[insertAt+1:], node.NodeVmas[insertAt:len(node.NodeVmas)-1])
		node.NodeVmas[insertAt] = nv
		nv.Items = append(nv.Items, item)
		attachItemToNodeVma(item, nv)
	}
}

func attachItemToNodeVma(item *Item, nv *NodeVma) {
	item.SetNodeVma(nv)
	item.SetFlag(FlagStable)
	item.Area.AnonRoot.Pin()
	item.Area.PagesMerged++
}

func nodeVmaTotalItems(node *StableNode) int {
	n := 0
	for _, nv := range node.NodeVmas {
		n += len(nv.Items)
	}
	return n
}

// DetachFromStable removes item from its stable node, the inverse of
// AppendToStable. It reports whether the NodeVma it lived in is now empty
// (in which case it has already been dropped from node.NodeVmas) and
// whether the whole node has no sharers left (in which case the caller
// should free the stable node and its frame).
func (g *Graph) DetachFromStable(node *StableNode, item *Item) (nodeVmaEmpty, nodeEmpty bool) {
	nv := item.NodeVma()
	if nv == nil {
		return false, false
	}

	totalBefore := nodeVmaTotalItems(node)

	for i, it := range nv.Items {
		if it == item {
			nv.Items = append(nv.Items[:i], nv.Items[i+1:]...)
			break
		}
	}
	item.SetNodeVma(nil)
	item.SetFlag(FlagNone)
	item.Area.AnonRoot.Drop()
	if item.Area.PagesMerged > 0 {
		item.Area.PagesMerged--
	}

	g.mu.Lock()
	if totalBefore-1 == 0 {
		g.Counters.PagesShared--
	} else {
		g.Counters.PagesSharing--
	}
	g.mu.Unlock()

	nodeVmaEmpty = len(nv.Items) == 0
	if nodeVmaEmpty {
		for i, cand := range node.NodeVmas {
			if cand == nv {
				node.NodeVmas = append(node.NodeVmas[:i], node.NodeVmas[i+1:]...)
				break
			}
		}
	}
	nodeEmpty = len(node.NodeVmas) == 0
	return nodeVmaEmpty, nodeEmpty
}

// Visitor is called once per virtual mapping a reverse walk discovers,
// for the three dispatch kinds spec.md §4.3 names: reference, unmap and
// migrate. Returning true stops the walk early.
type Visitor func(frame hostmm.FrameID, area *Area, pageIndex int) (stop bool)

// ReverseWalk visits every live mapping of node's merged page: each
// NodeVma's items under that area's anon-vma lock, and — when
// searchNewForks is set — every other area still covered by the same
// anon-vma, so a fork that hasn't independently re-discovered the
// duplicate yet is still reached (spec.md §4.3 "search_new_forks").
func (g *Graph) ReverseWalk(node *StableNode, searchNewForks bool, visit Visitor) {
	for _, nv := range node.NodeVmas {
		nv.Area.AnonRoot.Lock()
		stop := false
		for _, it := range nv.Items {
			if visit(node.Frame, it.Area, it.PageIndex) {
				stop = true
				break
			}
		}
		if !stop && searchNewForks {
			for _, forked := range nv.Area.AnonRoot.CoveringAreas() {
				if forked == nv.Area {
					continue
				}
				for _, it := range nv.Items {
					if visit(node.Frame, forked, it.PageIndex) {
						stop = true
						break
					}
				}
				if stop {
					break
				}
			}
		}
		nv.Area.AnonRoot.Unlock()
		if stop {
			return
		}
	}
}
