// Package rmap holds the engine's shared data model (spec.md §3): areas
// (VmaSlots), rmap items, the stable/unstable tree node shapes, and the
// reverse-mapping graph operations that tie a merged page back to every
// virtual mapping of it. Stable and unstable tree *search* algorithms live
// in sibling packages; the node and item shapes they index live here so
// neither tree package needs to depend on the other.
package rmap

import (
	"sync"

	"golang.org/x/exp/rand"

	"uksm/internal/hostmm"
)

// AreaID identifies one VmaSlot for inter-area bookkeeping.
type AreaID uint32

// AnonVMA is a simplified stand-in for the kernel's anon_vma: the set of
// areas that cover copies of the same anonymous mapping (forks of one
// another), plus the refcount the rmap graph pins while a stable node
// references a page inside it (spec §4.3 "Anon-VMA pinning").
type AnonVMA struct {
	mu      sync.Mutex
	pinRefs int32
	areas   []*Area
}

// Pin increments the anon-vma's external reference count, keeping the
// traversal target alive for reverse walks without granting ownership of
// the area itself (spec §4.3).
func (v *AnonVMA) Pin() {
	v.mu.Lock()
	v.pinRefs++
	v.mu.Unlock()
}

// Drop decrements the pin count. The real kernel frees the anon_vma once
// both the pin count and its covering-area list are empty; this
// simulation never removes areas from its covering-area list, so Drop
// here only reports whether the pin side has reached zero.
func (v *AnonVMA) Drop() (pinZero bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pinRefs--
	if v.pinRefs < 0 {
		panic("rmap: anon-vma pin underflow")
	}
	return v.pinRefs == 0
}

// Lock/Unlock are the anon-vma lock primitive reverse walks take, never
// the scanner (spec §5).
func (v *AnonVMA) Lock()   { v.mu.Lock() }
func (v *AnonVMA) Unlock() { v.mu.Unlock() }

// CoveringAreas returns the areas currently sharing this anon-vma (forked
// copies), for reverse walks' "search_new_forks" pass (spec §4.3).
func (v *AnonVMA) CoveringAreas() []*Area {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]*Area, len(v.areas))
	copy(out, v.areas)
	return out
}

// AddCoveringArea registers a forked area as sharing this anon-vma.
func (v *AnonVMA) AddCoveringArea(a *Area) {
	v.mu.Lock()
	v.areas = append(v.areas, a)
	v.mu.Unlock()
}

// Area is one eligible anonymous mapping — the spec's VmaSlot (§3). It
// pairs the host-side page table (hostmm.Area) with the scanner's
// bookkeeping: the ladder rung it lives on, per-round counters, the
// lazily-grown rmap item pool, and the area's own permutation state for
// randomized per-page visitation order (spec §4.6).
type Area struct {
	ID    AreaID
	Owner string // owning process handle
	Host  *hostmm.Area

	AnonRoot *AnonVMA

	Rung int // ladder pointer; -1 means not yet admitted

	PagesScanned uint64
	PagesMerged  uint64
	PagesCowed   uint64

	ScannedThisRound bool

	InterAreaIndex int // -1 if none assigned this round

	poolMu sync.Mutex
	pool   map[int]*Item

	rng    *rand.Rand
	perm   []int
	cursor int

	deleting bool
}

// NewArea creates a fresh area admitting pages pages, with its own anon-vma
// root and a private PRNG seeded independently of the engine's other areas
// (spec SPEC_FULL domain stack: golang.org/x/exp/rand per area avoids
// contending a single global source under concurrent admission).
func NewArea(id AreaID, owner string, host *hostmm.Area, seed uint64) *Area {
	a := &Area{
		ID:             id,
		Owner:          owner,
		Host:           host,
		AnonRoot:       &AnonVMA{},
		Rung:           -1,
		InterAreaIndex: -1,
		pool:           make(map[int]*Item),
		rng:            rand.New(rand.NewSource(seed)),
	}
	a.AnonRoot.AddCoveringArea(a)
	return a
}

// Pages returns the number of pages this area's host mapping covers.
func (a *Area) Pages() int { return a.Host.Npages() }

// MarkDeleting flags the area for lazy teardown at the scanner's next safe
// point, mirroring the two-phase area-removal protocol (spec §4.6, §5).
func (a *Area) MarkDeleting() { a.deleting = true }

// Deleting reports whether the area has been queued for removal.
func (a *Area) Deleting() bool { return a.deleting }

// ItemFor looks up (allocating if necessary) the rmap item for a page offset,
// the per-area pool spec.md §4.6 describes as "lazily-grown ... one
// indirection page per PAGE_SIZE/sizeof(entry) pages of address space,
// lazily populated" — simplified here to a plain lazily-populated map,
// since the chunking detail is a memory-layout optimization the engine's
// externally observable behavior doesn't depend on.
func (a *Area) ItemFor(pageIndex int) *Item {
	a.poolMu.Lock()
	defer a.poolMu.Unlock()
	it, ok := a.pool[pageIndex]
	if !ok {
		it = &Item{Area: a, PageIndex: pageIndex}
		a.pool[pageIndex] = it
	}
	return it
}

// RemoveItem drops a page's rmap item from the pool entirely, used when an
// area is torn down or a page slot is known to carry no further interest.
func (a *Area) RemoveItem(pageIndex int) {
	a.poolMu.Lock()
	delete(a.pool, pageIndex)
	a.poolMu.Unlock()
}

// Items returns a snapshot of every rmap item currently pooled for this
// area (used by area teardown to unlink everything from its tree).
func (a *Area) Items() []*Item {
	a.poolMu.Lock()
	defer a.poolMu.Unlock()
	out := make([]*Item, 0, len(a.pool))
	for _, it := range a.pool {
		out = append(out, it)
	}
	return out
}

// BeginRound resets the area's per-round state: its visitation cursor and
// the "fully scanned" flag.
func (a *Area) BeginRound() {
	n := a.Pages()
	if len(a.perm) != n {
		a.perm = make([]int, n)
	}
	for i := range a.perm {
		a.perm[i] = i
	}
	a.cursor = 0
	a.ScannedThisRound = false
}

// NextPageIndex returns the next page to scan in this round's random
// permutation, generating the shuffle lazily one swap at a time (spec
// §4.6 "implemented as an in-place Fisher-Yates shuffle performed lazily").
// ok is false once every page has been visited this round.
func (a *Area) NextPageIndex() (idx int, ok bool) {
	n := len(a.perm)
	if a.cursor >= n {
		return 0, false
	}
	j := a.cursor + a.rng.Intn(n-a.cursor)
	a.perm[a.cursor], a.perm[j] = a.perm[j], a.perm[a.cursor]
	idx = a.perm[a.cursor]
	a.cursor++
	if a.cursor == n {
		a.ScannedThisRound = true
	}
	return idx, true
}

// FullyScanned reports whether this round's permutation has been
// exhausted.
func (a *Area) FullyScanned() bool { return a.cursor >= len(a.perm) }
