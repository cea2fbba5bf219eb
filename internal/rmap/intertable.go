package rmap

import "sync"

// DefaultMaxDupAreas is KSM_DUP_VMA_MAX from spec.md §3: the number of
// areas the inter-area table can track simultaneously in one round.
const DefaultMaxDupAreas = 2048

// InterAreaTable counts, per round, how many identical-page coincidences
// were observed between each pair of areas (spec.md §3 "Inter-area table").
// Areas are assigned a table slot lazily, on first duplicate observation,
// and the table is stored packed triangular (i<j only) to halve the memory
// a dense N×N matrix would need.
type InterAreaTable struct {
	mu     sync.Mutex
	maxN   int
	counts []uint32
	slotOf map[AreaID]int
}

// NewInterAreaTable allocates a table bounded to maxN simultaneously
// tracked areas.
func NewInterAreaTable(maxN int) *InterAreaTable {
	if maxN < 2 {
		maxN = 2
	}
	return &InterAreaTable{
		maxN:   maxN,
		counts: make([]uint32, maxN*(maxN-1)/2),
		slotOf: make(map[AreaID]int),
	}
}

func (t *InterAreaTable) triIndex(i, j int) int {
	if i > j {
		i, j = j, i
	}
	n := t.maxN
	return i*(2*n-i-1)/2 + (j - i - 1)
}

// slotFor returns this area's table slot, assigning one if this is the
// first time the area has participated in a duplicate this round. ok is
// false if the table is already at capacity (spec's bound is a ceiling,
// not a hard requirement — the caller simply skips accounting).
func (t *InterAreaTable) slotFor(id AreaID) (int, bool) {
	if s, ok := t.slotOf[id]; ok {
		return s, true
	}
	if len(t.slotOf) >= t.maxN {
		return 0, false
	}
	s := len(t.slotOf)
	t.slotOf[id] = s
	return s, true
}

// Increment records one more identical-page coincidence between a and b.
func (t *InterAreaTable) Increment(a, b AreaID) {
	if a == b {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	si, ok1 := t.slotFor(a)
	sj, ok2 := t.slotFor(b)
	if !ok1 || !ok2 {
		return
	}
	t.counts[t.triIndex(si, sj)]++
}

// Decrement undoes an Increment, used for inner-duplicate cancellation
// (spec.md §4.3 step 3).
func (t *InterAreaTable) Decrement(a, b AreaID) {
	if a == b {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	si, ok1 := t.slotOf[a]
	sj, ok2 := t.slotOf[b]
	if !ok1 || !ok2 {
		return
	}
	idx := t.triIndex(si, sj)
	if t.counts[idx] > 0 {
		t.counts[idx]--
	}
}

// Get returns the current coincidence count between a and b.
func (t *InterAreaTable) Get(a, b AreaID) uint32 {
	if a == b {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	si, ok1 := t.slotOf[a]
	sj, ok2 := t.slotOf[b]
	if !ok1 || !ok2 {
		return 0
	}
	return t.counts[t.triIndex(si, sj)]
}

// Areas returns the set of areas currently holding a table slot.
func (t *InterAreaTable) Areas() []AreaID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]AreaID, 0, len(t.slotOf))
	for id := range t.slotOf {
		out = append(out, id)
	}
	return out
}

// Clear zeroes every count and releases all slot assignments, required at
// every round boundary (spec.md §8 invariant 5 and §3's "non-zero only
// while both areas still carry the same slot-number assigned this round").
func (t *InterAreaTable) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.counts {
		t.counts[i] = 0
	}
	t.slotOf = make(map[AreaID]int)
}
