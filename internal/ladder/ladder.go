// Package ladder implements the scan-ladder scheduler (spec.md §4.6):
// areas are admitted at rung 0 and promoted or demoted between rungs as
// their observed dedup ratio moves relative to the round's mean, with
// higher rungs scanned a larger fraction of their pages each round.
package ladder

import (
	"math"
	"sync"

	"uksm/internal/rmap"
)

// Rung is one scan-ladder level: the areas currently assigned to it, plus
// carry-forward state from the last round's budget allocation.
type Rung struct {
	areas []*rmap.Area
	carry int
}

// Areas returns a snapshot of the areas currently on this rung.
func (r *Rung) Areas() []*rmap.Area {
	out := make([]*rmap.Area, len(r.areas))
	copy(out, r.areas)
	return out
}

// Ladder holds every rung and the two-phase area-removal queue (spec.md
// §4.6, §5).
type Ladder struct {
	mu sync.Mutex

	rungs           []*Rung
	minRatio        float64
	delta           float64
	thrashThreshold float64

	toDelete map[rmap.AreaID]*rmap.Area
}

// New builds a ladder whose rung count satisfies
// minRatio * delta^(rungCount-1) >= maxRatio (spec.md §4.6 "rungs sized
// so ..."), with rung i's scan fraction each round being
// min(1, minRatio * delta^i).
func New(minRatio, delta, maxRatio, thrashThreshold float64) *Ladder {
	n := rungCount(minRatio, delta, maxRatio)
	rungs := make([]*Rung, n)
	for i := range rungs {
		rungs[i] = &Rung{}
	}
	return &Ladder{
		rungs:           rungs,
		minRatio:        minRatio,
		delta:           delta,
		thrashThreshold: thrashThreshold,
		toDelete:        make(map[rmap.AreaID]*rmap.Area),
	}
}

func rungCount(minRatio, delta, maxRatio float64) int {
	if minRatio <= 0 || delta <= 1 || maxRatio <= minRatio {
		return 1
	}
	n := 1
	ratio := minRatio
	for ratio < maxRatio && n < 64 {
		ratio *= delta
		n++
	}
	return n
}

func (l *Ladder) scanFraction(rung int) float64 {
	f := l.minRatio * math.Pow(l.delta, float64(rung))
	if f > 1 {
		f = 1
	}
	return f
}

// RungCount reports how many rungs the ladder has.
func (l *Ladder) RungCount() int {
	return len(l.rungs)
}

// Rung returns rung i's current area list (for telemetry/inspection).
func (l *Ladder) Rung(i int) *Rung {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rungs[i]
}

// AdmitArea admits a newly eligible area at rung 0 (spec.md §4.6 "area
// admission").
func (l *Ladder) AdmitArea(a *rmap.Area) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a.Rung = 0
	l.rungs[0].areas = append(l.rungs[0].areas, a)
}

// QueueRemoval flags a for removal without touching the rung it's
// currently scheduled on, so an in-flight scan of it can finish safely.
// The actual unlink happens at the scanner's next DrainRemovals call
// (spec.md §4.6 "two-phase lazy area removal", §5).
func (l *Ladder) QueueRemoval(a *rmap.Area) {
	a.MarkDeleting()
	l.mu.Lock()
	l.toDelete[a.ID] = a
	l.mu.Unlock()
}

// DrainRemovals unlinks every area queued by QueueRemoval from its rung.
// Call this only at a round boundary or other point where no scan of
// these areas can be in flight.
func (l *Ladder) DrainRemovals() []*rmap.Area {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := make([]*rmap.Area, 0, len(l.toDelete))
	for _, a := range l.toDelete {
		rung := l.rungs[a.Rung]
		for i, cand := range rung.areas {
			if cand == a {
				rung.areas = append(rung.areas[:i], rung.areas[i+1:]...)
				break
			}
		}
		removed = append(removed, a)
	}
	l.toDelete = make(map[rmap.AreaID]*rmap.Area)
	return removed
}

// ScanTask names one page to visit this round.
type ScanTask struct {
	Area      *rmap.Area
	PageIndex int
}

// BeginRound resets every live area's per-round visitation state ahead of
// planning a round.
func (l *Ladder) BeginRound() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rung := range l.rungs {
		for _, a := range rung.areas {
			if !a.Deleting() {
				a.BeginRound()
			}
		}
	}
}

// PlanRound allocates this round's per-page scan order across every rung:
// rung i gets a budget of scanFraction(i) of its areas' total pages, plus
// whatever budget the rung above it left unspent this round cascading
// down (spec.md §4.6 "cascading unused budget down to lower rungs"), so
// rungs are planned from the top down. Rung 0 is given the smallest
// fraction (the teacher's "rung 0 ÷16, rung 1 ÷4" sizing is expressed
// here as scanFraction(0)=minRatio, scanFraction(1)=minRatio*delta, ...).
func (l *Ladder) PlanRound() []ScanTask {
	l.mu.Lock()
	defer l.mu.Unlock()

	var tasks []ScanTask
	carry := 0
	for i := len(l.rungs) - 1; i >= 0; i-- {
		rung := l.rungs[i]
		totalPages := 0
		for _, a := range rung.areas {
			if !a.Deleting() {
				totalPages += a.Pages()
			}
		}
		budget := int(l.scanFraction(i)*float64(totalPages)) + carry
		if budget > totalPages {
			budget = totalPages
		}

		consumed := 0
		for _, a := range rung.areas {
			if a.Deleting() {
				continue
			}
			for consumed < budget {
				idx, ok := a.NextPageIndex()
				if !ok {
					break
				}
				tasks = append(tasks, ScanTask{Area: a, PageIndex: idx})
				consumed++
			}
			if consumed >= budget {
				break
			}
		}
		rung.carry = budget - consumed
		carry = rung.carry
	}
	return tasks
}

// dedupRatioScale is SCALE from spec.md §4.6's dedup_ratio formula.
const dedupRatioScale = 100

// areaDedupRatio computes spec.md §4.6's per-area dedup_ratio:
//
//	Σ_j inter_vma[i,j] * (pages_i/scanned_i) * (pages_j/scanned_j) * SCALE / pages_i
//
// scaled down when the area is thrashing: pages merged this round that were
// immediately broken by a COW fault don't represent real savings. If more
// than thrashThreshold percent of the area's merges were broken, the ratio
// is forced to zero; otherwise it's scaled by the surviving fraction
// (merged-cowed)/merged.
func areaDedupRatio(a *rmap.Area, idToArea map[rmap.AreaID]*rmap.Area, inter *rmap.InterAreaTable, thrashThreshold float64) float64 {
	if a.PagesScanned == 0 || a.Pages() == 0 {
		return 0
	}
	pagesI := float64(a.Pages())
	scannedI := float64(a.PagesScanned)

	var sum float64
	for _, otherID := range inter.Areas() {
		if otherID == a.ID {
			continue
		}
		other, ok := idToArea[otherID]
		if !ok || other.PagesScanned == 0 || other.Pages() == 0 {
			continue
		}
		count := inter.Get(a.ID, otherID)
		if count == 0 {
			continue
		}
		sum += float64(count) * (pagesI / scannedI) * (float64(other.Pages()) / float64(other.PagesScanned))
	}
	ratio := sum * dedupRatioScale / pagesI

	if a.PagesMerged > 0 {
		cowedPct := float64(a.PagesCowed) * 100 / float64(a.PagesMerged)
		if cowedPct > thrashThreshold {
			return 0
		}
		ratio *= (float64(a.PagesMerged) - float64(a.PagesCowed)) / float64(a.PagesMerged)
	}
	return ratio
}

// RebalanceAfterRound computes each area's dedup ratio for the round just
// finished (against the inter-area table the graph package filled in while
// processing this round's pages) and promotes/demotes it one rung when
// that ratio diverges from the round's mean by more than the thrash
// threshold (spec.md §4.6 "rung promotion/demotion vs. round mean", gated
// by a thrash threshold so areas hovering near the mean don't oscillate
// every round). Callers must read the inter-area table before clearing it
// for the next round.
func (l *Ladder) RebalanceAfterRound(inter *rmap.InterAreaTable) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var all []*rmap.Area
	for _, rung := range l.rungs {
		all = append(all, rung.areas...)
	}
	if len(all) == 0 {
		return
	}

	idToArea := make(map[rmap.AreaID]*rmap.Area, len(all))
	for _, a := range all {
		idToArea[a.ID] = a
	}

	ratios := make(map[rmap.AreaID]float64, len(all))
	var sum float64
	for _, a := range all {
		r := areaDedupRatio(a, idToArea, inter, l.thrashThreshold)
		ratios[a.ID] = r
		sum += r
	}
	mean := sum / float64(len(all))

	for _, a := range all {
		r := ratios[a.ID]
		switch {
		case r > mean+l.thrashThreshold && a.Rung < len(l.rungs)-1:
			l.moveRungLocked(a, a.Rung+1)
		case r < mean-l.thrashThreshold && a.Rung > 0:
			l.moveRungLocked(a, a.Rung-1)
		}
	}
}

func (l *Ladder) moveRungLocked(a *rmap.Area, newRung int) {
	old := l.rungs[a.Rung]
	for i, cand := range old.areas {
		if cand == a {
			old.areas = append(old.areas[:i], old.areas[i+1:]...)
			break
		}
	}
	a.Rung = newRung
	l.rungs[newRung].areas = append(l.rungs[newRung].areas, a)
}
