package hostmm

import "sync"

// PTEFlags mirrors the teacher's PTE_* bit constants (biscuit/src/vm),
// trimmed to the bits the merge engine's write-protect/COW protocol needs.
type PTEFlags uint8

const (
	PTEPresent PTEFlags = 1 << iota
	PTEWrite
	PTECOW
	PTEWasCOW
)

// PTE is one simulated page-table entry: a frame plus its protection bits.
type PTE struct {
	Frame FrameID
	Flags PTEFlags
}

func (p PTE) present() bool { return p.Flags&PTEPresent != 0 }

// Area is one eligible anonymous mapping's host-side page table, adapted
// from the teacher's vm.Vm_t (biscuit/src/vm/as.go): a per-area lock the
// scanner only ever trylocks, plus the PTE mutation primitives spec.md §4.2
// and §6 require (write-protect, replace-page, restore-pte, handle a
// synthetic write fault to break COW).
type Area struct {
	mu    sync.RWMutex
	arena *Arena
	ptes  []PTE
}

// NewArea creates an area of npages pages, all initially mapped copy-on-write
// to the arena's shared zero frame — the common case for a freshly
// mmap-anonymous region before any page is actually touched.
func NewArea(arena *Arena, npages int) *Area {
	ar := &Area{arena: arena, ptes: make([]PTE, npages)}
	for i := range ar.ptes {
		ar.ptes[i] = PTE{Frame: arena.ZeroFrame(), Flags: PTEPresent | PTECOW}
	}
	arena.Refup(arena.ZeroFrame())
	for i := 1; i < npages; i++ {
		arena.Refup(arena.ZeroFrame())
	}
	return ar
}

// Npages returns the number of pages in the area.
func (ar *Area) Npages() int { return len(ar.ptes) }

// TryRLock attempts the host-provided per-area read lock without blocking;
// the scanner skips to a different area on contention rather than waiting
// (spec §5).
func (ar *Area) TryRLock() bool { return ar.mu.TryRLock() }

// RUnlock releases the area read lock.
func (ar *Area) RUnlock() { ar.mu.RUnlock() }

// Lock acquires the area's exclusive lock, excluding the scanner's
// read-side trylock. The PTE mutation methods below (write-protect,
// replace, restore, fault) do not take this lock themselves.
func (ar *Area) Lock()   { ar.mu.Lock() }
func (ar *Area) Unlock() { ar.mu.Unlock() }

// SetPage installs a frame at the given page index with caller-chosen
// flags, taking a reference on the frame. Used to populate test fixtures
// and to seed pages with real content.
func (ar *Area) SetPage(idx int, frame FrameID, flags PTEFlags) {
	old := ar.ptes[idx]
	ar.arena.Refup(frame)
	ar.ptes[idx] = PTE{Frame: frame, Flags: flags}
	if old.present() {
		ar.arena.Refdown(old.Frame)
	}
}

// FollowPage resolves the page at idx, returning its frame. ok is false if
// the slot is not present (the spec's "fault-failed" case — this simulated
// host never actually faults pages in lazily beyond the zero page, so any
// absent slot is treated as a scan-time skip).
func (ar *Area) FollowPage(idx int) (FrameID, bool) {
	pte := ar.ptes[idx]
	if !pte.present() {
		return NoFrame, false
	}
	return pte.Frame, true
}

// WriteProtectPage snapshots the current PTE and installs a write-protected
// copy, the "PTE snapshot + write-protect" primitive of spec.md §4.2 and
// §6. ok is false only when the slot is not present; no
// mapcount/page_count safety check is made, so a frame with other
// references is write-protected all the same.
func (ar *Area) WriteProtectPage(idx int) (orig, wprot PTE, ok bool) {
	orig = ar.ptes[idx]
	if !orig.present() {
		return orig, orig, false
	}
	wprot = PTE{Frame: orig.Frame, Flags: (orig.Flags &^ PTEWrite) | PTECOW}
	ar.ptes[idx] = wprot
	return orig, wprot, true
}

// ReplacePage atomically swaps the page at idx from old to new, provided
// the PTE still matches expected (spec.md §4.2 replace_page). It takes a
// reference on new and drops one from old.
func (ar *Area) ReplacePage(idx int, newFrame FrameID, expected PTE) bool {
	cur := ar.ptes[idx]
	if cur != expected {
		return false
	}
	ar.arena.Refup(newFrame)
	ar.ptes[idx] = PTE{Frame: newFrame, Flags: PTEPresent | PTECOW}
	ar.arena.Refdown(cur.Frame)
	return true
}

// RestorePTE reverts a write-protect that didn't lead to a merge, the
// inverse of WriteProtectPage (spec.md §4.2 restore_pte). It is a no-op if
// the PTE no longer matches the write-protected snapshot (someone else
// already changed it).
func (ar *Area) RestorePTE(idx int, orig, wprot PTE) {
	if ar.ptes[idx] == wprot {
		ar.ptes[idx] = orig
	}
}

// HandleWriteFault simulates the copy-on-write break a real write fault
// would trigger: the area claims a private copy of the page and marks it
// writable, dropping the shared frame's reference (spec.md §6
// handle_write_fault, used by "break_cow" in the merge engine).
func (ar *Area) HandleWriteFault(idx int) {
	old := ar.ptes[idx]
	if !old.present() {
		return
	}
	if old.Flags&PTECOW == 0 {
		return
	}
	if ar.arena.Refcnt(old.Frame) == 1 {
		// sole owner: reuse in place, matching the teacher's fast path in
		// vm.Sys_pgfault when a COW page is mapped exactly once.
		ar.ptes[idx] = PTE{Frame: old.Frame, Flags: PTEPresent | PTEWrite | PTEWasCOW}
		return
	}
	fresh := ar.arena.NewCopy(old.Frame)
	ar.ptes[idx] = PTE{Frame: fresh, Flags: PTEPresent | PTEWrite | PTEWasCOW}
	ar.arena.Refdown(old.Frame)
}

// Mapcount reports how many PTEs across this area map the given frame.
// The real kernel tracks this incrementally via rmap; this reference host
// scans linearly, which is fine at engine-test scale.
func (ar *Area) Mapcount(frame FrameID) int {
	n := 0
	for _, pte := range ar.ptes {
		if pte.present() && pte.Frame == frame {
			n++
		}
	}
	return n
}
