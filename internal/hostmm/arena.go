// Package hostmm is the engine's reference host-memory-manager: the
// external collaborator spec.md §6 calls "page-table primitives" (write
// protect, replace-page, restore-pte, TLB flush). The real engine would
// consume these from the kernel's VMA/pmap code; this package is a
// simulated but faithful stand-in, adapted from the teacher's
// vm.Vm_t/mem.Physmem_t page-table and refcounting code so the merge
// engine is runnable and testable end to end.
package hostmm

import (
	"bytes"
	"sync"
	"sync/atomic"

	"uksm/internal/rhash"
)

// FrameID identifies one physical page in an Arena, analogous to the
// teacher's mem.Pa_t physical address.
type FrameID uint32

// NoFrame is the zero value meaning "no frame".
const NoFrame FrameID = 0

// MappingKind records what a frame's back-pointer currently means, mirroring
// the real kernel's page->mapping field used by the keyhole check
// (spec §4.4 "Keyhole lookup").
type MappingKind uint8

const (
	MappingNone MappingKind = iota
	MappingKSM
)

type frameSlot struct {
	lock sync.Mutex // per-page lock (host-provided trylock primitive, spec §4.2)

	data []byte

	refcnt int32 // atomic

	mappingKind  MappingKind
	mappingToken uint64 // identity of the stable node currently owning this frame
}

// Arena manages a pool of fixed-size physical pages with reference
// counting, adapted from the teacher's mem.Physmem_t (biscuit/src/mem).
// Unlike the teacher, there is no real page table backing these frames;
// callers address frames by FrameID and Area translates virtual offsets to
// frames (see area.go).
type Arena struct {
	mu        sync.Mutex
	slots     []*frameSlot
	free      []FrameID
	pageAlloc func() []byte // defaults to a Go-heap allocation; see mmap_linux.go

	zero FrameID
}

// NewArena creates an empty arena with one pinned, read-only zero page,
// mirroring the teacher's global Zeropg (mem/mem.go).
func NewArena() *Arena {
	a := &Arena{}
	a.zero = a.allocLocked()
	a.slots[a.zero-1].refcnt = 1
	return a
}

func (a *Arena) allocLocked() FrameID {
	if n := len(a.free); n > 0 {
		id := a.free[n-1]
		a.free = a.free[:n-1]
		return id
	}
	alloc := a.pageAlloc
	if alloc == nil {
		alloc = func() []byte { return make([]byte, rhash.PageSize) }
	}
	a.slots = append(a.slots, &frameSlot{data: alloc()})
	return FrameID(len(a.slots))
}

func (a *Arena) slot(id FrameID) *frameSlot {
	if id == NoFrame || int(id) > len(a.slots) {
		panic("hostmm: invalid frame id")
	}
	return a.slots[id-1]
}

// ZeroFrame returns the shared, read-only zero-filled frame.
func (a *Arena) ZeroFrame() FrameID { return a.zero }

// NewZeroed allocates a fresh zero-filled frame with refcount 1.
func (a *Arena) NewZeroed() FrameID {
	a.mu.Lock()
	id := a.allocLocked()
	a.mu.Unlock()
	s := a.slot(id)
	for i := range s.data {
		s.data[i] = 0
	}
	atomic.StoreInt32(&s.refcnt, 1)
	s.mappingKind = MappingNone
	return id
}

// NewCopy allocates a fresh frame with a copy of src's content, refcount 1.
func (a *Arena) NewCopy(src FrameID) FrameID {
	a.mu.Lock()
	id := a.allocLocked()
	a.mu.Unlock()
	s := a.slot(id)
	copy(s.data, a.Bytes(src))
	atomic.StoreInt32(&s.refcnt, 1)
	s.mappingKind = MappingNone
	return id
}

// Bytes returns the frame's backing storage. Callers must hold the frame
// lock (PageLock/PageTryLock) before mutating it.
func (a *Arena) Bytes(id FrameID) []byte {
	return a.slot(id).data
}

// Words returns the frame's content as hash-ready 32-bit words.
func (a *Arena) Words(id FrameID) []uint32 {
	return rhash.Words(a.Bytes(id))
}

// Refup increments a frame's reference count.
func (a *Arena) Refup(id FrameID) {
	s := a.slot(id)
	if atomic.AddInt32(&s.refcnt, 1) <= 1 {
		panic("hostmm: refup of dead frame")
	}
}

// Refdown decrements a frame's reference count, freeing and recycling it
// when it reaches zero. It returns true if the frame was freed.
func (a *Arena) Refdown(id FrameID) bool {
	s := a.slot(id)
	c := atomic.AddInt32(&s.refcnt, -1)
	if c < 0 {
		panic("hostmm: refcount underflow")
	}
	if c == 0 {
		s.mappingKind = MappingNone
		s.mappingToken = 0
		a.mu.Lock()
		a.free = append(a.free, id)
		a.mu.Unlock()
		return true
	}
	return false
}

// Refcnt returns a frame's current reference count.
func (a *Arena) Refcnt(id FrameID) int {
	return int(atomic.LoadInt32(&a.slot(id).refcnt))
}

// PageLock blocks until the frame's page lock is acquired.
func (a *Arena) PageLock(id FrameID) { a.slot(id).lock.Lock() }

// PageTryLock attempts to acquire the frame's page lock without blocking,
// mirroring the host-provided trylock the scanner depends on (spec §5).
func (a *Arena) PageTryLock(id FrameID) bool { return a.slot(id).lock.TryLock() }

// PageUnlock releases the frame's page lock.
func (a *Arena) PageUnlock(id FrameID) { a.slot(id).lock.Unlock() }

// PagesEqual performs a byte-wise content comparison of two frames
// (spec §4.2 pages_equal).
func (a *Arena) PagesEqual(x, y FrameID) bool {
	return bytes.Equal(a.Bytes(x), a.Bytes(y))
}

// SetKSMMapping stamps a frame's back-pointer to a stable node, the write
// side of the keyhole invariant (spec §4.4, §9).
func (a *Arena) SetKSMMapping(id FrameID, token uint64) {
	s := a.slot(id)
	s.mappingKind = MappingKSM
	s.mappingToken = token
}

// CheckKSMMapping reports whether the frame's back-pointer still points at
// token, the read side of the keyhole check. It reads the back-pointer
// without taking any lock, and SetKSMMapping/ClearMapping write it without
// one as well.
func (a *Arena) CheckKSMMapping(id FrameID, token uint64) bool {
	s := a.slot(id)
	return s.mappingKind == MappingKSM && s.mappingToken == token
}

// ClearMapping clears a frame's keyhole back-pointer (e.g. when a stable
// node is unlinked).
func (a *Arena) ClearMapping(id FrameID) {
	s := a.slot(id)
	s.mappingKind = MappingNone
	s.mappingToken = 0
}
