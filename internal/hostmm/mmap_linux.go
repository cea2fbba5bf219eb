//go:build linux

package hostmm

import (
	"fmt"

	"golang.org/x/sys/unix"

	"uksm/internal/rhash"
)

// NewMmapArena creates an Arena whose frames are backed by real,
// page-aligned anonymous mmap regions instead of Go-heap byte slices. This
// exercises the same primitive the teacher's mem.Physmem_t ultimately
// relies on (real physical pages), one level up: on Linux the engine can
// run against genuinely mmap'd memory rather than a pure simulation.
func NewMmapArena() (*Arena, error) {
	a := &Arena{}
	a.pageAlloc = mmapPage
	a.zero = a.allocLocked()
	a.slots[a.zero-1].refcnt = 1
	return a, nil
}

func mmapPage() []byte {
	b, err := unix.Mmap(-1, 0, rhash.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		panic(fmt.Sprintf("hostmm: mmap failed: %v", err))
	}
	return b
}
