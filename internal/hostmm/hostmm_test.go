package hostmm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteProtectAndRestore(t *testing.T) {
	arena := NewArena()
	area := NewArea(arena, 4)

	f := arena.NewZeroed()
	area.SetPage(0, f, PTEPresent|PTEWrite)

	orig, wprot, ok := area.WriteProtectPage(0)
	require.True(t, ok)
	require.NotEqual(t, orig.Flags, wprot.Flags)

	got, ok := area.FollowPage(0)
	require.True(t, ok)
	require.Equal(t, f, got)

	area.RestorePTE(0, orig, wprot)
	p, _ := area.FollowPage(0)
	require.Equal(t, f, p)
}

func TestReplacePageRefcounting(t *testing.T) {
	arena := NewArena()
	area := NewArea(arena, 1)

	oldF := arena.NewZeroed()
	area.SetPage(0, oldF, PTEPresent|PTECOW)
	before := arena.Refcnt(oldF)

	newF := arena.NewZeroed()
	cur, _ := area.FollowPage(0)
	expected := PTE{Frame: cur, Flags: PTEPresent | PTECOW}
	ok := area.ReplacePage(0, newF, expected)
	require.True(t, ok)

	got, _ := area.FollowPage(0)
	require.Equal(t, newF, got)
	require.Equal(t, before-1, arena.Refcnt(oldF))
}

func TestHandleWriteFaultSoleOwnerReuses(t *testing.T) {
	arena := NewArena()
	area := NewArea(arena, 1)

	f := arena.NewZeroed()
	area.SetPage(0, f, PTEPresent|PTECOW)
	arena.Refdown(f) // drop the allocation reference: the PTE is now the only one

	area.HandleWriteFault(0)
	got, _ := area.FollowPage(0)
	require.Equal(t, f, got, "sole owner should reuse the frame in place")
}

func TestHandleWriteFaultSharedCopies(t *testing.T) {
	arena := NewArena()
	areaA := NewArea(arena, 1)
	areaB := NewArea(arena, 1)

	f := arena.NewZeroed()
	areaA.SetPage(0, f, PTEPresent|PTECOW)
	areaB.SetPage(0, f, PTEPresent|PTECOW)

	areaA.HandleWriteFault(0)
	gotA, _ := areaA.FollowPage(0)
	gotB, _ := areaB.FollowPage(0)
	require.NotEqual(t, gotA, gotB)
	require.True(t, arena.PagesEqual(gotA, gotB))
}

func TestKeyholeMapping(t *testing.T) {
	arena := NewArena()
	f := arena.NewZeroed()

	require.False(t, arena.CheckKSMMapping(f, 7))
	arena.SetKSMMapping(f, 7)
	require.True(t, arena.CheckKSMMapping(f, 7))
	arena.ClearMapping(f)
	require.False(t, arena.CheckKSMMapping(f, 7))
}

func TestPageTryLock(t *testing.T) {
	arena := NewArena()
	f := arena.NewZeroed()

	require.True(t, arena.PageTryLock(f))
	require.False(t, arena.PageTryLock(f))
	arena.PageUnlock(f)
	require.True(t, arena.PageTryLock(f))
	arena.PageUnlock(f)
}
