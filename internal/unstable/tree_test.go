package unstable

import (
	"testing"

	"github.com/stretchr/testify/require"
	"uksm/internal/hostmm"
	"uksm/internal/rmap"
)

func newItem(arena *hostmm.Arena, content byte) (*rmap.Item, hostmm.FrameID) {
	f := arena.NewZeroed()
	data := arena.Bytes(f)
	for i := range data {
		data[i] = content
	}
	host := hostmm.NewArea(arena, 1)
	area := rmap.NewArea(1, "proc", host, 1)
	item := area.ItemFor(0)
	item.Frame = f
	return item, f
}

func constHashMax(v uint32) HashMaxFunc { return func(hostmm.FrameID) uint32 { return v } }

func pagesEqualVia(arena *hostmm.Arena) func(a, b hostmm.FrameID) bool {
	return arena.PagesEqual
}

func TestSearchInsertFirstObservationInstalls(t *testing.T) {
	arena := hostmm.NewArena()
	tr := NewTree()
	item, f := newItem(arena, 0xAA)

	match, found := tr.SearchInsert(100, item, f, 1, constHashMax(1), pagesEqualVia(arena))
	require.False(t, found)
	require.Nil(t, match)
	require.Equal(t, rmap.FlagUnstable, item.Flag())
	require.Equal(t, uint64(1), item.AppendRound)
	require.Equal(t, 1, tr.Len())
}

func TestSearchInsertSecondMatchingItemFound(t *testing.T) {
	arena := hostmm.NewArena()
	tr := NewTree()
	item1, f1 := newItem(arena, 0xAA)
	item2, f2 := newItem(arena, 0xAA)

	tr.SearchInsert(100, item1, f1, 1, constHashMax(1), pagesEqualVia(arena))
	match, found := tr.SearchInsert(100, item2, f2, 1, constHashMax(1), pagesEqualVia(arena))

	require.True(t, found)
	require.Same(t, item1, match)
	require.Equal(t, 1, tr.Len())
}

func TestSearchInsertCollisionSplits(t *testing.T) {
	arena := hostmm.NewArena()
	tr := NewTree()
	item1, f1 := newItem(arena, 0xAA)
	item2, f2 := newItem(arena, 0xBB)

	tr.SearchInsert(100, item1, f1, 1, constHashMax(1), pagesEqualVia(arena))
	match, found := tr.SearchInsert(100, item2, f2, 1, constHashMax(2), pagesEqualVia(arena))

	require.False(t, found)
	require.Nil(t, match)
	require.Equal(t, 2, tr.Len())
}

func TestRemoveUnlinksItemMidRound(t *testing.T) {
	arena := hostmm.NewArena()
	tr := NewTree()
	item, f := newItem(arena, 0xAA)
	tr.SearchInsert(100, item, f, 1, constHashMax(1), pagesEqualVia(arena))

	tr.Remove(100, item)
	require.Equal(t, rmap.FlagNone, item.Flag())
	require.Nil(t, item.UnstableNode())
	require.Equal(t, 0, tr.Len())
}

func TestDiscardClearsEveryItem(t *testing.T) {
	arena := hostmm.NewArena()
	tr := NewTree()
	item1, f1 := newItem(arena, 0xAA)
	item2, f2 := newItem(arena, 0xBB)
	tr.SearchInsert(100, item1, f1, 1, constHashMax(1), pagesEqualVia(arena))
	tr.SearchInsert(100, item2, f2, 1, constHashMax(2), pagesEqualVia(arena))

	tr.Discard()
	require.Equal(t, 0, tr.Len())
	require.Equal(t, rmap.FlagNone, item1.Flag())
	require.Equal(t, rmap.FlagNone, item2.Flag())
}
