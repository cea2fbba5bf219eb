package rmap

import (
	"testing"

	"github.com/stretchr/testify/require"
	"uksm/internal/hostmm"
)

func newTestArea(t *testing.T, id AreaID, npages int) *Area {
	t.Helper()
	arena := hostmm.NewArena()
	host := hostmm.NewArea(arena, npages)
	return NewArea(id, "proc", host, uint64(id)+1)
}

func TestAppendToStableFirstMappingCreditsShared(t *testing.T) {
	g := NewGraph(16)
	node := &StableNode{Seq: 1}
	a := newTestArea(t, 1, 4)
	item := a.ItemFor(0)

	g.AppendToStable(item, node, 1)

	require.Equal(t, uint64(1), g.Counters.PagesShared)
	require.Equal(t, uint64(0), g.Counters.PagesSharing)
	require.Equal(t, FlagStable, item.Flag())
	require.Len(t, node.NodeVmas, 1)
	require.Equal(t, a, item.NodeVma().Area)
}

func TestAppendToStableSecondAreaCreditsSharingAndInterTable(t *testing.T) {
	g := NewGraph(16)
	node := &StableNode{Seq: 1}
	a1 := newTestArea(t, 1, 4)
	a2 := newTestArea(t, 2, 4)

	g.AppendToStable(a1.ItemFor(0), node, 1)
	g.AppendToStable(a2.ItemFor(0), node, 1)

	require.Equal(t, uint64(1), g.Counters.PagesShared)
	require.Equal(t, uint64(1), g.Counters.PagesSharing)
	require.Len(t, node.NodeVmas, 2)
	require.EqualValues(t, 1, g.InterAreaTable().Get(1, 2))
}

func TestAppendToStableIntraAreaDuplicateCancelsIncrement(t *testing.T) {
	g := NewGraph(16)
	node := &StableNode{Seq: 1}
	a1 := newTestArea(t, 1, 4)
	a2 := newTestArea(t, 2, 4)

	g.AppendToStable(a1.ItemFor(0), node, 1)
	g.AppendToStable(a2.ItemFor(0), node, 1)
	require.EqualValues(t, 1, g.InterAreaTable().Get(1, 2))

	// A second item from a2 in the same round, same area, is an
	// intra-area duplicate: it must not double the inter-area count.
	g.AppendToStable(a2.ItemFor(1), node, 1)
	require.EqualValues(t, 1, g.InterAreaTable().Get(1, 2))
	require.Len(t, node.NodeVmas, 2)
	require.Len(t, node.NodeVmas[1].Items, 2)
}

func TestDetachFromStableReversesAppend(t *testing.T) {
	g := NewGraph(16)
	node := &StableNode{Seq: 1}
	a1 := newTestArea(t, 1, 4)
	a2 := newTestArea(t, 2, 4)

	i1 := a1.ItemFor(0)
	i2 := a2.ItemFor(0)
	g.AppendToStable(i1, node, 1)
	g.AppendToStable(i2, node, 1)

	nvEmpty, nodeEmpty := g.DetachFromStable(node, i2)
	require.True(t, nvEmpty)
	require.False(t, nodeEmpty)
	require.Equal(t, uint64(1), g.Counters.PagesShared)
	require.Equal(t, uint64(0), g.Counters.PagesSharing)
	require.Nil(t, i2.NodeVma())
	require.Equal(t, FlagNone, i2.Flag())

	_, nodeEmpty = g.DetachFromStable(node, i1)
	require.True(t, nodeEmpty)
	require.Equal(t, uint64(0), g.Counters.PagesShared)
}

func TestReverseWalkVisitsEveryMapping(t *testing.T) {
	g := NewGraph(16)
	node := &StableNode{Seq: 1, Frame: 42}
	a1 := newTestArea(t, 1, 4)
	a2 := newTestArea(t, 2, 4)
	g.AppendToStable(a1.ItemFor(0), node, 1)
	g.AppendToStable(a2.ItemFor(3), node, 1)

	seen := map[AreaID]int{}
	g.ReverseWalk(node, false, func(frame hostmm.FrameID, area *Area, pageIndex int) bool {
		require.EqualValues(t, 42, frame)
		seen[area.ID] = pageIndex
		return false
	})

	require.Equal(t, map[AreaID]int{1: 0, 2: 3}, seen)
}

func TestReverseWalkStopsEarly(t *testing.T) {
	g := NewGraph(16)
	node := &StableNode{Seq: 1}
	a1 := newTestArea(t, 1, 4)
	a2 := newTestArea(t, 2, 4)
	g.AppendToStable(a1.ItemFor(0), node, 1)
	g.AppendToStable(a2.ItemFor(0), node, 1)

	count := 0
	g.ReverseWalk(node, false, func(hostmm.FrameID, *Area, int) bool {
		count++
		return true
	})
	require.Equal(t, 1, count)
}

func TestInterAreaTableClearReleasesSlots(t *testing.T) {
	tbl := NewInterAreaTable(4)
	tbl.Increment(1, 2)
	require.EqualValues(t, 1, tbl.Get(1, 2))
	tbl.Clear()
	require.EqualValues(t, 0, tbl.Get(1, 2))
	require.Empty(t, tbl.Areas())
}
