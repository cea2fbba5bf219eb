package telemetry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"uksm/internal/rmap"
)

func TestHistoryPushAndSnapshotsOrderedOldestFirst(t *testing.T) {
	h := NewHistory(3)
	h.Push(RoundSnapshot{Round: 1})
	h.Push(RoundSnapshot{Round: 2})

	require.Equal(t, 2, h.Len())
	snaps := h.Snapshots()
	require.Equal(t, []uint64{1, 2}, []uint64{snaps[0].Round, snaps[1].Round})
}

func TestHistoryOverwritesOldestPastCapacity(t *testing.T) {
	h := NewHistory(2)
	h.Push(RoundSnapshot{Round: 1})
	h.Push(RoundSnapshot{Round: 2})
	h.Push(RoundSnapshot{Round: 3})

	require.Equal(t, 2, h.Len())
	snaps := h.Snapshots()
	require.Equal(t, uint64(2), snaps[0].Round)
	require.Equal(t, uint64(3), snaps[1].Round)
}

func TestHistoryLatestReflectsMostRecentPush(t *testing.T) {
	h := NewHistory(2)
	_, ok := h.Latest()
	require.False(t, ok)

	h.Push(RoundSnapshot{Round: 1, Counters: rmap.Counters{PagesShared: 1}})
	h.Push(RoundSnapshot{Round: 2, Counters: rmap.Counters{PagesShared: 2}})

	latest, ok := h.Latest()
	require.True(t, ok)
	require.Equal(t, uint64(2), latest.Round)
	require.Equal(t, uint64(2), latest.Counters.PagesShared)
}
