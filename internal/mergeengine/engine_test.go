package mergeengine

import (
	"testing"

	"github.com/stretchr/testify/require"
	"uksm/internal/hostmm"
	"uksm/internal/rhash"
	"uksm/internal/rmap"
	"uksm/internal/stable"
	"uksm/internal/unstable"
)

func newTestEnv(t *testing.T) (*Env, *hostmm.Arena) {
	t.Helper()
	arena := hostmm.NewArena()
	ctrl := rhash.NewController(8)
	env := &Env{
		Arena:      arena,
		Graph:      rmap.NewGraph(16),
		Stable:     stable.NewTree(arena),
		Unstable:   unstable.NewTree(),
		Controller: ctrl,
		WordPerm:   rhash.NewPermutation(1, rhash.PageWords),
		Round:      1,
	}
	return env, arena
}

func areaWithContent(t *testing.T, arena *hostmm.Arena, id rmap.AreaID, content byte) *rmap.Area {
	t.Helper()
	host := hostmm.NewArea(arena, 1)
	f := arena.NewZeroed()
	data := arena.Bytes(f)
	for i := range data {
		data[i] = content
	}
	host.SetPage(0, f, hostmm.PTEPresent|hostmm.PTEWrite)
	return rmap.NewArea(id, "proc", host, uint64(id)+1)
}

func TestProcessPageFirstSightingInsertsUnstable(t *testing.T) {
	env, arena := newTestEnv(t)
	a := areaWithContent(t, arena, 1, 0xAA)

	out := env.ProcessPage(a, 0)
	require.Equal(t, OutcomeInsertedUnstable, out)
	require.Equal(t, rmap.FlagUnstable, a.ItemFor(0).Flag())
}

func TestProcessPageTrivialMergeOfTwoIdenticalPages(t *testing.T) {
	env, arena := newTestEnv(t)
	a1 := areaWithContent(t, arena, 1, 0xAA)
	a2 := areaWithContent(t, arena, 2, 0xAA)

	out1 := env.ProcessPage(a1, 0)
	require.Equal(t, OutcomeInsertedUnstable, out1)

	out2 := env.ProcessPage(a2, 0)
	require.Equal(t, OutcomeBecameStable, out2)

	require.Equal(t, rmap.FlagStable, a1.ItemFor(0).Flag())
	require.Equal(t, rmap.FlagStable, a2.ItemFor(0).Flag())
	require.Same(t, a1.ItemFor(0).NodeVma().Stable, a2.ItemFor(0).NodeVma().Stable)
	require.Equal(t, uint64(1), env.Graph.Counters.PagesShared)
}

func TestProcessPageThreeWayMergeHitsExistingStableNode(t *testing.T) {
	env, arena := newTestEnv(t)
	a1 := areaWithContent(t, arena, 1, 0xAA)
	a2 := areaWithContent(t, arena, 2, 0xAA)
	a3 := areaWithContent(t, arena, 3, 0xAA)

	env.ProcessPage(a1, 0)
	env.ProcessPage(a2, 0)
	out3 := env.ProcessPage(a3, 0)

	require.Equal(t, OutcomeMergedExisting, out3)
	require.Equal(t, rmap.FlagStable, a3.ItemFor(0).Flag())
	require.Same(t, a1.ItemFor(0).NodeVma().Stable, a3.ItemFor(0).NodeVma().Stable)
	require.Equal(t, uint64(1), env.Graph.Counters.PagesShared)
	require.Equal(t, uint64(2), env.Graph.Counters.PagesSharing)
}

func TestProcessPageDistinctContentNeverMerges(t *testing.T) {
	env, arena := newTestEnv(t)
	a1 := areaWithContent(t, arena, 1, 0xAA)
	a2 := areaWithContent(t, arena, 2, 0xBB)

	env.ProcessPage(a1, 0)
	out2 := env.ProcessPage(a2, 0)

	require.Equal(t, OutcomeInsertedUnstable, out2)
	require.Equal(t, rmap.FlagUnstable, a1.ItemFor(0).Flag())
	require.Equal(t, rmap.FlagUnstable, a2.ItemFor(0).Flag())
}

func TestProcessPageAlreadyStableAndUnchangedShortCircuits(t *testing.T) {
	env, arena := newTestEnv(t)
	a1 := areaWithContent(t, arena, 1, 0xAA)
	a2 := areaWithContent(t, arena, 2, 0xAA)
	env.ProcessPage(a1, 0)
	env.ProcessPage(a2, 0)

	out := env.ProcessPage(a1, 0)
	require.Equal(t, OutcomeUnchanged, out)
}

func TestProcessPageDetectsUnderlyingChangeAfterStable(t *testing.T) {
	env, arena := newTestEnv(t)
	a1 := areaWithContent(t, arena, 1, 0xAA)
	a2 := areaWithContent(t, arena, 2, 0xAA)
	env.ProcessPage(a1, 0)
	env.ProcessPage(a2, 0)

	// Simulate a write fault breaking a1's page away from the shared frame.
	a1.Host.HandleWriteFault(0)

	out := env.ProcessPage(a1, 0)
	require.NotEqual(t, OutcomeUnchanged, out)
}
