// Package mergeengine implements the per-page merge decision (spec.md
// §4.2/§4.3 "Merge Engine"): given one page, decide whether it already
// matches a known merged page, matches another private page for the
// first time, or is merely filed away for later comparison.
package mergeengine

import (
	"uksm/internal/hostmm"
	"uksm/internal/rhash"
	"uksm/internal/rmap"
	"uksm/internal/stable"
	"uksm/internal/unstable"
)

// Outcome is a tagged result, not a generic error, mirroring spec.md §7's
// closed set of page-level dispositions — callers switch on it rather
// than string-matching an error.
type Outcome int

const (
	// OutcomeUnchanged: the page was already a merged, write-protected
	// stable mapping and still is.
	OutcomeUnchanged Outcome = iota
	// OutcomeMergedExisting: the page's content matched an existing
	// stable node and was folded into it.
	OutcomeMergedExisting
	// OutcomeBecameStable: the page matched another private page for the
	// first time; both are now one new stable node.
	OutcomeBecameStable
	// OutcomeInsertedUnstable: no match yet; filed for comparison against
	// the rest of this round's pages.
	OutcomeInsertedUnstable
	// OutcomePageInvalid: the host could not resolve a frame for this
	// page slot (a hole, or not actually present).
	OutcomePageInvalid
	// OutcomePageChanged: the page's content changed between being
	// snapshotted and the write-protect/replace step completing, so the
	// merge attempt was abandoned.
	OutcomePageChanged
	// OutcomeLockBusy: the page's lock (or the area's lock) was already
	// held; the scanner should move on and retry later rather than block.
	OutcomeLockBusy
	// OutcomeAllocFail: no free frame was available to hold canonicalized
	// content. The reference host arena never actually runs out (spec's
	// Non-goals exclude modeling host memory pressure), so this value is
	// defined for taxonomy completeness but unreachable in this engine;
	// see DESIGN.md.
	OutcomeAllocFail
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeMergedExisting:
		return "merged_existing"
	case OutcomeBecameStable:
		return "became_stable"
	case OutcomeInsertedUnstable:
		return "inserted_unstable"
	case OutcomePageInvalid:
		return "page_invalid"
	case OutcomePageChanged:
		return "page_changed"
	case OutcomeLockBusy:
		return "lock_busy"
	case OutcomeAllocFail:
		return "alloc_fail"
	default:
		return "unknown"
	}
}

// Env bundles the shared engine state one page-processing call needs:
// the physical page arena, the rmap graph's counters/inter-area table,
// both trees, the hash controller, and the engine-wide word permutation
// the adaptive hash samples through.
type Env struct {
	Arena      *hostmm.Arena
	Graph      *rmap.Graph
	Stable     *stable.Tree
	Unstable   *unstable.Tree
	Controller *rhash.Controller
	WordPerm   []int
	Round      uint64
}

// hashMaxOf computes frame's second-level hash at the controller's
// current strength, satisfying both stable.HashMaxFunc and
// unstable.HashMaxFunc.
func (env *Env) hashMaxOf(frame hostmm.FrameID) uint32 {
	words := env.Arena.Words(frame)
	h := rhash.Hash(words, env.WordPerm, env.Controller.Strength)
	return rhash.PageHashMax(words, env.WordPerm, env.Controller.Strength, h)
}

// pagesEqual wraps the arena's byte-wise comparison with the controller's
// calibrated memcmp cost accounting (spec.md §4.1 "Cost accounting"),
// since every full-page compare this engine performs is exactly the cost
// CalibrateMemcmpCost measures at startup.
func (env *Env) pagesEqual(x, y hostmm.FrameID) bool {
	env.Controller.CreditMemcmp()
	return env.Arena.PagesEqual(x, y)
}

// ProcessPage runs the full per-page merge decision for one page of area
// (spec.md §4.3): resolve the page, hash it, search the stable tree, fall
// back to the unstable tree, and install or merge as the outcome demands.
// The caller is expected to already hold area's read-side trylock (spec
// §5); ProcessPage itself takes the page's own lock for the duration of
// any PTE mutation.
func (env *Env) ProcessPage(area *rmap.Area, pageIndex int) Outcome {
	host := area.Host
	frame, ok := host.FollowPage(pageIndex)
	if !ok {
		return OutcomePageInvalid
	}
	if !env.Arena.PageTryLock(frame) {
		return OutcomeLockBusy
	}
	defer env.Arena.PageUnlock(frame)

	env.Controller.NotePageScanned()
	env.Graph.NotePageScanned()
	area.PagesScanned++

	item := area.ItemFor(pageIndex)
	item.Frame = frame

	switch item.Flag() {
	case rmap.FlagStable:
		node := item.NodeVma().Stable
		if cur, live := env.Stable.GetKSMPage(node); live && cur == frame {
			return OutcomeUnchanged
		}
		if _, nodeEmpty := env.Graph.DetachFromStable(node, item); nodeEmpty {
			env.Stable.Remove(node)
		}
	case rmap.FlagUnstable:
		if tn := item.UnstableNode(); tn != nil {
			env.Unstable.Remove(tn.Hash, item)
		}
	}

	words := env.Arena.Words(frame)
	hash := rhash.Hash(words, env.WordPerm, env.Controller.Strength)

	if match, found, collided := env.Stable.Search(hash, frame, env.hashMaxOf); found {
		env.Controller.CreditPositive(rhash.PageWords - env.Controller.Strength)
		if !env.mergeIntoExisting(area, pageIndex, frame, match) {
			return OutcomePageChanged
		}
		env.Graph.AppendToStable(item, match, env.Round)
		return OutcomeMergedExisting
	} else if collided {
		env.Controller.CreditCollision()
	}

	match, found := env.Unstable.SearchInsert(hash, item, frame, env.Round, env.hashMaxOf, env.pagesEqual)
	if !found {
		env.Graph.NotePageUnshared()
		return OutcomeInsertedUnstable
	}

	node, joinedSelf, joinedMatch, outcome := env.mergeIntoNewStable(area, pageIndex, frame, hash, match)
	if node == nil {
		return outcome
	}
	if tn := match.UnstableNode(); tn != nil {
		env.Unstable.Remove(tn.Hash, match)
	}
	if joinedSelf {
		env.Graph.AppendToStable(item, node, env.Round)
	}
	if joinedMatch {
		env.Graph.AppendToStable(match, node, env.Round)
	}
	return OutcomeBecameStable
}

// mergeIntoExisting folds area's page at pageIndex into an already-known
// stable node: write-protect, re-verify under lock, then
// compare-and-swap the PTE onto the node's canonical frame (spec.md §4.2
// write_protect_page/replace_page).
func (env *Env) mergeIntoExisting(area *rmap.Area, pageIndex int, frame hostmm.FrameID, node *rmap.StableNode) bool {
	host := area.Host
	orig, wp, ok := host.WriteProtectPage(pageIndex)
	if !ok {
		return false
	}
	kframe, live := env.Stable.GetKSMPage(node)
	if !live || !env.pagesEqual(orig.Frame, kframe) {
		host.RestorePTE(pageIndex, orig, wp)
		return false
	}
	if !host.ReplacePage(pageIndex, kframe, wp) {
		host.RestorePTE(pageIndex, orig, wp)
		return false
	}
	return true
}

// mergeIntoNewStable promotes two matching private pages — the one
// currently being scanned and an unstable-tree match from earlier this
// round — into a single new stable node, canonicalizing their content
// into a fresh frame both areas are repointed at. Either side's
// ReplacePage can still fail if its PTE moved out from under the
// write-protect between the equality check and here; per spec.md §4.7
// step 5, a side that doesn't make it into the merge falls back to
// break_cow instead of being left write-protected, and the return values
// tell the caller which side(s) actually joined the new stable node.
func (env *Env) mergeIntoNewStable(area *rmap.Area, pageIndex int, frame hostmm.FrameID, hash uint32, match *rmap.Item) (node *rmap.StableNode, joinedSelf, joinedMatch bool, outcome Outcome) {
	host := area.Host
	matchHost := match.Area.Host

	orig1, wp1, ok1 := host.WriteProtectPage(pageIndex)
	if !ok1 {
		return nil, false, false, OutcomeLockBusy
	}
	orig2, wp2, ok2 := matchHost.WriteProtectPage(match.PageIndex)
	if !ok2 {
		host.RestorePTE(pageIndex, orig1, wp1)
		return nil, false, false, OutcomeLockBusy
	}
	if !env.pagesEqual(orig1.Frame, orig2.Frame) {
		host.RestorePTE(pageIndex, orig1, wp1)
		matchHost.RestorePTE(match.PageIndex, orig2, wp2)
		return nil, false, false, OutcomePageChanged
	}

	canonical := env.Arena.NewCopy(orig1.Frame)
	okr1 := host.ReplacePage(pageIndex, canonical, wp1)
	okr2 := matchHost.ReplacePage(match.PageIndex, canonical, wp2)

	if !okr1 {
		host.HandleWriteFault(pageIndex)
		area.PagesCowed++
	}
	if !okr2 {
		matchHost.HandleWriteFault(match.PageIndex)
		match.Area.PagesCowed++
	}
	if !okr1 && !okr2 {
		env.Arena.Refdown(canonical)
		return nil, false, false, OutcomePageChanged
	}

	node = env.Stable.Insert(hash, canonical, env.hashMaxOf)
	if okr1 {
		item := area.ItemFor(pageIndex)
		item.Frame = canonical
	}
	if okr2 {
		match.Frame = canonical
	}
	return node, okr1, okr2, OutcomeBecameStable
}
