// Package engine is the top-level orchestrator (spec.md §9 "consolidate
// ... into one engine value"): it owns the hash controller, both trees,
// the scan ladder, and the shared arena, and drives the round-boundary
// scanner loop (spec.md §5).
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"uksm/internal/config"
	"uksm/internal/hostmm"
	"uksm/internal/ladder"
	"uksm/internal/mergeengine"
	"uksm/internal/rhash"
	"uksm/internal/rmap"
	"uksm/internal/stable"
	"uksm/internal/unstable"
)

// calibrationIterations bounds how many hash/memcmp repetitions
// calibrateMemcmpCost times at startup — enough to smooth out scheduling
// noise without meaningfully delaying engine construction.
const calibrationIterations = 64

// calibrateMemcmpCost times a run of sampled hashes against a run of
// full-page compares on two freshly allocated frames, and derives the
// relative cost CalibrateMemcmpCost expects (spec.md §4.1 "calibrated at
// startup"), rather than hardcoding a constant.
func calibrateMemcmpCost(arena *hostmm.Arena, wordPerm []int, strength int) int64 {
	f1 := arena.NewZeroed()
	defer arena.Refdown(f1)
	f2 := arena.NewZeroed()
	defer arena.Refdown(f2)

	hashStart := time.Now()
	for i := 0; i < calibrationIterations; i++ {
		rhash.Hash(arena.Words(f1), wordPerm, strength)
	}
	hashElapsed := time.Since(hashStart).Nanoseconds()

	memcmpStart := time.Now()
	for i := 0; i < calibrationIterations; i++ {
		arena.PagesEqual(f1, f2)
	}
	memcmpElapsed := time.Since(memcmpStart).Nanoseconds()

	return rhash.CalibrateMemcmpCost(hashElapsed, memcmpElapsed)
}

// Engine is the single consolidated piece of mutable state the spec's
// design notes call for: one value an embedding program creates, admits
// areas into, and starts the scanner loop on.
type Engine struct {
	cfgMu sync.Mutex
	cfg   config.Config

	arena      *hostmm.Arena
	graph      *rmap.Graph
	stableTree *stable.Tree
	unstable   *unstable.Tree
	ladder     *ladder.Ladder
	controller *rhash.Controller
	wordPerm   []int

	roundMu sync.Mutex
	round   uint64

	log *slog.Logger

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New builds an engine over arena with the given tunables. wordPermSeed
// fixes the one engine-wide permutation the adaptive hash samples
// through (spec.md §4.1); pass a value from a real entropy source in
// production, a fixed constant in tests.
func New(cfg config.Config, arena *hostmm.Arena, wordPermSeed int64, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	wordPerm := rhash.NewPermutation(wordPermSeed, rhash.PageWords)
	controller := rhash.NewController(cfg.InitialHashStrength)
	controller.MemcmpCost = calibrateMemcmpCost(arena, wordPerm, cfg.InitialHashStrength)

	return &Engine{
		cfg:        cfg,
		arena:      arena,
		graph:      rmap.NewGraph(cfg.MaxDupAreas),
		stableTree: stable.NewTree(arena),
		unstable:   unstable.NewTree(),
		ladder:     ladder.New(cfg.MinScanRatio, cfg.RungDelta, cfg.MaxScanRatio, cfg.ThrashThreshold),
		controller: controller,
		wordPerm:   wordPerm,
		log:        logger,
	}, nil
}

// AdmitArea brings a newly eligible area under scanning, at rung 0.
func (e *Engine) AdmitArea(a *rmap.Area) { e.ladder.AdmitArea(a) }

// QueueAreaRemoval marks an area for teardown at the next round boundary.
func (e *Engine) QueueAreaRemoval(a *rmap.Area) { e.ladder.QueueRemoval(a) }

// SetRun flips the engine's run/stop switch, read by the scanner loop at
// the top of every iteration.
func (e *Engine) SetRun(r config.RunState) {
	e.cfgMu.Lock()
	e.cfg.Run = r
	e.cfgMu.Unlock()
}

func (e *Engine) runState() config.RunState {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	return e.cfg.Run
}

func (e *Engine) sleepMillis() int {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	return e.cfg.SleepMillis
}

// Observables returns a consistent snapshot of the engine's externally
// visible counters (spec.md §6).
func (e *Engine) Observables() rmap.Counters { return e.graph.Snapshot() }

// Strength returns the hash controller's current sampling strength.
func (e *Engine) Strength() int { return e.controller.Strength }

// Round returns how many rounds have completed.
func (e *Engine) Round() uint64 {
	e.roundMu.Lock()
	defer e.roundMu.Unlock()
	return e.round
}

// RoundStats summarizes one completed round for logging/telemetry.
type RoundStats struct {
	Round           uint64
	PagesVisited    int
	StrengthChanged bool
	OldStrength     int
	NewStrength     int
}

// deltaHashAt returns a stable.DeltaHashFunc that carries a node's
// first-level hash, computed at oldStrength, forward to the controller's
// current strength via rhash.DeltaHash rather than rereading and re-hashing
// the whole page (spec.md §4.4 "delta_hash from the old first-level hash",
// §4.1 "rebuilt at another strength without recomputing full page hashes").
// oldStrength is fixed at the moment Rehash is called, since every node
// carried into this rehash was last hashed at the strength the controller
// held immediately before this adjustment.
func (e *Engine) deltaHashAt(oldStrength int) func(hostmm.FrameID, uint32) uint32 {
	newStrength := e.controller.Strength
	return func(frame hostmm.FrameID, oldHash uint32) uint32 {
		words := e.arena.Words(frame)
		return rhash.DeltaHash(words, e.wordPerm, oldStrength, newStrength, oldHash)
	}
}

func (e *Engine) hashMaxAt(frame hostmm.FrameID) uint32 {
	words := e.arena.Words(frame)
	h := rhash.Hash(words, e.wordPerm, e.controller.Strength)
	return rhash.PageHashMax(words, e.wordPerm, e.controller.Strength, h)
}

// onVanished detaches every rmap item still pointing at a stable node
// that a rehash found to have vanished (its frame was recycled before it
// could be carried forward).
func (e *Engine) onVanished(node *rmap.StableNode) {
	nvs := make([]*rmap.NodeVma, len(node.NodeVmas))
	copy(nvs, node.NodeVmas)
	for _, nv := range nvs {
		items := make([]*rmap.Item, len(nv.Items))
		copy(items, nv.Items)
		for _, it := range items {
			e.graph.DetachFromStable(node, it)
		}
	}
}

func (e *Engine) teardownArea(a *rmap.Area) {
	for _, it := range a.Items() {
		switch it.Flag() {
		case rmap.FlagStable:
			node := it.NodeVma().Stable
			if _, nodeEmpty := e.graph.DetachFromStable(node, it); nodeEmpty {
				e.stableTree.Remove(node)
			}
		case rmap.FlagUnstable:
			if tn := it.UnstableNode(); tn != nil {
				e.unstable.Remove(tn.Hash, it)
			}
		}
	}
}

// RunRound executes exactly one scan round: plan the ladder's page
// budget, process every scheduled page, discard the unstable tree,
// re-tune hash strength, delta-rehash the stable tree if strength moved,
// rebalance the ladder, and drain any areas queued for removal.
func (e *Engine) RunRound() RoundStats {
	e.roundMu.Lock()
	e.round++
	round := e.round
	e.roundMu.Unlock()

	e.ladder.BeginRound()
	tasks := e.ladder.PlanRound()

	env := &mergeengine.Env{
		Arena:      e.arena,
		Graph:      e.graph,
		Stable:     e.stableTree,
		Unstable:   e.unstable,
		Controller: e.controller,
		WordPerm:   e.wordPerm,
		Round:      round,
	}

	for _, task := range tasks {
		if !task.Area.TryRLock() {
			continue
		}
		env.ProcessPage(task.Area, task.PageIndex)
		task.Area.RUnlock()
	}

	e.unstable.Discard()

	adj := e.controller.Adjust()
	if adj.Changed {
		e.stableTree.Rehash(e.deltaHashAt(adj.OldStrength), e.hashMaxAt, e.onVanished)
	}

	// RebalanceAfterRound reads the inter-area table this round's
	// AppendToStable calls populated, so it must run before the table is
	// cleared for the next round (spec.md §4.6 "Round boundary").
	e.ladder.RebalanceAfterRound(e.graph.InterAreaTable())
	e.graph.InterAreaTable().Clear()

	for _, a := range e.ladder.DrainRemovals() {
		e.teardownArea(a)
	}

	e.graph.NoteFullScan()

	stats := RoundStats{
		Round:           round,
		PagesVisited:    len(tasks),
		StrengthChanged: adj.Changed,
		OldStrength:     adj.OldStrength,
		NewStrength:     adj.NewStrength,
	}
	e.log.Info("round complete",
		"round", stats.Round,
		"pages_visited", stats.PagesVisited,
		"strength", stats.NewStrength,
		"strength_changed", stats.StrengthChanged,
	)
	return stats
}

// Start launches the scanner's long-lived goroutine (spec.md §5): it
// loops running rounds while Run==RunMerge and sleeping otherwise,
// cooperatively yielding between rounds rather than blocking scan
// progress on anything but its own sleep timer. Calling Start twice
// without an intervening Stop is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.runMu.Lock()
	if e.running {
		e.runMu.Unlock()
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	stopCh, doneCh := e.stopCh, e.doneCh
	e.runMu.Unlock()

	go e.loop(ctx, stopCh, doneCh)
}

func (e *Engine) loop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		if e.runState() != config.RunMerge {
			if !e.sleep(ctx, stopCh) {
				return
			}
			continue
		}

		e.RunRound()
		if !e.sleep(ctx, stopCh) {
			return
		}
	}
}

// sleep waits out the configured inter-round delay, returning false if
// the loop should exit instead.
func (e *Engine) sleep(ctx context.Context, stopCh chan struct{}) bool {
	e.graph.NoteSleep()
	d := time.Duration(e.sleepMillis()) * time.Millisecond
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// Stop halts the scanner loop and waits for it to exit.
func (e *Engine) Stop() {
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return
	}
	close(e.stopCh)
	doneCh := e.doneCh
	e.runMu.Unlock()

	<-doneCh

	e.runMu.Lock()
	e.running = false
	e.runMu.Unlock()
}
