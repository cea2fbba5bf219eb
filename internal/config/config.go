// Package config holds the engine's runtime tunables (spec.md §6
// "External Interfaces" / run-state), modeled on the teacher's
// limits.Syslimit_t validation style: plain fields with an explicit
// Validate step rather than scattering bounds checks at every call site.
package config

import "fmt"

// RunState is the engine's run/stop switch (spec.md §5).
type RunState int

const (
	// RunStop: the scanner goroutine is parked; no rounds execute.
	RunStop RunState = iota
	// RunMerge: the scanner actively runs rounds.
	RunMerge
)

func (s RunState) String() string {
	if s == RunMerge {
		return "merge"
	}
	return "stop"
}

// Config is every tunable the CLI or an embedding program can adjust
// between rounds (spec.md §6, §9).
type Config struct {
	// Run selects whether the scanner executes rounds at all.
	Run RunState

	// SleepMillis is how long the scanner sleeps between rounds when it
	// has no remaining per-round budget (spec.md §5).
	SleepMillis int

	// ScanBatchPages is validated (it must be > 0) and printed by the CLI,
	// but the engine does not read it: a round processes every page
	// PlanRound schedules, with no per-batch cap.
	ScanBatchPages int

	// MinScanRatio is rung 0's per-round scan fraction (ladder.New's
	// minRatio), and RungDelta the per-rung multiplier.
	MinScanRatio float64
	RungDelta    float64
	MaxScanRatio float64

	// ThrashThreshold gates rung promotion/demotion so areas hovering
	// near the round's mean dedup ratio don't oscillate every round
	// (spec.md §4.6).
	ThrashThreshold float64

	// InitialHashStrength seeds the hash controller (spec.md §4.1, §4.8).
	InitialHashStrength int

	// MaxDupAreas bounds the inter-area table (spec.md §3
	// "KSM_DUP_VMA_MAX").
	MaxDupAreas int
}

// Default returns a configuration sized for a single-machine engine
// instance: a 2048-area inter-area table, a 20ms idle sleep, and ladder
// ratios matching spec.md §4.6's worked example (1/16, x4 per rung, up to
// a 1.0 ceiling).
func Default() Config {
	return Config{
		Run:                 RunStop,
		SleepMillis:         20,
		ScanBatchPages:      256,
		MinScanRatio:        1.0 / 16,
		RungDelta:           4,
		MaxScanRatio:        1.0,
		ThrashThreshold:     0.05,
		InitialHashStrength: 16,
		MaxDupAreas:         2048,
	}
}

// Validate rejects tunables that would make the engine misbehave rather
// than merely perform poorly.
func (c Config) Validate() error {
	if c.SleepMillis < 0 {
		return fmt.Errorf("config: sleep_ms must be >= 0, got %d", c.SleepMillis)
	}
	if c.ScanBatchPages <= 0 {
		return fmt.Errorf("config: scan_batch_pages must be > 0, got %d", c.ScanBatchPages)
	}
	if c.MinScanRatio <= 0 || c.MinScanRatio > 1 {
		return fmt.Errorf("config: min_scan_ratio must be in (0,1], got %f", c.MinScanRatio)
	}
	if c.RungDelta <= 1 {
		return fmt.Errorf("config: rung_delta must be > 1, got %f", c.RungDelta)
	}
	if c.MaxScanRatio < c.MinScanRatio {
		return fmt.Errorf("config: max_scan_ratio must be >= min_scan_ratio")
	}
	if c.ThrashThreshold < 0 {
		return fmt.Errorf("config: thrash_threshold must be >= 0, got %f", c.ThrashThreshold)
	}
	if c.InitialHashStrength <= 0 {
		return fmt.Errorf("config: initial_hash_strength must be > 0, got %d", c.InitialHashStrength)
	}
	if c.MaxDupAreas < 2 {
		return fmt.Errorf("config: max_dup_areas must be >= 2, got %d", c.MaxDupAreas)
	}
	return nil
}
