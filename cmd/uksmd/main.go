// Command uksmd drives the page-merge engine outside of a test binary: it
// builds a synthetic workload of memory areas, runs the scanner for a
// fixed number of rounds, and reports the resulting dedup statistics,
// optionally exporting them as a pprof profile for later inspection.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/google/pprof/profile"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"uksm/internal/config"
	"uksm/internal/engine"
	"uksm/internal/hostmm"
	"uksm/internal/rmap"
	"uksm/internal/telemetry"
)

func main() {
	root := &cobra.Command{
		Use:   "uksmd",
		Short: "Synthetic-workload runner for the page-merge engine",
		Long: `uksmd drives the page-merge engine's scanner loop against a synthetic
set of memory areas and reports the resulting dedup statistics. It does not
attach to a real process's address space; it is a harness for exercising and
observing the merge engine's behavior in isolation.`,
	}

	root.AddCommand(newRunCmd(), newTuneCmd(), newStatCmd())

	if err := root.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

type runOpts struct {
	areas           int
	pages           int
	dupGroups       int
	rounds          int
	sleepMillis     int
	minScanRatio    float64
	rungDelta       float64
	maxScanRatio    float64
	thrashThreshold float64
	initialStrength int
	maxDupAreas     int
	seed            int64
	profilePath     string
	historyWindow   int
}

func newRunCmd() *cobra.Command {
	var o runOpts

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build a synthetic workload and run the merge engine for a fixed number of rounds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(o)
		},
	}

	f := cmd.Flags()
	f.IntVar(&o.areas, "areas", 8, "number of synthetic memory areas to admit")
	f.IntVar(&o.pages, "pages", 16, "pages per area")
	f.IntVar(&o.dupGroups, "dup-groups", 3, "number of distinct content groups areas are drawn from (fewer groups means more duplication)")
	f.IntVar(&o.rounds, "rounds", 5, "number of scan rounds to run")
	f.IntVar(&o.sleepMillis, "sleep-ms", config.Default().SleepMillis, "inter-round sleep, informational only for this harness")
	f.Float64Var(&o.minScanRatio, "min-scan-ratio", config.Default().MinScanRatio, "rung 0 per-round scan fraction")
	f.Float64Var(&o.rungDelta, "rung-delta", config.Default().RungDelta, "per-rung scan-fraction multiplier")
	f.Float64Var(&o.maxScanRatio, "max-scan-ratio", config.Default().MaxScanRatio, "ceiling scan fraction the ladder grows rungs to cover")
	f.Float64Var(&o.thrashThreshold, "thrash-threshold", config.Default().ThrashThreshold, "rung promotion/demotion deadband around the round mean")
	f.IntVar(&o.initialStrength, "initial-strength", config.Default().InitialHashStrength, "initial adaptive-hash sample strength")
	f.IntVar(&o.maxDupAreas, "max-dup-areas", config.Default().MaxDupAreas, "inter-area duplicate table capacity")
	f.Int64Var(&o.seed, "seed", 1, "word-permutation and per-area PRNG seed")
	f.StringVar(&o.profilePath, "profile", "", "write a pprof profile of per-round statistics to this path")
	f.IntVar(&o.historyWindow, "history-window", 10, "number of most recent rounds to summarize at the end of the run")

	return cmd
}

func runRun(o runOpts) error {
	cfg := config.Config{
		Run:                 config.RunStop,
		SleepMillis:         o.sleepMillis,
		ScanBatchPages:      256,
		MinScanRatio:        o.minScanRatio,
		RungDelta:           o.rungDelta,
		MaxScanRatio:        o.maxScanRatio,
		ThrashThreshold:     o.thrashThreshold,
		InitialHashStrength: o.initialStrength,
		MaxDupAreas:         o.maxDupAreas,
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if o.dupGroups <= 0 {
		return fmt.Errorf("dup-groups must be > 0, got %d", o.dupGroups)
	}

	arena := hostmm.NewArena()
	eng, err := engine.New(cfg, arena, o.seed, slog.Default())
	if err != nil {
		return err
	}

	for i := 0; i < o.areas; i++ {
		group := byte(i % o.dupGroups)
		host := hostmm.NewArea(arena, o.pages)
		for p := 0; p < o.pages; p++ {
			f := arena.NewZeroed()
			data := arena.Bytes(f)
			for j := range data {
				data[j] = group
			}
			host.SetPage(p, f, hostmm.PTEPresent|hostmm.PTEWrite)
		}
		area := rmap.NewArea(rmap.AreaID(i+1), fmt.Sprintf("synthetic-%d", i), host, uint64(i)+1)
		eng.AdmitArea(area)
	}

	rec := telemetry.NewRecorder()
	hist := telemetry.NewHistory(o.historyWindow)
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ROUND\tPAGES VISITED\tSTRENGTH\tSHARED\tSHARING\tUNSHARED\tSCANNED")
	for i := 0; i < o.rounds; i++ {
		stats := eng.RunRound()
		obs := eng.Observables()
		rec.Record(stats, obs)
		hist.Push(telemetry.RoundSnapshot{
			Round:    stats.Round,
			Visited:  stats.PagesVisited,
			Strength: stats.NewStrength,
			Counters: obs,
		})
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			stats.Round, stats.PagesVisited, stats.NewStrength,
			obs.PagesShared, obs.PagesSharing, obs.PagesUnshared, obs.PagesScanned)
	}
	tw.Flush()

	if latest, ok := hist.Latest(); ok {
		fmt.Printf("\nlast %d of %d round(s) kept in history; most recent: round %d, %d shared / %d sharing\n",
			hist.Len(), o.rounds, latest.Round, latest.Counters.PagesShared, latest.Counters.PagesSharing)
	}

	if o.profilePath != "" {
		f, err := os.Create(o.profilePath)
		if err != nil {
			return fmt.Errorf("create profile: %w", err)
		}
		defer f.Close()
		if err := rec.Write(f); err != nil {
			return fmt.Errorf("write profile: %w", err)
		}
	}
	return nil
}

func newTuneCmd() *cobra.Command {
	cfg := config.Default()

	cmd := &cobra.Command{
		Use:   "tune",
		Short: "Validate a set of engine tunables and print the resulting configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			p := message.NewPrinter(language.English)
			p.Printf("run:                  %s\n", cfg.Run)
			p.Printf("sleep_ms:             %d\n", cfg.SleepMillis)
			p.Printf("scan_batch_pages:     %d\n", cfg.ScanBatchPages)
			p.Printf("min_scan_ratio:       %.4f\n", cfg.MinScanRatio)
			p.Printf("rung_delta:           %.2f\n", cfg.RungDelta)
			p.Printf("max_scan_ratio:       %.2f\n", cfg.MaxScanRatio)
			p.Printf("thrash_threshold:     %.4f\n", cfg.ThrashThreshold)
			p.Printf("initial_hash_strength:%d\n", cfg.InitialHashStrength)
			p.Printf("max_dup_areas:        %d\n", cfg.MaxDupAreas)
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVar(&cfg.SleepMillis, "sleep-ms", cfg.SleepMillis, "inter-round sleep")
	f.IntVar(&cfg.ScanBatchPages, "scan-batch-pages", cfg.ScanBatchPages, "page batch size (validated and printed; not read by the engine)")
	f.Float64Var(&cfg.MinScanRatio, "min-scan-ratio", cfg.MinScanRatio, "rung 0 per-round scan fraction")
	f.Float64Var(&cfg.RungDelta, "rung-delta", cfg.RungDelta, "per-rung scan-fraction multiplier")
	f.Float64Var(&cfg.MaxScanRatio, "max-scan-ratio", cfg.MaxScanRatio, "ceiling scan fraction")
	f.Float64Var(&cfg.ThrashThreshold, "thrash-threshold", cfg.ThrashThreshold, "rung promotion/demotion deadband")
	f.IntVar(&cfg.InitialHashStrength, "initial-strength", cfg.InitialHashStrength, "initial adaptive-hash sample strength")
	f.IntVar(&cfg.MaxDupAreas, "max-dup-areas", cfg.MaxDupAreas, "inter-area duplicate table capacity")

	return cmd
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <profile-path>",
		Short: "Print a per-round summary of a profile written by `run --profile`",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStat(args[0])
		},
	}
}

func runStat(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	p, err := profile.Parse(f)
	if err != nil {
		return fmt.Errorf("parse profile: %w", err)
	}

	idx := make(map[string]int, len(p.SampleType))
	for i, st := range p.SampleType {
		idx[st.Type] = i
	}

	printer := message.NewPrinter(language.English)
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ROUND\tSTRENGTH\tVISITED\tSHARED\tSHARING\tUNSHARED\tSCANNED")
	for _, s := range p.Sample {
		round := int64(0)
		strength := int64(0)
		if rs := s.NumLabel["round"]; len(rs) > 0 {
			round = rs[0]
		}
		if ss := s.NumLabel["strength"]; len(ss) > 0 {
			strength = ss[0]
		}
		printer.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			round, strength,
			s.Value[idx["pages_visited"]],
			s.Value[idx["pages_shared"]],
			s.Value[idx["pages_sharing"]],
			s.Value[idx["pages_unshared"]],
			s.Value[idx["pages_scanned"]],
		)
	}
	tw.Flush()
	return nil
}
