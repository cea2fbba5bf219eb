// Package telemetry exports the engine's per-round cost/benefit numbers
// (spec.md §6 "Observables") as a pprof profile, so the existing
// `go tool pprof` visualizers can be pointed at a running or completed
// merge session instead of a bespoke format.
package telemetry

import (
	"fmt"
	"io"

	"github.com/google/pprof/profile"

	"uksm/internal/engine"
	"uksm/internal/rmap"
)

// sample value indices, matching the SampleType order a Recorder builds.
const (
	valPagesVisited = iota
	valPagesShared
	valPagesSharing
	valPagesUnshared
	valPagesScanned
	valCount
)

// Recorder accumulates one pprof sample per completed round. Every sample
// shares one single-frame location ("round"); the round number and the
// new strength are numeric labels, and its values are that round's
// page-visit count alongside the cumulative Observables snapshot taken
// right after it, so a pprof top/traces view over "samples" reads as a
// per-round timeline rather than a true call-stack profile.
type Recorder struct {
	fn   *profile.Function
	loc  *profile.Location
	mapp *profile.Mapping

	samples []*profile.Sample
}

// NewRecorder builds an empty Recorder.
func NewRecorder() *Recorder {
	mapp := &profile.Mapping{ID: 1, File: "uksm-engine"}
	fn := &profile.Function{ID: 1, Name: "round", SystemName: "round", Filename: "engine"}
	loc := &profile.Location{ID: 1, Mapping: mapp, Line: []profile.Line{{Function: fn, Line: 1}}}
	return &Recorder{fn: fn, loc: loc, mapp: mapp}
}

// Record appends one round's cost/benefit numbers as a pprof sample.
func (r *Recorder) Record(stats engine.RoundStats, obs rmap.Counters) {
	s := &profile.Sample{
		Location: []*profile.Location{r.loc},
		Value:    make([]int64, valCount),
		Label: map[string][]string{
			"strength_changed": {fmt.Sprintf("%t", stats.StrengthChanged)},
		},
		NumLabel: map[string][]int64{
			"round":    {int64(stats.Round)},
			"strength": {int64(stats.NewStrength)},
		},
	}
	s.Value[valPagesVisited] = int64(stats.PagesVisited)
	s.Value[valPagesShared] = int64(obs.PagesShared)
	s.Value[valPagesSharing] = int64(obs.PagesSharing)
	s.Value[valPagesUnshared] = int64(obs.PagesUnshared)
	s.Value[valPagesScanned] = int64(obs.PagesScanned)
	r.samples = append(r.samples, s)
}

// Len reports how many rounds have been recorded.
func (r *Recorder) Len() int { return len(r.samples) }

// Build assembles the recorded samples into a pprof Profile.
func (r *Recorder) Build() *profile.Profile {
	return &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "pages_visited", Unit: "count"},
			{Type: "pages_shared", Unit: "count"},
			{Type: "pages_sharing", Unit: "count"},
			{Type: "pages_unshared", Unit: "count"},
			{Type: "pages_scanned", Unit: "count"},
		},
		Sample:   r.samples,
		Mapping:  []*profile.Mapping{r.mapp},
		Location: []*profile.Location{r.loc},
		Function: []*profile.Function{r.fn},
	}
}

// Write serializes every recorded round as a gzip-compressed pprof
// profile, readable by `go tool pprof`.
func (r *Recorder) Write(w io.Writer) error {
	return r.Build().Write(w)
}
