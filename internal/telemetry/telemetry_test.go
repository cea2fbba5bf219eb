package telemetry

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"uksm/internal/engine"
	"uksm/internal/rmap"
)

func TestRecordAccumulatesOneSamplePerRound(t *testing.T) {
	r := NewRecorder()
	r.Record(engine.RoundStats{Round: 1, PagesVisited: 4}, rmap.Counters{PagesShared: 1})
	r.Record(engine.RoundStats{Round: 2, PagesVisited: 2}, rmap.Counters{PagesShared: 1, PagesSharing: 1})

	require.Equal(t, 2, r.Len())

	p := r.Build()
	require.Len(t, p.Sample, 2)
	require.Len(t, p.SampleType, 5)
	require.Equal(t, int64(4), p.Sample[0].Value[valPagesVisited])
	require.Equal(t, int64(1), p.Sample[1].Value[valPagesSharing])
	require.Equal(t, []int64{2}, p.Sample[1].NumLabel["round"])
}

func TestWriteProducesAParseableProfile(t *testing.T) {
	r := NewRecorder()
	r.Record(engine.RoundStats{Round: 1, PagesVisited: 1}, rmap.Counters{PagesShared: 1})

	var buf bytes.Buffer
	require.NoError(t, r.Write(&buf))
	require.NotZero(t, buf.Len())
}
