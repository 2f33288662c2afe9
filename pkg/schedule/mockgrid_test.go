package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scenario1Grid() ChannelGrid {
	return ChannelGrid{
		GridBlockMinutes: 30,
		ProgramAssetPath: "program.ts",
		ProgramDurationS: 22 * 60,
		FillerAssetPath:  "filler.ts",
		FillerDurationS:  8 * 60,
		FillerEpoch:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		FPSNumerator:     30000,
		FPSDenominator:   1001,
	}
}

// TestMidSegmentJoin mirrors scenario 1: a viewer tunes in 7 minutes into the
// program segment of a 30-minute grid block.
func TestMidSegmentJoin(t *testing.T) {
	p := NewMockGridProvider(map[string]ChannelGrid{"ch1": scenario1Grid()})
	at := time.Date(2025, 6, 1, 14, 7, 0, 0, time.UTC)
	segs, err := p.PlayoutPlanNow(context.Background(), "ch1", at)
	require.NoError(t, err)
	require.Len(t, segs, 2)

	program := segs[0]
	assert.Equal(t, SegmentContent, program.SegmentType)
	assert.Equal(t, int64(420000), program.StartPTSMs)
	assert.InDelta(t, 15*60, program.DurationS, 0.001)
	assert.True(t, program.EndTimeUTC.Equal(time.Date(2025, 6, 1, 14, 22, 0, 0, time.UTC)))

	filler := segs[1]
	assert.Equal(t, SegmentFiller, filler.SegmentType)
	assert.Equal(t, int64(0), filler.StartPTSMs)
	assert.InDelta(t, 8*60, filler.DurationS, 0.001)
}

func TestPlayoutPlanNowIdempotent(t *testing.T) {
	p := NewMockGridProvider(map[string]ChannelGrid{"ch1": scenario1Grid()})
	at := time.Date(2025, 6, 1, 14, 7, 0, 0, time.UTC)
	a, err := p.PlayoutPlanNow(context.Background(), "ch1", at)
	require.NoError(t, err)
	b, err := p.PlayoutPlanNow(context.Background(), "ch1", at)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestBoundaryStartInclusive(t *testing.T) {
	p := NewMockGridProvider(map[string]ChannelGrid{"ch1": scenario1Grid()})
	at := time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)
	segs, err := p.PlayoutPlanNow(context.Background(), "ch1", at)
	require.NoError(t, err)
	require.NotEmpty(t, segs)
	assert.True(t, segs[0].StartTimeUTC.Equal(at))
	assert.Equal(t, int64(0), segs[0].StartPTSMs)
}

func TestUnknownChannelIsNoScheduleData(t *testing.T) {
	p := NewMockGridProvider(map[string]ChannelGrid{})
	_, err := p.PlayoutPlanNow(context.Background(), "missing", time.Now().UTC())
	assert.ErrorIs(t, err, ErrNoScheduleData)
}

func TestDerivedFrameCountRejectsNegative(t *testing.T) {
	s := Segment{FrameCount: -1, DurationS: 10, FPSNumerator: 30, FPSDenominator: 1}
	_, ok := s.DerivedFrameCount()
	assert.False(t, ok)
}

func TestDerivedFrameCountFromDuration(t *testing.T) {
	s := Segment{FrameCount: 0, DurationS: 2, FPSNumerator: 30, FPSDenominator: 1}
	fc, ok := s.DerivedFrameCount()
	assert.True(t, ok)
	assert.Equal(t, int64(60), fc)
}
