package schedule

import (
	"context"
	"fmt"
	"time"
)

// ChannelGrid configures the mock grid+filler model for one channel: a fixed
// grid block of GridBlockMinutes, a program of ProgramDurationS at the head
// of the block, and a deterministic filler asset padding the remainder.
type ChannelGrid struct {
	GridBlockMinutes int
	ProgramAssetPath string
	ProgramDurationS float64
	FillerAssetPath  string
	FillerDurationS  float64
	FillerEpoch      time.Time
	FPSNumerator     int
	FPSDenominator   int
}

// MockGridProvider is the reference Schedule Provider: a fixed per-channel
// grid of program-then-filler blocks, with a continuous-virtual filler offset
// so the filler asset appears to play without pause across block boundaries.
type MockGridProvider struct {
	channels map[string]ChannelGrid
}

// NewMockGridProvider builds a provider serving the given per-channel grids.
func NewMockGridProvider(channels map[string]ChannelGrid) *MockGridProvider {
	cp := make(map[string]ChannelGrid, len(channels))
	for id, g := range channels {
		if g.FPSNumerator == 0 {
			g.FPSNumerator, g.FPSDenominator = 30, 1
		}
		cp[id] = g
	}
	return &MockGridProvider{channels: cp}
}

// ChannelIDs returns every channel this provider knows about, in no
// particular order, for the channel-list HTTP surface.
func (p *MockGridProvider) ChannelIDs() []string {
	ids := make([]string, 0, len(p.channels))
	for id := range p.channels {
		ids = append(ids, id)
	}
	return ids
}

func (p *MockGridProvider) PlayoutPlanNow(ctx context.Context, channelID string, atTimeUTC time.Time) ([]Segment, error) {
	g, ok := p.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("%w: channel %q", ErrNoScheduleData, channelID)
	}
	now := atTimeUTC.UTC()
	blockStart := floorToGrid(now, g.GridBlockMinutes)
	blockEnd := blockStart.Add(time.Duration(g.GridBlockMinutes) * time.Minute)
	programEnd := blockStart.Add(secondsToDuration(g.ProgramDurationS))
	fillerDuration := blockEnd.Sub(programEnd).Seconds()

	fps := float64(g.FPSNumerator) / float64(g.FPSDenominator)

	if now.Before(programEnd) {
		elapsed := now.Sub(blockStart).Seconds()
		remaining := g.ProgramDurationS - elapsed
		program := Segment{
			AssetPath:      g.ProgramAssetPath,
			SegmentType:    SegmentContent,
			StartTimeUTC:   blockStart,
			EndTimeUTC:     programEnd,
			DurationS:      remaining,
			FrameCount:     int64(remaining * fps),
			FPSNumerator:   g.FPSNumerator,
			FPSDenominator: g.FPSDenominator,
			StartPTSMs:     int64(elapsed * 1000),
			Metadata: map[string]string{
				"phase":            "mock_grid",
				"grid_block_min":   fmt.Sprintf("%d", g.GridBlockMinutes),
				"full_duration_s":  fmt.Sprintf("%.3f", g.ProgramDurationS),
			},
		}
		segs := []Segment{program}
		if fillerDuration > 0 {
			segs = append(segs, Segment{
				AssetPath:      g.FillerAssetPath,
				SegmentType:    SegmentFiller,
				StartTimeUTC:   programEnd,
				EndTimeUTC:     blockEnd,
				DurationS:      fillerDuration,
				FrameCount:     int64(fillerDuration * fps),
				FPSNumerator:   g.FPSNumerator,
				FPSDenominator: g.FPSDenominator,
				StartPTSMs:     0,
				Metadata: map[string]string{
					"phase":          "mock_grid",
					"grid_block_min": fmt.Sprintf("%d", g.GridBlockMinutes),
				},
			})
		}
		return segs, nil
	}

	// Currently inside the filler segment. The absolute offset blends the
	// continuous-virtual epoch offset with the elapsed time in this block's
	// filler run, matching the grid/filler model's join-offset derivation.
	elapsedInFiller := now.Sub(programEnd).Seconds()
	fillerOffsetS := fillerVirtualOffset(now, g.FillerEpoch, g.FillerDurationS)
	absoluteOffsetS := wrapMod(fillerOffsetS+elapsedInFiller, g.FillerDurationS)
	remainingFiller := fillerDuration - elapsedInFiller

	filler := Segment{
		AssetPath:      g.FillerAssetPath,
		SegmentType:    SegmentFiller,
		StartTimeUTC:   programEnd,
		EndTimeUTC:     blockEnd,
		DurationS:      remainingFiller,
		FrameCount:     int64(remainingFiller * fps),
		FPSNumerator:   g.FPSNumerator,
		FPSDenominator: g.FPSDenominator,
		StartPTSMs:     int64(absoluteOffsetS * 1000),
		Metadata: map[string]string{
			"phase":           "mock_grid",
			"grid_block_min":  fmt.Sprintf("%d", g.GridBlockMinutes),
			"full_duration_s": fmt.Sprintf("%.3f", fillerDuration),
		},
	}

	nextBlockStart := blockEnd
	nextProgramEnd := nextBlockStart.Add(secondsToDuration(g.ProgramDurationS))
	nextProgram := Segment{
		AssetPath:      g.ProgramAssetPath,
		SegmentType:    SegmentContent,
		StartTimeUTC:   nextBlockStart,
		EndTimeUTC:     nextProgramEnd,
		DurationS:      g.ProgramDurationS,
		FrameCount:     int64(g.ProgramDurationS * fps),
		FPSNumerator:   g.FPSNumerator,
		FPSDenominator: g.FPSDenominator,
		StartPTSMs:     0,
		Metadata: map[string]string{
			"phase":          "mock_grid",
			"grid_block_min": fmt.Sprintf("%d", g.GridBlockMinutes),
		},
	}

	return []Segment{filler, nextProgram}, nil
}

func floorToGrid(t time.Time, gridBlockMinutes int) time.Time {
	if gridBlockMinutes <= 0 {
		gridBlockMinutes = 30
	}
	blockMinute := (t.Minute() / gridBlockMinutes) * gridBlockMinutes
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), blockMinute, 0, 0, t.Location())
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// fillerVirtualOffset computes the continuous-virtual filler offset: how far
// into an endlessly looping filler asset the channel would be at "now",
// anchored at fillerEpoch, independent of program/filler block boundaries.
func fillerVirtualOffset(now, fillerEpoch time.Time, fillerDurationS float64) float64 {
	if fillerDurationS <= 0 {
		return 0
	}
	diff := now.Sub(fillerEpoch).Seconds()
	return wrapMod(diff, fillerDurationS)
}

func wrapMod(v, m float64) float64 {
	if m <= 0 {
		return 0
	}
	r := mod(v, m)
	if r < 0 {
		r += m
	}
	return r
}

func mod(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	n := a / b
	i := float64(int64(n))
	return a - i*b
}

var _ Provider = (*MockGridProvider)(nil)
