// Package schedule defines the read-only playout-plan contract: "what should
// be airing on a channel at a given instant", plus a reference grid+filler
// provider implementation.
package schedule

import (
	"context"
	"errors"
	"time"
)

// ErrNoScheduleData is returned when a provider has nothing to air for a
// channel that is expected to be live. The orchestrator treats this as fatal.
var ErrNoScheduleData = errors.New("schedule: no schedule data for channel")

// SegmentType distinguishes billable program content from pad/filler media.
type SegmentType string

const (
	SegmentContent SegmentType = "content"
	SegmentFiller  SegmentType = "filler"
)

// Segment is the unit of media the producer plays between two boundaries.
type Segment struct {
	AssetPath      string
	SegmentType    SegmentType
	StartTimeUTC   time.Time
	EndTimeUTC     time.Time
	DurationS      float64
	FrameCount     int64 // 0 derives from DurationS; negative marks "play to EOF", which DerivedFrameCount rejects
	FPSNumerator   int
	FPSDenominator int
	StartPTSMs     int64
	Metadata       map[string]string
}

// FrameDurationUs returns the duration of one frame in microseconds given the
// segment's rational frame rate.
func (s Segment) FrameDurationUs() int64 {
	if s.FPSNumerator == 0 {
		return 0
	}
	return int64(s.FPSDenominator) * 1_000_000 / int64(s.FPSNumerator)
}

// CTExhaust returns ct_start + frame_count * frame_duration_us, the
// continuous-time microsecond offset at which this segment is exhausted.
func (s Segment) CTExhaust(ctStart int64) int64 {
	return ctStart + s.FrameCount*s.FrameDurationUs()
}

// DerivedFrameCount returns FrameCount if it is positive; a zero FrameCount
// is derived from DurationS * fps. A negative FrameCount ("play to EOF") is
// rejected by returning (0, false), and so is a derived value that is not
// itself positive.
func (s Segment) DerivedFrameCount() (int64, bool) {
	if s.FrameCount >= 0 && s.FrameCount != 0 {
		return s.FrameCount, true
	}
	if s.FrameCount < 0 {
		return 0, false
	}
	if s.FPSDenominator == 0 {
		return 0, false
	}
	derived := int64(s.DurationS * float64(s.FPSNumerator) / float64(s.FPSDenominator))
	return derived, derived > 0
}

// Provider is the Schedule Provider contract. It must be pure, idempotent,
// and fast: callers invoke it from the tick driver and the issuance timer
// callback, neither of which may block.
type Provider interface {
	// PlayoutPlanNow returns the airing-order segment sequence beginning with
	// the segment containing atTimeUTC. The first element satisfies
	// start_time_utc <= atTimeUTC < end_time_utc (half-open, start-inclusive).
	// Returns ErrNoScheduleData if nothing is scheduled for channelID.
	PlayoutPlanNow(ctx context.Context, channelID string, atTimeUTC time.Time) ([]Segment, error)
}

// ChannelLister is implemented by a Provider that can enumerate its known
// channels, for the channel-list HTTP surface. Not every Provider can (a
// provider backed by an external database may not support a cheap listing),
// so callers must type-assert for it.
type ChannelLister interface {
	ChannelIDs() []string
}
