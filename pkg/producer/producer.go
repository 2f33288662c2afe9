// Package producer defines the adapter contract over an external playout
// engine. The orchestrator drives a Producer through Start, LoadPreview, and
// SwitchToLive; the producer itself never picks content or makes scheduling
// decisions, it only plays what it is told to play.
package producer

import (
	"context"
	"io"
	"time"

	"github.com/retrovue/broadcastd/pkg/director"
)

// Health is the coarse operational status a Producer reports.
type Health string

const (
	HealthRunning  Health = "running"
	HealthDegraded Health = "degraded"
	HealthStopped  Health = "stopped"
)

// Status is a point-in-time snapshot of a Producer, primarily for telemetry.
type Status struct {
	ProducerID  string
	ChannelID   string
	Mode        director.Mode
	Health      Health
	OutputURL   string
	StartedAt   time.Time
}

// Producer is the opaque handle the orchestrator supervises. LoadPreview is
// forbidden while a switch is armed; the orchestrator itself enforces this
// by never calling LoadPreview outside the IDLE sub-state, but a conforming
// implementation should also reject the call defensively.
type Producer interface {
	// Start begins output using plan (first segment plus lookahead) starting
	// at startAt. Any failure is reported as an error; it is never retried.
	Start(ctx context.Context, plan []Segment, startAt time.Time) error

	// LoadPreview fills the preview slot with a frame-exact window of asset.
	// Returns (true, nil) on success, (false, nil) if the producer was not
	// ready (caller may retry on the next tick while still feasible), and a
	// non-nil error for a transport/encoder fault.
	LoadPreview(ctx context.Context, asset string, startFrame, frameCount int64, fpsNum, fpsDen int) (bool, error)

	// SwitchToLive promotes preview to live, tagged with the boundary it must
	// land on. Safe to call repeatedly while armed to poll for completion
	// ("idempotent-until-success"): it returns (false, nil) while the
	// promotion is not yet complete, and (true, nil) once it is, including on
	// every later call for the same target boundary.
	SwitchToLive(ctx context.Context, targetBoundaryMs int64) (bool, error)

	// Stop tears the producer down best-effort; it never waits for EOF.
	Stop(ctx context.Context) error

	Health() Health
	GetState() Status
}

// Streamer is implemented by a Producer that can hand back its live MPEG-TS
// output directly, for an in-process fan-out source during development. A
// production playout-engine adapter instead exposes Status.OutputURL and
// lets the caller dial it over the network; Streamer is the in-process
// fallback so the HTTP layer has something to fan out in the reference
// implementation.
type Streamer interface {
	// Stream returns the producer's live output as a byte stream. The
	// returned ReadCloser is read until ctx is cancelled or Close is called;
	// callers must always Close it.
	Stream(ctx context.Context) (io.ReadCloser, error)
}

// Segment is the minimal view of schedule.Segment a Producer needs; kept as
// its own type so this package has no import-time dependency on pkg/schedule
// (only the orchestrator, which already depends on both, needs to bridge
// between the two).
type Segment struct {
	AssetPath      string
	StartFrame     int64
	FrameCount     int64
	FPSNumerator   int
	FPSDenominator int
	StartPTSMs     int64
}
