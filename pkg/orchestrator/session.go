// Package orchestrator implements the per-channel boundary state machine
// and the clock-driven tick that drives a Producer through preload and
// switch at each schedule boundary, fanning viewer membership in and out
// without gating on playout readiness.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/retrovue/broadcastd/pkg/clock"
	"github.com/retrovue/broadcastd/pkg/director"
	"github.com/retrovue/broadcastd/pkg/producer"
	"github.com/retrovue/broadcastd/pkg/schedule"
)

// Telemetry receives session observability events. A nil Telemetry is
// valid; every call site must guard against it.
type Telemetry interface {
	ObserveLeadTime(channelID string, lead time.Duration)
	IncInvariantViolation(channelID, name string)
	SetSessionState(channelID string, state BoundaryState)
}

// ModeWatcher is notified whenever a running session observes its Director
// mode change from what it last saw. A nil ModeWatcher is valid; every call
// site must guard against it. An emergency-mode transition is how a
// real deployment drives splice-cue insertion onto the channel's live
// output, which lives outside this package alongside the fan-out router.
type ModeWatcher interface {
	OnModeChange(channelID string, mode director.Mode)
}

// Viewer is a single tuned-in client.
type Viewer struct {
	JoinedAt     time.Time
	LastActivity time.Time
}

// ProducerFactory builds a fresh Producer for a channel in the given mode.
type ProducerFactory func(channelID string, mode director.Mode) producer.Producer

// Session owns one channel's boundary state machine, its current Producer,
// and its tuned-in viewer set. All public methods are safe for concurrent
// use; callers never need an external lock.
type Session struct {
	mu sync.Mutex

	channelID       string
	clock           clock.Clock
	provider        schedule.Provider
	director        director.Director
	producerFactory ProducerFactory
	cfg             Config
	telemetry       Telemetry
	modeWatcher     ModeWatcher

	viewers map[string]Viewer

	running bool
	prod    producer.Producer
	mode    director.Mode

	state    BoundaryState
	subState SwitchState

	boundaryTime   time.Time
	planBoundaryMs int64
	currentSegment *schedule.Segment

	converged           bool
	convergenceDeadline time.Time

	teardownPending bool
	teardownReason  string
	teardownDeadline time.Time

	switchExhaustionLogged bool

	pendingFatal *FatalError

	issuanceTimer clock.Timer
}

// NewSession constructs an idle session for channelID. The session performs
// no work until the first viewer tunes in.
func NewSession(channelID string, clk clock.Clock, provider schedule.Provider, dir director.Director, factory ProducerFactory, cfg Config, telemetry Telemetry, modeWatcher ModeWatcher) *Session {
	return &Session{
		channelID:       channelID,
		clock:           clk,
		provider:        provider,
		director:        dir,
		producerFactory: factory,
		cfg:             cfg,
		telemetry:       telemetry,
		modeWatcher:     modeWatcher,
		viewers:         make(map[string]Viewer),
		state:           StateNone,
		subState:        SwitchIdle,
	}
}

// ChannelID returns the session's channel identifier.
func (s *Session) ChannelID() string { return s.channelID }

// Snapshot is a point-in-time view of a session, for telemetry and the
// channel-list HTTP surface.
type Snapshot struct {
	ChannelID    string
	State        BoundaryState
	SubState     SwitchState
	ViewerCount  int
	Running      bool
	Converged    bool
	BoundaryTime time.Time
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ChannelID:    s.channelID,
		State:        s.state,
		SubState:     s.subState,
		ViewerCount:  len(s.viewers),
		Running:      s.running,
		Converged:    s.converged,
		BoundaryTime: s.boundaryTime,
	}
}

func (s *Session) IsLive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateLive
}

// DeferredTeardownTriggered reports whether a teardown request is currently
// pending (queued because the session was in a TRANSIENT state when the
// last viewer left).
func (s *Session) DeferredTeardownTriggered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.teardownPending
}

// TuneIn registers viewerID. The first viewer to join a cold channel starts
// it; session creation is never gated on first-boundary feasibility
// (INV-SESSION-CREATION-UNGATED) — infeasibility, if any, is resolved by the
// next Tick.
func (s *Session) TuneIn(viewerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.NowUTC()
	wasEmpty := len(s.viewers) == 0
	s.viewers[viewerID] = Viewer{JoinedAt: now, LastActivity: now}
	if wasEmpty && !s.running {
		return s.startLocked(now)
	}
	return nil
}

// TuneOut removes viewerID. If it was the last viewer, teardown is either
// executed immediately (stable state) or deferred until the session next
// reaches a stable state, bounded by the teardown grace window
// (INV-TEARDOWN-STABLE-STATE, INV-TEARDOWN-GRACE-TIMEOUT).
func (s *Session) TuneOut(viewerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.viewers, viewerID)
	if len(s.viewers) > 0 {
		return
	}
	s.requestTeardownLocked("last viewer left")
}

// StopChannel forces teardown regardless of viewer count, e.g. for an
// operator-initiated shutdown.
func (s *Session) StopChannel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewers = make(map[string]Viewer)
	s.requestTeardownLocked("channel stopped")
}

func (s *Session) requestTeardownLocked(reason string) {
	if !s.running || s.teardownPending {
		return
	}
	s.teardownPending = true
	s.teardownReason = reason
	s.teardownDeadline = s.clock.NowUTC().Add(s.cfg.TeardownGrace)
	if s.state.stable() {
		s.executeTeardownLocked()
	}
}

func (s *Session) executeTeardownLocked() {
	if s.issuanceTimer != nil {
		s.issuanceTimer.Stop()
		s.issuanceTimer = nil
	}
	if s.prod != nil {
		_ = s.prod.Stop(context.Background())
	}
	s.prod = nil
	s.running = false
	s.teardownPending = false
	s.state = StateNone
	s.subState = SwitchIdle
	s.converged = false
	s.currentSegment = nil
	if s.telemetry != nil {
		s.telemetry.SetSessionState(s.channelID, s.state)
	}
}

func (s *Session) startLocked(now time.Time) error {
	mode, err := s.director.ChannelMode(s.channelID)
	if err != nil {
		mode = director.ModeNormal
	}
	s.mode = mode
	s.prod = s.producerFactory(s.channelID, mode)
	s.running = true
	s.teardownPending = false
	s.converged = false
	s.convergenceDeadline = now.Add(s.cfg.MaxConvergence)
	s.switchExhaustionLogged = false

	segs, err := s.provider.PlayoutPlanNow(context.Background(), s.channelID, now)
	if err != nil {
		return s.failStartupLocked(KindNoScheduleData, "startup plan lookup: %v", err)
	}
	if len(segs) == 0 {
		return s.failStartupLocked(KindNoScheduleData, "empty playout plan at startup")
	}
	current := segs[0]
	if err := s.prod.Start(context.Background(), toProducerSegments(segs), now); err != nil {
		return s.failStartupLocked(KindProducerStartup, "producer start: %v", err)
	}
	s.currentSegment = &current
	s.boundaryTime = current.EndTimeUTC
	s.planBoundaryMs = s.boundaryTime.UnixMilli()
	s.state = StatePlanned
	s.subState = SwitchIdle
	if s.telemetry != nil {
		s.telemetry.SetSessionState(s.channelID, s.state)
	}
	return nil
}

func (s *Session) failStartupLocked(kind ErrorKind, format string, args ...any) error {
	s.running = false
	s.state = StateFailedTerminal
	err := newFatal(kind, s.channelID, "", format, args...)
	s.pendingFatal = err
	if s.telemetry != nil {
		s.telemetry.SetSessionState(s.channelID, s.state)
	}
	return err
}

// failTerminalLocked transitions the session into FAILED_TERMINAL, stops any
// pending issuance timer, records the fatal for the next Tick to surface,
// and runs a pending teardown immediately since FAILED_TERMINAL is stable
// (INV-TEARDOWN-STABLE-STATE).
func (s *Session) failTerminalLocked(kind ErrorKind, invariant, format string, args ...any) *FatalError {
	if !transition(s.state, StateFailedTerminal) {
		// Already terminal; nothing to do.
		if s.pendingFatal != nil {
			return s.pendingFatal
		}
	}
	if s.issuanceTimer != nil {
		s.issuanceTimer.Stop()
		s.issuanceTimer = nil
	}
	s.state = StateFailedTerminal
	err := newFatal(kind, s.channelID, invariant, format, args...)
	s.pendingFatal = err
	if s.prod != nil {
		_ = s.prod.Stop(context.Background())
	}
	if s.telemetry != nil {
		s.telemetry.SetSessionState(s.channelID, s.state)
		s.telemetry.IncInvariantViolation(s.channelID, invariant)
	}
	if s.teardownPending {
		s.executeTeardownLocked()
	}
	return err
}

func toProducerSegments(segs []schedule.Segment) []producer.Segment {
	out := make([]producer.Segment, 0, len(segs))
	for _, seg := range segs {
		startFrame := frameFromPTS(seg.StartPTSMs, seg.FPSNumerator, seg.FPSDenominator)
		out = append(out, producer.Segment{
			AssetPath:      seg.AssetPath,
			StartFrame:     startFrame,
			FrameCount:     seg.FrameCount,
			FPSNumerator:   seg.FPSNumerator,
			FPSDenominator: seg.FPSDenominator,
			StartPTSMs:     seg.StartPTSMs,
		})
	}
	return out
}

// frameFromPTS derives a frame index from a millisecond PTS offset and a
// rational frame rate, matching Segment.FrameDurationUs's microsecond basis.
func frameFromPTS(ptsMs int64, fpsNum, fpsDen int) int64 {
	if fpsNum <= 0 {
		return 0
	}
	frameDurationUs := int64(fpsDen) * 1_000_000 / int64(fpsNum)
	if frameDurationUs <= 0 {
		return 0
	}
	return (ptsMs * 1000) / frameDurationUs
}
