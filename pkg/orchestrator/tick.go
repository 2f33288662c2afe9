package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/retrovue/broadcastd/pkg/telemetry"
)

var tickTracer = telemetry.Tracer("broadcastd/orchestrator")

// Tick advances the session's boundary state machine by one clock-driven
// step. It is safe to call at any cadence; the tick is idempotent when
// there is no work to do. A non-nil return is always a *FatalError: the
// session has entered FAILED_TERMINAL and will do no further work.
func (s *Session) Tick(now time.Time) error {
	_, span := tickTracer.Start(context.Background(), "channel.tick")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	span.SetAttributes(
		attribute.String("channel_id", s.channelID),
		attribute.String("boundary_state", string(s.state)),
	)

	// Phase 1: grace/terminal checks.
	if s.teardownPending {
		if now.After(s.teardownDeadline) {
			err := s.failTerminalLocked(KindScheduling, "INV-TEARDOWN-GRACE-TIMEOUT", "teardown grace exceeded: reason=%q", s.teardownReason)
			return err
		}
		// An already-issued switch is still polled to completion: LIVE is the
		// stable state a deferred teardown waits for.
		if s.state == StateSwitchIssued && s.prod != nil {
			return s.completionPollLocked(now)
		}
		if s.state.stable() {
			s.executeTeardownLocked()
		}
		return nil
	}
	if s.pendingFatal != nil {
		err := s.pendingFatal
		s.pendingFatal = nil
		return err
	}
	if s.state.terminal() {
		return nil
	}

	// Phase 2: lifecycle checks.
	if !s.running || s.prod == nil {
		return nil
	}
	s.pollModeLocked()
	if s.state == StateLive {
		return s.advanceFromLiveLocked(now)
	}
	if s.state == StateSwitchIssued {
		return s.completionPollLocked(now)
	}

	// Phase 3: convergence timeout (INV-STARTUP-CONVERGENCE).
	if !s.converged && now.After(s.convergenceDeadline) {
		return s.failTerminalLocked(KindScheduling, "INV-STARTUP-CONVERGENCE", "no successful switch within convergence window")
	}

	// Phase 4: infeasibility check.
	lead := s.boundaryTime.Sub(now)
	if lead < s.cfg.MinPrefeedLead {
		if !s.converged {
			return s.advanceInfeasibleBoundaryLocked()
		}
		return s.failTerminalLocked(KindScheduling, "INV-SWITCH-ISSUANCE-DEADLINE", "boundary infeasible post-convergence: lead=%s", lead)
	}

	// Phase 5: preload phase.
	if s.state == StatePlanned && !now.Before(s.boundaryTime.Add(-s.cfg.preloadLead())) {
		return s.preloadLocked(now)
	}
	return nil
}

// pollModeLocked re-resolves the session's Director mode and notifies the
// configured ModeWatcher on a change, e.g. a mid-session transition into
// emergency mode. The mode a session was started in is never re-applied to
// its running Producer here; only the watcher is told, since retargeting
// the Producer itself is a director/startup concern, not a boundary one.
func (s *Session) pollModeLocked() {
	mode, err := s.director.ChannelMode(s.channelID)
	if err != nil || mode == s.mode {
		return
	}
	s.mode = mode
	if s.modeWatcher != nil {
		s.modeWatcher.OnModeChange(s.channelID, mode)
	}
}

// advanceInfeasibleBoundaryLocked skips a boundary that can no longer be
// reached with a safe preload lead, only permitted before first convergence.
func (s *Session) advanceInfeasibleBoundaryLocked() error {
	segs, err := s.provider.PlayoutPlanNow(context.Background(), s.channelID, s.boundaryTime)
	if err != nil {
		return s.failTerminalLocked(KindNoScheduleData, "", "plan lookup at skipped boundary: %v", err)
	}
	if len(segs) == 0 {
		return s.failTerminalLocked(KindNoScheduleData, "", "empty plan at skipped boundary")
	}
	next := segs[0]
	s.currentSegment = &next
	s.boundaryTime = next.EndTimeUTC
	s.planBoundaryMs = s.boundaryTime.UnixMilli()
	return nil
}

func (s *Session) preloadLocked(now time.Time) error {
	segs, err := s.provider.PlayoutPlanNow(context.Background(), s.channelID, s.boundaryTime)
	if err != nil {
		return s.failTerminalLocked(KindNoScheduleData, "", "plan lookup at boundary: %v", err)
	}
	if len(segs) == 0 {
		return s.failTerminalLocked(KindNoScheduleData, "", "empty plan at boundary")
	}
	successor := segs[0]
	startFrame := frameFromPTS(successor.StartPTSMs, successor.FPSNumerator, successor.FPSDenominator)
	frameCount, ok := successor.DerivedFrameCount()
	if !ok {
		return s.failTerminalLocked(KindScheduling, "", "successor segment has invalid frame count")
	}
	loaded, err := s.prod.LoadPreview(context.Background(), successor.AssetPath, startFrame, frameCount, successor.FPSNumerator, successor.FPSDenominator)
	if err != nil {
		return s.failTerminalLocked(KindTransport, "", "LoadPreview transport error: %v", err)
	}
	if !loaded {
		// Not ready yet; remain PLANNED and retry next tick if still feasible.
		return nil
	}
	if !transition(s.state, StatePreloadIssued) {
		return s.failTerminalLocked(KindChannelFailed, "", "illegal transition PLANNED->PRELOAD_ISSUED")
	}
	s.state = StatePreloadIssued
	s.subState = SwitchPreviewLoaded
	s.currentSegment = &successor

	if !transition(s.state, StateSwitchScheduled) {
		return s.failTerminalLocked(KindChannelFailed, "", "illegal transition PRELOAD_ISSUED->SWITCH_SCHEDULED")
	}
	s.state = StateSwitchScheduled
	if s.telemetry != nil {
		s.telemetry.SetSessionState(s.channelID, s.state)
	}

	boundary := s.boundaryTime
	boundaryMs := s.planBoundaryMs
	issueAt := s.cfg.issueAt(boundary)
	delay := issueAt.Sub(now)
	if delay < 0 {
		delay = 0
	}
	s.issuanceTimer = s.clock.AfterFunc(delay, func() {
		s.onIssuanceFire(boundaryMs, issueAt)
	})
	return nil
}

// onIssuanceFire runs on the timer goroutine at (approximately) issue_at.
// It calls SwitchToLive exactly once to arm the switch; any lateness beyond
// tolerance, substate mismatch, boundary mismatch, or a false/error return
// here is fatal with no retry (INV-SWITCH-ISSUANCE-ONESHOT).
func (s *Session) onIssuanceFire(boundaryMs int64, scheduledAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() || !s.running {
		return
	}
	now := s.clock.NowUTC()
	if lateness := now.Sub(scheduledAt); lateness > lateTolerance {
		s.failTerminalLocked(KindScheduling, "INV-SWITCH-ISSUANCE-ONESHOT", "late issuance: %s past deadline", lateness)
		return
	}
	if s.subState != SwitchPreviewLoaded {
		s.failTerminalLocked(KindChannelFailed, "INV-SWITCH-ISSUANCE-ONESHOT", "issuance fired outside PREVIEW_LOADED substate: %s", s.subState)
		return
	}
	if s.planBoundaryMs != boundaryMs {
		s.failTerminalLocked(KindChannelFailed, "INV-BOUNDARY-DECLARED-MATCHES-PLAN", "boundary mismatch at issuance: planned=%d fired=%d", s.planBoundaryMs, boundaryMs)
		return
	}
	if !transition(s.state, StateSwitchIssued) {
		s.failTerminalLocked(KindChannelFailed, "", "illegal transition %s->SWITCH_ISSUED", s.state)
		return
	}
	s.state = StateSwitchIssued
	s.subState = SwitchArmed
	if s.telemetry != nil {
		s.telemetry.SetSessionState(s.channelID, s.state)
		s.telemetry.ObserveLeadTime(s.channelID, s.boundaryTime.Sub(now))
	}

	ok, err := s.prod.SwitchToLive(context.Background(), boundaryMs)
	if err != nil {
		s.failTerminalLocked(KindScheduling, "", "SwitchToLive issuance error: %v", err)
		return
	}
	if !ok {
		s.failTerminalLocked(KindScheduling, "", "SwitchToLive rejected at issuance")
		return
	}
	// Switch is armed. Completion is polled by Tick's Phase 2 on the next
	// call to completionPollLocked; do not complete the transition here.
}

// completionPollLocked is the per-tick poll while SWITCH_ARMED, invoked
// while state is SWITCH_ISSUED. Unlike the issuance call, a false return
// here is not fatal: it means the promotion has not yet completed.
func (s *Session) completionPollLocked(now time.Time) error {
	ok, err := s.prod.SwitchToLive(context.Background(), s.planBoundaryMs)
	if err != nil {
		return s.failTerminalLocked(KindScheduling, "", "SwitchToLive poll error: %v", err)
	}
	if !ok {
		if !s.switchExhaustionLogged && now.After(s.boundaryTime) {
			s.switchExhaustionLogged = true
			if s.telemetry != nil {
				s.telemetry.IncInvariantViolation(s.channelID, "SWITCH-PAST-EXHAUSTION")
			}
		}
		return nil
	}
	s.completeSwitchLocked(now)
	return nil
}

// completeSwitchLocked finishes the SWITCH_ISSUED->LIVE transition. LIVE is
// stable, so a teardown deferred during the preceding transient states
// (INV-TEARDOWN-STABLE-STATE) executes right here, the first stable point
// reached since it was requested. Planning the following boundary is left
// to the next Tick, via advanceFromLiveLocked, so LIVE is an observable
// resting state rather than a pass-through.
func (s *Session) completeSwitchLocked(now time.Time) {
	_, span := tickTracer.Start(context.Background(), "boundary.switch")
	span.SetAttributes(
		attribute.String("channel_id", s.channelID),
		attribute.Int64("boundary_ms", s.planBoundaryMs),
	)
	defer span.End()

	if !transition(s.state, StateLive) {
		s.failTerminalLocked(KindChannelFailed, "", "illegal transition %s->LIVE", s.state)
		return
	}
	s.state = StateLive
	s.subState = SwitchIdle
	s.converged = true
	s.switchExhaustionLogged = false
	if s.issuanceTimer != nil {
		s.issuanceTimer.Stop()
		s.issuanceTimer = nil
	}
	if s.telemetry != nil {
		s.telemetry.SetSessionState(s.channelID, s.state)
	}
	if s.teardownPending {
		s.executeTeardownLocked()
	}
}

// advanceFromLiveLocked runs while state is LIVE: it consults the provider
// for what follows the segment that just went live and plans the next
// boundary, or parks at NONE if the schedule has nothing further. The query
// is anchored at the boundary just crossed, not at the current wall clock,
// since a producer may confirm the switch slightly ahead of the boundary
// instant itself.
func (s *Session) advanceFromLiveLocked(now time.Time) error {
	segs, err := s.provider.PlayoutPlanNow(context.Background(), s.channelID, s.boundaryTime)
	if err != nil {
		return s.failTerminalLocked(KindNoScheduleData, "", "plan lookup while live: %v", err)
	}
	if len(segs) == 0 {
		if !transition(s.state, StateNone) {
			return s.failTerminalLocked(KindChannelFailed, "", "illegal transition LIVE->NONE")
		}
		s.state = StateNone
		s.currentSegment = nil
		if s.telemetry != nil {
			s.telemetry.SetSessionState(s.channelID, s.state)
		}
		if s.teardownPending {
			s.executeTeardownLocked()
		}
		return nil
	}
	current := segs[0]
	if !transition(s.state, StatePlanned) {
		return s.failTerminalLocked(KindChannelFailed, "", "illegal transition LIVE->PLANNED")
	}
	s.state = StatePlanned
	s.currentSegment = &current
	s.boundaryTime = current.EndTimeUTC
	s.planBoundaryMs = s.boundaryTime.UnixMilli()
	if s.telemetry != nil {
		s.telemetry.SetSessionState(s.channelID, s.state)
	}
	return nil
}
