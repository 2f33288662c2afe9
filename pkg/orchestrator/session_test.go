package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retrovue/broadcastd/pkg/clock"
	"github.com/retrovue/broadcastd/pkg/director"
	"github.com/retrovue/broadcastd/pkg/producer"
	"github.com/retrovue/broadcastd/pkg/schedule"
)

// fakeProvider is a minimal schedule.Provider test double: it returns every
// segment whose EndTimeUTC is after the requested instant, in the order
// given, mirroring a generic grid+filler provider without mockgrid's
// arithmetic.
type fakeProvider struct {
	segments []schedule.Segment
	err      error
}

func (p *fakeProvider) PlayoutPlanNow(ctx context.Context, channelID string, atTimeUTC time.Time) ([]schedule.Segment, error) {
	if p.err != nil {
		return nil, p.err
	}
	var out []schedule.Segment
	for _, seg := range p.segments {
		if seg.EndTimeUTC.After(atTimeUTC) {
			out = append(out, seg)
		}
	}
	if len(out) == 0 {
		return nil, schedule.ErrNoScheduleData
	}
	return out, nil
}

var _ schedule.Provider = (*fakeProvider)(nil)

func segAt(start, end time.Time, path string) schedule.Segment {
	return schedule.Segment{
		AssetPath:      path,
		SegmentType:    schedule.SegmentContent,
		StartTimeUTC:   start,
		EndTimeUTC:     end,
		DurationS:      end.Sub(start).Seconds(),
		FPSNumerator:   30,
		FPSDenominator: 1,
		StartPTSMs:     0,
	}
}

func TestPreloadAndSwitchReachesLive(t *testing.T) {
	start := time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)
	clk := clock.NewSteppedClock(start)
	seg1 := segAt(start, start.Add(30*time.Second), "program")
	seg2 := segAt(start.Add(30*time.Second), start.Add(60*time.Second), "filler")
	seg3 := segAt(start.Add(60*time.Second), start.Add(90*time.Second), "program2")
	prov := &fakeProvider{segments: []schedule.Segment{seg1, seg2, seg3}}

	var mock *producer.MockProducer
	factory := func(channelID string, mode director.Mode) producer.Producer {
		mock = producer.NewMockProducer("p1", channelID, mode)
		return mock
	}
	s := NewSession("ch1", clk, prov, director.NewStaticDirector(nil), factory, DefaultTiming(), nil, nil)

	require.NoError(t, s.TuneIn("viewer1"))
	snap := s.Snapshot()
	assert.Equal(t, StatePlanned, snap.State)
	assert.True(t, snap.BoundaryTime.Equal(start.Add(30 * time.Second)))

	// Too early: preload window (boundary - 7s) hasn't opened yet.
	require.NoError(t, s.Tick(clk.NowUTC()))
	assert.Equal(t, StatePlanned, s.Snapshot().State)

	// Enter the preload window at boundary-7s = 14:00:23.
	clk.Advance(23 * time.Second)
	require.NoError(t, s.Tick(clk.NowUTC()))
	assert.Equal(t, StateSwitchScheduled, s.Snapshot().State)

	// Advance to issue_at = boundary - (5s-500ms) = 14:00:25.500; the
	// issuance timer fires synchronously inside Advance and arms the switch
	// by calling SwitchToLive once. The mock producer confirms on that very
	// first call, but completion is never applied from the timer goroutine:
	// the session stays in SWITCH_ISSUED until a subsequent Tick polls it.
	clk.Advance(2500 * time.Millisecond)
	assert.Equal(t, StateSwitchIssued, s.Snapshot().State)
	assert.False(t, s.IsLive())

	// The next Tick polls SwitchToLive again, sees it already switched, and
	// completes the transition to LIVE.
	require.NoError(t, s.Tick(clk.NowUTC()))
	assert.Equal(t, StateLive, s.Snapshot().State)
	assert.True(t, s.IsLive())
	assert.Equal(t, producer.HealthRunning, mock.Health())

	// The following Tick plans the next boundary from the segment now live.
	require.NoError(t, s.Tick(clk.NowUTC()))
	snap = s.Snapshot()
	assert.Equal(t, StatePlanned, snap.State)
	assert.True(t, snap.BoundaryTime.Equal(start.Add(60 * time.Second)))
	assert.True(t, snap.Converged)
}

// stepSwitchProducer is a minimal producer.Producer test double whose
// SwitchToLive result is driven by an explicit per-call sequence, unlike
// MockProducer, which latches to permanent success after its first
// confirmed switch and so cannot model a producer that reports "not yet"
// on an intermediate poll.
type stepSwitchProducer struct {
	switchResults []bool
	switchCalls   int
}

func (p *stepSwitchProducer) Start(ctx context.Context, plan []producer.Segment, startAt time.Time) error {
	return nil
}

func (p *stepSwitchProducer) LoadPreview(ctx context.Context, asset string, startFrame, frameCount int64, fpsNum, fpsDen int) (bool, error) {
	return true, nil
}

func (p *stepSwitchProducer) SwitchToLive(ctx context.Context, targetBoundaryMs int64) (bool, error) {
	idx := p.switchCalls
	p.switchCalls++
	if idx >= len(p.switchResults) {
		return true, nil
	}
	return p.switchResults[idx], nil
}

func (p *stepSwitchProducer) Stop(ctx context.Context) error { return nil }

func (p *stepSwitchProducer) Health() producer.Health { return producer.HealthRunning }

func (p *stepSwitchProducer) GetState() producer.Status { return producer.Status{} }

var _ producer.Producer = (*stepSwitchProducer)(nil)

// TestSwitchCompletesOnlyViaTickPoll covers the case the producer confirms
// SwitchToLive on a later poll rather than at issuance: the issuance timer
// must only arm the switch, leaving SWITCH_ISSUED in place until
// completionPollLocked's poll on a later Tick observes success.
func TestSwitchCompletesOnlyViaTickPoll(t *testing.T) {
	start := time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)
	clk := clock.NewSteppedClock(start)
	seg1 := segAt(start, start.Add(30*time.Second), "program")
	seg2 := segAt(start.Add(30*time.Second), start.Add(60*time.Second), "filler")
	prov := &fakeProvider{segments: []schedule.Segment{seg1, seg2}}

	// Call #1 (issuance, arming) succeeds. Call #2 (first completion poll)
	// reports not-yet-complete. Call #3 (second completion poll) confirms.
	prod := &stepSwitchProducer{switchResults: []bool{true, false, true}}
	factory := func(channelID string, mode director.Mode) producer.Producer {
		return prod
	}
	s := NewSession("ch1", clk, prov, director.NewStaticDirector(nil), factory, DefaultTiming(), nil, nil)
	require.NoError(t, s.TuneIn("viewer1"))

	clk.Advance(23 * time.Second)
	require.NoError(t, s.Tick(clk.NowUTC()))
	assert.Equal(t, StateSwitchScheduled, s.Snapshot().State)

	// Issuance timer fires; SwitchToLive call #1 arms the switch and
	// succeeds, but the session must not complete the transition here.
	clk.Advance(2500 * time.Millisecond)
	assert.Equal(t, StateSwitchIssued, s.Snapshot().State)
	assert.False(t, s.IsLive())
	assert.Equal(t, 1, prod.switchCalls)

	// A Tick before confirmation polls again (call #2), is told the switch
	// has not completed yet, and stays SWITCH_ISSUED without error.
	require.NoError(t, s.Tick(clk.NowUTC()))
	assert.Equal(t, StateSwitchIssued, s.Snapshot().State)
	assert.Equal(t, 2, prod.switchCalls)

	// The next poll (call #3) confirms, and the tick completes the switch.
	require.NoError(t, s.Tick(clk.NowUTC()))
	assert.Equal(t, StateLive, s.Snapshot().State)
	assert.True(t, s.IsLive())
	assert.Equal(t, 3, prod.switchCalls)
}

func TestInfeasibleBoundarySkippedPreConvergence(t *testing.T) {
	start := time.Date(2025, 6, 1, 14, 21, 58, 0, time.UTC)
	clk := clock.NewSteppedClock(start)
	// First boundary only 2s away: below the 5s minimum prefeed lead.
	seg1 := segAt(start, start.Add(2*time.Second), "program")
	seg2 := segAt(start.Add(2*time.Second), start.Add(32*time.Second), "filler")
	prov := &fakeProvider{segments: []schedule.Segment{seg1, seg2}}

	factory := func(channelID string, mode director.Mode) producer.Producer {
		return producer.NewMockProducer("p1", channelID, mode)
	}
	s := NewSession("ch1", clk, prov, director.NewStaticDirector(nil), factory, DefaultTiming(), nil, nil)
	require.NoError(t, s.TuneIn("viewer1"))
	assert.True(t, s.Snapshot().BoundaryTime.Equal(start.Add(2 * time.Second)))

	require.NoError(t, s.Tick(clk.NowUTC()))
	snap := s.Snapshot()
	assert.Equal(t, StatePlanned, snap.State, "pre-convergence infeasibility must not be fatal")
	assert.True(t, snap.BoundaryTime.Equal(start.Add(32 * time.Second)))
}

func TestConvergenceTimeoutIsFatal(t *testing.T) {
	start := time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)
	clk := clock.NewSteppedClock(start)
	seg1 := segAt(start, start.Add(time.Hour), "program")
	prov := &fakeProvider{segments: []schedule.Segment{seg1}}

	cfg := DefaultTiming()
	cfg.MaxConvergence = 1 * time.Second

	factory := func(channelID string, mode director.Mode) producer.Producer {
		return producer.NewMockProducer("p1", channelID, mode)
	}
	s := NewSession("ch1", clk, prov, director.NewStaticDirector(nil), factory, cfg, nil, nil)
	require.NoError(t, s.TuneIn("viewer1"))

	clk.Advance(2 * time.Second)
	err := s.Tick(clk.NowUTC())
	require.Error(t, err)
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindScheduling, fe.Kind)
	assert.Equal(t, "INV-STARTUP-CONVERGENCE", fe.Invariant)
	assert.Equal(t, StateFailedTerminal, s.Snapshot().State)
}

func TestLateIssuanceIsFatalNoRetry(t *testing.T) {
	start := time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)
	clk := clock.NewSteppedClock(start)
	seg1 := segAt(start, start.Add(30*time.Second), "program")
	seg2 := segAt(start.Add(30*time.Second), start.Add(60*time.Second), "filler")
	prov := &fakeProvider{segments: []schedule.Segment{seg1, seg2}}

	factory := func(channelID string, mode director.Mode) producer.Producer {
		return producer.NewMockProducer("p1", channelID, mode)
	}
	s := NewSession("ch1", clk, prov, director.NewStaticDirector(nil), factory, DefaultTiming(), nil, nil)
	require.NoError(t, s.TuneIn("viewer1"))

	clk.Advance(23 * time.Second) // enters preload window, schedules issuance at +2.5s
	require.NoError(t, s.Tick(clk.NowUTC()))
	require.Equal(t, StateSwitchScheduled, s.Snapshot().State)

	// Jump straight past issue_at by 200ms of simulated timer jitter.
	clk.Advance(2700 * time.Millisecond)

	err := s.Tick(clk.NowUTC())
	require.Error(t, err)
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindScheduling, fe.Kind)
	assert.Equal(t, "INV-SWITCH-ISSUANCE-ONESHOT", fe.Invariant)
}

func TestLastViewerLeavesMidCycleDefersTeardown(t *testing.T) {
	start := time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)
	clk := clock.NewSteppedClock(start)
	seg1 := segAt(start, start.Add(30*time.Second), "program")
	seg2 := segAt(start.Add(30*time.Second), start.Add(60*time.Second), "filler")
	prov := &fakeProvider{segments: []schedule.Segment{seg1, seg2}}

	var mock *producer.MockProducer
	factory := func(channelID string, mode director.Mode) producer.Producer {
		mock = producer.NewMockProducer("p1", channelID, mode)
		return mock
	}
	s := NewSession("ch1", clk, prov, director.NewStaticDirector(nil), factory, DefaultTiming(), nil, nil)
	require.NoError(t, s.TuneIn("viewer1"))
	require.Equal(t, StatePlanned, s.Snapshot().State)

	clk.Advance(23 * time.Second)
	require.NoError(t, s.Tick(clk.NowUTC()))
	require.Equal(t, StateSwitchScheduled, s.Snapshot().State)

	// SWITCH_SCHEDULED is TRANSIENT: leaving now must defer teardown, not run it.
	s.TuneOut("viewer1")
	assert.True(t, s.DeferredTeardownTriggered())
	assert.True(t, s.Snapshot().Running)
	assert.Equal(t, producer.HealthRunning, mock.Health())

	require.NoError(t, s.Tick(clk.NowUTC()))
	assert.True(t, s.DeferredTeardownTriggered(), "still transient, teardown must remain pending")

	// The issuance timer arms the switch; SWITCH_ISSUED is still transient.
	clk.Advance(2500 * time.Millisecond)
	assert.True(t, s.DeferredTeardownTriggered())

	// Reaching LIVE on the next tick's completion poll is the first stable
	// state since the request: teardown fires here (INV-TEARDOWN-STABLE-STATE).
	require.NoError(t, s.Tick(clk.NowUTC()))
	assert.False(t, s.DeferredTeardownTriggered())
	assert.False(t, s.Snapshot().Running)
	assert.Equal(t, producer.HealthStopped, mock.Health())
}

func TestTeardownGraceTimeoutIsFatal(t *testing.T) {
	start := time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)
	clk := clock.NewSteppedClock(start)
	seg1 := segAt(start, start.Add(time.Hour), "program")
	prov := &fakeProvider{segments: []schedule.Segment{seg1}}

	cfg := DefaultTiming()
	cfg.TeardownGrace = 1 * time.Second

	factory := func(channelID string, mode director.Mode) producer.Producer {
		return producer.NewMockProducer("p1", channelID, mode)
	}
	s := NewSession("ch1", clk, prov, director.NewStaticDirector(nil), factory, cfg, nil, nil)
	require.NoError(t, s.TuneIn("viewer1"))
	s.TuneOut("viewer1") // state PLANNED, transient, teardown deferred

	clk.Advance(2 * time.Second)
	err := s.Tick(clk.NowUTC())
	require.Error(t, err)
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "INV-TEARDOWN-GRACE-TIMEOUT", fe.Invariant)
}

func TestStopChannelOnNeverStartedSessionIsNoOp(t *testing.T) {
	start := time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)
	clk := clock.NewSteppedClock(start)
	seg1 := segAt(start, start.Add(30*time.Second), "program")
	prov := &fakeProvider{segments: []schedule.Segment{seg1}}

	factory := func(channelID string, mode director.Mode) producer.Producer {
		return producer.NewMockProducer("p1", channelID, mode)
	}
	s := NewSession("ch1", clk, prov, director.NewStaticDirector(nil), factory, DefaultTiming(), nil, nil)

	// No viewers ever tuned in: session never started, StopChannel is a no-op.
	s.StopChannel()
	assert.False(t, s.Snapshot().Running)
}
