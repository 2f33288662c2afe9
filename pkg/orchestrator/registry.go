package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/retrovue/broadcastd/pkg/clock"
	"github.com/retrovue/broadcastd/pkg/director"
	"github.com/retrovue/broadcastd/pkg/producer"
	"github.com/retrovue/broadcastd/pkg/schedule"
)

// Registry owns every channel Session in the process and drives each one's
// Tick loop under its own suture service, so a single channel reaching
// FAILED_TERMINAL cannot take down its siblings.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	clock           clock.Clock
	provider        schedule.Provider
	director        director.Director
	producerFactory ProducerFactory
	cfg             Config
	telemetry       Telemetry
	modeWatcher     ModeWatcher
	tickInterval    time.Duration
	log             *slog.Logger

	supervisor *suture.Supervisor
}

// NewRegistry constructs a Registry. tickInterval governs how often each
// channel's Session.Tick runs; the service wiring passes 1s/TickHz, and a
// non-positive value falls back to 250ms.
// modeWatcher may be nil; it is handed to every Session this Registry
// creates.
func NewRegistry(clk clock.Clock, provider schedule.Provider, dir director.Director, factory ProducerFactory, cfg Config, telemetry Telemetry, modeWatcher ModeWatcher, tickInterval time.Duration, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		sessions:        make(map[string]*Session),
		clock:           clk,
		provider:        provider,
		director:        dir,
		producerFactory: factory,
		cfg:             cfg,
		telemetry:       telemetry,
		modeWatcher:     modeWatcher,
		tickInterval:    tickInterval,
		log:             log,
		supervisor: suture.New("channel-sessions", suture.Spec{
			EventHook: func(ev suture.Event) {
				log.Warn("channel session supervisor event", "event", ev.String())
			},
		}),
	}
}

// Serve runs the registry's supervisor until ctx is cancelled.
func (r *Registry) Serve(ctx context.Context) error {
	return r.supervisor.Serve(ctx)
}

// SessionFor returns the session for channelID, creating it (idle, no
// viewers, no producer) on first reference.
func (r *Registry) SessionFor(channelID string) *Session {
	r.mu.RLock()
	s, ok := r.sessions[channelID]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[channelID]; ok {
		return s
	}
	s = NewSession(channelID, r.clock, r.provider, r.director, r.producerFactory, r.cfg, r.telemetry, r.modeWatcher)
	r.sessions[channelID] = s
	r.supervisor.Add(&tickService{session: s, interval: r.tickInterval, clock: r.clock, log: r.log})
	return s
}

// Snapshots returns a snapshot of every known session, for the channel list
// surface and diagnostics.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// tickService adapts a Session's Tick loop to the suture.Service interface.
// It never stops on its own: a FAILED_TERMINAL outcome is logged on the tick
// on which Tick reports the fatal (a fatal raised inside Tick itself is also
// held as the session's pending fatal, so the following tick reports and
// logs it a second time) and the loop keeps running, since
// Tick on a terminal session is a no-op on every subsequent call. Keeping
// the loop alive is what lets a later TuneIn that resets the session back
// to PLANNED (via startLocked) resume ticking without the registry having
// to re-register a fresh service for the channel.
type tickService struct {
	session  *Session
	interval time.Duration
	clock    clock.Clock
	log      *slog.Logger
}

func (t *tickService) Serve(ctx context.Context) error {
	interval := t.interval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := t.clock.NowUTC()
			if err := t.session.Tick(now); err != nil {
				t.log.Error("channel session failed terminally", "channel", t.session.ChannelID(), "error", err)
			}
		}
	}
}

var _ suture.Service = (*tickService)(nil)

// producerAdapterFactory builds a ProducerFactory backed by the given
// constructor, bridging the orchestrator's factory signature to a concrete
// producer package constructor (e.g. producer.NewMockProducer).
func producerAdapterFactory(newProducer func(producerID, channelID string, mode director.Mode) producer.Producer) ProducerFactory {
	return func(channelID string, mode director.Mode) producer.Producer {
		return newProducer(channelID, channelID, mode)
	}
}
