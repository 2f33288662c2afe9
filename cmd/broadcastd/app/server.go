// Copyright 2023, DASH-Industry Forum. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"

	"github.com/retrovue/broadcastd/pkg/clock"
	"github.com/retrovue/broadcastd/pkg/director"
	"github.com/retrovue/broadcastd/pkg/fanout"
	"github.com/retrovue/broadcastd/pkg/metrics"
	"github.com/retrovue/broadcastd/pkg/orchestrator"
	"github.com/retrovue/broadcastd/pkg/producer"
	"github.com/retrovue/broadcastd/pkg/schedule"
	"github.com/retrovue/broadcastd/pkg/scte35"
	"github.com/retrovue/broadcastd/pkg/telemetry"

	_ "net/http/pprof"
)

// scteCuePID is the private PID broadcastd's own emergency splice cues are
// tagged with in the MPEG-TS output; a production encoder would instead
// advertise this in the program's PMT.
const scteCuePID = 0x1FFE

// Server owns the HTTP surface and the runtime state backing it: the
// channel registry, one fan-out Router per channel currently being
// streamed, and the rate limiter guarding viewer churn.
type Server struct {
	Router     *chi.Mux
	Cfg        *RuntimeConfig
	reqLimiter *IPRequestLimiter

	clock     clock.Clock
	provider  schedule.Provider
	registry  *orchestrator.Registry
	collector *metrics.Collector
	tracing   *telemetry.Provider

	streamsMu sync.Mutex
	streams   map[string]*channelStream
	producers map[string]producer.Producer
}

// channelStream is the per-channel fan-out pump: one goroutine reading the
// live producer's output and broadcasting it to every tuned-in viewer.
type channelStream struct {
	router *fanout.Router
	cancel context.CancelFunc
	refs   int

	cue         *fanout.CueInjector
	cueEventID  atomic.Uint32
	lastDropped int64
}

// Shutdown releases process-wide resources not owned by an individual
// request, such as the OpenTelemetry tracer provider's batch exporter.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.tracing.Shutdown(ctx)
}

// OnModeChange implements orchestrator.ModeWatcher. An emergency-mode
// transition tags the channel's currently streaming output with an
// immediate SCTE-35 splice cue so a downstream splicer can switch to
// alternate content; a channel with no active viewer has no byte stream to
// tag and the cue is simply dropped.
func (s *Server) OnModeChange(channelID string, mode director.Mode) {
	if mode != director.ModeEmergency {
		return
	}
	s.streamsMu.Lock()
	cs, ok := s.streams[channelID]
	s.streamsMu.Unlock()
	if !ok {
		return
	}
	eventID := cs.cueEventID.Add(1)
	cs.router.InjectCue(cs.cue, scte35.NewEmergencyCue(eventID))
}

var _ orchestrator.ModeWatcher = (*Server)(nil)

func (s *Server) healthzHandlerFunc(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, true, http.StatusOK)
}

// jsonResponse marshals message and gives a response with the given code.
//
// Don't add any more content after this since Content-Length is set.
func (s *Server) jsonResponse(w http.ResponseWriter, message any, code int) {
	raw, err := json.Marshal(message)
	if err != nil {
		http.Error(w, fmt.Sprintf("{message: \"%s\"}", err), http.StatusInternalServerError)
		slog.Error(err.Error())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Header().Set("Content-Length", strconv.Itoa(len(raw)))
	_, err = w.Write(raw)
	if err != nil {
		slog.Error("could not write HTTP response", "err", err)
	}
}

// producerFactory wraps factory so every Producer it constructs is also
// retrievable by channel id for streaming, without widening the
// orchestrator.ProducerFactory signature to carry that bookkeeping itself.
func (s *Server) producerFactory(factory orchestrator.ProducerFactory) orchestrator.ProducerFactory {
	return func(channelID string, mode director.Mode) producer.Producer {
		p := factory(channelID, mode)
		s.streamsMu.Lock()
		s.producers[channelID] = p
		s.streamsMu.Unlock()
		return p
	}
}
