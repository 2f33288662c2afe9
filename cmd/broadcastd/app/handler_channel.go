// Copyright 2023, DASH-Industry Forum. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/retrovue/broadcastd/pkg/fanout"
	"github.com/retrovue/broadcastd/pkg/producer"
)

// droppedFramesPollInterval governs how often a channel's fan-out drop count
// is sampled and reported into the metrics collector.
const droppedFramesPollInterval = time.Second

// channelHandlerFunc serves GET /channel/{id}.ts: streams the fan-out bytes
// for channelID for as long as the client stays connected. Tuning in and
// out of the channel's orchestrator session is driven entirely by this
// handler's lifetime.
func (s *Server) channelHandlerFunc(w http.ResponseWriter, r *http.Request) {
	channelID := strings.TrimSuffix(chi.URLParam(r, "id"), ".ts")
	viewerID := fmt.Sprintf("%s-%p", r.RemoteAddr, r)

	session := s.registry.SessionFor(channelID)
	if err := session.TuneIn(viewerID); err != nil {
		code, msg := channelStartStatus(err)
		http.Error(w, msg, code)
		return
	}

	ch, err := s.startStream(channelID, viewerID)
	if err != nil {
		session.TuneOut(viewerID)
		http.Error(w, "Air playout engine unavailable", http.StatusServiceUnavailable)
		return
	}
	defer func() {
		session.TuneOut(viewerID)
		s.stopStream(channelID, viewerID)
	}()

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")

	flusher, _ := w.(http.Flusher)
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(chunk); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// startStream subscribes viewerID to channelID's fan-out router, starting
// the router's upstream pump on the first subscriber.
func (s *Server) startStream(channelID, viewerID string) (<-chan fanout.Chunk, error) {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()

	cs, ok := s.streams[channelID]
	if !ok {
		p, ok := s.producers[channelID].(producer.Streamer)
		if !ok {
			return nil, fmt.Errorf("channel %q producer does not support streaming", channelID)
		}
		upstream, err := p.Stream(context.Background())
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithCancel(context.Background())
		router := fanout.NewRouter(s.Cfg.RouterQueueDepth)
		cs = &channelStream{router: router, cancel: cancel, cue: fanout.NewCueInjector(scteCuePID)}
		s.streams[channelID] = cs
		go func() {
			defer upstream.Close()
			if err := router.Serve(ctx, upstream, 0); err != nil {
				slog.Error("channel stream pump stopped", "channel", channelID, "error", err)
			}
		}()
		go s.pollDroppedFrames(ctx, channelID, cs)
	}
	cs.refs++
	return cs.router.Subscribe(viewerID)
}

// pollDroppedFrames samples cs.router's running drop count on an interval and
// reports the delta into the metrics collector, until ctx is cancelled (the
// channel's last viewer has left and its stream was torn down).
func (s *Server) pollDroppedFrames(ctx context.Context, channelID string, cs *channelStream) {
	ticker := time.NewTicker(droppedFramesPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			total := cs.router.DroppedTotal()
			delta := total - cs.lastDropped
			cs.lastDropped = total
			if delta > 0 {
				s.collector.ObserveDroppedFrames(channelID, delta)
			}
		}
	}
}

// stopStream unsubscribes viewerID and, once it was the last subscriber,
// stops the channel's upstream pump entirely.
func (s *Server) stopStream(channelID, viewerID string) {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()

	cs, ok := s.streams[channelID]
	if !ok {
		return
	}
	cs.router.Unsubscribe(viewerID)
	cs.refs--
	if cs.refs <= 0 {
		cs.cancel()
		cs.router.Stop()
		delete(s.streams, channelID)
	}
}
