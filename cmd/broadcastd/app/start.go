// Copyright 2023, DASH-Industry Forum. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/retrovue/broadcastd/internal"
	"github.com/retrovue/broadcastd/pkg/clock"
	"github.com/retrovue/broadcastd/pkg/director"
	"github.com/retrovue/broadcastd/pkg/logging"
	"github.com/retrovue/broadcastd/pkg/metrics"
	"github.com/retrovue/broadcastd/pkg/orchestrator"
	"github.com/retrovue/broadcastd/pkg/producer"
	"github.com/retrovue/broadcastd/pkg/schedule"
	"github.com/retrovue/broadcastd/pkg/telemetry"
)

// defaultChannelGrids is the reference channel lineup wired when no external
// plan/persistence layer is configured (out of scope per SPEC_FULL.md §1).
func defaultChannelGrids() map[string]schedule.ChannelGrid {
	epoch := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	return map[string]schedule.ChannelGrid{
		"ch1": {
			GridBlockMinutes: 30,
			ProgramAssetPath: "asset://ch1/program.ts",
			ProgramDurationS: 25 * 60,
			FillerAssetPath:  "asset://ch1/filler.ts",
			FillerDurationS:  120,
			FillerEpoch:      epoch,
		},
		"ch2": {
			GridBlockMinutes: 15,
			ProgramAssetPath: "asset://ch2/program.ts",
			ProgramDurationS: 12 * 60,
			FillerAssetPath:  "asset://ch2/filler.ts",
			FillerDurationS:  90,
			FillerEpoch:      epoch,
		},
	}
}

// SetupServer sets up the router, middleware, channel registry, and server
// given a resolved RuntimeConfig.
func SetupServer(ctx context.Context, cfg *RuntimeConfig) (*Server, error) {
	var err error

	logger := slog.Default()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logging.SlogMiddleWare(logger))
	r.Use(middleware.Recoverer)
	r.Use(NewPrometheusMiddleware())
	r.Use(addVersionAndCORSHeaders)

	if cfg.TimeoutS > 0 {
		r.Use(middleware.Timeout(time.Duration(cfg.TimeoutS) * time.Second))
	}

	r.Mount("/metrics", promhttp.Handler())

	var reqLimiter *IPRequestLimiter
	if cfg.MaxRequests > 0 {
		reqLimiter, err = NewIPRequestLimiter(cfg.MaxRequests, time.Duration(cfg.ReqLimitInt)*time.Second,
			time.Now(), cfg.WhiteListBlocks, cfg.ReqLimitLog)
		if err != nil {
			return nil, fmt.Errorf("newIPLimiter: %w", err)
		}
	}

	tracing, err := telemetry.NewProvider(ctx, telemetry.Config{
		Endpoint:       cfg.OtelExporterOTLPEndpoint,
		ServiceName:    "broadcastd",
		ServiceVersion: internal.GetVersion(),
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	clk := clock.NewRealClock()

	var provider schedule.Provider
	grid := schedule.NewMockGridProvider(defaultChannelGrids())
	provider, err = schedule.OpenCachedProvider(grid, cfg.GridCacheDir, 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("open grid cache: %w", err)
	}

	dir := director.NewStaticDirector(nil)
	collector := metrics.NewCollector(prometheus.DefaultRegisterer)

	timingCfg := orchestrator.Config{
		MinPrefeedLead:   time.Duration(cfg.MinPrefeedLeadMS) * time.Millisecond,
		StartupLatency:   time.Duration(cfg.StartupLatencyS) * time.Second,
		SchedulingBuffer: time.Duration(cfg.SchedulingBufferS) * time.Second,
		TeardownGrace:    time.Duration(cfg.TeardownGraceMS) * time.Millisecond,
		MaxConvergence:   time.Duration(cfg.MaxStartupConvergenceS) * time.Second,
	}

	server := &Server{
		Router:     r,
		Cfg:        cfg,
		reqLimiter: reqLimiter,
		clock:      clk,
		provider:   provider,
		collector:  collector,
		streams:    make(map[string]*channelStream),
		producers:  make(map[string]producer.Producer),
		tracing:    tracing,
	}

	factory := server.producerFactory(func(channelID string, mode director.Mode) producer.Producer {
		return producer.NewMockProducer(channelID, channelID, mode)
	})

	tickInterval := time.Second
	if cfg.TickHz > 0 {
		tickInterval = time.Second / time.Duration(cfg.TickHz)
	}
	server.registry = orchestrator.NewRegistry(clk, provider, dir, factory, timingCfg, collector, server, tickInterval, logger)
	go func() {
		if err := server.registry.Serve(ctx); err != nil {
			logger.Error("channel registry stopped", "error", err)
		}
	}()

	if err := server.Routes(ctx); err != nil {
		return nil, fmt.Errorf("routes: %w", err)
	}

	logger.Info("broadcastd starting", "version", internal.GetVersion(), "port", cfg.Port)
	return server, nil
}
