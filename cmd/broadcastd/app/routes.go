// Copyright 2023, DASH-Industry Forum. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"context"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/retrovue/broadcastd/pkg/logging"
)

// Routes defines dispatches for all routes.
func (s *Server) Routes(ctx context.Context) error {
	for _, route := range logging.LogRoutes {
		s.Router.MethodFunc(route.Method, route.Path, route.Handler)
	}
	s.Router.Mount("/debug", middleware.Profiler())
	s.Router.MethodFunc("GET", "/healthz", s.healthzHandlerFunc)
	s.Router.MethodFunc("GET", "/config", s.configHandlerFunc)
	s.Router.MethodFunc("GET", "/reqcount", s.reqCountHandlerFunc)
	s.Router.MethodFunc("GET", "/metrics/leads", s.metricsLeadsHandlerFunc)
	s.Router.MethodFunc("OPTIONS", "/*", s.optionsHandlerFunc)
	s.Router.MethodFunc("GET", "/", s.indexHandlerFunc)

	// Viewer-facing routes are rate-limited per IP when MaxRequests > 0.
	var viewer chi.Router = s.Router
	if s.reqLimiter != nil {
		viewer = s.Router.With(NewLimiterMiddleware("Broadcastd-Requests", s.reqLimiter))
	}
	viewer.MethodFunc("GET", "/channellist.m3u", s.channellistHandlerFunc)
	viewer.MethodFunc("GET", "/channel/{id}.ts", s.channelHandlerFunc)
	viewer.MethodFunc("HEAD", "/channel/{id}.ts", s.channelHandlerFunc)

	return nil
}
