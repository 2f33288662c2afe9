// Copyright 2023, DASH-Industry Forum. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"net/http"
	"sort"
)

// leadPercentiles are the quantiles reported per channel by
// metricsLeadsHandlerFunc, alongside their JSON key names.
var leadPercentiles = []struct {
	key string
	p   float64
}{
	{"p50", 0.50},
	{"p90", 0.90},
	{"p99", 0.99},
}

// metricsLeadsHandlerFunc serves GET /metrics/leads: the observed
// switch-issuance lead-time percentiles per channel, sourced from the
// collector's t-digests rather than Prometheus's fixed histogram buckets.
func (s *Server) metricsLeadsHandlerFunc(w http.ResponseWriter, r *http.Request) {
	snaps := s.registry.Snapshots()
	ids := make([]string, 0, len(snaps))
	for _, snap := range snaps {
		ids = append(ids, snap.ChannelID)
	}
	sort.Strings(ids)

	out := make(map[string]map[string]float64, len(ids))
	for _, id := range ids {
		leads := make(map[string]float64, len(leadPercentiles))
		for _, lp := range leadPercentiles {
			leads[lp.key] = s.collector.LeadTimePercentile(id, lp.p)
		}
		out[id] = leads
	}
	s.jsonResponse(w, out, http.StatusOK)
}
