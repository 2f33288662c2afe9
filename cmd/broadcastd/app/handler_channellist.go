// Copyright 2023, DASH-Industry Forum. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/retrovue/broadcastd/pkg/schedule"
)

// channellistHandlerFunc serves an #EXTM3U playlist with one entry per
// channel the schedule Provider knows about.
func (s *Server) channellistHandlerFunc(w http.ResponseWriter, r *http.Request) {
	lister, ok := s.provider.(schedule.ChannelLister)
	if !ok {
		http.Error(w, "channel listing not supported by this provider", http.StatusNotImplemented)
		return
	}
	ids := lister.ChannelIDs()
	sort.Strings(ids)

	host := s.Cfg.Host
	if host == "" {
		host = fullHost(r)
	}

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	fmt.Fprint(w, "#EXTM3U\n")
	for _, id := range ids {
		fmt.Fprintf(w, "#EXTINF:-1 tvg-id=%q tvg-name=%q,%s\n%s/channel/%s.ts\n", id, id, id, host, id)
	}
}

// fullHost derives a scheme://host prefix from the inbound request, used
// when Cfg.Host is not explicitly set.
func fullHost(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}
