// Copyright 2023, DASH-Industry Forum. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"errors"
	"net/http"

	"github.com/retrovue/broadcastd/pkg/orchestrator"
)

var (
	errNotFound = errors.New("not found")
	errGone     = errors.New("gone")
)

// channelStartStatus maps a TuneIn failure to the HTTP status/body the
// viewer-facing stream endpoint returns.
func channelStartStatus(err error) (int, string) {
	var fatal *orchestrator.FatalError
	if errors.As(err, &fatal) {
		switch fatal.Kind {
		case orchestrator.KindNoScheduleData:
			return http.StatusServiceUnavailable, "No active schedule item"
		case orchestrator.KindProducerStartup:
			return http.StatusServiceUnavailable, "Air playout engine unavailable"
		}
	}
	return http.StatusServiceUnavailable, "Air playout engine unavailable"
}
