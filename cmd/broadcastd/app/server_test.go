// Copyright 2023, DASH-Industry Forum. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/retrovue/broadcastd/cmd/broadcastd/app"
	"github.com/retrovue/broadcastd/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer(t *testing.T) {
	args := []string{"broadcastd"}
	cfg, err := app.LoadConfig(args, ".")
	assert.NoError(t, err)
	cfg.LogFormat = logging.LogDiscard

	err = logging.InitSlog(cfg.LogLevel, cfg.LogFormat)
	assert.NoError(t, err)

	server, err := app.SetupServer(context.Background(), cfg)
	assert.NoError(t, err)

	ts := httptest.NewServer(server.Router)
	defer ts.Close()

	resp, _ := testRequest(t, ts, "GET", "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "healthz")

	resp, respBody := testRequest(t, ts, "GET", "/channellist.m3u", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "channellist")
	require.Contains(t, string(respBody), "#EXTM3U")

	resp, respBody = testRequest(t, ts, "GET", "/config", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "config")
	require.Contains(t, string(respBody), "minPrefeedLeadMs")

	resp, respBody = testRequest(t, ts, "GET", "/metrics/leads", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "metrics/leads")
	require.Contains(t, string(respBody), "{")
}

// Auxiliary functions for handler_*_test ================

func testRequest(t *testing.T, ts *httptest.Server, method, path string, reqBody io.Reader) (*http.Response, []byte) {
	req, err := http.NewRequest(method, ts.URL+path, reqBody)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	defer resp.Body.Close()

	return resp, respBody
}
