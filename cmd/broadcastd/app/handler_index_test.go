// Copyright 2023, DASH-Industry Forum. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/retrovue/broadcastd/internal"
	"github.com/retrovue/broadcastd/pkg/logging"
	"github.com/stretchr/testify/require"
)

func testFullRequest(t *testing.T, ts *httptest.Server, method, path string, reqBody io.Reader) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, reqBody)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestIndexPage(t *testing.T) {
	cfg := DefaultConfig
	cfg.LogFormat = logging.LogDiscard
	err := logging.InitSlog(cfg.LogLevel, cfg.LogFormat)
	require.NoError(t, err)
	server, err := SetupServer(context.Background(), &cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(server.Router)
	defer ts.Close()

	resp, body := testFullRequest(t, ts, "GET", "/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, strings.Contains(string(body), internal.GetVersion()))
	require.True(t, strings.Contains(string(body), "/channellist.m3u"))
}

func TestChannellistPage(t *testing.T) {
	cfg := DefaultConfig
	cfg.LogFormat = logging.LogDiscard
	cfg.Host = "https://example.com"
	err := logging.InitSlog(cfg.LogLevel, cfg.LogFormat)
	require.NoError(t, err)
	server, err := SetupServer(context.Background(), &cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(server.Router)
	defer ts.Close()

	resp, body := testFullRequest(t, ts, "GET", "/channellist.m3u", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/vnd.apple.mpegurl", resp.Header.Get("Content-Type"))
	bodyStr := string(body)
	require.True(t, strings.HasPrefix(bodyStr, "#EXTM3U\n"))
	require.True(t, strings.Contains(bodyStr, "https://example.com/channel/ch1.ts"))
}
