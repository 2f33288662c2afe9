// Copyright 2023, DASH-Industry Forum. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/providers/structs"

	"github.com/retrovue/broadcastd/pkg/logging"
	"github.com/spf13/pflag"
)

const (
	defaultReqIntervalS = 24 * 3600

	defaultMinPrefeedLeadMS     = 5000
	defaultStartupLatencyS      = 7
	defaultSchedulingBufferS    = 2
	defaultTeardownGraceMS      = 10000
	defaultMaxConvergenceS      = 120
	defaultRouterQueueDepth     = 64
	defaultTickHz               = 1
	warnMinPrefeedLeadMS        = 30000
	minMinPrefeedLeadMS         = 1000
)

// RuntimeConfig is the fully-resolved configuration for one broadcastd
// process: HTTP/TLS/logging/rate-limit knobs, plus the boundary-timing and
// fan-out knobs for the channel orchestrator.
type RuntimeConfig struct {
	LogFormat   string `json:"logformat"`
	LogLevel    string `json:"loglevel"`
	ReqLimitLog string `json:"reqlimitlog"`
	ReqLimitInt int    `json:"reqlimitint"` // in seconds
	Port        int    `json:"port"`
	TimeoutS    int    `json:"timeoutS"`
	MaxRequests int    `json:"maxrequests"`
	// WhiteListBlocks is a comma-separated list of CIDR blocks that are not rate limited.
	WhiteListBlocks string `json:"whitelistblocks"`
	// Domains is a comma-separated list of domains for Let's Encrypt.
	Domains string `json:"domains"`
	// CertPath is a path to a valid TLS certificate.
	CertPath string `json:"-"`
	// KeyPath is a path to a valid private TLS key.
	KeyPath string `json:"-"`
	// If Host is set, it is used instead of an autodetected scheme://host in
	// generated channellist.m3u URLs.
	Host string `json:"host"`

	// MinPrefeedLeadMS is the minimum preview lead, in milliseconds. Must be
	// >= 1000; a value above 30000 is logged as a warning at load time.
	MinPrefeedLeadMS int `json:"minPrefeedLeadMs"`
	// StartupLatencyS upper-bounds producer spin-up plus handshake.
	StartupLatencyS int `json:"startupLatencyS"`
	// SchedulingBufferS is the cushion added to the preload trigger.
	SchedulingBufferS int `json:"schedulingBufferS"`
	// TeardownGraceMS is the max time to wait in a transient state before a
	// deferred teardown becomes fatal.
	TeardownGraceMS int `json:"teardownGraceMs"`
	// MaxStartupConvergenceS caps how long a session may run unconverged.
	MaxStartupConvergenceS int `json:"maxStartupConvergenceS"`
	// RouterQueueDepth is the bounded per-viewer fan-out queue depth.
	RouterQueueDepth int `json:"routerQueueDepth"`
	// TickHz is the cadence, in Hz, of each channel session's Tick.
	TickHz int `json:"tickHz"`
	// GridCacheDir, if set, enables the on-disk Badger memoization of the
	// mock grid provider's PlayoutPlanNow results.
	GridCacheDir string `json:"gridCacheDir"`
	// OtelExporterOTLPEndpoint, if set, enables OTLP-HTTP trace export for
	// channel.tick/boundary.switch spans; empty disables tracing.
	OtelExporterOTLPEndpoint string `json:"otelExporterOtlpEndpoint"`
}

var DefaultConfig = RuntimeConfig{
	LogFormat:   "text",
	LogLevel:    "INFO",
	Port:        8080,
	TimeoutS:    60,
	MaxRequests: 0,
	ReqLimitInt: defaultReqIntervalS,
	WhiteListBlocks: "",

	MinPrefeedLeadMS:       defaultMinPrefeedLeadMS,
	StartupLatencyS:        defaultStartupLatencyS,
	SchedulingBufferS:      defaultSchedulingBufferS,
	TeardownGraceMS:        defaultTeardownGraceMS,
	MaxStartupConvergenceS: defaultMaxConvergenceS,
	RouterQueueDepth:       defaultRouterQueueDepth,
	TickHz:                 defaultTickHz,
}

// LoadConfig loads defaults, config file, command line, and finally applies
// environment variables (BROADCAST_-prefixed).
func LoadConfig(args []string, cwd string) (*RuntimeConfig, error) {
	k := koanf.New(".")
	defaults := DefaultConfig
	if err := k.Load(structs.Provider(defaults, "json"), nil); err != nil {
		return nil, err
	}

	f := pflag.NewFlagSet("broadcastd", pflag.ContinueOnError)
	f.Usage = func() {
		parts := strings.Split(args[0], "/")
		name := parts[len(parts)-1]
		fmt.Fprintf(os.Stderr, "Run as %s [options]:\n", name)
		f.PrintDefaults()
	}
	cfgFile := f.String("cfg", "", "path to a JSON config file")
	f.Int("port", k.Int("port"), "HTTP port")
	lf := strings.Join(logging.LogFormats, ", ")
	f.String("logformat", k.String("logformat"), fmt.Sprintf("log format [%s]", lf))
	ll := strings.Join(logging.LogLevels, ", ")
	f.String("loglevel", k.String("loglevel"), fmt.Sprintf("log level [%s]", ll))
	f.Int("timeout", k.Int("timeoutS"), "timeout for all requests (seconds)")
	f.Int("maxrequests", k.Int("maxrequests"), "max nr of requests per IP address per 24 hours")
	f.String("reqlimitlog", k.String("reqlimitlog"), "path to request limit log file (only written if maxrequests > 0)")
	f.Int("reqlimitint", k.Int("reqlimitint"), "interval for request limit in seconds (only used if maxrequests > 0)")
	f.String("whitelistblocks", k.String("whitelistblocks"), "comma-separated list of CIDR blocks that are not rate limited")
	f.String("domains", k.String("domains"), "one or more DNS domains (comma-separated) for an automatic Let's Encrypt certificate")
	f.String("certpath", k.String("certpath"), "path to TLS certificate file (for HTTPS). Use domains instead if possible")
	f.String("keypath", k.String("keypath"), "path to TLS private key file (for HTTPS). Use domains instead if possible")
	f.String("host", k.String("host"), "host (and possible prefix) used when generating channellist.m3u URLs")
	f.Int("minprefeedleadms", k.Int("minPrefeedLeadMs"), "minimum preview lead, in milliseconds")
	f.Int("startuplatencys", k.Int("startupLatencyS"), "upper bound on producer spin-up and handshake, in seconds")
	f.Int("schedulingbuffers", k.Int("schedulingBufferS"), "cushion added to the preload trigger, in seconds")
	f.Int("teardowngracems", k.Int("teardownGraceMs"), "max time to wait in a transient state before teardown-fatal, in milliseconds")
	f.Int("maxstartupconvergences", k.Int("maxStartupConvergenceS"), "cap on unconverged startup time, in seconds")
	f.Int("routerqueuedepth", k.Int("routerQueueDepth"), "bounded per-viewer fan-out queue depth")
	f.Int("tickhz", k.Int("tickHz"), "cadence of each channel session's Tick, in Hz")
	f.String("gridcachedir", k.String("gridCacheDir"), "optional on-disk Badger cache directory for the mock grid provider")
	f.String("otelexporterotlpendpoint", k.String("otelExporterOtlpEndpoint"), "OTLP-HTTP endpoint for trace export; empty disables tracing")
	if err := f.Parse(args[1:]); err != nil {
		return nil, fmt.Errorf("command line parse: %w", err)
	}

	if *cfgFile != "" {
		cf := file.Provider(*cfgFile)
		if err := k.Load(cf, json.Parser()); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := k.Load(posflag.Provider(f, ".", k), nil); err != nil {
		return nil, fmt.Errorf("parsing cli: %w", err)
	}

	err := k.Load(env.Provider("BROADCAST_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "BROADCAST_")), "_", ".", -1)
	}), nil)
	if err != nil {
		return nil, err
	}

	if err := checkTLSParams(k); err != nil {
		return nil, err
	}

	if k.String("domains") != "" {
		if err := k.Load(confmap.Provider(map[string]any{"port": 443}, "."), nil); err != nil {
			return nil, err
		}
	}

	var cfg RuntimeConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if cfg.MinPrefeedLeadMS < minMinPrefeedLeadMS {
		return nil, fmt.Errorf("minprefeedleadms must be >= %d, got %d", minMinPrefeedLeadMS, cfg.MinPrefeedLeadMS)
	}
	if cfg.MinPrefeedLeadMS > warnMinPrefeedLeadMS {
		fmt.Fprintf(os.Stderr, "warning: minprefeedleadms (%d) is unusually high (> %d)\n", cfg.MinPrefeedLeadMS, warnMinPrefeedLeadMS)
	}

	return &cfg, nil
}

func checkTLSParams(k *koanf.Koanf) error {
	domains := k.String("domains")
	certPath := k.String("certpath")
	keyPath := k.String("keypath")
	switch {
	case domains != "":
		if certPath != "" || keyPath != "" {
			return fmt.Errorf("cannot use certpath and keypath together with Let's Encrypt domains")
		}
		return nil
	case certPath == "" && keyPath == "":
		return nil // HTTP
	case certPath != "" && keyPath != "":
		return nil // HTTPS
	default:
		return fmt.Errorf("certpath and keypath must both be empty or set")
	}
}
