// Package metrics exposes channel-session observability: Prometheus
// counters/gauges/histograms for dashboards and alerting, plus a per-channel
// t-digest for cheap streaming lead-time percentile queries that a
// histogram's fixed buckets can't answer precisely.
package metrics

import (
	"sync"
	"time"

	"github.com/influxdata/tdigest"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/retrovue/broadcastd/pkg/orchestrator"
)

const service = "broadcastd"

var leadTimeBuckets = []float64{100, 500, 1000, 2000, 3000, 4000, 4500, 5000, 6000, 10000}

var allStates = []orchestrator.BoundaryState{
	orchestrator.StateNone,
	orchestrator.StatePlanned,
	orchestrator.StatePreloadIssued,
	orchestrator.StateSwitchScheduled,
	orchestrator.StateSwitchIssued,
	orchestrator.StateLive,
	orchestrator.StateFailedTerminal,
}

// Collector implements orchestrator.Telemetry and backs the /metrics HTTP
// surface. It is safe for concurrent use by every channel session.
type Collector struct {
	leadTimeMS    *prometheus.HistogramVec
	invariations  *prometheus.CounterVec
	sessionState  *prometheus.GaugeVec
	droppedFrames *prometheus.CounterVec

	mu      sync.Mutex
	digests map[string]*tdigest.TDigest
}

// NewCollector constructs a Collector and registers its metrics against reg.
// A nil reg registers against prometheus.DefaultRegisterer; tests should
// pass a fresh prometheus.NewRegistry() to avoid colliding with other
// Collectors in the same process.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Collector{
		leadTimeMS: newHistogram(reg, "switch_issuance_lead_milliseconds",
			"Observed lead time between issuance timer fire and its scheduled boundary.",
			leadTimeBuckets, "channel"),
		invariations: newCounter(reg, "invariant_violations_total",
			"Count of invariant violations observed per channel.", "channel", "invariant"),
		sessionState: newGauge(reg, "channel_session_state",
			"1 for the channel's current boundary state, 0 for all others.", "channel", "state"),
		droppedFrames: newCounter(reg, "fanout_dropped_chunks_total",
			"Count of TS chunks dropped for a slow subscriber.", "channel"),
		digests: make(map[string]*tdigest.TDigest),
	}
}

func (c *Collector) ObserveLeadTime(channelID string, lead time.Duration) {
	ms := float64(lead.Microseconds()) / 1000.0
	c.leadTimeMS.WithLabelValues(channelID).Observe(ms)

	c.mu.Lock()
	d, ok := c.digests[channelID]
	if !ok {
		d = tdigest.New()
		c.digests[channelID] = d
	}
	d.Add(ms, 1)
	c.mu.Unlock()
}

func (c *Collector) IncInvariantViolation(channelID, invariant string) {
	if invariant == "" {
		invariant = "unspecified"
	}
	c.invariations.WithLabelValues(channelID, invariant).Inc()
}

func (c *Collector) SetSessionState(channelID string, state orchestrator.BoundaryState) {
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.sessionState.WithLabelValues(channelID, string(s)).Set(v)
	}
}

// ObserveDroppedFrames records n additional dropped chunks for channelID,
// fed from deltas of fanout.Router.DroppedTotal on a polling interval.
func (c *Collector) ObserveDroppedFrames(channelID string, n int64) {
	if n <= 0 {
		return
	}
	c.droppedFrames.WithLabelValues(channelID).Add(float64(n))
}

// LeadTimePercentile returns the p (0..1) quantile of observed issuance lead
// times in milliseconds for channelID, or 0 if nothing has been observed.
func (c *Collector) LeadTimePercentile(channelID string, p float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.digests[channelID]
	if !ok {
		return 0
	}
	return d.Quantile(p)
}

func newCounter(reg prometheus.Registerer, name, help string, labels ...string) *prometheus.CounterVec {
	cv := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{"service": service},
		},
		labels,
	)
	reg.MustRegister(cv)
	return cv
}

func newHistogram(reg prometheus.Registerer, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	hv := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{"service": service},
			Buckets:     buckets,
		},
		labels,
	)
	reg.MustRegister(hv)
	return hv
}

func newGauge(reg prometheus.Registerer, name, help string, labels ...string) *prometheus.GaugeVec {
	gv := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{"service": service},
		},
		labels,
	)
	reg.MustRegister(gv)
	return gv
}

var _ orchestrator.Telemetry = (*Collector)(nil)
