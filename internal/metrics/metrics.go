// Package metrics exposes Prometheus instrumentation for the engine.
// All collectors are registered on a private registry so tests can create
// engines without collector-name collisions.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the engine reports to. A nil *Metrics is
// valid and turns all recording calls into no-ops, so components do not
// need to guard call sites.
type Metrics struct {
	registry *prometheus.Registry

	MalformedFrames  *prometheus.CounterVec // decode errors and crossed quotes, by venue
	ThrottledQuotes  *prometheus.CounterVec // dropped by min inter-event gap, by venue and stream
	FanoutOverflow   *prometheus.CounterVec // quotes dropped on a full subscriber queue
	QuotesIngested   *prometheus.CounterVec // normalized quotes accepted, by venue
	Opportunities    prometheus.Counter
	RiskRejects      *prometheus.CounterVec // by reason
	PositionsOpened  prometheus.Counter
	PositionsClosed  *prometheus.CounterVec // by terminal status
	Reconnects       *prometheus.CounterVec // by venue
	OpenPositions    prometheus.Gauge
	TotalExposureUSD prometheus.Gauge
	DailyPnlUSD      prometheus.Gauge
}

// New creates a metrics set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		MalformedFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arb_malformed_frames_total",
			Help: "Venue frames dropped at the adapter boundary (decode error or bid > ask).",
		}, []string{"venue"}),
		ThrottledQuotes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arb_throttled_quotes_total",
			Help: "Events dropped by the per-stream minimum inter-event gap.",
		}, []string{"venue", "stream"}),
		FanoutOverflow: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arb_fanout_overflow_total",
			Help: "Quotes dropped because a subscriber queue was full.",
		}, []string{"subscriber"}),
		QuotesIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arb_quotes_ingested_total",
			Help: "Normalized quotes accepted into the hub.",
		}, []string{"venue"}),
		Opportunities: factory.NewCounter(prometheus.CounterOpts{
			Name: "arb_opportunities_total",
			Help: "Opportunities emitted by the detector.",
		}),
		RiskRejects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arb_risk_rejects_total",
			Help: "Opportunities rejected by the risk gate.",
		}, []string{"reason"}),
		PositionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "arb_positions_opened_total",
			Help: "Positions that reached OPEN.",
		}),
		PositionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arb_positions_terminal_total",
			Help: "Positions that reached a terminal state.",
		}, []string{"status"}),
		Reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arb_venue_reconnects_total",
			Help: "Adapter reconnect cycles.",
		}, []string{"venue"}),
		OpenPositions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arb_open_positions",
			Help: "Currently open arbitrage positions.",
		}),
		TotalExposureUSD: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arb_total_exposure_usd",
			Help: "Sum of open position notionals in quote asset.",
		}),
		DailyPnlUSD: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arb_daily_pnl_usd",
			Help: "Realized PnL since the last UTC-midnight reset.",
		}),
	}
}

// Handler returns an http.Handler serving the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts a blocking HTTP listener for /metrics on the given port.
func (m *Metrics) Serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}

// The record helpers below are nil-safe so wiring stays unconditional.

func (m *Metrics) RecordMalformed(venue string) {
	if m != nil {
		m.MalformedFrames.WithLabelValues(venue).Inc()
	}
}

func (m *Metrics) RecordThrottled(venue, stream string) {
	if m != nil {
		m.ThrottledQuotes.WithLabelValues(venue, stream).Inc()
	}
}

func (m *Metrics) RecordOverflow(subscriber string) {
	if m != nil {
		m.FanoutOverflow.WithLabelValues(subscriber).Inc()
	}
}

func (m *Metrics) RecordQuote(venue string) {
	if m != nil {
		m.QuotesIngested.WithLabelValues(venue).Inc()
	}
}

func (m *Metrics) RecordOpportunity() {
	if m != nil {
		m.Opportunities.Inc()
	}
}

func (m *Metrics) RecordRiskReject(reason string) {
	if m != nil {
		m.RiskRejects.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) RecordPositionOpened() {
	if m != nil {
		m.PositionsOpened.Inc()
		m.OpenPositions.Inc()
	}
}

func (m *Metrics) RecordPositionTerminal(status string) {
	if m != nil {
		m.PositionsClosed.WithLabelValues(status).Inc()
		m.OpenPositions.Dec()
	}
}

func (m *Metrics) RecordReconnect(venue string) {
	if m != nil {
		m.Reconnects.WithLabelValues(venue).Inc()
	}
}

func (m *Metrics) SetExposure(usd float64) {
	if m != nil {
		m.TotalExposureUSD.Set(usd)
	}
}

func (m *Metrics) SetDailyPnl(usd float64) {
	if m != nil {
		m.DailyPnlUSD.Set(usd)
	}
}
