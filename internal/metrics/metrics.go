// Package metrics exposes the engine's Prometheus metric surface: a
// promauto package-level var block plus small Record* helper
// functions and an http.Server wrapper for /metrics and /health.
// Orderbook/trade series are replaced with funding-rate arbitrage
// series (opportunities, exit suggestions, triggers, close outcomes);
// connection and REST-fetch series are kept as-is since the
// Connection Pool and REST fallback path are unchanged concerns.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Connection metrics.
	ConnectionStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arb_connection_status",
			Help: "WebSocket connection status (1=connected, 0=disconnected)",
		},
		[]string{"venue"},
	)

	ConnectionReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_reconnects_total",
			Help: "Total number of reconnection attempts",
		},
		[]string{"venue"},
	)

	ConnectionCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arb_pool_connection_count",
			Help: "Number of live WebSocket connections in a venue's pool",
		},
		[]string{"venue"},
	)

	RestFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arb_rest_fetch_duration_seconds",
			Help:    "Time to fetch data from a venue's REST API",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"venue", "endpoint"},
	)

	RestFetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_rest_fetch_errors_total",
			Help: "Total number of REST API fetch errors",
		},
		[]string{"venue", "endpoint"},
	)

	// Funding rate and spread metrics.
	FundingRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arb_funding_rate",
			Help: "Current funding rate",
		},
		[]string{"venue", "symbol"},
	)

	BestSpreadPercent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arb_best_spread_percent",
			Help: "Current best long/short funding-rate spread percent for a symbol",
		},
		[]string{"symbol", "long_venue", "short_venue"},
	)

	DataSourceMode = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arb_data_source_mode",
			Help: "Active data source mode (1=websocket, 0=rest)",
		},
		[]string{"venue", "data_type"},
	)

	DataSourceStale = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_data_source_stale_total",
			Help: "Total number of stale-data detections",
		},
		[]string{"venue", "data_type"},
	)

	// Opportunity lifecycle metrics.
	OpportunitiesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_opportunities_detected_total",
			Help: "Total number of arbitrage opportunities detected",
		},
		[]string{"symbol"},
	)

	OpportunitiesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arb_opportunities_active",
			Help: "Number of currently ACTIVE arbitrage opportunities",
		},
	)

	OpportunityDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "arb_opportunity_duration_seconds",
			Help:    "Lifetime of an arbitrage opportunity from detection to close",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		},
	)

	// Exit-suggestion metrics.
	ExitSuggestions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_exit_suggestions_total",
			Help: "Total number of exit suggestions emitted",
		},
		[]string{"reason"},
	)

	ExitCancellations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arb_exit_cancellations_total",
			Help: "Total number of exit suggestion cancellations",
		},
	)

	// Trigger and close metrics.
	TriggersDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_triggers_detected_total",
			Help: "Total number of SL/TP triggers detected",
		},
		[]string{"classification"},
	)

	CloseOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_close_outcomes_total",
			Help: "Total number of position close attempts by outcome",
		},
		[]string{"outcome"}, // closed, partial, failed
	)

	ClosePnL = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "arb_close_pnl_total",
			Help:    "Distribution of realized total PnL on closed positions",
			Buckets: prometheus.LinearBuckets(-500, 50, 20),
		},
	)

	// Notifier metrics.
	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_notifications_sent_total",
			Help: "Total number of webhook notifications sent",
		},
		[]string{"platform", "outcome"},
	)
)

// RecordConnectionStatus records connection status for venue.
func RecordConnectionStatus(venue string, connected bool) {
	v := 0.0
	if connected {
		v = 1.0
	}
	ConnectionStatus.WithLabelValues(venue).Set(v)
}

// RecordReconnect increments the reconnect counter for venue.
func RecordReconnect(venue string) { ConnectionReconnects.WithLabelValues(venue).Inc() }

// RecordFundingRate records a funding rate observation.
func RecordFundingRate(venue, symbol string, rate float64) {
	FundingRate.WithLabelValues(venue, symbol).Set(rate)
}

// RecordSpread records a symbol's current best-pair spread.
func RecordSpread(symbol, longVenue, shortVenue string, spreadPercent float64) {
	BestSpreadPercent.WithLabelValues(symbol, longVenue, shortVenue).Set(spreadPercent)
}

// RecordDataSourceMode records whether (venue, dataType) is on
// websocket (1) or rest (0).
func RecordDataSourceMode(venue, dataType string, websocket bool) {
	v := 0.0
	if websocket {
		v = 1.0
	}
	DataSourceMode.WithLabelValues(venue, dataType).Set(v)
}

// RecordOpportunityDetected increments the detection counter for
// symbol.
func RecordOpportunityDetected(symbol string) { OpportunitiesDetected.WithLabelValues(symbol).Inc() }

// RecordExitSuggestion increments the suggestion counter for reason.
func RecordExitSuggestion(reason string) { ExitSuggestions.WithLabelValues(reason).Inc() }

// RecordTriggerDetected increments the trigger counter for
// classification (LONG_SL, LONG_TP, SHORT_SL, SHORT_TP).
func RecordTriggerDetected(classification string) {
	TriggersDetected.WithLabelValues(classification).Inc()
}

// RecordCloseOutcome increments the close-outcome counter and, for
// terminal outcomes carrying a PnL figure, observes it.
func RecordCloseOutcome(outcome string, pnl *float64) {
	CloseOutcomes.WithLabelValues(outcome).Inc()
	if pnl != nil {
		ClosePnL.Observe(*pnl)
	}
}

// RecordNotificationSent increments the notification counter for
// platform and outcome ("delivered", "failed").
func RecordNotificationSent(platform, outcome string) {
	NotificationsSent.WithLabelValues(platform, outcome).Inc()
}

// Timer is a helper for measuring operation duration.
type Timer struct{ start time.Time }

// NewTimer starts a new Timer.
func NewTimer() *Timer { return &Timer{start: time.Now()} }

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Server serves /metrics and /health.
type Server struct {
	addr   string
	server *http.Server
	log    zerolog.Logger
}

// NewServer constructs a metrics HTTP server bound to addr.
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return &Server{addr: addr, server: &http.Server{Addr: addr, Handler: mux}, log: logger}
}

// Start runs the metrics server until it errors or is stopped.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.addr).Msg("starting metrics server")
	return s.server.ListenAndServe()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
