package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics for the funding-rate arbitrage engine
var (
	// Funding rate metrics
	FundingRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fr_funding_rate",
			Help: "Current funding rate",
		},
		[]string{"exchange", "symbol"},
	)

	FundingRateUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fr_funding_rate_updates_total",
			Help: "Total number of funding rate updates",
		},
		[]string{"exchange"},
	)

	MarkPriceUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fr_mark_price_updates_total",
			Help: "Total number of mark price updates",
		},
		[]string{"exchange"},
	)

	// Latency metrics
	MessageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fr_message_latency_seconds",
			Help:    "Latency from exchange timestamp to processing",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"exchange"},
	)

	// Connection metrics
	ConnectionStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fr_connection_status",
			Help: "WebSocket connection status (1=connected, 0=disconnected)",
		},
		[]string{"exchange"},
	)

	ConnectionReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fr_reconnects_total",
			Help: "Total number of reconnection attempts",
		},
		[]string{"exchange"},
	)

	ConnectionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fr_connection_errors_total",
			Help: "Total number of connection errors",
		},
		[]string{"exchange", "error_type"},
	)

	PoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fr_pool_connections",
			Help: "Number of live WebSocket connections per exchange pool",
		},
		[]string{"exchange"},
	)

	SymbolsSubscribed = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fr_symbols_subscribed",
			Help: "Number of symbols subscribed per exchange",
		},
		[]string{"exchange"},
	)

	// Cache metrics
	CacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fr_cache_size",
			Help: "Number of fresh symbols in the rates cache",
		},
	)

	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fr_cache_evictions_total",
			Help: "Total number of stale cache evictions",
		},
	)

	// Opportunity metrics
	OpportunitiesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fr_opportunities_detected_total",
			Help: "Total number of arbitrage opportunities detected",
		},
		[]string{"symbol"},
	)

	OpportunitySpread = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fr_opportunity_spread_annualized_percent",
			Help: "Current annualized spread of an active opportunity",
		},
		[]string{"symbol", "long_exchange", "short_exchange"},
	)

	ActiveOpportunities = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fr_active_opportunities",
			Help: "Number of currently active opportunities",
		},
	)

	// Broadcast metrics
	BroadcastsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fr_broadcasts_sent_total",
			Help: "Total number of broadcast frames sent",
		},
		[]string{"stream"},
	)

	BroadcastSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fr_broadcast_subscribers",
			Help: "Number of connected broadcast subscribers",
		},
	)

	// Repository metrics
	RepositoryErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fr_repository_errors_total",
			Help: "Total number of opportunity repository errors",
		},
	)
)

// Timer is a helper for measuring operation duration
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram
func (t *Timer) ObserveDuration(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// RecordFundingRate records a funding rate update
func RecordFundingRate(exchange, symbol string, rate float64) {
	FundingRate.WithLabelValues(exchange, symbol).Set(rate)
	FundingRateUpdates.WithLabelValues(exchange).Inc()
}

// RecordConnectionStatus records connection status
func RecordConnectionStatus(exchange string, connected bool) {
	status := 0.0
	if connected {
		status = 1.0
	}
	ConnectionStatus.WithLabelValues(exchange).Set(status)
}

// RecordReconnect records a reconnection attempt
func RecordReconnect(exchange string) {
	ConnectionReconnects.WithLabelValues(exchange).Inc()
}

// RecordConnectionError records a connection error
func RecordConnectionError(exchange, errorType string) {
	ConnectionErrors.WithLabelValues(exchange, errorType).Inc()
}

// RecordOpportunity records a detected opportunity and its current spread
func RecordOpportunity(symbol, longExchange, shortExchange string, spreadAnnualized float64) {
	OpportunitiesDetected.WithLabelValues(symbol).Inc()
	OpportunitySpread.WithLabelValues(symbol, longExchange, shortExchange).Set(spreadAnnualized)
}

// Server starts the Prometheus metrics HTTP server
type Server struct {
	addr   string
	server *http.Server
}

// NewServer creates a new metrics server
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start starts the metrics server
func (s *Server) Start() error {
	log.Info().Str("addr", s.addr).Msg("Starting metrics server")
	return s.server.ListenAndServe()
}

// Stop stops the metrics server gracefully
func (s *Server) Stop() error {
	return s.server.Close()
}
