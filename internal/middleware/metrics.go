package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Coach request metrics
	coachRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coach_requests_total",
		Help: "Total number of coach chat requests",
	}, []string{"persona", "status"})

	coachRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coach_request_duration_seconds",
		Help:    "End-to-end duration of coach chat requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"persona", "status"})

	// Provider metrics
	providerStreams = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coach_provider_streams_total",
		Help: "Total number of provider streams opened",
	}, []string{"provider", "status"})

	providerFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coach_provider_fallbacks_total",
		Help: "Total number of requests served by a non-primary provider",
	}, []string{"provider"})

	streamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coach_provider_stream_duration_seconds",
		Help:    "Duration of provider streams",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "status"})

	// Gating metrics
	rateLimitDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coach_rate_limit_denials_total",
		Help: "Total number of requests denied by the daily limit",
	}, []string{"model"})

	accessDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coach_access_denials_total",
		Help: "Total number of premium access denials",
	}, []string{"model"})

	// Retrieval cache metrics
	retrievalCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coach_retrieval_cache_hits_total",
		Help: "Total number of retrieval cache hits",
	})

	retrievalCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coach_retrieval_cache_misses_total",
		Help: "Total number of retrieval cache misses",
	})

	// Active stream gauge
	activeStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coach_active_streams",
		Help: "Number of in-flight response streams",
	})
)

// Metrics provides methods to record metrics
type Metrics struct{}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordCoachRequest records one completed coach request
func (m *Metrics) RecordCoachRequest(persona, status string, duration time.Duration) {
	coachRequests.WithLabelValues(persona, status).Inc()
	coachRequestDuration.WithLabelValues(persona, status).Observe(duration.Seconds())
}

// RecordProviderStream records one provider stream outcome
func (m *Metrics) RecordProviderStream(provider, status string, duration time.Duration) {
	providerStreams.WithLabelValues(provider, status).Inc()
	streamDuration.WithLabelValues(provider, status).Observe(duration.Seconds())
}

// RecordProviderFallback records a request served by a fallback provider
func (m *Metrics) RecordProviderFallback(provider string) {
	providerFallbacks.WithLabelValues(provider).Inc()
}

// RecordRateLimitDenial records a daily-limit denial
func (m *Metrics) RecordRateLimitDenial(model string) {
	rateLimitDenials.WithLabelValues(model).Inc()
}

// RecordAccessDenial records a premium access denial
func (m *Metrics) RecordAccessDenial(model string) {
	accessDenials.WithLabelValues(model).Inc()
}

// RecordRetrievalCacheHit records a retrieval cache hit
func (m *Metrics) RecordRetrievalCacheHit() {
	retrievalCacheHits.Inc()
}

// RecordRetrievalCacheMiss records a retrieval cache miss
func (m *Metrics) RecordRetrievalCacheMiss() {
	retrievalCacheMisses.Inc()
}

// StreamStarted marks a response stream as in flight
func (m *Metrics) StreamStarted() {
	activeStreams.Inc()
}

// StreamFinished marks a response stream as done
func (m *Metrics) StreamFinished() {
	activeStreams.Dec()
}

// StartMetricsServer starts the metrics HTTP server
func StartMetricsServer(port int, path string) error {
	router := mux.NewRouter()
	router.Handle(path, promhttp.Handler())

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	addr := fmt.Sprintf(":%d", port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return server.ListenAndServe()
}
