package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outreach_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	sendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_sends_total",
			Help: "Dispatch attempts by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	sendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outreach_send_latency_seconds",
			Help:    "Provider send call latency distribution",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"provider"},
	)

	campaignsAdmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outreach_campaigns_admitted_total",
			Help: "Campaigns moved from scheduled to sending",
		},
	)

	campaignsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_campaigns_finished_total",
			Help: "Campaigns reaching a terminal state",
		},
		[]string{"state"},
	)

	recipientsRequeued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outreach_recipients_requeued_total",
			Help: "In-flight recipients returned to the queue by the reaper",
		},
	)

	deliveryEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_delivery_events_total",
			Help: "Delivery events ingested by kind and application result",
		},
		[]string{"kind", "result"},
	)

	unknownTrackingTokens = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outreach_unknown_tracking_tokens_total",
			Help: "Events received for tokens no recipient owns",
		},
	)

	sendRateDeferrals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_send_rate_deferrals_total",
			Help: "Sends deferred by the per-provider rate limiter",
		},
		[]string{"provider"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outreach_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"tenant_id"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outreach_db_connections_active",
			Help: "Active database connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordSend records one dispatch attempt outcome: sent, retried,
// failed, or deferred.
func RecordSend(provider, outcome string) {
	sendsTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordSendLatency records the duration of one provider send call.
func RecordSendLatency(provider string, d time.Duration) {
	sendLatency.WithLabelValues(provider).Observe(d.Seconds())
}

// RecordCampaignAdmitted records a scheduled -> sending transition.
func RecordCampaignAdmitted() {
	campaignsAdmitted.Inc()
}

// RecordCampaignFinished records a campaign reaching a terminal state.
func RecordCampaignFinished(state string) {
	campaignsCompleted.WithLabelValues(state).Inc()
}

// RecordRecipientsRequeued records reaper requeues.
func RecordRecipientsRequeued(n int) {
	recipientsRequeued.Add(float64(n))
}

// RecordDeliveryEvent records one ingested event and whether it
// advanced recipient state ("applied") or was a duplicate/no-op.
func RecordDeliveryEvent(kind, result string) {
	deliveryEvents.WithLabelValues(kind, result).Inc()
}

// RecordUnknownTrackingToken records an event whose token matched no
// recipient.
func RecordUnknownTrackingToken() {
	unknownTrackingTokens.Inc()
}

// RecordSendRateDeferral records a send pushed back by the limiter.
func RecordSendRateDeferral(provider string) {
	sendRateDeferrals.WithLabelValues(provider).Inc()
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(tenantID string) {
	rateLimitRejections.WithLabelValues(tenantID).Inc()
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
