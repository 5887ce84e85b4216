package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Frame outcome labels
const (
	OutcomeDecoded    = "decoded"
	OutcomeMalformed  = "malformed"
	OutcomeIncomplete = "incomplete"
)

// Metrics contains all Prometheus metrics for the tracking gateway
type Metrics struct {
	// Device connection metrics
	ConnectionsAccepted prometheus.Counter
	ConnectionsRejected prometheus.Counter
	ActiveConnections   prometheus.Gauge
	BytesReceived       prometheus.Counter
	BufferOverflows     prometheus.Counter
	ConnectionDuration  prometheus.Histogram

	// Frame metrics
	FramesReceived prometheus.Counter
	Frames         *prometheus.CounterVec // by outcome
	Records        *prometheus.CounterVec // by tag
	InvalidFixes   prometheus.Counter

	// Subscriber metrics
	ActiveSubscribers  prometheus.Gauge
	EventsPublished    *prometheus.CounterVec // by event
	SubscriberDrops    prometheus.Counter
	DeliveriesFailed   prometheus.Counter

	// Webhook metrics
	WebhookRequests  prometheus.Counter
	WebhookSuccesses prometheus.Counter
	WebhookFailures  prometheus.Counter
	WebhookRetries   prometheus.Counter
	WebhookDuration  prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
// Passing prometheus.DefaultRegisterer exposes them on the default /metrics handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Device connection metrics
		ConnectionsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "gps_connections_accepted_total",
			Help: "Total number of device TCP connections accepted",
		}),
		ConnectionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "gps_connections_rejected_total",
			Help: "Total number of device TCP connections rejected at the connection limit",
		}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gps_active_connections",
			Help: "Current number of connected devices",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "gps_bytes_received_total",
			Help: "Total number of bytes read from device connections",
		}),
		BufferOverflows: factory.NewCounter(prometheus.CounterOpts{
			Name: "gps_frame_buffer_overflows_total",
			Help: "Total number of partial frames dropped for exceeding the buffer cap",
		}),
		ConnectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gps_connection_duration_seconds",
			Help:    "Duration of device connections in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10), // 1s to ~3 days
		}),

		// Frame metrics
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "gps_frames_received_total",
			Help: "Total number of frames extracted from device streams",
		}),
		Frames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gps_frames_total",
			Help: "Frames by validation outcome",
		}, []string{"outcome"}),
		Records: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gps_records_decoded_total",
			Help: "Decoded records by message tag",
		}, []string{"tag"}),
		InvalidFixes: factory.NewCounter(prometheus.CounterOpts{
			Name: "gps_invalid_fixes_total",
			Help: "Position reports not published because of invalid coordinates",
		}),

		// Subscriber metrics
		ActiveSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gps_active_subscribers",
			Help: "Current number of event subscribers",
		}),
		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gps_events_published_total",
			Help: "Events broadcast to subscribers",
		}, []string{"event"}),
		SubscriberDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "gps_subscriber_drops_total",
			Help: "Subscribers removed after a failed delivery",
		}),
		DeliveriesFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "gps_deliveries_failed_total",
			Help: "Individual event deliveries that failed",
		}),

		// Webhook metrics
		WebhookRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "gps_webhook_requests_total",
			Help: "Total number of webhook deliveries attempted",
		}),
		WebhookSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "gps_webhook_successes_total",
			Help: "Total number of successful webhook deliveries",
		}),
		WebhookFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "gps_webhook_failures_total",
			Help: "Total number of failed webhook deliveries",
		}),
		WebhookRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "gps_webhook_retries_total",
			Help: "Total number of webhook request retries",
		}),
		WebhookDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gps_webhook_duration_seconds",
			Help:    "Duration of webhook deliveries including retries",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gps_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gps_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gps_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordConnectionAccepted increments accepted connections and the active gauge
func (m *Metrics) RecordConnectionAccepted() {
	m.ConnectionsAccepted.Inc()
	m.ActiveConnections.Inc()
}

// RecordConnectionRejected increments the rejected connections counter
func (m *Metrics) RecordConnectionRejected() {
	m.ConnectionsRejected.Inc()
}

// RecordConnectionClosed decrements the active gauge and records the connection lifetime
func (m *Metrics) RecordConnectionClosed(durationSeconds float64) {
	m.ActiveConnections.Dec()
	m.ConnectionDuration.Observe(durationSeconds)
}

// RecordBytesReceived adds n to the bytes received counter
func (m *Metrics) RecordBytesReceived(n int) {
	m.BytesReceived.Add(float64(n))
}

// RecordBufferOverflow increments the buffer overflow counter
func (m *Metrics) RecordBufferOverflow() {
	m.BufferOverflows.Inc()
}

// RecordFrame counts an extracted frame and its validation outcome
func (m *Metrics) RecordFrame(outcome string) {
	m.FramesReceived.Inc()
	m.Frames.WithLabelValues(outcome).Inc()
}

// RecordRecord counts a decoded record by tag. Unregistered tags share one label
// so devices cannot grow the label set.
func (m *Metrics) RecordRecord(tag string, known bool) {
	if !known {
		tag = "unknown"
	}
	m.Records.WithLabelValues(tag).Inc()
}

// RecordInvalidFix increments the invalid fix counter
func (m *Metrics) RecordInvalidFix() {
	m.InvalidFixes.Inc()
}

// SetActiveSubscribers sets the current number of subscribers
func (m *Metrics) SetActiveSubscribers(count int) {
	m.ActiveSubscribers.Set(float64(count))
}

// RecordEventPublished counts a broadcast event
func (m *Metrics) RecordEventPublished(event string) {
	m.EventsPublished.WithLabelValues(event).Inc()
}

// RecordDeliveryFailed counts a failed delivery, and a drop when the subscriber was removed
func (m *Metrics) RecordDeliveryFailed(dropped bool) {
	m.DeliveriesFailed.Inc()
	if dropped {
		m.SubscriberDrops.Inc()
	}
}

// RecordWebhookRequest increments webhook requests counter
func (m *Metrics) RecordWebhookRequest() {
	m.WebhookRequests.Inc()
}

// RecordWebhookSuccess records a successful webhook delivery
func (m *Metrics) RecordWebhookSuccess(durationSeconds float64) {
	m.WebhookSuccesses.Inc()
	m.WebhookDuration.Observe(durationSeconds)
}

// RecordWebhookFailure records a failed webhook delivery
func (m *Metrics) RecordWebhookFailure(durationSeconds float64) {
	m.WebhookFailures.Inc()
	m.WebhookDuration.Observe(durationSeconds)
}

// RecordWebhookRetry increments the retry counter
func (m *Metrics) RecordWebhookRetry() {
	m.WebhookRetries.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
