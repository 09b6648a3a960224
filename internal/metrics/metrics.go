package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	UploadsStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborupload_uploads_started_total",
			Help: "Total number of upload tasks started by upload mode.",
		},
		[]string{"mode"}, // binary, multipart
	)

	UploadsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborupload_uploads_finished_total",
			Help: "Total number of upload tasks that left the registry by outcome.",
		},
		[]string{"outcome"}, // completed, failed, cancelled
	)

	UploadDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harborupload_upload_duration_seconds",
			Help:    "Wall time from task start to its terminal outcome.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"outcome"},
	)

	AttemptDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harborupload_attempt_duration_seconds",
			Help:    "Duration of individual HTTP upload attempts by status code.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status_code"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborupload_retries_total",
			Help: "Total number of upload retries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, other
	)

	ActiveUploads = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harborupload_active_uploads",
			Help: "Number of upload tasks currently in flight.",
		},
	)

	EventsStoredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborupload_events_stored_total",
			Help: "Total number of terminal events persisted by kind.",
		},
		[]string{"kind"}, // success, failure
	)

	EventsAckedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborupload_events_acked_total",
			Help: "Total number of acknowledgement requests handled.",
		},
	)

	EventsReplayedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborupload_events_replayed_total",
			Help: "Total number of stored events re-emitted to subscribers.",
		},
	)

	EventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborupload_events_dropped_total",
			Help: "Total number of messages dropped because a subscriber buffer was full.",
		},
	)

	StoreErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborupload_store_errors_total",
			Help: "Total number of event store failures by operation.",
		},
		[]string{"op"}, // put, remove, replay
	)

	Subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harborupload_subscribers",
			Help: "Number of attached event subscribers.",
		},
	)

	RelayPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborupload_relay_published_total",
			Help: "Total number of event envelopes relayed to NSQ by status.",
		},
		[]string{"status"}, // ok, error
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		UploadsStartedTotal,
		UploadsFinishedTotal,
		UploadDurationSeconds,
		AttemptDurationSeconds,
		RetriesTotal,
		ActiveUploads,
		EventsStoredTotal,
		EventsAckedTotal,
		EventsReplayedTotal,
		EventsDroppedTotal,
		StoreErrorsTotal,
		Subscribers,
		RelayPublishedTotal,
	)
}

// RecordUploadStarted counts a new task and bumps the in-flight gauge
func RecordUploadStarted(mode string) {
	UploadsStartedTotal.WithLabelValues(mode).Inc()
	ActiveUploads.Inc()
}

// RecordUploadFinished counts a task leaving the registry and releases its in-flight slot
func RecordUploadFinished(outcome string, d time.Duration) {
	UploadsFinishedTotal.WithLabelValues(outcome).Inc()
	UploadDurationSeconds.WithLabelValues(outcome).Observe(d.Seconds())
	ActiveUploads.Dec()
}

func RecordAttempt(statusCode string, d time.Duration) {
	AttemptDurationSeconds.WithLabelValues(statusCode).Observe(d.Seconds())
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordEventStored(kind string) {
	EventsStoredTotal.WithLabelValues(kind).Inc()
}

func RecordEventAcked() {
	EventsAckedTotal.Inc()
}

func RecordEventsReplayed(n int) {
	EventsReplayedTotal.Add(float64(n))
}

func RecordEventDropped() {
	EventsDroppedTotal.Inc()
}

func RecordStoreError(op string) {
	StoreErrorsTotal.WithLabelValues(op).Inc()
}

func UpdateSubscribers(n int) {
	Subscribers.Set(float64(n))
}

func RecordRelayPublish(status string) {
	RelayPublishedTotal.WithLabelValues(status).Inc()
}
