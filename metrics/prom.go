package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sockpaste_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sockpaste_paste_rejected_total",
			Help: "no. of ingests that did not produce a paste",
		},
		[]string{"reason"},
	)
	PasteExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sockpaste_paste_expired_total",
		Help: "no. of pastes removed at their deadline",
	})
	ExpiryDeleteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sockpaste_expiry_delete_failures_total",
		Help: "no. of deadlines whose deletion failed and was re-armed",
	})
	ScheduledPastes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sockpaste_scheduled_pastes",
		Help: "pending expiry deadlines",
	})
	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sockpaste_active_workers",
		Help: "connections currently being handled",
	})
	AcceptedConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sockpaste_accepted_connections_total",
		Help: "no. of accepted socket connections",
	})
	IngestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sockpaste_ingest_duration_seconds",
			Help:    "time from accept to close per connection",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
	PasteSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sockpaste_paste_size_bytes",
		Help:    "size of stored pastes",
		Buckets: prometheus.ExponentialBuckets(64, 4, 9),
	})
	IDCollisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sockpaste_id_collisions_total",
		Help: "no. of id candidates rejected as taken or quarantined",
	})
	EventSinkErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sockpaste_event_sink_errors_total",
			Help: "no. of failed ledger or notifier writes",
		},
		[]string{"sink"},
	)
	RecentFailureRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sockpaste_recent_failure_rate_percent",
		Help: "server-side ingest failures over the last five minutes, in percent",
	})
)
