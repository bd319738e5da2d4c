package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parchi_requests_total",
			Help: "Total number of requests",
		},
		[]string{"route", "code", "method"},
	)

	DBTxDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "parchi_db_tx_seconds",
			Help:    "Duration of DB transactions",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	OutboxLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "parchi_outbox_lag_seconds",
			Help: "Age of the oldest outbox record relayed in the last batch",
		},
	)

	RabbitPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parchi_rabbit_publish_retries_total",
			Help: "Total rabbit publish failures left for the next relay pass",
		},
	)

	RateLimitExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parchi_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)

	EventsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parchi_events_created_total",
			Help: "Total events created",
		},
	)

	TicketsIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parchi_tickets_issued_total",
			Help: "Total tickets issued",
		},
	)

	TicketsClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parchi_tickets_claimed_total",
			Help: "Total tickets marked claimed",
		},
	)

	OperationsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parchi_operations_rejected_total",
			Help: "Issuance operations rejected, by operation and error category",
		},
		[]string{"operation", "category"},
	)

	SinkDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parchi_sink_deliveries_total",
			Help: "Notifications consumed by the ledger sink",
		},
		[]string{"kind", "result"},
	)
)
