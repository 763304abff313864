package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ticket_reservations_total",
		Help: "Reservation attempts by outcome",
	}, []string{"result"})

	TicketsHeldTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tickets_held_total",
		Help: "Ticket units placed on hold",
	})

	ReservationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ticket_reservation_latency_seconds",
		Help:    "Latency of the reservation transaction",
		Buckets: prometheus.DefBuckets,
	})

	OrdersConfirmedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_confirmed_total",
		Help: "Orders moved to confirmed",
	})

	OrdersCancelledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Orders moved to cancelled, by reason",
	}, []string{"reason"})

	ConfirmRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_confirm_rejected_total",
		Help: "Confirm attempts rejected, by reason",
	}, []string{"reason"})

	TxRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storage_tx_retries_total",
		Help: "Transactions retried after a transient storage error",
	})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "expiration_sweep_duration_seconds",
		Help:    "Duration of expiration sweep passes",
		Buckets: prometheus.DefBuckets,
	})

	SweepOrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "expiration_sweep_orders_total",
		Help: "Orders visited by the expiration sweeper, by outcome",
	}, []string{"outcome"})

	SweepSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "expiration_sweep_skipped_total",
		Help: "Sweep passes skipped because another pass was running",
	})

	OutboxPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_events_published_total",
		Help: "Outbox events handed to the broker, by event type",
	}, []string{"event_type"})

	OutboxPublishFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_publish_failed_total",
		Help: "Outbox publish attempts that failed and will be retried",
	})

	RefundRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_refund_requests_total",
		Help: "Refunds requested because a captured payment could not confirm its order",
	}, []string{"reason"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
