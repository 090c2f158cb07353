package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_reservations_total",
		Help: "Total number of reservation attempts by result",
	}, []string{"result"})

	ReservationTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_reservation_transitions_total",
		Help: "Total number of reservation lifecycle transitions",
	}, []string{"status"})

	ReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "inventory_reserve_latency_seconds",
		Help:    "Latency of inventory reservation operations",
		Buckets: prometheus.DefBuckets,
	})

	AdjustmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_adjustments_total",
		Help: "Total number of stock adjustments",
	}, []string{"type", "result"})

	LowStockLevels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "inventory_low_stock_levels",
		Help: "Number of active levels at or below their minimum threshold at last check",
	})

	ReconcilerRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_reconciler_runs_total",
		Help: "Total number of expiry reconciler runs",
	}, []string{"result"})

	ReservationsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_reservations_expired_total",
		Help: "Total number of reservations expired by the reconciler",
	})

	OutboxPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_outbox_published_total",
		Help: "Total number of outbox events delivered to the broker",
	})

	OutboxFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_outbox_failures_total",
		Help: "Total number of failed outbox deliveries",
	})

	OrderEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_order_events_total",
		Help: "Total number of order events consumed",
	}, []string{"event_type", "result"})

	CacheRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_level_cache_requests_total",
		Help: "Level cache lookups by result",
	}, []string{"result"})

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
