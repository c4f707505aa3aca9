package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_orders_created_total",
		Help: "Total number of orders committed by checkout",
	})

	CheckoutRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_rejected_total",
		Help: "Total number of rejected checkouts",
	}, []string{"reason"})

	NotifyReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_notify_received_total",
		Help: "Webhook deliveries by outcome",
	}, []string{"outcome"})

	ReconcileTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_reconcile_transitions_total",
		Help: "Applied trade-status transitions",
	}, []string{"from", "to"})

	ReconcileNoopTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_reconcile_noop_total",
		Help: "Reconciliations that changed nothing",
	}, []string{"reason"})

	ReconcileLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payment_reconcile_latency_seconds",
		Help:    "Latency of the reconcile transaction including lock wait",
		Buckets: prometheus.DefBuckets,
	})

	LockWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payment_reconcile_lock_wait_seconds",
		Help:    "Time spent waiting for the per-order lock",
		Buckets: prometheus.DefBuckets,
	})

	InventoryAdjustmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_adjustments_total",
		Help: "Units moved in or out of inventory by reconciliation",
	}, []string{"direction"})

	GatewayRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_duration_seconds",
		Help:    "Latency of calls to the payment gateway",
		Buckets: prometheus.DefBuckets,
	}, []string{"op", "status"})

	GatewayRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_retries_total",
		Help: "Retried gateway calls",
	}, []string{"op"})

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
