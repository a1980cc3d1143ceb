package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StampOperations counts stamping attempts by outcome.
var StampOperations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "school_billing",
	Subsystem: "fiscal",
	Name:      "stamp_total",
	Help:      "Stamp requests by outcome (stamped, already_stamped, gateway_error, rejected).",
}, []string{"outcome"})

// CancelOperations counts cancellation requests by outcome.
var CancelOperations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "school_billing",
	Subsystem: "fiscal",
	Name:      "cancel_total",
	Help:      "Cancellation requests by outcome.",
}, []string{"outcome"})

// GatewayLatency tracks stamping authority round trips.
var GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "school_billing",
	Subsystem: "fiscal",
	Name:      "gateway_latency_seconds",
	Help:      "Latency of calls to the stamping authority.",
	Buckets:   prometheus.DefBuckets,
}, []string{"operation"})

// PaymentsApplied counts payments recorded against charges.
var PaymentsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "school_billing",
	Subsystem: "ledger",
	Name:      "payments_total",
	Help:      "Payments recorded by method and verification status.",
}, []string{"method", "status"})

// ReconciledRows counts statement rows by matching outcome.
var ReconciledRows = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "school_billing",
	Subsystem: "reconciliation",
	Name:      "rows_total",
	Help:      "Bank statement rows by outcome.",
}, []string{"outcome"})

// OverdueCharges counts charges moved to overdue by the sweeper.
var OverdueCharges = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "school_billing",
	Subsystem: "ledger",
	Name:      "overdue_marked_total",
	Help:      "Charges marked overdue by the background sweep.",
})
