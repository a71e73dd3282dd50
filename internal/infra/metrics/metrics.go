// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "companion",
	Subsystem: "session",
	Name:      "turns_total",
	Help:      "Turns handled by the session controller, by operation and terminal outcome.",
}, []string{"operation", "outcome"})

var RefundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "companion",
	Subsystem: "ledger",
	Name:      "refunds_total",
	Help:      "Compensating credits issued after a failed paid operation.",
}, []string{"operation", "reason"})

var LedgerOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "companion",
	Subsystem: "ledger",
	Name:      "operations_total",
	Help:      "Ledger operations by kind and result.",
}, []string{"op", "result"})

var CreditsFlow = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "companion",
	Subsystem: "ledger",
	Name:      "credits_total",
	Help:      "Absolute credits moved through the ledger by transaction kind.",
}, []string{"kind"})

var GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "companion",
	Subsystem: "gateway",
	Name:      "request_duration_seconds",
	Help:      "Completion provider call latency by outcome.",
	Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30},
}, []string{"outcome"})

var CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "companion",
	Subsystem: "cache",
	Name:      "lookups_total",
	Help:      "Generation cache lookups by result.",
}, []string{"result"})

var ImagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "companion",
	Subsystem: "images",
	Name:      "generated_total",
	Help:      "Image generation attempts by outcome.",
}, []string{"outcome"})

var SQLDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "companion",
	Subsystem: "sql",
	Name:      "statement_duration_seconds",
	Help:      "Postgres statement latency by call type.",
	Buckets:   prometheus.DefBuckets,
}, []string{"call"})

var MemoryWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "companion",
	Subsystem: "memory",
	Name:      "write_failures_total",
	Help:      "Best-effort memory store writes that failed.",
})
