package booksync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var reconcileRecords = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "booksync_reconcile_records_total",
	Help: "Records visited by reconciliation, by direction and outcome (synced, skipped, failed)",
}, []string{"direction", "outcome"})

var reconcileDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "booksync_reconcile_duration_seconds",
	Help:    "Duration of a reconciliation pass",
	Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
}, []string{"direction"})

var auditFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "booksync_audit_append_failures_total",
	Help: "Audit log entries that could not be written",
})
