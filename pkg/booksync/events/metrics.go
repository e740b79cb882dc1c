package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "booksync_events_published_total",
	Help: "Number of event publications by channel and status (ok, error, dropped)",
}, []string{"channel", "status"})

var eventsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "booksync_events_handled_total",
	Help: "Number of events handled by the cache invalidation subscriber",
}, []string{"channel", "type"})

var publishDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "booksync_event_publish_duration_seconds",
	Help:    "Time spent on a single publish attempt",
	Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
})
