package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "booksync_cache_requests_total",
	Help: "Number of cache lookups by result (hit, miss, error)",
}, []string{"result"})

var cacheInvalidations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "booksync_cache_invalidated_keys_total",
	Help: "Number of cache keys removed by pattern invalidation",
}, []string{"family"})

var responseCache = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "booksync_response_cache_total",
	Help: "Request-shaped cache lookups by operation and result",
}, []string{"operation", "result"})
