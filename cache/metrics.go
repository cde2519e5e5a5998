package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Hits tracks cache hits by strategy ("cache-first").
	Hits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellcache_hits_total",
			Help: "Total number of requests served from the cache",
		},
		[]string{"strategy"},
	)

	// Misses tracks cache misses.
	Misses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shellcache_misses_total",
			Help: "Total number of cacheable requests not found in the cache",
		},
	)

	// StoreErrors tracks storage failures by operation.
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellcache_store_errors_total",
			Help: "Total number of cache storage errors",
		},
		[]string{"operation"}, // "open", "match", "put"
	)
)
