// Package metrics provides Prometheus metrics for the trading core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Order execution metrics.
var (
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apexbot_orders_total",
		Help: "Order operations by symbol, operation and outcome",
	}, []string{"symbol", "op", "status"})

	OrderExecSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "apexbot_order_exec_seconds",
		Help:    "Wall-clock order operation latency by execution path",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"path"})

	OrderPathFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "apexbot_order_path_fallbacks_total",
		Help: "Hot-path failures transparently retried on the managed path",
	})

	OrderRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apexbot_order_retries_total",
		Help: "Order submission retries by error class",
	}, []string{"class"})
)

// Historical data cache metrics.
var (
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apexbot_cache_hits_total",
		Help: "Cache hits by tier (memory, durable)",
	}, []string{"tier"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apexbot_cache_misses_total",
		Help: "Cache misses by tier (memory, durable)",
	}, []string{"tier"})

	CacheOriginFetches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "apexbot_cache_origin_fetches_total",
		Help: "Bar fetches that reached the origin API",
	})

	CacheCorruptEntries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "apexbot_cache_corrupt_entries_total",
		Help: "Durable-tier entries discarded as unreadable",
	})
)

// Streaming connection metrics.
var (
	StreamState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "apexbot_stream_state",
		Help: "Streaming connection state (0=disconnected 1=connecting 2=connected 3=backoff 4=failed)",
	})

	StreamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "apexbot_stream_reconnects_total",
		Help: "Reconnect attempts against the market hub",
	})

	StreamEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apexbot_stream_events_total",
		Help: "Parsed streaming events by kind",
	}, []string{"kind"})
)

// Bracket reconciler metrics.
var (
	BracketPairsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "apexbot_bracket_pairs_active",
		Help: "Positions currently linked to a protective stop/target pair",
	})

	BracketOrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apexbot_bracket_orders_placed_total",
		Help: "Protective orders submitted by the reconciler, by leg",
	}, []string{"leg"})

	BracketOCOCancels = promauto.NewCounter(prometheus.CounterOpts{
		Name: "apexbot_bracket_oco_cancels_total",
		Help: "Sibling legs cancelled by one-cancels-other enforcement",
	})
)

// Strategy lifecycle metrics.
var (
	StrategiesActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "apexbot_strategy_active",
		Help: "Whether a strategy is currently running (1) or not (0)",
	}, []string{"strategy"})
)
