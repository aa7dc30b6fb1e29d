package metrics

import "time"

// Recorder provides methods for recording metrics.
type Recorder struct{}

// NewRecorder creates a new metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordOrder records an order operation outcome.
func (r *Recorder) RecordOrder(symbol, op, status string) {
	OrdersTotal.WithLabelValues(symbol, op, status).Inc()
}

// RecordOrderLatency records order operation latency for a path.
func (r *Recorder) RecordOrderLatency(path string, d time.Duration) {
	OrderExecSeconds.WithLabelValues(path).Observe(d.Seconds())
}

// RecordFallback records a hot-path failure served by the managed path.
func (r *Recorder) RecordFallback() {
	OrderPathFallbacks.Inc()
}

// RecordRetry records an order retry by error class.
func (r *Recorder) RecordRetry(class string) {
	OrderRetries.WithLabelValues(class).Inc()
}

// RecordCacheHit records a cache hit for a tier.
func (r *Recorder) RecordCacheHit(tier string) {
	CacheHits.WithLabelValues(tier).Inc()
}

// RecordCacheMiss records a cache miss for a tier.
func (r *Recorder) RecordCacheMiss(tier string) {
	CacheMisses.WithLabelValues(tier).Inc()
}

// RecordOriginFetch records a fetch that reached the origin API.
func (r *Recorder) RecordOriginFetch() {
	CacheOriginFetches.Inc()
}

// RecordCorruptEntry records a discarded unreadable durable entry.
func (r *Recorder) RecordCorruptEntry() {
	CacheCorruptEntries.Inc()
}

// RecordStreamState records the streaming connection state.
func (r *Recorder) RecordStreamState(state int) {
	StreamState.Set(float64(state))
}

// RecordStreamReconnect records a reconnect attempt.
func (r *Recorder) RecordStreamReconnect() {
	StreamReconnects.Inc()
}

// RecordStreamEvent records a parsed streaming event.
func (r *Recorder) RecordStreamEvent(kind string) {
	StreamEvents.WithLabelValues(kind).Inc()
}

// RecordBracketPairs records the number of active protective pairs.
func (r *Recorder) RecordBracketPairs(n int) {
	BracketPairsActive.Set(float64(n))
}

// RecordBracketOrder records a protective order submission.
func (r *Recorder) RecordBracketOrder(leg string) {
	BracketOrdersPlaced.WithLabelValues(leg).Inc()
}

// RecordOCOCancel records a sibling leg cancelled by OCO enforcement.
func (r *Recorder) RecordOCOCancel() {
	BracketOCOCancels.Inc()
}

// RecordStrategyActive records whether a strategy is running.
func (r *Recorder) RecordStrategyActive(strategy string, active bool) {
	v := 0.0
	if active {
		v = 1.0
	}
	StrategiesActive.WithLabelValues(strategy).Set(v)
}

// Timer is a helper for measuring latency.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the elapsed duration.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// ObservePath observes the elapsed time as order latency for a path.
func (t *Timer) ObservePath(path string) {
	OrderExecSeconds.WithLabelValues(path).Observe(t.Elapsed().Seconds())
}
