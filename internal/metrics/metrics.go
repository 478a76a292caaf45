package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	// Tick ingestion metrics
	TicksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nyyu_pricefeed_ticks_received_total",
			Help: "Total ticks accepted by source",
		},
		[]string{"source"}, // feed, warmer, pubsub
	)

	TicksDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nyyu_pricefeed_ticks_dropped_total",
			Help: "Ticks dropped before delivery",
		},
		[]string{"reason"}, // stale, slow_subscriber
	)

	// Feed client metrics
	FeedState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nyyu_pricefeed_feed_state",
			Help: "Feed client state (0=disconnected, 1=connecting, 2=connected, 3=degraded)",
		},
	)

	FeedReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nyyu_pricefeed_feed_reconnects_total",
			Help: "Total upstream connection attempts",
		},
	)

	FeedErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nyyu_pricefeed_feed_errors_total",
			Help: "Total upstream errors",
		},
		[]string{"error_type"}, // dial, subscribe, read, ping
	)

	BreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nyyu_pricefeed_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	IsLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nyyu_pricefeed_is_leader",
			Help: "1 when this instance holds the leadership lease",
		},
	)

	// Subscription metrics
	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nyyu_pricefeed_active_subscriptions",
			Help: "Number of active broadcaster subscriptions",
		},
	)

	StreamConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nyyu_pricefeed_stream_connections",
			Help: "Number of open streaming connections",
		},
		[]string{"transport"}, // sse, grpc
	)

	RejectedConnections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nyyu_pricefeed_rejected_connections_total",
			Help: "Streaming connections rejected",
		},
		[]string{"transport", "reason"}, // invalid, capacity
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nyyu_pricefeed_cache_hits_total",
			Help: "Total cache hits by tier",
		},
		[]string{"tier"}, // local, store
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nyyu_pricefeed_cache_misses_total",
			Help: "Total cache misses by tier",
		},
		[]string{"tier"},
	)

	CacheHitRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nyyu_pricefeed_cache_hit_ratio",
			Help: "Cache hit ratio by tier (0-1)",
		},
		[]string{"tier"},
	)

	StoreHealthy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nyyu_pricefeed_store_healthy",
			Help: "1 when the shared store answers health probes",
		},
	)

	StoreWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nyyu_pricefeed_store_write_failures_total",
			Help: "Failed writes to the shared store",
		},
	)

	// Warmer metrics
	WarmerCycles = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nyyu_pricefeed_warmer_cycles_total",
			Help: "Completed warmer cycles",
		},
	)

	WarmerFetchErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nyyu_pricefeed_warmer_fetch_errors_total",
			Help: "Failed warmer fetches",
		},
	)

	WarmerFetchLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nyyu_pricefeed_warmer_fetch_latency_ms",
			Help:    "Warmer fetch latency in milliseconds",
			Buckets: []float64{5, 10, 50, 100, 250, 500, 1000, 3000},
		},
	)

	// Publishing metrics
	PublishSuccess = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nyyu_pricefeed_publish_success_total",
			Help: "Total successful Redis publishes",
		},
	)

	PublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nyyu_pricefeed_publish_failures_total",
			Help: "Total failed Redis publishes",
		},
	)
)

// RateTracker turns a counter into a per-second rate. The rate is
// resampled at most once per second; readers in between see the last
// sample, so concurrent health polls do not skew it.
type RateTracker struct {
	count int64

	mu         sync.Mutex
	lastCount  int64
	lastSample time.Time
	rate       float64
	now        func() time.Time
}

func NewRateTracker() *RateTracker {
	return &RateTracker{lastSample: time.Now(), now: time.Now}
}

func (rt *RateTracker) Increment() {
	atomic.AddInt64(&rt.count, 1)
}

func (rt *RateTracker) GetRate() float64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := rt.now()
	elapsed := now.Sub(rt.lastSample).Seconds()
	if elapsed < 1.0 {
		return rt.rate
	}

	current := atomic.LoadInt64(&rt.count)
	rt.rate = float64(current-rt.lastCount) / elapsed
	rt.lastCount = current
	rt.lastSample = now
	return rt.rate
}

var ticksTracker = NewRateTracker()

// TrackTick counts a tick from source (feed, pubsub, warmer)
func TrackTick(source string) {
	TicksReceived.WithLabelValues(source).Inc()
	ticksTracker.Increment()
}

// GetTicksPerSecond is the tick intake rate across all sources
func GetTicksPerSecond() float64 {
	return ticksTracker.GetRate()
}

// RecordCacheAccess records a cache hit or miss
func RecordCacheAccess(tier string, hit bool) {
	if hit {
		CacheHits.WithLabelValues(tier).Inc()
	} else {
		CacheMisses.WithLabelValues(tier).Inc()
	}
	updateCacheHitRatio(tier)
}

func updateCacheHitRatio(tier string) {
	hits, _ := CacheHits.GetMetricWithLabelValues(tier)
	misses, _ := CacheMisses.GetMetricWithLabelValues(tier)
	if hits == nil || misses == nil {
		return
	}

	hitsMetric := &dto.Metric{}
	missesMetric := &dto.Metric{}
	if hits.Write(hitsMetric) != nil || misses.Write(missesMetric) != nil {
		return
	}

	total := hitsMetric.Counter.GetValue() + missesMetric.Counter.GetValue()
	if total > 0 {
		CacheHitRatio.WithLabelValues(tier).Set(hitsMetric.Counter.GetValue() / total)
	}
}

// SetBool sets a gauge to 1 or 0
func SetBool(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
		return
	}
	g.Set(0)
}

// TrackLatency is a helper to measure and record latency
func TrackLatency(start time.Time, histogram prometheus.Observer) {
	histogram.Observe(float64(time.Since(start).Milliseconds()))
}
