package warmer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"nyyu-pricefeed/internal/cache"
	"nyyu-pricefeed/internal/config"
	"nyyu-pricefeed/internal/metrics"
	"nyyu-pricefeed/internal/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Fetcher pulls the current tick for a pair from the exchange REST API
type Fetcher interface {
	FetchTick(ctx context.Context, pair string) (models.Tick, error)
}

// Cache is the two-tier cache the warmer writes into
type Cache interface {
	Store(ctx context.Context, tick models.Tick) error
	GetMany(ctx context.Context, pairs []string) map[string]models.Tick
	GetStatus() cache.RecoveryStatus
}

// Sink is the broadcaster: it supplies the requested pairs and receives
// every fetched tick.
type Sink interface {
	Pairs() []string
	Publish(tick models.Tick) bool
}

type Stats struct {
	Active              bool       `json:"active"`
	Cycles              int64      `json:"cycles"`
	LastCycleAt         *time.Time `json:"last_cycle_at,omitempty"`
	LastCycleDurationMs int64      `json:"last_cycle_duration_ms"`
	Fetched             int64      `json:"fetched"`
	Failed              int64      `json:"failed"`
	InFlight            int64      `json:"in_flight"`
}

type CacheHealth struct {
	cache.RecoveryStatus
	StalePairs []string `json:"stale_pairs"`
}

// Warmer periodically pull-fetches every requested pair so that caches
// converge even when no live feed is connected on this instance.
type Warmer struct {
	cfg            config.WarmerConfig
	staleThreshold time.Duration
	fetcher        Fetcher
	cache          Cache
	sink           Sink
	logger         *logrus.Logger

	group singleflight.Group
	once  sync.Once

	active   atomic.Bool
	cycles   atomic.Int64
	fetched  atomic.Int64
	failed   atomic.Int64
	inFlight atomic.Int64

	mu            sync.Mutex
	ctx           context.Context
	lastCycleAt   time.Time
	lastCycleTook time.Duration
}

func New(cfg config.WarmerConfig, staleThreshold time.Duration, fetcher Fetcher, c Cache, sink Sink, logger *logrus.Logger) *Warmer {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Warmer{
		cfg:            cfg,
		staleThreshold: staleThreshold,
		fetcher:        fetcher,
		cache:          c,
		sink:           sink,
		logger:         logger,
	}
}

// Initialize starts the warm loop. Later calls are no-ops.
func (w *Warmer) Initialize(ctx context.Context) {
	w.once.Do(func() {
		w.mu.Lock()
		w.ctx = ctx
		w.mu.Unlock()

		w.active.Store(true)
		w.logger.WithFields(logrus.Fields{
			"interval":    w.cfg.Interval,
			"concurrency": w.cfg.Concurrency,
		}).Info("Cache warmer started")
		go w.loop(ctx)
	})
}

func (w *Warmer) IsActive() bool {
	return w.active.Load()
}

func (w *Warmer) loop(ctx context.Context) {
	defer func() {
		w.active.Store(false)
		w.logger.Info("Cache warmer stopped")
	}()

	w.RunCycle(ctx)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunCycle(ctx)
		}
	}
}

// RunCycle fetches every tracked pair once and waits for the results
func (w *Warmer) RunCycle(ctx context.Context) {
	start := time.Now()
	pairs := w.sink.Pairs()

	w.warm(ctx, pairs)

	took := time.Since(start)
	w.cycles.Add(1)
	metrics.WarmerCycles.Inc()

	w.mu.Lock()
	w.lastCycleAt = start
	w.lastCycleTook = took
	w.mu.Unlock()

	w.logger.WithFields(logrus.Fields{
		"pairs":    len(pairs),
		"duration": took,
	}).Debug("Warm cycle complete")
}

// RequestWarm fetches pairs immediately in the background. Pairs already
// being fetched share the in-flight request.
func (w *Warmer) RequestWarm(pairs []string) {
	w.mu.Lock()
	ctx := w.ctx
	w.mu.Unlock()
	if ctx == nil || len(pairs) == 0 {
		return
	}
	go w.warm(ctx, pairs)
}

func (w *Warmer) warm(ctx context.Context, pairs []string) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)

	for _, pair := range pairs {
		pair := pair
		g.Go(func() error {
			w.fetchOne(gctx, pair)
			return nil
		})
	}
	_ = g.Wait()
}

func (w *Warmer) fetchOne(ctx context.Context, pair string) {
	_, err, _ := w.group.Do(pair, func() (interface{}, error) {
		w.inFlight.Add(1)
		defer w.inFlight.Add(-1)

		fctx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
		defer cancel()

		start := time.Now()
		tick, err := w.fetcher.FetchTick(fctx, pair)
		metrics.TrackLatency(start, metrics.WarmerFetchLatency)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", pair, err)
		}

		tick.Source = "warmer"
		metrics.TrackTick("warmer")
		if err := w.cache.Store(ctx, tick); err != nil {
			w.logger.WithError(err).WithField("pair", pair).Debug("Warmer cache write failed")
		}
		w.sink.Publish(tick)
		return nil, nil
	})

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.failed.Add(1)
		metrics.WarmerFetchErrors.Inc()
		w.logger.WithError(err).WithField("pair", pair).Warn("Warm fetch failed")
		return
	}
	w.fetched.Add(1)
}

func (w *Warmer) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	st := Stats{
		Active:              w.IsActive(),
		Cycles:              w.cycles.Load(),
		LastCycleDurationMs: w.lastCycleTook.Milliseconds(),
		Fetched:             w.fetched.Load(),
		Failed:              w.failed.Load(),
		InFlight:            w.inFlight.Load(),
	}
	if !w.lastCycleAt.IsZero() {
		at := w.lastCycleAt
		st.LastCycleAt = &at
	}
	return st
}

// GetCacheHealth reports the cache status plus every tracked pair that is
// missing or older than the staleness threshold.
func (w *Warmer) GetCacheHealth(ctx context.Context) CacheHealth {
	pairs := w.sink.Pairs()
	ticks := w.cache.GetMany(ctx, pairs)
	now := time.Now()

	stale := make([]string, 0)
	for _, pair := range pairs {
		tick, ok := ticks[pair]
		if !ok || tick.Age(now) > w.staleThreshold {
			stale = append(stale, pair)
		}
	}
	sort.Strings(stale)

	return CacheHealth{
		RecoveryStatus: w.cache.GetStatus(),
		StalePairs:     stale,
	}
}
