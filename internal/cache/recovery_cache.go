package cache

import (
	"context"
	"sync/atomic"
	"time"

	"nyyu-pricefeed/internal/config"
	"nyyu-pricefeed/internal/metrics"
	"nyyu-pricefeed/internal/models"

	"github.com/sirupsen/logrus"
)

// RecoveryStatus summarizes both tiers for health reporting
type RecoveryStatus struct {
	LocalCacheSize         int   `json:"local_cache_size"`
	StoreHealthy           bool  `json:"store_healthy"`
	OldestCachedPriceAgeMs int64 `json:"oldest_cached_price_age_ms"`
}

// RecoveryCache layers the in-process tier over the shared store.
// When the store is unhealthy reads and writes fall back to the local
// tier only; callers see missing data, never errors.
type RecoveryCache struct {
	local  *LocalCache
	store  *TickStore
	cfg    config.CacheConfig
	logger *logrus.Logger

	storeHealthy  atomic.Bool
	probeFailures atomic.Int32
}

func NewRecoveryCache(local *LocalCache, store *TickStore, cfg config.CacheConfig, logger *logrus.Logger) *RecoveryCache {
	c := &RecoveryCache{
		local:  local,
		store:  store,
		cfg:    cfg,
		logger: logger,
	}
	c.storeHealthy.Store(true)
	metrics.SetBool(metrics.StoreHealthy, true)
	return c
}

// Store writes the tick to both tiers. Only the leader's feed and the
// warmer call this; followers use StoreLocal.
func (c *RecoveryCache) Store(ctx context.Context, tick models.Tick) error {
	c.local.Set(tick)

	if !c.StoreHealthy() {
		return nil
	}
	if _, err := c.store.SetTick(ctx, tick); err != nil {
		metrics.StoreWriteFailures.Inc()
		return err
	}
	return nil
}

// StoreLocal records a tick in the in-process tier only
func (c *RecoveryCache) StoreLocal(tick models.Tick) {
	c.local.Set(tick)
}

// Get reads the local tier, then the store, back-filling local on a store hit
func (c *RecoveryCache) Get(ctx context.Context, pair string) (models.Tick, error) {
	if tick, ok := c.local.Get(pair); ok {
		metrics.RecordCacheAccess("local", true)
		return tick, nil
	}
	metrics.RecordCacheAccess("local", false)

	if !c.StoreHealthy() {
		return models.Tick{}, ErrNotFound
	}

	tick, err := c.store.GetTick(ctx, pair)
	if err != nil {
		if err != ErrNotFound {
			c.logger.WithError(err).WithField("pair", pair).Debug("Store read failed")
		}
		metrics.RecordCacheAccess("store", false)
		return models.Tick{}, ErrNotFound
	}

	metrics.RecordCacheAccess("store", true)
	c.local.Set(*tick)
	return *tick, nil
}

// GetMany resolves as many pairs as possible; missing pairs are omitted
func (c *RecoveryCache) GetMany(ctx context.Context, pairs []string) map[string]models.Tick {
	result := make(map[string]models.Tick, len(pairs))
	var missing []string

	for _, pair := range pairs {
		if tick, ok := c.local.Get(pair); ok {
			metrics.RecordCacheAccess("local", true)
			result[pair] = tick
			continue
		}
		metrics.RecordCacheAccess("local", false)
		missing = append(missing, pair)
	}

	if len(missing) == 0 || !c.StoreHealthy() {
		return result
	}

	fetched, err := c.store.GetTicks(ctx, missing)
	if err != nil {
		c.logger.WithError(err).Debug("Store batch read failed")
		return result
	}
	for _, pair := range missing {
		tick, ok := fetched[pair]
		metrics.RecordCacheAccess("store", ok)
		if !ok {
			continue
		}
		c.local.Set(tick)
		result[pair] = tick
	}
	return result
}

func (c *RecoveryCache) StoreHealthy() bool {
	return c.storeHealthy.Load()
}

func (c *RecoveryCache) GetStatus() RecoveryStatus {
	status := RecoveryStatus{
		LocalCacheSize: c.local.Len(),
		StoreHealthy:   c.StoreHealthy(),
	}
	if age, ok := c.local.OldestAge(); ok {
		status.OldestCachedPriceAgeMs = age.Milliseconds()
	}
	return status
}

// Probe pings the store once and updates health. The store is marked
// unhealthy after ProbeFailureThreshold consecutive failures and healthy
// again on the first success.
func (c *RecoveryCache) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.store.Ping(ctx); err != nil {
		failures := c.probeFailures.Add(1)
		if int(failures) >= c.cfg.ProbeFailureThreshold && c.storeHealthy.Swap(false) {
			c.logger.WithError(err).WithField("failures", failures).Warn("Shared store unhealthy, serving from local cache only")
			metrics.SetBool(metrics.StoreHealthy, false)
		}
		return c.StoreHealthy()
	}

	c.probeFailures.Store(0)
	if !c.storeHealthy.Swap(true) {
		c.logger.Info("Shared store healthy again")
		metrics.SetBool(metrics.StoreHealthy, true)
	}
	return true
}

// StartHealthProbe probes the store and sweeps the local tier until ctx ends
func (c *RecoveryCache) StartHealthProbe(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Probe(ctx)
			c.local.Sweep()
		}
	}
}
