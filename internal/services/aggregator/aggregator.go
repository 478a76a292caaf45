package aggregator

import (
	"context"
	"time"

	"nyyu-pricefeed/internal/config"
	"nyyu-pricefeed/internal/models"

	"github.com/sirupsen/logrus"
)

// Reader resolves ticks from the cache tiers
type Reader interface {
	GetMany(ctx context.Context, pairs []string) map[string]models.Tick
}

// Registrar records interest in pairs so the feed and warmer pick them up
type Registrar interface {
	Initialize(pairs []string)
}

// MarketData is a cached tick annotated with its age
type MarketData struct {
	models.Tick
	AgeMs int64 `json:"age_ms"`
	Stale bool  `json:"stale"`
}

// Aggregator serves the read path. It only reads caches and never calls
// the exchange.
type Aggregator struct {
	cache     config.CacheConfig
	reader    Reader
	registrar Registrar
	logger    *logrus.Logger
	now       func() time.Time
}

func New(cfg config.CacheConfig, reader Reader, registrar Registrar, logger *logrus.Logger) *Aggregator {
	return &Aggregator{
		cache:     cfg,
		reader:    reader,
		registrar: registrar,
		logger:    logger,
		now:       time.Now,
	}
}

// GetMarketData returns whatever the caches hold for pairs. The result may
// be partial or empty; entries older than the store TTL are left out.
func (a *Aggregator) GetMarketData(ctx context.Context, pairs []string) (map[string]MarketData, error) {
	pairs, err := models.NormalizePairs(pairs)
	if err != nil {
		return nil, err
	}

	if a.registrar != nil {
		a.registrar.Initialize(pairs)
	}

	ticks := a.reader.GetMany(ctx, pairs)
	now := a.now()

	result := make(map[string]MarketData, len(ticks))
	for pair, tick := range ticks {
		age := tick.Age(now)
		if a.cache.StoreTTL > 0 && age > a.cache.StoreTTL {
			a.logger.WithFields(logrus.Fields{
				"pair":   pair,
				"age_ms": age.Milliseconds(),
			}).Debug("Dropping expired cache entry")
			continue
		}
		if age < 0 {
			age = 0
		}
		result[pair] = MarketData{
			Tick:  tick,
			AgeMs: age.Milliseconds(),
			Stale: age > a.cache.StaleThreshold,
		}
	}
	return result, nil
}

// Missing returns the requested pairs absent from data, in request order
func Missing(pairs []string, data map[string]MarketData) []string {
	missing := make([]string, 0)
	for _, p := range pairs {
		if _, ok := data[p]; !ok {
			missing = append(missing, p)
		}
	}
	return missing
}
