package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"nyyu-pricefeed/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned when no tier holds a tick for the pair
var ErrNotFound = errors.New("tick not found")

// setIfNewer writes the tick only when it is not older than the stored one.
// KEYS[1] = tick key, ARGV[1] = ts millis, ARGV[2] = payload, ARGV[3] = ttl millis
var setIfNewer = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'ts')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'ts', ARGV[1], 'data', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// TickStore is the cross-instance tier, one Redis hash per pair
type TickStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *logrus.Logger
}

func NewTickStore(client *redis.Client, prefix string, ttl time.Duration, logger *logrus.Logger) *TickStore {
	return &TickStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger,
	}
}

func (s *TickStore) key(pair string) string {
	return s.prefix + ":tick:" + pair
}

// SetTick stores the tick unless a newer one is already present.
// It reports whether the write was applied.
func (s *TickStore) SetTick(ctx context.Context, tick models.Tick) (bool, error) {
	data, err := json.Marshal(tick)
	if err != nil {
		return false, err
	}

	res, err := setIfNewer.Run(ctx, s.client,
		[]string{s.key(tick.Pair)},
		tick.Timestamp.UnixMilli(), data, s.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("store tick %s: %w", tick.Pair, err)
	}
	return res == 1, nil
}

// GetTick retrieves a tick, returning ErrNotFound on a miss
func (s *TickStore) GetTick(ctx context.Context, pair string) (*models.Tick, error) {
	data, err := s.client.HGet(ctx, s.key(pair), "data").Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var tick models.Tick
	if err := json.Unmarshal([]byte(data), &tick); err != nil {
		return nil, err
	}
	return &tick, nil
}

// GetTicks fetches many pairs in one pipeline. Missing pairs are absent
// from the result.
func (s *TickStore) GetTicks(ctx context.Context, pairs []string) (map[string]models.Tick, error) {
	result := make(map[string]models.Tick, len(pairs))
	if len(pairs) == 0 {
		return result, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(pairs))
	for i, pair := range pairs {
		cmds[i] = pipe.HGet(ctx, s.key(pair), "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	for i, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil {
			continue
		}
		var tick models.Tick
		if err := json.Unmarshal([]byte(data), &tick); err != nil {
			s.logger.WithError(err).WithField("pair", pairs[i]).Warn("Discarding undecodable cached tick")
			continue
		}
		result[pairs[i]] = tick
	}
	return result, nil
}

// Ping checks store reachability
func (s *TickStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
