package election

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"nyyu-pricefeed/internal/config"
	"nyyu-pricefeed/internal/metrics"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// acquireOrRenew takes the lease when free or extends it when we already
// own it. Returns 1 on acquire, 2 on renew, 0 when held by someone else.
// KEYS[1] = lease key, KEYS[2] = info key
// ARGV[1] = instance id, ARGV[2] = ttl millis, ARGV[3] = info JSON
var acquireOrRenew = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
local res = 0
if not cur then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	res = 1
elseif cur == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	res = 2
else
	return 0
end
redis.call('SET', KEYS[2], ARGV[3], 'PX', ARGV[2])
return res
`)

// release deletes the lease only if we still own it
var release = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('DEL', KEYS[1], KEYS[2])
	return 1
end
return 0
`)

// Lease is the outcome of one acquisition attempt
type Lease struct {
	IsLeader  bool      `json:"is_leader"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// LeaderInfo describes the current lease holder
type LeaderInfo struct {
	InstanceID string    `json:"instance_id"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Elector runs lease-based leader election against Redis
type Elector struct {
	client        *redis.Client
	key           string
	infoKey       string
	instanceID    string
	hostname      string
	ttl           time.Duration
	renewInterval time.Duration
	logger        *logrus.Logger

	isLeader   atomic.Bool
	mu         sync.Mutex
	acquiredAt time.Time
}

func NewElector(client *redis.Client, cfg config.ElectionConfig, instanceID string, logger *logrus.Logger) *Elector {
	hostname, _ := os.Hostname()
	return &Elector{
		client:        client,
		key:           cfg.Key,
		infoKey:       cfg.Key + ":info",
		instanceID:    instanceID,
		hostname:      hostname,
		ttl:           cfg.LeaseTTL,
		renewInterval: cfg.RenewInterval,
		logger:        logger,
	}
}

// IsLeader reports the outcome of the most recent acquisition attempt
func (e *Elector) IsLeader() bool {
	return e.isLeader.Load()
}

// TryAcquireOrRenew makes one atomic acquire-or-renew attempt. Any store
// error leaves this instance a follower.
func (e *Elector) TryAcquireOrRenew(ctx context.Context) (Lease, error) {
	now := time.Now()
	expiresAt := now.Add(e.ttl)

	e.mu.Lock()
	acquiredAt := e.acquiredAt
	if !e.isLeader.Load() || acquiredAt.IsZero() {
		acquiredAt = now
	}
	e.mu.Unlock()

	info, err := json.Marshal(LeaderInfo{
		InstanceID: e.instanceID,
		Hostname:   e.hostname,
		AcquiredAt: acquiredAt,
		ExpiresAt:  expiresAt,
	})
	if err != nil {
		return Lease{}, err
	}

	res, err := acquireOrRenew.Run(ctx, e.client,
		[]string{e.key, e.infoKey},
		e.instanceID, e.ttl.Milliseconds(), info,
	).Int()
	if err != nil {
		e.setLeader(false, time.Time{})
		return Lease{}, err
	}

	if res == 0 {
		e.setLeader(false, time.Time{})
		return Lease{IsLeader: false}, nil
	}

	e.setLeader(true, acquiredAt)
	return Lease{IsLeader: true, ExpiresAt: expiresAt}, nil
}

// GetLeaderInfo returns the current holder or nil when the lease is free
func (e *Elector) GetLeaderInfo(ctx context.Context) (*LeaderInfo, error) {
	data, err := e.client.Get(ctx, e.infoKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var info LeaderInfo
	if err := json.Unmarshal([]byte(data), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Release gives up the lease if this instance owns it
func (e *Elector) Release(ctx context.Context) error {
	e.setLeader(false, time.Time{})
	return release.Run(ctx, e.client, []string{e.key, e.infoKey}, e.instanceID).Err()
}

// Run keeps trying to acquire or renew every renew interval. While leader,
// onElected runs with a context that is cancelled on demotion; Run waits
// for onElected to return before the next attempt so the leader-only work
// never outlives the lease.
func (e *Elector) Run(ctx context.Context, onElected func(leaderCtx context.Context)) {
	var (
		cancelLeader context.CancelFunc
		leaderDone   chan struct{}
	)

	demote := func(reason string) {
		if cancelLeader == nil {
			return
		}
		cancelLeader()
		<-leaderDone
		cancelLeader, leaderDone = nil, nil
		e.logger.WithFields(logrus.Fields{
			"instance_id": e.instanceID,
			"reason":      reason,
		}).Warn("Leadership lost, leader tasks stopped")
	}

	ticker := time.NewTicker(e.renewInterval)
	defer ticker.Stop()

	for {
		attemptCtx, cancel := context.WithTimeout(ctx, e.renewInterval)
		lease, err := e.TryAcquireOrRenew(attemptCtx)
		cancel()

		switch {
		case err != nil:
			if ctx.Err() == nil {
				e.logger.WithError(err).Warn("Lease acquire/renew failed, acting as follower")
			}
			demote("store error")
		case lease.IsLeader && cancelLeader == nil:
			e.logger.WithFields(logrus.Fields{
				"instance_id": e.instanceID,
				"expires_at":  lease.ExpiresAt,
			}).Info("Leadership acquired")

			leaderCtx, cancelFn := context.WithCancel(ctx)
			done := make(chan struct{})
			cancelLeader, leaderDone = cancelFn, done
			go func() {
				defer close(done)
				onElected(leaderCtx)
			}()
		case !lease.IsLeader:
			demote("lease held by another instance")
		}

		select {
		case <-ctx.Done():
			demote("shutdown")
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := e.Release(releaseCtx); err != nil {
				e.logger.WithError(err).Debug("Lease release failed")
			}
			cancel()
			return
		case <-ticker.C:
		}
	}
}

func (e *Elector) setLeader(leader bool, acquiredAt time.Time) {
	e.mu.Lock()
	e.acquiredAt = acquiredAt
	e.mu.Unlock()
	e.isLeader.Store(leader)
	metrics.SetBool(metrics.IsLeader, leader)
}
