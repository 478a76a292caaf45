package gateway

import (
	"context"
	"time"

	"nyyu-pricefeed/internal/exchange"
	"nyyu-pricefeed/internal/metrics"
	"nyyu-pricefeed/internal/services/broadcaster"
	"nyyu-pricefeed/internal/services/election"
	"nyyu-pricefeed/internal/services/feed"
	"nyyu-pricefeed/internal/services/warmer"

	"github.com/sirupsen/logrus"
)

type Leadership interface {
	IsLeader() bool
	GetLeaderInfo(ctx context.Context) (*election.LeaderInfo, error)
}

type FeedStatus interface {
	Status() feed.Status
}

type BroadcasterStatus interface {
	GetStatus() broadcaster.Status
}

type WarmerStatus interface {
	GetStats() warmer.Stats
	GetCacheHealth(ctx context.Context) warmer.CacheHealth
}

type LimiterStatus interface {
	GetStats() exchange.LimiterStats
}

type ConnectionStats struct {
	Active int64 `json:"active"`
	Max    int64 `json:"max"`
}

// HealthReport is the read-only status document served on /health
type HealthReport struct {
	Healthy       bool                 `json:"healthy"`
	Version       string               `json:"version"`
	UptimeSeconds int64                `json:"uptime_seconds"`
	InstanceID    string               `json:"instance_id"`
	IsLeader      bool                 `json:"is_leader"`
	Leader        *election.LeaderInfo `json:"leader"`
	Feed          *feed.Status         `json:"feed"`
	Breaker       feed.BreakerStats    `json:"breaker"`
	Broadcaster   broadcaster.Status   `json:"broadcaster"`
	Recovery      warmer.CacheHealth   `json:"recovery"`
	Warmer        warmer.Stats         `json:"warmer"`
	Connections   ConnectionStats      `json:"connections"`

	TicksPerSecond float64                 `json:"ticks_per_second"`
	RateLimiters   []exchange.LimiterStats `json:"rate_limiters,omitempty"`
}

// Health assembles a HealthReport from the running components
type Health struct {
	Version     string
	InstanceID  string
	StartedAt   time.Time
	Leadership  Leadership
	Feed        FeedStatus
	Broadcaster BroadcasterStatus
	Warmer      WarmerStatus
	Limiter     *ConnectionLimiter
	Upstream    []LimiterStatus
	Logger      *logrus.Logger
}

func (h *Health) Report(ctx context.Context) HealthReport {
	report := HealthReport{
		Healthy:       true,
		Version:       h.Version,
		UptimeSeconds: int64(time.Since(h.StartedAt).Seconds()),
		InstanceID:    h.InstanceID,

		TicksPerSecond: metrics.GetTicksPerSecond(),
	}

	if h.Leadership != nil {
		report.IsLeader = h.Leadership.IsLeader()
		info, err := h.Leadership.GetLeaderInfo(ctx)
		if err != nil {
			h.Logger.WithError(err).Debug("Leader lookup failed")
		}
		report.Leader = info
	}

	if h.Feed != nil {
		st := h.Feed.Status()
		report.Breaker = st.Breaker
		if report.IsLeader {
			report.Feed = &st
		}
	}

	if h.Broadcaster != nil {
		report.Broadcaster = h.Broadcaster.GetStatus()
	}
	if h.Warmer != nil {
		report.Warmer = h.Warmer.GetStats()
		report.Recovery = h.Warmer.GetCacheHealth(ctx)
	}
	if h.Limiter != nil {
		report.Connections = ConnectionStats{Active: h.Limiter.Active(), Max: h.Limiter.Max()}
	}
	for _, l := range h.Upstream {
		report.RateLimiters = append(report.RateLimiters, l.GetStats())
	}
	return report
}
