package pubsub

import (
	"context"
	"encoding/json"

	"nyyu-pricefeed/internal/metrics"
	"nyyu-pricefeed/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

type Publisher struct {
	client  *redis.Client
	channel string
	logger  *logrus.Logger
}

// NewPublisher publishes ticks on channel+":"+pair
func NewPublisher(client *redis.Client, channel string, logger *logrus.Logger) *Publisher {
	return &Publisher{
		client:  client,
		channel: channel,
		logger:  logger,
	}
}

// ChannelFor returns the per-pair channel name
func (p *Publisher) ChannelFor(pair string) string {
	return p.channel + ":" + pair
}

// PublishTick notifies followers of a new tick for its pair
func (p *Publisher) PublishTick(ctx context.Context, tick models.Tick) error {
	data, err := json.Marshal(tick)
	if err != nil {
		return err
	}

	if err := p.client.Publish(ctx, p.ChannelFor(tick.Pair), data).Err(); err != nil {
		metrics.PublishFailures.Inc()
		return err
	}
	metrics.PublishSuccess.Inc()
	return nil
}
