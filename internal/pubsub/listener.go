package pubsub

import (
	"context"
	"encoding/json"
	"time"

	"nyyu-pricefeed/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// Listener receives ticks published by the leader on another instance
type Listener struct {
	client  *redis.Client
	pattern string
	logger  *logrus.Logger
}

func NewListener(client *redis.Client, channel string, logger *logrus.Logger) *Listener {
	return &Listener{
		client:  client,
		pattern: channel + ":*",
		logger:  logger,
	}
}

// Run delivers decoded ticks to handle until ctx is done. Subscription
// errors are retried; messages that fail to decode are skipped.
func (l *Listener) Run(ctx context.Context, handle func(models.Tick)) {
	for {
		if err := l.listen(ctx, handle); err != nil && ctx.Err() == nil {
			l.logger.WithError(err).Warn("Tick listener disconnected, resubscribing")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (l *Listener) listen(ctx context.Context, handle func(models.Tick)) error {
	sub := l.client.PSubscribe(ctx, l.pattern)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	l.logger.WithField("pattern", l.pattern).Info("Subscribed to tick notifications")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var tick models.Tick
			if err := json.Unmarshal([]byte(msg.Payload), &tick); err != nil {
				l.logger.WithError(err).WithField("channel", msg.Channel).Debug("Skipping undecodable tick")
				continue
			}
			handle(tick)
		}
	}
}
