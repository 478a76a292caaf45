package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"nyyu-pricefeed/internal/config"
	"nyyu-pricefeed/internal/metrics"
	"nyyu-pricefeed/internal/models"

	"github.com/sirupsen/logrus"
)

// ErrHeartbeatTimeout means no inbound traffic arrived within the keepalive window
var ErrHeartbeatTimeout = errors.New("heartbeat timeout")

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Streamer opens upstream streaming sessions
type Streamer interface {
	Dial(ctx context.Context) (Session, error)
}

// Session is one upstream connection. Read returns the ticks decoded from
// the next message; control messages yield an empty slice. Close must be
// safe to call more than once.
type Session interface {
	Subscribe(ctx context.Context, pairs []string) error
	Ping(ctx context.Context) error
	Read(ctx context.Context) ([]models.Tick, error)
	Close() error
}

// Publisher receives every tick first, in arrival order. It reports
// whether the tick was accepted as the newest for its pair.
type Publisher interface {
	Publish(tick models.Tick) bool
}

// TickWriter is the write-through cache
type TickWriter interface {
	Store(ctx context.Context, tick models.Tick) error
}

// Notifier tells follower instances about new ticks
type Notifier interface {
	PublishTick(ctx context.Context, tick models.Tick) error
}

// Limiter throttles subscribe messages
type Limiter interface {
	Wait(ctx context.Context) error
}

// Status is the health view of the feed client
type Status struct {
	State           string       `json:"state"`
	ConnectedAt     *time.Time   `json:"connected_at,omitempty"`
	LastMessageAt   *time.Time   `json:"last_message_at,omitempty"`
	Reconnects      int64        `json:"reconnects"`
	TicksReceived   int64        `json:"ticks_received"`
	TrackedPairs    int          `json:"tracked_pairs"`
	SubscribedPairs int          `json:"subscribed_pairs"`
	Breaker         BreakerStats `json:"breaker"`
}

// Client keeps one upstream session alive while its Run context is live
type Client struct {
	cfg       config.FeedConfig
	streamer  Streamer
	publisher Publisher
	cache     TickWriter
	notifier  Notifier
	limiter   Limiter
	breaker   *CircuitBreaker
	backoff   *Backoff
	logger    *logrus.Logger

	state      atomic.Int32
	reconnects atomic.Int64
	ticks      atomic.Int64

	mu            sync.Mutex
	pairs         map[string]struct{}
	subscribed    map[string]struct{}
	session       Session
	connectedAt   time.Time
	lastMessageAt time.Time
}

func NewClient(
	cfg config.FeedConfig,
	streamer Streamer,
	publisher Publisher,
	cache TickWriter,
	notifier Notifier,
	limiter Limiter,
	logger *logrus.Logger,
) *Client {
	return &Client{
		cfg:        cfg,
		streamer:   streamer,
		publisher:  publisher,
		cache:      cache,
		notifier:   notifier,
		limiter:    limiter,
		breaker:    NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, cfg.BreakerWindow),
		backoff:    NewBackoff(cfg.BackoffBase, cfg.BackoffMax),
		logger:     logger,
		pairs:      make(map[string]struct{}),
		subscribed: make(map[string]struct{}),
	}
}

func (c *Client) Breaker() *CircuitBreaker {
	return c.breaker
}

// Run connects, streams and reconnects until ctx is cancelled. Cancelling
// ctx (leadership loss) closes the session; no attempt starts afterwards.
func (c *Client) Run(ctx context.Context) {
	c.logger.Info("Feed client started")
	defer func() {
		// A half-open trial cut short by leadership loss must not carry
		// into the next term.
		c.breaker.Abort()
		c.setState(StateDisconnected)
		c.logger.Info("Feed client stopped")
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		if !c.breaker.Allow() {
			wait := c.breaker.RetryAfter()
			if wait <= 0 {
				wait = 100 * time.Millisecond
			}
			c.logger.WithField("retry_in", wait).Warn("Circuit open, holding reconnects")
			if !sleepCtx(ctx, wait) {
				return
			}
			continue
		}

		err := c.runSession(ctx)
		if ctx.Err() != nil {
			return
		}

		c.breaker.RecordFailure()
		delay := c.backoff.Next()
		c.logger.WithError(err).WithFields(logrus.Fields{
			"backoff": delay,
			"breaker": c.breaker.State().String(),
		}).Warn("Upstream session ended")

		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

func (c *Client) runSession(ctx context.Context) error {
	c.setState(StateConnecting)
	c.reconnects.Add(1)
	metrics.FeedReconnects.Inc()

	sess, err := c.streamer.Dial(ctx)
	if err != nil {
		metrics.FeedErrors.WithLabelValues("dial").Inc()
		return fmt.Errorf("dial: %w", err)
	}
	defer sess.Close()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Unblock Read as soon as the session context ends
	go func() {
		<-sessCtx.Done()
		sess.Close()
	}()

	// Publish the session and snapshot pairs atomically so AddPairs either
	// lands in this snapshot or sends its own incremental subscribe.
	c.mu.Lock()
	pairs := sortedKeys(c.pairs)
	c.session = sess
	c.subscribed = make(map[string]struct{}, len(pairs))
	now := time.Now()
	c.connectedAt = now
	c.lastMessageAt = now
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.session = nil
		c.subscribed = make(map[string]struct{})
		c.mu.Unlock()
	}()

	if err := c.subscribe(sessCtx, sess, pairs); err != nil {
		metrics.FeedErrors.WithLabelValues("subscribe").Inc()
		return fmt.Errorf("subscribe: %w", err)
	}

	c.setState(StateConnected)
	c.logger.WithField("pairs", len(pairs)).Info("Upstream connected")

	heartbeatErr := make(chan error, 1)
	go c.heartbeat(sessCtx, sess, heartbeatErr)

	healthy := false
	for {
		ticks, err := sess.Read(sessCtx)
		if err != nil {
			select {
			case hbErr := <-heartbeatErr:
				return hbErr
			default:
			}
			metrics.FeedErrors.WithLabelValues("read").Inc()
			return fmt.Errorf("read: %w", err)
		}

		c.touch()

		if !healthy && len(ticks) > 0 {
			healthy = true
			c.breaker.RecordSuccess()
			c.backoff.Reset()
		}

		for _, tick := range ticks {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.forward(ctx, tick)
		}
	}
}

// AddPairs tracks new pairs. Known pairs are ignored; if a session is up
// the new ones are subscribed incrementally without reconnecting.
func (c *Client) AddPairs(pairs []string) {
	c.mu.Lock()
	var fresh []string
	for _, p := range pairs {
		if _, ok := c.pairs[p]; ok {
			continue
		}
		c.pairs[p] = struct{}{}
		fresh = append(fresh, p)
	}
	sess := c.session
	c.mu.Unlock()

	if len(fresh) == 0 || sess == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.subscribe(ctx, sess, fresh); err != nil {
		c.logger.WithError(err).WithField("pairs", fresh).Warn("Incremental subscribe failed, will retry on reconnect")
		return
	}
	c.logger.WithField("pairs", fresh).Info("Subscribed to new pairs")
}

func (c *Client) subscribe(ctx context.Context, sess Session, pairs []string) error {
	c.mu.Lock()
	var todo []string
	for _, p := range pairs {
		if _, ok := c.subscribed[p]; !ok {
			todo = append(todo, p)
		}
	}
	c.mu.Unlock()

	if len(todo) == 0 {
		return nil
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if err := sess.Subscribe(ctx, todo); err != nil {
		return err
	}

	c.mu.Lock()
	if c.session == sess {
		for _, p := range todo {
			c.subscribed[p] = struct{}{}
		}
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) heartbeat(ctx context.Context, sess Session, errCh chan<- error) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	fail := func(err error) {
		c.setState(StateDegraded)
		errCh <- err
		sess.Close()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sess.Ping(ctx); err != nil {
				metrics.FeedErrors.WithLabelValues("ping").Inc()
				fail(fmt.Errorf("ping: %w", err))
				return
			}
			if time.Since(c.lastMessage()) > c.cfg.PingInterval+c.cfg.PongTimeout {
				metrics.FeedErrors.WithLabelValues("ping").Inc()
				fail(ErrHeartbeatTimeout)
				return
			}
		}
	}
}

func (c *Client) forward(ctx context.Context, tick models.Tick) {
	tick.Source = "feed"
	c.ticks.Add(1)
	metrics.TrackTick("feed")

	c.publisher.Publish(tick)

	wctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	if c.cache != nil {
		if err := c.cache.Store(wctx, tick); err != nil {
			c.logger.WithError(err).WithField("pair", tick.Pair).Debug("Write-through failed")
		}
	}
	if c.notifier != nil {
		if err := c.notifier.PublishTick(wctx, tick); err != nil {
			c.logger.WithError(err).WithField("pair", tick.Pair).Debug("Tick notification failed")
		}
	}
}

func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		State:           c.State().String(),
		Reconnects:      c.reconnects.Load(),
		TicksReceived:   c.ticks.Load(),
		TrackedPairs:    len(c.pairs),
		SubscribedPairs: len(c.subscribed),
		Breaker:         c.breaker.Stats(),
	}
	if c.session != nil {
		connectedAt, lastMessageAt := c.connectedAt, c.lastMessageAt
		st.ConnectedAt = &connectedAt
		st.LastMessageAt = &lastMessageAt
	}
	return st
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastMessageAt = time.Now()
	c.mu.Unlock()
}

func (c *Client) lastMessage() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastMessageAt
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
	metrics.FeedState.Set(float64(s))
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
