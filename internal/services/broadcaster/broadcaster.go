package broadcaster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"nyyu-pricefeed/internal/cache"
	"nyyu-pricefeed/internal/metrics"
	"nyyu-pricefeed/internal/models"

	"github.com/sirupsen/logrus"
)

// RoleProvider reports whether this instance currently leads
type RoleProvider interface {
	IsLeader() bool
}

// Recovery is the cache the broadcaster falls back to for lookups
type Recovery interface {
	Get(ctx context.Context, pair string) (models.Tick, error)
	StoreLocal(tick models.Tick)
	GetStatus() cache.RecoveryStatus
}

// PairListener is told about pairs the first time they are registered
type PairListener func(pairs []string)

// Status is the read-only view exposed on the health endpoint
type Status struct {
	Initialized         bool                 `json:"initialized"`
	Role                string               `json:"role"`
	ActiveSubscriptions int64                `json:"active_subscriptions"`
	SubscribedPairs     []string             `json:"subscribed_pairs"`
	DroppedDeliveries   int64                `json:"dropped_deliveries"`
	RecoveryStatus      cache.RecoveryStatus `json:"recovery_status"`
}

type subscriber struct {
	id       uint64
	pair     string
	ch       chan models.Tick
	done     chan struct{}
	onUpdate func(models.Tick)
}

type pairState struct {
	mu      sync.Mutex
	tracked bool
	latest  *models.Tick
	subs    map[uint64]*subscriber
}

// Broadcaster fans ticks out to in-process subscribers. Each subscriber
// has its own buffered queue and delivery goroutine, so a slow or
// panicking callback only affects itself.
type Broadcaster struct {
	mu        sync.RWMutex
	pairs     map[string]*pairState
	listeners []PairListener

	initialized atomic.Bool
	nextID      atomic.Uint64
	activeSubs  atomic.Int64
	dropped     atomic.Int64

	bufferSize int
	role       RoleProvider
	recovery   Recovery
	logger     *logrus.Logger
}

func New(bufferSize int, role RoleProvider, recovery Recovery, logger *logrus.Logger) *Broadcaster {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Broadcaster{
		pairs:      make(map[string]*pairState),
		bufferSize: bufferSize,
		role:       role,
		recovery:   recovery,
		logger:     logger,
	}
}

// AddPairListener registers a callback for newly tracked pairs
func (b *Broadcaster) AddPairListener(l PairListener) {
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()
}

// Initialize ensures state exists for every pair. Safe to call repeatedly
// with overlapping sets; pairs are never removed.
func (b *Broadcaster) Initialize(pairs []string) {
	b.mu.Lock()
	var fresh []string
	for _, pair := range pairs {
		ps, ok := b.pairs[pair]
		if !ok {
			ps = newPairState()
			b.pairs[pair] = ps
		}
		ps.mu.Lock()
		if !ps.tracked {
			ps.tracked = true
			fresh = append(fresh, pair)
		}
		ps.mu.Unlock()
	}
	listeners := append([]PairListener(nil), b.listeners...)
	b.mu.Unlock()

	if b.initialized.CompareAndSwap(false, true) {
		b.logger.Info("Price broadcaster initialized")
	}
	if len(fresh) == 0 {
		return
	}

	b.logger.WithField("pairs", fresh).Info("Tracking new pairs")
	for _, l := range listeners {
		go l(fresh)
	}
}

// Subscribe registers onUpdate for pair and returns an idempotent
// unsubscribe function.
func (b *Broadcaster) Subscribe(pair string, onUpdate func(models.Tick)) func() {
	b.Initialize([]string{pair})

	sub := &subscriber{
		id:       b.nextID.Add(1),
		pair:     pair,
		ch:       make(chan models.Tick, b.bufferSize),
		done:     make(chan struct{}),
		onUpdate: onUpdate,
	}

	ps := b.state(pair)
	ps.mu.Lock()
	ps.subs[sub.id] = sub
	ps.mu.Unlock()

	metrics.ActiveSubscriptions.Set(float64(b.activeSubs.Add(1)))
	go b.run(sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			ps.mu.Lock()
			delete(ps.subs, sub.id)
			ps.mu.Unlock()
			close(sub.done)
			metrics.ActiveSubscriptions.Set(float64(b.activeSubs.Add(-1)))
		})
	}
}

// Publish records tick as the latest for its pair and queues it for every
// subscriber. Ticks older than the current latest, or exact duplicates,
// are dropped. Never blocks on subscribers.
func (b *Broadcaster) Publish(tick models.Tick) bool {
	ps := b.state(tick.Pair)

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if cur := ps.latest; cur != nil {
		if cur.NewerThan(tick) || (cur.Timestamp.Equal(tick.Timestamp) && cur.Price.Equal(tick.Price)) {
			metrics.TicksDropped.WithLabelValues("stale").Inc()
			return false
		}
	}
	latest := tick
	ps.latest = &latest

	for _, sub := range ps.subs {
		select {
		case sub.ch <- tick:
		default:
			b.dropped.Add(1)
			metrics.TicksDropped.WithLabelValues("slow_subscriber").Inc()
			b.logger.WithFields(logrus.Fields{
				"pair":          tick.Pair,
				"subscriber_id": sub.id,
			}).Warn("Subscriber queue full, dropping tick")
		}
	}
	return true
}

// IngestRemote accepts a tick from another instance. The leader already
// has the tick from its own feed, so it ignores these.
func (b *Broadcaster) IngestRemote(tick models.Tick) {
	if b.role != nil && b.role.IsLeader() {
		return
	}
	metrics.TrackTick("pubsub")
	if b.recovery != nil {
		b.recovery.StoreLocal(tick)
	}
	b.Publish(tick)
}

// GetCachedPrice returns the latest known tick, falling back to the
// recovery cache. Returns nil when nothing is cached.
func (b *Broadcaster) GetCachedPrice(ctx context.Context, pair string) (*models.Tick, error) {
	b.mu.RLock()
	ps, ok := b.pairs[pair]
	b.mu.RUnlock()

	if ok {
		ps.mu.Lock()
		latest := ps.latest
		ps.mu.Unlock()
		if latest != nil {
			tick := *latest
			return &tick, nil
		}
	}

	if b.recovery == nil {
		return nil, nil
	}
	tick, err := b.recovery.Get(ctx, pair)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("recovery lookup %s: %w", pair, err)
	}
	return &tick, nil
}

// Pairs returns every tracked pair, sorted
func (b *Broadcaster) Pairs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	pairs := make([]string, 0, len(b.pairs))
	for pair, ps := range b.pairs {
		ps.mu.Lock()
		tracked := ps.tracked
		ps.mu.Unlock()
		if tracked {
			pairs = append(pairs, pair)
		}
	}
	sort.Strings(pairs)
	return pairs
}

// SubscriberCount returns the number of live subscribers for pair
func (b *Broadcaster) SubscriberCount(pair string) int {
	b.mu.RLock()
	ps, ok := b.pairs[pair]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.subs)
}

func (b *Broadcaster) GetStatus() Status {
	role := "follower"
	if b.role != nil && b.role.IsLeader() {
		role = "leader"
	}

	st := Status{
		Initialized:         b.initialized.Load(),
		Role:                role,
		ActiveSubscriptions: b.activeSubs.Load(),
		SubscribedPairs:     b.Pairs(),
		DroppedDeliveries:   b.dropped.Load(),
	}
	if b.recovery != nil {
		st.RecoveryStatus = b.recovery.GetStatus()
	}
	return st
}

func (b *Broadcaster) run(sub *subscriber) {
	for {
		select {
		case <-sub.done:
			return
		case tick := <-sub.ch:
			select {
			case <-sub.done:
				return
			default:
			}
			b.deliver(sub, tick)
		}
	}
}

func (b *Broadcaster) deliver(sub *subscriber, tick models.Tick) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(logrus.Fields{
				"pair":          sub.pair,
				"subscriber_id": sub.id,
				"panic":         r,
			}).Error("Subscriber callback panicked")
		}
	}()
	sub.onUpdate(tick)
}

func (b *Broadcaster) state(pair string) *pairState {
	b.mu.RLock()
	ps, ok := b.pairs[pair]
	b.mu.RUnlock()
	if ok {
		return ps
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if ps, ok = b.pairs[pair]; !ok {
		ps = newPairState()
		b.pairs[pair] = ps
	}
	return ps
}

func newPairState() *pairState {
	return &pairState{subs: make(map[uint64]*subscriber)}
}
