package broadcaster

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nyyu-pricefeed/internal/cache"
	"nyyu-pricefeed/internal/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type staticRole bool

func (r staticRole) IsLeader() bool { return bool(r) }

type fakeRecovery struct {
	mu    sync.Mutex
	ticks map[string]models.Tick
}

func newFakeRecovery() *fakeRecovery {
	return &fakeRecovery{ticks: make(map[string]models.Tick)}
}

func (f *fakeRecovery) Get(_ context.Context, pair string) (models.Tick, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.ticks[pair]
	if !ok {
		return models.Tick{}, cache.ErrNotFound
	}
	return t, nil
}

func (f *fakeRecovery) StoreLocal(tick models.Tick) {
	f.mu.Lock()
	f.ticks[tick.Pair] = tick
	f.mu.Unlock()
}

func (f *fakeRecovery) GetStatus() cache.RecoveryStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cache.RecoveryStatus{LocalCacheSize: len(f.ticks), StoreHealthy: true}
}

func newTestBroadcaster(leader bool) (*Broadcaster, *fakeRecovery) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	rec := newFakeRecovery()
	return New(8, staticRole(leader), rec, logger), rec
}

func mkTick(pair string, price int64, ts time.Time) models.Tick {
	return models.Tick{Pair: pair, Price: decimal.NewFromInt(price), Timestamp: ts}
}

func recv(t *testing.T, ch <-chan models.Tick) models.Tick {
	t.Helper()
	select {
	case tick := <-ch:
		return tick
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tick")
		return models.Tick{}
	}
}

func expectNone(t *testing.T, ch <-chan models.Tick) {
	t.Helper()
	select {
	case tick := <-ch:
		t.Fatalf("unexpected delivery %+v", tick)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFanOutExactlyOnce(t *testing.T) {
	b, _ := newTestBroadcaster(true)
	a := make(chan models.Tick, 4)
	c := make(chan models.Tick, 4)

	unsubA := b.Subscribe("BTC/USD", func(tick models.Tick) { a <- tick })
	unsubC := b.Subscribe("BTC/USD", func(tick models.Tick) { c <- tick })
	defer unsubA()
	defer unsubC()

	tick := mkTick("BTC/USD", 100, time.Now())
	b.Publish(tick)

	if got := recv(t, a); !got.Price.Equal(tick.Price) {
		t.Errorf("subscriber A got %s", got.Price)
	}
	if got := recv(t, c); !got.Price.Equal(tick.Price) {
		t.Errorf("subscriber C got %s", got.Price)
	}
	expectNone(t, a)
	expectNone(t, c)
}

func TestUnsubscribeBeforeEmission(t *testing.T) {
	b, _ := newTestBroadcaster(true)
	a := make(chan models.Tick, 4)
	c := make(chan models.Tick, 4)

	unsubA := b.Subscribe("BTC/USD", func(tick models.Tick) { a <- tick })
	unsubC := b.Subscribe("BTC/USD", func(tick models.Tick) { c <- tick })
	defer unsubC()

	unsubA()
	unsubA() // idempotent

	b.Publish(mkTick("BTC/USD", 100, time.Now()))

	recv(t, c)
	expectNone(t, a)

	if n := b.SubscriberCount("BTC/USD"); n != 1 {
		t.Errorf("expected 1 subscriber, got %d", n)
	}
	if st := b.GetStatus(); st.ActiveSubscriptions != 1 {
		t.Errorf("expected 1 active subscription, got %d", st.ActiveSubscriptions)
	}
}

func TestPerPairOrderingAndStaleDrop(t *testing.T) {
	b, _ := newTestBroadcaster(true)
	got := make(chan models.Tick, 16)
	unsub := b.Subscribe("ETH/USD", func(tick models.Tick) { got <- tick })
	defer unsub()

	base := time.Now()
	for i := int64(1); i <= 5; i++ {
		b.Publish(mkTick("ETH/USD", i, base.Add(time.Duration(i)*time.Millisecond)))
	}
	// Late, older tick and an exact duplicate are dropped
	if b.Publish(mkTick("ETH/USD", 99, base)) {
		t.Error("older tick should be rejected")
	}
	if b.Publish(mkTick("ETH/USD", 5, base.Add(5*time.Millisecond))) {
		t.Error("duplicate tick should be rejected")
	}

	for i := int64(1); i <= 5; i++ {
		if tick := recv(t, got); !tick.Price.Equal(decimal.NewFromInt(i)) {
			t.Fatalf("expected price %d in order, got %s", i, tick.Price)
		}
	}
	expectNone(t, got)
}

func TestPanickingSubscriberIsolated(t *testing.T) {
	b, _ := newTestBroadcaster(true)
	good := make(chan models.Tick, 4)
	var panics int32

	unsubBad := b.Subscribe("BTC/USD", func(models.Tick) {
		atomic.AddInt32(&panics, 1)
		panic("boom")
	})
	unsubGood := b.Subscribe("BTC/USD", func(tick models.Tick) { good <- tick })
	defer unsubBad()
	defer unsubGood()

	now := time.Now()
	b.Publish(mkTick("BTC/USD", 1, now))
	b.Publish(mkTick("BTC/USD", 2, now.Add(time.Millisecond)))

	recv(t, good)
	recv(t, good)

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&panics) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt32(&panics) != 2 {
		t.Errorf("panicking subscriber should keep receiving, got %d calls", panics)
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b, _ := newTestBroadcaster(true)
	block := make(chan struct{})
	defer close(block)
	fast := make(chan models.Tick, 64)

	unsubSlow := b.Subscribe("BTC/USD", func(models.Tick) { <-block })
	unsubFast := b.Subscribe("BTC/USD", func(tick models.Tick) { fast <- tick })
	defer unsubSlow()
	defer unsubFast()

	now := time.Now()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 30; i++ {
			b.Publish(mkTick("BTC/USD", int64(i), now.Add(time.Duration(i)*time.Millisecond)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	if st := b.GetStatus(); st.DroppedDeliveries == 0 {
		t.Error("expected drops for the slow subscriber")
	}
	recv(t, fast)
}

func TestInitializeIdempotentAndNotifiesOnce(t *testing.T) {
	b, _ := newTestBroadcaster(false)
	notified := make(chan []string, 4)
	b.AddPairListener(func(pairs []string) { notified <- pairs })

	b.Initialize([]string{"BTC/USD", "ETH/USD"})
	b.Initialize([]string{"ETH/USD", "SOL/USD"})
	b.Initialize([]string{"BTC/USD"})

	seen := map[string]int{}
	for i := 0; i < 2; i++ {
		select {
		case pairs := <-notified:
			for _, p := range pairs {
				seen[p]++
			}
		case <-time.After(time.Second):
			t.Fatal("listener not notified")
		}
	}
	select {
	case pairs := <-notified:
		t.Fatalf("unexpected notification %v", pairs)
	case <-time.After(50 * time.Millisecond):
	}
	for _, p := range []string{"BTC/USD", "ETH/USD", "SOL/USD"} {
		if seen[p] != 1 {
			t.Errorf("expected %s announced once, got %d", p, seen[p])
		}
	}

	st := b.GetStatus()
	if !st.Initialized || st.Role != "follower" || len(st.SubscribedPairs) != 3 {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestGetCachedPriceFallsBackToRecovery(t *testing.T) {
	b, rec := newTestBroadcaster(false)
	ctx := context.Background()

	if tick, err := b.GetCachedPrice(ctx, "BTC/USD"); err != nil || tick != nil {
		t.Fatalf("expected nil for unknown pair, got %v err=%v", tick, err)
	}

	rec.StoreLocal(mkTick("BTC/USD", 50, time.Now()))
	tick, err := b.GetCachedPrice(ctx, "BTC/USD")
	if err != nil || tick == nil || !tick.Price.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected recovery value, got %v err=%v", tick, err)
	}

	b.Publish(mkTick("BTC/USD", 60, time.Now().Add(time.Second)))
	tick, _ = b.GetCachedPrice(ctx, "BTC/USD")
	if !tick.Price.Equal(decimal.NewFromInt(60)) {
		t.Errorf("expected in-memory latest, got %s", tick.Price)
	}
}

func TestIngestRemoteIgnoredByLeader(t *testing.T) {
	leader, leaderRec := newTestBroadcaster(true)
	leader.IngestRemote(mkTick("BTC/USD", 1, time.Now()))
	if tick, _ := leader.GetCachedPrice(context.Background(), "BTC/USD"); tick != nil {
		t.Error("leader must ignore remote ticks")
	}
	if leaderRec.GetStatus().LocalCacheSize != 0 {
		t.Error("leader must not cache remote ticks")
	}

	follower, followerRec := newTestBroadcaster(false)
	got := make(chan models.Tick, 1)
	unsub := follower.Subscribe("BTC/USD", func(tick models.Tick) { got <- tick })
	defer unsub()

	follower.IngestRemote(mkTick("BTC/USD", 2, time.Now()))
	recv(t, got)
	if followerRec.GetStatus().LocalCacheSize != 1 {
		t.Error("follower should cache remote ticks locally")
	}
}

func TestConcurrentSubscribeUnsubscribeDuringDelivery(t *testing.T) {
	b, _ := newTestBroadcaster(true)
	stop := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		base := time.Now()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			b.Publish(mkTick("BTC/USD", int64(i), base.Add(time.Duration(i)*time.Microsecond)))
		}
	}()

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				unsub := b.Subscribe("BTC/USD", func(models.Tick) {})
				unsub()
			}
		}()
	}

	time.Sleep(100 * time.Millisecond)
	close(stop)
	wg.Wait()

	if n := b.SubscriberCount("BTC/USD"); n != 0 {
		t.Errorf("expected no leaked subscribers, got %d", n)
	}
}
