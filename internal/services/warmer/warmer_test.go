package warmer

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"nyyu-pricefeed/internal/cache"
	"nyyu-pricefeed/internal/config"
	"nyyu-pricefeed/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeFetcher struct {
	mu       sync.Mutex
	calls    map[string]int
	inFlight map[string]int
	maxPer   int
	delay    time.Duration
	fail     map[string]bool
	age      time.Duration
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		calls:    make(map[string]int),
		inFlight: make(map[string]int),
		fail:     make(map[string]bool),
	}
}

func (f *fakeFetcher) FetchTick(ctx context.Context, pair string) (models.Tick, error) {
	f.mu.Lock()
	f.calls[pair]++
	f.inFlight[pair]++
	if f.inFlight[pair] > f.maxPer {
		f.maxPer = f.inFlight[pair]
	}
	delay, fail, age := f.delay, f.fail[pair], f.age
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight[pair]--
		f.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return models.Tick{}, ctx.Err()
		}
	}
	if fail {
		return models.Tick{}, errors.New("upstream unavailable")
	}
	return models.Tick{
		Pair:      pair,
		Price:     decimal.NewFromInt(100),
		Timestamp: time.Now().Add(-age),
	}, nil
}

func (f *fakeFetcher) callCount(pair string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[pair]
}

type fakeSink struct {
	mu        sync.Mutex
	pairs     []string
	published []models.Tick
}

func (s *fakeSink) Pairs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.pairs...)
}

func (s *fakeSink) Publish(tick models.Tick) bool {
	s.mu.Lock()
	s.published = append(s.published, tick)
	s.mu.Unlock()
	return true
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.published)
}

func newTestWarmer(t *testing.T, pairs []string) (*Warmer, *fakeFetcher, *fakeSink, *cache.TickStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cacheCfg := config.CacheConfig{
		LocalTTL:              10 * time.Second,
		StoreTTL:              60 * time.Second,
		StaleThreshold:        30 * time.Second,
		ProbeInterval:         time.Second,
		ProbeFailureThreshold: 3,
	}
	store := cache.NewTickStore(client, "test", cacheCfg.StoreTTL, testLogger())
	rc := cache.NewRecoveryCache(cache.NewLocalCache(cacheCfg.LocalTTL), store, cacheCfg, testLogger())

	fetcher := newFakeFetcher()
	sink := &fakeSink{pairs: pairs}
	w := New(config.WarmerConfig{
		Interval:     time.Hour,
		Concurrency:  4,
		FetchTimeout: time.Second,
	}, cacheCfg.StaleThreshold, fetcher, rc, sink, testLogger())
	return w, fetcher, sink, store
}

func TestRunCycleWritesBothTiersAndPublishes(t *testing.T) {
	w, fetcher, sink, store := newTestWarmer(t, []string{"BTC/USD", "ETH/USD"})
	ctx := context.Background()

	w.RunCycle(ctx)

	for _, pair := range []string{"BTC/USD", "ETH/USD"} {
		if fetcher.callCount(pair) != 1 {
			t.Errorf("expected one fetch for %s, got %d", pair, fetcher.callCount(pair))
		}
		got, err := store.GetTick(ctx, pair)
		if err != nil {
			t.Fatalf("store missing %s: %v", pair, err)
		}
		if got.Source != "warmer" {
			t.Errorf("expected warmer source, got %q", got.Source)
		}
	}
	if sink.count() != 2 {
		t.Errorf("expected 2 published ticks, got %d", sink.count())
	}

	st := w.GetStats()
	if st.Cycles != 1 || st.Fetched != 2 || st.Failed != 0 || st.LastCycleAt == nil {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestNoConcurrentDuplicateFetch(t *testing.T) {
	w, fetcher, _, _ := newTestWarmer(t, []string{"BTC/USD"})
	fetcher.delay = 50 * time.Millisecond
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.warm(ctx, []string{"BTC/USD", "BTC/USD"})
		}()
	}
	wg.Wait()

	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()
	if fetcher.maxPer != 1 {
		t.Errorf("expected at most one in-flight fetch per pair, saw %d", fetcher.maxPer)
	}
	if fetcher.calls["BTC/USD"] >= 20 {
		t.Errorf("expected overlapping requests to share fetches, got %d calls", fetcher.calls["BTC/USD"])
	}
}

func TestInitializeStartsSingleLoop(t *testing.T) {
	w, fetcher, _, _ := newTestWarmer(t, []string{"BTC/USD"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if w.IsActive() {
		t.Fatal("warmer should be inactive before Initialize")
	}
	w.Initialize(ctx)
	w.Initialize(ctx)
	w.Initialize(ctx)

	if !w.IsActive() {
		t.Fatal("warmer should be active after Initialize")
	}

	deadline := time.Now().Add(2 * time.Second)
	for w.GetStats().Cycles < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if c := w.GetStats().Cycles; c != 1 {
		t.Errorf("expected exactly one initial cycle, got %d", c)
	}
	if fetcher.callCount("BTC/USD") != 1 {
		t.Errorf("expected one fetch, got %d", fetcher.callCount("BTC/USD"))
	}

	cancel()
	deadline = time.Now().Add(2 * time.Second)
	for w.IsActive() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if w.IsActive() {
		t.Error("warmer should stop when its context ends")
	}
}

func TestRequestWarmFetchesImmediately(t *testing.T) {
	w, fetcher, sink, _ := newTestWarmer(t, nil)

	// Before Initialize there is no context to run under
	w.RequestWarm([]string{"SOL/USD"})
	time.Sleep(20 * time.Millisecond)
	if fetcher.callCount("SOL/USD") != 0 {
		t.Fatal("RequestWarm before Initialize should be ignored")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Initialize(ctx)
	w.RequestWarm([]string{"SOL/USD"})

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sink.count() != 1 {
		t.Errorf("expected SOL/USD to be warmed, published %d", sink.count())
	}
}

func TestFailuresCountedAndStalePairsReported(t *testing.T) {
	w, fetcher, _, _ := newTestWarmer(t, []string{"BTC/USD", "ETH/USD", "XRP/USD"})
	fetcher.fail["ETH/USD"] = true
	ctx := context.Background()

	w.RunCycle(ctx)

	st := w.GetStats()
	if st.Fetched != 2 || st.Failed != 1 {
		t.Errorf("unexpected stats %+v", st)
	}

	health := w.GetCacheHealth(ctx)
	if len(health.StalePairs) != 1 || health.StalePairs[0] != "ETH/USD" {
		t.Errorf("expected ETH/USD stale, got %v", health.StalePairs)
	}
	if health.LocalCacheSize != 2 || !health.StoreHealthy {
		t.Errorf("unexpected cache status %+v", health.RecoveryStatus)
	}

	// Old upstream data is stale even though it is cached
	fetcher.fail["ETH/USD"] = false
	fetcher.age = time.Minute
	w.RunCycle(ctx)
	health = w.GetCacheHealth(ctx)
	if len(health.StalePairs) != 1 || health.StalePairs[0] != "ETH/USD" {
		t.Errorf("expected only ETH/USD stale, got %v", health.StalePairs)
	}
}
