package exchange

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nyyu-pricefeed/internal/config"
	"nyyu-pricefeed/internal/models"
	"nyyu-pricefeed/internal/services/broadcaster"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestDecodeKrakenTicker(t *testing.T) {
	raw := `{"channel":"ticker","type":"update","data":[{"symbol":"BTC/USD","bid":63000.0,"ask":63000.2,"last":63000.1,"volume":1520.25,"vwap":62500.5,"low":61000.0,"high":64000.5,"change":-120.5,"change_pct":-0.19}]}`
	now := time.Now()

	msg, err := decodeKrakenMessage([]byte(raw), now)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(msg.ticks) != 1 {
		t.Fatalf("expected 1 tick, got %d", len(msg.ticks))
	}
	tick := msg.ticks[0]
	if tick.Pair != "BTC/USD" {
		t.Errorf("unexpected pair %s", tick.Pair)
	}
	if !tick.Price.Equal(decimal.RequireFromString("63000.1")) {
		t.Errorf("unexpected price %s", tick.Price)
	}
	if !tick.Change24h.Equal(decimal.RequireFromString("-120.5")) {
		t.Errorf("unexpected change %s", tick.Change24h)
	}
	if !tick.Timestamp.Equal(now) {
		t.Errorf("expected receive time as timestamp")
	}
	if tick.ExchangeTime != nil {
		t.Errorf("no exchange time was sent, got %v", tick.ExchangeTime)
	}
}

func TestDecodeKrakenTickerKeepsReceiveClock(t *testing.T) {
	received := time.Now()
	behind := received.Add(-300 * time.Millisecond).UTC().Format(time.RFC3339Nano)
	raw := `{"channel":"ticker","type":"update","data":[{"symbol":"ETH/USD","last":3001.5,"timestamp":"` + behind + `"}]}`

	msg, err := decodeKrakenMessage([]byte(raw), received)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	tick := msg.ticks[0]
	if !tick.Timestamp.Equal(received) {
		t.Errorf("timestamp must be the receive time, got %v", tick.Timestamp)
	}
	if tick.ExchangeTime == nil || received.Sub(*tick.ExchangeTime) < 299*time.Millisecond {
		t.Errorf("expected exchange time to be kept separately, got %v", tick.ExchangeTime)
	}
}

func TestDecodeKrakenControlMessages(t *testing.T) {
	for _, raw := range []string{
		`{"channel":"heartbeat"}`,
		`{"method":"pong","req_id":3,"time_in":"2024-01-01T00:00:00Z"}`,
		`{"channel":"status","type":"update","data":[{"system":"online"}]}`,
		`{"method":"subscribe","success":true,"result":{"channel":"ticker","symbol":"BTC/USD"}}`,
	} {
		msg, err := decodeKrakenMessage([]byte(raw), time.Now())
		if err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
		if len(msg.ticks) != 0 || msg.subscribeError != "" {
			t.Errorf("control message %s produced %+v", raw, msg)
		}
	}

	msg, _ := decodeKrakenMessage([]byte(`{"method":"subscribe","success":false,"error":"Currency pair not supported"}`), time.Now())
	if msg.subscribeError == "" {
		t.Error("expected subscribe error to be surfaced")
	}
}

func TestKrakenSessionRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan []string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req struct {
			Method string `json:"method"`
			Params struct {
				Channel string   `json:"channel"`
				Symbol  []string `json:"symbol"`
			} `json:"params"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		subscribed <- req.Params.Symbol

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"heartbeat"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"ticker","type":"snapshot","data":[{"symbol":"ETH/USD","last":3100.5,"volume":10,"low":3000,"high":3200,"change":12.5}]}`))

		// Hold the connection until the client closes it
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	streamer := NewKrakenStreamer(config.FeedConfig{WSURL: "ws" + strings.TrimPrefix(srv.URL, "http")}, testLogger())
	ctx := context.Background()

	sess, err := streamer.Dial(ctx)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer sess.Close()

	if err := sess.Subscribe(ctx, []string{"ETH/USD"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if got := <-subscribed; len(got) != 1 || got[0] != "ETH/USD" {
		t.Fatalf("server saw subscribe for %v", got)
	}

	ticks, err := sess.Read(ctx)
	if err != nil || len(ticks) != 0 {
		t.Fatalf("expected heartbeat with no ticks, got %v err=%v", ticks, err)
	}
	ticks, err = sess.Read(ctx)
	if err != nil || len(ticks) != 1 {
		t.Fatalf("expected one tick, got %v err=%v", ticks, err)
	}
	if !ticks[0].Price.Equal(decimal.RequireFromString("3100.5")) {
		t.Errorf("unexpected price %s", ticks[0].Price)
	}

	if err := sess.Ping(ctx); err != nil {
		t.Errorf("ping: %v", err)
	}
	sess.Close()
	if err := sess.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
	if _, err := sess.Read(ctx); err == nil {
		t.Error("read after close should fail")
	}
}

func TestKrakenFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/0/public/Ticker" {
			http.NotFound(w, r)
			return
		}
		switch r.URL.Query().Get("pair") {
		case "BTCUSD":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"error": []string{},
				"result": map[string]interface{}{
					"XXBTZUSD": map[string]interface{}{
						"c": []string{"64000.10", "0.01"},
						"v": []string{"100.5", "2500.75"},
						"l": []string{"62000.0", "61500.0"},
						"h": []string{"64500.0", "65000.0"},
						"o": "63000.10",
					},
				},
			})
		case "DOGEUSD":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"error":  []string{"EQuery:Unknown asset pair"},
				"result": map[string]interface{}{},
			})
		}
	}))
	defer srv.Close()

	limiter := NewRateLimiter("kraken-rest", 0, 1)
	f := NewKrakenFetcher(srv.URL, 2*time.Second, limiter, testLogger())
	ctx := context.Background()

	tick, err := f.FetchTick(ctx, "BTC/USD")
	if err != nil {
		t.Fatalf("FetchTick: %v", err)
	}
	if tick.Pair != "BTC/USD" {
		t.Errorf("pair should keep BASE/QUOTE form, got %s", tick.Pair)
	}
	if !tick.Price.Equal(decimal.RequireFromString("64000.10")) {
		t.Errorf("unexpected price %s", tick.Price)
	}
	if !tick.Volume.Equal(decimal.RequireFromString("2500.75")) {
		t.Errorf("expected 24h volume, got %s", tick.Volume)
	}
	if !tick.High24h.Equal(decimal.RequireFromString("65000.0")) || !tick.Low24h.Equal(decimal.RequireFromString("61500.0")) {
		t.Errorf("unexpected range %s-%s", tick.Low24h, tick.High24h)
	}
	if !tick.Change24h.Equal(decimal.RequireFromString("1000")) {
		t.Errorf("expected change 1000, got %s", tick.Change24h)
	}

	if _, err := f.FetchTick(ctx, "FOO/BAR"); err == nil {
		t.Error("expected error for unknown pair")
	}

	if _, err := f.FetchTick(ctx, "DOGE/USD"); err == nil {
		t.Error("expected error on 429")
	}
	if limiter.Backoff() != time.Second {
		t.Errorf("expected 1s backoff after rate limit, got %v", limiter.Backoff())
	}
}

func TestRateLimiterAdaptiveBackoff(t *testing.T) {
	rl := NewRateLimiter("test", 100, 10)

	rl.RecordRateLimitHit()
	if rl.Backoff() != time.Second {
		t.Fatalf("expected 1s, got %v", rl.Backoff())
	}
	rl.RecordRateLimitHit()
	if rl.Backoff() != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s, got %v", rl.Backoff())
	}

	rl.RecordSuccess()
	if b := rl.Backoff(); b < 1300*time.Millisecond || b > 1400*time.Millisecond {
		t.Errorf("expected decay to ~1.35s, got %v", b)
	}
	rl.RecordSuccess()
	rl.RecordSuccess()
	rl.RecordSuccess()
	if rl.Backoff() != 0 {
		t.Errorf("expected backoff cleared below 1s, got %v", rl.Backoff())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rl.Wait(ctx); err != nil {
		t.Errorf("Wait: %v", err)
	}

	stats := rl.GetStats()
	if stats.Name != "test" || stats.RateLimitHits != 2 || stats.Requests != 1 || stats.LastRateLimitAt == nil {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestFeedTickAfterWarmerTickIsDelivered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": []string{},
			"result": map[string]interface{}{
				"XETHZUSD": map[string]interface{}{"c": []string{"3000.0", "1"}},
			},
		})
	}))
	defer srv.Close()

	hub := broadcaster.New(8, nil, nil, testLogger())
	got := make(chan string, 4)
	defer hub.Subscribe("ETH/USD", func(tick models.Tick) { got <- tick.Price.String() })()

	warm, err := NewKrakenFetcher(srv.URL, 2*time.Second, nil, testLogger()).FetchTick(context.Background(), "ETH/USD")
	if err != nil {
		t.Fatalf("FetchTick: %v", err)
	}
	if !hub.Publish(warm) {
		t.Fatal("warmer tick rejected")
	}

	// The exchange's clock runs behind ours.
	behind := time.Now().Add(-300 * time.Millisecond).UTC().Format(time.RFC3339Nano)
	raw := `{"channel":"ticker","type":"update","data":[{"symbol":"ETH/USD","last":3001,"timestamp":"` + behind + `"}]}`
	msg, err := decodeKrakenMessage([]byte(raw), time.Now())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !hub.Publish(msg.ticks[0]) {
		t.Fatal("live feed tick was dropped as stale")
	}

	for _, want := range []string{"3000", "3001"} {
		select {
		case price := <-got:
			if price != want {
				t.Errorf("expected %s, got %s", want, price)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("tick %s not delivered", want)
		}
	}
}
