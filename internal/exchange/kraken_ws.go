package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"nyyu-pricefeed/internal/config"
	"nyyu-pricefeed/internal/models"
	"nyyu-pricefeed/internal/services/feed"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const writeTimeout = 10 * time.Second

// KrakenStreamer dials the Kraken v2 websocket API
type KrakenStreamer struct {
	url    string
	dialer *websocket.Dialer
	logger *logrus.Logger
}

func NewKrakenStreamer(cfg config.FeedConfig, logger *logrus.Logger) *KrakenStreamer {
	return &KrakenStreamer{
		url:    cfg.WSURL,
		dialer: createDialer(cfg.ProxyURL, logger),
		logger: logger,
	}
}

// createDialer creates a WebSocket dialer with optional proxy
func createDialer(proxyURL string, logger *logrus.Logger) *websocket.Dialer {
	dialer := &websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	if proxyURL != "" {
		parsedURL, err := url.Parse(proxyURL)
		if err == nil {
			dialer.Proxy = http.ProxyURL(parsedURL)
		} else {
			logger.Warnf("Invalid proxy URL %s: %v", proxyURL, err)
		}
	}

	return dialer
}

func (k *KrakenStreamer) Dial(ctx context.Context) (feed.Session, error) {
	conn, resp, err := k.dialer.DialContext(ctx, k.url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusForbidden {
			return nil, fmt.Errorf("403 forbidden from %s: %w", k.url, err)
		}
		return nil, err
	}
	k.logger.WithField("url", k.url).Info("Kraken WebSocket connected")
	return &krakenSession{conn: conn, logger: k.logger}, nil
}

type krakenSession struct {
	conn      *websocket.Conn
	logger    *logrus.Logger
	writeMu   sync.Mutex
	closeOnce sync.Once
	reqID     atomic.Int64
}

func (s *krakenSession) Subscribe(ctx context.Context, pairs []string) error {
	return s.write(ctx, map[string]interface{}{
		"method": "subscribe",
		"params": map[string]interface{}{
			"channel": "ticker",
			"symbol":  pairs,
		},
		"req_id": s.reqID.Add(1),
	})
}

func (s *krakenSession) Ping(ctx context.Context) error {
	return s.write(ctx, map[string]interface{}{
		"method": "ping",
		"req_id": s.reqID.Add(1),
	})
}

// Read blocks on the socket; Close unblocks it
func (s *krakenSession) Read(ctx context.Context) ([]models.Tick, error) {
	_, message, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	msg, err := decodeKrakenMessage(message, time.Now())
	if err != nil {
		s.logger.WithError(err).Debug("Skipping undecodable Kraken message")
		return nil, nil
	}
	if msg.subscribeError != "" {
		s.logger.WithField("error", msg.subscribeError).Warn("Kraken rejected subscription")
	}
	return msg.ticks, nil
}

func (s *krakenSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

func (s *krakenSession) write(ctx context.Context, v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteJSON(v)
}

type krakenTicker struct {
	Symbol    string          `json:"symbol"`
	Last      decimal.Decimal `json:"last"`
	Volume    decimal.Decimal `json:"volume"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Change    decimal.Decimal `json:"change"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
}

type krakenEnvelope struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Method  string          `json:"method"`
	Success *bool           `json:"success"`
	Error   string          `json:"error"`
}

type krakenMessage struct {
	ticks          []models.Tick
	subscribeError string
}

// decodeKrakenMessage turns ticker snapshots/updates into ticks. Heartbeats,
// status and pong messages produce no ticks.
func decodeKrakenMessage(message []byte, now time.Time) (krakenMessage, error) {
	var env krakenEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		return krakenMessage{}, err
	}

	if env.Method == "subscribe" && env.Success != nil && !*env.Success {
		return krakenMessage{subscribeError: env.Error}, nil
	}
	if env.Channel != "ticker" || len(env.Data) == 0 {
		return krakenMessage{}, nil
	}

	var data []krakenTicker
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return krakenMessage{}, fmt.Errorf("decode ticker data: %w", err)
	}

	ticks := make([]models.Tick, 0, len(data))
	for _, d := range data {
		tick := models.Tick{
			Pair:      d.Symbol,
			Price:     d.Last,
			Volume:    d.Volume,
			High24h:   d.High,
			Low24h:    d.Low,
			Change24h: d.Change,
			Timestamp: now,
		}
		if d.Timestamp != nil && !d.Timestamp.IsZero() {
			exchangeTime := *d.Timestamp
			tick.ExchangeTime = &exchangeTime
		}
		ticks = append(ticks, tick)
	}
	return krakenMessage{ticks: ticks}, nil
}
