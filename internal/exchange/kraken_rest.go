package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nyyu-pricefeed/internal/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// KrakenFetcher pulls current tickers from the Kraken REST API
type KrakenFetcher struct {
	baseURL    string
	httpClient *http.Client
	limiter    *RateLimiter
	logger     *logrus.Logger
}

func NewKrakenFetcher(baseURL string, timeout time.Duration, limiter *RateLimiter, logger *logrus.Logger) *KrakenFetcher {
	return &KrakenFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		limiter: limiter,
		logger:  logger,
	}
}

type krakenTickerResponse struct {
	Error  []string                       `json:"error"`
	Result map[string]krakenRESTTickerRow `json:"result"`
}

// Fields are [today, last 24h] except c (last trade [price, lot]) and o (open)
type krakenRESTTickerRow struct {
	C []string `json:"c"`
	V []string `json:"v"`
	L []string `json:"l"`
	H []string `json:"h"`
	O string   `json:"o"`
}

// FetchTick returns the current tick for pair (BASE/QUOTE)
func (f *KrakenFetcher) FetchTick(ctx context.Context, pair string) (models.Tick, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return models.Tick{}, err
		}
	}

	u := fmt.Sprintf("%s/0/public/Ticker?pair=%s", f.baseURL, url.QueryEscape(strings.ReplaceAll(pair, "/", "")))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return models.Tick{}, fmt.Errorf("failed to create request: %w", err)
	}

	// Stamp with the request time: a feed tick that lands during the round
	// trip is newer than this snapshot.
	requestedAt := time.Now()
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return models.Tick{}, fmt.Errorf("fetch %s: %w", pair, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		if f.limiter != nil {
			f.limiter.RecordRateLimitHit()
		}
		return models.Tick{}, fmt.Errorf("fetch %s: rate limited", pair)
	}
	if resp.StatusCode != http.StatusOK {
		return models.Tick{}, fmt.Errorf("fetch %s: unexpected status %d", pair, resp.StatusCode)
	}

	var body krakenTickerResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return models.Tick{}, fmt.Errorf("decode %s: %w", pair, err)
	}
	if len(body.Error) > 0 {
		return models.Tick{}, fmt.Errorf("kraken error for %s: %s", pair, strings.Join(body.Error, "; "))
	}
	if len(body.Result) != 1 {
		return models.Tick{}, fmt.Errorf("kraken returned %d results for %s", len(body.Result), pair)
	}

	if f.limiter != nil {
		f.limiter.RecordSuccess()
	}

	for _, row := range body.Result {
		return row.toTick(pair, requestedAt)
	}
	return models.Tick{}, fmt.Errorf("no ticker for %s", pair)
}

func (r krakenRESTTickerRow) toTick(pair string, now time.Time) (models.Tick, error) {
	if len(r.C) == 0 {
		return models.Tick{}, fmt.Errorf("missing last price for %s", pair)
	}
	last, err := decimal.NewFromString(r.C[0])
	if err != nil {
		return models.Tick{}, fmt.Errorf("parse last price for %s: %w", pair, err)
	}

	tick := models.Tick{
		Pair:      pair,
		Price:     last,
		Volume:    last24h(r.V),
		High24h:   last24h(r.H),
		Low24h:    last24h(r.L),
		Timestamp: now,
	}
	if open, err := decimal.NewFromString(r.O); err == nil {
		tick.Change24h = last.Sub(open)
	}
	return tick, nil
}

func last24h(v []string) decimal.Decimal {
	if len(v) < 2 {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(v[1])
	if err != nil {
		return decimal.Zero
	}
	return d
}
