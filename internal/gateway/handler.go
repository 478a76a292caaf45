package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"nyyu-pricefeed/internal/config"
	"nyyu-pricefeed/internal/metrics"
	"nyyu-pricefeed/internal/models"
	"nyyu-pricefeed/internal/services/aggregator"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// PriceSource serves the read path
type PriceSource interface {
	GetMarketData(ctx context.Context, pairs []string) (map[string]aggregator.MarketData, error)
}

// Hub is the in-process broadcaster
type Hub interface {
	Subscribe(pair string, onUpdate func(models.Tick)) func()
	GetCachedPrice(ctx context.Context, pair string) (*models.Tick, error)
}

type Handler struct {
	cfg        config.GatewayConfig
	retryAfter time.Duration
	prices     PriceSource
	hub        Hub
	limiter    *ConnectionLimiter
	health     *Health
	logger     *logrus.Logger
}

func NewHandler(
	cfg config.GatewayConfig,
	retryAfter time.Duration,
	prices PriceSource,
	hub Hub,
	limiter *ConnectionLimiter,
	health *Health,
	logger *logrus.Logger,
) *Handler {
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	if cfg.ClientBuffer < 1 {
		cfg.ClientBuffer = 1
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	return &Handler{
		cfg:        cfg,
		retryAfter: retryAfter,
		prices:     prices,
		hub:        hub,
		limiter:    limiter,
		health:     health,
		logger:     logger,
	}
}

// Routes returns the HTTP mux for the gateway
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/prices", h.Prices)
	mux.HandleFunc("/api/v1/stream", h.Stream)
	mux.HandleFunc("/health", h.Health)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

type pricesResponse struct {
	Prices  map[string]aggregator.MarketData `json:"prices"`
	Missing []string                         `json:"missing"`
}

// Prices handles GET /api/v1/prices?pairs=BTC/USD,ETH/USD
func (h *Handler) Prices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	pairs, err := models.ParsePairs(r.URL.Query().Get("pairs"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	data, err := h.prices.GetMarketData(r.Context(), pairs)
	if err != nil {
		if errors.Is(err, models.ErrInvalidPair) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.WithError(err).Error("Market data lookup failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if len(data) == 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(h.retryAfter/time.Second)))
		writeError(w, http.StatusServiceUnavailable, "prices temporarily unavailable")
		return
	}

	writeJSON(w, http.StatusOK, pricesResponse{
		Prices:  data,
		Missing: aggregator.Missing(pairs, data),
	})
}

// Health handles GET /health. It always answers 200.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"healthy": true})
		return
	}
	writeJSON(w, http.StatusOK, h.health.Report(r.Context()))
}

type connectedEvent struct {
	ConnectionID string   `json:"connection_id"`
	Pairs        []string `json:"pairs"`
}

// Stream handles GET /api/v1/stream?pairs=... as server-sent events. The
// client gets a connected event, one snapshot per cached pair, then every
// tick until it disconnects.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	pairs, err := models.ParsePairs(r.URL.Query().Get("pairs"))
	if err != nil {
		metrics.RejectedConnections.WithLabelValues("sse", "invalid").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	if err := h.limiter.Acquire(); err != nil {
		metrics.RejectedConnections.WithLabelValues("sse", "capacity").Inc()
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	ctx := r.Context()
	connID := uuid.NewString()
	log := h.logger.WithFields(logrus.Fields{
		"connection_id": connID,
		"pairs":         pairs,
	})

	updates := make(chan models.Tick, h.cfg.ClientBuffer)
	var (
		unsubs  []func()
		cleanup sync.Once
	)
	release := func() {
		cleanup.Do(func() {
			for _, unsub := range unsubs {
				unsub()
			}
			h.limiter.Release()
			metrics.StreamConnections.WithLabelValues("sse").Dec()
			log.Debug("Stream closed")
		})
	}
	defer release()

	metrics.StreamConnections.WithLabelValues("sse").Inc()
	log.Debug("Stream opened")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, "connected", connectedEvent{ConnectionID: connID, Pairs: pairs}); err != nil {
		return
	}
	flusher.Flush()

	for _, pair := range pairs {
		unsubs = append(unsubs, h.hub.Subscribe(pair, func(tick models.Tick) {
			select {
			case updates <- tick:
			default:
				metrics.TicksDropped.WithLabelValues("slow_client").Inc()
			}
		}))
	}

	cursor := NewTickCursor()
	for _, pair := range pairs {
		tick, err := h.hub.GetCachedPrice(ctx, pair)
		if err != nil || tick == nil || !cursor.Advance(*tick) {
			continue
		}
		if err := writeEvent(w, "price", tick); err != nil {
			return
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(h.cfg.HeartbeatInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-updates:
			if !cursor.Advance(tick) {
				continue
			}
			if err := writeEvent(w, "price", tick); err != nil {
				log.WithError(err).Debug("Stream write failed")
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
