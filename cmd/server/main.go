package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nyyu-pricefeed/internal/cache"
	"nyyu-pricefeed/internal/config"
	"nyyu-pricefeed/internal/exchange"
	"nyyu-pricefeed/internal/gateway"
	grpcServer "nyyu-pricefeed/internal/grpc"
	"nyyu-pricefeed/internal/pubsub"
	"nyyu-pricefeed/internal/services/aggregator"
	"nyyu-pricefeed/internal/services/broadcaster"
	"nyyu-pricefeed/internal/services/election"
	"nyyu-pricefeed/internal/services/feed"
	"nyyu-pricefeed/internal/services/symbols"
	"nyyu-pricefeed/internal/services/warmer"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

var (
	version   = "1.0.0"
	startTime = time.Now()
)

func main() {
	// Setup logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	logger.Info("Starting Nyyu Price Feed...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: ", err)
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid config: ", err)
	}

	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Redis
	logger.Info("Connecting to Redis...")
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	// The store is optional at runtime; the recovery cache degrades to
	// local-only until the health probe sees it again.
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.WithError(err).Warn("Redis unreachable at startup, continuing with local cache")
	} else {
		logger.Info("Redis connected successfully")
	}

	// Cache tiers
	tickStore := cache.NewTickStore(redisClient, cfg.Redis.KeyPrefix, cfg.Cache.StoreTTL, logger)
	recovery := cache.NewRecoveryCache(cache.NewLocalCache(cfg.Cache.LocalTTL), tickStore, cfg.Cache, logger)
	go recovery.StartHealthProbe(ctx)

	// Cross-instance notification
	publisher := pubsub.NewPublisher(redisClient, cfg.Redis.TickChannel, logger)
	listener := pubsub.NewListener(redisClient, cfg.Redis.TickChannel, logger)

	// Leadership
	elector := election.NewElector(redisClient, cfg.Election, cfg.Server.InstanceID, logger)

	// Fan-out
	hub := broadcaster.New(cfg.Gateway.ClientBuffer, elector, recovery, logger)

	// Upstream feed (runs only while leading)
	streamer := exchange.NewKrakenStreamer(cfg.Feed, logger)
	subscribeLimiter := exchange.NewRateLimiter("kraken-ws", cfg.Feed.SubscribeRPS, 1)
	feedClient := feed.NewClient(cfg.Feed, streamer, hub, recovery, publisher, subscribeLimiter, logger)

	// Pull-based warmer (runs on every instance)
	restLimiter := exchange.NewRateLimiter("kraken-rest", cfg.Warmer.RPS, cfg.Warmer.Burst)
	fetcher := exchange.NewKrakenFetcher(cfg.Warmer.RESTURL, cfg.Warmer.FetchTimeout, restLimiter, logger)
	warm := warmer.New(cfg.Warmer, cfg.Cache.StaleThreshold, fetcher, recovery, hub, logger)

	hub.AddPairListener(feedClient.AddPairs)
	hub.AddPairListener(warm.RequestWarm)

	seedPairs, err := symbols.LoadPairsWithFallback(cfg.Pairs.SeedFile)
	if err != nil {
		logger.WithError(err).Warn("Using default pairs")
	}
	hub.Initialize(seedPairs)
	warm.Initialize(ctx)

	// Read path and transports
	agg := aggregator.New(cfg.Cache, recovery, hub, logger)
	limiter := gateway.NewConnectionLimiter(cfg.Gateway.MaxConnections)
	health := &gateway.Health{
		Version:     version,
		InstanceID:  cfg.Server.InstanceID,
		StartedAt:   startTime,
		Leadership:  elector,
		Feed:        feedClient,
		Broadcaster: hub,
		Warmer:      warm,
		Limiter:     limiter,
		Upstream:    []gateway.LimiterStatus{subscribeLimiter, restLimiter},
		Logger:      logger,
	}
	handler := gateway.NewHandler(cfg.Gateway, cfg.Warmer.Interval, agg, hub, limiter, health, logger)
	grpcSrv := grpcServer.NewServer(cfg, agg, hub, limiter, logger)

	electionDone := make(chan struct{})
	go func() {
		defer close(electionDone)
		elector.Run(ctx, feedClient.Run)
	}()

	go listener.Run(ctx, hub.IngestRemote)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errChan := make(chan error, 2)
	go func() {
		logger.Infof("HTTP server listening on :%d", cfg.Server.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		if err := grpcSrv.Start(); err != nil {
			errChan <- fmt.Errorf("grpc: %w", err)
		}
	}()

	logger.WithFields(logrus.Fields{
		"instance_id": cfg.Server.InstanceID,
		"pairs":       len(seedPairs),
	}).Infof("Nyyu Price Feed v%s started successfully", version)

	// Wait for shutdown signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("Received shutdown signal")
	case err := <-errChan:
		logger.WithError(err).Error("Server error")
	}

	logger.Info("Shutting down gracefully...")

	// Ends streams, the feed session and background loops; the elector
	// releases its lease on the way out.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP shutdown incomplete")
	}
	grpcSrv.Stop()

	select {
	case <-electionDone:
	case <-shutdownCtx.Done():
		logger.Warn("Timed out waiting for leadership release")
	}

	logger.Info("Shutdown complete")
}
