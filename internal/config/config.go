package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Cache    CacheConfig
	Election ElectionConfig
	Feed     FeedConfig
	Warmer   WarmerConfig
	Gateway  GatewayConfig
	Pairs    PairsConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	GRPCPort    int
	HTTPPort    int
	Environment string
	InstanceID  string
}

type RedisConfig struct {
	Host        string
	Port        int
	Password    string
	DB          int
	KeyPrefix   string
	TickChannel string
}

type CacheConfig struct {
	LocalTTL              time.Duration
	StoreTTL              time.Duration
	StaleThreshold        time.Duration
	ProbeInterval         time.Duration
	ProbeFailureThreshold int
}

type ElectionConfig struct {
	LeaseTTL      time.Duration
	RenewInterval time.Duration
	Key           string
}

type FeedConfig struct {
	WSURL            string
	ProxyURL         string
	PingInterval     time.Duration
	PongTimeout      time.Duration
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	BreakerWindow    time.Duration
	SubscribeRPS     float64
}

type WarmerConfig struct {
	Interval     time.Duration
	Concurrency  int
	FetchTimeout time.Duration
	RESTURL      string
	RPS          float64
	Burst        int
}

type GatewayConfig struct {
	MaxConnections    int
	HeartbeatInterval time.Duration
	ClientBuffer      int
}

type PairsConfig struct {
	SeedFile string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	leaseTTL := parseDuration(getEnv("LEADER_LEASE_TTL", "15s"), 15*time.Second)

	cfg := &Config{
		Server: ServerConfig{
			GRPCPort:    getEnvInt("GRPC_PORT", 50051),
			HTTPPort:    getEnvInt("HTTP_PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			InstanceID:  getEnv("INSTANCE_ID", defaultInstanceID()),
		},
		Redis: RedisConfig{
			Host:        getEnv("REDIS_HOST", "localhost"),
			Port:        getEnvInt("REDIS_PORT", 6379),
			Password:    getEnv("REDIS_PASSWORD", ""),
			DB:          getEnvInt("REDIS_DB", 0),
			KeyPrefix:   getEnv("REDIS_KEY_PREFIX", "nyyu:pricefeed"),
			TickChannel: getEnv("REDIS_TICK_CHANNEL", "nyyu:market:tick"),
		},
		Cache: CacheConfig{
			LocalTTL:              parseDuration(getEnv("CACHE_LOCAL_TTL", "10s"), 10*time.Second),
			StoreTTL:              parseDuration(getEnv("CACHE_STORE_TTL", "60s"), 60*time.Second),
			StaleThreshold:        parseDuration(getEnv("CACHE_STALE_THRESHOLD", "30s"), 30*time.Second),
			ProbeInterval:         parseDuration(getEnv("CACHE_PROBE_INTERVAL", "5s"), 5*time.Second),
			ProbeFailureThreshold: getEnvInt("CACHE_PROBE_FAILURES", 3),
		},
		Election: ElectionConfig{
			LeaseTTL:      leaseTTL,
			RenewInterval: parseDuration(getEnv("LEADER_RENEW_INTERVAL", ""), leaseTTL/3),
			Key:           getEnv("LEADER_KEY", "nyyu:pricefeed:leader"),
		},
		Feed: FeedConfig{
			WSURL:            getEnv("FEED_WS_URL", "wss://ws.kraken.com/v2"),
			ProxyURL:         getEnv("FEED_PROXY_URL", ""),
			PingInterval:     parseDuration(getEnv("FEED_PING_INTERVAL", "20s"), 20*time.Second),
			PongTimeout:      parseDuration(getEnv("FEED_PONG_TIMEOUT", "10s"), 10*time.Second),
			BackoffBase:      parseDuration(getEnv("FEED_BACKOFF_BASE", "1s"), time.Second),
			BackoffMax:       parseDuration(getEnv("FEED_BACKOFF_MAX", "60s"), 60*time.Second),
			BreakerThreshold: getEnvInt("FEED_BREAKER_THRESHOLD", 5),
			BreakerCooldown:  parseDuration(getEnv("FEED_BREAKER_COOLDOWN", "30s"), 30*time.Second),
			BreakerWindow:    parseDuration(getEnv("FEED_BREAKER_WINDOW", "2m"), 2*time.Minute),
			SubscribeRPS:     getEnvFloat("FEED_SUBSCRIBE_RPS", 5),
		},
		Warmer: WarmerConfig{
			Interval:     parseDuration(getEnv("WARMER_INTERVAL", "4s"), 4*time.Second),
			Concurrency:  getEnvInt("WARMER_CONCURRENCY", 8),
			FetchTimeout: parseDuration(getEnv("WARMER_FETCH_TIMEOUT", "3s"), 3*time.Second),
			RESTURL:      getEnv("WARMER_REST_URL", "https://api.kraken.com"),
			RPS:          getEnvFloat("WARMER_RPS", 1),
			Burst:        getEnvInt("WARMER_BURST", 5),
		},
		Gateway: GatewayConfig{
			MaxConnections:    getEnvInt("GATEWAY_MAX_CONNECTIONS", 5000),
			HeartbeatInterval: parseDuration(getEnv("GATEWAY_HEARTBEAT_INTERVAL", "15s"), 15*time.Second),
			ClientBuffer:      getEnvInt("GATEWAY_CLIENT_BUFFER", 64),
		},
		Pairs: PairsConfig{
			SeedFile: getEnv("PAIRS_FILE", "pairs.yaml"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Redis.Host == "" {
		return fmt.Errorf("REDIS_HOST is required")
	}
	if c.Election.LeaseTTL <= 0 {
		return fmt.Errorf("LEADER_LEASE_TTL must be positive")
	}
	if c.Election.RenewInterval <= 0 || c.Election.RenewInterval >= c.Election.LeaseTTL {
		return fmt.Errorf("LEADER_RENEW_INTERVAL must be positive and shorter than LEADER_LEASE_TTL")
	}
	if c.Feed.BreakerThreshold < 1 {
		return fmt.Errorf("FEED_BREAKER_THRESHOLD must be at least 1")
	}
	if c.Gateway.MaxConnections < 1 {
		return fmt.Errorf("GATEWAY_MAX_CONNECTIONS must be at least 1")
	}
	if c.Warmer.Concurrency < 1 {
		return fmt.Errorf("WARMER_CONCURRENCY must be at least 1")
	}

	// Tickers and timers built from these panic or spin on zero
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"CACHE_LOCAL_TTL", c.Cache.LocalTTL},
		{"CACHE_STORE_TTL", c.Cache.StoreTTL},
		{"CACHE_PROBE_INTERVAL", c.Cache.ProbeInterval},
		{"FEED_PING_INTERVAL", c.Feed.PingInterval},
		{"FEED_PONG_TIMEOUT", c.Feed.PongTimeout},
		{"FEED_BACKOFF_BASE", c.Feed.BackoffBase},
		{"FEED_BACKOFF_MAX", c.Feed.BackoffMax},
		{"WARMER_INTERVAL", c.Warmer.Interval},
		{"WARMER_FETCH_TIMEOUT", c.Warmer.FetchTimeout},
		{"GATEWAY_HEARTBEAT_INTERVAL", c.Gateway.HeartbeatInterval},
	} {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}
	if c.Feed.BackoffMax < c.Feed.BackoffBase {
		return fmt.Errorf("FEED_BACKOFF_MAX must not be shorter than FEED_BACKOFF_BASE")
	}
	return nil
}

func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "pricefeed"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func parseDuration(s string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}
