package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"trading/internal/purchase/saga"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the full process configuration.
type Config struct {
	// DatabaseURL selects Postgres; empty keeps sagas and the catalog in memory.
	DatabaseURL   string `env:"DATABASE_URL"`
	AppEnv        string `env:"APP_ENV" envDefault:"development"`
	Redis         RedisConfig
	Streams       StreamsConfig
	Saga          SagaConfig
	Dispatch      DispatchConfig
	Relay         RelayConfig
	GRPC          GRPCConfig
	Observability ObservabilityConfig
}

// RedisConfig holds Redis connection and consumer settings. An empty URL disables Redis.
type RedisConfig struct {
	URL                string        `env:"REDIS_URL"`
	DialTimeout        time.Duration `env:"REDIS_DIAL_TIMEOUT"`
	ReadTimeout        time.Duration `env:"REDIS_READ_TIMEOUT"`
	WriteTimeout       time.Duration `env:"REDIS_WRITE_TIMEOUT"`
	PoolSize           int           `env:"REDIS_POOL_SIZE"`
	MinIdleConns       int           `env:"REDIS_MIN_IDLE_CONNS"`
	MaxRetries         int           `env:"REDIS_MAX_RETRIES"`
	HealthcheckTimeout time.Duration `env:"REDIS_HEALTHCHECK_TIMEOUT" envDefault:"2s"`
	StreamMaxLen       int64         `env:"REDIS_STREAM_MAXLEN" envDefault:"10000"`
	ConsumerGroup      string        `env:"REDIS_CONSUMER_GROUP" envDefault:"trading"`
	ConsumerName       string        `env:"REDIS_CONSUMER_NAME" envDefault:"trading-1"`
	// MaxDeliveries bounds redelivery of a failing entry before it is dead-lettered. Negative disables.
	MaxDeliveries int         `env:"REDIS_MAX_DELIVERIES" envDefault:"5"`
	EnableOTel    bool        `env:"REDIS_OTEL"`
	TLSConfig     *tls.Config `env:"-"`
}

// StreamsConfig names the command destinations and inbound event streams.
type StreamsConfig struct {
	GrantItems    string `env:"GRANT_ITEMS_STREAM" envDefault:"inventory-grant-items"`
	DebitGil      string `env:"DEBIT_GIL_STREAM" envDefault:"identity-debit-gil"`
	SubtractItems string `env:"SUBTRACT_ITEMS_STREAM" envDefault:"inventory-subtract-items"`
	TradingEvents string `env:"TRADING_EVENTS_STREAM" envDefault:"trading-events"`
	CatalogEvents string `env:"CATALOG_EVENTS_STREAM" envDefault:"catalog-events"`
}

// Routes maps each command type to its configured stream.
func (s StreamsConfig) Routes() saga.Routes {
	return saga.Routes{
		saga.CommandGrantItems:    s.GrantItems,
		saga.CommandDebitGil:      s.DebitGil,
		saga.CommandSubtractItems: s.SubtractItems,
	}
}

// SagaConfig bounds recompute-and-commit retries after a version conflict.
type SagaConfig struct {
	MaxAttempts int           `env:"SAGA_MAX_ATTEMPTS" envDefault:"5"`
	BaseDelay   time.Duration `env:"SAGA_RETRY_BASE_DELAY" envDefault:"10ms"`
	MaxDelay    time.Duration `env:"SAGA_RETRY_MAX_DELAY" envDefault:"200ms"`
}

// DispatchConfig tunes outbound command reliability.
type DispatchConfig struct {
	MaxAttempts       int           `env:"DISPATCH_MAX_ATTEMPTS" envDefault:"3"`
	BaseDelay         time.Duration `env:"DISPATCH_RETRY_BASE_DELAY" envDefault:"50ms"`
	MaxDelay          time.Duration `env:"DISPATCH_RETRY_MAX_DELAY" envDefault:"1s"`
	BreakerFailures   int           `env:"DISPATCH_BREAKER_FAILURES" envDefault:"5"`
	BreakerReset      time.Duration `env:"DISPATCH_BREAKER_RESET" envDefault:"5s"`
	RateLimitInterval time.Duration `env:"DISPATCH_RATE_LIMIT_INTERVAL"`
	RateLimitBurst    int           `env:"DISPATCH_RATE_LIMIT_BURST"`
}

// RelayConfig tunes the outbox relay loop.
type RelayConfig struct {
	Interval   time.Duration `env:"OUTBOX_RELAY_INTERVAL" envDefault:"5s"`
	Batch      int           `env:"OUTBOX_RELAY_BATCH" envDefault:"100"`
	StallAfter time.Duration `env:"SAGA_STALL_AFTER" envDefault:"10m"`
}

// GRPCConfig holds the listen address and ingress rate limiting settings.
type GRPCConfig struct {
	Addr              string        `env:"GRPC_ADDR" envDefault:":50051"`
	RateLimitInterval time.Duration `env:"GRPC_RATE_LIMIT_INTERVAL"`
	RateLimitBurst    int           `env:"GRPC_RATE_LIMIT_BURST"`
}

// ObservabilityConfig holds the metrics and websocket HTTP address and tracing export settings.
type ObservabilityConfig struct {
	Addr         string `env:"OBS_ADDR" envDefault:":9090"`
	OTelEndpoint string `env:"OTEL_ENDPOINT"`
	ServiceName  string `env:"OTEL_SERVICE_NAME" envDefault:"trading"`
}

// Production reports whether APP_ENV selects the production profile.
func (c Config) Production() bool {
	return c.AppEnv == "production"
}

// Load reads an optional dotenv file (ENV_FILE, default .env) then parses the environment.
// Variables already present in the environment win over the file.
func Load() (Config, error) {
	if err := loadDotEnv(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.Redis.URL = strings.TrimSpace(cfg.Redis.URL)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	tlsConfig, err := loadRedisTLSFromEnv()
	if err != nil {
		return Config{}, err
	}
	cfg.Redis.TLSConfig = tlsConfig
	return cfg, nil
}

func loadDotEnv() error {
	path := strings.TrimSpace(os.Getenv("ENV_FILE"))
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func (c Config) validate() error {
	durations := map[string]time.Duration{
		"REDIS_DIAL_TIMEOUT":           c.Redis.DialTimeout,
		"REDIS_READ_TIMEOUT":           c.Redis.ReadTimeout,
		"REDIS_WRITE_TIMEOUT":          c.Redis.WriteTimeout,
		"REDIS_HEALTHCHECK_TIMEOUT":    c.Redis.HealthcheckTimeout,
		"SAGA_RETRY_BASE_DELAY":        c.Saga.BaseDelay,
		"SAGA_RETRY_MAX_DELAY":         c.Saga.MaxDelay,
		"DISPATCH_RETRY_BASE_DELAY":    c.Dispatch.BaseDelay,
		"DISPATCH_RETRY_MAX_DELAY":     c.Dispatch.MaxDelay,
		"DISPATCH_BREAKER_RESET":       c.Dispatch.BreakerReset,
		"DISPATCH_RATE_LIMIT_INTERVAL": c.Dispatch.RateLimitInterval,
		"OUTBOX_RELAY_INTERVAL":        c.Relay.Interval,
		"SAGA_STALL_AFTER":             c.Relay.StallAfter,
		"GRPC_RATE_LIMIT_INTERVAL":     c.GRPC.RateLimitInterval,
	}
	for name, val := range durations {
		if val < 0 {
			return fmt.Errorf("%s must be >= 0", name)
		}
	}

	ints := map[string]int{
		"REDIS_POOL_SIZE":           c.Redis.PoolSize,
		"REDIS_MIN_IDLE_CONNS":      c.Redis.MinIdleConns,
		"REDIS_MAX_RETRIES":         c.Redis.MaxRetries,
		"DISPATCH_RATE_LIMIT_BURST": c.Dispatch.RateLimitBurst,
		"GRPC_RATE_LIMIT_BURST":     c.GRPC.RateLimitBurst,
	}
	for name, val := range ints {
		if val < 0 {
			return fmt.Errorf("%s must be >= 0", name)
		}
	}

	positive := map[string]int{
		"SAGA_MAX_ATTEMPTS":         c.Saga.MaxAttempts,
		"DISPATCH_MAX_ATTEMPTS":     c.Dispatch.MaxAttempts,
		"DISPATCH_BREAKER_FAILURES": c.Dispatch.BreakerFailures,
		"OUTBOX_RELAY_BATCH":        c.Relay.Batch,
	}
	for name, val := range positive {
		if val < 1 {
			return fmt.Errorf("%s must be >= 1", name)
		}
	}

	if c.Redis.StreamMaxLen < 0 {
		return errors.New("REDIS_STREAM_MAXLEN must be >= 0")
	}
	if c.Redis.URL != "" && (c.Redis.ConsumerGroup == "" || c.Redis.ConsumerName == "") {
		return errors.New("REDIS_CONSUMER_GROUP and REDIS_CONSUMER_NAME are required with REDIS_URL")
	}
	return nil
}

func loadRedisTLSFromEnv() (*tls.Config, error) {
	caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_FILE"))
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	serverName := strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))
	insecureStr := strings.TrimSpace(os.Getenv("REDIS_TLS_INSECURE_SKIP_VERIFY"))

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && insecureStr == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if insecureStr != "" {
		insecure, err := strconv.ParseBool(insecureStr)
		if err != nil {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE_SKIP_VERIFY: %w", err)
		}
		tlsConfig.InsecureSkipVerify = insecure
	}

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}
