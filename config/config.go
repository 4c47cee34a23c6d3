package config

import (
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App       AppConfig       `yaml:"app"`
	Logging   LoggingConfig   `yaml:"logging"`
	HTTP      HTTPConfig      `yaml:"http"`
	Exchanges ExchangesConfig `yaml:"exchanges"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Backfill  BackfillConfig  `yaml:"backfill"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Storage   StorageConfig   `yaml:"storage"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type HTTPConfig struct {
	Timeout        time.Duration        `yaml:"timeout"`
	UserAgent      string               `yaml:"user_agent"`
	LocalIP        string               `yaml:"local_ip"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
	Retry          RetryConfig          `yaml:"retry"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier int           `yaml:"backoff_multiplier"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type ExchangesConfig struct {
	Binance ExchangeConfig `yaml:"binance"`
	Bybit   ExchangeConfig `yaml:"bybit"`
	Kucoin  ExchangeConfig `yaml:"kucoin"`
	Okx     ExchangeConfig `yaml:"okx"`
}

// ExchangeConfig configures one venue. BaseURLs is keyed by catalog market
// ("spot", "linear", ...); the "default" entry serves markets not listed.
type ExchangeConfig struct {
	Enabled       bool              `yaml:"enabled"`
	BaseURLs      map[string]string `yaml:"base_urls"`
	Markets       []string          `yaml:"markets"`
	PageLimit     int               `yaml:"page_limit"`
	RateLimit     RateLimitConfig   `yaml:"rate_limit"`
	RequestWeight int64             `yaml:"request_weight"`
}

// BaseURL returns the endpoint root for market.
func (e ExchangeConfig) BaseURL(market string) string {
	if u, ok := e.BaseURLs[market]; ok && u != "" {
		return strings.TrimRight(u, "/")
	}
	return strings.TrimRight(e.BaseURLs["default"], "/")
}

// Get returns the configuration for the named exchange.
func (e ExchangesConfig) Get(name string) (ExchangeConfig, bool) {
	switch strings.ToLower(name) {
	case "binance":
		return e.Binance, true
	case "bybit":
		return e.Bybit, true
	case "kucoin":
		return e.Kucoin, true
	case "okx":
		return e.Okx, true
	}
	return ExchangeConfig{}, false
}

// Names lists the supported exchanges in a stable order.
func (e ExchangesConfig) Names() []string {
	return []string{"binance", "bybit", "kucoin", "okx"}
}

type SchedulerConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

type BackfillConfig struct {
	Interval   string `yaml:"interval"`
	WindowDays int    `yaml:"window_days"`
}

type JobsConfig struct {
	StableQuotes []string `yaml:"stable_quotes"`
}

type StorageConfig struct {
	Backends []string       `yaml:"backends"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	S3       S3Config       `yaml:"s3"`
	Parquet  ParquetConfig  `yaml:"parquet"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type ParquetConfig struct {
	Compression string `yaml:"compression"`
	Parallelism int64  `yaml:"parallelism"`
}

type MetricsConfig struct {
	UsedWeight     bool             `yaml:"used_weight"`
	ReportInterval time.Duration    `yaml:"report_interval"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
	Prometheus     PrometheusConfig `yaml:"prometheus"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type PrometheusConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url"`
	Job            string `yaml:"job"`
}

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendArchive  = "s3"
)

var knownBackends = []string{BackendMemory, BackendSQLite, BackendPostgres, BackendRedis, BackendArchive}

// Default returns the configuration used for keys the file leaves unset.
func Default() Config {
	return Config{
		App:     AppConfig{Name: "marketflow", Version: "dev"},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		HTTP: HTTPConfig{
			Timeout:   15 * time.Second,
			UserAgent: "marketflow/1.0",
			ConnectionPool: ConnectionPoolConfig{
				MaxIdleConns:    100,
				MaxConnsPerHost: 20,
				IdleConnTimeout: 90 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts:       3,
				BaseDelay:         500 * time.Millisecond,
				MaxDelay:          10 * time.Second,
				BackoffMultiplier: 2,
			},
		},
		Exchanges: ExchangesConfig{
			Binance: ExchangeConfig{
				Enabled: true,
				BaseURLs: map[string]string{
					"spot":    "https://api.binance.com",
					"linear":  "https://fapi.binance.com",
					"inverse": "https://dapi.binance.com",
				},
				Markets:   []string{"spot", "linear", "inverse"},
				PageLimit: 1000,
				RateLimit: RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5},
			},
			Bybit: ExchangeConfig{
				Enabled:   true,
				BaseURLs:  map[string]string{"default": "https://api.bybit.com"},
				Markets:   []string{"spot", "linear", "inverse"},
				PageLimit: 1000,
				RateLimit: RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5},
			},
			Kucoin: ExchangeConfig{
				Enabled: true,
				BaseURLs: map[string]string{
					"spot":    "https://api.kucoin.com",
					"futures": "https://api-futures.kucoin.com",
				},
				Markets:   []string{"spot", "futures"},
				PageLimit: 1500,
				RateLimit: RateLimitConfig{RequestsPerSecond: 5, BurstSize: 1},
			},
			Okx: ExchangeConfig{
				Enabled:   true,
				BaseURLs:  map[string]string{"default": "https://www.okx.com"},
				Markets:   []string{"spot", "margin", "swap", "futures"},
				PageLimit: 100,
				RateLimit: RateLimitConfig{RequestsPerSecond: 5, BurstSize: 1},
			},
		},
		Scheduler: SchedulerConfig{BatchSize: 10, BatchTimeout: 5 * time.Minute},
		Backfill:  BackfillConfig{Interval: "1d", WindowDays: 7},
		Jobs:      JobsConfig{StableQuotes: []string{"USDT", "USDC", "BUSD", "FDUSD", "DAI", "TUSD"}},
		Storage: StorageConfig{
			Backends: []string{BackendSQLite},
			SQLite:   SQLiteConfig{Path: "marketflow.db"},
			Postgres: PostgresConfig{MaxConns: 10},
			Redis:    RedisConfig{Addr: "localhost:6379", TTL: 48 * time.Hour},
			Parquet:  ParquetConfig{Compression: "snappy", Parallelism: 4},
		},
		Metrics: MetricsConfig{
			UsedWeight:     true,
			ReportInterval: time.Minute,
			CloudWatch:     CloudWatchConfig{Namespace: "MarketFlow", Dashboard: "MarketFlow"},
			Prometheus:     PrometheusConfig{Job: "marketflow"},
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	path = ResolvePath(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnv(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &config, nil
}

func applyEnv(cfg *Config) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.Storage.S3.AccessKeyID, "AWS_ACCESS_KEY_ID")
	set(&cfg.Storage.S3.SecretAccessKey, "AWS_SECRET_ACCESS_KEY")
	set(&cfg.Storage.S3.Region, "AWS_REGION")
	set(&cfg.Storage.S3.Bucket, "S3_BUCKET")
	set(&cfg.Storage.SQLite.Path, "SQLITE_PATH")
	set(&cfg.Storage.Postgres.DSN, "POSTGRES_DSN")
	set(&cfg.Storage.Redis.Addr, "REDIS_ADDR")
	set(&cfg.Metrics.Prometheus.PushgatewayURL, "PUSHGATEWAY_URL")
	cfg.Storage.S3.Bucket = strings.TrimSpace(cfg.Storage.S3.Bucket)
}

func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}
	if cfg.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be greater than 0")
	}
	if cfg.HTTP.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("http.retry.max_attempts must be greater than 0")
	}
	if cfg.HTTP.Retry.MaxDelay < cfg.HTTP.Retry.BaseDelay {
		return fmt.Errorf("http.retry.max_delay must not be lower than http.retry.base_delay")
	}

	for _, name := range cfg.Exchanges.Names() {
		ex, _ := cfg.Exchanges.Get(name)
		if !ex.Enabled {
			continue
		}
		if ex.PageLimit <= 0 {
			return fmt.Errorf("exchanges.%s.page_limit must be greater than 0", name)
		}
		if ex.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("exchanges.%s.rate_limit.requests_per_second must be greater than 0", name)
		}
		if len(ex.Markets) == 0 {
			return fmt.Errorf("exchanges.%s.markets must not be empty", name)
		}
		for _, m := range ex.Markets {
			if ex.BaseURL(m) == "" {
				return fmt.Errorf("exchanges.%s.base_urls has no entry for market %q", name, m)
			}
		}
	}

	if cfg.Scheduler.BatchSize < 1 || cfg.Scheduler.BatchSize > 20 {
		return fmt.Errorf("scheduler.batch_size must be between 1 and 20")
	}
	if cfg.Scheduler.BatchTimeout <= 0 {
		return fmt.Errorf("scheduler.batch_timeout must be greater than 0")
	}
	if cfg.Backfill.WindowDays <= 0 {
		return fmt.Errorf("backfill.window_days must be greater than 0")
	}

	if len(cfg.Storage.Backends) == 0 {
		return fmt.Errorf("storage.backends must not be empty")
	}
	for _, b := range cfg.Storage.Backends {
		if !slices.Contains(knownBackends, b) {
			return fmt.Errorf("storage.backends: unknown backend %q", b)
		}
	}
	if IsProductionLike(AppEnvironment()) && len(cfg.Storage.Backends) == 1 && cfg.HasBackend(BackendMemory) {
		return fmt.Errorf("storage.backends: memory alone is not allowed in %s", AppEnvironment())
	}
	if cfg.HasBackend(BackendSQLite) && cfg.Storage.SQLite.Path == "" {
		return fmt.Errorf("storage.sqlite.path is required when the sqlite backend is enabled")
	}
	if cfg.HasBackend(BackendPostgres) && cfg.Storage.Postgres.DSN == "" {
		return fmt.Errorf("storage.postgres.dsn is required when the postgres backend is enabled")
	}
	if cfg.HasBackend(BackendRedis) && cfg.Storage.Redis.Addr == "" {
		return fmt.Errorf("storage.redis.addr is required when the redis backend is enabled")
	}
	if cfg.HasBackend(BackendArchive) {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when the s3 backend is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when the s3 backend is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
		switch cfg.Storage.Parquet.Compression {
		case "", "snappy", "gzip", "lzo", "uncompressed", "none":
		default:
			return fmt.Errorf("storage.parquet.compression '%s' is not supported", cfg.Storage.Parquet.Compression)
		}
	}

	return nil
}

// HasBackend reports whether backend is listed in storage.backends.
func (c *Config) HasBackend(backend string) bool {
	return slices.Contains(c.Storage.Backends, backend)
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
