// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// App holds the scheduler's admission-control knobs (spec.md §6).
type App struct {
	MaxActiveDownloads int           `mapstructure:"max_active_downloads"`
	MinFreeSpaceGB     float64       `mapstructure:"min_free_space_gb"`
	DefaultSearchLimit int           `mapstructure:"default_search_limit"`
	SchedulerTick      time.Duration `mapstructure:"scheduler_tick"`
	WorkerTick         time.Duration `mapstructure:"worker_tick"`
	BulkResolverTick   time.Duration `mapstructure:"bulk_resolver_tick"`
	InsertRatePerMin   int           `mapstructure:"insert_rate_per_minute"`
}

// Downloader configures the RPC client to the content-transfer daemon
// (spec.md §6).
type Downloader struct {
	RPCURL      string        `mapstructure:"rpc_url"`
	Secret      string        `mapstructure:"secret"`
	MaxSpeedMBs float64       `mapstructure:"max_speed_mb_s"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	StatusPoll  time.Duration `mapstructure:"status_poll_timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
}

// Paths configures the filesystem layout (spec.md §6).
type Paths struct {
	Downloads string `mapstructure:"downloads"`
	Library   string `mapstructure:"library"`
}

// MediaServer configures the library-refresh collaborator (spec.md §6).
type MediaServer struct {
	URL       string `mapstructure:"url"`
	APIKey    string `mapstructure:"api_key"`
	LibraryID string `mapstructure:"library_id"`
}

// Provider is a per-provider config block (spec.md §6
// providers.<key>.*).
type Provider struct {
	DownloadSpacingSeconds float64       `mapstructure:"download_spacing_seconds"`
	MenuCacheTTL           time.Duration `mapstructure:"menu_cache_ttl_seconds"`
	VariantsCacheTTL       time.Duration `mapstructure:"variants_cache_ttl_seconds"`
	ErrorBackoffSeconds    float64       `mapstructure:"error_backoff_seconds"`
}

// Store configures the transactional persistence layer (spec.md §6).
type Store struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConnAttempts int           `mapstructure:"max_conn_attempts"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay"`
}

// Redis configures the client backing ProviderPause/ProviderBackoff
// (C4) and the catalog cache (C9). Structurally unchanged from the
// a typical internal/config.Redis block.
type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// Backoff is the initial/cap window for ProviderBackoff doubling
// (spec.md §4.4: "default initial window is one minute, doubled...
// capped at a configurable maximum").
type Backoff struct {
	Initial time.Duration `mapstructure:"initial"`
	Max     time.Duration `mapstructure:"max"`
}

// CircuitBreaker gates calls to the downloader RPC client (C2) the way
// a worker pool gates Redis calls; kept structurally identical
// to internal/breaker's constructor parameters.
type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type TracingConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	Endpoint         string  `mapstructure:"endpoint"`
	Environment      string  `mapstructure:"environment"`
	SamplingStrategy string  `mapstructure:"sampling_strategy"`
	SamplingRate     float64 `mapstructure:"sampling_rate"`
}

type Observability struct {
	MetricsPort int `mapstructure:"metrics_port"`
	LogLevel    string `mapstructure:"log_level"`
	// QueueSampleInterval paces the gauge sampler (scheduler claimable
	// jobs, provider backoff counts, event bus subscribers).
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
	Tracing             TracingConfig `mapstructure:"tracing"`
}

// EventBus configures the SSE fan-out (C7) buffer and heartbeat
// (spec.md §4.7).
type EventBus struct {
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
	Heartbeat        time.Duration `mapstructure:"heartbeat"`
}

// Audit configures the rotating JSON-lines audit sink that pairs with
// the SQL audit_log table (spec.md §1 names audit logging an external
// collaborator, but every action still gets logged the way the
// an admin API would).
type Audit struct {
	Enabled    bool  `mapstructure:"enabled"`
	LogPath    string `mapstructure:"log_path"`
	RotateSize int64  `mapstructure:"rotate_size_bytes"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// API configures the HTTP surface (spec.md §6) that gives the core
// components a real caller. Session verification itself stays an
// injected interface (spec.md §1); these settings only cover the
// listener, insert rate limiting, and CORS.
type API struct {
	ListenAddr         string        `mapstructure:"listen_addr"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	CORSAllowOrigins   []string      `mapstructure:"cors_allow_origins"`
	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute"`
	RateLimitBurst     int           `mapstructure:"rate_limit_burst"`
}

type Config struct {
	App            App                 `mapstructure:"app"`
	Downloader     Downloader          `mapstructure:"downloader"`
	Paths          Paths               `mapstructure:"paths"`
	MediaServer    MediaServer         `mapstructure:"media_server"`
	Providers      map[string]Provider `mapstructure:"providers"`
	Store          Store               `mapstructure:"store"`
	Redis          Redis               `mapstructure:"redis"`
	Backoff        Backoff             `mapstructure:"backoff"`
	CircuitBreaker CircuitBreaker      `mapstructure:"circuit_breaker"`
	Observability  Observability       `mapstructure:"observability"`
	EventBus       EventBus            `mapstructure:"event_bus"`
	Audit          Audit               `mapstructure:"audit"`
	API            API                 `mapstructure:"api"`
}

// BackoffInitial returns the initial backoff window to use when
// tripping coordination.Backoff for providerKey: the per-provider
// `error_backoff_seconds` override (spec.md §6) when set, else the
// global Backoff.Initial, the same fallback pattern
// waitSpacing/handleCatalogMenu use for their own per-provider
// overrides (download_spacing_seconds, menu_cache_ttl_seconds).
func (c *Config) BackoffInitial(providerKey string) time.Duration {
	if p, ok := c.Providers[providerKey]; ok && p.ErrorBackoffSeconds > 0 {
		return time.Duration(p.ErrorBackoffSeconds * float64(time.Second))
	}
	return c.Backoff.Initial
}

func defaultConfig() *Config {
	return &Config{
		App: App{
			MaxActiveDownloads: 3,
			MinFreeSpaceGB:     5,
			DefaultSearchLimit: 25,
			SchedulerTick:      1 * time.Second,
			WorkerTick:         2 * time.Second,
			BulkResolverTick:   3 * time.Second,
			InsertRatePerMin:   0,
		},
		Downloader: Downloader{
			RPCURL:      "http://127.0.0.1:6800/jsonrpc",
			MaxSpeedMBs: 0,
			CallTimeout: 30 * time.Second,
			StatusPoll:  5 * time.Second,
			MaxRetries:  3,
		},
		Paths: Paths{
			Downloads: "./downloads",
			Library:   "./library",
		},
		Providers: map[string]Provider{},
		Store: Store{
			DSN:             "./data/orchestrator.db",
			MaxConnAttempts: 5,
			RetryBaseDelay:  25 * time.Millisecond,
		},
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Backoff: Backoff{
			Initial: 1 * time.Minute,
			Max:     15 * time.Minute,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       5,
		},
		Observability: Observability{
			MetricsPort:         9090,
			LogLevel:            "info",
			QueueSampleInterval: 2 * time.Second,
			Tracing:             TracingConfig{Enabled: false, SamplingRate: 0.1},
		},
		EventBus: EventBus{
			SubscriberBuffer: 64,
			Heartbeat:        15 * time.Second,
		},
		Audit: Audit{
			Enabled:    true,
			LogPath:    "./data/audit.log",
			RotateSize: 100 * 1024 * 1024,
			MaxBackups: 10,
		},
		API: API{
			ListenAddr:         ":8080",
			ReadTimeout:        30 * time.Second,
			WriteTimeout:       30 * time.Second,
			ShutdownTimeout:    10 * time.Second,
			CORSAllowOrigins:   []string{"*"},
			RateLimitPerMinute: 120,
			RateLimitBurst:     20,
		},
	}
}

// Load reads configuration from YAML file and env overrides, matching
// a standard viper layering (internal/config.Load): defaults first,
// then file, then environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("app.max_active_downloads", def.App.MaxActiveDownloads)
	v.SetDefault("app.min_free_space_gb", def.App.MinFreeSpaceGB)
	v.SetDefault("app.default_search_limit", def.App.DefaultSearchLimit)
	v.SetDefault("app.scheduler_tick", def.App.SchedulerTick)
	v.SetDefault("app.worker_tick", def.App.WorkerTick)
	v.SetDefault("app.bulk_resolver_tick", def.App.BulkResolverTick)
	v.SetDefault("app.insert_rate_per_minute", def.App.InsertRatePerMin)

	v.SetDefault("downloader.rpc_url", def.Downloader.RPCURL)
	v.SetDefault("downloader.max_speed_mb_s", def.Downloader.MaxSpeedMBs)
	v.SetDefault("downloader.call_timeout", def.Downloader.CallTimeout)
	v.SetDefault("downloader.status_poll_timeout", def.Downloader.StatusPoll)
	v.SetDefault("downloader.max_retries", def.Downloader.MaxRetries)

	v.SetDefault("paths.downloads", def.Paths.Downloads)
	v.SetDefault("paths.library", def.Paths.Library)

	v.SetDefault("store.dsn", def.Store.DSN)
	v.SetDefault("store.max_conn_attempts", def.Store.MaxConnAttempts)
	v.SetDefault("store.retry_base_delay", def.Store.RetryBaseDelay)

	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("backoff.initial", def.Backoff.Initial)
	v.SetDefault("backoff.max", def.Backoff.Max)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.sampling_rate", def.Observability.Tracing.SamplingRate)

	v.SetDefault("event_bus.subscriber_buffer", def.EventBus.SubscriberBuffer)
	v.SetDefault("event_bus.heartbeat", def.EventBus.Heartbeat)

	v.SetDefault("audit.enabled", def.Audit.Enabled)
	v.SetDefault("audit.log_path", def.Audit.LogPath)
	v.SetDefault("audit.rotate_size_bytes", def.Audit.RotateSize)
	v.SetDefault("audit.max_backups", def.Audit.MaxBackups)
	v.SetDefault("audit.compress", def.Audit.Compress)

	v.SetDefault("api.listen_addr", def.API.ListenAddr)
	v.SetDefault("api.read_timeout", def.API.ReadTimeout)
	v.SetDefault("api.write_timeout", def.API.WriteTimeout)
	v.SetDefault("api.shutdown_timeout", def.API.ShutdownTimeout)
	v.SetDefault("api.cors_allow_origins", def.API.CORSAllowOrigins)
	v.SetDefault("api.rate_limit_per_minute", def.API.RateLimitPerMinute)
	v.SetDefault("api.rate_limit_burst", def.API.RateLimitBurst)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]Provider{}
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid
// settings, matching a fail-fast Validate (spec.md §6 exit
// code 1: "configuration invalid").
func Validate(cfg *Config) error {
	if cfg.App.MaxActiveDownloads < 1 {
		return fmt.Errorf("app.max_active_downloads must be >= 1")
	}
	if cfg.App.MinFreeSpaceGB < 0 {
		return fmt.Errorf("app.min_free_space_gb must be >= 0")
	}
	if cfg.Downloader.RPCURL == "" {
		return fmt.Errorf("downloader.rpc_url must be set")
	}
	if cfg.Downloader.CallTimeout <= 0 {
		return fmt.Errorf("downloader.call_timeout must be > 0")
	}
	if cfg.Paths.Downloads == "" || cfg.Paths.Library == "" {
		return fmt.Errorf("paths.downloads and paths.library must be set")
	}
	if cfg.Store.DSN == "" {
		return fmt.Errorf("store.dsn must be set")
	}
	if cfg.Backoff.Initial <= 0 || cfg.Backoff.Max < cfg.Backoff.Initial {
		return fmt.Errorf("backoff.initial must be > 0 and <= backoff.max")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.EventBus.SubscriberBuffer < 1 {
		return fmt.Errorf("event_bus.subscriber_buffer must be >= 1")
	}
	if cfg.API.ListenAddr == "" {
		return fmt.Errorf("api.listen_addr must be set")
	}
	return nil
}
