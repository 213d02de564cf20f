// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Queue     QueueConfig     `mapstructure:"queue"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Extract   ExtractConfig   `mapstructure:"extract"`
	OCR       OCRConfig       `mapstructure:"ocr"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// PoolConfig sizes the browser session pool.
type PoolConfig struct {
	Min            int           `mapstructure:"min"`
	Max            int           `mapstructure:"max"`
	RecycleAfter   int           `mapstructure:"recycle_after"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
}

// BackoffConfig shapes the delay between job attempts.
type BackoffConfig struct {
	Base       time.Duration `mapstructure:"base"`
	Multiplier float64       `mapstructure:"multiplier"`
	Strategy   string        `mapstructure:"strategy"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
}

// QueueConfig governs job scheduling and retries.
type QueueConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     BackoffConfig `mapstructure:"backoff"`
}

// RateLimitConfig caps how many jobs start per window.
type RateLimitConfig struct {
	Count  int           `mapstructure:"count"`
	Window time.Duration `mapstructure:"window"`
}

// CacheConfig controls result caching.
type CacheConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Backend      string        `mapstructure:"backend"`
	TTL          time.Duration `mapstructure:"ttl"`
	MaxEntries   int           `mapstructure:"max_entries"`
	ContentProbe bool          `mapstructure:"content_probe"`
}

// CaptureConfig configures the headless browser.
type CaptureConfig struct {
	Headless          bool          `mapstructure:"headless"`
	ExecPath          string        `mapstructure:"exec_path"`
	UserAgent         string        `mapstructure:"user_agent"`
	WindowWidth       int           `mapstructure:"window_width"`
	WindowHeight      int           `mapstructure:"window_height"`
	Timeout           time.Duration `mapstructure:"timeout"`
	PostLoadWait      time.Duration `mapstructure:"post_load_wait"`
	ScreenshotQuality int           `mapstructure:"screenshot_quality"`
}

// ExtractConfig tunes the extraction stage.
type ExtractConfig struct {
	AcceptanceThreshold float64       `mapstructure:"acceptance_threshold"`
	Timeout             time.Duration `mapstructure:"timeout"`
	OCRMode             string        `mapstructure:"ocr_mode"`
}

// OCRConfig points at the OCR service.
type OCRConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// LocalStorageConfig configures the filesystem blob store.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// StorageConfig selects where screenshots are written.
type StorageConfig struct {
	Backend string             `mapstructure:"backend"`
	Bucket  string             `mapstructure:"bucket"`
	Prefix  string             `mapstructure:"prefix"`
	Local   LocalStorageConfig `mapstructure:"local"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// RedisConfig configures the Redis cache backend.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// BatchConfig bounds one delivery batch.
type BatchConfig struct {
	MaxEvents int           `mapstructure:"max_events"`
	MaxWait   time.Duration `mapstructure:"max_wait"`
}

// ProgressConfig configures the progress hub and its sinks.
type ProgressConfig struct {
	BufferSize  int           `mapstructure:"buffer_size"`
	Batch       BatchConfig   `mapstructure:"batch"`
	SinkTimeout time.Duration `mapstructure:"sink_timeout"`
	LogEnabled  bool          `mapstructure:"log_enabled"`
	WebSocket   bool          `mapstructure:"websocket"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRODUCT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("pool.min", 1)
	v.SetDefault("pool.max", 4)
	v.SetDefault("pool.recycle_after", 50)
	v.SetDefault("pool.acquire_timeout", 30*time.Second)
	v.SetDefault("pool.retry_delay", 5*time.Second)
	v.SetDefault("queue.concurrency", 4)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff.base", 2*time.Second)
	v.SetDefault("queue.backoff.multiplier", 2.0)
	v.SetDefault("queue.backoff.strategy", "linear")
	v.SetDefault("queue.backoff.max_delay", time.Minute)
	v.SetDefault("rate_limit.count", 10)
	v.SetDefault("rate_limit.window", time.Minute)
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", 24*time.Hour)
	v.SetDefault("cache.max_entries", 10000)
	v.SetDefault("cache.content_probe", false)
	v.SetDefault("capture.headless", true)
	v.SetDefault("capture.user_agent", "product-capture/0.1")
	v.SetDefault("capture.window_width", 1920)
	v.SetDefault("capture.window_height", 1080)
	v.SetDefault("capture.timeout", 45*time.Second)
	v.SetDefault("capture.post_load_wait", 1500*time.Millisecond)
	v.SetDefault("capture.screenshot_quality", 90)
	v.SetDefault("extract.acceptance_threshold", 0.7)
	v.SetDefault("extract.timeout", 30*time.Second)
	v.SetDefault("extract.ocr_mode", "fallback")
	v.SetDefault("ocr.endpoint", "http://tesseract-service:5000/ocr")
	v.SetDefault("ocr.timeout", 60*time.Second)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "screenshots")
	v.SetDefault("storage.local.base_dir", "data/screenshots")
	v.SetDefault("db.table", "capture_jobs")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("redis.key_prefix", "product-capture:")
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch.max_events", 50)
	v.SetDefault("progress.batch.max_wait", 100*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 5*time.Second)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.websocket", true)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Pool.Min < 0 {
		return fmt.Errorf("pool.min must be >= 0")
	}
	if c.Pool.Max <= 0 {
		return fmt.Errorf("pool.max must be > 0")
	}
	if c.Pool.Min > c.Pool.Max {
		return fmt.Errorf("pool.min must be <= pool.max")
	}
	if c.Pool.RecycleAfter <= 0 {
		return fmt.Errorf("pool.recycle_after must be > 0")
	}
	if c.Pool.AcquireTimeout <= 0 {
		return fmt.Errorf("pool.acquire_timeout must be > 0")
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue.concurrency must be > 0")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	switch c.Queue.Backoff.Strategy {
	case "linear", "exponential":
	default:
		return fmt.Errorf("queue.backoff.strategy must be linear or exponential")
	}
	if c.RateLimit.Count <= 0 {
		return fmt.Errorf("rate_limit.count must be > 0")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be > 0")
	}
	if c.Cache.Enabled {
		if c.Cache.TTL <= 0 {
			return fmt.Errorf("cache.ttl must be > 0")
		}
		switch c.Cache.Backend {
		case "memory":
		case "redis":
			if c.Redis.Addr == "" {
				return fmt.Errorf("redis.addr must be set when cache.backend is redis")
			}
		default:
			return fmt.Errorf("cache.backend must be memory or redis")
		}
	}
	if c.Capture.Timeout <= 0 {
		return fmt.Errorf("capture.timeout must be > 0")
	}
	if c.Extract.AcceptanceThreshold < 0 || c.Extract.AcceptanceThreshold > 1 {
		return fmt.Errorf("extract.acceptance_threshold must be within [0,1]")
	}
	if c.Extract.Timeout <= 0 {
		return fmt.Errorf("extract.timeout must be > 0")
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir must be set when storage.backend is local")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set when storage.backend is gcs")
		}
	default:
		return fmt.Errorf("storage.backend must be memory, local or gcs")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}
