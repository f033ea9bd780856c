package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `json:"server"`
	Store    StoreConfig    `json:"store"`
	Budget   BudgetConfig   `json:"budget"`
	Breaker  BreakerConfig  `json:"breaker"`
	Cache    CacheConfig    `json:"cache"`
	Queue    QueueConfig    `json:"queue"`
	Recovery RecoveryConfig `json:"recovery"`
	Events   EventsConfig   `json:"events"`
	Notify   NotifyConfig   `json:"notify"`
	Logging  LoggingConfig  `json:"logging"`
	Tracing  TracingConfig  `json:"tracing"`
}

// ServerConfig contains HTTP server configuration for the ops endpoints
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// StoreConfig contains key-value store connection configuration
type StoreConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// BudgetConfig contains spend governance configuration.
// MonthlyCap is a decimal euro amount; it is parsed into an exact
// fixed-point representation at startup and rejected if malformed.
type BudgetConfig struct {
	MonthlyCap          string        `json:"monthly_cap"`
	KillSwitchThreshold float64       `json:"kill_switch_threshold"`
	SpendTTL            time.Duration `json:"spend_ttl"`
	KillSwitchTTL       time.Duration `json:"kill_switch_ttl"`
}

// BreakerConfig contains circuit breaker configuration
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`
	KeyPrefix        string        `json:"key_prefix"`
}

// CacheConfig contains degraded cache configuration. OriginURL, when
// set, is the base URL refresh operations are replayed against.
type CacheConfig struct {
	DefaultTTL          time.Duration `json:"default_ttl"`
	FreshnessWindow     time.Duration `json:"freshness_window"`
	MaxStaleServe       time.Duration `json:"max_stale_serve"`
	RefreshThreshold    float64       `json:"refresh_threshold"`
	CompressionMinBytes int           `json:"compression_min_bytes"`
	OriginURL           string        `json:"origin_url"`
}

// QueueConfig contains operation queue configuration
type QueueConfig struct {
	MaxAge            time.Duration `json:"max_age"`
	BatchSize         int           `json:"batch_size"`
	DefaultMaxRetries int           `json:"default_max_retries"`
	BaseRetryDelay    time.Duration `json:"base_retry_delay"`
	MaxRetryDelay     time.Duration `json:"max_retry_delay"`
	RecordTTL         time.Duration `json:"record_ttl"`
	OperationTimeout  time.Duration `json:"operation_timeout"`
	WorkerConcurrency int           `json:"worker_concurrency"`
	PollInterval      time.Duration `json:"poll_interval"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout"`
}

// RecoveryConfig contains recovery detection configuration. Targets is
// a comma-separated list of service=url pairs to monitor.
type RecoveryConfig struct {
	Targets           string        `json:"targets"`
	CheckInterval     time.Duration `json:"check_interval"`
	ProbeTimeout      time.Duration `json:"probe_timeout"`
	ExpectedStatus    int           `json:"expected_status"`
	MaxProbeLatency   time.Duration `json:"max_probe_latency"`
	SuccessThreshold  int           `json:"success_threshold"`
	ConfidenceFloor   float64       `json:"confidence_floor"`
	MaxAverageLatency time.Duration `json:"max_average_latency"`
	SlowProbeLatency  time.Duration `json:"slow_probe_latency"`
	RecentWindow      time.Duration `json:"recent_window"`
	SampleWindowSize  int           `json:"sample_window_size"`
	SampleTTL         time.Duration `json:"sample_ttl"`
	AutoRecovery      bool          `json:"auto_recovery"`
	FallbackDelay     time.Duration `json:"fallback_delay"`
}

// EventsConfig contains event stream configuration
type EventsConfig struct {
	StreamPrefix string        `json:"stream_prefix"`
	EventTTL     time.Duration `json:"event_ttl"`
	MaxPerStream int64         `json:"max_per_stream"`
}

// NotifyConfig contains notification channel configuration
type NotifyConfig struct {
	Enabled         bool          `json:"enabled"`
	SlackWebhookURL string        `json:"slack_webhook_url"`
	WebhookURL      string        `json:"webhook_url"`
	Timeout         time.Duration `json:"timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// TracingConfig contains distributed tracing configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"service_name"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SampleRate     float64 `json:"sample_rate"`
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host:         getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Store: StoreConfig{
			Host:     getEnvString("STORE_HOST", "localhost"),
			Port:     getEnvInt("STORE_PORT", 6379),
			Password: getEnvString("STORE_PASSWORD", ""),
			DB:       getEnvInt("STORE_DB", 0),
			PoolSize: getEnvInt("STORE_POOL_SIZE", 10),
		},
		Budget: BudgetConfig{
			MonthlyCap:          getEnvString("BUDGET_MONTHLY_CAP", "1500.00"),
			KillSwitchThreshold: getEnvFloat("BUDGET_KILL_SWITCH_THRESHOLD", 95.0),
			SpendTTL:            getEnvDuration("BUDGET_SPEND_TTL", 32*24*time.Hour),
			KillSwitchTTL:       getEnvDuration("BUDGET_KILL_SWITCH_TTL", 24*time.Hour),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 3),
			SuccessThreshold: getEnvInt("BREAKER_SUCCESS_THRESHOLD", 2),
			RecoveryTimeout:  getEnvDuration("BREAKER_RECOVERY_TIMEOUT", 600*time.Second),
			KeyPrefix:        getEnvString("BREAKER_KEY_PREFIX", "circuit_breaker"),
		},
		Cache: CacheConfig{
			DefaultTTL:          getEnvDuration("CACHE_DEFAULT_TTL", 1*time.Hour),
			FreshnessWindow:     getEnvDuration("CACHE_FRESHNESS_WINDOW", 6*time.Hour),
			MaxStaleServe:       getEnvDuration("CACHE_MAX_STALE_SERVE", 168*time.Hour),
			RefreshThreshold:    getEnvFloat("CACHE_REFRESH_THRESHOLD", 0.8),
			CompressionMinBytes: getEnvInt("CACHE_COMPRESSION_MIN_BYTES", 1024),
			OriginURL:           getEnvString("CACHE_ORIGIN_URL", ""),
		},
		Queue: QueueConfig{
			MaxAge:            getEnvDuration("QUEUE_MAX_AGE", 24*time.Hour),
			BatchSize:         getEnvInt("QUEUE_BATCH_SIZE", 50),
			DefaultMaxRetries: getEnvInt("QUEUE_DEFAULT_MAX_RETRIES", 3),
			BaseRetryDelay:    getEnvDuration("QUEUE_BASE_RETRY_DELAY", 60*time.Second),
			MaxRetryDelay:     getEnvDuration("QUEUE_MAX_RETRY_DELAY", 3600*time.Second),
			RecordTTL:         getEnvDuration("QUEUE_RECORD_TTL", 24*time.Hour),
			OperationTimeout:  getEnvDuration("QUEUE_OPERATION_TIMEOUT", 2*time.Minute),
			WorkerConcurrency: getEnvInt("QUEUE_WORKER_CONCURRENCY", 3),
			PollInterval:      getEnvDuration("QUEUE_POLL_INTERVAL", 5*time.Second),
			ShutdownTimeout:   getEnvDuration("QUEUE_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Recovery: RecoveryConfig{
			Targets:           getEnvString("RECOVERY_TARGETS", ""),
			CheckInterval:     getEnvDuration("RECOVERY_CHECK_INTERVAL", 30*time.Second),
			ProbeTimeout:      getEnvDuration("RECOVERY_PROBE_TIMEOUT", 10*time.Second),
			ExpectedStatus:    getEnvInt("RECOVERY_EXPECTED_STATUS", 200),
			MaxProbeLatency:   getEnvDuration("RECOVERY_MAX_PROBE_LATENCY", 2000*time.Millisecond),
			SuccessThreshold:  getEnvInt("RECOVERY_SUCCESS_THRESHOLD", 3),
			ConfidenceFloor:   getEnvFloat("RECOVERY_CONFIDENCE_FLOOR", 0.8),
			MaxAverageLatency: getEnvDuration("RECOVERY_MAX_AVERAGE_LATENCY", 3000*time.Millisecond),
			SlowProbeLatency:  getEnvDuration("RECOVERY_SLOW_PROBE_LATENCY", 5000*time.Millisecond),
			RecentWindow:      getEnvDuration("RECOVERY_RECENT_WINDOW", 5*time.Minute),
			SampleWindowSize:  getEnvInt("RECOVERY_SAMPLE_WINDOW_SIZE", 100),
			SampleTTL:         getEnvDuration("RECOVERY_SAMPLE_TTL", 24*time.Hour),
			AutoRecovery:      getEnvBool("RECOVERY_AUTO_RECOVERY", true),
			FallbackDelay:     getEnvDuration("RECOVERY_FALLBACK_DELAY", 60*time.Second),
		},
		Events: EventsConfig{
			StreamPrefix: getEnvString("EVENTS_STREAM_PREFIX", "events"),
			EventTTL:     getEnvDuration("EVENTS_TTL", 24*time.Hour),
			MaxPerStream: getEnvInt64("EVENTS_MAX_PER_STREAM", 1000),
		},
		Notify: NotifyConfig{
			Enabled:         getEnvBool("NOTIFY_ENABLED", false),
			SlackWebhookURL: getEnvString("NOTIFY_SLACK_WEBHOOK_URL", ""),
			WebhookURL:      getEnvString("NOTIFY_WEBHOOK_URL", ""),
			Timeout:         getEnvDuration("NOTIFY_TIMEOUT", 10*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("TRACING_ENABLED", false),
			ServiceName:    getEnvString("TRACING_SERVICE_NAME", "governor"),
			JaegerEndpoint: getEnvString("TRACING_JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SampleRate:     getEnvFloat("TRACING_SAMPLE_RATE", 0.1),
		},
	}

	// Validate required configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Store.Host == "" {
		return fmt.Errorf("store host is required")
	}

	if c.Budget.MonthlyCap == "" {
		return fmt.Errorf("budget monthly cap is required")
	}

	if c.Budget.KillSwitchThreshold <= 0 || c.Budget.KillSwitchThreshold > 100 {
		return fmt.Errorf("kill switch threshold must be in (0, 100], got %v", c.Budget.KillSwitchThreshold)
	}

	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker failure threshold must be at least 1")
	}

	if c.Breaker.SuccessThreshold < 1 {
		return fmt.Errorf("breaker success threshold must be at least 1")
	}

	if c.Cache.RefreshThreshold <= 0 || c.Cache.RefreshThreshold > 1 {
		return fmt.Errorf("cache refresh threshold must be in (0, 1], got %v", c.Cache.RefreshThreshold)
	}

	if c.Queue.BatchSize < 1 {
		return fmt.Errorf("queue batch size must be at least 1")
	}

	if c.Recovery.ConfidenceFloor < 0 || c.Recovery.ConfidenceFloor > 1 {
		return fmt.Errorf("recovery confidence floor must be in [0, 1], got %v", c.Recovery.ConfidenceFloor)
	}

	if c.Recovery.SuccessThreshold < 1 {
		return fmt.Errorf("recovery success threshold must be at least 1")
	}

	return nil
}

// StoreAddr returns the store connection address
func (c *Config) StoreAddr() string {
	return fmt.Sprintf("%s:%d", c.Store.Host, c.Store.Port)
}

// StoreURL returns the store connection URL
func (c *Config) StoreURL() string {
	if c.Store.Password != "" {
		return fmt.Sprintf("redis://:%s@%s:%d/%d",
			c.Store.Password,
			c.Store.Host,
			c.Store.Port,
			c.Store.DB,
		)
	}
	return fmt.Sprintf("redis://%s:%d/%d",
		c.Store.Host,
		c.Store.Port,
		c.Store.DB,
	)
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
