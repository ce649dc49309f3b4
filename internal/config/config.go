// Package config provides configuration loading for the content production service.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Captions  CaptionsConfig  `mapstructure:"captions"`
	Safety    SafetyConfig    `mapstructure:"safety"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Environment  string        `mapstructure:"environment"` // dev, staging, prod
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	Bucket        string        `mapstructure:"bucket"`
	Region        string        `mapstructure:"region"`
	Endpoint      string        `mapstructure:"endpoint"`       // custom endpoint for R2/MinIO
	PathStyle     bool          `mapstructure:"path_style"`     // required by R2/MinIO
	CDNBaseURL    string        `mapstructure:"cdn_base_url"`   // public prefix for stored content
	AccessKey     string        `mapstructure:"access_key"`
	SecretKey     string        `mapstructure:"secret_key"`
	WeightsURLTTL time.Duration `mapstructure:"weights_url_ttl"` // presigned GET lifetime
}

// ProviderConfig declares one generation backend.
type ProviderConfig struct {
	Name              string        `mapstructure:"name"`
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	SupportsWeights   bool          `mapstructure:"supports_weights"`
	SupportsSeed      bool          `mapstructure:"supports_seed"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	PriceUSDPerSecond float64       `mapstructure:"price_usd_per_second"`
	PriceUSDPerImage  float64       `mapstructure:"price_usd_per_image"`
}

// ProvidersConfig holds the ordered provider chain.
type ProvidersConfig struct {
	Primary   string           `mapstructure:"primary"`
	Fallbacks []string         `mapstructure:"fallbacks"`
	Backends  []ProviderConfig `mapstructure:"backends"`
}

// Chain returns the provider configs in dispatch order: primary first,
// then fallbacks in declared order.
func (c ProvidersConfig) Chain() ([]ProviderConfig, error) {
	byName := make(map[string]ProviderConfig, len(c.Backends))
	for _, b := range c.Backends {
		byName[b.Name] = b
	}
	names := append([]string{c.Primary}, c.Fallbacks...)
	chain := make([]ProviderConfig, 0, len(names))
	for _, name := range names {
		if name == "" {
			continue
		}
		b, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("provider %q referenced in chain but not declared", name)
		}
		chain = append(chain, b)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}
	return chain, nil
}

// PipelineConfig holds batch orchestration settings.
type PipelineConfig struct {
	Workers               int           `mapstructure:"workers"`                 // per-batch concurrency W
	MaxFailedFraction     float64       `mapstructure:"max_failed_fraction"`     // failed vs partially_succeeded
	BatchDeadline         time.Duration `mapstructure:"batch_deadline"`          // overall batch deadline
	AllowDegradedFallback bool          `mapstructure:"allow_degraded_fallback"` // fallbacks without weight support
	CaptionsEnabled       bool          `mapstructure:"captions_enabled"`
	SafetyEnabled         bool          `mapstructure:"safety_enabled"`
	StorageUploadEnabled  bool          `mapstructure:"storage_upload_enabled"`
}

// CaptionsConfig holds the caption backend configuration.
type CaptionsConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	Model           string        `mapstructure:"model"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	PriceUSDPerCall float64       `mapstructure:"price_usd_per_call"`
}

// SafetyConfig holds the moderation backend configuration.
type SafetyConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	PriceUSDPerCall float64       `mapstructure:"price_usd_per_call"`
}

// JobsConfig holds asynchronous job surface settings.
type JobsConfig struct {
	Lease             time.Duration `mapstructure:"lease"`               // reclaim horizon for stuck jobs
	TotalWorkerBudget int           `mapstructure:"total_worker_budget"` // global cap across batches
	SyncTimeout       time.Duration `mapstructure:"sync_timeout"`        // hard cap on submit_sync
	SyncMaxPieces     int           `mapstructure:"sync_max_pieces"`     // above this, callers must go async
	QueueKey          string        `mapstructure:"queue_key"`
}

// Load reads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/contentforge")

	v.SetEnvPrefix("CONTENTFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Explicitly bind nested credentials (nested struct issue with viper)
	v.BindEnv("storage.access_key", "CONTENTFORGE_STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "CONTENTFORGE_STORAGE_SECRET_KEY")
	v.BindEnv("captions.api_key", "CONTENTFORGE_CAPTIONS_API_KEY")
	v.BindEnv("safety.api_key", "CONTENTFORGE_SAFETY_API_KEY")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field constraints that viper cannot express.
func (c *Config) Validate() error {
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be a positive integer, got %d", c.Pipeline.Workers)
	}
	if c.Pipeline.MaxFailedFraction < 0 || c.Pipeline.MaxFailedFraction > 1 {
		return fmt.Errorf("pipeline.max_failed_fraction %v out of [0,1]", c.Pipeline.MaxFailedFraction)
	}
	if c.Jobs.TotalWorkerBudget < c.Pipeline.Workers {
		return fmt.Errorf("jobs.total_worker_budget %d smaller than pipeline.workers %d",
			c.Jobs.TotalWorkerBudget, c.Pipeline.Workers)
	}
	return nil
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.environment", "dev")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "contentforge")
	v.SetDefault("database.password", "contentforge")
	v.SetDefault("database.database", "contentforge")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Storage defaults
	v.SetDefault("storage.bucket", "contentforge")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.cdn_base_url", "http://localhost:9000/contentforge")
	v.SetDefault("storage.path_style", false)
	v.SetDefault("storage.weights_url_ttl", "900s")

	// Provider defaults
	v.SetDefault("providers.primary", "serverless")
	v.SetDefault("providers.fallbacks", []string{})

	// Pipeline defaults
	v.SetDefault("pipeline.workers", 5)
	v.SetDefault("pipeline.max_failed_fraction", 0.5)
	v.SetDefault("pipeline.batch_deadline", "900s")
	v.SetDefault("pipeline.allow_degraded_fallback", true)
	v.SetDefault("pipeline.captions_enabled", true)
	v.SetDefault("pipeline.safety_enabled", true)
	v.SetDefault("pipeline.storage_upload_enabled", true)

	// Caption backend defaults
	v.SetDefault("captions.model", "gpt-4o-mini")
	v.SetDefault("captions.request_timeout", "30s")
	v.SetDefault("captions.price_usd_per_call", 0.002)

	// Safety backend defaults
	v.SetDefault("safety.request_timeout", "15s")
	v.SetDefault("safety.price_usd_per_call", 0.001)

	// Job defaults
	v.SetDefault("jobs.lease", "30m")
	v.SetDefault("jobs.total_worker_budget", 20)
	v.SetDefault("jobs.sync_timeout", "30s")
	v.SetDefault("jobs.sync_max_pieces", 10)
	v.SetDefault("jobs.queue_key", "contentforge:jobs")
}
