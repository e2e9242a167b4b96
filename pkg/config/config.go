package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration loaded from environment variables or config files.
type Config struct {
	AppEnv          string        `mapstructure:"APP_ENV" validate:"required,oneof=development staging production test"`
	HTTPAddr        string        `mapstructure:"HTTP_ADDR" validate:"required,hostname_port"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT" validate:"required"`
	MetricsAddr     string        `mapstructure:"METRICS_ADDR" validate:"omitempty,hostname_port"`

	LogLevel  string `mapstructure:"LOG_LEVEL" validate:"required,oneof=debug info warn error dpanic panic fatal"`
	LogFormat string `mapstructure:"LOG_FORMAT" validate:"required,oneof=json console"`

	StoreDriver   string `mapstructure:"STORE_DRIVER" validate:"required,oneof=postgres mongo"`
	DatabaseURL   string `mapstructure:"DATABASE_URL" validate:"required_if=StoreDriver postgres"`
	MongoURL      string `mapstructure:"MONGO_URL" validate:"required_if=StoreDriver mongo"`
	MongoDatabase string `mapstructure:"MONGO_DATABASE" validate:"required"`

	QueueDriver      string `mapstructure:"QUEUE_DRIVER" validate:"required,oneof=asynq local"`
	RedisAddr        string `mapstructure:"REDIS_ADDR" validate:"required_if=QueueDriver asynq"`
	RedisPassword    string `mapstructure:"REDIS_PASSWORD"`
	AsynqConcurrency int    `mapstructure:"ASYNQ_CONCURRENCY" validate:"gte=1,lte=1000"`

	BlobDriver  string `mapstructure:"BLOB_DRIVER" validate:"required,oneof=fs s3"`
	BlobDir     string `mapstructure:"BLOB_DIR" validate:"required_if=BlobDriver fs"`
	S3Endpoint  string `mapstructure:"S3_ENDPOINT" validate:"required_if=BlobDriver s3"`
	S3AccessKey string `mapstructure:"S3_ACCESS_KEY"`
	S3SecretKey string `mapstructure:"S3_SECRET_KEY"`
	S3Bucket    string `mapstructure:"S3_BUCKET" validate:"required_if=BlobDriver s3"`
	S3UseSSL    bool   `mapstructure:"S3_USE_SSL"`

	IngestWorkers           int           `mapstructure:"INGEST_WORKERS" validate:"gte=1,lte=256"`
	IngestQueueSize         int           `mapstructure:"INGEST_QUEUE_SIZE" validate:"gte=1"`
	IngestBundleConcurrency int           `mapstructure:"INGEST_BUNDLE_CONCURRENCY" validate:"gte=1,lte=64"`
	IngestBundleTimeout     time.Duration `mapstructure:"INGEST_BUNDLE_TIMEOUT" validate:"required"`
	IngestStatusPolicy      string        `mapstructure:"INGEST_STATUS_POLICY" validate:"required,oneof=strict legacy"`
	IngestMaxPoints         int           `mapstructure:"INGEST_MAX_POINTS" validate:"gte=0"`
	DefaultGroup            string        `mapstructure:"DEFAULT_GROUP" validate:"required"`

	MaxUploadBytes int64   `mapstructure:"MAX_UPLOAD_BYTES" validate:"gte=1"`
	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS" validate:"gte=0"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST" validate:"gte=1"`

	JWTSecret string `mapstructure:"JWT_SECRET"`

	GoMaxProcs int `mapstructure:"GOMAXPROCS" validate:"gte=0,lte=4096"`
}

var (
	cfg      *Config
	validate = validator.New(validator.WithRequiredStructEnabled())
)

var keys = []string{
	"APP_ENV",
	"HTTP_ADDR",
	"SHUTDOWN_TIMEOUT",
	"METRICS_ADDR",
	"LOG_LEVEL",
	"LOG_FORMAT",
	"STORE_DRIVER",
	"DATABASE_URL",
	"MONGO_URL",
	"MONGO_DATABASE",
	"QUEUE_DRIVER",
	"REDIS_ADDR",
	"REDIS_PASSWORD",
	"ASYNQ_CONCURRENCY",
	"BLOB_DRIVER",
	"BLOB_DIR",
	"S3_ENDPOINT",
	"S3_ACCESS_KEY",
	"S3_SECRET_KEY",
	"S3_BUCKET",
	"S3_USE_SSL",
	"INGEST_WORKERS",
	"INGEST_QUEUE_SIZE",
	"INGEST_BUNDLE_CONCURRENCY",
	"INGEST_BUNDLE_TIMEOUT",
	"INGEST_STATUS_POLICY",
	"INGEST_MAX_POINTS",
	"DEFAULT_GROUP",
	"MAX_UPLOAD_BYTES",
	"RATE_LIMIT_RPS",
	"RATE_LIMIT_BURST",
	"JWT_SECRET",
	"GOMAXPROCS",
}

// Load initializes configuration using Viper. It loads from .env if present,
// applies defaults, binds env vars, and validates the result.
func Load() (*Config, error) {
	// Load .env if present (non-fatal)
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("HTTP_ADDR", "0.0.0.0:8080")
	v.SetDefault("SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("STORE_DRIVER", "postgres")
	v.SetDefault("MONGO_DATABASE", "plotviz")
	v.SetDefault("QUEUE_DRIVER", "asynq")
	v.SetDefault("ASYNQ_CONCURRENCY", 10)
	v.SetDefault("BLOB_DRIVER", "fs")
	v.SetDefault("BLOB_DIR", os.TempDir())
	v.SetDefault("INGEST_WORKERS", 4)
	v.SetDefault("INGEST_QUEUE_SIZE", 64)
	v.SetDefault("INGEST_BUNDLE_CONCURRENCY", 2)
	v.SetDefault("INGEST_BUNDLE_TIMEOUT", "30m")
	v.SetDefault("INGEST_STATUS_POLICY", "strict")
	v.SetDefault("INGEST_MAX_POINTS", 250000)
	v.SetDefault("DEFAULT_GROUP", "default")
	v.SetDefault("MAX_UPLOAD_BYTES", 512<<20)
	v.SetDefault("RATE_LIMIT_RPS", 10)
	v.SetDefault("RATE_LIMIT_BURST", 20)
	v.SetDefault("GOMAXPROCS", 0)

	// Optional config file
	_ = v.ReadInConfig()

	// Bind env without prefix for convenience
	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}

	// Parse duration types that may come as string
	for key, dst := range map[string]*time.Duration{
		"SHUTDOWN_TIMEOUT":      &c.ShutdownTimeout,
		"INGEST_BUNDLE_TIMEOUT": &c.IngestBundleTimeout,
	} {
		if s := v.GetString(key); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = d
		}
	}

	if err := validate.Struct(&c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if c.GoMaxProcs > 0 {
		runtime.GOMAXPROCS(c.GoMaxProcs)
	}

	cfg = &c
	return cfg, nil
}

// MustLoad loads configuration or exits the process on failure.
func MustLoad() *Config {
	c, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	return c
}

// Get returns the loaded configuration. Panics if not loaded.
func Get() *Config {
	if cfg == nil {
		panic("config not loaded: call config.Load or config.MustLoad first")
	}
	return cfg
}

// IsDevelopment reports whether verbose driver logging should be enabled.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development" || c.AppEnv == "test"
}
