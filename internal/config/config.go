package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Blob       BlobConfig       `yaml:"blob" mapstructure:"blob"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Intake     IntakeConfig     `yaml:"intake" mapstructure:"intake"`
	Extract    ExtractConfig    `yaml:"extract" mapstructure:"extract"`
	Customer   CustomerConfig   `yaml:"customer" mapstructure:"customer"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Retention  RetentionConfig  `yaml:"retention" mapstructure:"retention"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// BlobConfig configures where raw message bytes live.
type BlobConfig struct {
	Driver          string `yaml:"driver" mapstructure:"driver"`
	Dir             string `yaml:"dir" mapstructure:"dir"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix" mapstructure:"prefix"`
	CredentialsFile string `yaml:"credentials_file" mapstructure:"credentials_file"`
}

// QueueConfig configures job delivery and the worker pool.
type QueueConfig struct {
	Driver          string  `yaml:"driver" mapstructure:"driver"`
	Concurrency     int     `yaml:"concurrency" mapstructure:"concurrency"`
	MaxAttempts     int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	PollIntervalMs  int     `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	ClaimsPerSecond float64 `yaml:"claims_per_second" mapstructure:"claims_per_second"`
	BackoffBaseSecs int     `yaml:"backoff_base_secs" mapstructure:"backoff_base_secs"`
	BackoffMaxSecs  int     `yaml:"backoff_max_secs" mapstructure:"backoff_max_secs"`
}

// IntakeConfig configures upload validation.
type IntakeConfig struct {
	MaxBytes  int64  `yaml:"max_bytes" mapstructure:"max_bytes"`
	Extension string `yaml:"extension" mapstructure:"extension"`
	Dedup     bool   `yaml:"dedup" mapstructure:"dedup"`
}

// ExtractConfig binds the built-in strategies to sender domains.
type ExtractConfig struct {
	SupplierADomain string `yaml:"supplier_a_domain" mapstructure:"supplier_a_domain"`
	PartnerBDomain  string `yaml:"partner_b_domain" mapstructure:"partner_b_domain"`
}

// CustomerConfig configures customer synthesis.
type CustomerConfig struct {
	PhoneRegion string `yaml:"phone_region" mapstructure:"phone_region"`
}

// PipelineConfig configures the record state machine.
type PipelineConfig struct {
	ProcessingTimeoutMins int `yaml:"processing_timeout_mins" mapstructure:"processing_timeout_mins"`
	WatchdogIntervalSecs  int `yaml:"watchdog_interval_secs" mapstructure:"watchdog_interval_secs"`
}

// RetentionConfig configures the retention sweep.
type RetentionConfig struct {
	SuccessDays    int    `yaml:"success_days" mapstructure:"success_days"`
	FailedDays     int    `yaml:"failed_days" mapstructure:"failed_days"`
	OrphanFileDays int    `yaml:"orphan_file_days" mapstructure:"orphan_file_days"`
	Schedule       string `yaml:"schedule" mapstructure:"schedule"`
	LockTTLMins    int    `yaml:"lock_ttl_mins" mapstructure:"lock_ttl_mins"`
}

// RedisConfig configures the Redis connection used for distributed locks.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port               int      `yaml:"port" mapstructure:"port"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" mapstructure:"cors_allowed_origins"`
}

// MonitoringConfig configures the health checker and alert thresholds.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackHours        int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	StuckThreshold       int     `yaml:"stuck_threshold" mapstructure:"stuck_threshold"`
	DeadJobThreshold     int     `yaml:"dead_job_threshold" mapstructure:"dead_job_threshold"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("EMLINTAKE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("blob.driver", "fs")
	v.SetDefault("blob.dir", "./data/blobs")
	v.SetDefault("blob.bucket", "")
	v.SetDefault("blob.prefix", "")
	v.SetDefault("blob.credentials_file", "")
	v.SetDefault("queue.driver", "")
	v.SetDefault("queue.concurrency", 4)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.poll_interval_ms", 1000)
	v.SetDefault("queue.claims_per_second", 20.0)
	v.SetDefault("queue.backoff_base_secs", 5)
	v.SetDefault("queue.backoff_max_secs", 600)
	v.SetDefault("intake.max_bytes", 10*1024*1024)
	v.SetDefault("intake.extension", ".eml")
	v.SetDefault("intake.dedup", true)
	v.SetDefault("extract.supplier_a_domain", "fornecedora.com")
	v.SetDefault("extract.partner_b_domain", "parceirob.com")
	v.SetDefault("customer.phone_region", "BR")
	v.SetDefault("pipeline.processing_timeout_mins", 30)
	v.SetDefault("pipeline.watchdog_interval_secs", 300)
	v.SetDefault("retention.success_days", 90)
	v.SetDefault("retention.failed_days", 180)
	v.SetDefault("retention.orphan_file_days", 365)
	v.SetDefault("retention.schedule", "0 2 * * *")
	v.SetDefault("retention.lock_ttl_mins", 30)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_allowed_origins", []string{"*"})
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.stuck_threshold", 1)
	v.SetDefault("monitoring.dead_job_threshold", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// QueueDriver returns the effective queue backend. An empty queue.driver
// follows the store: postgres stores get the durable queue, everything else
// the in-process one.
func (c *Config) QueueDriver() string {
	if c.Queue.Driver != "" {
		return c.Queue.Driver
	}
	if c.Store.Driver == "postgres" {
		return "postgres"
	}
	return "memory"
}

// Validate checks the settings required by the given command mode
// ("serve", "worker", "sweep", "ingest", "reprocess" or "migrate").
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	case "sqlite":
	default:
		errs = append(errs, "store.driver must be postgres or sqlite, got "+quote(c.Store.Driver))
	}

	if mode != "migrate" {
		switch c.Blob.Driver {
		case "fs":
			if c.Blob.Dir == "" {
				errs = append(errs, "blob.dir is required for the fs driver")
			}
		case "gcs":
			if c.Blob.Bucket == "" {
				errs = append(errs, "blob.bucket is required for the gcs driver")
			}
		case "memory":
		default:
			errs = append(errs, "blob.driver must be fs, gcs or memory, got "+quote(c.Blob.Driver))
		}

		switch c.QueueDriver() {
		case "postgres":
			if c.Store.Driver != "postgres" {
				errs = append(errs, "queue.driver postgres requires store.driver postgres")
			}
		case "memory":
		default:
			errs = append(errs, "queue.driver must be postgres or memory, got "+quote(c.Queue.Driver))
		}

		if c.Intake.MaxBytes <= 0 {
			errs = append(errs, "intake.max_bytes must be positive")
		}
	}

	switch mode {
	case "serve", "worker":
		if c.Queue.Concurrency < 1 {
			errs = append(errs, "queue.concurrency must be at least 1")
		}
		if c.Pipeline.ProcessingTimeoutMins < 1 {
			errs = append(errs, "pipeline.processing_timeout_mins must be at least 1")
		}
		if mode == "serve" && (c.Server.Port < 1 || c.Server.Port > 65535) {
			errs = append(errs, "server.port must be between 1 and 65535")
		}
	case "sweep":
		if c.Retention.SuccessDays < 1 || c.Retention.FailedDays < 1 || c.Retention.OrphanFileDays < 1 {
			errs = append(errs, "retention windows must be at least 1 day")
		}
	}

	if len(errs) > 0 {
		return eris.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

func quote(s string) string {
	return `"` + s + `"`
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
