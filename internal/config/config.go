package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the pipeline server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Events    EventsConfig
	Pipeline  PipelineConfig
	Executor  ExecutorConfig
	Artifacts ArtifactsConfig
	Payment   PaymentConfig
}

type ServerConfig struct {
	Port               int
	Env                string
	RateLimitPerMinute int
	MaxFileSizeMB      int
}

type DatabaseConfig struct {
	Driver          string
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL string
}

type EventsConfig struct {
	Relay string
}

type PipelineConfig struct {
	Stages         string
	DisabledStages []string
	MaxRetries     int
	RetryDelay     time.Duration
	RetryBackoff   string
	MaxRetryDelay  time.Duration
	StageTimeout   time.Duration
	JobTTL         time.Duration
	SweepInterval  time.Duration
}

type ExecutorConfig struct {
	Mode      string
	BaseURL   string
	Timeout   time.Duration
	StepDelay time.Duration
}

type ArtifactsConfig struct {
	Driver string
	Dir    string
	S3     S3Config
}

type S3Config struct {
	Bucket         string
	Region         string
	Endpoint       string
	Prefix         string
	ForcePathStyle bool
	// Empty keys fall back to the default AWS credential chain.
	AccessKeyID     string
	SecretAccessKey string
}

type PaymentConfig struct {
	KeyHashes []string
}

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

var validRelays = map[string]bool{"local": true, "redis": true}

var validExecutorModes = map[string]bool{"simulated": true, "http": true}

var validArtifactDrivers = map[string]bool{"local": true, "s3": true}

var validBackoffs = map[string]bool{"exponential": true, "fixed": true}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:               envInt("CLEANWAVE_PORT", 8080),
			Env:                envString("CLEANWAVE_ENV", "development"),
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
			MaxFileSizeMB:      envInt("MAX_FILE_SIZE_MB", 100),
		},
		Database: DatabaseConfig{
			Driver:          envString("STORE_DRIVER", StoreDriverPostgres),
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   envString("MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Events: EventsConfig{
			Relay: envString("EVENTS_RELAY", "local"),
		},
		Pipeline: PipelineConfig{
			Stages:         os.Getenv("PIPELINE_STAGES"),
			DisabledStages: envList("PIPELINE_DISABLED_STAGES"),
			MaxRetries:     envInt("PIPELINE_MAX_RETRIES", 3),
			RetryDelay:     envDuration("PIPELINE_RETRY_DELAY", 5*time.Second),
			RetryBackoff:   envString("PIPELINE_RETRY_BACKOFF", "exponential"),
			MaxRetryDelay:  envDuration("PIPELINE_MAX_RETRY_DELAY", time.Minute),
			StageTimeout:   envDuration("PIPELINE_STAGE_TIMEOUT", 10*time.Minute),
			JobTTL:         envDuration("JOB_TTL", 7*24*time.Hour),
			SweepInterval:  envDuration("SWEEP_INTERVAL", 10*time.Minute),
		},
		Executor: ExecutorConfig{
			Mode:      envString("EXECUTOR_MODE", "simulated"),
			BaseURL:   os.Getenv("EXECUTOR_BASE_URL"),
			Timeout:   envDuration("EXECUTOR_TIMEOUT", 5*time.Minute),
			StepDelay: envDuration("EXECUTOR_STEP_DELAY", 500*time.Millisecond),
		},
		Artifacts: ArtifactsConfig{
			Driver: envString("ARTIFACTS_DRIVER", "local"),
			Dir:    envString("ARTIFACTS_DIR", "uploads"),
			S3: S3Config{
				Bucket:          os.Getenv("S3_BUCKET"),
				Region:          os.Getenv("S3_REGION"),
				Endpoint:        os.Getenv("S3_ENDPOINT"),
				Prefix:          envString("S3_PREFIX", "jobs"),
				ForcePathStyle:  envBool("S3_FORCE_PATH_STYLE", false),
				AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
				SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
			},
		},
		Payment: PaymentConfig{
			KeyHashes: envList("PAYMENT_KEY_HASHES"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case StoreDriverPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is postgres")
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be one of postgres, memory; got %q", c.Database.Driver)
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if !validRelays[c.Events.Relay] {
		return fmt.Errorf("EVENTS_RELAY must be one of local, redis; got %q", c.Events.Relay)
	}

	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("PIPELINE_MAX_RETRIES must not be negative, got %d", c.Pipeline.MaxRetries)
	}
	if !validBackoffs[c.Pipeline.RetryBackoff] {
		return fmt.Errorf("PIPELINE_RETRY_BACKOFF must be one of exponential, fixed; got %q", c.Pipeline.RetryBackoff)
	}
	if c.Pipeline.StageTimeout <= 0 {
		return fmt.Errorf("PIPELINE_STAGE_TIMEOUT must be positive")
	}
	if c.Pipeline.JobTTL <= 0 {
		return fmt.Errorf("JOB_TTL must be positive")
	}
	if c.Pipeline.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}

	if !validExecutorModes[c.Executor.Mode] {
		return fmt.Errorf("EXECUTOR_MODE must be one of simulated, http; got %q", c.Executor.Mode)
	}
	if c.Executor.Mode == "http" {
		if c.Executor.BaseURL == "" {
			return fmt.Errorf("EXECUTOR_BASE_URL is required when EXECUTOR_MODE is http")
		}
		if !strings.HasPrefix(c.Executor.BaseURL, "http://") && !strings.HasPrefix(c.Executor.BaseURL, "https://") {
			return fmt.Errorf("EXECUTOR_BASE_URL must start with http:// or https://, got %q", c.Executor.BaseURL)
		}
	}

	if !validArtifactDrivers[c.Artifacts.Driver] {
		return fmt.Errorf("ARTIFACTS_DRIVER must be one of local, s3; got %q", c.Artifacts.Driver)
	}
	if c.Artifacts.Driver == "s3" && c.Artifacts.S3.Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required when ARTIFACTS_DRIVER is s3")
	}

	if len(c.Payment.KeyHashes) == 0 {
		return fmt.Errorf("PAYMENT_KEY_HASHES is required")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// envList splits a comma-separated variable, dropping empty entries.
func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
