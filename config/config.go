package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the orchestration service.
type Config struct {
	General       GeneralConfig       `mapstructure:"general"`
	Server        ServerConfig        `mapstructure:"server"`
	Backend       BackendConfig       `mapstructure:"backend"`
	Orchestration OrchestrationConfig `mapstructure:"orchestration"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Janitor       JanitorConfig       `mapstructure:"janitor"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address   string        `mapstructure:"address"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// BackendConfig contains the connection settings for the remote agents service
type BackendConfig struct {
	BaseURL            string        `mapstructure:"base_url"`
	APIKey             string        `mapstructure:"api_key"`
	Timeout            time.Duration `mapstructure:"timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
	RetryBackoff       time.Duration `mapstructure:"retry_backoff"`
	RatePerSec         float64       `mapstructure:"rate_per_sec"`
	RateBurst          int           `mapstructure:"rate_burst"`
	BreakerMaxFailures uint32        `mapstructure:"breaker_max_failures"`
	BreakerOpenFor     time.Duration `mapstructure:"breaker_open_for"`
}

// OrchestrationConfig tunes session behavior
type OrchestrationConfig struct {
	CreateAttempts     int           `mapstructure:"create_attempts"`
	CreateBackoff      time.Duration `mapstructure:"create_backoff"`
	StepTimeout        time.Duration `mapstructure:"step_timeout"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	ApprovalTimeout    time.Duration `mapstructure:"approval_timeout"`
	MaxPlanSteps       int           `mapstructure:"max_plan_steps"`
	ChunkBuffer        int           `mapstructure:"chunk_buffer"`
	AllowedToolRefs    []string      `mapstructure:"allowed_tool_refs"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Host      string        `mapstructure:"host"`
	Port      int           `mapstructure:"port"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	Timeout   time.Duration `mapstructure:"timeout"`
	StreamCap int64         `mapstructure:"stream_cap"`
}

// JanitorConfig drives periodic cleanup of finished sessions
type JanitorConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CronSpec string `mapstructure:"cron_spec"`
	KeepFor  string `mapstructure:"keep_for"`
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MetricsPath string `mapstructure:"metrics_path"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig() (*Config, error) {
	viper.SetConfigName("ensemble_config")
	viper.SetConfigType("json")
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("ENSEMBLE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	// Config file is optional - defaults plus env cover a minimal deployment.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	overrideFromEnv()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("general.debug", false)
	viper.SetDefault("general.log_level", "info")

	viper.SetDefault("server.address", ":10001")
	viper.SetDefault("server.token_ttl", "24h")

	viper.SetDefault("backend.timeout", "60s")
	viper.SetDefault("backend.max_retries", 2)
	viper.SetDefault("backend.retry_backoff", "300ms")
	viper.SetDefault("backend.rate_per_sec", 10)
	viper.SetDefault("backend.rate_burst", 5)
	viper.SetDefault("backend.breaker_max_failures", 5)
	viper.SetDefault("backend.breaker_open_for", "30s")

	viper.SetDefault("orchestration.create_attempts", 3)
	viper.SetDefault("orchestration.create_backoff", "300ms")
	viper.SetDefault("orchestration.step_timeout", "5m")
	viper.SetDefault("orchestration.negotiation_timeout", "2m")
	viper.SetDefault("orchestration.approval_timeout", "0s")
	viper.SetDefault("orchestration.max_plan_steps", 20)
	viper.SetDefault("orchestration.chunk_buffer", 256)

	viper.SetDefault("storage.postgres.host", "")
	viper.SetDefault("storage.postgres.port", 5432)
	viper.SetDefault("storage.postgres.sslmode", "disable")
	viper.SetDefault("storage.postgres.timeout", "5s")
	viper.SetDefault("storage.redis.enabled", false)
	viper.SetDefault("storage.redis.host", "localhost")
	viper.SetDefault("storage.redis.port", 6379)
	viper.SetDefault("storage.redis.db", 0)
	viper.SetDefault("storage.redis.timeout", "5s")
	viper.SetDefault("storage.redis.stream_cap", 10000)

	viper.SetDefault("janitor.enabled", true)
	viper.SetDefault("janitor.cron_spec", "0 * * * *")
	viper.SetDefault("janitor.keep_for", "72h")

	viper.SetDefault("telemetry.enabled", true)
	viper.SetDefault("telemetry.metrics_path", "/metrics")
}

// overrideFromEnv overrides configuration with environment variables
func overrideFromEnv() {
	if key := os.Getenv("AGENTS_API_KEY"); key != "" {
		viper.Set("backend.api_key", key)
	}
	if base := os.Getenv("AGENTS_BASE_URL"); base != "" {
		viper.Set("backend.base_url", base)
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		viper.Set("server.jwt_secret", secret)
	}

	if url := os.Getenv("DATABASE_URL"); url != "" {
		viper.Set("storage.postgres.url", url)
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		viper.Set("storage.postgres.host", host)
	}
	if port := os.Getenv("POSTGRES_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			viper.Set("storage.postgres.port", p)
		}
	}
	if user := os.Getenv("POSTGRES_USER"); user != "" {
		viper.Set("storage.postgres.user", user)
	}
	if pass := os.Getenv("POSTGRES_PASSWORD"); pass != "" {
		viper.Set("storage.postgres.password", pass)
	}
	if db := os.Getenv("POSTGRES_DB"); db != "" {
		viper.Set("storage.postgres.dbname", db)
	}

	if host := os.Getenv("REDIS_HOST"); host != "" {
		viper.Set("storage.redis.enabled", true)
		viper.Set("storage.redis.host", host)
	}
	if port := os.Getenv("REDIS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			viper.Set("storage.redis.port", p)
		}
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		viper.Set("storage.redis.password", password)
	}
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if config.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required (or set AGENTS_BASE_URL)")
	}
	if config.Server.JWTSecret == "" {
		return fmt.Errorf("server.jwt_secret is required (or set JWT_SECRET)")
	}
	if config.Orchestration.MaxPlanSteps <= 0 {
		return fmt.Errorf("orchestration.max_plan_steps must be positive")
	}
	if config.Janitor.Enabled {
		if _, err := time.ParseDuration(config.Janitor.KeepFor); err != nil {
			return fmt.Errorf("janitor.keep_for: %w", err)
		}
	}
	return nil
}

// DSN assembles a lib/pq connection string from the postgres block.
// An explicit URL wins over the discrete fields.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DBName, p.SSLMode)
}

// Addr returns the host:port pair for the redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
