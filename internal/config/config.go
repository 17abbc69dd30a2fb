package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Redis      RedisConfig      `yaml:"redis"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Retry      RetryConfig      `yaml:"retry"`
	Ranking    RankingConfig    `yaml:"ranking"`
	Validation ValidationConfig `yaml:"validation"`
	Security   SecurityConfig   `yaml:"security"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxConnections  int           `yaml:"max_connections"`
	MinConnections  int           `yaml:"min_connections"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
}

// ConnectionString returns the PostgreSQL connection string
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslMode,
	)
}

// KafkaConfig holds Kafka ingestion configuration
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	GroupID      string        `yaml:"group_id"`
	Enabled      bool          `yaml:"enabled"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// RetryConfig holds the pending-merge retry worker configuration
type RetryConfig struct {
	Interval    time.Duration `yaml:"interval"`
	BatchSize   int           `yaml:"batch_size"`
	MaxAttempts int           `yaml:"max_attempts"`
	Enabled     bool          `yaml:"enabled"`
}

// RankingConfig holds leaderboard maintenance configuration
type RankingConfig struct {
	MaxSize      int           `yaml:"max_size"`
	DefaultLimit int           `yaml:"default_limit"`
	MaxLimit     int           `yaml:"max_limit"`
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// ValidationConfig holds submission validation rules
type ValidationConfig struct {
	MinNicknameLength int      `yaml:"min_nickname_length"`
	MaxNicknameLength int      `yaml:"max_nickname_length"`
	MaxScore          int64    `yaml:"max_score"`
	MaxCombo          int64    `yaml:"max_combo"`
	BannedWords       []string `yaml:"banned_words"`
}

// SecurityConfig holds the write credential and CORS settings
type SecurityConfig struct {
	APIKey         string   `yaml:"api_key"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// RateLimitConfig holds per-caller throttling configuration
type RateLimitConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
	KeyPrefix   string        `yaml:"key_prefix"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `yaml:"level"`
}

// SlogLevel maps the configured level name to a slog.Level
func (c *LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// DefaultBannedWords is used when the configuration does not list any
var DefaultBannedWords = []string{
	"admin",
	"administrator",
	"moderator",
	"operator",
	"system",
	"운영자",
	"관리자",
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for missing configuration
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 8 * time.Second
	}

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 100
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 10
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}

	// PostgreSQL defaults
	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.MaxConnections == 0 {
		c.Postgres.MaxConnections = 50
	}
	if c.Postgres.MinConnections == 0 {
		c.Postgres.MinConnections = 5
	}
	if c.Postgres.MaxConnLifetime == 0 {
		c.Postgres.MaxConnLifetime = 1 * time.Hour
	}
	if c.Postgres.MaxConnIdleTime == 0 {
		c.Postgres.MaxConnIdleTime = 30 * time.Minute
	}

	// Kafka defaults
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "rhythm-scores"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "ranking-consumer"
	}
	if c.Kafka.BatchSize == 0 {
		c.Kafka.BatchSize = 50
	}
	if c.Kafka.BatchTimeout == 0 {
		c.Kafka.BatchTimeout = 1 * time.Second
	}

	// Retry worker defaults
	if c.Retry.Interval == 0 {
		c.Retry.Interval = 30 * time.Second
	}
	if c.Retry.BatchSize == 0 {
		c.Retry.BatchSize = 100
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 10
	}

	// Ranking defaults. The cache never holds more than MaxRankingSize entries.
	if c.Ranking.MaxSize <= 0 || c.Ranking.MaxSize > 100 {
		c.Ranking.MaxSize = 100
	}
	if c.Ranking.MaxLimit <= 0 || c.Ranking.MaxLimit > c.Ranking.MaxSize {
		c.Ranking.MaxLimit = c.Ranking.MaxSize
	}
	if c.Ranking.DefaultLimit <= 0 || c.Ranking.DefaultLimit > c.Ranking.MaxLimit {
		c.Ranking.DefaultLimit = c.Ranking.MaxLimit
	}
	if c.Ranking.MaxAttempts == 0 {
		c.Ranking.MaxAttempts = 5
	}
	if c.Ranking.RetryBackoff == 0 {
		c.Ranking.RetryBackoff = 20 * time.Millisecond
	}

	// Validation defaults
	if c.Validation.MinNicknameLength == 0 {
		c.Validation.MinNicknameLength = 2
	}
	if c.Validation.MaxNicknameLength == 0 {
		c.Validation.MaxNicknameLength = 12
	}
	if c.Validation.MaxScore == 0 {
		c.Validation.MaxScore = 1_000_000
	}
	if c.Validation.MaxCombo == 0 {
		c.Validation.MaxCombo = 100_000
	}
	if len(c.Validation.BannedWords) == 0 {
		c.Validation.BannedWords = append([]string(nil), DefaultBannedWords...)
	}

	// Rate limit defaults
	if c.RateLimit.MaxRequests == 0 {
		c.RateLimit.MaxRequests = 30
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = 1 * time.Minute
	}
	if c.RateLimit.KeyPrefix == "" {
		c.RateLimit.KeyPrefix = "rl:ranking"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate reports configuration that the service cannot start with
func (c *Config) Validate() error {
	if c.Security.APIKey == "" {
		return fmt.Errorf("security.api_key must be set")
	}
	return nil
}

// DefaultConfig returns a configuration with all defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Retry.Enabled = true
	cfg.RateLimit.Enabled = true
	return cfg
}
