package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Store backends
const (
	BackendRedis  = "redis"
	BackendREST   = "rest"
	BackendMemory = "memory"
)

// Leaderboard strategies
const (
	StrategyRankedSet  = "ranked_set"
	StrategyAppendList = "append_list"
)

// MaxTopLimit is the largest page GET /score/top ever serves
const MaxTopLimit = 20

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
	Store       StoreConfig       `yaml:"store"`
	Security    SecurityConfig    `yaml:"security"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Handle      HandleConfig      `yaml:"handle"`
	Leaderboard LeaderboardConfig `yaml:"leaderboard"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Sync        SyncConfig        `yaml:"sync"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port" env:"PORT"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL"`
}

// SlogLevel maps the configured level onto slog
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// StoreConfig selects and configures the key-value backend
type StoreConfig struct {
	Backend string      `yaml:"backend" env:"KV_BACKEND"`
	Redis   RedisConfig `yaml:"redis"`
	REST    RESTConfig  `yaml:"rest"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `yaml:"addr" env:"REDIS_ADDR"`
	Password     string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RESTConfig holds configuration for an HTTP command-protocol store
type RESTConfig struct {
	URL     string        `yaml:"url" env:"KV_REST_API_URL"`
	Token   string        `yaml:"token" env:"KV_REST_API_TOKEN"`
	Timeout time.Duration `yaml:"timeout"`
}

// SecurityConfig holds session signing configuration
type SecurityConfig struct {
	SigningSecret   string        `yaml:"signing_secret" env:"SCORE_SIGNING_SECRET"`
	SessionLifetime time.Duration `yaml:"session_lifetime"`
	SessionTTL      time.Duration `yaml:"session_ttl"`
	UsedMarkerTTL   time.Duration `yaml:"used_marker_ttl"`
}

// RateLimitConfig holds per-minute ceilings for each rate bucket
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	CounterTTL    time.Duration `yaml:"counter_ttl"`
	SessionIP     int           `yaml:"session_ip"`
	SessionHandle int           `yaml:"session_handle"`
	SubmitIP      int           `yaml:"submit_ip"`
	SubmitHandle  int           `yaml:"submit_handle"`
}

// HandleConfig bounds player handle length
type HandleConfig struct {
	MinLength int `yaml:"min_length"`
	MaxLength int `yaml:"max_length"`
}

// LeaderboardConfig holds leaderboard-specific configuration
type LeaderboardConfig struct {
	Strategy      string        `yaml:"strategy" env:"LEADERBOARD_STRATEGY"`
	DefaultLimit  int           `yaml:"default_limit"`
	MaxLimit      int           `yaml:"max_limit"`
	AppendListCap int           `yaml:"append_list_cap"`
	ProfileTTL    time.Duration `yaml:"profile_ttl"`
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Enabled bool `yaml:"enabled"`
	// DSN overrides the individual connection fields when set
	DSN             string        `yaml:"dsn" env:"POSTGRES_DSN"`
	Host            string        `yaml:"host" env:"POSTGRES_HOST"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user" env:"POSTGRES_USER"`
	Password        string        `yaml:"password" env:"POSTGRES_PASSWORD"`
	Database        string        `yaml:"database" env:"POSTGRES_DB"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxConnections  int           `yaml:"max_connections"`
	MinConnections  int           `yaml:"min_connections"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
}

// ConnectionString returns the PostgreSQL connection string
func (c *PostgresConfig) ConnectionString() string {
	if c.DSN != "" {
		return c.DSN
	}
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslMode,
	)
}

// KafkaConfig holds Kafka connection configuration
type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers" env:"KAFKA_BROKERS" envSeparator:","`
	Topic        string        `yaml:"topic"`
	GroupID      string        `yaml:"group_id"`
	FlushTimeout time.Duration `yaml:"flush_timeout"`
}

// SyncConfig holds mirror worker configuration
type SyncConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

// Load reads configuration from a YAML file, then applies environment
// overrides and defaults. The result is not validated.
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

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return &cfg, nil
}

// DefaultConfig returns a configuration with all defaults and environment
// overrides applied
func DefaultConfig() (*Config, error) {
	cfg := &Config{}
	cfg.RateLimit.Enabled = true
	cfg.Sync.Enabled = true
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("parsing env: %w", err)
	}
	return nil
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
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 256 << 10
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	// Store defaults
	if c.Store.Backend == "" {
		c.Store.Backend = BackendRedis
	}
	if c.Store.Redis.Addr == "" {
		c.Store.Redis.Addr = "localhost:6379"
	}
	if c.Store.Redis.PoolSize == 0 {
		c.Store.Redis.PoolSize = 100
	}
	if c.Store.Redis.MinIdleConns == 0 {
		c.Store.Redis.MinIdleConns = 10
	}
	if c.Store.Redis.DialTimeout == 0 {
		c.Store.Redis.DialTimeout = 5 * time.Second
	}
	if c.Store.Redis.ReadTimeout == 0 {
		c.Store.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Store.Redis.WriteTimeout == 0 {
		c.Store.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Store.REST.Timeout == 0 {
		c.Store.REST.Timeout = 5 * time.Second
	}

	// Session defaults
	if c.Security.SessionLifetime == 0 {
		c.Security.SessionLifetime = 4 * time.Minute
	}
	if c.Security.SessionTTL == 0 {
		c.Security.SessionTTL = 5 * time.Minute
	}
	if c.Security.UsedMarkerTTL == 0 {
		c.Security.UsedMarkerTTL = 10 * time.Minute
	}

	// Rate limit defaults
	if c.RateLimit.CounterTTL == 0 {
		c.RateLimit.CounterTTL = 70 * time.Second
	}
	if c.RateLimit.SessionIP == 0 {
		c.RateLimit.SessionIP = 40
	}
	if c.RateLimit.SessionHandle == 0 {
		c.RateLimit.SessionHandle = 30
	}
	if c.RateLimit.SubmitIP == 0 {
		c.RateLimit.SubmitIP = 50
	}
	if c.RateLimit.SubmitHandle == 0 {
		c.RateLimit.SubmitHandle = 35
	}

	if c.Handle.MinLength == 0 {
		c.Handle.MinLength = 3
	}
	if c.Handle.MaxLength == 0 {
		c.Handle.MaxLength = 24
	}

	// Leaderboard defaults
	if c.Leaderboard.Strategy == "" {
		c.Leaderboard.Strategy = StrategyRankedSet
	}
	if c.Leaderboard.DefaultLimit == 0 {
		c.Leaderboard.DefaultLimit = 5
	}
	if c.Leaderboard.MaxLimit == 0 {
		c.Leaderboard.MaxLimit = MaxTopLimit
	}
	if c.Leaderboard.AppendListCap == 0 {
		c.Leaderboard.AppendListCap = 2000
	}
	if c.Leaderboard.ProfileTTL == 0 {
		c.Leaderboard.ProfileTTL = 30 * 24 * time.Hour
	}

	// PostgreSQL defaults
	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.MaxConnections == 0 {
		c.Postgres.MaxConnections = 20
	}
	if c.Postgres.MinConnections == 0 {
		c.Postgres.MinConnections = 2
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
		c.Kafka.Topic = "score-runs-accepted"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "scoreguard-fanout"
	}
	if c.Kafka.FlushTimeout == 0 {
		c.Kafka.FlushTimeout = 500 * time.Millisecond
	}

	// Sync defaults
	if c.Sync.Interval == 0 {
		c.Sync.Interval = 10 * time.Minute
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = 500
	}
}

// Validate checks settings that must be correct before the server starts
func (c *Config) Validate() error {
	var errs []error

	if c.Security.SigningSecret == "" {
		errs = append(errs, errors.New("security.signing_secret (SCORE_SIGNING_SECRET) is required"))
	}
	if c.Security.UsedMarkerTTL <= c.Security.SessionTTL {
		errs = append(errs, errors.New("security.used_marker_ttl must be longer than security.session_ttl"))
	}
	if c.Security.SessionLifetime > c.Security.SessionTTL {
		errs = append(errs, errors.New("security.session_lifetime must not exceed security.session_ttl"))
	}

	switch c.Store.Backend {
	case BackendRedis, BackendMemory:
	case BackendREST:
		if c.Store.REST.URL == "" || c.Store.REST.Token == "" {
			errs = append(errs, errors.New("store.rest.url and store.rest.token are required for the rest backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}

	switch c.Leaderboard.Strategy {
	case StrategyRankedSet, StrategyAppendList:
	default:
		errs = append(errs, fmt.Errorf("unknown leaderboard.strategy %q", c.Leaderboard.Strategy))
	}

	if c.Handle.MinLength < 1 || c.Handle.MaxLength < c.Handle.MinLength {
		errs = append(errs, errors.New("handle.min_length and handle.max_length must form a valid range"))
	}
	if c.Leaderboard.MaxLimit < 1 || c.Leaderboard.MaxLimit > MaxTopLimit {
		errs = append(errs, fmt.Errorf("leaderboard.max_limit must be within [1, %d]", MaxTopLimit))
	}
	if c.Leaderboard.DefaultLimit < 1 || c.Leaderboard.DefaultLimit > c.Leaderboard.MaxLimit {
		errs = append(errs, errors.New("leaderboard.default_limit must be within [1, max_limit]"))
	}

	return errors.Join(errs...)
}
