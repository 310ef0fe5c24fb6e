// Package config provides configuration management for the application.
//
// Values are resolved in this order, later sources winning:
//  1. defaults in buildDefaultConfig
//  2. config.yaml (after ${VAR} / ${VAR:-default} expansion)
//  3. environment variables, including those loaded from .env
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Cache store backends
const (
	CacheStoreNone    = "none"
	CacheStoreRedis   = "redis"
	CacheStoreLevelDB = "leveldb"
)

// Storage backends for the extraction log
const (
	StorageSQLite     = "sqlite"
	StoragePostgreSQL = "postgresql"
	StorageMongoDB    = "mongodb"
)

// Config holds the application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	HTTP       HTTPConfig       `yaml:"http"`
	Cache      CacheConfig      `yaml:"cache"`
	Retry      RetryConfig      `yaml:"retry"`
	Queue      QueueConfig      `yaml:"queue"`
	Proxy      ProxyConfig      `yaml:"proxy"`
	Auth       AuthConfig       `yaml:"auth"`
	ExtractLog ExtractLogConfig `yaml:"extract_log"`
	Storage    StorageConfig    `yaml:"storage"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string  `yaml:"port"`
	AdminKey        string  `yaml:"admin_key"`
	RateLimitRPS    float64 `yaml:"rate_limit_rps"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	MetricsEndpoint string  `yaml:"metrics_endpoint"`
}

// HTTPConfig holds outbound HTTP client timeouts
type HTTPConfig struct {
	Timeout               time.Duration `yaml:"timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
}

// CacheConfig holds the metadata and format-choice cache settings
type CacheConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	Capacity      int           `yaml:"capacity"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Store         string        `yaml:"store"`
	RedisURL      string        `yaml:"redis_url"`
	RedisPrefix   string        `yaml:"redis_prefix"`
	LevelDBPath   string        `yaml:"leveldb_path"`
}

// RetryConfig holds the backoff schedule for rate-limited extractions
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// QueueConfig holds the extraction queue settings
type QueueConfig struct {
	Delay    time.Duration `yaml:"delay"`
	MaxDepth int           `yaml:"max_depth"`
}

// ProxyConfig holds the proxy list source
type ProxyConfig struct {
	ListURL         string        `yaml:"list_url"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
}

// AuthConfig holds the credential sources
type AuthConfig struct {
	CookiesFile     string        `yaml:"cookies_file"`
	Cookies         string        `yaml:"cookies"`
	OAuthToken      string        `yaml:"oauth_token"`
	OAuthExpiry     string        `yaml:"oauth_expiry"` // RFC 3339, empty for no expiry
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// ExtractLogConfig holds the extraction log settings
type ExtractLogConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	RetentionDays int           `yaml:"retention_days"`
}

// StorageConfig selects the database used by the extraction log
type StorageConfig struct {
	Type       string           `yaml:"type"`
	SQLite     SQLiteConfig     `yaml:"sqlite"`
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
	MongoDB    MongoDBConfig    `yaml:"mongodb"`
}

// SQLiteConfig holds SQLite settings
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgreSQLConfig holds PostgreSQL settings
type PostgreSQLConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
}

// MongoDBConfig holds MongoDB settings
type MongoDBConfig struct {
	URL      string `yaml:"url"`
	Database string `yaml:"database"`
}

// LogConfig controls the process logger
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // auto, text, json
}

// LoadResult is what Load returns: the resolved config plus where it came from.
type LoadResult struct {
	Config     *Config
	ConfigFile string // empty when no YAML file was read
}

// configSearchPaths are tried in order when CONFIG_FILE is not set.
var configSearchPaths = []string{"config.yaml", "config/config.yaml"}

// Load reads configuration from defaults, an optional YAML file and the environment.
func Load() (*LoadResult, error) {
	// .env is optional and never overrides variables already set
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	cfg := buildDefaultConfig()

	path, err := loadYAML(cfg)
	if err != nil {
		return nil, err
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &LoadResult{Config: cfg, ConfigFile: path}, nil
}

func buildDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			RateLimitRPS:    20,
			RateLimitBurst:  40,
			MetricsEndpoint: "/metrics",
		},
		HTTP: HTTPConfig{
			Timeout:               30 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			TTL:           time.Hour,
			Capacity:      500,
			SweepInterval: 5 * time.Minute,
			Store:         CacheStoreNone,
			RedisPrefix:   "audioproxy:",
			LevelDBPath:   ".cache/metadata",
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
		},
		Queue: QueueConfig{
			Delay:    time.Second,
			MaxDepth: 100,
		},
		Proxy: ProxyConfig{
			RefreshInterval: 10 * time.Minute,
			FetchTimeout:    15 * time.Second,
		},
		Auth: AuthConfig{
			CookiesFile:     "cookies.txt",
			RefreshInterval: 30 * time.Minute,
		},
		ExtractLog: ExtractLogConfig{
			BufferSize:    1000,
			FlushInterval: 5 * time.Second,
			RetentionDays: 30,
		},
		Storage: StorageConfig{
			Type:       StorageSQLite,
			SQLite:     SQLiteConfig{Path: "data/audioproxy.db"},
			PostgreSQL: PostgreSQLConfig{MaxConns: 10},
			MongoDB:    MongoDBConfig{Database: "audioproxy"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// loadYAML merges the first config file found into cfg. A missing file is not an error.
func loadYAML(cfg *Config) (string, error) {
	paths := configSearchPaths
	if explicit := os.Getenv("CONFIG_FILE"); explicit != "" {
		paths = []string{explicit}
	}

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return "", fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		expanded := expandString(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return "", fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		return path, nil
	}
	return "", nil
}

var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString replaces ${VAR} and ${VAR:-default} placeholders with environment values.
// An unset or empty variable without a default is left as-is so the problem stays visible.
func expandString(s string) string {
	if s == "" {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := placeholderPattern.FindStringSubmatch(match)
		name, hasDefault, def := parts[1], parts[2] != "", parts[3]

		if value := os.Getenv(name); value != "" {
			return value
		}
		if hasDefault {
			return def
		}
		return match
	})
}

// envBinding maps one environment variable onto a config field.
type envBinding struct {
	env   string
	apply func(value string) error
}

func envBindings(cfg *Config) []envBinding {
	return []envBinding{
		{"PORT", stringVar(&cfg.Server.Port)},
		{"ADMIN_KEY", stringVar(&cfg.Server.AdminKey)},
		{"RATE_LIMIT_RPS", floatVar(&cfg.Server.RateLimitRPS)},
		{"RATE_LIMIT_BURST", intVar(&cfg.Server.RateLimitBurst)},
		{"METRICS_ENABLED", boolVar(&cfg.Server.MetricsEnabled)},
		{"METRICS_ENDPOINT", stringVar(&cfg.Server.MetricsEndpoint)},

		{"HTTP_TIMEOUT", durationVar(&cfg.HTTP.Timeout)},
		{"HTTP_RESPONSE_HEADER_TIMEOUT", durationVar(&cfg.HTTP.ResponseHeaderTimeout)},

		{"CACHE_TTL", durationVar(&cfg.Cache.TTL)},
		{"CACHE_CAPACITY", intVar(&cfg.Cache.Capacity)},
		{"CACHE_SWEEP_INTERVAL", durationVar(&cfg.Cache.SweepInterval)},
		{"CACHE_STORE", stringVar(&cfg.Cache.Store)},
		{"REDIS_URL", stringVar(&cfg.Cache.RedisURL)},
		{"REDIS_PREFIX", stringVar(&cfg.Cache.RedisPrefix)},
		{"LEVELDB_PATH", stringVar(&cfg.Cache.LevelDBPath)},

		{"RETRY_MAX_ATTEMPTS", intVar(&cfg.Retry.MaxAttempts)},
		{"RETRY_BASE_DELAY", durationVar(&cfg.Retry.BaseDelay)},
		{"RETRY_MAX_DELAY", durationVar(&cfg.Retry.MaxDelay)},

		{"QUEUE_DELAY", durationVar(&cfg.Queue.Delay)},
		{"QUEUE_MAX_DEPTH", intVar(&cfg.Queue.MaxDepth)},

		{"PROXY_LIST_URL", stringVar(&cfg.Proxy.ListURL)},
		{"PROXY_REFRESH_INTERVAL", durationVar(&cfg.Proxy.RefreshInterval)},
		{"PROXY_FETCH_TIMEOUT", durationVar(&cfg.Proxy.FetchTimeout)},

		{"COOKIES_FILE", stringVar(&cfg.Auth.CookiesFile)},
		{"YT_COOKIES", stringVar(&cfg.Auth.Cookies)},
		{"YT_OAUTH_TOKEN", stringVar(&cfg.Auth.OAuthToken)},
		{"YT_OAUTH_EXPIRY", stringVar(&cfg.Auth.OAuthExpiry)},
		{"AUTH_REFRESH_INTERVAL", durationVar(&cfg.Auth.RefreshInterval)},

		{"EXTRACT_LOG_ENABLED", boolVar(&cfg.ExtractLog.Enabled)},
		{"EXTRACT_LOG_BUFFER_SIZE", intVar(&cfg.ExtractLog.BufferSize)},
		{"EXTRACT_LOG_FLUSH_INTERVAL", durationVar(&cfg.ExtractLog.FlushInterval)},
		{"EXTRACT_LOG_RETENTION_DAYS", intVar(&cfg.ExtractLog.RetentionDays)},

		{"STORAGE_TYPE", stringVar(&cfg.Storage.Type)},
		{"SQLITE_PATH", stringVar(&cfg.Storage.SQLite.Path)},
		{"POSTGRES_URL", stringVar(&cfg.Storage.PostgreSQL.URL)},
		{"POSTGRES_MAX_CONNS", intVar(&cfg.Storage.PostgreSQL.MaxConns)},
		{"MONGODB_URL", stringVar(&cfg.Storage.MongoDB.URL)},
		{"MONGODB_DATABASE", stringVar(&cfg.Storage.MongoDB.Database)},

		{"LOG_LEVEL", stringVar(&cfg.Log.Level)},
		{"LOG_FORMAT", stringVar(&cfg.Log.Format)},
	}
}

// applyEnvOverrides overwrites cfg fields whose environment variable is set and non-empty.
func applyEnvOverrides(cfg *Config) error {
	viper.AutomaticEnv()

	var errs []error
	for _, b := range envBindings(cfg) {
		if !viper.IsSet(b.env) {
			continue
		}
		value := strings.TrimSpace(viper.GetString(b.env))
		if value == "" {
			continue
		}
		if err := b.apply(value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.env, err))
		}
	}
	return errors.Join(errs...)
}

func stringVar(p *string) func(string) error {
	return func(v string) error {
		*p = v
		return nil
	}
}

func intVar(p *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid integer %q", v)
		}
		*p = n
		return nil
	}
}

func floatVar(p *float64) func(string) error {
	return func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q", v)
		}
		*p = f
		return nil
	}
}

func boolVar(p *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid boolean %q", v)
		}
		*p = b
		return nil
	}
}

// durationVar accepts plain integers (seconds) or Go duration strings such as "1h30m".
func durationVar(p *time.Duration) func(string) error {
	return func(v string) error {
		d, err := ParseDuration(v)
		if err != nil {
			return err
		}
		*p = d
		return nil
	}
}

// ParseDuration parses a Go duration string, treating a bare integer as seconds.
func ParseDuration(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return d, nil
}

// OAuthExpiryTime parses Auth.OAuthExpiry. The zero time means no expiry.
func (c *Config) OAuthExpiryTime() (time.Time, error) {
	if c.Auth.OAuthExpiry == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, c.Auth.OAuthExpiry)
	if err != nil {
		return time.Time{}, fmt.Errorf("auth.oauth_expiry must be RFC 3339: %w", err)
	}
	return t, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	if port, err := strconv.Atoi(c.Server.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be a TCP port, got %q", c.Server.Port))
	}
	check(c.Server.RateLimitRPS >= 0, "server.rate_limit_rps must not be negative")
	check(c.Server.RateLimitRPS == 0 || c.Server.RateLimitBurst >= 1, "server.rate_limit_burst must be at least 1 when rate limiting is on")

	check(c.Cache.TTL > 0, "cache.ttl must be positive")
	check(c.Cache.Capacity >= 1, "cache.capacity must be at least 1")
	switch c.Cache.Store {
	case CacheStoreNone, "":
	case CacheStoreRedis:
		check(c.Cache.RedisURL != "", "cache.redis_url is required when cache.store is redis")
	case CacheStoreLevelDB:
		check(c.Cache.LevelDBPath != "", "cache.leveldb_path is required when cache.store is leveldb")
	default:
		errs = append(errs, fmt.Errorf("unknown cache.store %q (valid: none, redis, leveldb)", c.Cache.Store))
	}

	check(c.Retry.MaxAttempts >= 1, "retry.max_attempts must be at least 1")
	check(c.Retry.BaseDelay > 0, "retry.base_delay must be positive")
	check(c.Retry.MaxDelay >= c.Retry.BaseDelay, "retry.max_delay must not be below retry.base_delay")

	check(c.Queue.Delay >= 0, "queue.delay must not be negative")
	check(c.Queue.MaxDepth >= 1, "queue.max_depth must be at least 1")

	if _, err := c.OAuthExpiryTime(); err != nil {
		errs = append(errs, err)
	}

	if c.ExtractLog.Enabled {
		switch c.Storage.Type {
		case StorageSQLite:
			check(c.Storage.SQLite.Path != "", "storage.sqlite.path is required")
		case StoragePostgreSQL:
			check(c.Storage.PostgreSQL.URL != "", "storage.postgresql.url is required when storage.type is postgresql")
		case StorageMongoDB:
			check(c.Storage.MongoDB.URL != "", "storage.mongodb.url is required when storage.type is mongodb")
		default:
			errs = append(errs, fmt.Errorf("unknown storage.type %q (valid: sqlite, postgresql, mongodb)", c.Storage.Type))
		}
	}

	switch strings.ToLower(c.Log.Format) {
	case "auto", "text", "json", "":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q (valid: auto, text, json)", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
