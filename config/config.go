// Package config loads service settings: defaults, then an optional YAML file,
// then environment variables.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the YAML path used when BOARD_CONFIG is unset.
const DefaultConfigFile = "board.yaml"

const (
	BackendRest  = "rest"
	BackendTable = "table"
)

type Config struct {
	Port      string          `yaml:"port"`
	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	Chat      ChatConfig      `yaml:"chat"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Auth      AuthConfig      `yaml:"auth"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StoreConfig struct {
	Backend          string `yaml:"backend"`
	URL              string `yaml:"url"`
	APIKey           string `yaml:"api_key"`
	Table            string `yaml:"table"`
	ConnectionString string `yaml:"connection_string"`
	TasksTable       string `yaml:"tasks_table"`
	// Partition is the board key of the single local user when requests are
	// not authenticated.
	Partition      string `yaml:"partition"`
	ReconcileQueue string `yaml:"reconcile_queue"`
}

type RedisConfig struct {
	ConnectionString string        `yaml:"connection_string"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
	DeduperTTL       time.Duration `yaml:"deduper_ttl"`
}

type ChatConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

type DispatchConfig struct {
	Workers        int           `yaml:"workers"`
	Buffer         int           `yaml:"buffer"`
	Timeout        time.Duration `yaml:"timeout"`
	HandoffTimeout time.Duration `yaml:"handoff_timeout"`
}

// ReconcileConfig tunes the reconcile worker.
type ReconcileConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Idle        time.Duration `yaml:"idle"`
}

type AuthConfig struct {
	Disabled          bool          `yaml:"disabled"`
	Domain            string        `yaml:"domain"`
	Audience          string        `yaml:"audience"`
	LocalMode         bool          `yaml:"local_mode"`
	LocalSharedSecret string        `yaml:"local_shared_secret"`
	TestMode          bool          `yaml:"test_mode"`
	TestSecret        string        `yaml:"test_secret"`
	JWKSCacheTTL      time.Duration `yaml:"jwks_cache_ttl"`
}

// Defaults returns the settings used when nothing overrides them.
func Defaults() Config {
	return Config{
		Port: "8080",
		Log:  LogConfig{Level: "info", Format: "text"},
		Store: StoreConfig{
			Table:     "tasks",
			Partition: "local",
		},
		Redis: RedisConfig{
			CacheTTL:   5 * time.Minute,
			DeduperTTL: 24 * time.Hour,
		},
		Chat: ChatConfig{Timeout: 2 * time.Minute},
		Dispatch: DispatchConfig{
			Workers:        4,
			Buffer:         256,
			Timeout:        30 * time.Second,
			HandoffTimeout: 15 * time.Millisecond,
		},
		Auth:      AuthConfig{JWKSCacheTTL: time.Hour},
		Reconcile: ReconcileConfig{MaxAttempts: 5, Idle: time.Second},
	}
}

// Load reads BOARD_CONFIG (or DefaultConfigFile) and the environment.
func Load() (*Config, error) {
	path := os.Getenv("BOARD_CONFIG")
	if path == "" {
		path = DefaultConfigFile
	}
	return LoadFrom(path)
}

// LoadFrom applies defaults < YAML at path < environment. A missing file is
// not an error.
func LoadFrom(path string) (*Config, error) {
	return loadFrom(path, (*Config).Validate)
}

// LoadWorker is Load for the reconcile worker, which needs only the store,
// queue and Redis settings.
func LoadWorker() (*Config, error) {
	path := os.Getenv("BOARD_CONFIG")
	if path == "" {
		path = DefaultConfigFile
	}
	return LoadWorkerFrom(path)
}

func LoadWorkerFrom(path string) (*Config, error) {
	return loadFrom(path, (*Config).ValidateWorker)
}

func loadFrom(path string, validate func(*Config) error) (*Config, error) {
	cfg := Defaults()
	if err := loadYAML(&cfg, path); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}
	if err := loadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config env: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}
	return &cfg, nil
}

func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

type envLoader struct {
	errs []error
}

func loadEnv(cfg *Config) error {
	var l envLoader

	l.str(&cfg.Port, "PORT")
	l.str(&cfg.Log.Level, "LOG_LEVEL")
	l.str(&cfg.Log.Format, "LOG_FORMAT")
	var debug bool
	l.boolean(&debug, "DEBUG")
	if debug {
		cfg.Log.Level = "debug"
	}

	l.str(&cfg.Store.Backend, "STORE_BACKEND")
	l.str(&cfg.Store.URL, "STORE_URL")
	l.str(&cfg.Store.APIKey, "STORE_API_KEY")
	l.str(&cfg.Store.Table, "STORE_TABLE")
	l.str(&cfg.Store.ConnectionString, "STORAGE_CONNECTION_STRING")
	l.str(&cfg.Store.TasksTable, "TASKS_TABLE")
	l.str(&cfg.Store.Partition, "BOARD_PARTITION")
	l.str(&cfg.Store.ReconcileQueue, "RECONCILE_QUEUE")

	l.str(&cfg.Redis.ConnectionString, "REDIS_CONNECTION_STRING")
	l.duration(&cfg.Redis.CacheTTL, "CACHE_TTL")
	l.duration(&cfg.Redis.DeduperTTL, "DEDUPER_TTL")

	l.str(&cfg.Chat.URL, "CHAT_URL")
	l.str(&cfg.Chat.APIKey, "CHAT_API_KEY")
	l.duration(&cfg.Chat.Timeout, "CHAT_TIMEOUT")

	l.integer(&cfg.Dispatch.Workers, "DISPATCH_WORKERS")
	l.integer(&cfg.Dispatch.Buffer, "DISPATCH_BUFFER")
	l.duration(&cfg.Dispatch.Timeout, "DISPATCH_TIMEOUT")
	l.duration(&cfg.Dispatch.HandoffTimeout, "DISPATCH_HANDOFF_TIMEOUT")

	l.flag(&cfg.Auth.Disabled, "AUTH_DISABLED")
	l.str(&cfg.Auth.Domain, "AUTH0_DOMAIN")
	l.str(&cfg.Auth.Audience, "AUTH0_AUDIENCE")
	l.localAuthMode(&cfg.Auth.LocalMode, "LOCAL_AUTH_MODE")
	l.str(&cfg.Auth.LocalSharedSecret, "LOCAL_AUTH_SHARED_SECRET")
	l.flag(&cfg.Auth.TestMode, "AUTH0_TEST_MODE")
	l.str(&cfg.Auth.TestSecret, "TEST_JWT_SECRET")
	l.duration(&cfg.Auth.JWKSCacheTTL, "JWKS_CACHE_TTL")

	l.integer(&cfg.Reconcile.MaxAttempts, "RECONCILE_MAX_ATTEMPTS")
	l.duration(&cfg.Reconcile.Idle, "RECONCILE_IDLE")

	return errors.Join(l.errs...)
}

func (l *envLoader) str(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (l *envLoader) integer(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid %s: %w", key, err))
		return
	}
	*dst = n
}

func (l *envLoader) duration(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid %s: %w", key, err))
		return
	}
	*dst = d
}

func (l *envLoader) boolean(dst *bool, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid %s: %w", key, err))
		return
	}
	*dst = b
}

// flag treats "1" as the only true value, like AUTH0_TEST_MODE has always done.
func (l *envLoader) flag(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "1"
	}
}

// localAuthMode accepts "hs256", the only supported local signing mode, or a
// boolean.
func (l *envLoader) localAuthMode(dst *bool, key string) {
	v := strings.ToLower(os.Getenv(key))
	switch v {
	case "":
		return
	case "hs256":
		*dst = true
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("unsupported %s value %q", key, v))
		return
	}
	*dst = b
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}
	if err := c.validateStore(); err != nil {
		return err
	}
	if c.Chat.URL == "" {
		return errors.New("missing chat config")
	}
	if c.Dispatch.Workers <= 0 {
		return errors.New("dispatch workers must be greater than zero")
	}
	if c.Dispatch.Buffer < 0 {
		return errors.New("dispatch buffer must not be negative")
	}
	if c.Redis.CacheTTL < 0 || c.Redis.DeduperTTL <= 0 {
		return errors.New("invalid redis ttl")
	}
	if c.Auth.Disabled || c.Auth.TestMode || c.Auth.LocalMode {
		return nil
	}
	if c.Auth.Domain == "" || c.Auth.Audience == "" {
		return errors.New("missing Auth0 config")
	}
	return nil
}

// ValidateWorker checks the settings the reconcile worker depends on.
func (c *Config) ValidateWorker() error {
	if err := c.validateStore(); err != nil {
		return err
	}
	if c.Store.ReconcileQueue == "" {
		return errors.New("missing RECONCILE_QUEUE")
	}
	if c.Reconcile.MaxAttempts <= 0 {
		return errors.New("reconcile max attempts must be greater than zero")
	}
	if c.Reconcile.Idle <= 0 {
		return errors.New("reconcile idle must be positive")
	}
	if c.Redis.CacheTTL < 0 {
		return errors.New("invalid redis ttl")
	}
	return nil
}

func (c *Config) validateStore() error {
	if c.Store.Partition == "" {
		return errors.New("board partition must not be empty")
	}
	switch c.Store.Backend {
	case "":
		switch {
		case c.Store.URL != "":
			c.Store.Backend = BackendRest
		case c.Store.ConnectionString != "":
			c.Store.Backend = BackendTable
		default:
			return errors.New("missing store config: set STORE_URL or STORAGE_CONNECTION_STRING")
		}
	case BackendRest, BackendTable:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == BackendRest && (c.Store.URL == "" || c.Store.Table == "") {
		return errors.New("missing rest store config")
	}
	if c.Store.Backend == BackendTable && (c.Store.ConnectionString == "" || c.Store.TasksTable == "") {
		return errors.New("missing table store config")
	}
	if c.Store.ReconcileQueue != "" && c.Store.ConnectionString == "" {
		return errors.New("reconcile queue requires STORAGE_CONNECTION_STRING")
	}
	return nil
}

// RedisOptions parses the Redis connection string, either a redis:// URL or
// the "host:port,password=...,ssl=true" form. It returns nil when Redis is
// not configured.
func (c *Config) RedisOptions() (*redis.Options, error) {
	conn := c.Redis.ConnectionString
	if conn == "" {
		return nil, nil
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	if parts[0] == "" {
		return nil, fmt.Errorf("invalid redis connection string %q", conn)
	}
	opts := &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts, nil
}
