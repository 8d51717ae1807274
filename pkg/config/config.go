// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Store, Postgres, Redis, Kafka, Search, etc.).
package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Search   SearchConfig   `yaml:"search"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// StoreConfig selects the template persistence backend and its behaviour.
type StoreConfig struct {
	// Backend is "file" or "postgres".
	Backend             string        `yaml:"backend"`
	DataDir             string        `yaml:"dataDir"`
	CategoryTypes       []string      `yaml:"categoryTypes"`
	DefaultCategoryType string        `yaml:"defaultCategoryType"`
	SaveDelay           time.Duration `yaml:"saveDelay"`
	LockTimeout         time.Duration `yaml:"lockTimeout"`
	Watch               bool          `yaml:"watch"`
	WatchDebounce       time.Duration `yaml:"watchDebounce"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// RedisConfig holds the optional shared query-result cache settings.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// KafkaConfig holds Kafka broker and topic settings for analytics and
// cross-instance change notifications.
type KafkaConfig struct {
	Enabled       bool        `yaml:"enabled"`
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
	BufferSize    int         `yaml:"bufferSize"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	TemplateChanges string `yaml:"templateChanges"`
	AnalyticsEvents string `yaml:"analyticsEvents"`
}

// SearchConfig controls the query pipeline and caches.
type SearchConfig struct {
	DebounceDelay   time.Duration `yaml:"debounceDelay"`
	WorkerTimeout   time.Duration `yaml:"workerTimeout"`
	ResultCacheSize int           `yaml:"resultCacheSize"`
	MaxSessions     int           `yaml:"maxSessions"`
	PollInterval    time.Duration `yaml:"pollInterval"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig controls span logging around searches.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate float64 `yaml:"sampleRate"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with defaults for any missing
// values.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config with defaults suitable for a single local user.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8765,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Backend:             "file",
			DataDir:             defaultDataDir(),
			CategoryTypes:       []string{"clients", "colleagues"},
			DefaultCategoryType: "clients",
			SaveDelay:           750 * time.Millisecond,
			LockTimeout:         5 * time.Second,
			Watch:               true,
			WatchDebounce:       300 * time.Millisecond,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "quickreply",
			User:            "quickreply",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			PoolSize: 10,
			CacheTTL: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Enabled:       false,
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "quickreply",
			Topics: KafkaTopics{
				TemplateChanges: "template-changes",
				AnalyticsEvents: "template-analytics",
			},
			BufferSize: 1000,
		},
		Search: SearchConfig{
			DebounceDelay:   300 * time.Millisecond,
			WorkerTimeout:   2 * time.Second,
			ResultCacheSize: 256,
			MaxSessions:     64,
			PollInterval:    50 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			Enabled:    false,
			SampleRate: 1,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9091,
		},
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "file", "postgres":
	default:
		return fmt.Errorf("store.backend must be \"file\" or \"postgres\", got %q", c.Store.Backend)
	}
	if len(c.Store.CategoryTypes) == 0 {
		return fmt.Errorf("store.categoryTypes must not be empty")
	}
	if !slices.Contains(c.Store.CategoryTypes, c.Store.DefaultCategoryType) {
		return fmt.Errorf("store.defaultCategoryType %q is not one of %v",
			c.Store.DefaultCategoryType, c.Store.CategoryTypes)
	}
	if c.Search.DebounceDelay < 0 {
		return fmt.Errorf("search.debounceDelay must not be negative")
	}
	if c.Search.ResultCacheSize <= 0 {
		return fmt.Errorf("search.resultCacheSize must be positive")
	}
	return nil
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return dir + string(os.PathSeparator) + "quickreply"
	}
	return ".quickreply"
}

// applyEnvOverrides reads QR_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("QR_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("QR_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("QR_STORE_DATA_DIR"); v != "" {
		cfg.Store.DataDir = v
	}
	if v := os.Getenv("QR_STORE_CATEGORY_TYPES"); v != "" {
		cfg.Store.CategoryTypes = strings.Split(v, ",")
	}
	if v := os.Getenv("QR_STORE_DEFAULT_CATEGORY_TYPE"); v != "" {
		cfg.Store.DefaultCategoryType = v
	}
	if v := os.Getenv("QR_STORE_SAVE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Store.SaveDelay = d
		}
	}
	if v := os.Getenv("QR_STORE_WATCH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Store.Watch = b
		}
	}
	if v := os.Getenv("QR_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("QR_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("QR_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("QR_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("QR_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("QR_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("QR_REDIS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Redis.Enabled = b
		}
	}
	if v := os.Getenv("QR_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("QR_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("QR_KAFKA_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Kafka.Enabled = b
		}
	}
	if v := os.Getenv("QR_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("QR_SEARCH_DEBOUNCE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Search.DebounceDelay = d
		}
	}
	if v := os.Getenv("QR_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("QR_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("QR_METRICS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Metrics.Enabled = b
		}
	}
	if v := os.Getenv("QR_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
}
