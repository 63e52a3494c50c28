package utils

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

type Config struct {
	ServerPort string
	JWTSecret  string
	TokenTTL   time.Duration
	Store      StoreConfig
	Postgres   PostgresConfig
	SQLite     SQLiteConfig
	Mongo      MongoConfig
	Redis      RedisConfig
	Usage      UsageConfig
	LLM        LLMConfig
	Logging    LoggingConfig
}

type StoreConfig struct {
	Driver string
}

type PostgresConfig struct {
	DSN               string
	Host              string
	Port              int
	User              string
	Password          string
	Database          string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	ConnectTimeout    time.Duration
}

type SQLiteConfig struct {
	Path string
}

// MongoConfig is optional; an empty URI keeps settings in memory.
type MongoConfig struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
}

func (m MongoConfig) Enabled() bool { return strings.TrimSpace(m.URI) != "" }

// RedisConfig is optional; an empty Addr keeps usage counters in memory.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Addr) != "" }

type UsageConfig struct {
	DailyLimit int
	Window     time.Duration
	UpgradeURL string
}

type LLMConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

type LoggingConfig struct {
	Level        string
	Encoding     string
	Development  bool
	EnableCaller bool
	ServiceName  string
}

// envAliases keeps the short variable names working next to the
// SECTION_KEY form viper derives automatically.
var envAliases = map[string]string{
	"server.port":         "PORT",
	"auth.jwt_secret":     "JWT_SECRET",
	"auth.token_ttl":      "TOKEN_TTL",
	"store.driver":        "STORE_DRIVER",
	"postgres.dsn":        "POSTGRES_DSN",
	"postgres.database":   "POSTGRES_DB",
	"mongo.uri":           "MONGO_URI",
	"mongo.database":      "MONGO_DATABASE",
	"redis.addr":          "REDIS_ADDR",
	"usage.daily_limit":   "USAGE_DAILY_LIMIT",
	"usage.upgrade_url":   "UPGRADE_URL",
	"llm.base_url":        "LLM_BASE_URL",
	"llm.api_key":         "OPENAI_API_KEY",
	"llm.model":           "LLM_MODEL",
	"logging.level":       "LOG_LEVEL",
	"logging.encoding":    "LOG_ENCODING",
	"logging.development": "LOG_DEVELOPMENT",
	"logging.caller":      "LOG_CALLER",
	"logging.service":     "SERVICE_NAME",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("auth.jwt_secret", "dev-secret")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("store.driver", StoreSQLite)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "postgres")
	v.SetDefault("postgres.database", "copilot")
	v.SetDefault("postgres.max_conns", 8)
	v.SetDefault("postgres.min_conns", 1)
	v.SetDefault("postgres.max_conn_lifetime", "1h")
	v.SetDefault("postgres.max_conn_idle", "30m")
	v.SetDefault("postgres.health_check_period", "1m")
	v.SetDefault("postgres.connect_timeout", "5s")

	v.SetDefault("sqlite.path", "copilot.db")

	v.SetDefault("mongo.database", "copilot")
	v.SetDefault("mongo.connect_timeout", "5s")

	v.SetDefault("redis.db", 0)

	v.SetDefault("usage.daily_limit", 5)
	v.SetDefault("usage.window", "24h")
	v.SetDefault("usage.upgrade_url", "/pricing")

	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.service", "copilot")
}

// LoadConfig reads defaults, then an optional config file (COPILOT_CONFIG or
// ./config.yaml), then the environment.
func LoadConfig() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envAliases {
		if err := v.BindEnv(key, strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	if path := strings.TrimSpace(os.Getenv("COPILOT_CONFIG")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: read config.yaml: %w", err)
			}
		}
	}

	cfg := &Config{
		ServerPort: v.GetString("server.port"),
		JWTSecret:  v.GetString("auth.jwt_secret"),
		TokenTTL:   v.GetDuration("auth.token_ttl"),
		Store: StoreConfig{
			Driver: strings.ToLower(strings.TrimSpace(v.GetString("store.driver"))),
		},
		Postgres: PostgresConfig{
			DSN:               v.GetString("postgres.dsn"),
			Host:              v.GetString("postgres.host"),
			Port:              v.GetInt("postgres.port"),
			User:              v.GetString("postgres.user"),
			Password:          v.GetString("postgres.password"),
			Database:          v.GetString("postgres.database"),
			MaxConns:          v.GetInt32("postgres.max_conns"),
			MinConns:          v.GetInt32("postgres.min_conns"),
			MaxConnLifetime:   v.GetDuration("postgres.max_conn_lifetime"),
			MaxConnIdleTime:   v.GetDuration("postgres.max_conn_idle"),
			HealthCheckPeriod: v.GetDuration("postgres.health_check_period"),
			ConnectTimeout:    v.GetDuration("postgres.connect_timeout"),
		},
		SQLite: SQLiteConfig{
			Path: v.GetString("sqlite.path"),
		},
		Mongo: MongoConfig{
			URI:            v.GetString("mongo.uri"),
			Database:       v.GetString("mongo.database"),
			ConnectTimeout: v.GetDuration("mongo.connect_timeout"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Usage: UsageConfig{
			DailyLimit: v.GetInt("usage.daily_limit"),
			Window:     v.GetDuration("usage.window"),
			UpgradeURL: v.GetString("usage.upgrade_url"),
		},
		LLM: LLMConfig{
			BaseURL: v.GetString("llm.base_url"),
			APIKey:  v.GetString("llm.api_key"),
			Model:   v.GetString("llm.model"),
		},
		Logging: LoggingConfig{
			Level:        strings.ToLower(v.GetString("logging.level")),
			Encoding:     strings.ToLower(v.GetString("logging.encoding")),
			Development:  v.GetBool("logging.development"),
			EnableCaller: v.GetBool("logging.caller"),
			ServiceName:  v.GetString("logging.service"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case StoreMemory, StoreSQLite, StorePostgres:
	default:
		return fmt.Errorf("%w: unknown store driver %q", ErrInvalidConfig, c.Store.Driver)
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("%w: jwt secret is empty", ErrInvalidConfig)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("%w: token ttl must be positive", ErrInvalidConfig)
	}
	if c.Usage.DailyLimit <= 0 {
		return fmt.Errorf("%w: usage limit must be positive", ErrInvalidConfig)
	}
	if c.Usage.Window <= 0 {
		return fmt.Errorf("%w: usage window must be positive", ErrInvalidConfig)
	}
	if c.Store.Driver == StoreSQLite && strings.TrimSpace(c.SQLite.Path) == "" {
		return fmt.Errorf("%w: sqlite path is empty", ErrInvalidConfig)
	}
	return nil
}

func (c PostgresConfig) BuildDSN() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, c.Database)
}
