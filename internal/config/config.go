package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"pastebin/internal/storage"
)

// Supported values for Config.Store.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreBolt     = "bolt"
	StoreMongoDB  = "mongodb"
	StoreDynamoDB = "dynamodb"
	StoreRedis    = "redis"
)

var validStores = []string{StorePostgres, StoreSQLite, StoreBolt, StoreMongoDB, StoreDynamoDB, StoreRedis}

// Config holds all configuration options for the pastebin service.
type Config struct {
	// Server configuration
	Port        int
	Env         string
	FrontendURL string
	BaseURL     string
	TrustProxy  bool

	// Storage configuration
	Store          string
	DatabaseURL    string
	DBHost         string
	DBPort         int
	DBUser         string
	DBPassword     string
	DBName         string
	DBSSL          bool
	MaxConns       int
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	QueryTimeout   time.Duration
	DataPath       string

	MongoDBURI      string
	MongoDBDatabase string

	DynamoDBTable    string
	DynamoDBEndpoint string
	AWSRegion        string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Paste configuration
	MaxContentBytes int
	IDLength        int
	JanitorInterval time.Duration

	// Operational configuration
	TestMode      bool
	EnableMetrics bool
	LogLevel      string
	LogFormat     string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 3000)
	v.SetDefault("store", StorePostgres)
	v.SetDefault("db_host", "localhost")
	v.SetDefault("db_port", 5432)
	v.SetDefault("db_user", "postgres")
	v.SetDefault("db_name", "pastebin")
	v.SetDefault("db_ssl", false)
	v.SetDefault("db_max_conns", 10)
	v.SetDefault("db_connect_timeout", "10s")
	v.SetDefault("db_idle_timeout", "30s")
	v.SetDefault("db_query_timeout", "10s")
	v.SetDefault("data_path", "./pastebin.db")
	v.SetDefault("mongodb_uri", "mongodb://localhost:27017")
	v.SetDefault("mongodb_database", "pastebin")
	v.SetDefault("dynamodb_table", "pastebin-pastes")
	v.SetDefault("aws_region", "us-east-1")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_db", 0)
	v.SetDefault("max_content_bytes", 1_048_576)
	v.SetDefault("id_length", 12)
	v.SetDefault("janitor_interval", "1m")
	v.SetDefault("test_mode", false)
	v.SetDefault("trust_proxy", false)
	v.SetDefault("enable_metrics", true)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// Load reads configuration from the environment. A non-empty path names a
// config file (any format viper understands); otherwise a .env file in the
// working directory is read when present. Environment variables always win.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	switch {
	case path != "":
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	default:
		if _, err := os.Stat(".env"); err == nil {
			v.SetConfigFile(".env")
			v.SetConfigType("env")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read .env: %w", err)
			}
		}
	}
	v.AutomaticEnv()

	cfg := fromViper(v)
	return cfg, cfg.Validate()
}

func fromViper(v *viper.Viper) *Config {
	env := v.GetString("app_env")
	if env == "" {
		env = v.GetString("node_env")
	}
	if env == "" {
		env = "development"
	}

	vercel := ""
	if host := v.GetString("vercel_url"); host != "" {
		vercel = "https://" + host
	}

	cfg := &Config{
		Port:        v.GetInt("port"),
		Env:         env,
		FrontendURL: firstNonEmpty(v.GetString("frontend_url"), vercel, "http://localhost:5173"),
		TrustProxy:  v.GetBool("trust_proxy"),

		Store:          strings.ToLower(strings.TrimSpace(v.GetString("store"))),
		DatabaseURL:    v.GetString("database_url"),
		DBHost:         v.GetString("db_host"),
		DBPort:         v.GetInt("db_port"),
		DBUser:         v.GetString("db_user"),
		DBPassword:     v.GetString("db_password"),
		DBName:         v.GetString("db_name"),
		DBSSL:          v.GetBool("db_ssl"),
		MaxConns:       v.GetInt("db_max_conns"),
		ConnectTimeout: v.GetDuration("db_connect_timeout"),
		IdleTimeout:    v.GetDuration("db_idle_timeout"),
		QueryTimeout:   v.GetDuration("db_query_timeout"),
		DataPath:       v.GetString("data_path"),

		MongoDBURI:      v.GetString("mongodb_uri"),
		MongoDBDatabase: v.GetString("mongodb_database"),

		DynamoDBTable:    v.GetString("dynamodb_table"),
		DynamoDBEndpoint: v.GetString("dynamodb_endpoint"),
		AWSRegion:        v.GetString("aws_region"),

		RedisAddr:     v.GetString("redis_addr"),
		RedisPassword: v.GetString("redis_password"),
		RedisDB:       v.GetInt("redis_db"),

		MaxContentBytes: v.GetInt("max_content_bytes"),
		IDLength:        v.GetInt("id_length"),
		JanitorInterval: v.GetDuration("janitor_interval"),

		TestMode:      v.GetBool("test_mode"),
		EnableMetrics: v.GetBool("enable_metrics"),
		LogLevel:      strings.ToLower(v.GetString("log_level")),
		LogFormat:     strings.ToLower(v.GetString("log_format")),
	}
	cfg.BaseURL = firstNonEmpty(v.GetString("base_url"), vercel, "http://localhost:"+strconv.Itoa(cfg.Port))
	return cfg
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	validStore := false
	for _, s := range validStores {
		if c.Store == s {
			validStore = true
			break
		}
	}
	if !validStore {
		return fmt.Errorf("invalid store: %q (valid: %s)", c.Store, strings.Join(validStores, ", "))
	}

	if c.MaxConns < 1 {
		return fmt.Errorf("max connections must be positive: %d", c.MaxConns)
	}
	if c.ConnectTimeout <= 0 || c.IdleTimeout <= 0 || c.QueryTimeout <= 0 {
		return errors.New("store timeouts must be positive")
	}
	if c.MaxContentBytes < 1 {
		return fmt.Errorf("max content bytes must be positive: %d", c.MaxContentBytes)
	}
	if c.IDLength < 8 || c.IDLength > 64 {
		return fmt.Errorf("id length must be between 8 and 64: %d", c.IDLength)
	}
	if c.JanitorInterval < 0 {
		return fmt.Errorf("janitor interval cannot be negative: %s", c.JanitorInterval)
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("invalid base url: %w", err)
	}
	if c.Store == StorePostgres && c.DatabaseURL == "" && c.DBHost == "" {
		return errors.New("postgres store needs DATABASE_URL or DB_HOST")
	}
	return nil
}

// IsProduction reports whether the service runs in production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UseTLS reports whether connections to the store must be encrypted.
func (c *Config) UseTLS() bool {
	return c.IsProduction() || c.DBSSL
}

// PostgresDSN returns the connection string for the Postgres store.
// DATABASE_URL wins over the individual DB_* settings.
func (c *Config) PostgresDSN() string {
	if c.DatabaseURL != "" {
		if !c.UseTLS() {
			return c.DatabaseURL
		}
		u, err := url.Parse(c.DatabaseURL)
		if err != nil {
			return c.DatabaseURL
		}
		q := u.Query()
		if q.Get("sslmode") == "" || q.Get("sslmode") == "disable" {
			q.Set("sslmode", "require")
		}
		u.RawQuery = q.Encode()
		return u.String()
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.DBHost, strconv.Itoa(c.DBPort)),
		Path:   "/" + c.DBName,
	}
	if c.DBPassword != "" {
		u.User = url.UserPassword(c.DBUser, c.DBPassword)
	} else if c.DBUser != "" {
		u.User = url.User(c.DBUser)
	}
	sslmode := "disable"
	if c.UseTLS() {
		sslmode = "require"
	}
	u.RawQuery = url.Values{"sslmode": {sslmode}}.Encode()
	return u.String()
}

// StorageOptions returns the pooling limits for the network backends.
func (c *Config) StorageOptions() storage.Options {
	return storage.Options{
		MaxConns:       c.MaxConns,
		ConnectTimeout: c.ConnectTimeout,
		IdleTimeout:    c.IdleTimeout,
		QueryTimeout:   c.QueryTimeout,
	}
}

// SlogLevel maps LogLevel onto a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
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

// NewLogger builds the process logger on w.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
