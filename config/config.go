package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"

	// DefaultAutosaveInterval is how often an editing connection's pending
	// draft is persisted. Zero disables the timer.
	DefaultAutosaveInterval = 5 * time.Second
	DefaultPersistTimeout   = 10 * time.Second
)

type Config struct {
	Addr         string
	StoreBackend string
	JWTSecret    string
	CORSOrigin   string
	LogLevel     string

	AutosaveInterval time.Duration
	PersistTimeout   time.Duration

	DB Database
}

// Database carries the Postgres connection settings. The lower-case variable
// names match the connection block Supabase hands out.
type Database struct {
	User     string
	Password string
	Host     string
	Port     string
	Name     string
	SSLMode  string
}

// URL builds the lib/pq DSN. Credentials are escaped, so passwords may
// contain characters such as '@', '/' or '?'.
func (d Database) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     net.JoinHostPort(d.Host, d.Port),
		Path:     "/" + d.Name,
		RawQuery: url.Values{"sslmode": {d.SSLMode}}.Encode(),
	}
	return u.String()
}

// Load reads envFiles (default ".env") into the environment, then builds the
// configuration from it. A missing env file is not an error.
func Load(envFiles ...string) (*Config, error) {
	_ = godotenv.Load(envFiles...)

	cfg := &Config{
		Addr:         env("ADDR", ":8080"),
		StoreBackend: env("STORE_BACKEND", BackendPostgres),
		JWTSecret:    env("SUPABASE_JWT_SECRET", ""),
		CORSOrigin:   env("CORS_ORIGIN", "*"),
		LogLevel:     env("LOG_LEVEL", "info"),
		DB: Database{
			User:     env("user", ""),
			Password: env("password", ""),
			Host:     env("host", "localhost"),
			Port:     env("port", "5432"),
			Name:     env("dbname", "postgres"),
			SSLMode:  env("DB_SSLMODE", "require"),
		},
	}

	var err error
	if cfg.AutosaveInterval, err = duration("AUTOSAVE_INTERVAL", DefaultAutosaveInterval); err != nil {
		return nil, err
	}
	if cfg.PersistTimeout, err = duration("PERSIST_TIMEOUT", DefaultPersistTimeout); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("SUPABASE_JWT_SECRET environment variable not set")
	}
	if c.StoreBackend != BackendPostgres && c.StoreBackend != BackendMemory {
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	if c.AutosaveInterval < 0 {
		return errors.New("autosave interval must not be negative")
	}
	if c.PersistTimeout <= 0 {
		return errors.New("persist timeout must be positive")
	}
	return nil
}

func env(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func duration(key string, fallback time.Duration) (time.Duration, error) {
	v := env(key, "")
	if v == "" {
		return fallback, nil
	}
	if v == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
