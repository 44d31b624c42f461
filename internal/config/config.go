package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/npezzotti/go-dmchat/internal/database"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	ServerAddr     string
	DatabaseDriver string
	DatabaseDSN    string
	AllowedOrigins []string
	RedisURL       string
	Env            string
	QueryTimeout   time.Duration
	RateLimit      float64
	RateBurst      int
}

// Params holds raw settings gathered from flags and the environment.
type Params struct {
	ServerAddr     string
	DatabaseDriver string
	DatabaseDSN    string
	DatabaseSSL    bool
	AllowedOrigins []string
	RedisURL       string
	Env            string
	QueryTimeout   time.Duration
	RateLimit      float64
	RateBurst      int
}

func NewConfig(p Params) (*Config, error) {
	if p.ServerAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}

	dsn := p.DatabaseDSN
	switch p.DatabaseDriver {
	case database.DriverPostgres:
		if dsn == "" {
			return nil, fmt.Errorf("database DSN cannot be empty")
		}

		var err error
		dsn, err = applySSLMode(dsn, p.DatabaseSSL)
		if err != nil {
			return nil, fmt.Errorf("database DSN: %w", err)
		}
	case database.DriverSqlite:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", p.DatabaseDriver)
	}

	if p.QueryTimeout <= 0 {
		return nil, fmt.Errorf("query timeout must be positive")
	}
	if p.RateLimit <= 0 || p.RateBurst <= 0 {
		return nil, fmt.Errorf("rate limit and burst must be positive")
	}

	if p.RedisURL != "" {
		if _, err := url.Parse(p.RedisURL); err != nil {
			return nil, fmt.Errorf("redis url: %w", err)
		}
	}

	env := strings.ToLower(p.Env)
	if env == "" {
		env = EnvDevelopment
	}

	return &Config{
		ServerAddr:     p.ServerAddr,
		DatabaseDriver: p.DatabaseDriver,
		DatabaseDSN:    dsn,
		AllowedOrigins: p.AllowedOrigins,
		RedisURL:       p.RedisURL,
		Env:            env,
		QueryTimeout:   p.QueryTimeout,
		RateLimit:      p.RateLimit,
		RateBurst:      p.RateBurst,
	}, nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == EnvDevelopment || c.Env == "dev"
}

// LoadEnv reads a .env file into the environment if one exists. Variables
// already set take precedence.
func LoadEnv(filenames ...string) error {
	err := godotenv.Load(filenames...)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env: %w", err)
	}

	return nil
}

// GetEnv returns the first non-empty value among keys, or fallback.
func GetEnv(fallback string, keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}

	return fallback
}

func GetEnvBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return fallback
	}

	return v
}

func GetEnvFloat(key string, fallback float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return fallback
	}

	return v
}

func GetEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}

	return v
}

// ServerAddr builds a listen address from PORT when ADDR is not set, the
// way hosting platforms inject it.
func ServerAddr(fallback string) string {
	if addr := os.Getenv("ADDR"); addr != "" {
		return addr
	}
	if port := os.Getenv("PORT"); port != "" {
		return ":" + port
	}

	return fallback
}

// applySSLMode forces sslmode=require when ssl is set. Otherwise it sets
// sslmode=disable unless the DSN already chooses a mode.
func applySSLMode(dsn string, ssl bool) (string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", err
		}

		q := u.Query()
		if ssl {
			q.Set("sslmode", "require")
		} else if q.Get("sslmode") == "" {
			q.Set("sslmode", "disable")
		}
		u.RawQuery = q.Encode()

		return u.String(), nil
	}

	fields := strings.Fields(dsn)
	for i, f := range fields {
		if strings.HasPrefix(f, "sslmode=") {
			if ssl {
				fields[i] = "sslmode=require"
			}
			return strings.Join(fields, " "), nil
		}
	}

	mode := "disable"
	if ssl {
		mode = "require"
	}

	return strings.Join(append(fields, "sslmode="+mode), " "), nil
}
