package dbconfig

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/caarlos0/env/v11"
)

// Config holds Postgres connection settings for the settings store.
type Config struct {
	Host     string `env:"HOST" envDefault:"localhost"`
	Port     int    `env:"PORT" envDefault:"5432"`
	User     string `env:"USER" envDefault:"postgres"`
	Password string `env:"PASSWORD" envDefault:"postgres"`
	Database string `env:"NAME" envDefault:"tilesync"`
	SSLMode  string `env:"SSLMODE" envDefault:"disable"`
	// MaxConns caps the pool; zero leaves the pgx default.
	MaxConns int32 `env:"MAX_CONNS"`
}

// NewConfigFromEnv reads TILESYNC_DB_* environment variables (with defaults).
func NewConfigFromEnv() (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, env.Options{Prefix: "TILESYNC_DB_"}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return c, nil
}

// DSN returns the Postgres connection URL.
func (c Config) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     c.Host + ":" + strconv.Itoa(c.Port),
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": {c.SSLMode}}.Encode(),
	}
	if c.MaxConns > 0 {
		q := u.Query()
		q.Set("pool_max_conns", strconv.Itoa(int(c.MaxConns)))
		u.RawQuery = q.Encode()
	}
	return u.String()
}
