package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all server settings, read from environment variables.
type Config struct {
	DBHost     string `envconfig:"DB_HOST" default:"localhost"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBName     string `envconfig:"DB_NAME" default:"exchange_test"`
	DBUser     string `envconfig:"DB_USER" default:"myuser"`
	DBPassword string `envconfig:"DB_PASSWORD" default:"mypassword"`

	Port      int `envconfig:"PORT" default:"12345"`
	AdminPort int `envconfig:"ADMIN_PORT" default:"8080"`

	ReadTimeout time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	Workers     int           `envconfig:"WORKERS" default:"10"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`   // debug, info, warn, error
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`  // text or json
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("error processing env config: %w", err)
	}
	return cfg, nil
}

// ConnString builds the Postgres connection URL.
func (c Config) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}
