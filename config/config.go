package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port           string        `env:"PORT" envDefault:"8080"`
	Environment    string        `env:"ENVIRONMENT" envDefault:"development"`
	AllowedOrigins []string      `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000,http://localhost:5173"`
	JWTSecret      string        `env:"JWT_SECRET" envDefault:"change-me-in-production"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
	CallTTL        time.Duration `env:"CALL_TTL" envDefault:"24h"`

	Redis RedisConfig
	ICE   ICEConfig
}

type RedisConfig struct {
	Host     string `env:"REDIS_HOST" envDefault:"localhost"`
	Port     string `env:"REDIS_PORT" envDefault:"6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// Addr returns host:port for the redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

type ICEConfig struct {
	STUNURLs []string `env:"STUN_URLS" envSeparator:"," envDefault:"stun:stun.l.google.com:19302"`

	// TURNHost is host:port of a coturn server using the REST auth scheme.
	// TURN is disabled when empty.
	TURNHost   string        `env:"TURN_HOST"`
	TURNSecret string        `env:"TURN_SECRET"`
	TURNTTL    time.Duration `env:"TURN_TTL" envDefault:"1h"`
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.IsProduction() && cfg.JWTSecret == "change-me-in-production" {
		return nil, fmt.Errorf("JWT_SECRET must be set in production")
	}

	if cfg.ICE.TURNHost != "" && cfg.ICE.TURNSecret == "" {
		return nil, fmt.Errorf("TURN_SECRET is required when TURN_HOST is set")
	}

	return &cfg, nil
}
