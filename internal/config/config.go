// Package config loads relay settings from the environment and maps them onto
// the per-package configuration structs.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/whisper/presence-relay/internal/auth"
	"github.com/whisper/presence-relay/internal/client"
	"github.com/whisper/presence-relay/internal/messaging"
	"github.com/whisper/presence-relay/internal/notify"
	"github.com/whisper/presence-relay/internal/relay"
	"github.com/whisper/presence-relay/internal/ws"
)

// Config is the full process configuration.
type Config struct {
	ListenAddr        string        `env:"LISTEN_ADDR" envDefault:":8080"`
	WorkerPoolSize    int           `env:"WORKER_POOL_SIZE" envDefault:"256"`
	MaxConnections    int           `env:"MAX_CONNECTIONS" envDefault:"100000"`
	ReadTimeout       time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"10s"`

	JWTSecret string        `env:"JWT_SECRET"`
	JWTIssuer string        `env:"JWT_ISSUER" envDefault:"presence-relay"`
	TokenTTL  time.Duration `env:"TOKEN_TTL" envDefault:"24h"`

	RedisEnabled bool   `env:"REDIS_ENABLED" envDefault:"false"`
	RedisAddr    string `env:"REDIS_ADDR" envDefault:"localhost:6379"`

	NATSEnabled bool   `env:"NATS_ENABLED" envDefault:"false"`
	NATSURL     string `env:"NATS_URL" envDefault:"nats://localhost:4222"`

	ServerName  string        `env:"SERVER_NAME" envDefault:"relay-1"`
	NotifyStore string        `env:"NOTIFY_STORE" envDefault:"memory"`
	DatabaseURL string        `env:"DATABASE_URL"`
	TypingTTL   time.Duration `env:"TYPING_TTL" envDefault:"5s"`

	ShutdownGrace time.Duration `env:"SHUTDOWN_GRACE_PERIOD" envDefault:"10s"`

	// Used by relayctl only.
	RelayURL          string        `env:"RELAY_URL" envDefault:"ws://localhost:8080/ws"`
	ReconnectAttempts int           `env:"RECONNECT_MAX_ATTEMPTS" envDefault:"5"`
	TypingDebounce    time.Duration `env:"TYPING_DEBOUNCE" envDefault:"2s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Parse reads the environment into a Config without validating it.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	return cfg, nil
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	cfg, err := Parse()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks settings that have no usable default.
func (c Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("config: JWT_SECRET is required"))
	}
	switch c.NotifyStore {
	case notify.StoreMemory:
	case notify.StoreRedis:
		if !c.RedisEnabled {
			errs = append(errs, errors.New("config: NOTIFY_STORE=redis requires REDIS_ENABLED"))
		}
	case notify.StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("config: NOTIFY_STORE=postgres requires DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown NOTIFY_STORE %q", c.NotifyStore))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("config: unknown LOG_FORMAT %q", c.LogFormat))
	}
	if c.MaxConnections <= 0 {
		errs = append(errs, errors.New("config: MAX_CONNECTIONS must be positive"))
	}
	if c.WorkerPoolSize <= 0 {
		errs = append(errs, errors.New("config: WORKER_POOL_SIZE must be positive"))
	}
	return errors.Join(errs...)
}

// Server returns the WebSocket server settings.
func (c Config) Server() ws.ServerConfig {
	cfg := ws.DefaultServerConfig()
	cfg.ListenAddr = c.ListenAddr
	cfg.WorkerPoolSize = c.WorkerPoolSize
	cfg.MaxConnections = c.MaxConnections
	cfg.ReadTimeout = c.ReadTimeout
	cfg.WriteTimeout = c.WriteTimeout
	cfg.Heartbeat.Interval = c.HeartbeatInterval
	cfg.Heartbeat.Timeout = c.HeartbeatTimeout
	return cfg
}

// Auth returns the handshake gateway settings.
func (c Config) Auth() auth.Config {
	cfg := auth.DefaultConfig()
	cfg.Secret = c.JWTSecret
	cfg.Issuer = c.JWTIssuer
	cfg.TokenTTL = c.TokenTTL
	return cfg
}

// NATS returns the NATS client settings.
func (c Config) NATS() messaging.NATSConfig {
	cfg := messaging.DefaultNATSConfig()
	cfg.URL = c.NATSURL
	cfg.Name = c.ServerName
	return cfg
}

// Hub returns the dispatcher settings.
func (c Config) Hub() relay.Config {
	cfg := relay.DefaultConfig()
	cfg.ServerName = c.ServerName
	cfg.TypingTTL = c.TypingTTL
	return cfg
}

// Client returns the client supervisor settings for relayctl.
func (c Config) Client() client.Config {
	cfg := client.DefaultConfig()
	cfg.URL = c.RelayURL
	cfg.MaxAttempts = c.ReconnectAttempts
	cfg.TypingWindow = c.TypingDebounce
	return cfg
}
