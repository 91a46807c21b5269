package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Push backends selectable for /push.
const (
	PushEventStream = "eventstream"
	PushPubSub      = "pubsub"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Relay   RelayConfig   `yaml:"relay"`
	NATS    NATSConfig    `yaml:"nats"`
	Catalog CatalogConfig `yaml:"catalog"`
	Store   StoreConfig   `yaml:"store"`
	QR      QRConfig      `yaml:"qr"`
	Host    HostConfig    `yaml:"host"`
}

type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT"`
	AllowedOrigins  []string      `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	LogLevel        string        `yaml:"log_level" envconfig:"LOG_LEVEL"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

type RelayConfig struct {
	Push       string        `yaml:"push" envconfig:"PUSH"`
	Heartbeat  time.Duration `yaml:"heartbeat" envconfig:"HEARTBEAT"`
	KeepAlive  time.Duration `yaml:"keep_alive" envconfig:"KEEP_ALIVE"`
	Retry      time.Duration `yaml:"retry" envconfig:"RETRY"`
	SendBuffer int           `yaml:"send_buffer" envconfig:"SEND_BUFFER"`
}

type NATSConfig struct {
	URL           string        `yaml:"url" envconfig:"URL"`
	Embedded      bool          `yaml:"embedded" envconfig:"EMBEDDED"`
	SubjectPrefix string        `yaml:"subject_prefix" envconfig:"SUBJECT_PREFIX"`
	MaxReconnects int           `yaml:"max_reconnects" envconfig:"MAX_RECONNECTS"`
	ReconnectWait time.Duration `yaml:"reconnect_wait" envconfig:"RECONNECT_WAIT"`
}

type CatalogConfig struct {
	PublicDir  string        `yaml:"public_dir" envconfig:"PUBLIC_DIR"`
	Dirs       []string      `yaml:"dirs" envconfig:"DIRS"`
	RemoteURLs []string      `yaml:"remote_urls" envconfig:"REMOTE_URLS"`
	CacheTTL   time.Duration `yaml:"cache_ttl" envconfig:"CACHE_TTL"`
}

type QRConfig struct {
	DefaultSize int   `yaml:"default_size" envconfig:"DEFAULT_SIZE"`
	MinSize     int   `yaml:"min_size" envconfig:"MIN_SIZE"`
	MaxSize     int   `yaml:"max_size" envconfig:"MAX_SIZE"`
	CacheBytes  int64 `yaml:"cache_bytes" envconfig:"CACHE_BYTES"`
}

// HostConfig overrides the origin embedded in controller links, for hosts
// reached through a LAN address rather than localhost.
type HostConfig struct {
	Protocol string `yaml:"protocol" envconfig:"PROTOCOL"`
	Host     string `yaml:"host" envconfig:"HOST"`
	Port     string `yaml:"port" envconfig:"PORT"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			AllowedOrigins:  []string{"*"},
			LogLevel:        "info",
			ShutdownTimeout: 10 * time.Second,
		},
		Relay: RelayConfig{
			Push:       PushEventStream,
			Heartbeat:  25 * time.Second,
			KeepAlive:  15 * time.Second,
			Retry:      3 * time.Second,
			SendBuffer: 256,
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			SubjectPrefix: "snes-",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Catalog: CatalogConfig{
			PublicDir: "public",
			Dirs:      []string{"roms", "snes", "@roms"},
			CacheTTL:  5 * time.Minute,
		},
		Store: StoreConfig{
			Driver: DriverSQLite,
			Host:   "localhost",
			Port:   5432,
			User:   "postgres",
			// Password comes from SNES_STORE_PASSWORD
			Database: "snes",
			SSLMode:  "disable",
		},
		QR: QRConfig{
			DefaultSize: 180,
			MinSize:     64,
			MaxSize:     1024,
			CacheBytes:  16 << 20,
		},
	}
}

// Load layers the YAML file at path (if any) and SNES_* environment
// variables over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := envconfig.Process("snes", cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Server.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("server.log_level: %w", err))
	}
	switch c.Relay.Push {
	case PushEventStream, PushPubSub:
	default:
		errs = append(errs, fmt.Errorf("relay.push %q must be %s or %s", c.Relay.Push, PushEventStream, PushPubSub))
	}
	if c.Relay.Heartbeat <= 0 || c.Relay.KeepAlive <= 0 {
		errs = append(errs, errors.New("relay intervals must be positive"))
	}
	if c.QR.MinSize <= 0 || c.QR.MinSize > c.QR.MaxSize {
		errs = append(errs, fmt.Errorf("qr sizes invalid: min %d max %d", c.QR.MinSize, c.QR.MaxSize))
	}
	if err := c.Store.validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Level returns the configured log level, info when unparseable.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.Server.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
