package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

type ServerConfig struct {
	Address         string        `yaml:"address"`
	Port            int           `yaml:"port"`
	Workers         int           `yaml:"workers"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	BroadcastTrades bool          `yaml:"broadcast_trades"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// FeedConfig configures the kafka trade feed.
type FeedConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type AppConfig struct {
	Instrument string       `yaml:"instrument"`
	Server     ServerConfig `yaml:"server"`
	Log        LogConfig    `yaml:"log"`
	Feed       FeedConfig   `yaml:"feed"`
}

// Default is the configuration used for anything the file leaves out.
func Default() *AppConfig {
	return &AppConfig{
		Instrument: "ABC",
		Server: ServerConfig{
			Address:         "localhost",
			Port:            8765,
			Workers:         64,
			ReadTimeout:     5 * time.Minute,
			WriteTimeout:    5 * time.Second,
			BroadcastTrades: true,
		},
		Log: LogConfig{
			Level: "info",
		},
		Feed: FeedConfig{
			Topic: "trades",
		},
	}
}

// Load load config from file and environment variables. An empty path falls
// back to CONFIG_FILE, and to the defaults when that is unset too.
func Load(filePath string) (*AppConfig, error) {
	if len(filePath) == 0 {
		filePath = os.Getenv("CONFIG_FILE")
	}

	cfg := Default()
	if len(filePath) == 0 {
		log.Debug().Msg("no config file, using defaults")
		return cfg, cfg.Validate()
	}

	log.Debug().Str("path", filePath).Msg("loading config")

	configBytes, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("unable to read config: %w", err)
	}
	return Parse(configBytes)
}

// Parse decodes YAML over the defaults, expanding ${ENV} references first.
func Parse(configBytes []byte) (*AppConfig, error) {
	configBytes = []byte(os.ExpandEnv(string(configBytes)))

	cfg := Default()
	if err := yaml.Unmarshal(configBytes, cfg); err != nil {
		return nil, fmt.Errorf("unable to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *AppConfig) Validate() error {
	if cfg.Instrument == "" {
		return fmt.Errorf("%w: instrument is required", ErrInvalidConfig)
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, cfg.Server.Port)
	}
	if cfg.Server.Workers <= 0 {
		return fmt.Errorf("%w: workers must be positive, got %d", ErrInvalidConfig, cfg.Server.Workers)
	}
	if cfg.Server.ReadTimeout <= 0 || cfg.Server.WriteTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}
	if cfg.Feed.Enabled && (len(cfg.Feed.Brokers) == 0 || cfg.Feed.Topic == "") {
		return fmt.Errorf("%w: feed needs brokers and a topic", ErrInvalidConfig)
	}
	return nil
}

// ListenAddress is the host:port the server binds.
func (cfg *AppConfig) ListenAddress() string {
	return fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)
}
