// Package config loads and validates PixelBroker's configuration from a
// YAML file with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for a broker process.
type Config struct {
	// Host is the bind address shared by every listener.
	Host string `yaml:"host"`

	// Unified holds single-port, path-dispatch mode settings.
	Unified UnifiedConfig `yaml:"unified"`

	// Split holds legacy, one-port-per-role mode settings.
	Split SplitConfig `yaml:"split"`

	// Admin holds the read-only HTTP admin surface settings.
	Admin AdminConfig `yaml:"admin"`

	// MaxSubscribers is the per-streamer subscriber capacity cap.
	MaxSubscribers int `yaml:"max_subscribers"`

	// EnableSFU toggles whether /sfu (or the configured SFU path)
	// accepts upgrades at all.
	EnableSFU bool `yaml:"enable_sfu"`

	// MaxFrameSize is the inbound WebSocket frame size cap, in bytes.
	MaxFrameSize int64 `yaml:"max_frame_size"`

	// PingInterval is the WebSocket-level keepalive interval.
	PingInterval time.Duration `yaml:"ping_interval"`

	// ConnectionTimeout is the reader-idle threshold before a
	// connection is closed.
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`

	// ReaperInterval is how often the registry sweeps for connections
	// whose lastActivity has exceeded ConnectionTimeout.
	ReaperInterval time.Duration `yaml:"reaper_interval"`

	// Logging configures the structured logger.
	Logging LoggingConfig `yaml:"logging"`
}

// UnifiedConfig configures the single-port, path-dispatch transport mode.
type UnifiedConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`

	PlayerPath   string `yaml:"player_path"`
	StreamerPath string `yaml:"streamer_path"`
	SFUPath      string `yaml:"sfu_path"`
	UnrealPath   string `yaml:"unreal_path"`
}

// SplitConfig configures the legacy one-port-per-role transport mode.
type SplitConfig struct {
	Enabled      bool `yaml:"enabled"`
	PlayerPort   int  `yaml:"player_port"`
	StreamerPort int  `yaml:"streamer_port"`
	SFUPort      int  `yaml:"sfu_port"`
}

// AdminConfig configures the read-only HTTP admin surface.
type AdminConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Host: "0.0.0.0",
		Unified: UnifiedConfig{
			Enabled:      true,
			Port:         8888,
			PlayerPath:   "/player",
			StreamerPath: "/streamer",
			SFUPath:      "/sfu",
			UnrealPath:   "/unreal",
		},
		Split: SplitConfig{
			Enabled:      false,
			PlayerPort:   8889,
			StreamerPort: 8888,
			SFUPort:      8890,
		},
		Admin: AdminConfig{
			Enabled: true,
			Port:    8080,
		},
		MaxSubscribers:    100,
		EnableSFU:         true,
		MaxFrameSize:      65536,
		PingInterval:      30 * time.Second,
		ConnectionTimeout: 60 * time.Second,
		ReaperInterval:    30 * time.Second,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML file at path into a Config seeded with defaults,
// then applies environment-variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.loadFromEnv()

	return cfg, nil
}

// loadFromEnv overrides config from PIXELBROKER_* environment variables.
func (c *Config) loadFromEnv() {
	if host := os.Getenv("PIXELBROKER_HOST"); host != "" {
		c.Host = host
	}
	if port, ok := envInt("PIXELBROKER_UNIFIED_PORT"); ok {
		c.Unified.Port = port
	}
	if enabled, ok := envBool("PIXELBROKER_ENABLE_UNIFIED_PORT"); ok {
		c.Unified.Enabled = enabled
	}
	if port, ok := envInt("PIXELBROKER_PLAYER_PORT"); ok {
		c.Split.PlayerPort = port
	}
	if port, ok := envInt("PIXELBROKER_STREAMER_PORT"); ok {
		c.Split.StreamerPort = port
	}
	if port, ok := envInt("PIXELBROKER_SFU_PORT"); ok {
		c.Split.SFUPort = port
	}
	if port, ok := envInt("PIXELBROKER_ADMIN_PORT"); ok {
		c.Admin.Port = port
	}
	if n, ok := envInt("PIXELBROKER_MAX_SUBSCRIBERS"); ok {
		c.MaxSubscribers = n
	}
	if enabled, ok := envBool("PIXELBROKER_ENABLE_SFU"); ok {
		c.EnableSFU = enabled
	}
	if level := os.Getenv("PIXELBROKER_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}
