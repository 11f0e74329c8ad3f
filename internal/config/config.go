// Package config loads the broker daemon configuration: defaults, an
// optional yaml file in the data directory, and environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the yaml file looked up inside the data directory.
const ConfigFileName = "config.yaml"

// Config holds all daemon configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Market  MarketConfig  `yaml:"market"`
	Admin   AdminConfig   `yaml:"admin"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds broker transport settings.
type ServerConfig struct {
	// Port is the TCP port clients connect to.
	Port int `yaml:"port"`

	// BroadcastQueue bounds the shared broadcast queue.
	BroadcastQueue int `yaml:"broadcast_queue"`

	// SessionQueue bounds each session's outbound queue.
	SessionQueue int `yaml:"session_queue"`

	// IdleTimeout culls silent sessions when positive. Zero disables.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// MarketConfig holds marketplace settings.
type MarketConfig struct {
	// InitialStock seeds every catalog item of a new seller's ledger.
	InitialStock float64 `yaml:"initial_stock"`

	// SaleDuration is applied to every sale at creation.
	SaleDuration time.Duration `yaml:"sale_duration"`

	// SweepInterval is the expiry sweeper tick.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// InitialStockDecimal returns the initial stock as a decimal quantity.
func (m MarketConfig) InitialStockDecimal() decimal.Decimal {
	return decimal.NewFromFloat(m.InitialStock)
}

// AdminConfig holds the admin HTTP/WS surface settings.
type AdminConfig struct {
	// Enabled toggles the admin server.
	Enabled bool `yaml:"enabled"`

	// Addr is the admin HTTP listen address.
	Addr string `yaml:"addr"`
}

// StorageConfig holds journal settings.
type StorageConfig struct {
	// DataDir is where the config file and journal database live.
	DataDir string `yaml:"data_dir"`

	// JournalEnabled toggles the sqlite market journal.
	JournalEnabled bool `yaml:"journal_enabled"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the daemon defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           5000,
			BroadcastQueue: 256,
			SessionQueue:   64,
		},
		Market: MarketConfig{
			InitialStock:  1000,
			SaleDuration:  60 * time.Second,
			SweepInterval: 1 * time.Second,
		},
		Admin: AdminConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8080",
		},
		Storage: StorageConfig{
			DataDir:        "~/.agorad",
			JournalEnabled: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// ConfigPath returns the config file path for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// Load reads the configuration for a data directory. A missing config file
// is created with defaults so operators have something to edit. A `.env`
// file and AGORAD_* environment variables override the file.
func Load(dataDir string) (*Config, error) {
	cfg := Default()
	cfg.Storage.DataDir = dataDir

	path := ConfigPath(dataDir)
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		if err := Save(cfg, dataDir); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	// .env is optional; absence is not an error.
	_ = godotenv.Load()
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config as yaml into the data directory.
func Save(cfg *Config, dataDir string) error {
	dir := ExpandPath(dataDir)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnv overlays AGORAD_* environment variables onto the config.
func applyEnv(cfg *Config) {
	if v := os.Getenv("AGORAD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("AGORAD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("AGORAD_INITIAL_STOCK"); v != "" {
		if stock, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Market.InitialStock = stock
		}
	}
	if v := os.Getenv("AGORAD_ADMIN_ADDR"); v != "" {
		cfg.Admin.Addr = v
	}
}

// Validate rejects configurations the broker cannot honor.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Market.InitialStock < 0 {
		return fmt.Errorf("initial stock must not be negative, got %v", c.Market.InitialStock)
	}
	if c.Market.SaleDuration <= 0 {
		return fmt.Errorf("sale duration must be positive, got %s", c.Market.SaleDuration)
	}
	if c.Market.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", c.Market.SweepInterval)
	}
	return nil
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
