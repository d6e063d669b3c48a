package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds Calmline configuration. Safety thresholds (store caps, retry
// ceiling, fuzzy parameters, crisis notice) are compiled in and not listed here.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Provider  ProviderConfig  `yaml:"provider"`
	Storage   StorageConfig   `yaml:"storage"`
	Remote    RemoteConfig    `yaml:"remote"`
	Collector CollectorConfig `yaml:"collector"`
	Audit     AuditConfig     `yaml:"audit"`
	Logger    LoggerConfig    `yaml:"logger"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Catalogue CatalogueConfig `yaml:"catalogue"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"` // HTTP listen address, e.g. ":8080"
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type ProviderConfig struct {
	Type                 string        `yaml:"type"`        // gemini | fake
	BaseURL              string        `yaml:"base_url"`    // e.g. "https://generativelanguage.googleapis.com/v1beta"
	Model                string        `yaml:"model"`       // e.g. "gemini-2.5-flash"
	APIKeyEnv            string        `yaml:"api_key_env"` // e.g. "GEMINI_API_KEY"
	Timeout              time.Duration `yaml:"timeout"`
	AllowPrivateNetworks bool          `yaml:"allow_private_networks"`
}

type StorageConfig struct {
	Backend    string      `yaml:"backend"` // memory | file | redis
	Dir        string      `yaml:"dir"`
	Redis      RedisConfig `yaml:"redis"`
	SQLitePath string      `yaml:"sqlite_path"` // durable copy of CRITICAL entries; empty disables
}

type RedisConfig struct {
	Addr        string `yaml:"addr"`
	DB          int    `yaml:"db"`
	PasswordEnv string `yaml:"password_env"`
	Prefix      string `yaml:"prefix"`
}

type RemoteConfig struct {
	URL     string        `yaml:"url"` // collection endpoint; empty disables remote delivery
	Timeout time.Duration `yaml:"timeout"`
}

type CollectorConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SQLitePath string `yaml:"sqlite_path"`
}

type AuditConfig struct {
	Path string `yaml:"path"` // JSONL copy of CRITICAL entries; empty disables
}

type LoggerConfig struct {
	QueueSize       int           `yaml:"queue_size"`
	Workers         int           `yaml:"workers"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Protocol string `yaml:"protocol"` // grpc | http
}

type CatalogueConfig struct {
	Path string `yaml:"path"` // YAML phrase catalogue; empty uses the built-in one
}

// Load reads configuration from a YAML file.
// If the file doesn't exist, it returns a default config and no error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Provider.Type == "" {
		cfg.Provider.Type = "gemini"
	}
	if cfg.Provider.BaseURL == "" && cfg.Provider.Type == "gemini" {
		cfg.Provider.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if cfg.Provider.Model == "" {
		cfg.Provider.Model = "gemini-2.5-flash"
	}
	if cfg.Provider.APIKeyEnv == "" {
		cfg.Provider.APIKeyEnv = "GEMINI_API_KEY"
	}
	if cfg.Provider.Timeout <= 0 {
		cfg.Provider.Timeout = 30 * time.Second
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "memory"
	}
	if cfg.Storage.Backend == "file" && cfg.Storage.Dir == "" {
		cfg.Storage.Dir = "data"
	}
	if cfg.Storage.Redis.Prefix == "" {
		cfg.Storage.Redis.Prefix = "calmline:"
	}

	if cfg.Remote.Timeout <= 0 {
		cfg.Remote.Timeout = 5 * time.Second
	}

	if cfg.Collector.Enabled && cfg.Collector.SQLitePath == "" {
		cfg.Collector.SQLitePath = "data/collector.db"
	}

	if cfg.Logger.QueueSize <= 0 {
		cfg.Logger.QueueSize = 256
	}
	if cfg.Logger.Workers <= 0 {
		cfg.Logger.Workers = 2
	}
	if cfg.Logger.ShutdownTimeout <= 0 {
		cfg.Logger.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
}
