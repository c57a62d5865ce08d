package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/liliang-cn/carewise/internal/domain"
	"github.com/spf13/viper"
)

// Config holds all configuration for CareWise
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Backend BackendConfig `mapstructure:"backend"`
	User    domain.User   `mapstructure:"user"`
	Storage StorageConfig `mapstructure:"storage"`
	Log     LogConfig     `mapstructure:"log"`
}

// ServerConfig holds the local API configuration
type ServerConfig struct {
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port"`
	APIKey       string   `mapstructure:"api_key"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// BackendConfig points at the research pipeline's progress stream
type BackendConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	StreamPath string `mapstructure:"stream_path"`
	// IdleTimeout fails a stream that stays silent this long. Zero disables it.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// StorageConfig selects and configures the session key-value backend
type StorageConfig struct {
	Driver    string `mapstructure:"driver"` // sqlite, redis, memory
	Path      string `mapstructure:"path"`
	RedisURL  string `mapstructure:"redis_url"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
	Development bool   `mapstructure:"development"`
}

// Load loads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read config file if specified
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Environment variables, e.g. CAREWISE_BACKEND_BASE_URL
	v.SetEnvPrefix("CAREWISE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found, use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.allow_origins", []string{"*"})

	v.SetDefault("backend.base_url", "http://localhost:8000")
	v.SetDefault("backend.stream_path", "/query-stream")
	v.SetDefault("backend.idle_timeout", "0s")

	v.SetDefault("user.id", "local")
	v.SetDefault("user.display_name", "Local User")

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "./data/carewise.db")
	v.SetDefault("storage.redis_url", "redis://localhost:6379/0")
	v.SetDefault("storage.key_prefix", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.development", false)
}

// Validate rejects configurations the engine cannot run with
func (c *Config) Validate() error {
	if c.User.ID == "" {
		return fmt.Errorf("user.id is required")
	}
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if c.Backend.IdleTimeout < 0 {
		return fmt.Errorf("backend.idle_timeout must not be negative")
	}
	switch c.Storage.Driver {
	case "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	return nil
}

// Address returns the server address
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// StreamURL returns the full progress stream endpoint
func (c *Config) StreamURL() string {
	return strings.TrimRight(c.Backend.BaseURL, "/") + "/" + strings.TrimLeft(c.Backend.StreamPath, "/")
}
