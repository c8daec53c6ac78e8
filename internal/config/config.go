// internal/config/config.go - Configuration management
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/valpere/tile_packer/internal"
)

// Config represents the complete application configuration
type Config struct {
	Source  SourceConfig  `mapstructure:"source"`
	Server  ServerConfig  `mapstructure:"server"`
	Mesh    MeshConfig    `mapstructure:"mesh"`
	Output  OutputConfig  `mapstructure:"output"`
	Batch   BatchConfig   `mapstructure:"batch"`
	Network NetworkConfig `mapstructure:"network"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// SourceConfig selects where tiles come from
type SourceConfig struct {
	Type string `mapstructure:"type"`
}

// ServerConfig contains tile server configuration for HTTP sources
type ServerConfig struct {
	BaseURL    string            `mapstructure:"base_url"`
	Headers    map[string]string `mapstructure:"headers"`
	Timeout    time.Duration     `mapstructure:"timeout"`
	MaxRetries int               `mapstructure:"max_retries"`
	RetryDelay time.Duration     `mapstructure:"retry_delay"`
}

// MeshConfig contains configuration for the RMSP bridge used by mesh sources
type MeshConfig struct {
	BridgeURL string        `mapstructure:"bridge_url"`
	Peer      string        `mapstructure:"peer"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// OutputConfig controls where containers and summaries go
type OutputConfig struct {
	Directory string `mapstructure:"directory"`
	JSON      bool   `mapstructure:"json"`
	Pretty    bool   `mapstructure:"pretty"`
}

// BatchConfig contains fetch fan-out and cleanup configuration
type BatchConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`
	ChunkSize      int           `mapstructure:"chunk_size"`
	DeleteAttempts int           `mapstructure:"delete_attempts"`
	DeleteDelay    time.Duration `mapstructure:"delete_delay"`
}

// NetworkConfig contains network-related configuration
type NetworkConfig struct {
	ProxyURL        string        `mapstructure:"proxy_url"`
	UserAgent       string        `mapstructure:"user_agent"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	IdleConnTimeout time.Duration `mapstructure:"idle_conn_timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	Verbose  bool   `mapstructure:"verbose"`
	Progress bool   `mapstructure:"progress"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load loads configuration from the global viper instance
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom loads configuration from v, filling in defaults first
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := Validate(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Source defaults
	v.SetDefault("source.type", string(internal.SourceTypeHTTP))

	// Server defaults
	v.SetDefault("server.timeout", 30*time.Second)
	v.SetDefault("server.max_retries", 3)
	v.SetDefault("server.retry_delay", time.Second)

	// Mesh defaults
	v.SetDefault("mesh.bridge_url", "http://127.0.0.1:4280")
	v.SetDefault("mesh.timeout", 2*time.Minute)

	// Output defaults
	v.SetDefault("output.directory", ".")
	v.SetDefault("output.json", false)
	v.SetDefault("output.pretty", true)

	// Batch defaults
	v.SetDefault("batch.concurrency", 10)
	v.SetDefault("batch.chunk_size", 100)
	v.SetDefault("batch.delete_attempts", 5)
	v.SetDefault("batch.delete_delay", 200*time.Millisecond)

	// Network defaults
	v.SetDefault("network.user_agent", "TilePacker/1.0")
	v.SetDefault("network.connect_timeout", 30*time.Second)
	v.SetDefault("network.read_timeout", 30*time.Second)
	v.SetDefault("network.rate_limit", 0.0)
	v.SetDefault("network.max_idle_conns", 100)
	v.SetDefault("network.idle_conn_timeout", 90*time.Second)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stderr")
	v.SetDefault("logging.verbose", false)
	v.SetDefault("logging.progress", true)

	// Metrics defaults
	v.SetDefault("metrics.addr", "")
}

// SourceType returns the configured source type
func (c *Config) SourceType() internal.SourceType {
	st, ok := internal.ParseSourceType(c.Source.Type)
	if !ok {
		return internal.SourceTypeHTTP
	}
	return st
}

// GetTileURL builds a tile URL for HTTP sources
func (s *ServerConfig) GetTileURL(z, x, y uint32) string {
	if s.BaseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/%d/%d/%d.pbf", strings.TrimRight(s.BaseURL, "/"), z, x, y)
}
