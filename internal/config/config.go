// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config represents the application configuration
type Config struct {
	ResolverURL            string        `env:"RESOLVER_URL,required"`
	ResolverAPIKey         string        `env:"RESOLVER_API_KEY"`
	ServerPort             string        `env:"SERVER_PORT" envDefault:"8080"`
	LogLevel               string        `env:"LOG_LEVEL" envDefault:"info"`
	DatabasePath           string        `env:"DATABASE_PATH" envDefault:"downtube.db"`
	MediaPath              string        `env:"MEDIA_PATH" envDefault:"/videos"`
	TempPath               string        `env:"TEMP_PATH"`
	ProxyURL               string        `env:"PROXY_URL"`
	DownloadTimeout        time.Duration `env:"DOWNLOAD_TIMEOUT" envDefault:"1h"`
	PlaybackSampleInterval time.Duration `env:"PLAYBACK_SAMPLE_INTERVAL" envDefault:"10s"`
}

// QueueConfig is the subset needed to append to the inbound queue from a companion client
type QueueConfig struct {
	DatabasePath string `env:"DATABASE_PATH" envDefault:"downtube.db"`
}

// Load loads configuration from environment variables and .env file
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if file doesn't exist)
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// LoadQueue loads only the settings used by the enqueue command
func LoadQueue() (*QueueConfig, error) {
	_ = godotenv.Load()

	var cfg QueueConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}
	if cfg.DatabasePath == "" {
		return nil, fmt.Errorf("DATABASE_PATH cannot be empty")
	}
	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.ResolverURL == "" {
		return fmt.Errorf("RESOLVER_URL is required")
	}
	u, err := url.Parse(c.ResolverURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("RESOLVER_URL must be an absolute http(s) URL, got: %s", c.ResolverURL)
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	logLevel := strings.ToLower(c.LogLevel)
	isValidLevel := false
	for _, level := range validLogLevels {
		if logLevel == level {
			isValidLevel = true
			break
		}
	}
	if !isValidLevel {
		return fmt.Errorf("invalid log level %q, must be one of: %v", c.LogLevel, validLogLevels)
	}

	if c.MediaPath == "" {
		return fmt.Errorf("MEDIA_PATH cannot be empty")
	}

	cleanPath := filepath.Clean(c.MediaPath)
	if !filepath.IsAbs(cleanPath) {
		return fmt.Errorf("MEDIA_PATH must be an absolute path, got: %s", c.MediaPath)
	}

	// Check if path exists and is a directory (only if it exists)
	if info, err := os.Stat(cleanPath); err == nil {
		if !info.IsDir() {
			return fmt.Errorf("MEDIA_PATH must be a directory, got file: %s", cleanPath)
		}
	}
	c.MediaPath = cleanPath

	if c.TempPath == "" {
		c.TempPath = filepath.Join(os.TempDir(), "downtube")
	}
	c.TempPath = filepath.Clean(c.TempPath)

	if c.ProxyURL != "" {
		p, err := url.Parse(c.ProxyURL)
		if err != nil {
			return fmt.Errorf("invalid PROXY_URL: %w", err)
		}
		switch p.Scheme {
		case "http", "https", "socks5":
		default:
			return fmt.Errorf("unsupported PROXY_URL scheme %q, must be http, https or socks5", p.Scheme)
		}
	}

	if c.DownloadTimeout < 0 {
		return fmt.Errorf("DOWNLOAD_TIMEOUT cannot be negative")
	}
	if c.PlaybackSampleInterval <= 0 {
		return fmt.Errorf("PLAYBACK_SAMPLE_INTERVAL must be positive")
	}

	return nil
}

// Address returns the listen address for the HTTP server
func (c *Config) Address() string {
	return ":" + c.ServerPort
}
