package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Overflow policies applied when a connection's partial frame outgrows max_frame_buffer
const (
	OverflowDisconnect = "disconnect"
	OverflowDrop       = "drop"
)

// Config represents the complete service configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	HTTP        HTTPConfig        `yaml:"http"`
	Subscribers SubscribersConfig `yaml:"subscribers"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig contains device TCP listener configuration
type ServerConfig struct {
	TCPPort        int    `yaml:"tcp_port"`
	BindAddress    string `yaml:"bind_address"`
	ReadBufferSize int    `yaml:"read_buffer_size"` // bytes per socket read
	MaxFrameBuffer int    `yaml:"max_frame_buffer"` // bytes held for one partial frame, 0 = unbounded
	OverflowPolicy string `yaml:"overflow_policy"`
	IdleTimeout    int    `yaml:"idle_timeout"` // seconds, 0 = never
	MaxConnections int    `yaml:"max_connections"`
}

// HTTPConfig contains the subscriber and monitoring HTTP server configuration
type HTTPConfig struct {
	Port        int      `yaml:"port"`
	Address     string   `yaml:"address"`
	Enabled     bool     `yaml:"enabled"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// SubscribersConfig contains WebSocket subscriber parameters
type SubscribersConfig struct {
	SendBuffer   int `yaml:"send_buffer"`   // queued events per subscriber
	WriteTimeout int `yaml:"write_timeout"` // seconds
}

// WebhookConfig contains optional HTTP push subscriber configuration
type WebhookConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Endpoints     []string `yaml:"endpoints"`
	APIKey        string   `yaml:"api_key"`
	Timeout       int      `yaml:"timeout"` // seconds
	MaxRetries    int      `yaml:"max_retries"`
	MaxConcurrent int      `yaml:"max_concurrent"`
	QueueSize     int      `yaml:"queue_size"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used when no file overrides it
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			TCPPort:        5025,
			BindAddress:    "0.0.0.0",
			ReadBufferSize: 4096,
			MaxFrameBuffer: 64 * 1024,
			OverflowPolicy: OverflowDisconnect,
			IdleTimeout:    0,
			MaxConnections: 10000,
		},
		HTTP: HTTPConfig{
			Port:        4000,
			Address:     "0.0.0.0",
			Enabled:     true,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Subscribers: SubscribersConfig{
			SendBuffer:   256,
			WriteTimeout: 10,
		},
		Webhook: WebhookConfig{
			Enabled:       false,
			Timeout:       10,
			MaxRetries:    3,
			MaxConcurrent: 4,
			QueueSize:     1024,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file over the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// LoadOrDefault loads path, falling back to Default when the file does not exist
func LoadOrDefault(path string) (*Config, bool, error) {
	config, err := Load(path)
	if err == nil {
		return config, true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), false, nil
	}
	return nil, false, err
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Subscribers.Validate(); err != nil {
		return fmt.Errorf("subscribers config: %w", err)
	}

	if err := c.Webhook.Validate(); err != nil {
		return fmt.Errorf("webhook config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.TCPPort < 1 || s.TCPPort > 65535 {
		return fmt.Errorf("tcp_port must be between 1 and 65535, got %d", s.TCPPort)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.ReadBufferSize < 64 {
		return fmt.Errorf("read_buffer_size must be at least 64 bytes, got %d", s.ReadBufferSize)
	}

	if s.MaxFrameBuffer < 0 {
		return fmt.Errorf("max_frame_buffer cannot be negative, got %d", s.MaxFrameBuffer)
	}

	if s.OverflowPolicy != OverflowDisconnect && s.OverflowPolicy != OverflowDrop {
		return fmt.Errorf("overflow_policy must be '%s' or '%s', got '%s'",
			OverflowDisconnect, OverflowDrop, s.OverflowPolicy)
	}

	if s.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout cannot be negative, got %d", s.IdleTimeout)
	}

	if s.MaxConnections < 1 {
		return fmt.Errorf("max_connections must be at least 1, got %d", s.MaxConnections)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if !h.Enabled {
		return nil
	}

	if h.Port < 1 || h.Port > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
	}

	if h.Address == "" {
		return fmt.Errorf("http address cannot be empty when HTTP is enabled")
	}

	for _, origin := range h.CORSOrigins {
		if origin == "*" {
			continue
		}
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("cors origin must be '*' or scheme://host[:port], got '%s'", origin)
		}
	}

	return nil
}

// Validate validates subscriber configuration
func (s *SubscribersConfig) Validate() error {
	if s.SendBuffer < 1 {
		return fmt.Errorf("send_buffer must be at least 1, got %d", s.SendBuffer)
	}

	if s.WriteTimeout < 1 {
		return fmt.Errorf("write_timeout must be at least 1 second, got %d", s.WriteTimeout)
	}

	return nil
}

// Validate validates webhook configuration
func (w *WebhookConfig) Validate() error {
	if !w.Enabled {
		return nil
	}

	if len(w.Endpoints) == 0 {
		return fmt.Errorf("endpoints cannot be empty when webhook is enabled")
	}

	for _, endpoint := range w.Endpoints {
		u, err := url.Parse(endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("endpoint must be an http(s) URL, got '%s'", endpoint)
		}
	}

	if w.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", w.Timeout)
	}

	if w.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", w.MaxRetries)
	}

	if w.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", w.MaxConcurrent)
	}

	if w.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", w.QueueSize)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Output may be stdout, stderr, or a file path
	return nil
}

// GetIdleTimeoutDuration returns the device idle timeout as a time.Duration
func (s *ServerConfig) GetIdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// GetWriteTimeoutDuration returns the subscriber write timeout as a time.Duration
func (s *SubscribersConfig) GetWriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// GetTimeoutDuration returns the webhook request timeout as a time.Duration
func (w *WebhookConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(w.Timeout) * time.Second
}
