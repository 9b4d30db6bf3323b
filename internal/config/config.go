package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables overriding file-based secrets.
const (
	EnvTranscriptionAPIKey = "ARCHIMED_TRANSCRIPTION_API_KEY"
	EnvNoteAPIKey          = "ARCHIMED_NOTE_API_KEY"
)

// Config represents the complete service configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Connection    ConnectionConfig    `yaml:"connection"`
	Session       SessionConfig       `yaml:"session"`
	Streaming     StreamingConfig     `yaml:"streaming"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	NoteGen       NoteGenConfig       `yaml:"note_generation"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig contains the HTTP/WebSocket server configuration.
type ServerConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
}

// ConnectionConfig contains connection housekeeping parameters.
type ConnectionConfig struct {
	InactivityTimeout int `yaml:"inactivity_timeout"` // seconds
	SweepInterval     int `yaml:"sweep_interval"`     // seconds
	PingInterval      int `yaml:"ping_interval"`      // seconds
	RetryAttempts     int `yaml:"retry_attempts"`
	RetrySpacing      int `yaml:"retry_spacing"` // seconds
}

// SessionConfig contains session lifecycle parameters.
type SessionConfig struct {
	MaxAge             int `yaml:"max_age"`             // seconds, age-based sweep threshold
	SweepInterval      int `yaml:"sweep_interval"`      // seconds
	ProcessingTimeout  int `yaml:"processing_timeout"`  // seconds, watchdog bound
	WatchdogInterval   int `yaml:"watchdog_interval"`   // seconds
	NoteTimeout        int `yaml:"note_timeout"`        // seconds
	FullPassTimeout    int `yaml:"full_pass_timeout"`   // seconds
	HeartbeatInterval  int `yaml:"heartbeat_interval"`  // seconds
}

// StreamingConfig contains incremental transcription thresholds.
type StreamingConfig struct {
	Interval       int `yaml:"interval"`         // seconds between passes
	MinBytes       int `yaml:"min_bytes"`        // raw audio floor before first pass
	MinResultChars int `yaml:"min_result_chars"` // trivial-result cutoff
	PassTimeout    int `yaml:"pass_timeout"`     // seconds
}

// TranscriptionConfig contains speech-to-text API configuration.
type TranscriptionConfig struct {
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// NoteGenConfig contains note generation API configuration.
type NoteGenConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	Timeout  int    `yaml:"timeout"` // seconds
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file, applying environment
// overrides for API keys.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if key := os.Getenv(EnvTranscriptionAPIKey); key != "" {
		config.Transcription.APIKey = key
	}
	if key := os.Getenv(EnvNoteAPIKey); key != "" {
		config.NoteGen.APIKey = key
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs validation of the configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Connection.Validate(); err != nil {
		return fmt.Errorf("connection config: %w", err)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}
	if err := c.Streaming.Validate(); err != nil {
		return fmt.Errorf("streaming config: %w", err)
	}
	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}
	if err := c.NoteGen.Validate(); err != nil {
		return fmt.Errorf("note_generation config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

// Validate validates server configuration.
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}
	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	return nil
}

// Validate validates connection housekeeping configuration.
func (c *ConnectionConfig) Validate() error {
	if c.InactivityTimeout < 1 {
		return fmt.Errorf("inactivity_timeout must be at least 1 second, got %d", c.InactivityTimeout)
	}
	if c.SweepInterval < 1 {
		return fmt.Errorf("sweep_interval must be at least 1 second, got %d", c.SweepInterval)
	}
	if c.PingInterval < 1 {
		return fmt.Errorf("ping_interval must be at least 1 second, got %d", c.PingInterval)
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("retry_attempts must be at least 1, got %d", c.RetryAttempts)
	}
	if c.RetrySpacing < 0 {
		return fmt.Errorf("retry_spacing cannot be negative, got %d", c.RetrySpacing)
	}
	return nil
}

// Validate validates session lifecycle configuration.
func (s *SessionConfig) Validate() error {
	if s.MaxAge < 60 {
		return fmt.Errorf("max_age must be at least 60 seconds, got %d", s.MaxAge)
	}
	if s.SweepInterval < 1 {
		return fmt.Errorf("sweep_interval must be at least 1 second, got %d", s.SweepInterval)
	}
	if s.ProcessingTimeout < 1 {
		return fmt.Errorf("processing_timeout must be at least 1 second, got %d", s.ProcessingTimeout)
	}
	if s.WatchdogInterval < 1 {
		return fmt.Errorf("watchdog_interval must be at least 1 second, got %d", s.WatchdogInterval)
	}
	if s.NoteTimeout < 1 {
		return fmt.Errorf("note_timeout must be at least 1 second, got %d", s.NoteTimeout)
	}
	if s.FullPassTimeout < 1 {
		return fmt.Errorf("full_pass_timeout must be at least 1 second, got %d", s.FullPassTimeout)
	}
	if s.HeartbeatInterval < 1 {
		return fmt.Errorf("heartbeat_interval must be at least 1 second, got %d", s.HeartbeatInterval)
	}
	return nil
}

// Validate validates streaming thresholds.
func (s *StreamingConfig) Validate() error {
	if s.Interval < 1 {
		return fmt.Errorf("interval must be at least 1 second, got %d", s.Interval)
	}
	if s.MinBytes < 1 {
		return fmt.Errorf("min_bytes must be positive, got %d", s.MinBytes)
	}
	if s.MinResultChars < 0 {
		return fmt.Errorf("min_result_chars cannot be negative, got %d", s.MinResultChars)
	}
	if s.PassTimeout < 1 {
		return fmt.Errorf("pass_timeout must be at least 1 second, got %d", s.PassTimeout)
	}
	return nil
}

// Validate validates transcription configuration.
func (t *TranscriptionConfig) Validate() error {
	if t.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}
	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries)
	}
	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}
	return nil
}

// Validate validates note generation configuration.
func (n *NoteGenConfig) Validate() error {
	if n.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}
	if n.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", n.Timeout)
	}
	return nil
}

// Validate validates logging configuration.
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

	return nil
}

// Duration helpers.

func (c *ConnectionConfig) GetInactivityTimeout() time.Duration {
	return time.Duration(c.InactivityTimeout) * time.Second
}

func (c *ConnectionConfig) GetSweepInterval() time.Duration {
	return time.Duration(c.SweepInterval) * time.Second
}

func (c *ConnectionConfig) GetPingInterval() time.Duration {
	return time.Duration(c.PingInterval) * time.Second
}

func (c *ConnectionConfig) GetRetrySpacing() time.Duration {
	return time.Duration(c.RetrySpacing) * time.Second
}

func (s *SessionConfig) GetMaxAge() time.Duration {
	return time.Duration(s.MaxAge) * time.Second
}

func (s *SessionConfig) GetSweepInterval() time.Duration {
	return time.Duration(s.SweepInterval) * time.Second
}

func (s *SessionConfig) GetProcessingTimeout() time.Duration {
	return time.Duration(s.ProcessingTimeout) * time.Second
}

func (s *SessionConfig) GetWatchdogInterval() time.Duration {
	return time.Duration(s.WatchdogInterval) * time.Second
}

func (s *SessionConfig) GetNoteTimeout() time.Duration {
	return time.Duration(s.NoteTimeout) * time.Second
}

func (s *SessionConfig) GetFullPassTimeout() time.Duration {
	return time.Duration(s.FullPassTimeout) * time.Second
}

func (s *SessionConfig) GetHeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatInterval) * time.Second
}

func (s *StreamingConfig) GetInterval() time.Duration {
	return time.Duration(s.Interval) * time.Second
}

func (s *StreamingConfig) GetPassTimeout() time.Duration {
	return time.Duration(s.PassTimeout) * time.Second
}

func (t *TranscriptionConfig) GetTimeout() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

func (n *NoteGenConfig) GetTimeout() time.Duration {
	return time.Duration(n.Timeout) * time.Second
}
