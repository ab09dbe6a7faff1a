package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete recorder configuration
type Config struct {
	Recording RecordingConfig `yaml:"recording" json:"recording"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Retention RetentionConfig `yaml:"retention" json:"retention"`
	Encoder   EncoderConfig   `yaml:"encoder" json:"encoder"`
	Capture   CaptureConfig   `yaml:"capture" json:"capture"`
	HTTP      HTTPConfig      `yaml:"http" json:"http"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// RecordingConfig contains capture format and flush parameters
type RecordingConfig struct {
	SampleRate        int     `yaml:"sample_rate" json:"sample_rate"`
	Channels          int     `yaml:"channels" json:"channels"`
	FlushInterval     float64 `yaml:"flush_interval" json:"flush_interval"` // seconds
	MaxPendingFlushes int     `yaml:"max_pending_flushes" json:"max_pending_flushes"`
	MaxCarrySeconds   float64 `yaml:"max_carry_seconds" json:"max_carry_seconds"` // seconds
	OutputDir         string  `yaml:"output_dir" json:"output_dir"`
	NameLayout        string  `yaml:"name_layout" json:"name_layout"` // Go time layout
}

// StorageConfig contains session store parameters
type StorageConfig struct {
	Path        string  `yaml:"path" json:"path"`
	BusyTimeout int     `yaml:"busy_timeout" json:"busy_timeout"` // milliseconds
	LeaseTTL    float64 `yaml:"lease_ttl" json:"lease_ttl"`       // seconds a recording's session lease survives without renewal
}

// RetentionConfig contains housekeeping limits
type RetentionConfig struct {
	Days        int `yaml:"days" json:"days"`
	MaxSessions int `yaml:"max_sessions" json:"max_sessions"`
}

// EncoderConfig contains transcoding engine parameters
type EncoderConfig struct {
	FFmpegPath    string  `yaml:"ffmpeg_path" json:"ffmpeg_path"`
	Format        string  `yaml:"format" json:"format"`
	Codec         string  `yaml:"codec" json:"codec"`
	Bitrate       string  `yaml:"bitrate" json:"bitrate"`
	InitTimeout   float64 `yaml:"init_timeout" json:"init_timeout"`     // seconds
	EncodeTimeout float64 `yaml:"encode_timeout" json:"encode_timeout"` // seconds
	MaxRetries    int     `yaml:"max_retries" json:"max_retries"`
}

// CaptureConfig contains audio device parameters
type CaptureConfig struct {
	QueueSize int `yaml:"queue_size" json:"queue_size"`
	PeriodMs  int `yaml:"period_ms" json:"period_ms"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port" json:"port"`
	Address string `yaml:"address" json:"address"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`
	Format     string `yaml:"format" json:"format"`
	Output     string `yaml:"output" json:"output"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
}

// Default returns a complete, valid configuration
func Default() *Config {
	return &Config{
		Recording: RecordingConfig{
			SampleRate:        16000,
			Channels:          1,
			FlushInterval:     5.0,
			MaxPendingFlushes: 4,
			MaxCarrySeconds:   60.0,
			OutputDir:         "recordings",
			NameLayout:        "Recording 2006-01-02 15-04-05",
		},
		Storage: StorageConfig{
			Path:        "recordings.sqlite",
			BusyTimeout: 5000,
			LeaseTTL:    30,
		},
		Retention: RetentionConfig{
			Days:        7,
			MaxSessions: 20,
		},
		Encoder: EncoderConfig{
			FFmpegPath:    "ffmpeg",
			Format:        "mp3",
			Codec:         "libmp3lame",
			Bitrate:       "64k",
			InitTimeout:   30,
			EncodeTimeout: 60,
			MaxRetries:    2,
		},
		Capture: CaptureConfig{
			QueueSize: 256,
			PeriodMs:  0,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "127.0.0.1",
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads the configuration file, applying it over Default
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

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Recording.Validate(); err != nil {
		return fmt.Errorf("recording config: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}

	if err := c.Retention.Validate(); err != nil {
		return fmt.Errorf("retention config: %w", err)
	}

	if err := c.Encoder.Validate(); err != nil {
		return fmt.Errorf("encoder config: %w", err)
	}

	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates recording configuration
func (r *RecordingConfig) Validate() error {
	if r.SampleRate < 8000 || r.SampleRate > 192000 {
		return fmt.Errorf("sample_rate must be between 8000 and 192000 Hz, got %d", r.SampleRate)
	}

	if r.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono output only), got %d", r.Channels)
	}

	if r.FlushInterval < 0.5 {
		return fmt.Errorf("flush_interval must be at least 0.5 seconds, got %f", r.FlushInterval)
	}

	if r.MaxPendingFlushes < 1 {
		return fmt.Errorf("max_pending_flushes must be at least 1, got %d", r.MaxPendingFlushes)
	}

	if r.MaxCarrySeconds < r.FlushInterval {
		return fmt.Errorf("max_carry_seconds (%f) must be at least flush_interval (%f)",
			r.MaxCarrySeconds, r.FlushInterval)
	}

	if r.NameLayout == "" {
		return fmt.Errorf("name_layout cannot be empty")
	}

	return nil
}

// Validate validates storage configuration
func (s *StorageConfig) Validate() error {
	if s.Path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	if s.BusyTimeout < 0 {
		return fmt.Errorf("busy_timeout cannot be negative, got %d", s.BusyTimeout)
	}

	if s.LeaseTTL < 1 {
		return fmt.Errorf("lease_ttl must be at least 1 second, got %v", s.LeaseTTL)
	}

	return nil
}

// Validate validates retention configuration
func (r *RetentionConfig) Validate() error {
	if r.Days < 1 {
		return fmt.Errorf("days must be at least 1, got %d", r.Days)
	}

	if r.MaxSessions < 1 {
		return fmt.Errorf("max_sessions must be at least 1, got %d", r.MaxSessions)
	}

	return nil
}

// Validate validates encoder configuration
func (e *EncoderConfig) Validate() error {
	if e.FFmpegPath == "" {
		return fmt.Errorf("ffmpeg_path cannot be empty")
	}

	if e.Format == "" {
		return fmt.Errorf("format cannot be empty")
	}

	if e.Codec == "" {
		return fmt.Errorf("codec cannot be empty")
	}

	if e.Bitrate == "" {
		return fmt.Errorf("bitrate cannot be empty")
	}

	if e.InitTimeout <= 0 {
		return fmt.Errorf("init_timeout must be positive, got %f", e.InitTimeout)
	}

	if e.EncodeTimeout <= 0 {
		return fmt.Errorf("encode_timeout must be positive, got %f", e.EncodeTimeout)
	}

	if e.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", e.MaxRetries)
	}

	return nil
}

// Validate validates capture configuration
func (c *CaptureConfig) Validate() error {
	if c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", c.QueueSize)
	}

	if c.PeriodMs < 0 || c.PeriodMs > 1000 {
		return fmt.Errorf("period_ms must be between 0 and 1000, got %d", c.PeriodMs)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
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

	// Anything other than stdout/stderr is a file path
	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}

	if l.MaxSizeMB < 0 || l.MaxBackups < 0 || l.MaxAgeDays < 0 {
		return fmt.Errorf("rotation limits cannot be negative")
	}

	return nil
}

// GetFlushInterval returns the flush interval as a time.Duration
func (r *RecordingConfig) GetFlushInterval() time.Duration {
	return time.Duration(r.FlushInterval * float64(time.Second))
}

// GetMaxCarry returns the carry-over cap as a time.Duration
func (r *RecordingConfig) GetMaxCarry() time.Duration {
	return time.Duration(r.MaxCarrySeconds * float64(time.Second))
}

// GetLeaseTTL returns the session lease validity as a time.Duration
func (s *StorageConfig) GetLeaseTTL() time.Duration {
	return time.Duration(s.LeaseTTL * float64(time.Second))
}

// GetBusyTimeout returns the SQLite busy timeout as a time.Duration
func (s *StorageConfig) GetBusyTimeout() time.Duration {
	return time.Duration(s.BusyTimeout) * time.Millisecond
}

// GetMaxAge returns the retention window as a time.Duration
func (r *RetentionConfig) GetMaxAge() time.Duration {
	return time.Duration(r.Days) * 24 * time.Hour
}

// GetInitTimeout returns the engine init timeout as a time.Duration
func (e *EncoderConfig) GetInitTimeout() time.Duration {
	return time.Duration(e.InitTimeout * float64(time.Second))
}

// GetEncodeTimeout returns the per-run encode timeout as a time.Duration
func (e *EncoderConfig) GetEncodeTimeout() time.Duration {
	return time.Duration(e.EncodeTimeout * float64(time.Second))
}
