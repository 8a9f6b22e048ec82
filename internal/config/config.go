package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Audio     AudioConfig     `yaml:"audio"`
	Model     ModelConfig     `yaml:"model"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Detection DetectionConfig `yaml:"detection"`
	CORS      CORSConfig      `yaml:"cors"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port           int    `yaml:"port"`
	Address        string `yaml:"address"`
	ReadTimeout    int    `yaml:"read_timeout"`  // seconds
	WriteTimeout   int    `yaml:"write_timeout"` // seconds
	IdleTimeout    int    `yaml:"idle_timeout"`  // seconds
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

// AudioConfig contains audio normalization parameters
type AudioConfig struct {
	SampleRate       int    `yaml:"sample_rate"`
	FFmpegPath       string `yaml:"ffmpeg_path"`
	TempDir          string `yaml:"temp_dir"`
	TranscodeTimeout int    `yaml:"transcode_timeout"` // seconds
}

// ModelConfig contains classification model configuration
type ModelConfig struct {
	Backend       string `yaml:"backend"` // "tfserving" or "energy"
	Endpoint      string `yaml:"endpoint"`
	Name          string `yaml:"name"`
	Version       string `yaml:"version"`
	InputName     string `yaml:"input_name"`
	ScoresOutput  string `yaml:"scores_output"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// CatalogConfig describes where the class catalog is loaded from
type CatalogConfig struct {
	Source  string `yaml:"source"` // http(s) URL, s3://bucket/key or file path
	Column  string `yaml:"column"`
	Timeout int    `yaml:"timeout"` // seconds

	// S3 settings, only used for s3:// sources
	S3Region       string `yaml:"s3_region"`
	S3Endpoint     string `yaml:"s3_endpoint"`
	S3UsePathStyle bool   `yaml:"s3_use_path_style"`
}

// DetectionConfig contains decision parameters
type DetectionConfig struct {
	Keyword   string `yaml:"keyword"`
	CacheSize int    `yaml:"cache_size"`
}

// CORSConfig contains cross-origin settings
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig contains Prometheus exposition configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns the configuration used when a field is absent from the file
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:           5000,
			Address:        "0.0.0.0",
			ReadTimeout:    60,
			WriteTimeout:   120,
			IdleTimeout:    60,
			MaxUploadBytes: 50 << 20,
		},
		Audio: AudioConfig{
			SampleRate:       16000,
			FFmpegPath:       "ffmpeg",
			TranscodeTimeout: 60,
		},
		Model: ModelConfig{
			Backend:       "tfserving",
			Endpoint:      "http://localhost:8501",
			Name:          "yamnet",
			InputName:     "waveform",
			ScoresOutput:  "output_0",
			Timeout:       30,
			MaxRetries:    2,
			MaxConcurrent: 8,
		},
		Catalog: CatalogConfig{
			Source:  "https://raw.githubusercontent.com/tensorflow/models/master/research/audioset/yamnet/yamnet_class_map.csv",
			Column:  "display_name",
			Timeout: 30,
		},
		Detection: DetectionConfig{
			Keyword:   "siren",
			CacheSize: 256,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads and parses the configuration file on top of Default
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
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Model.Validate(); err != nil {
		return fmt.Errorf("model config: %w", err)
	}

	if err := c.Catalog.Validate(); err != nil {
		return fmt.Errorf("catalog config: %w", err)
	}

	if err := c.Detection.Validate(); err != nil {
		return fmt.Errorf("detection config: %w", err)
	}

	if err := c.CORS.Validate(); err != nil {
		return fmt.Errorf("cors config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Port < 1 || h.Port > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
	}

	if h.Address == "" {
		return fmt.Errorf("http address cannot be empty")
	}

	if h.ReadTimeout < 0 || h.WriteTimeout < 0 || h.IdleTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}

	if h.MaxUploadBytes < 1024 {
		return fmt.Errorf("max_upload_bytes must be at least 1024 bytes, got %d", h.MaxUploadBytes)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate != 16000 {
		return fmt.Errorf("sample_rate must be 16000 Hz for the classification model, got %d", a.SampleRate)
	}

	if a.FFmpegPath == "" {
		return fmt.Errorf("ffmpeg_path cannot be empty")
	}

	if a.TempDir != "" {
		info, err := os.Stat(a.TempDir)
		if err != nil {
			return fmt.Errorf("temp_dir %s: %w", a.TempDir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("temp_dir %s is not a directory", a.TempDir)
		}
	}

	if a.TranscodeTimeout < 1 {
		return fmt.Errorf("transcode_timeout must be at least 1 second, got %d", a.TranscodeTimeout)
	}

	return nil
}

// Validate validates model configuration
func (m *ModelConfig) Validate() error {
	switch m.Backend {
	case "tfserving":
		if m.Endpoint == "" {
			return fmt.Errorf("endpoint cannot be empty for the tfserving backend")
		}
		if _, err := url.ParseRequestURI(m.Endpoint); err != nil {
			return fmt.Errorf("endpoint %q is not a valid URL: %w", m.Endpoint, err)
		}
		if m.Name == "" {
			return fmt.Errorf("name cannot be empty for the tfserving backend")
		}
		if m.InputName == "" {
			return fmt.Errorf("input_name cannot be empty for the tfserving backend")
		}
	case "energy":
	default:
		return fmt.Errorf("backend must be 'tfserving' or 'energy', got '%s'", m.Backend)
	}

	if m.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", m.Timeout)
	}

	if m.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", m.MaxRetries)
	}

	if m.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", m.MaxConcurrent)
	}

	return nil
}

// Validate validates catalog configuration
func (c *CatalogConfig) Validate() error {
	if c.Source == "" {
		return fmt.Errorf("source cannot be empty")
	}

	if c.Column == "" {
		return fmt.Errorf("column cannot be empty")
	}

	if c.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", c.Timeout)
	}

	if strings.HasPrefix(c.Source, "s3://") && c.S3Region == "" {
		return fmt.Errorf("s3_region is required for s3:// sources")
	}

	return nil
}

// Validate validates detection configuration
func (d *DetectionConfig) Validate() error {
	if strings.TrimSpace(d.Keyword) == "" {
		return fmt.Errorf("keyword cannot be empty")
	}

	if d.CacheSize < 0 {
		return fmt.Errorf("cache_size cannot be negative, got %d", d.CacheSize)
	}

	return nil
}

// Validate validates CORS configuration
func (c *CORSConfig) Validate() error {
	if len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("allowed_origins cannot be empty, use [\"*\"] to allow any origin")
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

	// Output may be stdout, stderr or a file path
	return nil
}

// Validate validates metrics configuration
func (m *MetricsConfig) Validate() error {
	if m.Enabled && !strings.HasPrefix(m.Path, "/") {
		return fmt.Errorf("path must start with '/', got '%s'", m.Path)
	}
	return nil
}

// GetReadTimeoutDuration returns the read timeout as a time.Duration
func (h *HTTPConfig) GetReadTimeoutDuration() time.Duration {
	return time.Duration(h.ReadTimeout) * time.Second
}

// GetWriteTimeoutDuration returns the write timeout as a time.Duration
func (h *HTTPConfig) GetWriteTimeoutDuration() time.Duration {
	return time.Duration(h.WriteTimeout) * time.Second
}

// GetIdleTimeoutDuration returns the idle timeout as a time.Duration
func (h *HTTPConfig) GetIdleTimeoutDuration() time.Duration {
	return time.Duration(h.IdleTimeout) * time.Second
}

// GetTranscodeTimeoutDuration returns the transcode timeout as a time.Duration
func (a *AudioConfig) GetTranscodeTimeoutDuration() time.Duration {
	return time.Duration(a.TranscodeTimeout) * time.Second
}

// GetTimeoutDuration returns the model timeout as a time.Duration
func (m *ModelConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(m.Timeout) * time.Second
}

// GetTimeoutDuration returns the catalog fetch timeout as a time.Duration
func (c *CatalogConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}
