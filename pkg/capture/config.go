package capture

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/video-system/go-frame-recorder/internal/logging"
	"github.com/video-system/go-frame-recorder/pkg/encode"
	"github.com/video-system/go-frame-recorder/pkg/input"
	"github.com/video-system/go-frame-recorder/pkg/preview"
)

// Config holds all recorder configuration
type Config struct {
	Input   InputConfig    `yaml:"input"`
	Reorder ReorderConfig  `yaml:"reorder"`
	Encode  EncodeConfig   `yaml:"encode"`
	Preview PreviewConfig  `yaml:"preview"`
	API     APIConfig      `yaml:"api"`
	Log     logging.Config `yaml:"log"`
	Session SessionConfig  `yaml:"session"`
}

// InputConfig configures the frame source
type InputConfig struct {
	Type        string        `yaml:"type"`         // Registered source driver (synthetic)
	Device      string        `yaml:"device"`       // Device identifier
	Width       int           `yaml:"width"`        // Frame width in pixels
	Height      int           `yaml:"height"`       // Frame height in pixels
	Framerate   float64       `yaml:"framerate"`    // Nominal frames per second
	PixelFormat string        `yaml:"pixel_format"` // bgr24, rgb24, mono8, bayer_gb8
	Timeout     time.Duration `yaml:"timeout"`      // Wait for one frame (10s)
	MaxTimeouts int           `yaml:"max_timeouts"` // Consecutive timeouts before giving up (0 = retry forever)

	ReorderWindow int `yaml:"reorder_window"` // synthetic: arrival shuffle window
	DropEvery     int `yaml:"drop_every"`     // synthetic: drop every Nth exposure
}

// ReorderConfig configures the reorder buffer
type ReorderConfig struct {
	// ResyncAfter is how many early frames may pile up behind a missing one
	// before it is declared dropped. 0 waits forever.
	ResyncAfter int `yaml:"resync_after"`
}

// EncodeConfig configures the encoder
type EncodeConfig struct {
	QueueCapacity int           `yaml:"queue_capacity"` // Frames buffered ahead of ffmpeg
	CRF           int           `yaml:"crf"`            // x264 constant rate factor
	Params        string        `yaml:"params"`         // Extra ffmpeg output options
	OutputPath    string        `yaml:"output_path"`    // Default recording file
	FFmpegPath    string        `yaml:"ffmpeg_path"`    // Empty = search PATH
	LogLevel      string        `yaml:"loglevel"`       // ffmpeg -loglevel
	DrainTimeout  time.Duration `yaml:"drain_timeout"`  // 0 = wait for the queue to drain
	Verify        bool          `yaml:"verify"`         // ffprobe the output afterwards
}

// PreviewConfig configures the live preview
type PreviewConfig struct {
	Enabled bool    `yaml:"enabled"`
	Scale   float64 `yaml:"scale"`   // Downsampling factor
	Quality int     `yaml:"quality"` // JPEG quality for websocket clients
}

// APIConfig configures the control API
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Host    string `yaml:"host"`
}

// SessionConfig identifies this recorder run
type SessionConfig struct {
	ID string `yaml:"id"`
}

// DefaultConfig returns the configuration used when no file is given
func DefaultConfig() *Config {
	return &Config{
		Input: InputConfig{
			Type:          "synthetic",
			Width:         640,
			Height:        480,
			Framerate:     30,
			PixelFormat:   string(input.FormatBGR24),
			Timeout:       10 * time.Second,
			MaxTimeouts:   3,
			ReorderWindow: 1,
		},
		Reorder: ReorderConfig{
			ResyncAfter: 16,
		},
		Encode: EncodeConfig{
			QueueCapacity: encode.DefaultQueueCapacity,
			CRF:           17,
			Params:        "-codec:v libx264 -preset ultrafast",
			OutputPath:    "recording.mp4",
			LogLevel:      "error",
		},
		Preview: PreviewConfig{
			Enabled: true,
			Scale:   preview.DefaultScale,
			Quality: 75,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8080,
		},
		Log: logging.Config{
			Level:    "info",
			Encoding: "console",
		},
	}
}

// LoadConfig loads configuration from a YAML file on top of DefaultConfig
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero values a config file may have blanked out
func (c *Config) applyDefaults() {
	if c.Input.Type == "" {
		c.Input.Type = "synthetic"
	}
	if c.Input.PixelFormat == "" {
		c.Input.PixelFormat = string(input.FormatBGR24)
	}
	if c.Input.Timeout == 0 {
		c.Input.Timeout = 10 * time.Second
	}
	if c.Encode.QueueCapacity == 0 {
		c.Encode.QueueCapacity = encode.DefaultQueueCapacity
	}
	if c.Encode.LogLevel == "" {
		c.Encode.LogLevel = "error"
	}
	if c.Preview.Scale == 0 {
		c.Preview.Scale = preview.DefaultScale
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.Session.ID == "" {
		c.Session.ID = uuid.NewString()
	}
}

// Validate checks the configuration for values the pipeline cannot run with
func (c *Config) Validate() error {
	if c.Input.Width <= 0 || c.Input.Height <= 0 {
		return fmt.Errorf("invalid resolution %dx%d", c.Input.Width, c.Input.Height)
	}
	if c.Input.Framerate <= 0 {
		return fmt.Errorf("invalid framerate %v", c.Input.Framerate)
	}
	if input.PixelFormat(c.Input.PixelFormat).BytesPerPixel() == 0 {
		return fmt.Errorf("unsupported pixel format: %s", c.Input.PixelFormat)
	}
	if c.Input.Timeout < 0 {
		return fmt.Errorf("input timeout must not be negative")
	}
	if c.Input.MaxTimeouts < 0 {
		return fmt.Errorf("max_timeouts must not be negative")
	}
	if c.Reorder.ResyncAfter < 0 {
		return fmt.Errorf("resync_after must not be negative")
	}
	// A shuffle deeper than the resync threshold would give up on frames
	// that are still on their way.
	if c.Reorder.ResyncAfter != 0 && c.Reorder.ResyncAfter < c.Input.ReorderWindow {
		return fmt.Errorf("resync_after %d is below input reorder_window %d",
			c.Reorder.ResyncAfter, c.Input.ReorderWindow)
	}
	if c.Encode.QueueCapacity < 1 {
		return fmt.Errorf("queue_capacity must be at least 1")
	}
	if c.Encode.CRF < 0 || c.Encode.CRF > 51 {
		return fmt.Errorf("crf %d out of range 0-51", c.Encode.CRF)
	}
	if c.Encode.DrainTimeout < 0 {
		return fmt.Errorf("drain_timeout must not be negative")
	}
	if c.Preview.Scale <= 0 || c.Preview.Scale > 1 {
		return fmt.Errorf("preview scale %v out of range (0, 1]", c.Preview.Scale)
	}
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		return fmt.Errorf("invalid api port %d", c.API.Port)
	}
	return nil
}

// Finalize applies defaults and validates a config built in code
func (c *Config) Finalize() error {
	c.applyDefaults()
	return c.Validate()
}

// SourceConfig converts the input section for input.Open
func (c *Config) SourceConfig() input.Config {
	return input.Config{
		Device:        c.Input.Device,
		Width:         c.Input.Width,
		Height:        c.Input.Height,
		Framerate:     c.Input.Framerate,
		Format:        input.PixelFormat(c.Input.PixelFormat),
		ReorderWindow: c.Input.ReorderWindow,
		DropEvery:     c.Input.DropEvery,
	}
}
