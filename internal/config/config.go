// Package config loads netra's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultModelURL is the base location of the hosted classification model.
const DefaultModelURL = "https://teachablemachine.withgoogle.com/models/4DqFOIhth/"

// Config is the complete netra configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Camera CameraConfig `yaml:"camera"`
	Model  ModelConfig  `yaml:"model"`
	Loop   LoopConfig   `yaml:"loop"`
	Log    LogConfig    `yaml:"log"`
	Tray   bool         `yaml:"tray"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr      string `yaml:"addr"`
	StaticDir string `yaml:"static_dir"`
}

// CameraConfig holds capture device settings.
type CameraConfig struct {
	DeviceID int `yaml:"device_id"` // -1 selects the synthetic test pattern
	Width    int `yaml:"width"`
	Height   int `yaml:"height"`
	FPS      int `yaml:"fps"`
}

// ModelConfig describes where the classifier is fetched from and how it runs.
type ModelConfig struct {
	BaseURL         string        `yaml:"base_url"`
	ONNXFile        string        `yaml:"onnx_file"`
	InputName       string        `yaml:"input_name"`
	OutputName      string        `yaml:"output_name"`
	RuntimeLibrary  string        `yaml:"runtime_library"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	ClassifyTimeout time.Duration `yaml:"classify_timeout"` // 0 disables the timeout
}

// LoopConfig holds inference loop settings.
type LoopConfig struct {
	Threshold       float64       `yaml:"threshold"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	StartEnabled    bool          `yaml:"start_enabled"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns a configuration with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Camera: CameraConfig{
			DeviceID: 0,
			Width:    640,
			Height:   480,
			FPS:      30,
		},
		Model: ModelConfig{
			BaseURL:      DefaultModelURL,
			ONNXFile:     "model.onnx",
			InputName:    "input",
			OutputName:   "output",
			FetchTimeout: 30 * time.Second,
		},
		Loop: LoopConfig{
			Threshold:       0.6,
			RefreshInterval: 16 * time.Millisecond,
			StartEnabled:    true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for values the loop cannot run with.
func (c *Config) Validate() error {
	if c.Loop.Threshold < 0 || c.Loop.Threshold >= 1 {
		return errors.New("loop.threshold must be in [0, 1)")
	}
	if c.Loop.RefreshInterval <= 0 {
		return errors.New("loop.refresh_interval must be positive")
	}
	if c.Model.ClassifyTimeout < 0 {
		return errors.New("model.classify_timeout must not be negative")
	}

	u, err := url.Parse(c.Model.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("model.base_url %q is not an absolute URL", c.Model.BaseURL)
	}
	if !strings.HasSuffix(c.Model.BaseURL, "/") {
		return errors.New("model.base_url must end with /")
	}

	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return errors.New("camera width and height must be positive")
	}
	if c.Server.Addr == "" {
		return errors.New("server.addr cannot be empty")
	}

	return nil
}
