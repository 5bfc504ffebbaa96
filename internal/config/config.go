package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/petems/avcapture/internal/audio"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type Config struct {
	LogLevel    string         `json:"log_level" validate:"oneof=debug info warn error"`
	MetricsAddr string         `json:"metrics_addr" validate:"omitempty,hostname_port"`
	Audio       AudioConfig    `json:"audio"`
	Recorder    RecorderConfig `json:"recorder"`
}

type AudioConfig struct {
	Backend       string `json:"backend" validate:"oneof=portaudio miniaudio"`
	Device        string `json:"device"` // Friendly name; empty means the default device
	SampleRate    uint32 `json:"sample_rate" validate:"gt=0,max=384000"`
	BitsPerSample uint16 `json:"bits_per_sample" validate:"oneof=8 16 24 32"`
	Channels      uint16 `json:"channels" validate:"gt=0,max=32"`
	MatchPolicy   string `json:"match_policy" validate:"oneof=exact-first first-mismatch"`
}

type RecorderConfig struct {
	QueueDepth int `json:"queue_depth" validate:"min=1,max=4096"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Audio: AudioConfig{
			Backend:       "portaudio",
			Device:        "",
			SampleRate:    44100,
			BitsPerSample: 16,
			Channels:      2,
			MatchPolicy:   "exact-first",
		},
		Recorder: RecorderConfig{
			QueueDepth: 64,
		},
	}
}

// Load reads the config from the platform config path, or returns
// defaults when there is none.
func Load() (*Config, error) {
	return LoadFrom(configPath())
}

// LoadFrom reads the config at path over the defaults. A missing file is
// not an error.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return cfg, nil
	case err != nil:
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// Format returns the requested capture format.
func (c *Config) Format() audio.Format {
	return audio.Format{
		SampleRate:    c.Audio.SampleRate,
		BitsPerSample: c.Audio.BitsPerSample,
		Channels:      c.Audio.Channels,
	}
}

// Save writes the config to disk
func (c *Config) Save() error {
	return c.SaveTo(configPath())
}

// SaveTo writes the config to path.
func (c *Config) SaveTo(path string) error {
	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Path returns the platform-specific config file path.
func Path() string {
	return configPath()
}

// configPath returns the platform-specific config file path
func configPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("APPDATA")
	default: // linux
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.config"
		}
	}

	return filepath.Join(base, "avcapture", "config.json")
}
