package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/petems/avcapture/internal/audio"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	want := audio.Format{SampleRate: 44100, BitsPerSample: 16, Channels: 2}
	if cfg.Format() != want {
		t.Errorf("expected %s, got %s", want, cfg.Format())
	}
	if err := cfg.Format().Validate(); err != nil {
		t.Errorf("default format invalid: %v", err)
	}
	if _, err := audio.ParseMatchPolicy(cfg.Audio.MatchPolicy); err != nil {
		t.Errorf("default match policy unparseable: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"bad bits", func(c *Config) { c.Audio.BitsPerSample = 12 }, "BitsPerSample"},
		{"zero rate", func(c *Config) { c.Audio.SampleRate = 0 }, "SampleRate"},
		{"zero channels", func(c *Config) { c.Audio.Channels = 0 }, "Channels"},
		{"unknown backend", func(c *Config) { c.Audio.Backend = "directshow" }, "Backend"},
		{"unknown policy", func(c *Config) { c.Audio.MatchPolicy = "closest" }, "MatchPolicy"},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "LogLevel"},
		{"bad metrics addr", func(c *Config) { c.MetricsAddr = "not an address" }, "MetricsAddr"},
		{"zero queue", func(c *Config) { c.Recorder.QueueDepth = 0 }, "QueueDepth"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("expected error to name %s, got %v", tt.field, err)
			}
		})
	}
}

func TestValidateMetricsAddr(t *testing.T) {
	cfg := Default()
	cfg.MetricsAddr = "127.0.0.1:9109"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid metrics address, got %v", err)
	}
}

func TestLoadFromMissingFile(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if cfg.Audio.Backend != "portaudio" || cfg.Recorder.QueueDepth != 64 {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestLoadFromOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"audio": {"backend": "miniaudio", "sample_rate": 48000, "device": "USB Mic"}}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if cfg.Audio.Backend != "miniaudio" || cfg.Audio.SampleRate != 48000 || cfg.Audio.Device != "USB Mic" {
		t.Errorf("overrides not applied: %+v", cfg.Audio)
	}
	if cfg.Audio.BitsPerSample != 16 || cfg.Audio.Channels != 2 {
		t.Errorf("defaults lost: %+v", cfg.Audio)
	}
}

func TestLoadFromRejectsInvalid(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"audio": {"bits_per_sample": 20}}`), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := LoadFrom(bad); err == nil {
		t.Error("expected validation error")
	}

	garbled := filepath.Join(dir, "garbled.json")
	if err := os.WriteFile(garbled, []byte(`{`), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := LoadFrom(garbled); err == nil {
		t.Error("expected parse error")
	}
}

func TestSaveToRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := Default()
	cfg.Audio.Device = "Line In"
	cfg.MetricsAddr = "localhost:9109"

	if err := cfg.SaveTo(path); err != nil {
		t.Fatalf("SaveTo failed: %v", err)
	}
	loaded, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if *loaded != *cfg {
		t.Errorf("expected %+v, got %+v", cfg, loaded)
	}
}

func TestPathUsesXDG(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skipf("XDG layout does not apply on %s", runtime.GOOS)
	}
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	if got, want := Path(), filepath.Join(dir, "avcapture", "config.json"); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}
