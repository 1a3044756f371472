// SPDX-License-Identifier: MIT
package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"livepv/internal/analysis"
	"livepv/internal/vocoder"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	tmp := t.TempDir()
	path := filepath.Join(tmp, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestLoadConfig_EmptyPath(t *testing.T) {
	t.Parallel()
	cfg, err := LoadConfig("")
	if err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
	if cfg == nil {
		t.Error("expected default config, got nil")
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	t.Parallel()
	cfg, err := LoadConfig("nonexistent.yaml")
	if err == nil {
		t.Errorf("expected error for missing file, got nil")
	}
	if cfg != nil {
		t.Errorf("expected nil config on error, got %+v", cfg)
	}
}

func TestLoadConfig_UnmarshalError(t *testing.T) {
	t.Parallel()
	path := writeTempConfig(t, ":\n:bad")
	_, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "failed to parse config file") {
		t.Error("expected unmarshal error, got nil or wrong error")
	}
}

func TestLoadConfig_File(t *testing.T) {
	t.Parallel()
	path := writeTempConfig(t, `
log_level: warn
audio:
  channels: 1
  sample_rate: 48000
  underrun_fill: last-sample
vocoder:
  fft_size: 1024
  overlap: 8
  window: Blackman
  stretch: 2
  pitch: 0.5
  swap_policy: reset
live:
  source: ./transforms/thinner/thinner.go
  debounce: 250ms
  build_command: [go, build, -buildmode=plugin, -o, "{out}", "{src}"]
input:
  path: song.mp3
  loop: true
  start: 1m30s
shutdown:
  fade: 1s
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.LogLevel != "warn" || cfg.Audio.Channels != 1 || cfg.Audio.SampleRate != 48000 {
		t.Errorf("top level or audio not loaded: %+v", cfg.Audio)
	}
	if cfg.Live.Debounce != 250*time.Millisecond {
		t.Errorf("live.debounce = %v, want 250ms", cfg.Live.Debounce)
	}
	if len(cfg.Live.BuildCommand) != 6 || cfg.Live.BuildCommand[4] != "{out}" {
		t.Errorf("live.build_command = %q", cfg.Live.BuildCommand)
	}
	if !cfg.Input.Loop || cfg.Input.Start != 90*time.Second {
		t.Errorf("input = %+v", cfg.Input)
	}
	if cfg.Shutdown.Fade != time.Second {
		t.Errorf("shutdown.fade = %v", cfg.Shutdown.Fade)
	}
	// Untouched sections keep their defaults.
	if cfg.Ring.CapacityMs != DefaultRingMs || cfg.Live.Symbol != DefaultLiveSymbol {
		t.Errorf("defaults lost: ring=%+v symbol=%q", cfg.Ring, cfg.Live.Symbol)
	}

	vc, err := cfg.VocoderConfig(cfg.Audio.SampleRate)
	if err != nil {
		t.Fatalf("VocoderConfig: %v", err)
	}
	if vc.FFTSize != 1024 || vc.Hop() != 128 || vc.Channels != 1 {
		t.Errorf("vocoder geometry = %d/%d/%d", vc.FFTSize, vc.Hop(), vc.Channels)
	}
	if vc.Window != analysis.Blackman || vc.SwapPolicy != vocoder.ResetPhase {
		t.Errorf("window=%v swap=%v", vc.Window, vc.SwapPolicy)
	}
	if vc.Stretch != 2 || vc.Pitch != 0.5 || vc.SampleRate != 48000 {
		t.Errorf("params = %g/%g at %g", vc.Stretch, vc.Pitch, vc.SampleRate)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		substr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"device below default", func(c *Config) { c.Audio.OutputDevice = -2 }, "audio.output_device"},
		{"sample rate too low", func(c *Config) { c.Audio.SampleRate = 100 }, "audio.sample_rate"},
		{"frames too large", func(c *Config) { c.Audio.FramesPerBuffer = 1 << 16 }, "audio.frames_per_buffer"},
		{"no channels", func(c *Config) { c.Audio.Channels = 0 }, "audio.channels"},
		{"fill policy", func(c *Config) { c.Audio.UnderrunFill = "noise" }, "fill policy"},
		{"fft not power of two", func(c *Config) { c.Vocoder.FFTSize = 1000 }, "fft size"},
		{"overlap", func(c *Config) { c.Vocoder.Overlap = 3 }, "overlap"},
		{"window", func(c *Config) { c.Vocoder.Window = "square" }, "vocoder.window"},
		{"stretch range", func(c *Config) { c.Vocoder.Stretch = 10 }, "stretch"},
		{"pitch range", func(c *Config) { c.Vocoder.Pitch = 0 }, "pitch"},
		{"swap policy", func(c *Config) { c.Vocoder.SwapPolicy = "swap" }, "swap policy"},
		{"ring too small", func(c *Config) { c.Ring.CapacityMs = 1 }, "ring.capacity_ms"},
		{"overrun policy", func(c *Config) { c.Ring.Overrun = "block" }, "overrun policy"},
		{"live symbol", func(c *Config) { c.Live.Source = "x.go"; c.Live.Symbol = "" }, "live.symbol"},
		{"tone amplitude", func(c *Config) { c.Input.ToneAmplitude = 2 }, "input.tone_amplitude"},
		{"capture", func(c *Config) { c.Input.Capture = true; c.Input.CaptureClip = 3 * time.Second }, ""},
		{"capture with path", func(c *Config) { c.Input.Capture = true; c.Input.Path = "in.wav" }, "mutually exclusive"},
		{"capture device", func(c *Config) { c.Input.Capture = true; c.Input.CaptureDevice = -3 }, "input.capture_device"},
		{"capture clip", func(c *Config) { c.Input.Capture = true; c.Input.CaptureClip = -time.Second }, "input.capture_clip"},
		{"bit depth", func(c *Config) { c.Recording.Enabled = true; c.Recording.BitDepth = 8 }, "recording.bit_depth"},
		{"udp target", func(c *Config) { c.Transport.UDPEnabled = true; c.Transport.UDPTargetAddress = "" }, "udp_target_address"},
		{"negative fade", func(c *Config) { c.Shutdown.Fade = -time.Second }, "shutdown.fade"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.substr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.substr) {
				t.Errorf("Validate() = %v, want substring %q", err, tt.substr)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ENV_DEBUG", "true")
	t.Setenv("ENV_STRETCH", "1.5")
	t.Setenv("ENV_PITCH", "not-a-number")
	t.Setenv("ENV_LIVE_SOURCE", "/tmp/fx.go")
	t.Setenv("ENV_INPUT", "in.wav")
	t.Setenv("ENV_WS_ADDR", ":9999")
	t.Setenv("ENV_UDP_ENABLED", "1")
	t.Setenv("ENV_UDP_TARGET_ADDRESS", "10.0.0.1:7000")
	t.Setenv("ENV_UDP_SEND_INTERVAL", "20ms")

	cfg, err := LoadConfig(writeTempConfig(t, "vocoder:\n  stretch: 3\n"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if !cfg.Debug || cfg.LogLevelName() != "debug" {
		t.Error("ENV_DEBUG not applied")
	}
	if cfg.Vocoder.Stretch != 1.5 {
		t.Errorf("stretch = %g, env should win over file", cfg.Vocoder.Stretch)
	}
	if cfg.Vocoder.Pitch != 1 {
		t.Errorf("pitch = %g, bad env value should be ignored", cfg.Vocoder.Pitch)
	}
	if cfg.Live.Source != "/tmp/fx.go" || cfg.Input.Path != "in.wav" || cfg.Transport.WSAddr != ":9999" {
		t.Errorf("string overrides not applied: %+v %+v", cfg.Live, cfg.Input)
	}
	if !cfg.Transport.UDPEnabled || cfg.Transport.UDPTargetAddress != "10.0.0.1:7000" ||
		cfg.Transport.UDPSendInterval != 20*time.Millisecond {
		t.Errorf("udp overrides not applied: %+v", cfg.Transport)
	}
}
