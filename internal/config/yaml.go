// SPDX-License-Identifier: MIT
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"livepv/internal/analysis"
	"livepv/internal/log"
	"livepv/internal/ring"
	"livepv/internal/vocoder"
)

var logger = log.With("config")

// Config represents the main application configuration structure, loaded from YAML.
type Config struct {
	Debug     bool            `yaml:"debug"`     // Enable debug logging.
	LogLevel  string          `yaml:"log_level"` // Logging level (e.g., "debug", "info", "warn", "error").
	Audio     AudioConfig     `yaml:"audio"`     // Output device settings.
	Vocoder   VocoderConfig   `yaml:"vocoder"`   // Phase vocoder settings.
	Ring      RingConfig      `yaml:"ring"`      // Sample ring between the producer and the device.
	Live      LiveConfig      `yaml:"live"`      // Live-coded transform reload.
	Input     InputConfig     `yaml:"input"`     // Signal source.
	Recording RecordingConfig `yaml:"recording"` // Recording of the processed output.
	Transport TransportConfig `yaml:"transport"` // Control socket and status packets.
	Metrics   MetricsConfig   `yaml:"metrics"`   // OpenTelemetry metrics.
	Shutdown  ShutdownConfig  `yaml:"shutdown"`  // Quit fade and drain.
}

// AudioConfig holds settings related to the output stream.
type AudioConfig struct {
	OutputDevice    int           `yaml:"output_device"`     // PortAudio device index for output (-1 for default).
	SampleRate      float64       `yaml:"sample_rate"`       // Sample rate in Hz, 0 to follow the input file.
	FramesPerBuffer int           `yaml:"frames_per_buffer"` // Frames per hardware callback.
	Channels        int           `yaml:"channels"`          // Output channel count; input is remixed to match.
	LowLatency      bool          `yaml:"low_latency"`       // Request low latency settings from PortAudio device.
	UnderrunFill    string        `yaml:"underrun_fill"`     // "silence" or "last-sample".
	Watchdog        time.Duration `yaml:"watchdog"`          // Callback silence treated as a device failure, 0 disables.
}

// VocoderConfig holds the analysis/resynthesis settings.
type VocoderConfig struct {
	FFTSize    int     `yaml:"fft_size"`    // Frame size, power of two.
	Overlap    int     `yaml:"overlap"`     // Frames per FFT size; hop = fft_size / overlap.
	Window     string  `yaml:"window"`      // Window function name (e.g., "Hann", "Hamming").
	Stretch    float64 `yaml:"stretch"`     // Initial time-stretch factor.
	Pitch      float64 `yaml:"pitch"`       // Initial pitch-shift factor.
	SwapPolicy string  `yaml:"swap_policy"` // "carry" or "reset" phase on module swap.
}

// RingConfig sizes the sample ring.
type RingConfig struct {
	CapacityMs int    `yaml:"capacity_ms"` // Ring length in milliseconds of audio.
	Overrun    string `yaml:"overrun"`     // "backoff" or "drop-newest"; empty picks by source kind.
}

// LiveConfig holds the live-coded transform settings.
type LiveConfig struct {
	Source       string        `yaml:"source"`         // Go source file to watch, empty disables live coding.
	Symbol       string        `yaml:"symbol"`         // Exported symbol looked up in the built plugin.
	BuildDir     string        `yaml:"build_dir"`      // Where artifacts go, empty for a temp dir.
	BuildCommand []string      `yaml:"build_command"`  // argv with {src}, {out} and {gen} placeholders.
	Debounce     time.Duration `yaml:"debounce"`       // Quiet period after a change before building.
	BuildTimeout time.Duration `yaml:"build_timeout"`  // Upper bound on one build.
	BuildOnStart bool          `yaml:"build_on_start"` // Build the source once at startup.
	ReapInterval time.Duration `yaml:"reap_interval"`  // How often superseded modules are retired.
}

// InputConfig selects the signal fed to the vocoder.
type InputConfig struct {
	Path          string        `yaml:"path"`           // WAV or MP3 file, empty for a tone.
	Loop          bool          `yaml:"loop"`           // Restart the file at its end.
	Start         time.Duration `yaml:"start"`          // Skip this much of the file.
	Duration      time.Duration `yaml:"duration"`       // Play at most this much, 0 for all.
	ToneHz        float64       `yaml:"tone_hz"`        // Frequency of the generated tone.
	ToneAmplitude float64       `yaml:"tone_amplitude"` // Peak of the generated tone.
	Capture       bool          `yaml:"capture"`        // Use the input device instead of a file or tone.
	CaptureDevice int           `yaml:"capture_device"` // PortAudio device index for capture (-1 for default).
	CaptureClip   time.Duration `yaml:"capture_clip"`   // Record a clip this long, crop it and play that; 0 streams live.
}

// RecordingConfig holds settings related to audio recording functionality.
type RecordingConfig struct {
	Enabled   bool   `yaml:"enabled"`    // Write the processed output to WAV.
	OutputDir string `yaml:"output_dir"` // Directory for recordings.
	File      string `yaml:"file"`       // File name, empty for a timestamped one.
	BitDepth  int    `yaml:"bit_depth"`  // Bit depth for recorded audio (16, 24 or 32).
}

// TransportConfig holds the control socket and status packet settings.
type TransportConfig struct {
	WSAddr           string        `yaml:"ws_addr"`            // Websocket/metrics listen address, empty disables.
	StatusInterval   time.Duration `yaml:"status_interval"`    // Interval between status broadcasts.
	UDPEnabled       bool          `yaml:"udp_enabled"`        // Enable sending status over UDP.
	UDPTargetAddress string        `yaml:"udp_target_address"` // Target address and port for UDP packets (e.g., "127.0.0.1:9090").
	UDPSendInterval  time.Duration `yaml:"udp_send_interval"`  // Interval between sending UDP packets.
}

// MetricsConfig toggles the OpenTelemetry provider and /metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ShutdownConfig shapes the quit sequence.
type ShutdownConfig struct {
	Fade         time.Duration `yaml:"fade"`          // Fade-out before the device stops.
	DrainTimeout time.Duration `yaml:"drain_timeout"` // Max wait for the ring to empty.
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Debug:    false,
		LogLevel: DefaultLogLevel,
		Audio: AudioConfig{
			OutputDevice:    DefaultDeviceID,
			SampleRate:      DefaultSampleRate,
			FramesPerBuffer: DefaultFramesPerBuffer,
			Channels:        DefaultChannels,
			LowLatency:      DefaultLowLatency,
			UnderrunFill:    DefaultUnderrunFill,
			Watchdog:        DefaultWatchdog,
		},
		Vocoder: VocoderConfig{
			FFTSize:    DefaultFFTSize,
			Overlap:    DefaultOverlap,
			Window:     DefaultWindow,
			Stretch:    1,
			Pitch:      1,
			SwapPolicy: DefaultSwapPolicy,
		},
		Ring: RingConfig{
			CapacityMs: DefaultRingMs,
		},
		Live: LiveConfig{
			Symbol:       DefaultLiveSymbol,
			Debounce:     DefaultDebounce,
			BuildTimeout: DefaultBuildTimeout,
			BuildOnStart: true,
			ReapInterval: DefaultReapInterval,
		},
		Input: InputConfig{
			ToneHz:        DefaultToneHz,
			ToneAmplitude: DefaultToneAmplitude,
			CaptureDevice: DefaultDeviceID,
		},
		Recording: RecordingConfig{
			Enabled:   false,
			OutputDir: DefaultRecordingDir,
			BitDepth:  DefaultBitDepth,
		},
		Transport: TransportConfig{
			WSAddr:           DefaultWSAddr,
			StatusInterval:   DefaultStatusInterval,
			UDPEnabled:       false,
			UDPTargetAddress: DefaultUDPTarget,
			UDPSendInterval:  DefaultUDPSendInterval,
		},
		Metrics: MetricsConfig{Enabled: true},
		Shutdown: ShutdownConfig{
			Fade:         DefaultShutdownFade,
			DrainTimeout: DefaultShutdownDrain,
		},
	}
}

// LoadConfig loads configuration from a YAML file specified by path. If path is empty,
// it searches default locations ("config.yaml"). If no file is found, it uses built-in
// defaults. After loading defaults or from file, it applies environment variable
// overrides and validates the final configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		for _, candidate := range []string{"config.yaml", "livepv.yaml"} {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Apply environment variable overrides AFTER loading from file.
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	if _, ok := log.ParseLevel(c.LogLevel); !ok {
		errs = append(errs, fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}

	// Audio
	check(c.Audio.OutputDevice >= MinDeviceID, "audio.output_device %d must be >= %d", c.Audio.OutputDevice, MinDeviceID)
	check(c.Audio.SampleRate == 0 || (c.Audio.SampleRate >= MinSampleRate && c.Audio.SampleRate <= MaxSampleRate),
		"audio.sample_rate %.0f must be 0 or within %d..%d", c.Audio.SampleRate, MinSampleRate, MaxSampleRate)
	check(c.Audio.FramesPerBuffer > 0 && c.Audio.FramesPerBuffer <= MaxBufferFrames,
		"audio.frames_per_buffer %d must be within 1..%d", c.Audio.FramesPerBuffer, MaxBufferFrames)
	check(c.Audio.Channels >= 1 && c.Audio.Channels <= MaxChannels,
		"audio.channels %d must be within 1..%d", c.Audio.Channels, MaxChannels)
	check(c.Audio.Watchdog >= 0, "audio.watchdog must not be negative")
	if _, err := ring.ParseFillPolicy(c.Audio.UnderrunFill); err != nil {
		errs = append(errs, err)
	}

	// Vocoder
	if _, err := c.VocoderConfig(DefaultToneSampleRate); err != nil {
		errs = append(errs, err)
	}

	// Ring
	check(c.Ring.CapacityMs >= MinRingMs && c.Ring.CapacityMs <= MaxRingMs,
		"ring.capacity_ms %d must be within %d..%d", c.Ring.CapacityMs, MinRingMs, MaxRingMs)
	if c.Ring.Overrun != "" {
		if _, err := ring.ParseOverrunPolicy(c.Ring.Overrun); err != nil {
			errs = append(errs, err)
		}
	}

	// Live
	if c.Live.Source != "" {
		check(c.Live.Symbol != "", "live.symbol must be set when live.source is")
		check(c.Live.Debounce >= 0, "live.debounce must not be negative")
		check(c.Live.BuildTimeout >= 0, "live.build_timeout must not be negative")
	}
	check(c.Live.ReapInterval > 0, "live.reap_interval must be positive")

	// Input
	check(c.Input.Start >= 0, "input.start must not be negative")
	check(c.Input.Duration >= 0, "input.duration must not be negative")
	if c.Input.Capture {
		check(c.Input.Path == "", "input.capture and input.path are mutually exclusive")
		check(c.Input.CaptureDevice >= MinDeviceID, "input.capture_device %d must be >= %d", c.Input.CaptureDevice, MinDeviceID)
		check(c.Input.CaptureClip >= 0, "input.capture_clip must not be negative")
	} else if c.Input.Path == "" {
		check(c.Input.ToneHz > 0, "input.tone_hz must be positive")
		check(c.Input.ToneAmplitude >= 0 && c.Input.ToneAmplitude <= 1,
			"input.tone_amplitude %.2f must be within 0..1", c.Input.ToneAmplitude)
	}

	// Recording
	if c.Recording.Enabled {
		check(c.Recording.BitDepth == 16 || c.Recording.BitDepth == 24 || c.Recording.BitDepth == 32,
			"recording.bit_depth %d must be 16, 24 or 32", c.Recording.BitDepth)
	}

	// Transport Validation
	check(c.Transport.StatusInterval > 0, "transport.status_interval must be positive")
	if c.Transport.UDPEnabled {
		check(c.Transport.UDPTargetAddress != "", "transport.udp_target_address must be set when UDP is enabled")
		check(c.Transport.UDPSendInterval > 0, "transport.udp_send_interval must be positive when UDP is enabled")
	}

	// Shutdown
	check(c.Shutdown.Fade >= 0, "shutdown.fade must not be negative")
	check(c.Shutdown.DrainTimeout >= 0, "shutdown.drain_timeout must not be negative")

	return errors.Join(errs...)
}

// VocoderConfig builds the engine configuration for the negotiated rate.
func (c *Config) VocoderConfig(sampleRate float64) (vocoder.Config, error) {
	vc := vocoder.DefaultConfig()
	vc.FFTSize = c.Vocoder.FFTSize
	vc.Overlap = c.Vocoder.Overlap
	vc.Channels = c.Audio.Channels
	vc.SampleRate = sampleRate
	vc.Stretch = c.Vocoder.Stretch
	vc.Pitch = c.Vocoder.Pitch

	window, err := analysis.ParseWindowFunc(c.Vocoder.Window)
	if err != nil {
		return vc, fmt.Errorf("vocoder.window: %w", err)
	}
	vc.Window = window

	policy, err := vocoder.ParseSwapPolicy(c.Vocoder.SwapPolicy)
	if err != nil {
		return vc, err
	}
	vc.SwapPolicy = policy

	return vc, vc.Validate()
}

// LogLevelName resolves Debug and LogLevel into one level name.
func (c *Config) LogLevelName() string {
	if c.Debug {
		return "debug"
	}
	return c.LogLevel
}

// applyEnvOverrides applies ENV_* variables on top of the file values.
// Unparsable values are ignored with a warning.
func (cfg *Config) applyEnvOverrides() {
	// ENV_{...}
	// These are general overrides.
	envBool("ENV_DEBUG", &cfg.Debug)
	envString("ENV_LOG_LEVEL", &cfg.LogLevel)
	envFloat("ENV_STRETCH", &cfg.Vocoder.Stretch)
	envFloat("ENV_PITCH", &cfg.Vocoder.Pitch)
	envString("ENV_LIVE_SOURCE", &cfg.Live.Source)
	envString("ENV_INPUT", &cfg.Input.Path)
	envBool("ENV_CAPTURE", &cfg.Input.Capture)
	envString("ENV_WS_ADDR", &cfg.Transport.WSAddr)

	// ENV_UDP_{...}
	// These are specific to the transport layer.
	envBool("ENV_UDP_ENABLED", &cfg.Transport.UDPEnabled)
	envString("ENV_UDP_TARGET_ADDRESS", &cfg.Transport.UDPTargetAddress)
	envDuration("ENV_UDP_SEND_INTERVAL", &cfg.Transport.UDPSendInterval)
}

func envString(key string, dst *string) {
	if val, ok := os.LookupEnv(key); ok {
		*dst = val
		logger.Debug("override from env", "key", key, "value", val)
	}
}

func envBool(key string, dst *bool) {
	envParse(key, dst, strconv.ParseBool)
}

func envFloat(key string, dst *float64) {
	envParse(key, dst, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

func envDuration(key string, dst *time.Duration) {
	envParse(key, dst, time.ParseDuration)
}

func envParse[T any](key string, dst *T, parse func(string) (T, error)) {
	val, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	v, err := parse(val)
	if err != nil {
		logger.Warn("ignoring env override", "key", key, "value", val, "err", err)
		return
	}
	*dst = v
	logger.Debug("override from env", "key", key, "value", v)
}
