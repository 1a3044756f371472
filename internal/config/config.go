// SPDX-License-Identifier: MIT
package config

import "time"

// Core configuration constants that define the boundaries and defaults
// for the live vocoder.
const (
	// Audio output.
	DefaultDeviceID        = MinDeviceID // System default output device
	DefaultSampleRate      = 0           // Follow the input source
	DefaultToneSampleRate  = 44100       // Rate for generated input when none is set
	DefaultChannels        = 2           // Stereo
	DefaultFramesPerBuffer = 512         // Balanced latency/performance
	DefaultLowLatency      = false       // Standard latency mode
	DefaultUnderrunFill    = "silence"
	DefaultWatchdog        = 2 * time.Second

	// Vocoder.
	DefaultFFTSize    = 2048
	DefaultOverlap    = 4
	DefaultWindow     = "Hann"
	DefaultSwapPolicy = "carry"

	// Ring transport.
	DefaultRingMs  = 250
	DefaultOverrun = "backoff"

	// Live module reload.
	DefaultLiveSymbol   = "Transform"
	DefaultDebounce     = 100 * time.Millisecond
	DefaultBuildTimeout = 2 * time.Minute
	DefaultReapInterval = 50 * time.Millisecond

	// Input.
	DefaultToneHz        = 440.0
	DefaultToneAmplitude = 0.5

	// Recording.
	DefaultRecordingDir = "./recordings"
	DefaultBitDepth     = 16

	// Transport.
	DefaultWSAddr          = ":8080"
	DefaultUDPTarget       = "127.0.0.1:9090"
	DefaultUDPSendInterval = 50 * time.Millisecond
	DefaultStatusInterval  = 250 * time.Millisecond
	DefaultShutdownFade    = 5 * time.Second
	DefaultShutdownDrain   = 2 * time.Second
	DefaultLogLevel        = "info"

	// Hardware and processing limits
	MinDeviceID     = -1     // -1 represents system default device
	MinSampleRate   = 8000   // Minimum usable sample rate (Hz)
	MaxSampleRate   = 192000 // Maximum supported sample rate (Hz)
	MaxBufferFrames = 8192   // Maximum frames per buffer (power of 2)
	MaxChannels     = 8
	MinRingMs       = 20
	MaxRingMs       = 10000
)
