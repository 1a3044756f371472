// SPDX-License-Identifier: MIT
package audio

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	"livepv/internal/ring"
	"livepv/internal/source"
)

// InputConfig selects and shapes the capture stream. Channels is capped
// at what the device offers.
type InputConfig struct {
	DeviceID        int
	SampleRate      float64
	Channels        int
	FramesPerBuffer int
	LowLatency      bool
	BufferMs        int // ring length, 0 for one second
}

// Input is a PortAudio capture stream that pushes every hardware buffer
// into a ring. A buffer that does not fit is dropped whole.
type Input struct {
	config  InputConfig
	device  *portaudio.DeviceInfo
	latency time.Duration
	ring    *ring.Ring
	dropped atomic.Uint64

	mu     sync.Mutex
	stream *portaudio.Stream
}

// OpenInput opens, but does not start, a capture stream. PortAudio must be
// initialized.
func OpenInput(cfg InputConfig) (*Input, error) {
	device, err := InputDevice(cfg.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceFailure, err)
	}
	cfg.Channels = min(cfg.Channels, device.MaxInputChannels)
	if cfg.Channels < 1 {
		return nil, fmt.Errorf("%w: %s has no input channels", ErrDeviceFailure, device.Name)
	}
	ms := cfg.BufferMs
	if ms <= 0 {
		ms = 1000
	}
	r, err := ring.New(int(cfg.SampleRate)*ms/1000*cfg.Channels, cfg.Channels)
	if err != nil {
		return nil, err
	}

	in := &Input{config: cfg, device: device, ring: r}
	if cfg.LowLatency {
		in.latency = device.DefaultLowInputLatency
	} else {
		in.latency = device.DefaultHighInputLatency
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Channels: cfg.Channels,
			Device:   device,
			Latency:  in.latency,
		},
		Output: portaudio.StreamDeviceParameters{
			Channels: 0, // No output device
			Device:   nil,
		},
		FramesPerBuffer: cfg.FramesPerBuffer,
		SampleRate:      cfg.SampleRate,
	}
	stream, err := portaudio.OpenStream(params, in.processInputStream)
	if err != nil {
		return nil, fmt.Errorf("%w: open input stream: %w", ErrDeviceFailure, err)
	}
	in.stream = stream
	return in, nil
}

// OpenCapture opens and starts a capture stream and returns it as a
// Source. Closing the Source stops and closes the stream.
func OpenCapture(cfg InputConfig) (*source.Capture, error) {
	in, err := OpenInput(cfg)
	if err != nil {
		return nil, err
	}
	if err := in.Start(); err != nil {
		in.Close()
		return nil, err
	}
	format := source.Format{SampleRate: int(cfg.SampleRate), Channels: in.config.Channels}
	return source.NewCapture(in.ring, format, in), nil
}

// Device returns the PortAudio device in use.
func (in *Input) Device() *portaudio.DeviceInfo { return in.device }

// Channels is the captured channel count after capping to the device.
func (in *Input) Channels() int { return in.config.Channels }

// Ring is where captured frames are pushed.
func (in *Input) Ring() *ring.Ring { return in.ring }

// Dropped counts hardware buffers lost because the ring was full.
func (in *Input) Dropped() uint64 { return in.dropped.Load() }

func (in *Input) Start() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.stream == nil {
		return fmt.Errorf("%w: stream closed", ErrDeviceFailure)
	}
	if err := in.stream.Start(); err != nil {
		return fmt.Errorf("%w: start input: %w", ErrDeviceFailure, err)
	}
	return nil
}

// Close stops and closes the stream. It is safe to call twice.
func (in *Input) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.stream == nil {
		return nil
	}
	stopErr := in.stream.Stop()
	err := in.stream.Close()
	in.stream = nil
	if stopErr != nil {
		return fmt.Errorf("%w: stop input: %w", ErrDeviceFailure, stopErr)
	}
	return err
}

// processInputStream is the capture callback.
// Performance Critical:
// - Runs in a dedicated OS thread (LockOSThread)
// - Pushes straight into the ring, no allocations
func (in *Input) processInputStream(buf []float32) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	in.push(buf)
}

func (in *Input) push(buf []float32) {
	if err := in.ring.Push(buf); err != nil {
		in.dropped.Add(1)
	}
}
