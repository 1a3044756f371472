// SPDX-License-Identifier: MIT
/*
Package audio is the hardware boundary: a PortAudio output stream driven by
a Renderer that pulls from the sample ring, and an optional capture stream
that pushes into a ring of its own.

Thread Safety:
  - The stream callback runs on a locked OS thread and only touches
    pre-allocated buffers and atomics.
  - Fader and Renderer state shared with control goroutines is atomic.
  - The Recorder writes WAV data from its own goroutine, fed by a ring.
*/
package audio

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
)

// Callback fills one hardware buffer of interleaved float32 samples.
type Callback func(out []float32)

// Device is a started/stopped output stream. Output implements it; tests
// substitute their own.
type Device interface {
	Start() error
	Stop() error
	Close() error
}

// OutputConfig selects and shapes the output stream.
type OutputConfig struct {
	DeviceID        int
	SampleRate      float64
	Channels        int
	FramesPerBuffer int
	LowLatency      bool
}

// Output is a PortAudio output stream.
type Output struct {
	config   OutputConfig
	device   *portaudio.DeviceInfo
	latency  time.Duration
	callback Callback

	mu      sync.Mutex
	stream  *portaudio.Stream
	running bool
}

// OpenOutput opens, but does not start, an output stream that calls cb.
// PortAudio must be initialized.
func OpenOutput(cfg OutputConfig, cb Callback) (*Output, error) {
	device, err := OutputDevice(cfg.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceFailure, err)
	}
	if cfg.Channels > device.MaxOutputChannels {
		return nil, fmt.Errorf("%w: %s supports %d output channels, want %d",
			ErrDeviceFailure, device.Name, device.MaxOutputChannels, cfg.Channels)
	}

	o := &Output{config: cfg, device: device, callback: cb}
	if cfg.LowLatency {
		o.latency = device.DefaultLowOutputLatency
	} else {
		o.latency = device.DefaultHighOutputLatency
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Channels: 0, // No input device
			Device:   nil,
		},
		Output: portaudio.StreamDeviceParameters{
			Channels: cfg.Channels,
			Device:   device,
			Latency:  o.latency,
		},
		FramesPerBuffer: cfg.FramesPerBuffer,
		SampleRate:      cfg.SampleRate,
	}

	stream, err := portaudio.OpenStream(params, o.processOutputStream)
	if err != nil {
		return nil, fmt.Errorf("%w: open stream: %w", ErrDeviceFailure, err)
	}
	o.stream = stream
	return o, nil
}

// Device returns the PortAudio device in use.
func (o *Output) Device() *portaudio.DeviceInfo { return o.device }

// Latency returns the requested output latency.
func (o *Output) Latency() time.Duration { return o.latency }

func (o *Output) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stream == nil {
		return fmt.Errorf("%w: stream closed", ErrDeviceFailure)
	}
	if o.running {
		return nil
	}
	if err := o.stream.Start(); err != nil {
		return fmt.Errorf("%w: start: %w", ErrDeviceFailure, err)
	}
	o.running = true
	return nil
}

func (o *Output) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stream == nil || !o.running {
		return nil
	}
	o.running = false
	if err := o.stream.Stop(); err != nil {
		return fmt.Errorf("%w: stop: %w", ErrDeviceFailure, err)
	}
	return nil
}

func (o *Output) Close() error {
	if err := o.Stop(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stream == nil {
		return nil
	}
	err := o.stream.Close()
	o.stream = nil
	return err
}

// processOutputStream is the hardware callback.
// Performance Critical:
// - Runs in a dedicated OS thread (LockOSThread)
// - Uses pre-allocated buffers only
// - No dynamic allocations in the hot path
func (o *Output) processOutputStream(out []float32) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	o.callback(out)
}
