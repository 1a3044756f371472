// SPDX-License-Identifier: MIT
package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"livepv/internal/ring"
)

// ErrRecorderClosed is returned when writing to a closed recorder.
var ErrRecorderClosed = errors.New("audio: recorder closed")

// Recorder writes played audio to a PCM WAV file. The audio thread only
// pushes into Ring; encoding happens in Run.
type Recorder struct {
	path     string
	channels int
	bitDepth int
	scale    float64
	interval time.Duration

	ring *ring.Ring

	mu        sync.Mutex
	file      *os.File
	encoder   *wav.Encoder
	sampleBuf *audio.IntBuffer // Reusable buffer for format conversion
	chunk     []float32
	closed    bool

	frames atomic.Uint64
}

// NewRecorder creates path and a ring holding capacity frames.
func NewRecorder(path string, sampleRate, channels, bitDepth, capacity int) (*Recorder, error) {
	switch bitDepth {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("audio: unsupported recording bit depth %d", bitDepth)
	}
	rb, err := ring.New(capacity*channels, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: recorder ring: %w", err)
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	chunk := min(rb.Capacity(), 4096*channels)
	return &Recorder{
		path:     path,
		channels: channels,
		bitDepth: bitDepth,
		scale:    float64(int64(1)<<(bitDepth-1) - 1),
		interval: 20 * time.Millisecond,
		ring:     rb,
		file:     file,
		encoder:  wav.NewEncoder(file, sampleRate, bitDepth, channels, 1),
		sampleBuf: &audio.IntBuffer{
			Format: &audio.Format{
				NumChannels: channels,
				SampleRate:  sampleRate,
			},
			Data:           make([]int, chunk),
			SourceBitDepth: bitDepth,
		},
		chunk: make([]float32, chunk),
	}, nil
}

// Ring is where the renderer tees its output.
func (r *Recorder) Ring() *ring.Ring { return r.ring }

// Path returns the WAV file path.
func (r *Recorder) Path() string { return r.path }

// Frames returns how many frames have been encoded.
func (r *Recorder) Frames() uint64 { return r.frames.Load() }

// Dropped returns how many tee pushes did not fit in the ring.
func (r *Recorder) Dropped() uint64 { return r.ring.Stats().Overruns }

// Run drains the ring into the encoder until ctx ends, then flushes what is
// left. It does not close the file.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return r.Flush()
		case <-ticker.C:
			if err := r.Flush(); err != nil {
				return err
			}
		}
	}
}

// Flush encodes everything currently buffered in the ring.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRecorderClosed
	}
	for r.ring.Available() > 0 {
		n := r.ring.Pop(r.chunk)
		if n == 0 {
			break
		}
		if err := r.write(r.chunk[:n]); err != nil {
			return err
		}
	}
	return nil
}

func (r *Recorder) write(samples []float32) error {
	data := r.sampleBuf.Data[:len(samples)]
	for i, s := range samples {
		v := float64(max(-1, min(1, s)))
		data[i] = int(v * r.scale)
	}
	r.sampleBuf.Data = data
	if err := r.encoder.Write(r.sampleBuf); err != nil {
		return fmt.Errorf("audio: write %s: %w", r.path, err)
	}
	r.sampleBuf.Data = r.sampleBuf.Data[:cap(r.sampleBuf.Data)]
	r.frames.Add(uint64(len(samples) / r.channels))
	return nil
}

// Close flushes the ring, finalizes the WAV header and closes the file.
func (r *Recorder) Close() error {
	flushErr := r.Flush()
	if errors.Is(flushErr, ErrRecorderClosed) {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true

	encErr := r.encoder.Close()
	fileErr := r.file.Close()
	return errors.Join(flushErr, encErr, fileErr)
}
