// SPDX-License-Identifier: MIT
package source

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// ErrDecode matches every error caused by malformed or unsupported input.
var ErrDecode = errors.New("source: decode failed")

// Format describes interleaved float32 audio.
type Format struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
}

func (f Format) String() string {
	return fmt.Sprintf("%d Hz, %d ch", f.SampleRate, f.Channels)
}

// Source yields interleaved float32 samples in [-1, 1]. Read fills whole
// frames only and returns io.EOF once the input is exhausted.
type Source interface {
	Read(dst []float32) (int, error)
	Format() Format
	Close() error
}

// Opener opens a fresh Source. Used for looping and by the pipeline.
type Opener func() (Source, error)

// Open picks a decoder from the file extension.
func Open(path string) (Source, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav", ".wave":
		return OpenWAV(path)
	case ".mp3":
		return OpenMP3(path)
	default:
		return nil, decodeError(path, fmt.Errorf("unsupported file type %q", filepath.Ext(path)))
	}
}

func decodeError(path string, err error) error {
	return fmt.Errorf("source: %s: %w: %w", path, ErrDecode, err)
}

// ReadAll drains src. Meant for tests and short clips.
func ReadAll(src Source) ([]float32, error) {
	var out []float32
	buf := make([]float32, 4096*max(1, src.Format().Channels))
	for {
		n, err := src.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
	}
}

// wholeFrames trims n samples down to a multiple of channels.
func wholeFrames(n, channels int) int {
	return n - n%channels
}
