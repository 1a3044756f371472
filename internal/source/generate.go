// SPDX-License-Identifier: MIT
package source

import (
	"io"
	"math"
)

// Sine is an endless tone on every channel.
type Sine struct {
	format    Format
	frequency float64
	amplitude float64
	phase     float64
}

func NewSine(format Format, frequency, amplitude float64) *Sine {
	return &Sine{format: format, frequency: frequency, amplitude: amplitude}
}

func (s *Sine) Format() Format { return s.format }

func (s *Sine) Read(dst []float32) (int, error) {
	ch := s.format.Channels
	n := wholeFrames(len(dst), ch)
	step := 2 * math.Pi * s.frequency / float64(s.format.SampleRate)
	for i := 0; i < n; i += ch {
		v := float32(s.amplitude * math.Sin(s.phase))
		for c := 0; c < ch; c++ {
			dst[i+c] = v
		}
		s.phase += step
		if s.phase >= 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
	}
	return n, nil
}

func (s *Sine) Close() error { return nil }

// Silence is an endless stream of zeros.
type Silence struct {
	format Format
}

func NewSilence(format Format) *Silence { return &Silence{format: format} }

func (s *Silence) Format() Format { return s.format }

func (s *Silence) Read(dst []float32) (int, error) {
	n := wholeFrames(len(dst), s.format.Channels)
	clear(dst[:n])
	return n, nil
}

func (s *Silence) Close() error { return nil }

// Memory plays a fixed interleaved buffer once.
type Memory struct {
	format  Format
	samples []float32
	pos     int
}

func NewMemory(format Format, samples []float32) *Memory {
	return &Memory{format: format, samples: samples[:wholeFrames(len(samples), format.Channels)]}
}

func (m *Memory) Format() Format { return m.format }

func (m *Memory) Read(dst []float32) (int, error) {
	if m.pos >= len(m.samples) {
		return 0, io.EOF
	}
	n := copy(dst[:wholeFrames(len(dst), m.format.Channels)], m.samples[m.pos:])
	m.pos += n
	return n, nil
}

func (m *Memory) Close() error { return nil }
