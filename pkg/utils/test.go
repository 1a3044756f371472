// SPDX-License-Identifier: MIT
//
// Package utils holds signal generators and inspection helpers shared by
// tests across the module.
package utils

import (
	"math"
	"sync"
)

// MockTransport records everything sent to it. It satisfies
// transport.Transport.
type MockTransport struct {
	mu     sync.Mutex
	sent   []any
	closed bool
}

// Send stores the value for later inspection.
func (m *MockTransport) Send(data any) error {
	m.mu.Lock()
	m.sent = append(m.sent, data)
	m.mu.Unlock()
	return nil
}

// Close marks the transport closed.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Sent returns a copy of everything sent so far.
func (m *MockTransport) Sent() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]any, len(m.sent))
	copy(out, m.sent)
	return out
}

// Closed reports whether Close was called.
func (m *MockTransport) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// GenerateComplexWave returns a 440 Hz tone with two harmonics, peak 0.9.
func GenerateComplexWave(size int, sampleRate float64) []float32 {
	buffer := make([]float32, size)
	for i := range buffer {
		tm := float64(i) / sampleRate
		signal := math.Sin(2*math.Pi*440*tm)*0.5 +
			math.Sin(2*math.Pi*880*tm)*0.3 +
			math.Sin(2*math.Pi*1320*tm)*0.2
		buffer[i] = float32(signal * 0.9)
	}
	return buffer
}

// GenerateSineWave returns size samples of a sine at frequency, peak 0.9.
func GenerateSineWave(size int, sampleRate, frequency float64) []float32 {
	buffer := make([]float32, size)
	for i := range buffer {
		t := float64(i) / sampleRate
		buffer[i] = float32(math.Sin(2*math.Pi*frequency*t) * 0.9)
	}
	return buffer
}

// Interleave zips per-channel buffers of equal length into one frame-major
// buffer.
func Interleave(channels ...[]float32) []float32 {
	if len(channels) == 0 {
		return nil
	}
	n := len(channels[0])
	out := make([]float32, n*len(channels))
	for c, ch := range channels {
		for i := 0; i < n && i < len(ch); i++ {
			out[i*len(channels)+c] = ch[i]
		}
	}
	return out
}

// RMS returns the root mean square of buf.
func RMS(buf []float32) float64 {
	if len(buf) == 0 {
		return 0
	}
	var sum float64
	for _, v := range buf {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(len(buf)))
}

// MaxAbsDiff returns the largest absolute sample difference between a and b
// over their common length.
func MaxAbsDiff(a, b []float32) float64 {
	n := min(len(a), len(b))
	var worst float64
	for i := range n {
		d := math.Abs(float64(a[i]) - float64(b[i]))
		if d > worst {
			worst = d
		}
	}
	return worst
}

// ZeroCrossingHz estimates the frequency of a mono tone from its rising zero
// crossings, interpolating between samples.
func ZeroCrossingHz(buf []float32, sampleRate float64) float64 {
	first, last := -1.0, -1.0
	crossings := 0
	for i := 1; i < len(buf); i++ {
		a, b := float64(buf[i-1]), float64(buf[i])
		if a < 0 && b >= 0 {
			pos := float64(i-1) + a/(a-b)
			if first < 0 {
				first = pos
			} else {
				crossings++
			}
			last = pos
		}
	}
	if crossings == 0 {
		return 0
	}
	return float64(crossings) * sampleRate / (last - first)
}

// FindPeakBin returns the index of the largest magnitude in [startBin, endBin].
func FindPeakBin(magnitudes []float64, startBin, endBin int) int {
	if len(magnitudes) == 0 {
		return 0
	}

	if startBin < 0 {
		startBin = 0
	}

	if endBin >= len(magnitudes) {
		endBin = len(magnitudes) - 1
	}

	peakBin := startBin
	peakValue := magnitudes[startBin]

	for bin := startBin + 1; bin <= endBin; bin++ {
		if magnitudes[bin] > peakValue {
			peakValue = magnitudes[bin]
			peakBin = bin
		}
	}

	return peakBin
}
