// SPDX-License-Identifier: MIT
package analysis

import (
	"fmt"
	"math"
	"math/cmplx"
	"sync"

	"livepv/pkg/bitint"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Band is a named frequency range reported with its RMS level.
type Band struct {
	Name   string  `json:"name"`
	LowHz  float64 `json:"low_hz"`
	HighHz float64 `json:"high_hz"`
	Level  float64 `json:"level"`
}

// DefaultBands splits the audible range the way mixing desks usually do.
func DefaultBands(sampleRate float64) []Band {
	return []Band{
		{Name: "sub", LowHz: 20, HighHz: 60},
		{Name: "bass", LowHz: 60, HighHz: 250},
		{Name: "low_mid", LowHz: 250, HighHz: 500},
		{Name: "mid", LowHz: 500, HighHz: 2000},
		{Name: "high_mid", LowHz: 2000, HighHz: 4000},
		{Name: "treble", LowHz: 4000, HighHz: sampleRate / 2},
	}
}

// Pre-allocated buffers for FFT calculations.
type workspace struct {
	input     []float64
	fftOutput []complex128
	magnitude []float64
	window    []float64
	mu        sync.RWMutex // protects magnitude
}

// Analyzer measures the spectrum of the processed output for status
// reporting. It is driven from the producer goroutine, never from the
// audio callback, and is safe for concurrent readers.
type Analyzer struct {
	fft        *fourier.FFT
	fftSize    int
	sampleRate float64
	windowSum  float64
	ws         workspace
}

// NewAnalyzer returns an analyzer for frames of fftSize samples.
func NewAnalyzer(fftSize int, sampleRate float64, w WindowFunc) (*Analyzer, error) {
	if !bitint.IsPowerOfTwo(fftSize) {
		return nil, fmt.Errorf("analysis: fft size must be a power of 2, got %d", fftSize)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("analysis: sample rate must be positive, got %f", sampleRate)
	}

	win := Coefficients(w, fftSize, true)
	var sum float64
	for _, c := range win {
		sum += c
	}
	bins := fftSize/2 + 1
	return &Analyzer{
		fft:        fourier.NewFFT(fftSize),
		fftSize:    fftSize,
		sampleRate: sampleRate,
		windowSum:  sum,
		ws: workspace{
			input:     make([]float64, fftSize),
			fftOutput: make([]complex128, bins),
			magnitude: make([]float64, bins),
			window:    win,
		},
	}, nil
}

// Process windows the first fftSize samples (zero padded), transforms them
// and stores amplitude-normalised magnitudes: a full-scale sine centred on
// a bin reads 1.0.
func (a *Analyzer) Process(samples []float32) {
	a.ws.mu.Lock()
	defer a.ws.mu.Unlock()

	for i := range a.fftSize {
		if i < len(samples) {
			a.ws.input[i] = float64(samples[i]) * a.ws.window[i]
		} else {
			a.ws.input[i] = 0
		}
	}
	a.fft.Coefficients(a.ws.fftOutput, a.ws.input)

	scale := 2 / a.windowSum
	for i, c := range a.ws.fftOutput {
		a.ws.magnitude[i] = cmplx.Abs(c) * scale
	}
}

// Magnitudes returns a copy of the latest spectrum.
func (a *Analyzer) Magnitudes() []float64 {
	a.ws.mu.RLock()
	defer a.ws.mu.RUnlock()
	out := make([]float64, len(a.ws.magnitude))
	copy(out, a.ws.magnitude)
	return out
}

// MagnitudesInto copies the latest spectrum into dst without allocating.
// dst must hold fftSize/2+1 values.
func (a *Analyzer) MagnitudesInto(dst []float64) error {
	a.ws.mu.RLock()
	defer a.ws.mu.RUnlock()
	if len(dst) != len(a.ws.magnitude) {
		return fmt.Errorf("analysis: destination length %d does not match %d bins", len(dst), len(a.ws.magnitude))
	}
	copy(dst, a.ws.magnitude)
	return nil
}

// FrequencyForBin returns the centre frequency of a bin in Hz.
func (a *Analyzer) FrequencyForBin(bin int) float64 {
	if bin < 0 || bin >= len(a.ws.fftOutput) {
		return 0
	}
	return float64(bin) * a.sampleRate / float64(a.fftSize)
}

func (a *Analyzer) FFTSize() int        { return a.fftSize }
func (a *Analyzer) SampleRate() float64 { return a.sampleRate }

// PeakFrequency returns the frequency of the strongest component between
// lowHz and highHz, refined by fitting a parabola through the log
// magnitudes around the peak bin. It returns 0 when the range is silent.
func (a *Analyzer) PeakFrequency(lowHz, highHz float64) float64 {
	a.ws.mu.RLock()
	defer a.ws.mu.RUnlock()

	binHz := a.sampleRate / float64(a.fftSize)
	lo := max(1, int(math.Floor(lowHz/binHz)))
	hi := min(len(a.ws.magnitude)-2, int(math.Ceil(highHz/binHz)))
	if lo > hi {
		return 0
	}

	peak := lo
	for k := lo + 1; k <= hi; k++ {
		if a.ws.magnitude[k] > a.ws.magnitude[peak] {
			peak = k
		}
	}
	if a.ws.magnitude[peak] <= 1e-9 {
		return 0
	}

	alpha := math.Log(a.ws.magnitude[peak-1] + 1e-12)
	beta := math.Log(a.ws.magnitude[peak] + 1e-12)
	gamma := math.Log(a.ws.magnitude[peak+1] + 1e-12)
	offset := 0.0
	if den := alpha - 2*beta + gamma; den != 0 {
		offset = 0.5 * (alpha - gamma) / den
	}
	return (float64(peak) + offset) * binHz
}

// Bands fills the Level of each band with the RMS of the magnitudes that
// fall inside it and returns the same slice.
func (a *Analyzer) Bands(bands []Band) []Band {
	a.ws.mu.RLock()
	defer a.ws.mu.RUnlock()

	binHz := a.sampleRate / float64(a.fftSize)
	for i := range bands {
		var energy float64
		var n int
		for k, m := range a.ws.magnitude {
			f := float64(k) * binHz
			if f >= bands[i].LowHz && f < bands[i].HighHz {
				energy += m * m
				n++
			}
		}
		bands[i].Level = 0
		if n > 0 {
			bands[i].Level = math.Sqrt(energy / float64(n))
		}
	}
	return bands
}
