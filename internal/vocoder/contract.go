// SPDX-License-Identifier: MIT
package vocoder

import (
	"errors"
	"math"

	"livepv/internal/live"
	"livepv/pkg/spectral"
)

// ErrContractViolation is reported for a transform that returns the wrong
// number of bins, non-finite values, or panics.
var ErrContractViolation = errors.New("vocoder: transform broke the bin contract")

// ValidateBins checks a transform result against the expected bin count.
func ValidateBins(bins []spectral.Bin, n int) error {
	if len(bins) != n {
		return ErrContractViolation
	}
	for _, b := range bins {
		if math.IsNaN(b.Mag) || math.IsInf(b.Mag, 0) || math.IsNaN(b.Phase) || math.IsInf(b.Phase, 0) {
			return ErrContractViolation
		}
	}
	return nil
}

// callModule runs one transform, turning a panic into a violation.
func callModule(m *live.Module, bins []spectral.Bin, p spectral.Params) (out []spectral.Bin, ok bool) {
	defer func() {
		if recover() != nil {
			out, ok = nil, false
		}
	}()
	out = m.Apply(bins, p)
	return out, ValidateBins(out, len(bins)) == nil
}

// Probe runs m once on a synthetic spectrum of an fftSize frame and reports
// whether it keeps the contract. Used to vet a module before it goes live.
func Probe(m *live.Module, fftSize int, sampleRate float64) error {
	n := fftSize/2 + 1
	bins := make([]spectral.Bin, n)
	for k := range bins {
		bins[k] = spectral.Bin{Mag: 1 / float64(k+1), Phase: float64(k) * 0.1}
	}
	p := spectral.Params{
		Stretch:    1,
		Pitch:      1,
		SampleRate: sampleRate,
		FFTSize:    fftSize,
		Hop:        fftSize / 4,
	}
	if _, ok := callModule(m, bins, p); !ok {
		return ErrContractViolation
	}
	return nil
}
