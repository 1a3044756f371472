// SPDX-License-Identifier: MIT
package analysis

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/dsp/window"
)

// WindowFunc selects an analysis/synthesis window.
type WindowFunc int

const (
	BartlettHann WindowFunc = iota
	Blackman
	BlackmanNuttall
	Hann
	Hamming
	Lanczos
	Nuttall
)

func (w WindowFunc) String() string {
	switch w {
	case BartlettHann:
		return "bartletthann"
	case Blackman:
		return "blackman"
	case BlackmanNuttall:
		return "blackmannuttall"
	case Hann:
		return "hann"
	case Hamming:
		return "hamming"
	case Lanczos:
		return "lanczos"
	case Nuttall:
		return "nuttall"
	default:
		return fmt.Sprintf("window(%d)", int(w))
	}
}

// ParseWindowFunc converts a string name (case-insensitive) to a WindowFunc
// enum, returns a known default (Hann) and an error if the name is unknown.
func ParseWindowFunc(name string) (WindowFunc, error) {
	switch strings.ToLower(name) {
	case "bartletthann":
		return BartlettHann, nil
	case "blackman":
		return Blackman, nil
	case "blackmannuttall":
		return BlackmanNuttall, nil
	case "hann", "hanning", "":
		return Hann, nil
	case "hamming":
		return Hamming, nil
	case "lanczos":
		return Lanczos, nil
	case "nuttall":
		return Nuttall, nil
	default:
		return Hann, fmt.Errorf("unknown window function name: '%s'", name)
	}
}

// Coefficients returns n window coefficients. A periodic window is the
// first n points of the symmetric window of length n+1; that is the form
// that overlaps to a constant for hops of n/2, n/4, ...
func Coefficients(w WindowFunc, n int, periodic bool) []float64 {
	size := n
	if periodic {
		size = n + 1
	}
	coeffs := make([]float64, size)
	for i := range coeffs {
		coeffs[i] = 1
	}
	switch w {
	case BartlettHann:
		window.BartlettHann(coeffs)
	case Blackman:
		window.Blackman(coeffs)
	case BlackmanNuttall:
		window.BlackmanNuttall(coeffs)
	case Hamming:
		window.Hamming(coeffs)
	case Lanczos:
		window.Lanczos(coeffs)
	case Nuttall:
		window.Nuttall(coeffs)
	default:
		window.Hann(coeffs)
	}
	return coeffs[:n]
}

// OverlapSum returns, for each position within one hop, the sum of the
// window (or of its square when squared is set) over every frame that
// overlaps that position. A window/hop pair satisfies constant overlap-add
// when the result is flat.
func OverlapSum(win []float64, hop int, squared bool) []float64 {
	if hop <= 0 || hop > len(win) {
		return nil
	}
	sums := make([]float64, hop)
	for i, w := range win {
		if squared {
			w *= w
		}
		sums[i%hop] += w
	}
	return sums
}

// Ripple returns (max-min)/mean of sums, 0 for a perfectly flat overlap.
func Ripple(sums []float64) float64 {
	if len(sums) == 0 {
		return 0
	}
	lo, hi, total := sums[0], sums[0], 0.0
	for _, v := range sums {
		lo = min(lo, v)
		hi = max(hi, v)
		total += v
	}
	mean := total / float64(len(sums))
	if mean == 0 {
		return 0
	}
	return (hi - lo) / mean
}
