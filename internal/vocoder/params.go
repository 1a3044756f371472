// SPDX-License-Identifier: MIT
package vocoder

import (
	"fmt"
	"strings"

	"livepv/internal/analysis"
	"livepv/pkg/bitint"
)

// SwapPolicy decides what happens to the phase accumulators when the active
// transform module changes.
type SwapPolicy int

const (
	// CarryPhase keeps accumulating across a swap. No click, but a new module
	// inherits whatever phase the old one left behind.
	CarryPhase SwapPolicy = iota
	// ResetPhase reseeds the accumulators from the analysis phase on the
	// first hop of every new generation.
	ResetPhase
)

func (p SwapPolicy) String() string {
	switch p {
	case CarryPhase:
		return "carry"
	case ResetPhase:
		return "reset"
	default:
		return fmt.Sprintf("swap(%d)", int(p))
	}
}

func ParseSwapPolicy(name string) (SwapPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "carry", "":
		return CarryPhase, nil
	case "reset":
		return ResetPhase, nil
	default:
		return CarryPhase, fmt.Errorf("unknown swap policy: '%s'", name)
	}
}

// Params are the live transform factors. A value is immutable once handed
// to the engine.
type Params struct {
	Stretch float64 `json:"stretch"`
	Pitch   float64 `json:"pitch"`
}

// Config fixes the engine geometry. Only Stretch and Pitch may change later.
type Config struct {
	FFTSize    int
	Overlap    int
	Channels   int
	SampleRate float64
	Window     analysis.WindowFunc

	Stretch float64
	Pitch   float64

	MinStretch, MaxStretch float64
	MinPitch, MaxPitch     float64

	SwapPolicy SwapPolicy
}

func DefaultConfig() Config {
	return Config{
		FFTSize:    2048,
		Overlap:    4,
		Channels:   2,
		SampleRate: 44100,
		Window:     analysis.Hann,
		Stretch:    1,
		Pitch:      1,
		MinStretch: 0.25,
		MaxStretch: 4,
		MinPitch:   0.25,
		MaxPitch:   4,
		SwapPolicy: CarryPhase,
	}
}

// Validate checks the geometry and the initial factors.
func (c Config) Validate() error {
	if c.FFTSize < 16 || !bitint.IsPowerOfTwo(c.FFTSize) {
		return fmt.Errorf("vocoder: fft size %d must be a power of two >= 16", c.FFTSize)
	}
	if c.Overlap < 2 || c.FFTSize%c.Overlap != 0 {
		return fmt.Errorf("vocoder: overlap %d must be >= 2 and divide the fft size %d", c.Overlap, c.FFTSize)
	}
	if c.Channels < 1 {
		return fmt.Errorf("vocoder: channels must be positive, got %d", c.Channels)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("vocoder: sample rate must be positive, got %g", c.SampleRate)
	}
	if !(c.MinStretch > 0 && c.MinStretch <= c.MaxStretch) {
		return fmt.Errorf("vocoder: invalid stretch range [%g, %g]", c.MinStretch, c.MaxStretch)
	}
	if !(c.MinPitch > 0 && c.MinPitch <= c.MaxPitch) {
		return fmt.Errorf("vocoder: invalid pitch range [%g, %g]", c.MinPitch, c.MaxPitch)
	}
	if strings.HasPrefix(c.Window.String(), "window(") {
		return fmt.Errorf("vocoder: unknown window %s", c.Window)
	}
	return c.checkParams(Params{Stretch: c.Stretch, Pitch: c.Pitch})
}

func (c Config) checkParams(p Params) error {
	if !(p.Stretch >= c.MinStretch && p.Stretch <= c.MaxStretch) {
		return fmt.Errorf("vocoder: stretch %g outside [%g, %g]", p.Stretch, c.MinStretch, c.MaxStretch)
	}
	if !(p.Pitch >= c.MinPitch && p.Pitch <= c.MaxPitch) {
		return fmt.Errorf("vocoder: pitch %g outside [%g, %g]", p.Pitch, c.MinPitch, c.MaxPitch)
	}
	return nil
}

// Hop returns the synthesis hop size.
func (c Config) Hop() int { return c.FFTSize / c.Overlap }
