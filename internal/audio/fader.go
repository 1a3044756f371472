// SPDX-License-Identifier: MIT
package audio

import (
	"math"
	"sync/atomic"
	"time"
)

// Fader is a per-frame linear gain ramp. FadeTo may be called from any
// goroutine; Apply runs on the audio thread. All state is atomic.
type Fader struct {
	channels   int
	sampleRate float64

	gain   atomicFloat32 // Written by Apply, or by Set.
	target atomicFloat32
	step   atomicFloat32 // Gain change per frame.
}

// NewFader returns a fader resting at gain.
func NewFader(channels int, sampleRate float64, gain float32) *Fader {
	f := &Fader{channels: max(channels, 1), sampleRate: sampleRate}
	f.Set(gain)
	return f
}

// Set jumps to gain without a ramp.
func (f *Fader) Set(gain float32) {
	gain = clampGain(gain)
	f.target.Store(gain)
	f.step.Store(1)
	f.gain.Store(gain)
}

// FadeTo ramps linearly from the current gain to target over d. A
// non-positive duration takes effect on the next frame.
func (f *Fader) FadeTo(target float32, d time.Duration) {
	target = clampGain(target)
	frames := d.Seconds() * f.sampleRate
	step := float32(1)
	if frames >= 1 {
		dist := math.Abs(float64(target - f.gain.Load()))
		step = float32(dist / frames)
		if step <= 0 {
			step = 1
		}
	}
	f.step.Store(step)
	f.target.Store(target)
}

// Gain returns the gain most recently applied.
func (f *Fader) Gain() float32 { return f.gain.Load() }

// Target returns the gain being ramped towards.
func (f *Fader) Target() float32 { return f.target.Load() }

// Settled reports whether the ramp has reached its target.
func (f *Fader) Settled() bool { return f.gain.Load() == f.target.Load() }

// Apply scales interleaved samples in place. Allocation free.
func (f *Fader) Apply(buf []float32) {
	g := f.gain.Load()
	t := f.target.Load()
	if g == t {
		switch g {
		case 1:
		case 0:
			clear(buf)
		default:
			for i := range buf {
				buf[i] *= g
			}
		}
		return
	}

	s := f.step.Load()
	ch := f.channels
	for i := 0; i+ch <= len(buf); i += ch {
		if g < t {
			g = min(g+s, t)
		} else if g > t {
			g = max(g-s, t)
		}
		for c := range ch {
			buf[i+c] *= g
		}
	}
	f.gain.Store(g)
}

func clampGain(g float32) float32 {
	if g != g || g < 0 {
		return 0
	}
	return min(g, 1)
}

type atomicFloat32 struct{ bits atomic.Uint32 }

func (a *atomicFloat32) Load() float32   { return math.Float32frombits(a.bits.Load()) }
func (a *atomicFloat32) Store(v float32) { a.bits.Store(math.Float32bits(v)) }
