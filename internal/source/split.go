// SPDX-License-Identifier: MIT
package source

import (
	"math"
	"math/bits"
)

// SilenceFloor is the peak level at or below which a channel counts as
// unconnected.
const SilenceFloor = 1e-4

// SplitMono copies the only channel carrying signal into every other
// channel of the interleaved buffer. It returns the index of that channel,
// or -1 and leaves buf alone when zero or several channels carry signal.
// This fixes a mono microphone plugged into one side of a stereo device.
func SplitMono(buf []float32, channels int) int {
	if channels < 2 {
		return -1
	}
	live := liveChannels(buf, channels, 0)
	if c, ok := single(live); ok {
		fill(buf, channels, c)
		return c
	}
	return -1
}

// AutoSplit applies SplitMono to a stream. A channel that has carried
// signal once stays live, so the split stops for good as soon as a second
// channel shows up.
type AutoSplit struct {
	src  Source
	live uint64
}

// NewAutoSplit returns src unchanged for mono input.
func NewAutoSplit(src Source) Source {
	if src.Format().Channels < 2 {
		return src
	}
	return &AutoSplit{src: src}
}

func (a *AutoSplit) Format() Format { return a.src.Format() }

// Splitting reports whether the stream is being treated as mono.
func (a *AutoSplit) Splitting() bool {
	_, ok := single(a.live)
	return ok
}

func (a *AutoSplit) Read(dst []float32) (int, error) {
	n, err := a.src.Read(dst)
	channels := a.src.Format().Channels
	a.live = liveChannels(dst[:n], channels, a.live)
	if c, ok := single(a.live); ok {
		fill(dst[:n], channels, c)
	}
	return n, err
}

func (a *AutoSplit) Close() error { return a.src.Close() }

// liveChannels adds to mask every channel whose peak in buf is above
// SilenceFloor. Channels past 64 are never reported.
func liveChannels(buf []float32, channels int, mask uint64) uint64 {
	for i, v := range buf {
		c := i % channels
		if c < 64 && math.Abs(float64(v)) > SilenceFloor {
			mask |= 1 << c
		}
	}
	return mask
}

func single(mask uint64) (int, bool) {
	if bits.OnesCount64(mask) != 1 {
		return 0, false
	}
	return bits.TrailingZeros64(mask), true
}

func fill(buf []float32, channels, from int) {
	for f := 0; f+channels <= len(buf); f += channels {
		v := buf[f+from]
		for c := 0; c < channels; c++ {
			buf[f+c] = v
		}
	}
}
