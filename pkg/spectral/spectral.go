// SPDX-License-Identifier: MIT
//
// Package spectral defines the fixed-shape data contract between the phase
// vocoder and live transform modules. A transform is compiled as a Go plugin
// (package main) that exports a symbol named Transform, either as a function
//
//	func Transform(bins []spectral.Bin, p spectral.Params) []spectral.Bin
//
// or as a variable of type spectral.TransformFunc.
//
// The host owns the bin slice. A transform may modify it in place and return
// it, or return another slice of the same length. It must not keep a
// reference to the slice after returning and must finish within one hop.
package spectral

// Symbol is the name the loader looks up in a transform plugin.
const Symbol = "Transform"

// Bin is one frequency bin of a synthesis frame. Phase is in radians.
type Bin struct {
	Mag   float64
	Phase float64
}

// Params is passed to every transform call. It is plain data and is copied
// per call.
type Params struct {
	Stretch    float64 // time-stretch factor, > 0
	Pitch      float64 // pitch-shift factor, > 0
	ElapsedMs  int64   // output time since the engine started
	SampleRate float64
	FFTSize    int
	Hop        int // synthesis hop in samples
	Channel    int
}

// BinHz returns the centre frequency of bin k.
func (p Params) BinHz(k int) float64 {
	if p.FFTSize == 0 {
		return 0
	}
	return float64(k) * p.SampleRate / float64(p.FFTSize)
}

// TransformFunc is the transform entry point.
type TransformFunc func(bins []Bin, p Params) []Bin

// Identity returns bins unchanged.
func Identity(bins []Bin, _ Params) []Bin {
	return bins
}
