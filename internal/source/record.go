// SPDX-License-Identifier: MIT
package source

import (
	"context"
	"errors"
	"io"
	"math"
	"slices"
	"time"
)

// Autocrop defaults: the level is measured over 100 ms windows and the
// noise floor is the 30th percentile of those levels.
const (
	DefaultCropWindow     = 100 * time.Millisecond
	DefaultCropPercentile = 30
)

// Record reads src until it has limit worth of frames, hits EOF or ctx
// ends. limit <= 0 reads until EOF or ctx.
func Record(ctx context.Context, src Source, limit time.Duration) ([]float32, error) {
	f := src.Format()
	want := -1
	if limit > 0 {
		want = int(limit.Seconds()*float64(f.SampleRate)) * f.Channels
	}

	buf := make([]float32, 1024*f.Channels)
	var out []float32
	for ctx.Err() == nil && (want < 0 || len(out) < want) {
		chunk := buf
		if want >= 0 {
			chunk = buf[:wholeFrames(min(len(buf), want-len(out)), f.Channels)]
		}
		n, err := src.Read(chunk)
		out = append(out, chunk[:n]...)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out, err
		}
	}

	return out, nil
}

// Autocrop finds where the recorded subject starts and stops. buf is cut
// into windows and each window gets the peak level of its loudest channel.
// Windows at or below the given percentile of those levels count as noise.
// It returns the sample range from the first to the end of the last
// window above the noise floor, or the whole buffer when nothing is.
func Autocrop(buf []float32, f Format, window time.Duration, percentile int) (start, end int) {
	frames := len(buf) / f.Channels
	win := max(1, int(math.Round(window.Seconds()*float64(f.SampleRate))))
	if frames == 0 {
		return 0, len(buf)
	}

	levels := windowLevels(buf, f.Channels, win)
	first, last, ok := cropPoints(levels, percentile)
	if !ok {
		return 0, len(buf)
	}
	start = first * win * f.Channels
	end = min((last+1)*win, frames) * f.Channels
	return start, end
}

// windowLevels returns the peak level in dBFS of each window, taking the
// loudest channel. A silent window is -Inf.
func windowLevels(buf []float32, channels, win int) []float64 {
	frames := len(buf) / channels
	levels := make([]float64, 0, (frames+win-1)/win)
	for w := 0; w < frames; w += win {
		var peak float64
		for _, v := range buf[w*channels : min(w+win, frames)*channels] {
			peak = max(peak, math.Abs(float64(v)))
		}
		levels = append(levels, 20*math.Log10(peak))
	}
	return levels
}

// noiseFloor is the level at the given percentile.
func noiseFloor(levels []float64, percentile int) float64 {
	sorted := slices.Clone(levels)
	slices.Sort(sorted)
	i := int(math.Floor(float64(percentile) / 100 * float64(len(sorted))))
	return sorted[min(max(i, 0), len(sorted)-1)]
}

// cropPoints returns the first and last window above the noise floor.
func cropPoints(levels []float64, percentile int) (first, last int, ok bool) {
	if len(levels) == 0 {
		return 0, 0, false
	}
	floor := noiseFloor(levels, percentile)
	first = slices.IndexFunc(levels, func(l float64) bool { return l > floor })
	if first < 0 {
		return 0, 0, false
	}
	last = len(levels) - 1
	for levels[last] <= floor {
		last--
	}
	return first, last, true
}
