// SPDX-License-Identifier: MIT
package audio

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"livepv/internal/ring"
)

// ErrDeviceFailure means the output stream failed or stopped calling back.
var ErrDeviceFailure = errors.New("audio: device failure")

// Renderer fills hardware buffers from the ring. Render is the only method
// the audio thread calls; it never allocates, locks or logs.
type Renderer struct {
	ring  *ring.Ring
	fill  ring.FillPolicy
	fader *Fader
	tee   *ring.Ring // Recorder input, may be nil.
	last  []float32  // Last frame played, for FillLastSample.

	armed     atomic.Bool
	lastCall  atomic.Int64 // UnixNano of the latest callback.
	callbacks atomic.Uint64
	clipped   atomic.Uint64
}

// NewRenderer reads from r, pads short pops per fill and applies fader,
// which may be nil.
func NewRenderer(r *ring.Ring, fill ring.FillPolicy, fader *Fader) *Renderer {
	return &Renderer{
		ring:  r,
		fill:  fill,
		fader: fader,
		last:  make([]float32, r.Channels()),
	}
}

// Tee copies every rendered buffer into rec. Call before the stream starts.
func (r *Renderer) Tee(rec *ring.Ring) { r.tee = rec }

// Render produces exactly len(out) samples.
func (r *Renderer) Render(out []float32) {
	r.lastCall.Store(time.Now().UnixNano())
	r.callbacks.Add(1)

	n := r.ring.Pop(out)
	ring.Pad(out, n, r.fill, r.last)
	if r.fader != nil {
		r.fader.Apply(out)
	}

	var clipped uint64
	for i, s := range out {
		if s > 1 {
			out[i] = 1
			clipped++
		} else if s < -1 {
			out[i] = -1
			clipped++
		}
	}
	if clipped > 0 {
		r.clipped.Add(clipped)
	}

	if r.tee != nil {
		// A full recorder ring drops the buffer; the ring counts it.
		_ = r.tee.Push(out)
	}
}

// Arm starts the watchdog clock. Call right before starting the stream.
func (r *Renderer) Arm() {
	r.lastCall.Store(time.Now().UnixNano())
	r.armed.Store(true)
}

// Disarm pauses the watchdog, for a deliberately stopped stream.
func (r *Renderer) Disarm() { r.armed.Store(false) }

// Callbacks returns how many buffers have been rendered.
func (r *Renderer) Callbacks() uint64 { return r.callbacks.Load() }

// Clipped returns how many samples were clamped to [-1, 1].
func (r *Renderer) Clipped() uint64 { return r.clipped.Load() }

// LastCallback returns the time of the most recent Render or Arm.
func (r *Renderer) LastCallback() time.Time {
	return time.Unix(0, r.lastCall.Load())
}

// Watch returns ErrDeviceFailure once the renderer is armed and no callback
// has arrived for longer than tolerance. It returns nil when ctx ends.
func (r *Renderer) Watch(ctx context.Context, tolerance time.Duration) error {
	if tolerance <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(max(tolerance/4, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if !r.armed.Load() {
				continue
			}
			if idle := now.Sub(r.LastCallback()); idle > tolerance {
				return fmt.Errorf("%w: no callback for %s", ErrDeviceFailure, idle.Round(time.Millisecond))
			}
		}
	}
}
