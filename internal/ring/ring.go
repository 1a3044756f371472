// SPDX-License-Identifier: MIT
/*
Package ring implements the sample transport between the processing side
and the hardware output callback.

The ring is single-producer/single-consumer. The producer only advances the
write index and the consumer only advances the read index, both stored
atomically, so neither side ever waits for the other:

	             read                    write
	              |                        |
	[ . . . . . . x x x x x x x x x x x x . . . . ]
	              <------ Available ------>

Indices are free-running uint64 counters. The storage length is a power of
two and positions are masked, so fill = write - read is always in
[0, Capacity].

Hot-path guarantees for Push and Pop:
  - No allocation, no locks, no syscalls.
  - Storage is allocated once in New and never resized.
*/
package ring

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"livepv/pkg/bitint"
)

// ErrOverrun is returned by Push when the samples do not fit. Nothing is
// written in that case.
var ErrOverrun = errors.New("ring: overrun")

// Ring is a lock-free SPSC buffer of interleaved float32 samples.
type Ring struct {
	data     []float32
	mask     uint64
	channels int

	// Cache-line padding keeps the producer and consumer indices apart.
	_     [56]byte
	write atomic.Uint64
	_     [56]byte
	read  atomic.Uint64
	_     [56]byte

	overruns        atomic.Uint64
	underruns       atomic.Uint64
	underrunSamples atomic.Uint64
	pushed          atomic.Uint64
	popped          atomic.Uint64
}

// Stats is a point-in-time snapshot of the ring counters.
type Stats struct {
	Capacity        int
	Fill            int
	Overruns        uint64 // rejected pushes
	Underruns       uint64 // short pops
	UnderrunSamples uint64 // samples the consumer had to pad
	Pushed          uint64
	Popped          uint64
}

// FillRatio returns Fill/Capacity in [0, 1].
func (s Stats) FillRatio() float64 {
	if s.Capacity == 0 {
		return 0
	}
	return float64(s.Fill) / float64(s.Capacity)
}

// New returns a ring holding at least capacity samples, rounded up to a
// power of two. channels is the interleaving; pops never split a frame.
func New(capacity, channels int) (*Ring, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ring: capacity must be positive, got %d", capacity)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("ring: channels must be positive, got %d", channels)
	}
	size := bitint.NextPowerOfTwo(capacity)
	return &Ring{
		data:     make([]float32, size),
		mask:     uint64(size - 1),
		channels: channels,
	}, nil
}

// Capacity returns the number of samples the ring can hold.
func (r *Ring) Capacity() int { return len(r.data) }

// Channels returns the interleaving the ring was built for.
func (r *Ring) Channels() int { return r.channels }

// Available returns the number of samples ready to pop.
func (r *Ring) Available() int {
	return int(r.write.Load() - r.read.Load())
}

// Free returns the number of samples that can be pushed.
func (r *Ring) Free() int {
	return len(r.data) - r.Available()
}

// Push appends samples. It is all-or-nothing: when there is not enough room
// the ring is left untouched and ErrOverrun is returned. Producer only.
func (r *Ring) Push(samples []float32) error {
	n := len(samples)
	if n == 0 {
		return nil
	}
	w := r.write.Load()
	rd := r.read.Load()
	if len(r.data)-int(w-rd) < n {
		r.overruns.Add(1)
		return ErrOverrun
	}

	start := int(w & r.mask)
	first := copy(r.data[start:], samples)
	if first < n {
		copy(r.data, samples[first:])
	}

	// Publishing the index after the copy makes the samples visible to Pop.
	r.write.Store(w + uint64(n))
	r.pushed.Add(uint64(n))
	return nil
}

// Pop copies up to len(dst) samples into dst and returns how many were
// copied, rounded down to whole frames. The rest of dst is left for the
// caller to pad. Consumer only.
func (r *Ring) Pop(dst []float32) int {
	want := len(dst)
	if want == 0 {
		return 0
	}
	rd := r.read.Load()
	avail := int(r.write.Load() - rd)
	n := min(want, avail)
	n -= n % r.channels

	if n > 0 {
		start := int(rd & r.mask)
		first := copy(dst[:n], r.data[start:])
		if first < n {
			copy(dst[first:n], r.data)
		}
		r.read.Store(rd + uint64(n))
		r.popped.Add(uint64(n))
	}

	if n < want {
		r.underruns.Add(1)
		r.underrunSamples.Add(uint64(want - n))
	}
	return n
}

// Reset discards all buffered samples. It must only be called while neither
// side is running.
func (r *Ring) Reset() {
	r.read.Store(r.write.Load())
}

// Stats returns a snapshot of the counters. Safe from any goroutine.
func (r *Ring) Stats() Stats {
	return Stats{
		Capacity:        len(r.data),
		Fill:            r.Available(),
		Overruns:        r.overruns.Load(),
		Underruns:       r.underruns.Load(),
		UnderrunSamples: r.underrunSamples.Load(),
		Pushed:          r.pushed.Load(),
		Popped:          r.popped.Load(),
	}
}

// OverrunPolicy decides what the producer does when Push fails.
type OverrunPolicy int

const (
	// OverrunBackoff keeps the samples and retries after a short sleep. Used
	// for file input, where the source can wait.
	OverrunBackoff OverrunPolicy = iota
	// OverrunDropNewest discards the samples that did not fit. Used for
	// generated or live input, which cannot be paused.
	OverrunDropNewest
)

func (p OverrunPolicy) String() string {
	switch p {
	case OverrunBackoff:
		return "backoff"
	case OverrunDropNewest:
		return "drop-newest"
	default:
		return "unknown"
	}
}

// ParseOverrunPolicy converts a config name to a policy.
func ParseOverrunPolicy(name string) (OverrunPolicy, error) {
	switch strings.ToLower(name) {
	case "", "backoff":
		return OverrunBackoff, nil
	case "drop", "drop-newest", "drop_newest":
		return OverrunDropNewest, nil
	default:
		return OverrunBackoff, fmt.Errorf("ring: unknown overrun policy %q", name)
	}
}

// FillPolicy decides how the consumer pads a short pop.
type FillPolicy int

const (
	FillSilence FillPolicy = iota
	FillLastSample
)

func (p FillPolicy) String() string {
	switch p {
	case FillSilence:
		return "silence"
	case FillLastSample:
		return "last-sample"
	default:
		return "unknown"
	}
}

// ParseFillPolicy converts a config name to a policy.
func ParseFillPolicy(name string) (FillPolicy, error) {
	switch strings.ToLower(name) {
	case "", "silence", "zero":
		return FillSilence, nil
	case "last", "last-sample", "last_sample", "hold":
		return FillLastSample, nil
	default:
		return FillSilence, fmt.Errorf("ring: unknown fill policy %q", name)
	}
}

// Pad fills buf[n:] according to policy. last holds the most recent frame
// that was played and is updated from buf[:n] when n covers a full frame.
// Allocation free.
func Pad(buf []float32, n int, policy FillPolicy, last []float32) {
	ch := len(last)
	if ch > 0 && n >= ch {
		copy(last, buf[n-ch:n])
	}
	if n >= len(buf) {
		return
	}
	if policy == FillLastSample && ch > 0 {
		for i := n; i < len(buf); i++ {
			buf[i] = last[(i-n)%ch]
		}
		return
	}
	clear(buf[n:])
}
