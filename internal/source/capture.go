// SPDX-License-Identifier: MIT
package source

import (
	"io"
	"sync"
	"time"

	"livepv/internal/ring"
)

// Read polls an empty ring every capturePoll and gives up after
// captureWait so callers get to check their context.
const (
	capturePoll = 2 * time.Millisecond
	captureWait = 50 * time.Millisecond
)

// Capture is a live input. A hardware callback pushes into the ring and Read
// pops from it, waiting a short while for at least one frame. A Read that
// times out returns 0, nil. After Close, Read drains what is left and then
// returns io.EOF.
type Capture struct {
	ring   *ring.Ring
	format Format
	stream io.Closer // stops the producer, may be nil

	once   sync.Once
	closed chan struct{}
	err    error
}

// NewCapture reads frames of format from r. stream is closed with the
// Capture.
func NewCapture(r *ring.Ring, format Format, stream io.Closer) *Capture {
	return &Capture{
		ring:   r,
		format: format,
		stream: stream,
		closed: make(chan struct{}),
	}
}

func (c *Capture) Format() Format { return c.format }

// Ring exposes the buffer for its overrun counters.
func (c *Capture) Ring() *ring.Ring { return c.ring }

func (c *Capture) Read(dst []float32) (int, error) {
	dst = dst[:wholeFrames(len(dst), c.format.Channels)]
	if len(dst) == 0 {
		return 0, nil
	}
	var timer *time.Timer
	for waited := time.Duration(0); ; waited += capturePoll {
		if c.ring.Available() >= c.format.Channels {
			return c.ring.Pop(dst), nil
		}
		select {
		case <-c.closed:
			return 0, io.EOF
		default:
		}
		if waited >= captureWait {
			return 0, nil
		}
		if timer == nil {
			timer = time.NewTimer(capturePoll)
			defer timer.Stop()
		} else {
			timer.Reset(capturePoll)
		}
		select {
		case <-c.closed:
		case <-timer.C:
		}
	}
}

// Close stops the stream and wakes a blocked Read.
func (c *Capture) Close() error {
	c.once.Do(func() {
		if c.stream != nil {
			c.err = c.stream.Close()
		}
		close(c.closed)
	})
	return c.err
}
