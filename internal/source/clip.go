// SPDX-License-Identifier: MIT
package source

import (
	"io"
	"time"
)

// Clipped plays a window of another source, given as a start offset and a
// duration. A zero duration means until the end.
type Clipped struct {
	src     Source
	skip    int64 // samples still to discard
	remain  int64 // samples left to play, -1 for unbounded
	scratch []float32
}

func Clip(src Source, start, duration time.Duration) *Clipped {
	f := src.Format()
	perSecond := float64(f.SampleRate)
	c := &Clipped{
		src:    src,
		skip:   int64(start.Seconds()*perSecond) * int64(f.Channels),
		remain: -1,
	}
	if duration > 0 {
		c.remain = int64(duration.Seconds()*perSecond) * int64(f.Channels)
	}
	return c
}

func (c *Clipped) Format() Format { return c.src.Format() }

func (c *Clipped) Read(dst []float32) (int, error) {
	for c.skip > 0 {
		if c.scratch == nil {
			c.scratch = make([]float32, 4096*c.src.Format().Channels)
		}
		want := int(min(c.skip, int64(len(c.scratch))))
		n, err := c.src.Read(c.scratch[:want])
		c.skip -= int64(n)
		if err != nil {
			return 0, err
		}
	}
	if c.remain == 0 {
		return 0, io.EOF
	}
	if c.remain > 0 && int64(len(dst)) > c.remain {
		dst = dst[:c.remain]
	}
	n, err := c.src.Read(dst)
	if c.remain > 0 {
		c.remain -= int64(n)
	}
	return n, err
}

func (c *Clipped) Close() error { return c.src.Close() }
