// SPDX-License-Identifier: MIT
package source

import (
	"errors"
	"io"
)

// Looped reopens its source each time it ends.
type Looped struct {
	open   Opener
	src    Source
	passes int
}

// Loop opens the first pass immediately so format errors surface here.
func Loop(open Opener) (*Looped, error) {
	src, err := open()
	if err != nil {
		return nil, err
	}
	return &Looped{open: open, src: src, passes: 1}, nil
}

func (l *Looped) Format() Format { return l.src.Format() }

// Passes returns how many times the source has been opened.
func (l *Looped) Passes() int { return l.passes }

func (l *Looped) Read(dst []float32) (int, error) {
	n, err := l.src.Read(dst)
	if err != io.EOF {
		return n, err
	}
	if n > 0 {
		return n, nil
	}
	_ = l.src.Close()
	next, err := l.open()
	if err != nil {
		return 0, err
	}
	l.src = next
	l.passes++

	// An empty source would otherwise spin forever.
	n, err = l.src.Read(dst)
	if n == 0 && errors.Is(err, io.EOF) {
		return 0, io.EOF
	}
	return n, err
}

func (l *Looped) Close() error { return l.src.Close() }
