// SPDX-License-Identifier: MIT
package source

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
)

// WAV streams integer PCM from a WAV file of any bit depth.
type WAV struct {
	path    string
	file    *os.File
	decoder *wav.Decoder
	format  Format
	scale   float32
	offset  int // 8-bit WAV is unsigned
	buf     *audio.IntBuffer
}

// OpenWAV validates the header and positions the decoder at the first
// sample.
func OpenWAV(path string) (*WAV, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("source: open %s: %w", path, err)
	}
	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		f.Close()
		return nil, decodeError(path, errors.New("invalid WAV file"))
	}
	if err := d.FwdToPCM(); err != nil {
		f.Close()
		return nil, decodeError(path, err)
	}
	if d.WavAudioFormat != wavFormatPCM && d.WavAudioFormat != wavFormatExtensible {
		f.Close()
		return nil, decodeError(path, fmt.Errorf("unsupported WAV format %d", d.WavAudioFormat))
	}
	bitDepth := int(d.SampleBitDepth())
	if bitDepth == 0 || bitDepth > 32 {
		f.Close()
		return nil, decodeError(path, fmt.Errorf("unsupported bit depth %d", bitDepth))
	}
	af := d.Format()
	if af.NumChannels < 1 || af.SampleRate < 1 {
		f.Close()
		return nil, decodeError(path, fmt.Errorf("bad format %d ch %d Hz", af.NumChannels, af.SampleRate))
	}

	offset := 0
	if bitDepth == 8 {
		offset = 128
	}
	return &WAV{
		path:    path,
		offset:  offset,
		file:    f,
		decoder: d,
		format:  Format{SampleRate: af.SampleRate, Channels: af.NumChannels},
		scale:   float32(1 / math.Pow(2, float64(bitDepth-1))),
		buf: &audio.IntBuffer{
			Format:         af,
			SourceBitDepth: bitDepth,
		},
	}, nil
}

func (w *WAV) Format() Format { return w.format }

func (w *WAV) Read(dst []float32) (int, error) {
	n := wholeFrames(len(dst), w.format.Channels)
	if n == 0 {
		return 0, nil
	}
	if cap(w.buf.Data) < n {
		w.buf.Data = make([]int, n)
	}
	w.buf.Data = w.buf.Data[:n]

	got, err := w.decoder.PCMBuffer(w.buf)
	got = wholeFrames(got, w.format.Channels)
	for i := 0; i < got; i++ {
		dst[i] = float32(w.buf.Data[i]-w.offset) * w.scale
	}
	if err != nil && err != io.EOF {
		return got, decodeError(w.path, err)
	}
	if got == 0 {
		return 0, io.EOF
	}
	return got, nil
}

func (w *WAV) Close() error { return w.file.Close() }
