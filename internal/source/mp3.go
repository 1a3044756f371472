// SPDX-License-Identifier: MIT
package source

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/hajimehoshi/go-mp3"
)

// MP3 streams a decoded MP3 file. go-mp3 always produces 16-bit
// little-endian stereo.
type MP3 struct {
	path    string
	file    *os.File
	decoder *mp3.Decoder
	format  Format
	raw     []byte
}

func OpenMP3(path string) (*MP3, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("source: open %s: %w", path, err)
	}
	d, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, decodeError(path, err)
	}
	return &MP3{
		path:    path,
		file:    f,
		decoder: d,
		format:  Format{SampleRate: d.SampleRate(), Channels: 2},
	}, nil
}

func (m *MP3) Format() Format { return m.format }

// Length returns the decoded length in frames, or -1 when unknown.
func (m *MP3) Length() int64 {
	n := m.decoder.Length()
	if n < 0 {
		return -1
	}
	return n / 4
}

func (m *MP3) Read(dst []float32) (int, error) {
	n := wholeFrames(len(dst), 2)
	if n == 0 {
		return 0, nil
	}
	if cap(m.raw) < n*2 {
		m.raw = make([]byte, n*2)
	}
	raw := m.raw[:n*2]

	got, err := io.ReadFull(m.decoder, raw)
	samples := wholeFrames(got/2, 2)
	for i := 0; i < samples; i++ {
		dst[i] = float32(int16(binary.LittleEndian.Uint16(raw[i*2:]))) / 32768
	}
	switch {
	case err == nil:
		return samples, nil
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		if samples == 0 {
			return 0, io.EOF
		}
		return samples, nil
	default:
		return samples, decodeError(m.path, err)
	}
}

func (m *MP3) Close() error { return m.file.Close() }
