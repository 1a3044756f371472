// SPDX-License-Identifier: MIT
package source

// Remixed adapts a source to another channel count. Going down to mono
// averages all channels; otherwise output channel c takes input channel
// c modulo the input count, so mono is duplicated to every output.
type Remixed struct {
	src      Source
	channels int
	scratch  []float32
}

// Remix returns src unchanged when it already has the wanted channel count.
func Remix(src Source, channels int) Source {
	if src.Format().Channels == channels || channels < 1 {
		return src
	}
	return &Remixed{src: src, channels: channels}
}

func (r *Remixed) Format() Format {
	f := r.src.Format()
	f.Channels = r.channels
	return f
}

func (r *Remixed) Read(dst []float32) (int, error) {
	in := r.src.Format().Channels
	frames := len(dst) / r.channels
	if cap(r.scratch) < frames*in {
		r.scratch = make([]float32, frames*in)
	}
	buf := r.scratch[:frames*in]

	n, err := r.src.Read(buf)
	got := n / in
	for f := 0; f < got; f++ {
		frame := buf[f*in : f*in+in]
		out := dst[f*r.channels : f*r.channels+r.channels]
		if r.channels == 1 {
			var sum float32
			for _, v := range frame {
				sum += v
			}
			out[0] = sum / float32(in)
			continue
		}
		for c := range out {
			out[c] = frame[c%in]
		}
	}
	return got * r.channels, err
}

func (r *Remixed) Close() error { return r.src.Close() }
