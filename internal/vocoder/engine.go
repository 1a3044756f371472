// SPDX-License-Identifier: MIT
package vocoder

import (
	"fmt"
	"math"
	"math/cmplx"
	"sync/atomic"

	"gonum.org/v1/gonum/dsp/fourier"

	"livepv/internal/analysis"
	"livepv/internal/live"
	"livepv/pkg/spectral"
)

// channelState is everything the engine keeps per audio channel.
type channelState struct {
	fifo      []float64 // ...pending input, fifo[0] is the oldest kept sample
	prevPhase []float64 // ...analysis phase of the previous frame
	freq      []float64 // ...last instantaneous frequency, rad/sample
	synPhase  []float64 // ...synthesis phase accumulators, per output bin
	ola       []float64 // ...overlap-add accumulator, ola[0] is the next output sample
}

// workspace holds scratch buffers shared by all channels within a hop.
type workspace struct {
	frame   []float64      // ...windowed analysis frame, reused for the inverse transform
	spec    []complex128   // ...forward/inverse transform coefficients
	mag     []float64      // ...analysis magnitudes
	phase   []float64      // ...analysis phases
	shMag   []float64      // ...magnitudes after the pitch remap
	shFreq  []float64      // ...frequencies after the pitch remap
	bins    []spectral.Bin // ...synthesis bins as the engine built them
	modBins []spectral.Bin // ...copy handed to the live module
}

// Stats are engine counters. Safe to read from any goroutine.
type Stats struct {
	Hops          uint64 `json:"hops"`
	OutputFrames  uint64 `json:"output_frames"`
	Violations    uint64 `json:"violations"`
	Swaps         uint64 `json:"swaps"`
	Resets        uint64 `json:"resets"`
	Generation    uint64 `json:"generation"`
	BufferedInput int64  `json:"buffered_input"`
}

// Engine is a streaming phase vocoder. The synthesis hop is fixed; the
// analysis position advances by hop/stretch, so output duration scales
// exactly with the stretch factor and the integer analysis advance actually
// taken is what the instantaneous frequency is measured over.
//
// Write, Next, EndOfStream, Process and Reset must be called from one
// goroutine. The setters and Stats may be called from anywhere.
type Engine struct {
	cfg      Config
	n        int // fft size
	hop      int // synthesis hop
	numBins  int
	channels int

	fft    *fourier.FFT
	window []float64
	norm   []float64 // ...1/sum of squared windows per output position
	omega  []float64 // ...bin centre frequency, rad/sample

	ch []channelState
	ws workspace

	fill      int     // samples buffered per channel
	inPos     float64 // analysis position relative to fifo[0]
	prevStart int     // start of the previous analysis frame relative to fifo[0]
	primed    bool    // a previous frame exists; false means seed phases
	eos       bool

	reader  *live.Reader
	lastGen uint64
	hasGen  bool

	params   atomic.Pointer[Params]
	resetReq atomic.Bool

	hops       atomic.Uint64
	outFrames  atomic.Uint64
	violations atomic.Uint64
	swaps      atomic.Uint64
	resets     atomic.Uint64
	generation atomic.Uint64
	buffered   atomic.Int64
}

// New builds an engine. reader may be nil, in which case no live module is
// consulted and every hop uses the identity transform.
func New(cfg Config, reader *live.Reader) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := cfg.FFTSize
	hop := cfg.Hop()
	numBins := n/2 + 1

	win := analysis.Coefficients(cfg.Window, n, true)
	sums := analysis.OverlapSum(win, hop, true)
	norm := make([]float64, hop)
	for i, s := range sums {
		if s < 1e-9 {
			return nil, fmt.Errorf("vocoder: window %s does not cover hop %d", cfg.Window, hop)
		}
		norm[i] = 1 / s
	}

	omega := make([]float64, numBins)
	for k := range omega {
		omega[k] = 2 * math.Pi * float64(k) / float64(n)
	}

	fifoCap := n + int(math.Ceil(float64(hop)/cfg.MinStretch)) + hop

	e := &Engine{
		cfg:      cfg,
		n:        n,
		hop:      hop,
		numBins:  numBins,
		channels: cfg.Channels,
		fft:      fourier.NewFFT(n),
		window:   win,
		norm:     norm,
		omega:    omega,
		ch:       make([]channelState, cfg.Channels),
		reader:   reader,
		ws: workspace{
			frame:   make([]float64, n),
			spec:    make([]complex128, numBins),
			mag:     make([]float64, numBins),
			phase:   make([]float64, numBins),
			shMag:   make([]float64, numBins),
			shFreq:  make([]float64, numBins),
			bins:    make([]spectral.Bin, numBins),
			modBins: make([]spectral.Bin, numBins),
		},
	}
	for i := range e.ch {
		e.ch[i] = channelState{
			fifo:      make([]float64, fifoCap),
			prevPhase: make([]float64, numBins),
			freq:      make([]float64, numBins),
			synPhase:  make([]float64, numBins),
			ola:       make([]float64, n),
		}
	}
	e.params.Store(&Params{Stretch: cfg.Stretch, Pitch: cfg.Pitch})
	return e, nil
}

func (e *Engine) FFTSize() int        { return e.n }
func (e *Engine) Hop() int            { return e.hop }
func (e *Engine) Channels() int       { return e.channels }
func (e *Engine) NumBins() int        { return e.numBins }
func (e *Engine) Config() Config      { return e.cfg }
func (e *Engine) Params() Params      { return *e.params.Load() }
func (e *Engine) SampleRate() float64 { return e.cfg.SampleRate }

// Latency is the number of output samples, per channel, before the first
// fully overlapped sample.
func (e *Engine) Latency() int { return e.n - e.hop }

// SetParams replaces both factors. They take effect at the next hop.
func (e *Engine) SetParams(p Params) error {
	if err := e.cfg.checkParams(p); err != nil {
		return err
	}
	e.params.Store(&p)
	return nil
}

func (e *Engine) SetStretch(s float64) error {
	return e.updateParams(func(p *Params) { p.Stretch = s })
}

func (e *Engine) SetPitch(pitch float64) error {
	return e.updateParams(func(p *Params) { p.Pitch = pitch })
}

// updateParams applies fn to a copy of the current params and swaps it in,
// retrying if another setter got there first.
func (e *Engine) updateParams(fn func(*Params)) error {
	for {
		old := e.params.Load()
		p := *old
		fn(&p)
		if err := e.cfg.checkParams(p); err != nil {
			return err
		}
		if e.params.CompareAndSwap(old, &p) {
			return nil
		}
	}
}

// RequestReset reseeds the phase accumulators at the next hop boundary.
func (e *Engine) RequestReset() { e.resetReq.Store(true) }

func (e *Engine) Stats() Stats {
	return Stats{
		Hops:          e.hops.Load(),
		OutputFrames:  e.outFrames.Load(),
		Violations:    e.violations.Load(),
		Swaps:         e.swaps.Load(),
		Resets:        e.resets.Load(),
		Generation:    e.generation.Load(),
		BufferedInput: e.buffered.Load(),
	}
}

// Buffered returns the number of input frames waiting to be analysed.
func (e *Engine) Buffered() int { return e.fill }

// Free returns how many input frames Write can accept right now.
func (e *Engine) Free() int {
	if e.eos {
		return 0
	}
	return len(e.ch[0].fifo) - e.fill
}

// Write appends interleaved input and returns the number of frames taken.
// It takes fewer than offered when the input buffer is full; drain Next and
// write the rest.
func (e *Engine) Write(in []float32) int {
	frames := min(len(in)/e.channels, e.Free())
	if frames <= 0 {
		return 0
	}
	for c := range e.ch {
		dst := e.ch[c].fifo[e.fill : e.fill+frames]
		for i := range dst {
			dst[i] = float64(in[i*e.channels+c])
		}
	}
	e.fill += frames
	e.buffered.Store(int64(e.fill))
	return frames
}

// EndOfStream marks the input as finished. Next then zero-pads and keeps
// producing hops until the buffered input has been analysed.
func (e *Engine) EndOfStream() { e.eos = true }

// Done reports whether the input has ended and been fully analysed.
func (e *Engine) Done() bool {
	return e.eos && int(e.inPos) >= e.fill
}

// Ready reports whether Next would produce a hop.
func (e *Engine) Ready() bool {
	start := int(e.inPos)
	if e.eos {
		return start < e.fill
	}
	return start+e.n <= e.fill
}

// Next synthesises one hop into out, which must hold Hop()*Channels()
// interleaved samples. It returns false, leaving out untouched, when more
// input is needed or the stream is finished.
func (e *Engine) Next(out []float32) bool {
	if len(out) < e.hop*e.channels {
		panic("vocoder: output buffer shorter than one hop")
	}
	if !e.Ready() {
		return false
	}

	p := e.params.Load()
	if e.resetReq.Swap(false) {
		e.primed = false
		e.resets.Add(1)
	}

	var m, fb *live.Module
	if e.reader != nil {
		m = e.reader.Acquire()
		gen := m.Generation()
		if !e.hasGen || gen != e.lastGen {
			if e.hasGen {
				e.swaps.Add(1)
				if e.cfg.SwapPolicy == ResetPhase {
					e.primed = false
				}
			}
			e.lastGen, e.hasGen = gen, true
			e.generation.Store(gen)
		}
		// Only the acquired module's direct predecessor is kept alive by
		// the registry, so the fallback never goes deeper than one step.
		fb = usable(m.Fallback())
		if m.State() == live.StateRejected {
			m, fb = fb, nil
		}
	}

	start := int(e.inPos)
	ha := start - e.prevStart
	mp := spectral.Params{
		Stretch:    p.Stretch,
		Pitch:      p.Pitch,
		ElapsedMs:  int64(float64(e.outFrames.Load()) * 1000 / e.cfg.SampleRate),
		SampleRate: e.cfg.SampleRate,
		FFTSize:    e.n,
		Hop:        e.hop,
	}

	clean := true
	for c := range e.ch {
		mp.Channel = c
		if !e.processChannel(&e.ch[c], start, ha, p.Pitch, m, fb, mp) {
			clean = false
		}
	}
	if e.reader != nil {
		if m != nil && clean {
			e.reader.Confirm(m)
		}
		e.reader.Release()
	}

	e.emit(out)

	e.primed = true
	e.prevStart = start
	e.inPos += float64(e.hop) / p.Stretch
	e.compact()

	e.hops.Add(1)
	e.outFrames.Add(uint64(e.hop))
	return true
}

// processChannel analyses one frame, advances the phase accumulators,
// applies the live module and overlap-adds the resynthesised frame. It
// reports false if the module broke the bin contract.
func (e *Engine) processChannel(st *channelState, start, ha int, pitch float64, m, fb *live.Module, mp spectral.Params) bool {
	ws := &e.ws

	// Frames past the buffered input are zero-padded (end of stream).
	for i := range ws.frame {
		var x float64
		if j := start + i; j < e.fill {
			x = st.fifo[j]
		}
		ws.frame[i] = x * e.window[i]
	}
	e.fft.Coefficients(ws.spec, ws.frame)
	for k, c := range ws.spec {
		ws.mag[k] = cmplx.Abs(c)
		ws.phase[k] = cmplx.Phase(c)
	}

	seed := !e.primed
	if !seed && ha > 0 {
		for k := range ws.phase {
			delta := princarg(ws.phase[k] - st.prevPhase[k] - e.omega[k]*float64(ha))
			st.freq[k] = e.omega[k] + delta/float64(ha)
		}
	} else if seed {
		copy(st.freq, e.omega)
	}
	copy(st.prevPhase, ws.phase)

	// Pitch remap. Collisions sum magnitudes and take the magnitude
	// weighted frequency; bins nothing maps to stay empty.
	if pitch == 1 {
		copy(ws.shMag, ws.mag)
		copy(ws.shFreq, st.freq)
	} else {
		for j := range ws.shMag {
			ws.shMag[j] = 0
			ws.shFreq[j] = e.omega[j]
		}
		for k := range ws.mag {
			j := int(math.Round(float64(k) * pitch))
			if j >= e.numBins {
				break
			}
			f := st.freq[k] * pitch
			total := ws.shMag[j] + ws.mag[k]
			if total > 0 {
				ws.shFreq[j] = (ws.shFreq[j]*ws.shMag[j] + f*ws.mag[k]) / total
			}
			ws.shMag[j] = total
		}
	}

	hs := float64(e.hop)
	for j := range st.synPhase {
		if seed {
			src := j
			if pitch != 1 {
				src = min(int(math.Round(float64(j)/pitch)), e.numBins-1)
			}
			st.synPhase[j] = ws.phase[src]
		} else {
			st.synPhase[j] = princarg(st.synPhase[j] + ws.shFreq[j]*hs)
		}
		ws.bins[j] = spectral.Bin{Mag: ws.shMag[j], Phase: st.synPhase[j]}
	}

	bins, clean := e.applyModule(m, fb, mp)

	for k, b := range bins {
		ws.spec[k] = cmplx.Rect(b.Mag, b.Phase)
	}
	e.fft.Sequence(ws.frame, ws.spec)
	scale := 1 / float64(e.n)
	for i, x := range ws.frame {
		st.ola[i] += x * scale * e.window[i]
	}
	return clean
}

// applyModule hands a copy of the synthesis bins to the live module. On a
// contract violation the module is rejected and the hop falls back to fb,
// or to the unmodified bins. fb is nil when m is itself a fallback.
func (e *Engine) applyModule(m, fb *live.Module, mp spectral.Params) ([]spectral.Bin, bool) {
	ws := &e.ws
	if m == nil {
		return ws.bins, true
	}
	copy(ws.modBins, ws.bins)
	if out, ok := callModule(m, ws.modBins, mp); ok {
		return out, true
	}
	if e.reader.Reject(m) {
		e.violations.Add(1)
	}
	if fb = usable(fb); fb != nil {
		copy(ws.modBins, ws.bins)
		if out, ok := callModule(fb, ws.modBins, mp); ok {
			return out, false
		}
		if e.reader.Reject(fb) {
			e.violations.Add(1)
		}
	}
	return ws.bins, false
}

// usable returns m if it is loaded or superseded, nil otherwise.
func usable(m *live.Module) *live.Module {
	if m == nil {
		return nil
	}
	switch m.State() {
	case live.StateLoaded, live.StateSuperseded:
		return m
	}
	return nil
}

// emit writes the finished hop, normalised by the summed squared window,
// and shifts the overlap-add buffers.
func (e *Engine) emit(out []float32) {
	for c := range e.ch {
		ola := e.ch[c].ola
		for i := 0; i < e.hop; i++ {
			out[i*e.channels+c] = float32(ola[i] * e.norm[i])
		}
		copy(ola, ola[e.hop:])
		clear(ola[e.n-e.hop:])
	}
}

// compact drops input that no future frame can reach.
func (e *Engine) compact() {
	d := min(int(e.inPos), e.fill)
	if d <= 0 {
		return
	}
	for c := range e.ch {
		copy(e.ch[c].fifo, e.ch[c].fifo[d:e.fill])
	}
	e.fill -= d
	e.inPos -= float64(d)
	e.prevStart -= d
	e.buffered.Store(int64(e.fill))
}

// Reset drops buffered input and synthesis state. Parameters are kept.
func (e *Engine) Reset() {
	for c := range e.ch {
		clear(e.ch[c].ola)
		clear(e.ch[c].synPhase)
		clear(e.ch[c].prevPhase)
	}
	e.fill = 0
	e.inPos = 0
	e.prevStart = 0
	e.primed = false
	e.eos = false
	e.buffered.Store(0)
}

// Process runs a whole buffer through the engine and appends the output to
// dst. It ends the stream, so the engine must be Reset before reuse.
func (e *Engine) Process(dst, in []float32) []float32 {
	if e.eos {
		panic("vocoder: Process after end of stream")
	}
	hopBuf := make([]float32, e.hop*e.channels)
	for len(in) >= e.channels {
		n := e.Write(in)
		in = in[n*e.channels:]
		for e.Next(hopBuf) {
			dst = append(dst, hopBuf...)
		}
		if n == 0 && !e.Ready() {
			break
		}
	}
	e.EndOfStream()
	for e.Next(hopBuf) {
		dst = append(dst, hopBuf...)
	}
	return dst
}

// princarg wraps a phase to [-pi, pi).
func princarg(phase float64) float64 {
	return phase - 2*math.Pi*math.Floor((phase+math.Pi)/(2*math.Pi))
}
