// SPDX-License-Identifier: MIT
/*
Package pipeline wires the vocoder into a running session:

	source -> producer -> vocoder.Engine -> ring -> audio callback -> device
	                          ^
	    live.Watcher -> live.Registry (module hand-off at hop boundaries)

The audio callback is the only real-time goroutine. Everything else
(producer, watcher, registry maintenance, status) runs under one errgroup.
*/
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"livepv/internal/analysis"
	"livepv/internal/audio"
	"livepv/internal/config"
	"livepv/internal/live"
	"livepv/internal/log"
	"livepv/internal/observe"
	"livepv/internal/ring"
	"livepv/internal/source"
	"livepv/internal/transport"
	"livepv/internal/vocoder"
)

// ErrLiveDisabled is returned by ForceReload when no transform source is
// configured.
var ErrLiveDisabled = errors.New("pipeline: live coding is not enabled")

// declick is the ramp used by Start and Stop.
const declick = 20 * time.Millisecond

// DeviceFactory opens the output stream that will call cb.
type DeviceFactory func(cfg audio.OutputConfig, cb audio.Callback) (audio.Device, error)

// Deps are the collaborators a Pipeline talks to. Zero fields get the
// production implementations.
type Deps struct {
	OpenDevice DeviceFactory
	OpenSource func(path string) (source.Source, error)
	// OpenCapture starts the input device. Reads on the returned Source
	// may come back empty while the device has nothing new.
	OpenCapture func(cfg audio.InputConfig) (source.Source, error)
	Builder     live.Builder
	Loader      live.Loader
	Metrics     *observe.Metrics
	Status      transport.Transport // Receives periodic status snapshots.
}

func (d Deps) withDefaults() Deps {
	if d.OpenDevice == nil {
		d.OpenDevice = func(cfg audio.OutputConfig, cb audio.Callback) (audio.Device, error) {
			return audio.OpenOutput(cfg, cb)
		}
	}
	if d.OpenSource == nil {
		d.OpenSource = source.Open
	}
	if d.OpenCapture == nil {
		d.OpenCapture = func(cfg audio.InputConfig) (source.Source, error) {
			return audio.OpenCapture(cfg)
		}
	}
	if d.Status == nil {
		d.Status = transport.NewLoggingTransport()
	}
	return d
}

// Pipeline owns every component of one playback session.
type Pipeline struct {
	cfg     config.Config
	deps    Deps
	metrics *observe.Metrics
	logger  *log.Logger

	rate      float64
	channels  int
	inputName string
	paced     bool // input runs on the wall clock rather than on demand
	overrun   ring.OverrunPolicy

	src      source.Source // Owned by the producer while running.
	ring     *ring.Ring
	registry *live.Registry
	engine   *vocoder.Engine
	watcher  *live.Watcher
	analyzer *analysis.Analyzer
	fader    *audio.Fader
	renderer *audio.Renderer
	recorder *audio.Recorder
	device   audio.Device

	ctlMu   sync.Mutex // Serializes Start/Stop.
	running atomic.Bool
	ran     atomic.Bool
	done    chan struct{} // Closed once finite input has played out.
}

// New builds the session: input, ring, registry, engine, watcher and
// output device. Nothing runs until Run.
func New(cfg *config.Config, deps Deps) (*Pipeline, error) {
	p := &Pipeline{
		cfg:    *cfg,
		deps:   deps.withDefaults(),
		logger: log.With("pipeline"),
		done:   make(chan struct{}),
	}
	p.metrics = p.deps.Metrics

	if err := p.openInput(); err != nil {
		return nil, err
	}
	if err := p.build(); err != nil {
		p.closeParts()
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) openInput() error {
	in := p.cfg.Input
	p.channels = p.cfg.Audio.Channels

	if in.Capture {
		return p.openCapture()
	}

	if in.Path == "" {
		rate := p.cfg.Audio.SampleRate
		if rate == 0 {
			rate = config.DefaultToneSampleRate
		}
		p.rate = rate
		p.paced = true
		p.inputName = fmt.Sprintf("tone:%gHz", in.ToneHz)
		format := source.Format{SampleRate: int(rate), Channels: p.channels}
		p.src = source.NewSine(format, in.ToneHz, in.ToneAmplitude)
		return nil
	}

	p.inputName = filepath.Base(in.Path)
	open := func() (source.Source, error) {
		src, err := p.deps.OpenSource(in.Path)
		if err != nil {
			return nil, err
		}
		if in.Start > 0 || in.Duration > 0 {
			return source.Clip(src, in.Start, in.Duration), nil
		}
		return src, nil
	}

	var (
		src source.Source
		err error
	)
	if in.Loop {
		src, err = source.Loop(open)
	} else {
		src, err = open()
	}
	if err != nil {
		return fmt.Errorf("pipeline: open input: %w", err)
	}

	format := src.Format()
	p.rate = float64(format.SampleRate)
	if want := p.cfg.Audio.SampleRate; want != 0 && want != p.rate {
		src.Close()
		return fmt.Errorf("pipeline: %s is %d Hz but audio.sample_rate is %.0f Hz; set it to 0 to follow the file",
			p.inputName, format.SampleRate, want)
	}
	if format.Channels != p.channels {
		p.logger.Info("remixing input", "from", format.Channels, "to", p.channels)
		src = source.Remix(src, p.channels)
	}
	p.src = src
	return nil
}

// openCapture starts the input device. Live capture is clocked by the
// device like a tone. With capture_clip set, a clip is recorded up front,
// cropped, and then played like a file.
func (p *Pipeline) openCapture() error {
	in := p.cfg.Input
	rate := p.cfg.Audio.SampleRate
	if rate == 0 {
		rate = config.DefaultToneSampleRate
	}
	p.rate = rate
	p.inputName = fmt.Sprintf("capture:%d", in.CaptureDevice)

	src, err := p.deps.OpenCapture(audio.InputConfig{
		DeviceID:        in.CaptureDevice,
		SampleRate:      rate,
		Channels:        p.channels,
		FramesPerBuffer: p.cfg.Audio.FramesPerBuffer,
		LowLatency:      p.cfg.Audio.LowLatency,
		BufferMs:        p.cfg.Ring.CapacityMs,
	})
	if err != nil {
		p.metrics.RecordDeviceFailure(context.Background())
		return fmt.Errorf("pipeline: open capture: %w", err)
	}
	format := src.Format()
	p.logger.Info("capture started", "device", in.CaptureDevice, "format", format.String())

	if in.CaptureClip > 0 {
		p.logger.Info("recording clip", "length", in.CaptureClip)
		samples, err := source.Record(context.Background(), src, in.CaptureClip)
		src.Close()
		if err != nil {
			return fmt.Errorf("pipeline: record clip: %w", err)
		}
		if split := source.SplitMono(samples, format.Channels); split >= 0 {
			p.logger.Info("mono input on a multi-channel device, splitting", "channel", split)
		}
		start, end := source.Autocrop(samples, format, source.DefaultCropWindow, source.DefaultCropPercentile)
		p.logger.Info("clip recorded",
			"frames", len(samples)/format.Channels,
			"crop_start", start/format.Channels,
			"crop_end", (len(samples)-end)/format.Channels)
		samples = samples[start:end]
		open := func() (source.Source, error) { return source.NewMemory(format, samples), nil }
		if in.Loop {
			src, err = source.Loop(open)
		} else {
			src, err = open()
		}
		if err != nil {
			return err
		}
	} else {
		p.paced = true
		src = source.NewAutoSplit(src)
	}

	if format.Channels != p.channels {
		p.logger.Info("remixing input", "from", format.Channels, "to", p.channels)
		src = source.Remix(src, p.channels)
	}
	p.src = src
	return nil
}

func (p *Pipeline) build() error {
	var err error
	cfg := p.cfg

	// Overrun policy: files wait for room, clocked input drops.
	switch {
	case cfg.Ring.Overrun != "":
		if p.overrun, err = ring.ParseOverrunPolicy(cfg.Ring.Overrun); err != nil {
			return err
		}
	case p.paced:
		p.overrun = ring.OverrunDropNewest
	default:
		p.overrun = ring.OverrunBackoff
	}
	fill, err := ring.ParseFillPolicy(cfg.Audio.UnderrunFill)
	if err != nil {
		return err
	}

	// 1. ring
	vc, err := cfg.VocoderConfig(p.rate)
	if err != nil {
		return err
	}
	frames := int(math.Ceil(float64(cfg.Ring.CapacityMs) * p.rate / 1000))
	frames = max(frames, 2*max(vc.Hop(), cfg.Audio.FramesPerBuffer))
	if p.ring, err = ring.New(frames*p.channels, p.channels); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	// 2. registry and engine
	p.registry = live.NewRegistry(
		live.WithRetireHook(func(m *live.Module) {
			p.metrics.RecordRetired(context.Background(), 1)
		}),
		live.WithRollbackHook(func(from, to *live.Module) {
			p.metrics.RecordRejection(context.Background(), from.Name())
			p.metrics.RecordGeneration(context.Background(), to.Generation())
		}),
	)
	if p.engine, err = vocoder.New(vc, p.registry.NewReader()); err != nil {
		return err
	}
	if p.analyzer, err = analysis.NewAnalyzer(vc.FFTSize, p.rate, vc.Window); err != nil {
		return err
	}

	// 3. watcher
	if cfg.Live.Source != "" {
		if err := p.buildWatcher(); err != nil {
			return err
		}
	}

	// 4. output side
	p.fader = audio.NewFader(p.channels, p.rate, 0)
	p.renderer = audio.NewRenderer(p.ring, fill, p.fader)
	if cfg.Recording.Enabled {
		if err := p.buildRecorder(); err != nil {
			return err
		}
	}
	p.device, err = p.deps.OpenDevice(audio.OutputConfig{
		DeviceID:        cfg.Audio.OutputDevice,
		SampleRate:      p.rate,
		Channels:        p.channels,
		FramesPerBuffer: cfg.Audio.FramesPerBuffer,
		LowLatency:      cfg.Audio.LowLatency,
	}, p.renderer.Render)
	if err != nil {
		p.metrics.RecordDeviceFailure(context.Background())
		return err
	}

	p.logger.Info("session ready",
		"input", p.inputName,
		"rate", p.rate,
		"channels", p.channels,
		"fft", vc.FFTSize,
		"hop", vc.Hop(),
		"window", vc.Window.String(),
		"ring_frames", p.ring.Capacity()/p.channels,
		"overrun", p.overrun.String(),
		"underrun_fill", fill.String())
	return nil
}

func (p *Pipeline) buildWatcher() error {
	lc := p.cfg.Live
	builder := p.deps.Builder
	if builder == nil {
		cb, err := live.NewCommandBuilder(lc.BuildDir)
		if err != nil {
			return err
		}
		if len(lc.BuildCommand) > 0 {
			cb.Command = lc.BuildCommand
		}
		if lc.BuildTimeout > 0 {
			cb.Timeout = lc.BuildTimeout
		}
		builder = cb
	}
	loader := p.deps.Loader
	if loader == nil {
		loader = &live.PluginLoader{Symbol: lc.Symbol}
	}

	w, err := live.NewWatcher(lc.Source, builder, loader, p.registry,
		live.WithDebounce(lc.Debounce),
		live.WithBuildOnStart(lc.BuildOnStart),
		live.WithMetrics(p.metrics),
		live.WithResultHook(p.onBuild),
	)
	if err != nil {
		return err
	}
	p.watcher = w
	return nil
}

func (p *Pipeline) buildRecorder() error {
	rc := p.cfg.Recording
	if err := os.MkdirAll(rc.OutputDir, 0o755); err != nil {
		return fmt.Errorf("pipeline: recording dir: %w", err)
	}
	name := rc.File
	if name == "" {
		name = "livepv-" + time.Now().Format("20060102-150405") + ".wav"
	}
	rec, err := audio.NewRecorder(filepath.Join(rc.OutputDir, name),
		int(p.rate), p.channels, rc.BitDepth, int(2*p.rate))
	if err != nil {
		return err
	}
	p.recorder = rec
	p.renderer.Tee(rec.Ring())
	p.logger.Info("recording", "path", rec.Path(), "bit_depth", rc.BitDepth)
	return nil
}

// onBuild runs on the watcher goroutine after every attempt.
func (p *Pipeline) onBuild(res live.Result) {
	if err := p.deps.Status.Send(p.Status()); err != nil {
		p.logger.Debug("status send failed", "err", err)
	}
}

// closeParts releases what New opened. Safe on a partly built pipeline.
func (p *Pipeline) closeParts() error {
	var errs []error
	if p.device != nil {
		errs = append(errs, p.device.Close())
	}
	if p.recorder != nil {
		errs = append(errs, p.recorder.Close())
	}
	if p.registry != nil {
		errs = append(errs, p.registry.Close())
	}
	if p.src != nil {
		errs = append(errs, p.src.Close())
	}
	return errors.Join(errs...)
}

// SampleRate returns the negotiated stream rate.
func (p *Pipeline) SampleRate() float64 { return p.rate }

// Channels returns the stream channel count.
func (p *Pipeline) Channels() int { return p.channels }

// Engine exposes the vocoder, mainly for tests and the CLI banner.
func (p *Pipeline) Engine() *vocoder.Engine { return p.engine }

// Registry exposes the module registry.
func (p *Pipeline) Registry() *live.Registry { return p.registry }

// Watcher returns the reload watcher, nil without a live source.
func (p *Pipeline) Watcher() *live.Watcher { return p.watcher }

// Recorder returns the output recorder, nil when recording is off.
func (p *Pipeline) Recorder() *audio.Recorder { return p.recorder }

// Done is closed once finite input has fully played.
func (p *Pipeline) Done() <-chan struct{} { return p.done }
