// SPDX-License-Identifier: MIT
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"livepv/internal/audio"
	"livepv/internal/config"
	"livepv/internal/control"
	"livepv/internal/live"
	"livepv/internal/observe"
	"livepv/internal/ring"
	"livepv/internal/source"
	"livepv/pkg/spectral"
	"livepv/pkg/utils"
)

const testRate = 16000

// fakeDevice calls the render callback from a goroutine, faster than real
// time, and keeps everything it rendered.
type fakeDevice struct {
	cb       audio.Callback
	samples  int
	interval time.Duration
	silent   bool // never calls back, as a hung driver would

	ctl  sync.Mutex
	stop chan struct{}
	wg   sync.WaitGroup

	mu  sync.Mutex
	out []float32

	starts atomic.Int32
	stops  atomic.Int32
	closed atomic.Bool
}

func (d *fakeDevice) Start() error {
	d.ctl.Lock()
	defer d.ctl.Unlock()
	if d.stop != nil {
		return nil
	}
	d.starts.Add(1)
	d.stop = make(chan struct{})
	if d.silent {
		return nil
	}
	d.wg.Add(1)
	go d.loop(d.stop)
	return nil
}

func (d *fakeDevice) loop(stop chan struct{}) {
	defer d.wg.Done()
	buf := make([]float32, d.samples)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.cb(buf)
			d.mu.Lock()
			d.out = append(d.out, buf...)
			d.mu.Unlock()
		}
	}
}

func (d *fakeDevice) Stop() error {
	d.ctl.Lock()
	defer d.ctl.Unlock()
	if d.stop == nil {
		return nil
	}
	d.stops.Add(1)
	close(d.stop)
	d.stop = nil
	d.wg.Wait()
	return nil
}

func (d *fakeDevice) Close() error {
	d.closed.Store(true)
	return d.Stop()
}

func (d *fakeDevice) rendered() []float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]float32(nil), d.out...)
}

type harness struct {
	cfg    *config.Config
	device *fakeDevice
	status *utils.MockTransport
	deps   Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Audio.Channels = 1
	cfg.Audio.FramesPerBuffer = 256
	cfg.Audio.Watchdog = 0
	cfg.Vocoder.FFTSize = 512
	cfg.Ring.CapacityMs = 100
	cfg.Live.ReapInterval = 5 * time.Millisecond
	cfg.Transport.StatusInterval = 10 * time.Millisecond
	cfg.Shutdown.Fade = 20 * time.Millisecond
	cfg.Shutdown.DrainTimeout = 500 * time.Millisecond
	cfg.Input.ToneHz = 500
	cfg.Audio.SampleRate = testRate

	h := &harness{cfg: &cfg, status: &utils.MockTransport{}}
	h.deps = Deps{
		OpenDevice: func(oc audio.OutputConfig, cb audio.Callback) (audio.Device, error) {
			h.device = &fakeDevice{
				cb:       cb,
				samples:  oc.FramesPerBuffer * oc.Channels,
				interval: time.Millisecond,
			}
			return h.device, nil
		},
		Status: h.status,
	}
	return h
}

func (h *harness) withMemoryInput(frames int, amp float64) {
	h.cfg.Input.Path = "clip.wav"
	h.cfg.Audio.SampleRate = 0
	h.deps.OpenSource = func(string) (source.Source, error) {
		wave := utils.GenerateSineWave(frames, testRate, 500)
		for i := range wave {
			wave[i] *= float32(amp)
		}
		return source.NewMemory(source.Format{SampleRate: testRate, Channels: 1}, wave), nil
	}
}

func (h *harness) new(t *testing.T) *Pipeline {
	t.Helper()
	if err := h.cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	p, err := New(h.cfg, h.deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func runAsync(p *Pipeline, ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return done
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func peak(buf []float32) float32 {
	var m float32
	for _, s := range buf {
		m = max(m, s, -s)
	}
	return m
}

func TestFiniteInputPlaysOut(t *testing.T) {
	h := newHarness(t)
	h.withMemoryInput(testRate, 0.5)
	p := h.new(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("Run returned because of the timeout, not because the input ended")
	}

	select {
	case <-p.Done():
	default:
		t.Fatal("Done not closed after playback")
	}

	if hops := p.Engine().Stats().Hops; hops < uint64(testRate/p.Engine().Hop()) {
		t.Errorf("hops = %d, too few for the input", hops)
	}
	out := h.device.rendered()
	if pk := peak(out); pk < 0.4 || pk > 0.6 {
		t.Errorf("rendered peak = %f, want about 0.5", pk)
	}
	if !h.device.closed.Load() {
		t.Error("device not closed")
	}
	if p.ring.Available() != 0 {
		t.Errorf("ring still holds %d samples", p.ring.Available())
	}
	if len(h.status.Sent()) == 0 {
		t.Error("no status snapshots were published")
	}
}

func TestCancelFadesAndStops(t *testing.T) {
	h := newHarness(t)
	p := h.new(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(p, ctx)
	waitFor(t, "hops", func() bool { return p.Status().Hops > 20 })
	waitFor(t, "fade in", func() bool { return p.fader.Settled() && p.fader.Gain() == 1 })
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if p.fader.Gain() != 0 {
		t.Errorf("fader gain = %f after shutdown, want 0", p.fader.Gain())
	}
	if h.device.starts.Load() != 1 || h.device.stops.Load() != 1 {
		t.Errorf("device starts=%d stops=%d, want 1/1", h.device.starts.Load(), h.device.stops.Load())
	}
	if p.Status().Running {
		t.Error("status still reports running")
	}
}

func TestWatchdogReportsDeviceFailure(t *testing.T) {
	h := newHarness(t)
	h.cfg.Audio.Watchdog = 50 * time.Millisecond
	open := h.deps.OpenDevice
	h.deps.OpenDevice = func(oc audio.OutputConfig, cb audio.Callback) (audio.Device, error) {
		d, err := open(oc, cb)
		h.device.silent = true
		return d, err
	}
	p := h.new(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.Run(ctx)
	if !errors.Is(err, audio.ErrDeviceFailure) {
		t.Fatalf("Run() = %v, want ErrDeviceFailure", err)
	}
	if ctx.Err() != nil {
		t.Fatal("watchdog did not fire before the timeout")
	}
}

func TestDeviceOpenFailure(t *testing.T) {
	h := newHarness(t)
	h.deps.OpenDevice = func(audio.OutputConfig, audio.Callback) (audio.Device, error) {
		return nil, fmt.Errorf("%w: no such device", audio.ErrDeviceFailure)
	}
	if _, err := New(h.cfg, h.deps); !errors.Is(err, audio.ErrDeviceFailure) {
		t.Fatalf("New() = %v, want ErrDeviceFailure", err)
	}
}

// failingSource decodes a few blocks, then reports malformed data.
type failingSource struct {
	good   int
	closed atomic.Bool
}

func (f *failingSource) Format() source.Format {
	return source.Format{SampleRate: testRate, Channels: 1}
}

func (f *failingSource) Read(dst []float32) (int, error) {
	if f.good <= 0 {
		return 0, fmt.Errorf("%w: bad frame header", source.ErrDecode)
	}
	f.good--
	for i := range dst {
		dst[i] = 0.25
	}
	return len(dst), nil
}

func (f *failingSource) Close() error {
	f.closed.Store(true)
	return nil
}

func TestDecodeFailureContinuesWithSilence(t *testing.T) {
	h := newHarness(t)
	h.cfg.Input.Path = "broken.mp3"
	h.cfg.Audio.SampleRate = 0
	bad := &failingSource{good: 10}
	h.deps.OpenSource = func(string) (source.Source, error) { return bad, nil }
	p := h.new(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(p, ctx)

	waitFor(t, "source abandoned", bad.closed.Load)
	before := p.Status().Hops
	waitFor(t, "more hops", func() bool { return p.Status().Hops > before+20 })
	select {
	case <-p.Done():
		t.Fatal("a decode failure must not end the session")
	default:
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestSampleRateMismatch(t *testing.T) {
	h := newHarness(t)
	h.withMemoryInput(1024, 0.5)
	h.cfg.Audio.SampleRate = 48000
	if _, err := New(h.cfg, h.deps); err == nil {
		t.Fatal("expected an error when the file rate differs from audio.sample_rate")
	}
}

func TestInputRemixedToOutputChannels(t *testing.T) {
	h := newHarness(t)
	h.withMemoryInput(1024, 0.5)
	h.cfg.Audio.Channels = 2
	p := h.new(t)
	defer p.closeParts()

	if p.Channels() != 2 || p.src.Format().Channels != 2 {
		t.Errorf("channels = %d, source = %v", p.Channels(), p.src.Format())
	}
	if p.SampleRate() != testRate {
		t.Errorf("rate = %g, want the file rate %d", p.SampleRate(), testRate)
	}
}

func TestControlSurface(t *testing.T) {
	h := newHarness(t)
	p := h.new(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(p, ctx)
	defer func() {
		cancel()
		<-done
	}()
	waitFor(t, "running", func() bool { return p.Status().Running })

	if err := p.SetStretch(2); err != nil {
		t.Fatalf("SetStretch: %v", err)
	}
	if err := p.SetPitch(0.5); err != nil {
		t.Fatalf("SetPitch: %v", err)
	}
	if err := p.SetStretch(100); err == nil {
		t.Error("SetStretch(100) should be rejected")
	}
	if s := p.Status(); s.Stretch != 2 || s.Pitch != 0.5 {
		t.Errorf("status params = %g/%g", s.Stretch, s.Pitch)
	}
	if err := p.ForceReload(); !errors.Is(err, ErrLiveDisabled) {
		t.Errorf("ForceReload() = %v, want ErrLiveDisabled", err)
	}

	resets := p.Engine().Stats().Resets
	p.ResetPhase()
	waitFor(t, "phase reset", func() bool { return p.Engine().Stats().Resets > resets })

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if p.Status().Running || h.device.stops.Load() != 1 {
		t.Error("Stop did not stop the device")
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !p.Status().Running || h.device.starts.Load() != 2 {
		t.Error("Start did not restart the device")
	}

	// The same surface through the command decoder.
	reply := control.Handle(p, []byte(`{"id":"x","cmd":"status"}`))
	if !reply.OK || reply.Status == nil || reply.Status.SampleRate != testRate {
		t.Errorf("status reply = %+v", reply)
	}
}

type stubBuilder struct{ calls atomic.Int32 }

func (b *stubBuilder) Build(ctx context.Context, src string, attempt uint64) (string, error) {
	b.calls.Add(1)
	return fmt.Sprintf("%s.%d.so", src, attempt), nil
}

type halfGainLoader struct{}

func (halfGainLoader) Load(artifact string) (*live.Module, error) {
	return live.NewModule(filepath.Base(artifact), func(bins []spectral.Bin, _ spectral.Params) []spectral.Bin {
		for i := range bins {
			bins[i].Mag *= 0.5
		}
		return bins
	}, nil), nil
}

func TestLiveModuleIsPublished(t *testing.T) {
	h := newHarness(t)
	src := filepath.Join(t.TempDir(), "fx.go")
	if err := os.WriteFile(src, []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	h.cfg.Live.Source = src
	h.cfg.Live.Debounce = 5 * time.Millisecond
	builder := &stubBuilder{}
	h.deps.Builder = builder
	h.deps.Loader = halfGainLoader{}
	p := h.new(t)
	if p.Watcher() == nil {
		t.Fatal("watcher not created for a live source")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(p, ctx)
	defer func() {
		cancel()
		<-done
	}()

	waitFor(t, "first build", func() bool { return p.Registry().Generation() == 1 })
	waitFor(t, "status with build", func() bool {
		s := p.Status()
		return s.LastBuild != nil && s.LastBuild.Status == observe.BuildOK && s.Swaps >= 1
	})

	if err := p.ForceReload(); err != nil {
		t.Fatalf("ForceReload: %v", err)
	}
	waitFor(t, "forced rebuild", func() bool { return p.Registry().Generation() == 2 })
	if builder.calls.Load() != 2 {
		t.Errorf("builds = %d, want 2", builder.calls.Load())
	}
}

func TestRecordingWritesOutput(t *testing.T) {
	h := newHarness(t)
	h.withMemoryInput(testRate/4, 0.5)
	h.cfg.Recording.Enabled = true
	h.cfg.Recording.OutputDir = t.TempDir()
	h.cfg.Recording.File = "take.wav"
	p := h.new(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	src, err := source.OpenWAV(filepath.Join(h.cfg.Recording.OutputDir, "take.wav"))
	if err != nil {
		t.Fatalf("OpenWAV: %v", err)
	}
	defer src.Close()
	got, err := source.ReadAll(src)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) < testRate/4 {
		t.Errorf("recorded %d samples, want at least the input length %d", len(got), testRate/4)
	}
	if pk := peak(got); pk < 0.4 {
		t.Errorf("recorded peak = %f", pk)
	}
}

func TestPacer(t *testing.T) {
	pc := newPacer(1000, 200) // 200ms ring, 100ms lead
	if d := pc.wait(100); d > 0 {
		t.Errorf("first wait = %v, want none", d)
	}
	if d := pc.wait(100); d > 0 {
		t.Errorf("within lead wait = %v, want none", d)
	}
	// 200 frames are queued at 1kHz: the next push is due 100ms in.
	if d := pc.wait(100); d < 50*time.Millisecond || d > 100*time.Millisecond {
		t.Errorf("ahead of the clock wait = %v, want about 100ms", d)
	}
}

func TestCaptureClipIsSplitCroppedAndPlayed(t *testing.T) {
	h := newHarness(t)
	h.cfg.Audio.Channels = 2
	h.cfg.Input.Capture = true
	h.cfg.Input.CaptureClip = time.Second

	// One second of stereo capture: 200 ms of silence, 600 ms of tone on
	// the left only, 200 ms of silence.
	const lead, body = testRate / 5, testRate * 3 / 5
	tone := utils.GenerateSineWave(body, testRate, 500)
	captured := make([]float32, 2*testRate)
	for i, v := range tone {
		captured[2*(lead+i)] = 0.5 * v
	}

	var got audio.InputConfig
	h.deps.OpenCapture = func(ic audio.InputConfig) (source.Source, error) {
		got = ic
		return source.NewMemory(source.Format{SampleRate: testRate, Channels: 2}, captured), nil
	}
	p := h.new(t)

	if got.DeviceID != config.DefaultDeviceID || got.SampleRate != testRate || got.Channels != 2 {
		t.Errorf("capture opened with %+v", got)
	}
	if p.paced {
		t.Error("a recorded clip should play like a file")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	select {
	case <-p.Done():
	default:
		t.Fatal("Done not closed after the clip played")
	}

	hop := uint64(p.Engine().Hop())
	if hops := p.Engine().Stats().Hops; hops < body/hop || hops >= 2*testRate/hop {
		t.Errorf("hops = %d, want the cropped %d frames, not the whole capture", hops, body)
	}
	out := h.device.rendered()
	right := make([]float32, 0, len(out)/2)
	for i := 1; i < len(out); i += 2 {
		right = append(right, out[i])
	}
	if pk := peak(right); pk < 0.4 {
		t.Errorf("right channel peak = %f, want the left side copied over", pk)
	}
}

type countingCloser struct{ n atomic.Int32 }

func (c *countingCloser) Close() error {
	c.n.Add(1)
	return nil
}

func TestLiveCaptureIsPacedAndClosed(t *testing.T) {
	h := newHarness(t)
	h.cfg.Input.Capture = true

	r, err := ring.New(2*testRate, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Push(utils.GenerateSineWave(testRate, testRate, 500)); err != nil {
		t.Fatal(err)
	}
	stream := &countingCloser{}
	h.deps.OpenCapture = func(ic audio.InputConfig) (source.Source, error) {
		return source.NewCapture(r, source.Format{SampleRate: testRate, Channels: ic.Channels}, stream), nil
	}
	p := h.new(t)
	if !p.paced {
		t.Error("live capture should be clocked like a tone")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(p, ctx)
	waitFor(t, "hops", func() bool { return p.Status().Hops > 20 })
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if n := stream.n.Load(); n != 1 {
		t.Errorf("capture stream closed %d times, want 1", n)
	}
}

func TestCaptureOpenFailure(t *testing.T) {
	h := newHarness(t)
	h.cfg.Input.Capture = true
	h.deps.OpenCapture = func(audio.InputConfig) (source.Source, error) {
		return nil, audio.ErrDeviceFailure
	}
	if _, err := New(h.cfg, h.deps); !errors.Is(err, audio.ErrDeviceFailure) {
		t.Errorf("New() error = %v, want ErrDeviceFailure", err)
	}
}
