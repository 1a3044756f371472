// SPDX-License-Identifier: MIT
package pipeline

import (
	"context"
	"errors"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"livepv/internal/ring"
	"livepv/internal/source"
)

// Run plays the session until ctx ends, the input finishes or the device
// fails. It then fades out, drains, stops the device and releases every
// component. A device failure is returned; a normal end returns nil.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.ran.CompareAndSwap(false, true) {
		return errors.New("pipeline: Run called twice")
	}

	g, gctx := errgroup.WithContext(ctx)
	// Background work outlives ctx so the fade and drain still have a
	// watcher, a reaper and a recorder behind them.
	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	prodCtx, stopProducer := context.WithCancel(context.Background())
	defer stopProducer()

	if p.watcher != nil {
		g.Go(func() error {
			// A broken watch only costs live coding, not the session.
			if err := p.watcher.Run(bgCtx); err != nil {
				p.logger.Error("live reload disabled", "err", err)
			}
			return nil
		})
	}
	g.Go(func() error { return p.registry.Maintain(bgCtx, p.cfg.Live.ReapInterval) })
	if p.recorder != nil {
		g.Go(func() error { return p.recorder.Run(bgCtx) })
	}

	if err := p.Start(); err != nil {
		stopBackground()
		_ = g.Wait()
		return errors.Join(err, p.closeParts())
	}

	g.Go(func() error {
		err := p.renderer.Watch(gctx, p.cfg.Audio.Watchdog)
		if err != nil {
			p.metrics.RecordDeviceFailure(context.Background())
			p.logger.Error("output device stopped responding", "err", err)
		}
		return err
	})
	producerDone := make(chan struct{})
	g.Go(func() error {
		defer close(producerDone)
		return p.produce(prodCtx)
	})
	g.Go(func() error { return p.statusLoop(bgCtx) })

	failed := false
	select {
	case <-gctx.Done():
		failed = ctx.Err() == nil
	case <-p.done:
	}

	// Shutdown: fade while the producer still feeds the ring, stop the
	// producer, drain, stop the device, then the background work.
	if !failed && !p.finished() {
		p.fadeOut(p.cfg.Shutdown.Fade)
	}
	stopProducer()
	<-producerDone
	if !failed {
		p.drain(p.cfg.Shutdown.DrainTimeout)
	}
	stopErr := p.stopDevice()
	stopBackground()

	runErr := g.Wait()
	closeErr := p.closeParts()
	if runErr != nil {
		return runErr
	}
	return errors.Join(stopErr, closeErr)
}

func (p *Pipeline) finished() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// fadeOut ramps to silence and waits for the callback to get there.
func (p *Pipeline) fadeOut(d time.Duration) {
	if !p.running.Load() {
		return
	}
	p.logger.Info("fading out", "duration", d)
	p.fader.FadeTo(0, d)
	deadline := time.Now().Add(d + 250*time.Millisecond)
	for !p.fader.Settled() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
}

// drain waits until the callback has consumed the ring or timeout passes.
func (p *Pipeline) drain(timeout time.Duration) {
	if !p.running.Load() {
		return
	}
	deadline := time.Now().Add(timeout)
	for p.ring.Available() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
}

// produce pulls input through the engine into the ring until ctx ends or
// the input has been played out.
func (p *Pipeline) produce(ctx context.Context) error {
	hop := p.engine.Hop()
	in := make([]float32, hop*p.channels)
	out := make([]float32, hop*p.channels)
	mono := make([]float32, p.analyzer.FFTSize())
	monoFill := 0

	pace := newPacer(p.rate, p.ring.Capacity()/p.channels)
	eof := false

	for ctx.Err() == nil {
		for {
			start := time.Now()
			if !p.engine.Next(out) {
				break
			}
			p.metrics.RecordHop(ctx, time.Since(start))

			for i := 0; i < len(out); i += p.channels {
				mono[monoFill] = out[i]
				monoFill++
				if monoFill == len(mono) {
					p.analyzer.Process(mono)
					monoFill = 0
				}
			}

			if !p.push(ctx, out, pace) {
				return nil
			}
		}

		if eof {
			if p.engine.Done() {
				p.playOut(ctx)
				return nil
			}
			continue
		}

		n := min(p.engine.Free(), hop)
		if n == 0 {
			continue
		}
		got, err := p.src.Read(in[:n*p.channels])
		p.engine.Write(in[:got])
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			eof = true
			p.engine.EndOfStream()
		default:
			p.replaceInput(ctx, err)
		}
	}
	return nil
}

// replaceInput swaps a failed source for silence of the same format. The
// session keeps running; only the input is lost.
func (p *Pipeline) replaceInput(ctx context.Context, err error) {
	kind := "read error"
	if errors.Is(err, source.ErrDecode) {
		kind = "decode error"
	}
	p.logger.Warn("input failed, continuing with silence", "input", p.inputName, "kind", kind, "err", err)
	p.metrics.RecordDecodeError(ctx, p.inputName)

	format := p.src.Format()
	_ = p.src.Close()
	p.src = source.NewSilence(format)
}

// playOut waits for the ring to empty after the last hop.
func (p *Pipeline) playOut(ctx context.Context) {
	for p.ring.Available() > 0 {
		if !sleepCtx(ctx, 10*time.Millisecond) {
			return
		}
	}
	p.logger.Info("playback complete", "input", p.inputName, "hops", p.engine.Stats().Hops)
	close(p.done)
}

// push hands one hop to the ring under the overrun policy. It returns false
// when ctx ended while waiting.
func (p *Pipeline) push(ctx context.Context, out []float32, pace *pacer) bool {
	if p.overrun == ring.OverrunBackoff {
		for p.ring.Free() < len(out) {
			if !sleepCtx(ctx, pace.backoff) {
				return false
			}
		}
		_ = p.ring.Push(out)
		return true
	}

	// Clocked input: keep about half a ring ahead of real time and drop
	// whatever does not fit.
	if !sleepCtx(ctx, pace.wait(len(out)/p.channels)) {
		return false
	}
	_ = p.ring.Push(out)
	return true
}

// pacer tracks how far clocked input has run ahead of the wall clock.
type pacer struct {
	rate    float64
	lead    time.Duration
	backoff time.Duration
	start   time.Time
	frames  uint64
}

func newPacer(rate float64, ringFrames int) *pacer {
	ringDur := time.Duration(float64(ringFrames) / rate * float64(time.Second))
	return &pacer{
		rate:    rate,
		lead:    ringDur / 2,
		backoff: max(ringDur/32, time.Millisecond),
	}
}

// wait accounts for frames and returns how long to sleep before pushing
// them.
func (pc *pacer) wait(frames int) time.Duration {
	now := time.Now()
	if pc.start.IsZero() {
		pc.start = now
	}
	due := pc.start.Add(time.Duration(float64(pc.frames)/pc.rate*float64(time.Second)) - pc.lead)
	pc.frames += uint64(frames)
	return due.Sub(now)
}

// sleepCtx sleeps for d, or returns false early when ctx ends.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (p *Pipeline) statusLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Transport.StatusInterval)
	defer ticker.Stop()

	var last ring.Stats
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rs := p.ring.Stats()
			p.metrics.RecordRing(ctx, rs.Underruns-last.Underruns, rs.Overruns-last.Overruns, rs.Fill)
			last = rs
			p.metrics.RecordGeneration(ctx, p.registry.Generation())

			if err := p.deps.Status.Send(p.Status()); err != nil {
				p.logger.Debug("status send failed", "err", err)
			}
		}
	}
}
