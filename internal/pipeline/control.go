// SPDX-License-Identifier: MIT
package pipeline

import (
	"context"
	"time"

	"livepv/internal/analysis"
	"livepv/internal/control"
)

var _ control.Controller = (*Pipeline)(nil)

// SetStretch changes the time-stretch factor from the next hop on.
func (p *Pipeline) SetStretch(factor float64) error {
	if err := p.engine.SetStretch(factor); err != nil {
		return err
	}
	p.logger.Info("stretch changed", "stretch", factor)
	return nil
}

// SetPitch changes the pitch-shift factor from the next hop on.
func (p *Pipeline) SetPitch(factor float64) error {
	if err := p.engine.SetPitch(factor); err != nil {
		return err
	}
	p.logger.Info("pitch changed", "pitch", factor)
	return nil
}

// ForceReload rebuilds the transform even if its source is unchanged.
func (p *Pipeline) ForceReload() error {
	if p.watcher == nil {
		return ErrLiveDisabled
	}
	p.watcher.ForceReload()
	return nil
}

// ResetPhase reseeds the phase accumulators at the next hop.
func (p *Pipeline) ResetPhase() {
	p.engine.RequestReset()
	p.logger.Info("phase reset requested")
}

// Start starts (or resumes) the output stream with a short fade in.
func (p *Pipeline) Start() error {
	p.ctlMu.Lock()
	defer p.ctlMu.Unlock()
	if p.running.Load() {
		return nil
	}
	p.renderer.Arm()
	if err := p.device.Start(); err != nil {
		p.renderer.Disarm()
		p.metrics.RecordDeviceFailure(context.Background())
		return err
	}
	p.running.Store(true)
	p.fader.FadeTo(1, declick)
	p.logger.Info("output started")
	return nil
}

// Stop pauses the output stream after a short fade out. Buffered audio
// stays in the ring and plays on Start.
func (p *Pipeline) Stop() error {
	if err := p.stopDevice(); err != nil {
		return err
	}
	p.logger.Info("output stopped")
	return nil
}

func (p *Pipeline) stopDevice() error {
	p.ctlMu.Lock()
	defer p.ctlMu.Unlock()
	if !p.running.Load() {
		return nil
	}
	if !p.fader.Settled() || p.fader.Gain() > 0 {
		p.fader.FadeTo(0, declick)
		deadline := time.Now().Add(4 * declick)
		for !p.fader.Settled() && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}
	p.renderer.Disarm()
	p.running.Store(false)
	return p.device.Stop()
}

// Status snapshots the session. Safe from any goroutine.
func (p *Pipeline) Status() control.Status {
	es := p.engine.Stats()
	rs := p.ring.Stats()
	params := p.engine.Params()
	m, gen := p.registry.Current()

	s := control.Status{
		Time:        time.Now(),
		Running:     p.running.Load(),
		Generation:  gen,
		Module:      m.Name(),
		ModuleState: m.State().String(),
		Stretch:     params.Stretch,
		Pitch:       params.Pitch,
		SampleRate:  p.rate,
		Channels:    p.channels,
		RingFill:    rs.FillRatio(),
		Underruns:   rs.Underruns,
		Overruns:    rs.Overruns,
		Hops:        es.Hops,
		Violations:  es.Violations,
		Swaps:       es.Swaps,
		Clipped:     p.renderer.Clipped(),
		PeakHz:      p.analyzer.PeakFrequency(20, p.rate/2),
		Bands:       p.analyzer.Bands(analysis.DefaultBands(p.rate)),
	}

	if p.watcher != nil {
		if r, ok := p.watcher.LastResult(); ok {
			b := &control.Build{
				Attempt:    int(r.Attempt),
				Status:     r.Status,
				Generation: r.Generation,
				Duration:   r.Duration,
				Time:       r.Time,
			}
			if r.Err != nil {
				b.Error = r.Err.Error()
			}
			s.LastBuild = b
		}
	}
	return s
}
