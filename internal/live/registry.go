// SPDX-License-Identifier: MIT
package live

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"livepv/internal/log"
)

// Registry holds the active transform module and hands it to the audio
// thread without locks. Superseded modules are retired only once every
// reader has provably stopped using them.
//
// Each Reader carries an epoch counter that is odd while a hop is in
// flight. A superseded module is first armed, at which point an epoch
// snapshot is taken, and retired once every reader that was mid-hop in the
// snapshot has moved on. Hops that start after arming cannot reach the
// module, so this is exact rather than time based.
type Registry struct {
	active  atomic.Pointer[Module]
	gen     atomic.Uint64
	faulted atomic.Bool

	mu      sync.Mutex
	readers []*Reader
	pending []*retirement
	closed  bool
	retired uint64

	onRetire   func(*Module)
	onRollback func(from, to *Module)
	log        *log.Logger
}

type retirement struct {
	m         *Module
	successor *Module
	snap      []uint64 // nil until armed
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRetireHook is called, under the registry lock, for every retired module.
func WithRetireHook(fn func(*Module)) RegistryOption {
	return func(r *Registry) { r.onRetire = fn }
}

// WithRollbackHook is called when a rejected module is replaced.
func WithRollbackHook(fn func(from, to *Module)) RegistryOption {
	return func(r *Registry) { r.onRollback = fn }
}

// NewRegistry returns a registry whose active module is the identity
// transform at generation 0.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{log: log.With("live")}
	for _, opt := range opts {
		opt(r)
	}
	id := newIdentity()
	id.published.Store(true)
	r.active.Store(id)
	return r
}

// Current returns the active module and its generation.
func (r *Registry) Current() (*Module, uint64) {
	m := r.active.Load()
	return m, m.generation
}

// Generation returns the number of modules published so far. It never goes
// backwards, including across rollbacks.
func (r *Registry) Generation() uint64 { return r.gen.Load() }

// Publish makes m the active module and returns its generation. The
// previous module stays reachable through m's fallback until m is
// validated or superseded.
func (r *Registry) Publish(m *Module) (uint64, error) {
	if m == nil {
		return 0, ErrNilModule
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrClosed
	}
	if m.State() != StateLoaded {
		return 0, ErrNotLoaded
	}
	if !m.published.CompareAndSwap(false, true) {
		return 0, ErrAlreadyPublished
	}

	old := r.active.Load()
	m.prev.Store(old)
	m.generation = r.gen.Add(1)
	r.active.Store(m)

	old.state.CompareAndSwap(int32(StateLoaded), int32(StateSuperseded))
	r.pending = append(r.pending, &retirement{m: old, successor: m})

	r.log.Debug("module published", "name", m.name, "generation", m.generation, "previous", old.generation)
	r.reapLocked()
	return m.generation, nil
}

// Reap rolls back a rejected active module and retires every superseded
// module no reader can still hold. It returns the number retired.
func (r *Registry) Reap() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reapLocked()
}

// Pending returns the number of superseded modules not yet retired.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Retired returns the total number of modules retired.
func (r *Registry) Retired() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retired
}

// Maintain calls Reap every interval until ctx is done.
func (r *Registry) Maintain(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Reap()
		}
	}
}

// Close retires every module including the active one. Readers must have
// stopped before Close is called.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var firstErr error
	for _, p := range r.pending {
		if err := r.retireLocked(p.m); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.pending = nil
	if err := r.retireLocked(r.active.Load()); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (r *Registry) reapLocked() int {
	if r.faulted.Swap(false) {
		r.rollbackLocked()
	}

	active := r.active.Load()
	n := 0
	kept := r.pending[:0]
	for _, p := range r.pending {
		if p.snap == nil {
			if !p.successor.validated.Load() && p.successor == active {
				kept = append(kept, p)
				continue
			}
			// From here on no new hop can reach p.m: the successor is no
			// longer active or it no longer falls back.
			p.snap = r.snapshotLocked()
		}
		if !r.quiescentLocked(p.snap) {
			kept = append(kept, p)
			continue
		}
		if err := r.retireLocked(p.m); err != nil {
			r.log.Warn("module close failed", "name", p.m.name, "generation", p.m.generation, "error", err)
		}
		n++
	}
	for i := len(kept); i < len(r.pending); i++ {
		r.pending[i] = nil
	}
	r.pending = kept
	return n
}

// rollbackLocked replaces a rejected active module with its nearest live
// predecessor, or a fresh identity module when none is left.
func (r *Registry) rollbackLocked() {
	cur := r.active.Load()
	if cur.State() != StateRejected {
		return
	}

	var target *Module
	for p := cur.prev.Load(); p != nil; p = p.prev.Load() {
		if p.alive() {
			target = p
			break
		}
	}
	if target == nil {
		target = newIdentity()
		target.published.Store(true)
	} else {
		r.unpendLocked(target)
		target.state.Store(int32(StateLoaded))
	}

	target.prev.Store(nil)
	r.active.Store(target)
	r.pending = append(r.pending, &retirement{m: cur, successor: target})

	r.log.Warn("module rejected, rolled back", "name", cur.name, "generation", cur.generation,
		"active", target.name, "active_generation", target.generation)
	if r.onRollback != nil {
		r.onRollback(cur, target)
	}
}

func (r *Registry) unpendLocked(m *Module) {
	for i, p := range r.pending {
		if p.m == m {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return
		}
	}
}

func (r *Registry) retireLocked(m *Module) error {
	if m.State() == StateRetired {
		return nil
	}
	err := m.retire()
	r.retired++
	r.log.Debug("module retired", "name", m.name, "generation", m.generation)
	if r.onRetire != nil {
		r.onRetire(m)
	}
	return err
}

func (r *Registry) snapshotLocked() []uint64 {
	snap := make([]uint64, len(r.readers))
	for i, rd := range r.readers {
		snap[i] = rd.epoch.Load()
	}
	return snap
}

// quiescentLocked reports whether every reader that was mid-hop when snap
// was taken has since finished that hop.
func (r *Registry) quiescentLocked(snap []uint64) bool {
	for i, e := range snap {
		if e&1 == 1 && r.readers[i].epoch.Load() == e {
			return false
		}
	}
	return true
}

// Reader is a single consumer's handle on the registry. A Reader must not
// be used from more than one goroutine at a time.
type Reader struct {
	reg   *Registry
	epoch atomic.Uint64
}

// NewReader registers a consumer. Readers are never removed.
func (r *Registry) NewReader() *Reader {
	rd := &Reader{reg: r}
	r.mu.Lock()
	r.readers = append(r.readers, rd)
	r.mu.Unlock()
	return rd
}

// Acquire marks the start of a hop and returns the module to use for it.
// The module, and its fallback, stay valid until Release.
func (rd *Reader) Acquire() *Module {
	rd.epoch.Add(1)
	return rd.reg.active.Load()
}

// Release marks the end of the hop started by Acquire.
func (rd *Reader) Release() {
	rd.epoch.Add(1)
}

// Confirm records that m completed a hop within the bin contract.
func (rd *Reader) Confirm(m *Module) {
	if !m.validated.Load() {
		m.validated.Store(true)
	}
}

// Reject marks m as having broken the bin contract. The registry rolls
// back on its next Reap. It reports whether m was newly rejected.
func (rd *Reader) Reject(m *Module) bool {
	if m == nil || !m.reject() {
		return false
	}
	rd.reg.faulted.Store(true)
	return true
}
