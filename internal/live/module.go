// SPDX-License-Identifier: MIT
package live

import (
	"sync"
	"sync/atomic"
	"time"

	"livepv/pkg/spectral"
)

// State is a step in the lifecycle of a build attempt or a loaded module.
//
//	Unbuilt -> Building -> Loaded | BuildFailed
//	Loaded -> Superseded -> Retired
//	Loaded | Superseded -> Rejected -> Retired
type State int32

const (
	StateUnbuilt State = iota
	StateBuilding
	StateLoaded
	StateBuildFailed
	StateSuperseded
	StateRetired
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateUnbuilt:
		return "unbuilt"
	case StateBuilding:
		return "building"
	case StateLoaded:
		return "loaded"
	case StateBuildFailed:
		return "build_failed"
	case StateSuperseded:
		return "superseded"
	case StateRetired:
		return "retired"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Module is a loaded transform plus the bookkeeping the registry needs to
// hand it to the audio thread and to retire it safely.
type Module struct {
	name     string
	artifact string
	fn       spectral.TransformFunc
	closer   func() error
	loadedAt time.Time

	// generation is written once by Publish before the module becomes
	// visible through the registry's atomic pointer.
	generation uint64
	published  atomic.Bool

	state     atomic.Int32
	validated atomic.Bool
	prev      atomic.Pointer[Module]
	closeOnce sync.Once
}

// NewModule wraps fn as a loaded module. closer, if not nil, runs once when
// the module is retired.
func NewModule(name string, fn spectral.TransformFunc, closer func() error) *Module {
	if fn == nil {
		fn = spectral.Identity
	}
	m := &Module{
		name:     name,
		fn:       fn,
		closer:   closer,
		loadedAt: time.Now(),
	}
	m.state.Store(int32(StateLoaded))
	return m
}

// newIdentity returns the built-in passthrough module. It is validated from
// the start since it cannot break the bin contract.
func newIdentity() *Module {
	m := NewModule("identity", spectral.Identity, nil)
	m.validated.Store(true)
	return m
}

func (m *Module) Name() string        { return m.name }
func (m *Module) Artifact() string    { return m.artifact }
func (m *Module) Generation() uint64  { return m.generation }
func (m *Module) LoadedAt() time.Time { return m.loadedAt }
func (m *Module) State() State        { return State(m.state.Load()) }

// Validated reports whether the module has completed at least one hop
// without breaking the bin contract.
func (m *Module) Validated() bool { return m.validated.Load() }

// Apply runs the transform. Called from the audio thread.
func (m *Module) Apply(bins []spectral.Bin, p spectral.Params) []spectral.Bin {
	return m.fn(bins, p)
}

// Fallback returns the module to use for a hop in which m broke the bin
// contract: the predecessor while m has never run cleanly, nil (identity)
// after that. The predecessor is kept alive until m is validated.
func (m *Module) Fallback() *Module {
	if m.validated.Load() {
		return nil
	}
	return m.prev.Load()
}

func (m *Module) retire() error {
	m.state.Store(int32(StateRetired))
	m.prev.Store(nil)
	var err error
	m.closeOnce.Do(func() {
		if m.closer != nil {
			err = m.closer()
		}
	})
	return err
}

// reject moves a live module to Rejected. It reports false when the module
// was already rejected or retired.
func (m *Module) reject() bool {
	for {
		s := m.state.Load()
		if State(s) != StateLoaded && State(s) != StateSuperseded {
			return false
		}
		if m.state.CompareAndSwap(s, int32(StateRejected)) {
			return true
		}
	}
}

// alive reports whether the module may be made active again.
func (m *Module) alive() bool {
	s := m.State()
	return s == StateLoaded || s == StateSuperseded
}
