// SPDX-License-Identifier: MIT
package live

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"livepv/internal/log"
	"livepv/internal/observe"
)

// ErrWatcherRunning is returned by BuildNow while Run is active.
var ErrWatcherRunning = errors.New("live: watcher is running")

// Result describes one reload attempt.
type Result struct {
	Attempt    uint64        `json:"attempt"`
	State      State         `json:"-"`
	Status     string        `json:"status"`
	Generation uint64        `json:"generation,omitempty"`
	Artifact   string        `json:"artifact,omitempty"`
	Duration   time.Duration `json:"duration"`
	Time       time.Time     `json:"time"`
	Err        error         `json:"-"`
	Message    string        `json:"message,omitempty"`
}

// OK reports whether the attempt left a new module active.
func (r Result) OK() bool {
	return r.State == StateLoaded && r.Err == nil && r.Status == observe.BuildOK
}

// Watcher rebuilds and republishes a transform source whenever it changes.
type Watcher struct {
	path     string
	builder  Builder
	loader   Loader
	registry *Registry

	debounce     time.Duration
	buildOnStart bool
	metrics      *observe.Metrics
	onResult     func(Result)
	log          *log.Logger

	trigger  chan struct{}
	force    atomic.Bool
	running  atomic.Bool
	state    atomic.Int32
	attempts atomic.Uint64

	// Owned by the goroutine running attempts.
	lastHash [sha256.Size]byte
	hasHash  bool

	mu      sync.Mutex
	last    Result
	hasLast bool
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the quiet period after the last change notification.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d >= 0 {
			w.debounce = d
		}
	}
}

// WithBuildOnStart makes Run build the source once before waiting for changes.
func WithBuildOnStart(on bool) WatcherOption {
	return func(w *Watcher) { w.buildOnStart = on }
}

func WithMetrics(m *observe.Metrics) WatcherOption {
	return func(w *Watcher) { w.metrics = m }
}

// WithResultHook is called after every attempt from the watcher goroutine.
func WithResultHook(fn func(Result)) WatcherOption {
	return func(w *Watcher) { w.onResult = fn }
}

// NewWatcher returns a watcher for the transform source at path.
func NewWatcher(path string, builder Builder, loader Loader, registry *Registry, opts ...WatcherOption) (*Watcher, error) {
	if builder == nil || loader == nil || registry == nil {
		return nil, errors.New("live: watcher needs a builder, a loader and a registry")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("live: watch path: %w", err)
	}
	w := &Watcher{
		path:         filepath.Clean(abs),
		builder:      builder,
		loader:       loader,
		registry:     registry,
		debounce:     100 * time.Millisecond,
		buildOnStart: true,
		log:          log.With("watcher"),
		trigger:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.state.Store(int32(StateUnbuilt))
	return w, nil
}

func (w *Watcher) Path() string { return w.path }

// State returns the state of the latest attempt.
func (w *Watcher) State() State { return State(w.state.Load()) }

// Attempts returns the number of builds started.
func (w *Watcher) Attempts() uint64 { return w.attempts.Load() }

// LastResult returns the outcome of the most recent attempt.
func (w *Watcher) LastResult() (Result, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last, w.hasLast
}

// Trigger schedules an attempt. Triggers arriving while one is pending or a
// build is running collapse into a single follow-up attempt.
func (w *Watcher) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// ForceReload schedules an attempt that rebuilds even if the source is
// unchanged.
func (w *Watcher) ForceReload() {
	w.force.Store(true)
	w.Trigger()
}

// Run watches the source until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return ErrWatcherRunning
	}
	defer w.running.Store(false)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("live: fsnotify: %w", err)
	}
	defer fw.Close()

	// Watch the directory: editors often replace the file by rename, which
	// would silently drop a watch placed on the file itself.
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("live: watch %s: %w", filepath.Dir(w.path), err)
	}
	w.log.Info("watching transform source", "path", w.path, "debounce", w.debounce)

	if w.buildOnStart {
		w.Trigger()
	}

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			w.log.Debug("source changed", "op", ev.Op.String())
			if w.debounce == 0 {
				w.Trigger()
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("fsnotify error", "error", err)

		case <-timerC:
			timerC = nil
			w.Trigger()

		case <-w.trigger:
			if ctx.Err() != nil {
				return nil
			}
			w.attempt(ctx)
		}
	}
}

// BuildNow runs one forced attempt synchronously. It must not be used while
// Run is active.
func (w *Watcher) BuildNow(ctx context.Context) (Result, error) {
	if !w.running.CompareAndSwap(false, true) {
		return Result{}, ErrWatcherRunning
	}
	defer w.running.Store(false)
	w.force.Store(true)
	return w.attempt(ctx), nil
}

func (w *Watcher) attempt(ctx context.Context) Result {
	start := time.Now()
	res := Result{Time: start}

	data, err := os.ReadFile(w.path)
	if err != nil {
		res.State = StateBuildFailed
		res.Status = observe.BuildFailed
		res.Err = &BuildError{Err: fmt.Errorf("read source: %w", err)}
		return w.finish(ctx, res, start)
	}
	sum := sha256.Sum256(data)
	forced := w.force.Swap(false)
	if !forced && w.hasHash && sum == w.lastHash {
		res.State = w.State()
		res.Status = observe.BuildUnchanged
		_, res.Generation = w.registry.Current()
		w.log.Debug("source unchanged, skipping build")
		return w.finish(ctx, res, start)
	}

	res.Attempt = w.attempts.Add(1)
	w.state.Store(int32(StateBuilding))
	w.log.Info("building transform", "attempt", res.Attempt, "forced", forced)

	artifact, err := w.builder.Build(ctx, w.path, res.Attempt)
	if err != nil {
		res.State = StateBuildFailed
		res.Status = observe.BuildFailed
		res.Err = err
		return w.finish(ctx, res, start)
	}
	res.Artifact = artifact

	m, err := w.loader.Load(artifact)
	if err != nil {
		res.State = StateBuildFailed
		res.Status = observe.BuildLoadFailed
		res.Err = err
		return w.finish(ctx, res, start)
	}
	m.name = fmt.Sprintf("%s#%d", filepath.Base(w.path), res.Attempt)

	gen, err := w.registry.Publish(m)
	if err != nil {
		res.State = StateBuildFailed
		res.Status = observe.BuildPublishFail
		res.Err = err
		return w.finish(ctx, res, start)
	}
	w.lastHash, w.hasHash = sum, true
	res.State = StateLoaded
	res.Status = observe.BuildOK
	res.Generation = gen
	w.metrics.RecordGeneration(ctx, gen)
	return w.finish(ctx, res, start)
}

func (w *Watcher) finish(ctx context.Context, res Result, start time.Time) Result {
	res.Duration = time.Since(start)
	if res.Err != nil {
		res.Message = res.Err.Error()
	}
	if res.Status != observe.BuildUnchanged {
		w.state.Store(int32(res.State))
	}

	switch {
	case res.Err != nil:
		// The registry is untouched: the previous module keeps playing.
		w.log.Error("reload failed, keeping current module", "attempt", res.Attempt,
			"status", res.Status, "error", res.Err)
	case res.Status == observe.BuildOK:
		w.log.Info("transform loaded", "attempt", res.Attempt, "generation", res.Generation,
			"took", res.Duration.Round(time.Millisecond))
	}
	w.metrics.RecordBuild(context.WithoutCancel(ctx), res.Status, res.Duration)

	w.mu.Lock()
	w.last, w.hasLast = res, true
	w.mu.Unlock()

	if w.onResult != nil {
		w.onResult(res)
	}
	return res
}
