// Package reconciler implements the control loop that compares declared
// pool state to the running fleet and issues start/stop directives: load
// config, diff, apply, sleep, repeat.
//
// The lifecycle shape — a struct holding Options and a Run loop driven by a
// ticker and a select over its wake sources — follows the teacher's
// controller package; the cycle
// itself (config load/diff/apply instead of WAL-backed job dispatch) is a
// rewrite grounded in main-loop.cpp's MainLoop::run().
package reconciler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/ChuLiYu/driveshaft/internal/config"
	"github.com/ChuLiYu/driveshaft/internal/dispatch"
	"github.com/ChuLiYu/driveshaft/internal/jq"
	"github.com/ChuLiYu/driveshaft/internal/metrics"
	"github.com/ChuLiYu/driveshaft/internal/procstate"
	"github.com/ChuLiYu/driveshaft/internal/registry"
	"github.com/ChuLiYu/driveshaft/internal/slot"
	"github.com/ChuLiYu/driveshaft/pkg/types"
)

// NewWorker constructs the jq.Worker a freshly spawned slot should attach.
// This is the integration seam for the third-party JQ client library,
// which this repository does not vendor; production wiring plugs in a real
// client here the same way it would plug in a real JobSource.
type NewWorker func() jq.Worker

// Options configures a Reconciler. All fields are required unless noted.
type Options struct {
	JobsConfigPath string
	LoopTimeout    time.Duration
	MaxRunningTime time.Duration

	Registry *registry.Registry
	Metrics  *metrics.Collector
	Proc     *procstate.State
	NewWorker NewWorker

	Logger *slog.Logger // optional; defaults to slog.Default()
}

// Reconciler runs the single-threaded reconciliation loop.
type Reconciler struct {
	opts      Options
	timeouts  config.DerivedTimeouts
	log       *slog.Logger

	mu      sync.Mutex
	current *types.DesiredConfig
}

// New builds a Reconciler from opts.
func New(opts Options) *Reconciler {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		opts:     opts,
		timeouts: config.DeriveTimeouts(opts.LoopTimeout),
		log:      log,
	}
}

// Run executes reconciliation cycles until ctx is done or a shutdown
// sequence completes. It is meant to be run in its own goroutine (or
// supervised by an errgroup) for the lifetime of the process.
func (r *Reconciler) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if dir := parentDir(r.opts.JobsConfigPath); dir != "" {
			_ = watcher.Add(dir)
		}
	} else {
		r.log.Warn("reconciler: fsnotify unavailable, falling back to poll-only reload", "error", err)
	}

	ticker := time.NewTicker(r.opts.LoopTimeout)
	defer ticker.Stop()

	for {
		switch r.opts.Proc.Type() {
		case procstate.ShutdownGraceful:
			r.drain(ctx, false)
			return nil
		case procstate.ShutdownHard:
			r.drain(ctx, true)
			return nil
		}

		r.cycle()

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case ev, ok := <-watcherEvents(watcher):
			if ok && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				// Wake up early; the mtime check inside cycle() still
				// decides whether anything actually changed.
			}
		}
	}
}

// watcherEvents returns w.Events, or a nil channel (which blocks forever
// in a select) if fsnotify could not be initialized.
func watcherEvents(w *fsnotify.Watcher) <-chan fsnotify.Event {
	if w == nil {
		return nil
	}
	return w.Events
}

// cycle runs one load/diff/apply pass, per §4.4 steps 2-4.
func (r *Reconciler) cycle() {
	next, changed, err := config.LoadIfChanged(r.opts.JobsConfigPath, r.currentConfig())
	if err != nil {
		r.log.Error("reconciler: config load failed, keeping previous config", "error", err)
	}
	if !changed {
		// No new config: apply the current one again so slots that exited
		// since the last cycle are replaced.
		next = r.currentConfig()
		if next == nil {
			return
		}
	}

	old := r.currentConfig()
	toStop, _ := config.Diff(old, next)

	for pool := range toStop {
		if n := r.opts.Registry.PoolCount(pool); n > 0 {
			r.opts.Registry.RequestShutdown(pool, n)
		}
	}

	for _, pool := range next.Pools {
		current := r.opts.Registry.PoolCount(pool.Name)
		delta := pool.PoolSize - current
		switch {
		case delta > 0:
			r.scaleUp(pool, delta, next.Servers)
		case delta < 0:
			r.opts.Registry.RequestShutdown(pool.Name, -delta)
		}
		r.opts.Metrics.SetActiveSlots(pool.Name, r.opts.Registry.PoolCount(pool.Name))
	}
	r.opts.Metrics.SetPoolsConfigured(len(next.Pools))

	r.setCurrentConfig(next)
}

// scaleUp spawns count new slots for pool, one at a time, waiting on each
// slot's start handshake before launching the next. This bounds peak
// memory during scale-ups and surfaces attach errors before they compound.
// servers is the server set of the config being applied, not whatever was
// previously current — on the first cycle r.current is still nil, and
// slots spawned from it must still attach to the servers named by next.
func (r *Reconciler) scaleUp(pool types.PoolSpec, count int, servers []string) {
	for i := 0; i < count; i++ {
		if r.opts.Proc.GlobalShutdown() {
			return
		}
		id := types.SlotID(uuid.NewString())
		started := make(chan slot.StartResult, 1)
		go slot.Run(id, r.slotConfig(pool, servers), r.opts.Registry, r.opts.Proc, started)

		select {
		case res := <-started:
			if res.Err != nil {
				r.log.Error("reconciler: slot failed to attach", "pool", pool.Name, "error", res.Err)
			}
		case <-r.opts.Proc.Context().Done():
			return
		}
	}
}

// slotConfig builds the per-slot Config handed to slot.Run, binding a
// fresh dispatch.Dispatcher per function so each slot's HTTP client and
// state-string callback are its own.
func (r *Reconciler) slotConfig(pool types.PoolSpec, servers []string) slot.Config {
	return slot.Config{
		Pool:                    pool.Name,
		Servers:                 append([]string(nil), servers...),
		Jobs:                    append([]string(nil), pool.Jobs...),
		GearmandResponseTimeout: r.timeouts.GearmandResponseTimeout,
		NewWorker:               func() jq.Worker { return r.opts.NewWorker() },
		NewHandler: func(function string, setState func(string)) jq.Handler {
			d := dispatch.New(pool.Name, function, pool.URI, r.opts.MaxRunningTime, r.opts.Metrics, setState)
			return d.Handle
		},
	}
}

func (r *Reconciler) currentConfig() *types.DesiredConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *Reconciler) setCurrentConfig(c *types.DesiredConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = c
}

// drain implements the GRACEFUL/HARD shutdown paths of §4.4 step 1: zero
// every pool's worker count, wait the appropriate drain window, and for
// HARD cancel the shared context immediately so in-flight jobs abort.
func (r *Reconciler) drain(ctx context.Context, hard bool) {
	if hard {
		r.opts.Proc.TriggerHard()
	}

	if cfg := r.currentConfig(); cfg != nil {
		for _, p := range cfg.Pools {
			if n := r.opts.Registry.PoolCount(p.Name); n > 0 {
				r.opts.Registry.RequestShutdown(p.Name, n)
			}
		}
	}

	wait := r.timeouts.GracefulWait
	if hard {
		wait = r.timeouts.HardWait
	}
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}

	if !hard {
		r.opts.Proc.FinishGraceful()
	}
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return ""
}
