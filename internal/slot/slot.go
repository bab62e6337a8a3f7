// Package slot implements SlotRunner: the per-worker-slot loop that
// attaches to the JQ servers, alternates between fetching work and
// sleeping on readiness, and dispatches each fetched job over HTTP.
//
// The state machine and outer loop are a direct translation of
// thread-loop.cpp / gearman-client.cpp's GearmanClient::run(): GRAB_JOB is
// a non-blocking work() call, POLL is a bounded wait() call, and a
// retriable failure sleeps and retries up to a fixed attempt budget before
// the slot gives up and lets the Reconciler respawn it next cycle.
package slot

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ChuLiYu/driveshaft/internal/jq"
	"github.com/ChuLiYu/driveshaft/internal/procstate"
	"github.com/ChuLiYu/driveshaft/internal/registry"
	"github.com/ChuLiYu/driveshaft/pkg/types"
)

const (
	maxAttempts  = 5
	retryBackoff = 10 * time.Second
)

// state is the slot's JQ-interaction state, GRAB_JOB or POLL. Naming
// mirrors the JQ library's own vocabulary: a GRAB_JOB->POLL transition
// happens when there is *no* work (IO_WAIT/NO_JOBS), and POLL->GRAB_JOB
// happens when the server signals data has arrived (SUCCESS). This reads
// backwards from the state names but is the documented, intentional
// behavior.
type state int

const (
	stateGrabJob state = iota
	statePoll
)

// Config carries everything a Runner needs to attach and run, computed
// once by the Reconciler and handed to the slot at spawn time. Each
// Runner gets its own copy so a later config reload never mutates a
// running slot's view of its pool.
type Config struct {
	Pool                    string
	Servers                 []string
	Jobs                    []string
	GearmandResponseTimeout time.Duration

	// NewWorker constructs the jq.Worker this slot should attach to the
	// JQ servers. In production this wraps the real client library; tests
	// supply a constructor returning an internal/jq/fake Worker.
	NewWorker func() jq.Worker

	// NewHandler builds the jq.Handler bound to one function name,
	// typically a *dispatch.Dispatcher's Handle method with a
	// SetState closure wired to this slot's registry entry.
	NewHandler func(function string, setState func(string)) jq.Handler
}

// StartResult is sent once over a Runner's start-handshake channel so the
// Reconciler can observe attach success/failure before spawning the next
// slot.
type StartResult struct {
	ID  types.SlotID
	Err error
}

// Runner is one running worker slot.
type Runner struct {
	id     types.SlotID
	cfg    Config
	reg    *registry.Registry
	proc   *procstate.State
	worker jq.Worker
}

// Run constructs a slot, registers it, attaches to JQ, and — if attach
// succeeds — runs its outer loop until shutdown or a fatal/exhausted
// failure. started receives exactly one StartResult, synchronously with
// the moment the Reconciler may safely spawn the next slot.
//
// Run blocks until the slot's loop exits; callers run it in its own
// goroutine.
func Run(id types.SlotID, cfg Config, reg *registry.Registry, proc *procstate.State, started chan<- StartResult) {
	r := &Runner{id: id, cfg: cfg, reg: reg, proc: proc}

	reg.Register(cfg.Pool, id)
	if err := r.attach(); err != nil {
		reg.Unregister(id)
		started <- StartResult{ID: id, Err: err}
		return
	}

	started <- StartResult{ID: id}
	defer func() {
		r.worker.Close()
		reg.Unregister(id)
	}()

	r.loop()
}

func (r *Runner) attach() error {
	r.worker = r.cfg.NewWorker()
	for _, s := range r.cfg.Servers {
		if err := r.worker.AddServer(s); err != nil {
			return fmt.Errorf("slot %s: add_server %s: %w", r.id, s, err)
		}
	}
	for _, fn := range r.cfg.Jobs {
		handler := r.cfg.NewHandler(fn, func(s string) { r.reg.SetState(r.id, s) })
		if err := r.worker.AddFunction(fn, handler); err != nil {
			return fmt.Errorf("slot %s: add_function %s: %w", r.id, fn, err)
		}
	}
	return nil
}

// loop is the outer loop described in §4.2: check shutdown, run one state
// machine turn, classify the result, repeat.
func (r *Runner) loop() {
	st := stateGrabJob
	attempts := 0
	bo := backoff.NewConstantBackOff(retryBackoff)

	for {
		if r.proc.GlobalShutdown() || r.reg.ShouldShutdown(r.id) {
			r.reg.SetState(r.id, "shutting down")
			return
		}

		var err error
		st, err = r.step(st)
		if err == nil {
			// attempts is a lifetime budget, not a consecutive-failure
			// counter: it persists across intervening successes for as
			// long as this slot is running. A fresh respawn starts a new
			// Runner with its own attempts at 0.
			continue
		}

		if !jq.IsRetriable(err) {
			r.reg.SetState(r.id, fmt.Sprintf("fatal: %s", err))
			return
		}

		attempts++
		if attempts > maxAttempts {
			r.reg.SetState(r.id, fmt.Sprintf("giving up after %d attempts: %s", attempts, err))
			return
		}
		r.reg.SetState(r.id, fmt.Sprintf("retrying (%d/%d): %s", attempts, maxAttempts, err))

		select {
		case <-time.After(bo.NextBackOff()):
		case <-r.proc.Context().Done():
			return
		}
	}
}

// step runs one turn of the GRAB_JOB/POLL state machine and returns the
// next state, or a *jq.Error classified retriable/fatal.
func (r *Runner) step(st state) (state, error) {
	switch st {
	case stateGrabJob:
		r.reg.SetState(r.id, "waiting")
		code, err := r.worker.Work(r.proc.Context())
		if err != nil {
			return st, jq.NewFatalError("work", jq.Unknown)
		}
		switch code {
		case jq.IOWait, jq.NoJobs:
			return statePoll, nil
		case jq.Timeout, jq.NotConnected:
			return st, jq.NewRetriableError("work", code)
		case jq.Success:
			return stateGrabJob, nil
		default:
			return st, jq.NewFatalError("work", code)
		}

	case statePoll:
		ctx, cancel := context.WithTimeout(r.proc.Context(), r.cfg.GearmandResponseTimeout)
		defer cancel()
		code, err := r.worker.Wait(ctx)
		if err != nil {
			return st, jq.NewFatalError("wait", jq.Unknown)
		}
		switch code {
		case jq.Success:
			return stateGrabJob, nil
		case jq.Timeout:
			return st, nil
		case jq.NoActiveFDs:
			return st, jq.NewFatalError("wait", code)
		default:
			return st, jq.NewFatalError("wait", code)
		}
	}
	return st, jq.NewFatalError("step", jq.Unknown)
}
