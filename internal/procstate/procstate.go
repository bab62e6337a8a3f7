// Package procstate holds the two process-wide shutdown flags the original
// design keeps as bare global atomics: a shutdown-type enum set by signal
// handlers, and a global-shutdown boolean that aborts in-flight work.
//
// Go code that "discourages globals" still needs one shared instance of
// this state reachable from the signal handler, the Reconciler, every
// SlotRunner's HTTP dispatch, and the StatusServer's accept loop — so
// State is constructed once in main and passed down explicitly instead of
// living as a package-level variable.
package procstate

import (
	"context"
	"sync/atomic"
)

// ShutdownType mirrors the three-way state the signal handlers flip.
type ShutdownType int32

const (
	ShutdownNone ShutdownType = iota
	ShutdownGraceful
	ShutdownHard
)

func (t ShutdownType) String() string {
	switch t {
	case ShutdownGraceful:
		return "graceful"
	case ShutdownHard:
		return "hard"
	default:
		return "none"
	}
}

// State bundles shutdown_type and global_shutdown. global_shutdown is
// modeled as a cancelable context rather than a second atomic bool: every
// blocking call that must abort on global_shutdown (HTTP dispatch, JQ
// wait()) simply derives its own context from State.Context(), so shutdown
// propagates through the normal Go cancellation path instead of a polling
// loop.
type State struct {
	shutdownType atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a State rooted at the given background context. Canceling
// that parent context has the same effect as TriggerHard.
func New(ctx context.Context) *State {
	ctx, cancel := context.WithCancel(ctx)
	return &State{ctx: ctx, cancel: cancel}
}

// Context returns the context that is canceled exactly once, when a hard
// shutdown begins (directly, or at the end of a graceful drain — see
// TriggerGraceful).
func (s *State) Context() context.Context {
	return s.ctx
}

// Type returns the current shutdown type.
func (s *State) Type() ShutdownType {
	return ShutdownType(s.shutdownType.Load())
}

// TriggerGraceful moves the process into GRACEFUL shutdown. It does not
// cancel Context(): in-flight jobs are left to finish on their own, per the
// contract that graceful draining never aborts running work.
func (s *State) TriggerGraceful() {
	s.shutdownType.CompareAndSwap(int32(ShutdownNone), int32(ShutdownGraceful))
}

// TriggerHard moves the process into HARD shutdown and cancels Context()
// immediately, aborting any in-flight HTTP dispatch or JQ wait that honors
// the context.
func (s *State) TriggerHard() {
	s.shutdownType.Store(int32(ShutdownHard))
	s.cancel()
}

// FinishGraceful is called by the Reconciler once a graceful drain's wait
// period has elapsed, to cancel Context() on the way out the door so any
// stragglers are finally aborted rather than left running past process
// exit.
func (s *State) FinishGraceful() {
	s.cancel()
}

// GlobalShutdown reports whether Context() has been canceled.
func (s *State) GlobalShutdown() bool {
	select {
	case <-s.ctx.Done():
		return true
	default:
		return false
	}
}
