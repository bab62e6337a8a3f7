// Package registry tracks every live worker slot: which pool it belongs to,
// whether the control plane has asked it to shut down, and a short
// human-readable state string the slot updates as it runs.
//
// It is the single synchronization point between the three planes of the
// supervisor: the Reconciler (control plane) writes should_shutdown flags
// and counts slots per pool, each SlotRunner (data plane) writes its own
// state string and reads its own flag, and the StatusServer (status plane)
// reads a full snapshot. Every exported method acquires one mutex for its
// entire duration and never blocks on I/O while holding it.
package registry

import (
	"fmt"
	"sync"

	"github.com/ChuLiYu/driveshaft/pkg/types"
)

// Registry is the process-wide slot registry. The zero value is not usable;
// construct with New.
type Registry struct {
	mu sync.Mutex

	// byID holds one record per live slot, keyed by slot id.
	byID map[types.SlotID]*entry

	// byPool indexes slot ids by the pool they belong to. Every id present
	// here has a matching entry in byID with the same pool name, and every
	// id appears in exactly one pool's set.
	byPool map[string]map[types.SlotID]struct{}
}

type entry struct {
	pool           string
	shouldShutdown bool
	state          string
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byID:   make(map[types.SlotID]*entry),
		byPool: make(map[string]map[types.SlotID]struct{}),
	}
}

// Register adds a new slot record for id in pool, with should_shutdown
// false and state "starting".
//
// Registering an id that is already present is a programmer error — slot
// ids are meant to be freshly minted per slot — and panics rather than
// returning an error, matching the rest of the invariant-violation
// handling in this package.
func (r *Registry) Register(pool string, id types.SlotID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[id]; ok {
		panic(fmt.Sprintf("registry: duplicate register of slot %q", id))
	}

	r.byID[id] = &entry{pool: pool, state: "starting"}
	set, ok := r.byPool[pool]
	if !ok {
		set = make(map[types.SlotID]struct{})
		r.byPool[pool] = set
	}
	set[id] = struct{}{}
}

// Unregister removes id's record. Unregistering an id that was never
// registered, or was already unregistered, is a programmer error and
// panics.
func (r *Registry) Unregister(id types.SlotID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[id]
	if !ok {
		panic(fmt.Sprintf("registry: unregister of unknown slot %q", id))
	}
	delete(r.byID, id)
	delete(r.byPool[e.pool], id)
	if len(r.byPool[e.pool]) == 0 {
		delete(r.byPool, e.pool)
	}
}

// PoolCount returns the number of slots currently registered under pool.
func (r *Registry) PoolCount(pool string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byPool[pool])
}

// RequestShutdown flags up to n slots in pool whose should_shutdown is
// currently false, and returns how many it actually flagged. Already-flagged
// slots are skipped, so calling this repeatedly for the same pool is
// idempotent: once every slot is flagged, further calls return 0.
//
// Iteration order over the pool's slot set is whatever Go's map iteration
// gives us, which is randomized per run but fixed for the duration of this
// one call — satisfying "stable within a single call, no retries" without
// needing an ordered set.
func (r *Registry) RequestShutdown(pool string, n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	flagged := 0
	for id := range r.byPool[pool] {
		if flagged >= n {
			break
		}
		e := r.byID[id]
		if e.shouldShutdown {
			continue
		}
		e.shouldShutdown = true
		flagged++
	}
	return flagged
}

// ShouldShutdown reports whether id has been flagged for shutdown. It
// returns false for an unknown id rather than panicking, since a slot may
// legitimately race its own unregister against a late caller holding a
// stale id — callers that need the strict invariant should already know
// the id is live.
func (r *Registry) ShouldShutdown(id types.SlotID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byID[id]; ok {
		return e.shouldShutdown
	}
	return false
}

// SetState updates id's free-form state string, used by the StatusServer's
// "threads" response. No-op if id is unknown.
func (r *Registry) SetState(id types.SlotID, state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byID[id]; ok {
		e.state = state
	}
}

// Snapshot copies out every live SlotRecord. It is a full copy, never a
// borrowed view, so the caller may hold the result indefinitely without
// affecting the registry's own locking.
func (r *Registry) Snapshot() []types.SlotRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.SlotRecord, 0, len(r.byID))
	for id, e := range r.byID {
		out = append(out, types.SlotRecord{
			ID:             id,
			Pool:           e.pool,
			State:          e.state,
			ShouldShutdown: e.shouldShutdown,
		})
	}
	return out
}

// Size returns the total number of registered slots across all pools, used
// by tests to assert the by_id/by_pool invariant.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
