// ============================================================================
// Driveshaft Core Type Definitions
// ============================================================================
//
// Package: pkg/types
// Purpose: Core domain models shared across the registry, reconciler and
//          status-server packages.
//
// Core Types:
//   - PoolSpec: one worker pool as declared in the jobs config file
//   - DesiredConfig: the full parsed jobs config, plus its load metadata
//   - SlotID: the identity of a single running worker slot
//   - SlotRecord: the registry's view of one slot
//
// Timestamps:
//   time.Time everywhere; the config loader stamps LoadedAt from the
//   jobs config file's mtime rather than time.Now(), so two processes
//   that read the same file agree on whether it changed.
//
// ============================================================================

// Package types defines the core domain models for the driveshaft supervisor.
package types

import "time"

// SlotID identifies a single worker slot. Slots are assigned a fresh,
// process-unique ID whenever the reconciler starts one; the ID never
// survives a restart or a pool resize.
type SlotID string

// PoolSpec is one worker pool as declared in the jobs config file.
//
// A pool describes a set of Gearman-style functions that should be
// serviced together by PoolSize concurrent slots, all posting their jobs
// to the same HTTP processing URI.
type PoolSpec struct {
	Name     string   `json:"name"`
	URI      string   `json:"uri"`
	PoolSize int      `json:"pool_size"`
	Jobs     []string `json:"jobs"`
	MinJobsToRun int `json:"min_jobs_to_run,omitempty"`
}

// JobSet returns the pool's job list as a set, used for symmetric-difference
// comparisons during config diffing.
func (p PoolSpec) JobSet() map[string]struct{} {
	out := make(map[string]struct{}, len(p.Jobs))
	for _, j := range p.Jobs {
		out[j] = struct{}{}
	}
	return out
}

// DesiredConfig is the fully parsed jobs config file: the set of pools the
// reconciler should be driving the running state toward.
type DesiredConfig struct {
	Servers []string
	Pools   []PoolSpec

	// Path is the jobs config file this was loaded from.
	Path string

	// LoadedAt is the config file's mtime at load time, not the time the
	// load happened. Comparing LoadedAt against a fresh os.Stat result is
	// how the reconciler decides whether to re-read the file at all.
	LoadedAt time.Time
}

// PoolByName returns the pool with the given name and whether it was found.
func (c *DesiredConfig) PoolByName(name string) (PoolSpec, bool) {
	for _, p := range c.Pools {
		if p.Name == name {
			return p, true
		}
	}
	return PoolSpec{}, false
}

// ServerSet returns the configured servers as a set, for comparing two
// configs' server lists irrespective of order.
func (c *DesiredConfig) ServerSet() map[string]struct{} {
	out := make(map[string]struct{}, len(c.Servers))
	for _, s := range c.Servers {
		out[s] = struct{}{}
	}
	return out
}

// PoolNames returns the set of pool names currently declared.
func (c *DesiredConfig) PoolNames() map[string]struct{} {
	out := make(map[string]struct{}, len(c.Pools))
	for _, p := range c.Pools {
		out[p.Name] = struct{}{}
	}
	return out
}

// SlotRecord is the registry's bookkeeping entry for one running slot.
type SlotRecord struct {
	ID             SlotID
	Pool           string
	State          string
	ShouldShutdown bool
	StartedAt      time.Time
}
