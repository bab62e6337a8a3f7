// Package config loads the jobs config file into a types.DesiredConfig and
// diffs two such configs to decide which pools the Reconciler must stop and
// start.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/ChuLiYu/driveshaft/pkg/types"
)

// wireConfig is the on-disk JSON shape described by the external jobs
// config file. Field names follow the file format exactly; the rest of the
// module works with types.DesiredConfig / types.PoolSpec instead.
type wireConfig struct {
	Servers []string             `json:"gearman_servers_list"`
	Pools   map[string]wirePool  `json:"pools_list"`
}

type wirePool struct {
	WorkerCount int      `json:"worker_count"`
	Jobs        []string `json:"jobs_list"`
	URI         string   `json:"job_processing_uri"`
}

// Load reads and parses the jobs config at path. It does not compare
// against any previously loaded config — callers that want the
// mtime-based "skip if unchanged" behavior should call Stat first and only
// call Load when the mtime has advanced; see LoadIfChanged.
func Load(path string) (*types.DesiredConfig, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var wire wireConfig
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg, err := fromWire(wire)
	if err != nil {
		return nil, fmt.Errorf("config: validate %s: %w", path, err)
	}
	cfg.Path = path
	cfg.LoadedAt = info.ModTime()
	return cfg, nil
}

func fromWire(wire wireConfig) (*types.DesiredConfig, error) {
	if len(wire.Servers) == 0 {
		return nil, fmt.Errorf("gearman_servers_list must be non-empty")
	}
	if len(wire.Pools) == 0 {
		return nil, fmt.Errorf("pools_list must declare at least one pool")
	}

	cfg := &types.DesiredConfig{Servers: append([]string(nil), wire.Servers...)}
	for name, p := range wire.Pools {
		if name == "" {
			return nil, fmt.Errorf("pool name must be non-empty")
		}
		if len(p.Jobs) == 0 {
			return nil, fmt.Errorf("pool %q: jobs_list must be non-empty", name)
		}
		if _, err := parseAbsoluteURL(p.URI); err != nil {
			return nil, fmt.Errorf("pool %q: job_processing_uri: %w", name, err)
		}
		if p.WorkerCount < 0 {
			return nil, fmt.Errorf("pool %q: worker_count must not be negative", name)
		}
		cfg.Pools = append(cfg.Pools, types.PoolSpec{
			Name:     name,
			URI:      p.URI,
			PoolSize: p.WorkerCount,
			Jobs:     append([]string(nil), p.Jobs...),
		})
	}
	return cfg, nil
}

// LoadIfChanged stats path and, if its mtime is newer than previous's
// LoadedAt, reloads and returns the new config. If previous is nil, or the
// file's mtime has not advanced, it loads unconditionally / skips
// respectively. The bool return reports whether a new config was returned.
func LoadIfChanged(path string, previous *types.DesiredConfig) (*types.DesiredConfig, bool, error) {
	if previous != nil {
		info, err := os.Stat(path)
		if err != nil {
			return nil, false, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if !info.ModTime().After(previous.LoadedAt) {
			return nil, false, nil
		}
	}

	cfg, err := Load(path)
	if err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

// Diff computes which pools must be stopped and started to move the
// running fleet from old to new. A pool present in both with either a
// changed processing URI or a changed job-function set is marked for both
// stop and start (a restart).
//
// If old is nil, every pool in new is a start and nothing is a stop.
func Diff(old, newCfg *types.DesiredConfig) (toStop, toStart map[string]struct{}) {
	toStop = make(map[string]struct{})
	toStart = make(map[string]struct{})

	if old == nil {
		for _, p := range newCfg.Pools {
			toStart[p.Name] = struct{}{}
		}
		return toStop, toStart
	}

	if !stringSetsEqual(old.ServerSet(), newCfg.ServerSet()) {
		for _, p := range old.Pools {
			toStop[p.Name] = struct{}{}
		}
		for _, p := range newCfg.Pools {
			toStart[p.Name] = struct{}{}
		}
		return toStop, toStart
	}

	oldNames, newNames := old.PoolNames(), newCfg.PoolNames()
	for name := range oldNames {
		if _, ok := newNames[name]; !ok {
			toStop[name] = struct{}{}
		}
	}
	for name := range newNames {
		if _, ok := oldNames[name]; !ok {
			toStart[name] = struct{}{}
		}
	}

	for name := range oldNames {
		if _, ok := newNames[name]; !ok {
			continue
		}
		oldSpec, _ := old.PoolByName(name)
		newSpec, _ := newCfg.PoolByName(name)
		if oldSpec.URI != newSpec.URI || !stringSetsEqual(oldSpec.JobSet(), newSpec.JobSet()) {
			toStop[name] = struct{}{}
			toStart[name] = struct{}{}
		}
	}

	return toStop, toStart
}

func stringSetsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// parseAbsoluteURL validates that uri is an absolute URL.
func parseAbsoluteURL(uri string) (string, error) {
	if uri == "" {
		return "", fmt.Errorf("must not be empty")
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("must be an absolute URL, got %q", uri)
	}
	return uri, nil
}

// DerivedTimeouts holds the timeouts the reconciliation cycle derives from
// the single configured loop_timeout: the JQ response timeout slots block
// in (twice loop_timeout, so loop_timeout itself is "half the response
// timeout" as the rest of the design discusses it), and the two shutdown
// drain windows spelled out directly by the reconciliation cycle's steps.
type DerivedTimeouts struct {
	LoopTimeout             time.Duration
	GearmandResponseTimeout time.Duration
	HardWait                time.Duration
	GracefulWait            time.Duration
}

// DeriveTimeouts computes the derived timeouts from the CLI's loop_timeout.
func DeriveTimeouts(loopTimeout time.Duration) DerivedTimeouts {
	return DerivedTimeouts{
		LoopTimeout:             loopTimeout,
		GearmandResponseTimeout: loopTimeout * 2,
		HardWait:                loopTimeout * 2,
		GracefulWait:            loopTimeout * 4,
	}
}
