package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/driveshaft/pkg/types"
)

const validJobsConfig = `{
  "gearman_servers_list": ["10.0.0.1:4730"],
  "pools_list": {
    "imaging": {
      "worker_count": 4,
      "jobs_list": ["resize", "thumbnail"],
      "job_processing_uri": "http://localhost:9090/job"
    }
  }
}`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, validJobsConfig)

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1:4730"}, cfg.Servers)
	require.Len(t, cfg.Pools, 1)
	assert.Equal(t, "imaging", cfg.Pools[0].Name)
	assert.Equal(t, 4, cfg.Pools[0].PoolSize)
	assert.Equal(t, "http://localhost:9090/job", cfg.Pools[0].URI)
	assert.ElementsMatch(t, []string{"resize", "thumbnail"}, cfg.Pools[0].Jobs)
	assert.Equal(t, path, cfg.Path)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	assert.Error(t, err)
}

func TestLoad_RejectsEmptyServers(t *testing.T) {
	path := writeConfig(t, `{"gearman_servers_list": [], "pools_list": {"a": {"worker_count": 1, "jobs_list": ["x"], "job_processing_uri": "http://h/p"}}}`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_RejectsEmptyPools(t *testing.T) {
	path := writeConfig(t, `{"gearman_servers_list": ["h:1"], "pools_list": {}}`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_RejectsNonAbsoluteURI(t *testing.T) {
	path := writeConfig(t, `{"gearman_servers_list": ["h:1"], "pools_list": {"a": {"worker_count": 1, "jobs_list": ["x"], "job_processing_uri": "/relative/path"}}}`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_RejectsNegativeWorkerCount(t *testing.T) {
	path := writeConfig(t, `{"gearman_servers_list": ["h:1"], "pools_list": {"a": {"worker_count": -1, "jobs_list": ["x"], "job_processing_uri": "http://h/p"}}}`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadIfChanged_FirstLoadAlwaysHappens(t *testing.T) {
	path := writeConfig(t, validJobsConfig)

	cfg, changed, err := LoadIfChanged(path, nil)

	require.NoError(t, err)
	assert.True(t, changed)
	assert.NotNil(t, cfg)
}

func TestLoadIfChanged_SkipsWhenMtimeUnchanged(t *testing.T) {
	path := writeConfig(t, validJobsConfig)
	first, _, err := LoadIfChanged(path, nil)
	require.NoError(t, err)

	_, changed, err := LoadIfChanged(path, first)

	require.NoError(t, err)
	assert.False(t, changed, "mtime has not advanced, so no reload should be reported")
}

func TestLoadIfChanged_ReloadsWhenMtimeAdvances(t *testing.T) {
	path := writeConfig(t, validJobsConfig)
	first, _, err := LoadIfChanged(path, nil)
	require.NoError(t, err)

	// Force the mtime forward rather than depending on wall-clock
	// resolution between writes.
	future := first.LoadedAt.Add(1 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	second, changed, err := LoadIfChanged(path, first)

	require.NoError(t, err)
	assert.True(t, changed)
	assert.NotNil(t, second)
}

func newCfg(servers []string, pools ...types.PoolSpec) *types.DesiredConfig {
	return &types.DesiredConfig{Servers: servers, Pools: pools}
}

func TestDiff_NilOldStartsEveryPool(t *testing.T) {
	next := newCfg([]string{"h:1"}, types.PoolSpec{Name: "a", URI: "http://h/a", Jobs: []string{"x"}})

	toStop, toStart := Diff(nil, next)

	assert.Empty(t, toStop)
	assert.Contains(t, toStart, "a")
}

func TestDiff_IdenticalConfigsProduceNoChanges(t *testing.T) {
	cfg := newCfg([]string{"h:1"}, types.PoolSpec{Name: "a", URI: "http://h/a", Jobs: []string{"x", "y"}})
	cfgCopy := newCfg([]string{"h:1"}, types.PoolSpec{Name: "a", URI: "http://h/a", Jobs: []string{"y", "x"}})

	toStop, toStart := Diff(cfg, cfgCopy)

	assert.Empty(t, toStop)
	assert.Empty(t, toStart)
}

func TestDiff_ServerSetChangeRestartsEverything(t *testing.T) {
	old := newCfg([]string{"h:1"}, types.PoolSpec{Name: "a", URI: "http://h/a", Jobs: []string{"x"}})
	next := newCfg([]string{"h:2"}, types.PoolSpec{Name: "a", URI: "http://h/a", Jobs: []string{"x"}})

	toStop, toStart := Diff(old, next)

	assert.Contains(t, toStop, "a")
	assert.Contains(t, toStart, "a")
}

func TestDiff_RemovedPoolIsStoppedOnly(t *testing.T) {
	old := newCfg([]string{"h:1"},
		types.PoolSpec{Name: "a", URI: "http://h/a", Jobs: []string{"x"}},
		types.PoolSpec{Name: "b", URI: "http://h/b", Jobs: []string{"y"}},
	)
	next := newCfg([]string{"h:1"}, types.PoolSpec{Name: "a", URI: "http://h/a", Jobs: []string{"x"}})

	toStop, toStart := Diff(old, next)

	assert.Contains(t, toStop, "b")
	assert.NotContains(t, toStart, "b")
	assert.NotContains(t, toStop, "a")
}

func TestDiff_AddedPoolIsStartedOnly(t *testing.T) {
	old := newCfg([]string{"h:1"}, types.PoolSpec{Name: "a", URI: "http://h/a", Jobs: []string{"x"}})
	next := newCfg([]string{"h:1"},
		types.PoolSpec{Name: "a", URI: "http://h/a", Jobs: []string{"x"}},
		types.PoolSpec{Name: "b", URI: "http://h/b", Jobs: []string{"y"}},
	)

	toStop, toStart := Diff(old, next)

	assert.Contains(t, toStart, "b")
	assert.NotContains(t, toStop, "b")
}

func TestDiff_URIChangeRestartsPool(t *testing.T) {
	old := newCfg([]string{"h:1"}, types.PoolSpec{Name: "a", URI: "http://h/old", Jobs: []string{"x"}})
	next := newCfg([]string{"h:1"}, types.PoolSpec{Name: "a", URI: "http://h/new", Jobs: []string{"x"}})

	toStop, toStart := Diff(old, next)

	assert.Contains(t, toStop, "a")
	assert.Contains(t, toStart, "a")
}

func TestDiff_JobSetChangeRestartsPool(t *testing.T) {
	old := newCfg([]string{"h:1"}, types.PoolSpec{Name: "a", URI: "http://h/a", Jobs: []string{"x"}})
	next := newCfg([]string{"h:1"}, types.PoolSpec{Name: "a", URI: "http://h/a", Jobs: []string{"x", "z"}})

	toStop, toStart := Diff(old, next)

	assert.Contains(t, toStop, "a")
	assert.Contains(t, toStart, "a")
}

func TestDeriveTimeouts(t *testing.T) {
	d := DeriveTimeouts(10 * time.Second)

	assert.Equal(t, 10*time.Second, d.LoopTimeout)
	assert.Equal(t, 20*time.Second, d.GearmandResponseTimeout)
	assert.Equal(t, 20*time.Second, d.HardWait)
	assert.Equal(t, 40*time.Second, d.GracefulWait)
}
