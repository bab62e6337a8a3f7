package reconciler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/driveshaft/internal/jq"
	"github.com/ChuLiYu/driveshaft/internal/jq/fake"
	"github.com/ChuLiYu/driveshaft/internal/metrics"
	"github.com/ChuLiYu/driveshaft/internal/procstate"
	"github.com/ChuLiYu/driveshaft/internal/registry"
)

func writeJobsConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func newTestReconciler(t *testing.T, path string) *Reconciler {
	t.Helper()
	return New(Options{
		JobsConfigPath: path,
		LoopTimeout:    10 * time.Millisecond,
		MaxRunningTime: time.Second,
		Registry:       registry.New(),
		Metrics:        metrics.NewCollector(),
		Proc:           procstate.New(context.Background()),
		NewWorker:      func() jq.Worker { return fake.New() },
	})
}

const onePoolTwoWorkers = `{
  "gearman_servers_list": ["10.0.0.1:4730"],
  "pools_list": {
    "imaging": {"worker_count": 2, "jobs_list": ["resize"], "job_processing_uri": "http://localhost:9090/job"}
  }
}`

func TestCycle_ScalesUpToConfiguredPoolSize(t *testing.T) {
	path := writeJobsConfig(t, onePoolTwoWorkers)
	r := newTestReconciler(t, path)

	r.cycle()

	// scaleUp blocks on each slot's start handshake before returning, so
	// by the time cycle() returns the registry already reflects the spawn.
	assert.Equal(t, 2, r.opts.Registry.PoolCount("imaging"))
}

// spyWorker records every AddServer call into a shared, mutex-protected log
// so a test can assert what server set a freshly spawned slot attached to.
type spyWorker struct {
	*fake.Worker
	mu  *sync.Mutex
	log *[][]string
}

func (w *spyWorker) AddServer(hostport string) error {
	w.mu.Lock()
	*w.log = append(*w.log, append([]string(nil), hostport))
	w.mu.Unlock()
	return w.Worker.AddServer(hostport)
}

func TestCycle_FirstCycleSlotsAttachToConfiguredServers(t *testing.T) {
	path := writeJobsConfig(t, onePoolTwoWorkers)
	var mu sync.Mutex
	var attachedCalls [][]string

	r := New(Options{
		JobsConfigPath: path,
		LoopTimeout:    10 * time.Millisecond,
		MaxRunningTime: time.Second,
		Registry:       registry.New(),
		Metrics:        metrics.NewCollector(),
		Proc:           procstate.New(context.Background()),
		NewWorker: func() jq.Worker {
			return &spyWorker{Worker: fake.New(), mu: &mu, log: &attachedCalls}
		},
	})

	// On this, the very first cycle, r.current is still nil: if scaleUp
	// read r.current's servers instead of the config being applied, every
	// spawned slot would attach to an empty server set.
	r.cycle()

	require.Equal(t, 2, r.opts.Registry.PoolCount("imaging"))
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, attachedCalls, 2, "both slots must have called add_server")
	for _, call := range attachedCalls {
		assert.Equal(t, []string{"10.0.0.1:4730"}, call)
	}
}

func TestCycle_NoChangeIsANoOp(t *testing.T) {
	path := writeJobsConfig(t, onePoolTwoWorkers)
	r := newTestReconciler(t, path)

	r.cycle()
	before := r.opts.Registry.PoolCount("imaging")

	r.cycle() // mtime unchanged, LoadIfChanged should report no change

	assert.Equal(t, before, r.opts.Registry.PoolCount("imaging"))
}

func TestCycle_ScaleDownRequestsShutdownForDelta(t *testing.T) {
	path := writeJobsConfig(t, onePoolTwoWorkers)
	r := newTestReconciler(t, path)
	r.cycle()
	require.Equal(t, 2, r.opts.Registry.PoolCount("imaging"))

	shrunk := `{
  "gearman_servers_list": ["10.0.0.1:4730"],
  "pools_list": {
    "imaging": {"worker_count": 1, "jobs_list": ["resize"], "job_processing_uri": "http://localhost:9090/job"}
  }
}`
	bumpMtime(t, path, shrunk)
	r.cycle()

	// A flagged slot exits and unregisters as soon as its loop sees the
	// flag, so count slots already gone alongside those still flagged.
	snap := r.opts.Registry.Snapshot()
	flaggedCount := 2 - len(snap)
	for _, rec := range snap {
		if rec.ShouldShutdown {
			flaggedCount++
		}
	}
	assert.Equal(t, 1, flaggedCount)
}

func TestCycle_MalformedConfigNeverCrashes(t *testing.T) {
	path := writeJobsConfig(t, `not json at all`)
	r := newTestReconciler(t, path)

	assert.NotPanics(t, func() {
		r.cycle()
	})
	assert.Equal(t, 0, r.opts.Registry.PoolCount("imaging"))
}

func bumpMtime(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	future := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(path, future, future))
}

func TestDrain_HardTriggersImmediateCancelAndFlagsShutdown(t *testing.T) {
	path := writeJobsConfig(t, onePoolTwoWorkers)
	r := newTestReconciler(t, path)
	r.cycle()

	r.drain(context.Background(), true)

	assert.True(t, r.opts.Proc.GlobalShutdown())
	for _, rec := range r.opts.Registry.Snapshot() {
		assert.True(t, rec.ShouldShutdown)
	}
}

func TestDrain_GracefulDoesNotCancelUntilWaitElapses(t *testing.T) {
	path := writeJobsConfig(t, onePoolTwoWorkers)
	r := newTestReconciler(t, path)
	r.cycle()

	done := make(chan struct{})
	go func() {
		r.drain(context.Background(), false)
		close(done)
	}()

	// The graceful wait window (4x loop_timeout = 40ms) should not have
	// canceled the context immediately.
	time.Sleep(5 * time.Millisecond)
	assert.False(t, r.opts.Proc.GlobalShutdown())

	<-done
	assert.True(t, r.opts.Proc.GlobalShutdown(), "FinishGraceful must cancel once the wait elapses")
}

func TestRun_ExitsOnContextCancellation(t *testing.T) {
	path := writeJobsConfig(t, onePoolTwoWorkers)
	r := newTestReconciler(t, path)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(15 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("expected Run to exit after context cancellation")
	}
}

func TestRun_GracefulShutdownDrainsAndReturns(t *testing.T) {
	path := writeJobsConfig(t, onePoolTwoWorkers)
	r := newTestReconciler(t, path)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(15 * time.Millisecond)
	r.opts.Proc.TriggerGraceful()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("expected Run to return once graceful drain completes")
	}
}

func TestParentDir(t *testing.T) {
	assert.Equal(t, "/etc/driveshaft", parentDir("/etc/driveshaft/jobs.json"))
	assert.Equal(t, "", parentDir("jobs.json"))
}
