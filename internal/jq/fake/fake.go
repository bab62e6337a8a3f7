// Package fake is a test double for jq.Worker. It lets tests script a
// sequence of Work/Wait outcomes and inject jobs without standing up a real
// JQ broker, the way internal/worker's tests in the upstream project stand
// up in-process JobSource fakes instead of a real queue.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/ChuLiYu/driveshaft/internal/jq"
)

// Worker is a scriptable jq.Worker. Zero value is usable.
type Worker struct {
	mu sync.Mutex

	servers   []string
	functions map[string]jq.Handler

	// workScript and waitScript are consumed in order by Work/Wait. When
	// exhausted, the most recently returned outcome repeats — this lets a
	// short script model "then it just keeps waiting".
	workScript []scriptedCall
	waitScript []scriptedCall
	workIdx    int
	waitIdx    int

	// pendingJobs is drained one per successful Work() call that is
	// scripted to deliver a job.
	pendingJobs []jq.Job

	closed bool
}

type scriptedCall struct {
	code   jq.ReturnCode
	err    error
	hasJob bool
}

// New returns an empty fake Worker.
func New() *Worker {
	return &Worker{functions: make(map[string]jq.Handler)}
}

// ScriptWork appends one outcome to the Work() script.
func (w *Worker) ScriptWork(code jq.ReturnCode, deliverJob bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.workScript = append(w.workScript, scriptedCall{code: code, hasJob: deliverJob})
}

// ScriptWorkError appends a failing outcome to the Work() script.
func (w *Worker) ScriptWorkError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.workScript = append(w.workScript, scriptedCall{err: err})
}

// ScriptWait appends one outcome to the Wait() script.
func (w *Worker) ScriptWait(code jq.ReturnCode) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.waitScript = append(w.waitScript, scriptedCall{code: code})
}

// EnqueueJob makes job available to be delivered by the next Work() call
// scripted with deliverJob=true.
func (w *Worker) EnqueueJob(job jq.Job) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pendingJobs = append(w.pendingJobs, job)
}

// Servers returns the hostports passed to AddServer, in call order.
func (w *Worker) Servers() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.servers))
	copy(out, w.servers)
	return out
}

// Closed reports whether Close has been called.
func (w *Worker) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *Worker) AddServer(hostport string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.servers = append(w.servers, hostport)
	return nil
}

func (w *Worker) AddFunction(name string, handler jq.Handler) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.functions[name] = handler
	return nil
}

func (w *Worker) Work(ctx context.Context) (jq.ReturnCode, error) {
	w.mu.Lock()
	call, job, handler, ok := w.nextWork()
	w.mu.Unlock()

	if call.err != nil {
		return jq.Unknown, call.err
	}
	if ok && handler != nil {
		// Mirrors the real library: the callback runs synchronously,
		// inside Work(), on this goroutine.
		if _, _, err := handler(ctx, job); err != nil {
			return call.code, fmt.Errorf("fake worker: handler for %q: %w", job.FunctionName, err)
		}
	}
	return call.code, nil
}

func (w *Worker) nextWork() (scriptedCall, jq.Job, jq.Handler, bool) {
	var call scriptedCall
	if len(w.workScript) == 0 {
		call = scriptedCall{code: jq.NoJobs}
	} else if w.workIdx < len(w.workScript) {
		call = w.workScript[w.workIdx]
		w.workIdx++
	} else {
		call = w.workScript[len(w.workScript)-1]
	}

	if !call.hasJob || len(w.pendingJobs) == 0 {
		return call, jq.Job{}, nil, false
	}
	job := w.pendingJobs[0]
	w.pendingJobs = w.pendingJobs[1:]
	return call, job, w.functions[job.FunctionName], true
}

func (w *Worker) Wait(ctx context.Context) (jq.ReturnCode, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.waitScript) == 0 {
		return jq.Timeout, nil
	}
	var call scriptedCall
	if w.waitIdx < len(w.waitScript) {
		call = w.waitScript[w.waitIdx]
		w.waitIdx++
	} else {
		call = w.waitScript[len(w.waitScript)-1]
	}
	return call.code, call.err
}

func (w *Worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}
