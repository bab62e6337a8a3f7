// Package dispatch turns one JQ job into an HTTP POST against a pool's
// processing URI and decodes the JSON result envelope the processor sends
// back.
//
// This is the one component built directly on net/http rather than a
// third-party HTTP client: none of the libraries available give low-level
// control over per-connection socket options (SO_REUSEADDR, TCP_NODELAY,
// keepalive idle/interval) or an abort-on-shutdown transfer hook, both of
// which the processing contract requires. golang.org/x/sys/unix fills the
// socket-option gap; shutdown and per-job deadline abort are both modeled
// as context cancellation instead of a polled progress callback.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ChuLiYu/driveshaft/internal/jq"
	"github.com/ChuLiYu/driveshaft/internal/metrics"
)

// Dispatcher posts jobs to one pool's processing URI.
type Dispatcher struct {
	pool           string
	function       string
	uri            string
	maxRunningTime time.Duration
	metrics        *metrics.Collector
	client         *http.Client

	// setState is called with a short human-readable status before the
	// HTTP round-trip, forwarded to the Registry by the SlotRunner that
	// owns this Dispatcher.
	setState func(string)
}

// New builds a Dispatcher for one pool/function pair. setState may be nil.
func New(pool, function, uri string, maxRunningTime time.Duration, m *metrics.Collector, setState func(string)) *Dispatcher {
	dialer := &net.Dialer{
		KeepAlive: 120 * time.Second,
		Control:   controlSocket,
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		ExpectContinueTimeout: 0,
	}
	if setState == nil {
		setState = func(string) {}
	}
	return &Dispatcher{
		pool:           pool,
		function:       function,
		uri:            uri,
		maxRunningTime: maxRunningTime,
		metrics:        m,
		client:         &http.Client{Transport: transport},
		setState:       setState,
	}
}

// controlSocket reproduces the socket tuning the original curl-based
// dispatcher configured by hand on each outbound connection: SO_REUSEADDR,
// TCP_NODELAY, and a keepalive idle of 120s with a 60s interval. Only a
// failure to set the keepalive idle time is reported; the other options
// are best effort.
func controlSocket(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, 120)
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, 60)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// envelope is the JSON result body a processing URI must return.
type envelope struct {
	GearmanRet     *uint32 `json:"gearman_ret"`
	ResponseString *string `json:"response_string"`
}

// Return codes passed back to the JQ library when this dispatcher itself
// could not get a valid envelope, as opposed to gearman_ret decoded from
// one.
const (
	workFail uint32 = 1
)

// Handle implements jq.Handler: it performs the HTTP round trip for job
// and returns the (gearman_ret, response_string) pair the JQ library
// should report back to the server.
func (d *Dispatcher) Handle(ctx context.Context, job jq.Job) (uint32, []byte, error) {
	start := time.Now()
	d.setState(fmt.Sprintf("handle=%s unique=%s", job.Handle, job.Unique))

	jobCtx, cancel := context.WithTimeout(ctx, d.maxRunningTime)
	defer cancel()

	body, contentType, err := d.buildBody(job)
	if err != nil {
		d.metrics.RecordWorkFail()
		return workFail, nil, nil
	}

	req, err := http.NewRequestWithContext(jobCtx, http.MethodPost, d.uri, body)
	if err != nil {
		d.metrics.RecordWorkFail()
		return workFail, nil, nil
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Expect", "")

	resp, err := d.client.Do(req)
	if err != nil {
		if jobCtx.Err() != nil && ctx.Err() == nil {
			// The job-local deadline fired, not the caller's context —
			// this is the max_job_running_time abort.
			d.metrics.RecordTimeout()
		} else if ctx.Err() != nil {
			d.metrics.RecordShutdownAbort()
		} else {
			d.metrics.RecordHTTPError(0)
		}
		return workFail, nil, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		d.metrics.RecordHTTPError(resp.StatusCode)
		io.Copy(io.Discard, resp.Body)
		return workFail, nil, nil
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		d.metrics.RecordWorkFail()
		return workFail, nil, nil
	}
	if env.GearmanRet == nil || env.ResponseString == nil {
		d.metrics.RecordWorkFail()
		return workFail, nil, nil
	}

	d.metrics.RecordJobSuccess(d.pool, d.function, time.Since(start).Seconds())
	return *env.GearmanRet, []byte(*env.ResponseString), nil
}

// buildBody assembles the multipart/form-data body. workload is written as
// raw bytes into its own part, so embedded NUL bytes survive intact.
func (d *Dispatcher) buildBody(job jq.Job) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	if err := w.WriteField("function_name", job.FunctionName); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("job_handle", job.Handle); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("unique", job.Unique); err != nil {
		return nil, "", err
	}

	part, err := w.CreateFormField("workload")
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(job.Workload); err != nil {
		return nil, "", err
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}
