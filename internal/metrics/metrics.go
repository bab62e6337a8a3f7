// Package metrics collects the counters and gauges the reconciler, slots,
// and dispatcher report, and exposes them two ways: a Prometheus /metrics
// endpoint (for an external scraper) and a flat name/value snapshot
// consumed by the StatusServer's "counters" and "gauges" commands.
//
// The StatusServer's protocol predates label-aware metrics and only knows
// how to print "<name>: <value>" per line, so Collector owns its own
// prometheus.Registry (instead of registering into the global default) and
// walks its Gather() output to build that flat view, rather than keeping a
// second, parallel set of plain counters in sync by hand.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects the job-dispatch and fleet-size metrics for one
// driveshaft process.
type Collector struct {
	registry *prometheus.Registry

	jobSuccess   *prometheus.CounterVec
	workFail     prometheus.Counter
	httpErrors   *prometheus.CounterVec
	timeouts     prometheus.Counter
	shutdownAbort prometheus.Counter
	jobLatency   prometheus.Histogram

	activeSlots *prometheus.GaugeVec
	poolsConfigured prometheus.Gauge
}

// NewCollector builds a Collector with its own private registry so the
// StatusServer's flat snapshot reflects exactly this process's metrics,
// independent of anything else that might register into the default
// global registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "driveshaft_job_success_total",
			Help: "Total number of jobs that completed with a valid result envelope.",
		}, []string{"pool", "function"}),
		workFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driveshaft_work_fail_total",
			Help: "Total number of jobs returned to JQ as WORK_FAIL because the request could not be built or the result envelope was invalid.",
		}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "driveshaft_http_error_total",
			Help: "Total number of dispatch failures, by HTTP status (0 for transport errors).",
		}, []string{"status"}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driveshaft_timeout_total",
			Help: "Total number of jobs aborted for exceeding max_job_running_time.",
		}),
		shutdownAbort: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driveshaft_shutdown_abort_total",
			Help: "Total number of jobs aborted by a hard shutdown.",
		}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "driveshaft_job_latency_seconds",
			Help:    "Dispatch round-trip latency for successful jobs.",
			Buckets: prometheus.DefBuckets,
		}),
		activeSlots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "driveshaft_active_slots",
			Help: "Current number of registered slots, by pool.",
		}, []string{"pool"}),
		poolsConfigured: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "driveshaft_pools_configured",
			Help: "Number of pools in the currently loaded config.",
		}),
	}

	c.registry.MustRegister(
		c.jobSuccess, c.workFail, c.httpErrors, c.timeouts, c.shutdownAbort,
		c.jobLatency, c.activeSlots, c.poolsConfigured,
	)
	return c
}

// RecordJobSuccess records a successful dispatch and its latency, labeled
// by pool and function per §4.3 step 7's job_success{pool, function}.
func (c *Collector) RecordJobSuccess(pool, function string, latencySeconds float64) {
	c.jobSuccess.WithLabelValues(pool, function).Inc()
	c.jobLatency.Observe(latencySeconds)
}

// RecordWorkFail records a dispatch that failed before or after the HTTP
// exchange itself: form assembly, request construction, or a malformed or
// incomplete result envelope. Transport failures, timeouts, shutdown aborts
// and non-200 statuses are recorded by the other Record methods instead.
func (c *Collector) RecordWorkFail() {
	c.workFail.Inc()
}

// RecordHTTPError records a dispatch that received a non-200 status, or a
// transport failure reported with status 0.
func (c *Collector) RecordHTTPError(status int) {
	c.httpErrors.WithLabelValues(fmt.Sprintf("%d", status)).Inc()
}

// RecordTimeout records a job aborted for exceeding max_job_running_time.
func (c *Collector) RecordTimeout() {
	c.timeouts.Inc()
}

// RecordShutdownAbort records a job aborted by a hard shutdown.
func (c *Collector) RecordShutdownAbort() {
	c.shutdownAbort.Inc()
}

// SetActiveSlots sets the current slot count for pool.
func (c *Collector) SetActiveSlots(pool string, count int) {
	c.activeSlots.WithLabelValues(pool).Set(float64(count))
}

// SetPoolsConfigured sets the number of pools in the current config.
func (c *Collector) SetPoolsConfigured(count int) {
	c.poolsConfigured.Set(float64(count))
}

// Handler returns the promhttp handler for this Collector's private
// registry, to be mounted at /metrics by the caller.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Counters returns a flat, sorted name/value snapshot of every counter
// this Collector owns, for the StatusServer's "counters" command.
func (c *Collector) Counters() []NameValue {
	return c.gatherByType(dto.MetricType_COUNTER)
}

// Gauges returns a flat, sorted name/value snapshot of every gauge this
// Collector owns, for the StatusServer's "gauges" command.
func (c *Collector) Gauges() []NameValue {
	return c.gatherByType(dto.MetricType_GAUGE)
}

// NameValue is one line of a status-protocol counters/gauges response.
type NameValue struct {
	Name  string
	Value float64
}

func (c *Collector) gatherByType(kind dto.MetricType) []NameValue {
	families, err := c.registry.Gather()
	if err != nil {
		return nil
	}

	var out []NameValue
	for _, mf := range families {
		if mf.GetType() != kind {
			continue
		}
		for _, m := range mf.GetMetric() {
			name := mf.GetName()
			if labels := m.GetLabel(); len(labels) > 0 {
				pairs := make([]string, 0, len(labels))
				for _, l := range labels {
					pairs = append(pairs, fmt.Sprintf("%s=%s", l.GetName(), l.GetValue()))
				}
				name = fmt.Sprintf("%s{%s}", name, strings.Join(pairs, ","))
			}
			var value float64
			switch kind {
			case dto.MetricType_COUNTER:
				value = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				value = m.GetGauge().GetValue()
			}
			out = append(out, NameValue{Name: name, Value: value})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
