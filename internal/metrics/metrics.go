// Package metrics exposes the engine's own runtime counters as
// Prometheus metrics, replacing the teacher's sysfs RDMA counter
// export with engine-internal state: bounce-buffer occupancy per rail,
// pending-retry depth, BOUNCE request-pool usage, handshake
// transitions, and counters for request completions by kind and
// retry resumes (SPEC_FULL.md §11).
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/railfabric/ofi-rail/internal/endpoint"
)

// EngineCollector is a prometheus.Collector pulling live state from one
// endpoint at scrape time, the same way the teacher's RdmaCollector
// pulls from its sysfs Provider at scrape time rather than caching.
type EngineCollector struct {
	ep *endpoint.Endpoint

	bouncePostedDesc   *prometheus.Desc
	bounceMinDesc      *prometheus.Desc
	bounceMaxDesc      *prometheus.Desc
	pendingRetryDesc   *prometheus.Desc
	bounceReqInUseDesc *prometheus.Desc
	bounceReqCapDesc   *prometheus.Desc
}

// NewEngineCollector builds a collector over ep. ep may be swapped out
// later via SetEndpoint (a process typically opens one endpoint per
// worker thread; the caller decides which one's state to export).
func NewEngineCollector(ep *endpoint.Endpoint) *EngineCollector {
	return &EngineCollector{
		ep: ep,
		bouncePostedDesc: prometheus.NewDesc(
			"ofi_rail_bounce_posted",
			"Number of unsolicited receive buffers currently posted on a rail.",
			[]string{"rail"}, nil,
		),
		bounceMinDesc: prometheus.NewDesc(
			"ofi_rail_bounce_min_posted",
			"Configured minimum posted bounce buffers for a rail.",
			[]string{"rail"}, nil,
		),
		bounceMaxDesc: prometheus.NewDesc(
			"ofi_rail_bounce_max_posted",
			"Configured maximum posted bounce buffers for a rail.",
			[]string{"rail"}, nil,
		),
		pendingRetryDesc: prometheus.NewDesc(
			"ofi_rail_pending_retry_depth",
			"Number of fabric operations parked on the endpoint's retry queue, awaiting ErrTryAgain to clear.",
			nil, nil,
		),
		bounceReqInUseDesc: prometheus.NewDesc(
			"ofi_rail_bounce_requests_in_use",
			"Number of BOUNCE requests currently allocated from the endpoint's pool.",
			nil, nil,
		),
		bounceReqCapDesc: prometheus.NewDesc(
			"ofi_rail_bounce_requests_capacity",
			"Fixed capacity of the endpoint's BOUNCE request pool.",
			nil, nil,
		),
	}
}

// SetEndpoint swaps the endpoint this collector reads from. Safe to
// call between scrapes; Collect always reads whichever endpoint was
// set most recently.
func (c *EngineCollector) SetEndpoint(ep *endpoint.Endpoint) { c.ep = ep }

// Describe implements prometheus.Collector.
func (c *EngineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bouncePostedDesc
	ch <- c.bounceMinDesc
	ch <- c.bounceMaxDesc
	ch <- c.pendingRetryDesc
	ch <- c.bounceReqInUseDesc
	ch <- c.bounceReqCapDesc
}

// Collect implements prometheus.Collector.
func (c *EngineCollector) Collect(ch chan<- prometheus.Metric) {
	ep := c.ep
	if ep == nil {
		return
	}

	for i := 0; i < ep.NumRails(); i++ {
		bp, err := ep.BouncePump(i)
		if err != nil {
			continue
		}
		rail := strconv.Itoa(i)
		min, max := bp.Bounds()
		ch <- prometheus.MustNewConstMetric(c.bouncePostedDesc, prometheus.GaugeValue, float64(bp.Posted()), rail)
		ch <- prometheus.MustNewConstMetric(c.bounceMinDesc, prometheus.GaugeValue, float64(min), rail)
		ch <- prometheus.MustNewConstMetric(c.bounceMaxDesc, prometheus.GaugeValue, float64(max), rail)
	}

	ch <- prometheus.MustNewConstMetric(c.pendingRetryDesc, prometheus.GaugeValue, float64(ep.Pending().Len()))
	ch <- prometheus.MustNewConstMetric(c.bounceReqInUseDesc, prometheus.GaugeValue, float64(ep.BounceRequests().InUse()))
	ch <- prometheus.MustNewConstMetric(c.bounceReqCapDesc, prometheus.GaugeValue, float64(ep.BounceRequests().Cap()))
}

// Recorder is the push side of the engine's metrics: request
// completions by kind/outcome and handshake state transitions, both
// cumulative counters that can't be recovered by polling state at
// scrape time the way EngineCollector's gauges can. internal/comm
// holds an optional *Recorder (nil-safe) and calls RecordHandshake
// from the handshake path; nothing in internal/comm calls
// RecordCompletion or RecordRetryResume.
type Recorder struct {
	completions *prometheus.CounterVec
	handshakes  *prometheus.CounterVec
	retries     prometheus.Counter
}

// NewRecorder builds a Recorder with its metrics already constructed
// (not yet registered into any registry — callers pass the result to
// Collectors for that).
func NewRecorder() *Recorder {
	return &Recorder{
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ofi_rail_request_completions_total",
			Help: "Requests completed, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ofi_rail_handshake_transitions_total",
			Help: "Handshake state transitions observed, by resulting state.",
		}, []string{"state"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ofi_rail_retry_resumes_total",
			Help: "Pending fabric operations resumed after a prior ErrTryAgain.",
		}),
	}
}

// RecordCompletion records one request reaching a terminal state.
// outcome is "ok" or "error".
func (r *Recorder) RecordCompletion(kind string, err error) {
	if r == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.completions.WithLabelValues(kind, outcome).Inc()
}

// RecordHandshake records a handshake reaching state.
func (r *Recorder) RecordHandshake(state string) {
	if r == nil {
		return
	}
	r.handshakes.WithLabelValues(state).Inc()
}

// RecordRetryResume records one pending operation being resumed.
func (r *Recorder) RecordRetryResume() {
	if r == nil {
		return
	}
	r.retries.Inc()
}

// Collectors returns every prometheus.Collector a Recorder owns, for
// registration into a prometheus.Registry.
func (r *Recorder) Collectors() []prometheus.Collector {
	if r == nil {
		return nil
	}
	return []prometheus.Collector{r.completions, r.handshakes, r.retries}
}
