// Package metrics exposes Prometheus collectors for sessions, provisioning and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dockyard"

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120}

// Recorder owns every dockyard collector. A nil *Recorder is valid and records nothing.
type Recorder struct {
	requestTotal     *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	probeAttempts    *prometheus.CounterVec
	sessions         *prometheus.CounterVec
	activeSessions   prometheus.Gauge
	deployments      *prometheus.CounterVec
	provisionLatency *prometheus.HistogramVec
	teardownFailures *prometheus.CounterVec
	resourceDrift    *prometheus.CounterVec
}

// NewRecorder creates the collectors and registers them with reg.
// Collectors that are already registered are reused.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}),
		probeAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "probe_attempts_total",
			Help:      "Engine health probe attempts by outcome",
		}, []string{"outcome"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "session_lookups_total",
			Help:      "Session registry lookups by result",
		}, []string{"result"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "active_sessions",
			Help:      "Number of cached engine sessions",
		}),
		deployments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deployments",
			Name:      "results_total",
			Help:      "Provisioning outcomes",
		}, []string{"outcome"}),
		provisionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "deployments",
			Name:      "provision_duration_seconds",
			Help:      "Time spent provisioning a deployment",
			Buckets:   histogramBuckets,
		}, []string{"outcome"}),
		teardownFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deployments",
			Name:      "teardown_failures_total",
			Help:      "Per-resource failures during stop or delete",
		}, []string{"op"}),
		resourceDrift: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resources",
			Name:      "status_changes_total",
			Help:      "Resource status changes observed by the monitor",
		}, []string{"status"}),
	}

	if reg == nil {
		return r
	}

	r.requestTotal = registerCounterVec(reg, r.requestTotal)
	r.requestDuration = registerHistogramVec(reg, r.requestDuration)
	r.probeAttempts = registerCounterVec(reg, r.probeAttempts)
	r.sessions = registerCounterVec(reg, r.sessions)
	r.deployments = registerCounterVec(reg, r.deployments)
	r.provisionLatency = registerHistogramVec(reg, r.provisionLatency)
	r.teardownFailures = registerCounterVec(reg, r.teardownFailures)
	r.resourceDrift = registerCounterVec(reg, r.resourceDrift)
	if err := reg.Register(r.activeSessions); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(prometheus.Gauge); ok {
				r.activeSessions = existing
			}
		}
	}

	return r
}

func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}

func registerHistogramVec(reg prometheus.Registerer, h *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := reg.Register(h); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing
			}
		}
	}
	return h
}

// =============================================================================
// Engine
// =============================================================================

// ProbeAttempt counts one health probe ping.
func (r *Recorder) ProbeAttempt(success bool) {
	if r == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	r.probeAttempts.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// SessionLookup counts a registry lookup. result is "hit", "built" or "failed".
func (r *Recorder) SessionLookup(result string) {
	if r == nil {
		return
	}
	r.sessions.With(prometheus.Labels{"result": result}).Inc()
}

// SetActiveSessions reports the number of cached sessions.
func (r *Recorder) SetActiveSessions(n int) {
	if r == nil {
		return
	}
	r.activeSessions.Set(float64(n))
}

// =============================================================================
// Deployments
// =============================================================================

// DeploymentResult records the outcome and duration of a provisioning task.
func (r *Recorder) DeploymentResult(outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	labels := prometheus.Labels{"outcome": outcome}
	r.deployments.With(labels).Inc()
	r.provisionLatency.With(labels).Observe(duration.Seconds())
}

// TeardownFailure counts a per-resource failure during stop or delete.
func (r *Recorder) TeardownFailure(op string) {
	if r == nil {
		return
	}
	r.teardownFailures.With(prometheus.Labels{"op": op}).Inc()
}

// ResourceStatusChange counts a status drift observed by the monitor.
func (r *Recorder) ResourceStatusChange(status string) {
	if r == nil {
		return
	}
	r.resourceDrift.With(prometheus.Labels{"status": status}).Inc()
}

// =============================================================================
// HTTP
// =============================================================================

// Instrument wraps a handler and records request count and latency under route.
func (r *Recorder) Instrument(route string, next http.Handler) http.Handler {
	if r == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		recorder := &responseRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(recorder, req)
		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		labels := prometheus.Labels{
			"method": req.Method,
			"route":  route,
			"status": strconv.Itoa(status),
		}
		r.requestTotal.With(labels).Inc()
		r.requestDuration.With(labels).Observe(time.Since(start).Seconds())
	})
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	return rr.ResponseWriter.Write(b)
}
