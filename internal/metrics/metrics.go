// Package metrics records what a single run did so that it can be pushed to
// a Prometheus Pushgateway before the process exits.
//
// A Recorder owns a private registry; nothing is registered globally. All
// methods are safe to call on a nil *Recorder, which lets components run
// without instrumentation in tests.
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "solarsync"

// Run outcomes reported by RunFinished.
const (
	OutcomeSent    = "sent"
	OutcomeSkipped = "skipped"
	OutcomeNoData  = "no_data"
	OutcomeFailed  = "failed"
)

// Recorder bundles the collectors updated during a run.
type Recorder struct {
	registry *prometheus.Registry

	APIRequests    *prometheus.CounterVec
	APILatency     *prometheus.HistogramVec
	Intervals      *prometheus.CounterVec
	FetchFailures  *prometheus.CounterVec
	TokenGrants    *prometheus.CounterVec
	PointsSent     prometheus.Counter
	Runs           *prometheus.CounterVec
	LastSuccess    prometheus.Gauge
	CursorPosition prometheus.Gauge
}

// NewRecorder creates the collectors and registers them on a fresh registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		APIRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Requests made to the Enlighten API",
			},
			[]string{"endpoint", "code"},
		),
		APILatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "Latency of Enlighten API requests",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"endpoint"},
		),
		Intervals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "intervals_fetched_total",
				Help:      "Intervals newer than the cursor returned by the telemetry endpoints",
			},
			[]string{"kind"},
		),
		FetchFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_failures_total",
				Help:      "Telemetry fetches that failed open and returned no data",
			},
			[]string{"kind", "reason"},
		),
		TokenGrants: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_grants_total",
				Help:      "OAuth token exchanges by grant type and result",
			},
			[]string{"grant_type", "result"},
		),
		PointsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "points_sent_total",
			Help:      "Metric points written to carbon",
		}),
		Runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Completed runs by outcome",
			},
			[]string{"outcome"},
		),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last run that delivered points",
		}),
		CursorPosition: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cursor_timestamp_seconds",
			Help:      "End of the most recently delivered interval",
		}),
	}

	r.registry.MustRegister(
		r.APIRequests,
		r.APILatency,
		r.Intervals,
		r.FetchFailures,
		r.TokenGrants,
		r.PointsSent,
		r.Runs,
		r.LastSuccess,
		r.CursorPosition,
	)
	return r
}

// Registry exposes the private registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) ObserveAPIRequest(endpoint string, code int, duration time.Duration) {
	if r == nil {
		return
	}
	r.APIRequests.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
	r.APILatency.WithLabelValues(endpoint).Observe(duration.Seconds())
}

func (r *Recorder) IntervalsFetched(kind string, n int) {
	if r == nil {
		return
	}
	r.Intervals.WithLabelValues(kind).Add(float64(n))
}

func (r *Recorder) FetchFailed(kind, reason string) {
	if r == nil {
		return
	}
	r.FetchFailures.WithLabelValues(kind, reason).Inc()
}

func (r *Recorder) TokenGrant(grantType string, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.TokenGrants.WithLabelValues(grantType, result).Inc()
}

func (r *Recorder) Sent(points int, cursor int64, at time.Time) {
	if r == nil {
		return
	}
	r.PointsSent.Add(float64(points))
	r.CursorPosition.Set(float64(cursor))
	r.LastSuccess.Set(float64(at.Unix()))
}

func (r *Recorder) RunFinished(outcome string) {
	if r == nil {
		return
	}
	r.Runs.WithLabelValues(outcome).Inc()
}

// Push sends every collector to the Pushgateway at url under job.
func (r *Recorder) Push(ctx context.Context, url, job string) error {
	if r == nil || url == "" {
		return nil
	}
	return push.New(url, job).Gatherer(r.registry).PushContext(ctx)
}
