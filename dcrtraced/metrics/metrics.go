// Copyright (c) 2020 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package metrics provides the prometheus instrumentation of dcrtraced.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Failure kinds.
const (
	FailureInvalid  = "invalid"
	FailureTooLarge = "toolarge"
	FailureStore    = "store"
	FailureInternal = "internal"
)

// Metrics holds the daemon's collectors.  All methods are safe to call on a
// nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	Submits        prometheus.Counter
	Fetches        prometheus.Counter
	RecordsServed  prometheus.Counter
	Checks         *prometheus.CounterVec // result: match, nomatch
	CheckDuration  prometheus.Histogram
	CheckUniverse  prometheus.Histogram
	Evictions      prometheus.Counter
	Failures       *prometheus.CounterVec // kind
	WindowDuration prometheus.Histogram
}

// New creates all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Submits: f.NewCounter(prometheus.CounterOpts{
			Name: "dcrtrace_submits_total",
			Help: "Total number of CCNs stored",
		}),
		Fetches: f.NewCounter(prometheus.CounterOpts{
			Name: "dcrtrace_fetches_total",
			Help: "Total number of fetch requests served",
		}),
		RecordsServed: f.NewCounter(prometheus.CounterOpts{
			Name: "dcrtrace_fetch_records_total",
			Help: "Total number of records returned by fetch requests",
		}),
		Checks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dcrtrace_checks_total",
			Help: "Total number of check requests by result",
		}, []string{"result"}),
		CheckDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dcrtrace_check_duration_seconds",
			Help:    "Duration of check requests",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		CheckUniverse: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dcrtrace_check_universe_size",
			Help:    "Number of TCNs derivable from the retention window at check time",
			Buckets: prometheus.ExponentialBuckets(1440, 4, 10),
		}),
		Evictions: f.NewCounter(prometheus.CounterOpts{
			Name: "dcrtrace_evicted_records_total",
			Help: "Total number of expired records removed",
		}),
		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dcrtrace_failures_total",
			Help: "Total number of failed requests by kind",
		}, []string{"kind"}),
		WindowDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dcrtrace_window_read_duration_seconds",
			Help:    "Duration of retention window reads",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
	}
}

// Handler returns the exposition handler of the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncSubmit records a stored CCN.
func (m *Metrics) IncSubmit() {
	if m != nil {
		m.Submits.Inc()
	}
}

// ObserveFetch records a fetch that returned n records.
func (m *Metrics) ObserveFetch(n int) {
	if m != nil {
		m.Fetches.Inc()
		m.RecordsServed.Add(float64(n))
	}
}

// ObserveCheck records a completed check.
func (m *Metrics) ObserveCheck(match bool, universe int, d time.Duration) {
	if m == nil {
		return
	}
	result := "nomatch"
	if match {
		result = "match"
	}
	m.Checks.WithLabelValues(result).Inc()
	m.CheckDuration.Observe(d.Seconds())
	m.CheckUniverse.Observe(float64(universe))
}

// ObserveWindow records the duration of a retention window read.
func (m *Metrics) ObserveWindow(d time.Duration) {
	if m != nil {
		m.WindowDuration.Observe(d.Seconds())
	}
}

// AddEvictions records n removed records.
func (m *Metrics) AddEvictions(n int) {
	if m != nil {
		m.Evictions.Add(float64(n))
	}
}

// IncFailure records a failed request of the provided kind.
func (m *Metrics) IncFailure(kind string) {
	if m != nil {
		m.Failures.WithLabelValues(kind).Inc()
	}
}
