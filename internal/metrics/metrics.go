// Copyright Peton Labs, 2026. All rights reserved.

// Package metrics collects Prometheus counters for a pipeline run. The
// collector carries its own registry so tests can build as many as they like
// without duplicate-registration panics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the pipeline metrics. A nil *Collector is valid and
// records nothing, so stages never need to guard their calls.
type Collector struct {
	reg *prometheus.Registry

	items           *prometheus.CounterVec
	fetchAttempts   *prometheus.CounterVec
	cacheOps        *prometheus.CounterVec
	extractionCalls *prometheus.CounterVec
	chunks          prometheus.Counter
	rateWait        *prometheus.HistogramVec
	inFlight        prometheus.Gauge
}

// NewCollector builds a collector with all pipeline metrics registered.
func NewCollector() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sysrev",
			Name:      "items_total",
			Help:      "Work items reaching a terminal state, by state.",
		}, []string{"state"}),
		fetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sysrev",
			Name:      "fetch_attempts_total",
			Help:      "Source lookups during document fetches, by source and outcome.",
		}, []string{"source", "outcome"}),
		cacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sysrev",
			Name:      "cache_ops_total",
			Help:      "Archival cache operations, by op and outcome.",
		}, []string{"op", "outcome"}),
		extractionCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sysrev",
			Name:      "extraction_calls_total",
			Help:      "Field-extraction service calls, by outcome.",
		}, []string{"outcome"}),
		chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sysrev",
			Name:      "chunks_total",
			Help:      "Text chunks produced across all documents.",
		}),
		rateWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sysrev",
			Name:      "rate_wait_seconds",
			Help:      "Time spent waiting on rate budgets, by budget.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"budget"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sysrev",
			Name:      "items_in_flight",
			Help:      "Work items currently claimed by a worker.",
		}),
	}

	c.reg.MustRegister(c.items, c.fetchAttempts, c.cacheOps,
		c.extractionCalls, c.chunks, c.rateWait, c.inFlight)
	return c
}

// Handler serves the collector's registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// RecordItem counts an item reaching a terminal state ("done", "failed").
func (c *Collector) RecordItem(state string) {
	if c == nil {
		return
	}
	c.items.WithLabelValues(state).Inc()
}

// RecordFetchAttempt counts one source lookup.
func (c *Collector) RecordFetchAttempt(source, outcome string) {
	if c == nil {
		return
	}
	c.fetchAttempts.WithLabelValues(source, outcome).Inc()
}

// RecordCacheOp counts one cache operation ("get"/"put"/"find", "hit"/"miss"/"error").
func (c *Collector) RecordCacheOp(op, outcome string) {
	if c == nil {
		return
	}
	c.cacheOps.WithLabelValues(op, outcome).Inc()
}

// RecordExtractionCall counts one extraction service call ("ok"/"error").
func (c *Collector) RecordExtractionCall(outcome string) {
	if c == nil {
		return
	}
	c.extractionCalls.WithLabelValues(outcome).Inc()
}

// RecordChunk counts one produced text chunk.
func (c *Collector) RecordChunk() {
	if c == nil {
		return
	}
	c.chunks.Inc()
}

// ObserveRateWait records time spent blocked on a budget acquire.
func (c *Collector) ObserveRateWait(budget string, seconds float64) {
	if c == nil {
		return
	}
	c.rateWait.WithLabelValues(budget).Observe(seconds)
}

// ItemStarted and ItemFinished track the in-flight gauge around a claim.
func (c *Collector) ItemStarted() {
	if c == nil {
		return
	}
	c.inFlight.Inc()
}

func (c *Collector) ItemFinished() {
	if c == nil {
		return
	}
	c.inFlight.Dec()
}
