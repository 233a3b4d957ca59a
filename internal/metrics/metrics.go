// ============================================================================
// embedbot metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose cycle, source and output metrics
//
// Metrics:
//
//   1. Counters:
//      - embedbot_cycles_total{outcome}          cycles by definitive outcome
//      - embedbot_region_fetch_total{region,result}  ok | error per region fetch
//      - embedbot_slot_operations_total{op}      create | edit | recreate | retire | drop
//      - embedbot_output_errors_total{kind}      not_found | rate_limited | permission | other
//      - embedbot_state_save_failures_total
//
//   2. Histogram:
//      - embedbot_cycle_duration_seconds
//
//   3. Gauges:
//      - embedbot_region_records{region}         records shown per region
//      - embedbot_last_success_timestamp_seconds
//
// Example queries:
//
//   # regions failing in the last hour
//   increase(embedbot_region_fetch_total{result="error"}[1h]) > 0
//
//   # boards not refreshed for 2 intervals
//   time() - embedbot_last_success_timestamp_seconds > 3600
//
// All methods are safe on a nil *Collector so components can run without
// instrumentation in tests.
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus metrics collector
type Collector struct {
	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	regionFetch   *prometheus.CounterVec
	regionRecords *prometheus.GaugeVec
	slotOps       *prometheus.CounterVec
	outputErrors  *prometheus.CounterVec
	saveFailures  prometheus.Counter
	lastSuccess   prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewCollector creates the collector and registers it with reg. A nil reg
// uses a fresh registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		r := prometheus.NewRegistry()
		reg = r
	}

	c := &Collector{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "embedbot_cycles_total",
			Help: "Total number of sync cycles by outcome",
		}, []string{"outcome"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "embedbot_cycle_duration_seconds",
			Help:    "Duration of sync cycles in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		}),
		regionFetch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "embedbot_region_fetch_total",
			Help: "Region fetches by result",
		}, []string{"region", "result"}),
		regionRecords: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "embedbot_region_records",
			Help: "Records shown for a region in the last cycle",
		}, []string{"region"}),
		slotOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "embedbot_slot_operations_total",
			Help: "Slot operations performed by the sync engine",
		}, []string{"op"}),
		outputErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "embedbot_output_errors_total",
			Help: "Errors returned by the chat platform",
		}, []string{"kind"}),
		saveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "embedbot_state_save_failures_total",
			Help: "Failed attempts to persist engine state",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "embedbot_last_success_timestamp_seconds",
			Help: "Unix time of the last cycle in which every region synced",
		}),
	}

	reg.MustRegister(
		c.cycles,
		c.cycleDuration,
		c.regionFetch,
		c.regionRecords,
		c.slotOps,
		c.outputErrors,
		c.saveFailures,
		c.lastSuccess,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	} else {
		c.gatherer = prometheus.DefaultGatherer
	}
	return c
}

// RecordCycle records the outcome and duration of a cycle.
func (c *Collector) RecordCycle(outcome string, d time.Duration, allSynced bool) {
	if c == nil {
		return
	}
	c.cycles.WithLabelValues(outcome).Inc()
	c.cycleDuration.Observe(d.Seconds())
	if allSynced {
		c.lastSuccess.SetToCurrentTime()
	}
}

// RecordFetch records one region fetch.
func (c *Collector) RecordFetch(region string, ok bool, records int) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	c.regionFetch.WithLabelValues(region, result).Inc()
	c.regionRecords.WithLabelValues(region).Set(float64(records))
}

// RecordSlotOp counts a slot operation.
func (c *Collector) RecordSlotOp(op string) {
	if c == nil {
		return
	}
	c.slotOps.WithLabelValues(op).Inc()
}

// RecordOutputError counts an output error by kind.
func (c *Collector) RecordOutputError(kind string) {
	if c == nil || kind == "" {
		return
	}
	c.outputErrors.WithLabelValues(kind).Inc()
}

// RecordSaveFailure counts a failed state save.
func (c *Collector) RecordSaveFailure() {
	if c == nil {
		return
	}
	c.saveFailures.Inc()
}

// Handler serves the registry the collector was registered with. A nil
// collector serves 404.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
