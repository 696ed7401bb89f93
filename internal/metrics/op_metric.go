// Copyright (c) 2026 the ltfsdmd authors. All rights reserved.
// SPDX-License-Identifier: MIT

// Package metrics wraps Prometheus counters/summaries/gauges for tracking
// the scheduler and dispatcher's long-running operations (requests, tape
// moves, migrations, recalls).
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"

	"github.com/ltfsdm/ltfsdmd/internal/core"
)

// OpMetric tracks counts, latencies and in-flight counts for a named
// operation (e.g. "migration", "selrecall", "dispatch_request"). Start/End
// bracket one occurrence; Failed/TooBusy record a non-default outcome before
// End is called.
type OpMetric struct {
	name      string
	counters  *prometheus.CounterVec
	latencies *prometheus.SummaryVec
	pending   *prometheus.GaugeVec
}

// NewOpMetric registers a new op metric under name, with labels shared
// across all three underlying metric families.
func NewOpMetric(name string, labels ...string) *OpMetric {
	labelsWithResult := append([]string{"result"}, labels...)
	return &OpMetric{
		name:      name,
		counters:  promauto.NewCounterVec(prometheus.CounterOpts{Name: name}, labelsWithResult),
		latencies: promauto.NewSummaryVec(prometheus.SummaryOpts{Name: name + "_latency"}, labels),
		pending:   promauto.NewGaugeVec(prometheus.GaugeOpts{Name: name + "_pending"}, labels),
	}
}

// Start marks that an operation began and starts its latency timer.
func (m *OpMetric) Start(values ...string) *Measurer {
	lm := &Measurer{opm: m, values: values}
	lm.Result("all") // resets start, set below
	lm.start = time.Now().UnixNano()
	lm.opm.pending.WithLabelValues(values...).Inc()
	return lm
}

// Count returns how many times Start has produced the given result.
func (m *OpMetric) Count(result string, values ...string) uint64 {
	valuesWithResult := append([]string{result}, values...)
	mtr := m.counters.WithLabelValues(valuesWithResult...)
	var value dto.Metric
	if mtr.Write(&value) != nil {
		return 0
	}
	return uint64(*value.Counter.Value)
}

// String renders latency/failure/pending information for the given label
// values, for the CLI's "info" output and admin logging.
func (m *OpMetric) String(values ...string) string {
	out := SummaryString(m.latencies.WithLabelValues(values...))
	out += fmt.Sprintf(" / %d rejected / %d failed", m.Count("too_busy", values...), m.Count("failed", values...))

	var value dto.Metric
	if m.pending.WithLabelValues(values...).Write(&value) == nil {
		out += fmt.Sprintf(" / %d pending", int64(*value.Gauge.Value))
	}
	return out
}

// Measurer brackets one occurrence of an operation.
type Measurer struct {
	start  int64
	opm    *OpMetric
	values []string
}

// Failed records that the operation returned an error.
func (lm *Measurer) Failed() {
	lm.Result("failed")
}

// TooBusy records that the operation was rejected due to load.
func (lm *Measurer) TooBusy() {
	lm.Result("too_busy")
}

// Result records an arbitrary named outcome.
func (lm *Measurer) Result(result string) {
	lm.start = 0 // suppress latency recording in End
	valuesWithResult := append([]string{result}, lm.values...)
	lm.opm.counters.WithLabelValues(valuesWithResult...).Inc()
}

// End records elapsed latency (if Result wasn't already called) and
// decrements the pending gauge.
func (lm *Measurer) End() {
	if lm.start != 0 {
		d := time.Duration(time.Now().UnixNano() - lm.start)
		lm.opm.latencies.WithLabelValues(lm.values...).Observe(float64(d) / 1e9)
	}
	lm.opm.pending.WithLabelValues(lm.values...).Dec()
}

// EndWithCoreError calls Failed if err carries a non-NoError core.Error
// code, then always calls End.
func (lm *Measurer) EndWithCoreError(err error) {
	if core.Code(err) != core.NoError {
		lm.Failed()
	}
	lm.End()
}

// SummaryString renders a Prometheus summary observer as a human-readable
// count plus quantile list.
func SummaryString(obs prometheus.Observer) string {
	sum, ok := obs.(prometheus.Summary)
	if !ok {
		return ""
	}
	var value dto.Metric
	if sum.Write(&value) != nil || value.Summary == nil {
		return ""
	}
	out := fmt.Sprintf("Total count=%d;", *value.Summary.SampleCount)
	for _, q := range value.Summary.Quantile {
		out += fmt.Sprintf(" %gth=%.3f;", *q.Quantile*100, *q.Value)
	}
	return out[:len(out)-1]
}
