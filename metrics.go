// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package reactor

import "github.com/prometheus/client_golang/prometheus"

var (
	descUtilization = prometheus.NewDesc(
		"reactor_loop_utilization_ratio",
		"Fraction of wall time spent running callbacks rather than sleeping.",
		nil, nil,
	)
	descQueueDepth = prometheus.NewDesc(
		"reactor_loop_queue_depth",
		"Number of callbacks waiting in the timed queue.",
		nil, nil,
	)
)

// A Collector exposes loop health as Prometheus metrics. Values are
// read without synchronization, so gather from the loop goroutine or
// accept slightly stale snapshots.
type Collector struct {
	loop *Loop
}

// NewCollector returns a collector reporting on the given loop.
func NewCollector(l *Loop) *Collector {
	return &Collector{loop: l}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descUtilization
	ch <- descQueueDepth
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(descUtilization, prometheus.GaugeValue, c.loop.Utilization())
	ch <- prometheus.MustNewConstMetric(descQueueDepth, prometheus.GaugeValue, float64(c.loop.Len()))
}
