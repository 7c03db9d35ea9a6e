package pool

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes pool statistics as Prometheus metrics. It implements
// prometheus.Collector and reads the counters directly from the pools on
// each scrape.
type Collector struct {
	pools []*Pool

	queued    *prometheus.Desc
	processed *prometheus.Desc
	failed    *prometheus.Desc
}

// NewCollector creates a collector over the given pools. Each metric carries
// the pool's routing-class name as a label.
func NewCollector(namespace string, pools ...*Pool) *Collector {
	return &Collector{
		pools: pools,
		queued: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "tasks_pending"),
			"Number of queued plus in-flight tasks",
			[]string{"pool"},
			nil,
		),
		processed: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "tasks_processed_total"),
			"Number of tasks completed since startup, failures included",
			[]string{"pool"},
			nil,
		),
		failed: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "tasks_failed_total"),
			"Number of tasks that completed with an error",
			[]string{"pool"},
			nil,
		),
	}
}

// Describe sends all metric descriptors to the channel.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queued
	ch <- c.processed
	ch <- c.failed
}

// Collect gathers current pool statistics and sends them as metrics.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, p := range c.pools {
		ch <- prometheus.MustNewConstMetric(
			c.queued, prometheus.GaugeValue, float64(p.Length()), p.Name(),
		)
		ch <- prometheus.MustNewConstMetric(
			c.processed, prometheus.CounterValue, float64(p.Processed()), p.Name(),
		)
		ch <- prometheus.MustNewConstMetric(
			c.failed, prometheus.CounterValue, float64(p.Failed()), p.Name(),
		)
	}
}
