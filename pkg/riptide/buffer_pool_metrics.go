package riptide

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	bufferPoolGetsDesc = prometheus.NewDesc(
		"riptide_buffer_pool_gets_total",
		"Total number of buffer Get operations",
		[]string{"size"}, nil,
	)
	bufferPoolPutsDesc = prometheus.NewDesc(
		"riptide_buffer_pool_puts_total",
		"Total number of buffer Put operations",
		[]string{"size"}, nil,
	)
	bufferPoolHitsDesc = prometheus.NewDesc(
		"riptide_buffer_pool_hits_total",
		"Total number of buffer pool hits (reuse)",
		[]string{"size"}, nil,
	)
	bufferPoolMissesDesc = prometheus.NewDesc(
		"riptide_buffer_pool_misses_total",
		"Total number of buffer pool misses (new allocation)",
		[]string{"size"}, nil,
	)
	bufferPoolDiscardsDesc = prometheus.NewDesc(
		"riptide_buffer_pool_discards_total",
		"Total number of buffers discarded (wrong size)",
		[]string{"size"}, nil,
	)
	bufferPoolOversizedDesc = prometheus.NewDesc(
		"riptide_buffer_pool_oversized_total",
		"Total number of buffers allocated above the largest size class",
		nil, nil,
	)
)

// PrometheusCollector exports a BufferPool's counters on each scrape.
type PrometheusCollector struct {
	pool *BufferPool
}

// NewPrometheusCollector creates a collector for pool.
func NewPrometheusCollector(pool *BufferPool) *PrometheusCollector {
	return &PrometheusCollector{pool: pool}
}

// Describe implements prometheus.Collector
func (pc *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- bufferPoolGetsDesc
	ch <- bufferPoolPutsDesc
	ch <- bufferPoolHitsDesc
	ch <- bufferPoolMissesDesc
	ch <- bufferPoolDiscardsDesc
	ch <- bufferPoolOversizedDesc
}

// Collect implements prometheus.Collector
func (pc *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	m := pc.pool.GetMetrics()
	for _, c := range m.Classes {
		label := sizeLabel(c.Size)
		ch <- prometheus.MustNewConstMetric(bufferPoolGetsDesc, prometheus.CounterValue, float64(c.Gets), label)
		ch <- prometheus.MustNewConstMetric(bufferPoolPutsDesc, prometheus.CounterValue, float64(c.Puts), label)
		ch <- prometheus.MustNewConstMetric(bufferPoolHitsDesc, prometheus.CounterValue, float64(c.Hits), label)
		ch <- prometheus.MustNewConstMetric(bufferPoolMissesDesc, prometheus.CounterValue, float64(c.Misses), label)
		ch <- prometheus.MustNewConstMetric(bufferPoolDiscardsDesc, prometheus.CounterValue, float64(c.Discards), label)
	}
	ch <- prometheus.MustNewConstMetric(bufferPoolOversizedDesc, prometheus.CounterValue, float64(m.Oversized))
}

func sizeLabel(size int) string {
	if size >= 1024*1024 {
		return strconv.Itoa(size/(1024*1024)) + "mb"
	}
	return strconv.Itoa(size/1024) + "kb"
}
