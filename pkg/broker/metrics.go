// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package broker

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/novatechflow/seglog/pkg/storage"
)

const metricsNamespace = "seglog"

// Metrics holds the broker's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	appendedRecords    *prometheus.CounterVec
	appendedBytes      *prometheus.CounterVec
	rollovers          *prometheus.CounterVec
	flushes            *prometheus.CounterVec
	flushDuration      prometheus.Histogram
	deletedSegments    *prometheus.CounterVec
	invalidatedCursors *prometheus.CounterVec
	rejectedProduces   *prometheus.CounterVec
	s3Ops              *prometheus.CounterVec
	s3State            *prometheus.GaugeVec
	cleanupPasses      prometheus.Counter
	cleanupDuration    prometheus.Histogram
}

func newMetrics(partitions func() []*storage.PartitionLog) *Metrics {
	labels := []string{"topic", "partition"}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		appendedRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "appended_records_total",
			Help: "Records accepted by the append path.",
		}, labels),
		appendedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "appended_bytes_total",
			Help: "Encoded record bytes accepted by the append path.",
		}, labels),
		rollovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "segment_rollovers_total",
			Help: "Active segments sealed by size or age.",
		}, labels),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "flushes_total",
			Help: "Flushes that persisted at least one segment.",
		}, labels),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Name: "flush_duration_seconds",
			Help:    "Time spent uploading dirty segments.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		deletedSegments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "retention_deleted_segments_total",
			Help: "Segments removed by time retention.",
		}, labels),
		invalidatedCursors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "cursor_invalidations_total",
			Help: "Cursors whose segment was deleted before it was fully read.",
		}, labels),
		rejectedProduces: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "produce_rejected_total",
			Help: "Produce requests rejected before append.",
		}, []string{"topic", "reason"}),
		s3Ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "s3_operations_total",
			Help: "Object store operations by outcome.",
		}, []string{"op", "result"}),
		s3State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Name: "s3_health_state",
			Help: "1 for the current object store health state.",
		}, []string{"state"}),
		cleanupPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "cleanup_passes_total",
			Help: "Maintenance passes run.",
		}),
		cleanupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Name: "cleanup_duration_seconds",
			Help:    "Duration of one maintenance pass.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.appendedRecords, m.appendedBytes, m.rollovers, m.flushes, m.flushDuration,
		m.deletedSegments, m.invalidatedCursors, m.rejectedProduces, m.s3Ops,
		m.s3State, m.cleanupPasses, m.cleanupDuration,
		&partitionCollector{partitions: partitions},
	)
	m.setS3State(S3StateHealthy)
	return m
}

// Registry returns the registry to serve over HTTP.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) hooks(id storage.PartitionID) storage.LogHooks {
	topic, partition := id.Topic, strconv.Itoa(int(id.Partition))
	return storage.LogHooks{
		OnAppend: func(records, bytes int) {
			m.appendedRecords.WithLabelValues(topic, partition).Add(float64(records))
			m.appendedBytes.WithLabelValues(topic, partition).Add(float64(bytes))
		},
		OnRollover: func(storage.SegmentInfo) {
			m.rollovers.WithLabelValues(topic, partition).Inc()
		},
		OnSegmentDeleted: func(storage.SegmentInfo) {
			m.deletedSegments.WithLabelValues(topic, partition).Inc()
		},
		OnCursorInvalidated: func(*storage.GapError) {
			m.invalidatedCursors.WithLabelValues(topic, partition).Inc()
		},
	}
}

func (m *Metrics) observeFlush(id storage.PartitionID, res storage.FlushResult) {
	if res.Segments == 0 {
		return
	}
	m.flushes.WithLabelValues(id.Topic, strconv.Itoa(int(id.Partition))).Inc()
	m.flushDuration.Observe(res.Duration.Seconds())
}

func (m *Metrics) observeS3(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.s3Ops.WithLabelValues(op, result).Inc()
}

func (m *Metrics) observeCleanup(took time.Duration) {
	m.cleanupPasses.Inc()
	m.cleanupDuration.Observe(took.Seconds())
}

func (m *Metrics) setS3State(current S3HealthState) {
	for _, state := range S3HealthStates {
		v := 0.0
		if state == current {
			v = 1
		}
		m.s3State.WithLabelValues(string(state)).Set(v)
	}
}

// partitionCollector reports offsets and sizes from lock-free partition stats at scrape time.
type partitionCollector struct {
	partitions func() []*storage.PartitionLog
}

var (
	segmentsDesc = prometheus.NewDesc(metricsNamespace+"_partition_segments",
		"Segments retained by the partition.", []string{"topic", "partition"}, nil)
	bytesDesc = prometheus.NewDesc(metricsNamespace+"_partition_bytes",
		"Record bytes retained by the partition.", []string{"topic", "partition"}, nil)
	earliestDesc = prometheus.NewDesc(metricsNamespace+"_partition_earliest_offset",
		"Lowest retained offset.", []string{"topic", "partition"}, nil)
	committedDesc = prometheus.NewDesc(metricsNamespace+"_partition_committed_offset",
		"Offset the next visible record will get.", []string{"topic", "partition"}, nil)
)

func (c *partitionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- segmentsDesc
	ch <- bytesDesc
	ch <- earliestDesc
	ch <- committedDesc
}

func (c *partitionCollector) Collect(ch chan<- prometheus.Metric) {
	for _, log := range c.partitions() {
		stats := log.Stats()
		topic, partition := stats.ID.Topic, strconv.Itoa(int(stats.ID.Partition))
		ch <- prometheus.MustNewConstMetric(segmentsDesc, prometheus.GaugeValue, float64(len(stats.Segments)), topic, partition)
		ch <- prometheus.MustNewConstMetric(bytesDesc, prometheus.GaugeValue, float64(stats.TotalBytes), topic, partition)
		ch <- prometheus.MustNewConstMetric(earliestDesc, prometheus.GaugeValue, float64(stats.EarliestOffset), topic, partition)
		ch <- prometheus.MustNewConstMetric(committedDesc, prometheus.GaugeValue, float64(stats.CommittedOffset), topic, partition)
	}
}
