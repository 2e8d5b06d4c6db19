package ijson

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// covering 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks routing performance and operational statistics for a
// Dispatcher.
type Metrics struct {
	ClientMatches atomic.Uint64 // client_request calls resolved against a waiting worker
	WorkerMatches atomic.Uint64 // _add_worker calls resolved against a waiting client
	Collisions    atomic.Uint64 // id collisions observed in wait_response
	Disconnects   atomic.Uint64 // on_disconnect invocations
	Migrations    atomic.Uint64 // cross-loop migrations performed

	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// LatencyBuckets holds cumulative counts: bucket[i] counts routing
	// operations with latency <= LatencyBuckets[i].
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordClientMatched records a client_request call that found a waiting
// worker immediately.
func (m *Metrics) RecordClientMatched(latencyNs uint64) {
	m.ClientMatches.Add(1)
	m.recordLatency(latencyNs)
}

// RecordWorkerMatched records an _add_worker call that found a waiting
// client immediately.
func (m *Metrics) RecordWorkerMatched(latencyNs uint64) {
	m.WorkerMatches.Add(1)
	m.recordLatency(latencyNs)
}

// RecordCollision records an id collision in wait_response.
func (m *Metrics) RecordCollision() {
	m.Collisions.Add(1)
}

// RecordDisconnect records an on_disconnect invocation.
func (m *Metrics) RecordDisconnect() {
	m.Disconnects.Add(1)
}

// RecordMigration records a cross-loop migration.
func (m *Metrics) RecordMigration() {
	m.Migrations.Add(1)
}

// RecordQueueDepth records a queue depth sample.
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)

	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the dispatcher as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of Metrics.
type MetricsSnapshot struct {
	ClientMatches uint64
	WorkerMatches uint64
	Collisions    uint64
	Disconnects   uint64
	Migrations    uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	MatchesPerSec float64
	TotalOps      uint64
	CollisionRate float64
}

// Snapshot creates a point-in-time snapshot of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ClientMatches: m.ClientMatches.Load(),
		WorkerMatches: m.WorkerMatches.Load(),
		Collisions:    m.Collisions.Load(),
		Disconnects:   m.Disconnects.Load(),
		Migrations:    m.Migrations.Load(),
		MaxQueueDepth: m.MaxQueueDepth.Load(),
	}

	snap.TotalOps = snap.ClientMatches + snap.WorkerMatches

	queueDepthTotal := m.QueueDepthTotal.Load()
	queueDepthCount := m.QueueDepthCount.Load()
	if queueDepthCount > 0 {
		snap.AvgQueueDepth = float64(queueDepthTotal) / float64(queueDepthCount)
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.MatchesPerSec = float64(snap.TotalOps) / uptimeSeconds
	}

	if snap.TotalOps > 0 {
		snap.CollisionRate = float64(snap.Collisions) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters. Useful for testing.
func (m *Metrics) Reset() {
	m.ClientMatches.Store(0)
	m.WorkerMatches.Store(0)
	m.Collisions.Store(0)
	m.Disconnects.Store(0)
	m.Migrations.Store(0)
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable routing-event collection. It mirrors
// internal/interfaces.Observer at the public API surface so callers of
// the root package don't need to import the internal package.
type Observer interface {
	ObserveClientMatched(latencyNs uint64)
	ObserveWorkerMatched(latencyNs uint64)
	ObserveCollision()
	ObserveDisconnect()
	ObserveMigration()
	ObserveQueueDepth(depth uint32)
}

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveClientMatched(uint64) {}
func (NoOpObserver) ObserveWorkerMatched(uint64) {}
func (NoOpObserver) ObserveCollision()           {}
func (NoOpObserver) ObserveDisconnect()          {}
func (NoOpObserver) ObserveMigration()           {}
func (NoOpObserver) ObserveQueueDepth(uint32)    {}

// MetricsObserver implements Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveClientMatched(latencyNs uint64) {
	o.metrics.RecordClientMatched(latencyNs)
}

func (o *MetricsObserver) ObserveWorkerMatched(latencyNs uint64) {
	o.metrics.RecordWorkerMatched(latencyNs)
}

func (o *MetricsObserver) ObserveCollision() {
	o.metrics.RecordCollision()
}

func (o *MetricsObserver) ObserveDisconnect() {
	o.metrics.RecordDisconnect()
}

func (o *MetricsObserver) ObserveMigration() {
	o.metrics.RecordMigration()
}

func (o *MetricsObserver) ObserveQueueDepth(depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
