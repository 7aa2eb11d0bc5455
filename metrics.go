package hpsa

import (
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-hpsa/internal/scsi"
	"github.com/ehrlich-b/go-hpsa/internal/topology"
)

// LatencyBuckets defines the command latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// numOutcomes covers scsi.OutcomeOK through scsi.OutcomeUnitAttention
const numOutcomes = int(scsi.OutcomeUnitAttention) + 1

// Metrics tracks command, topology and recovery statistics of a controller
type Metrics struct {
	// Request path
	Submitted      atomic.Uint64 // Commands handed to the controller
	Completed      atomic.Uint64 // Request completions delivered to the host
	Outcomes       [numOutcomes]atomic.Uint64
	Outstanding    atomic.Int64  // Request commands in flight
	MaxOutstanding atomic.Int64  // Highest observed in-flight count
	PoolExhausted  atomic.Uint64 // QueueCommand calls refused for lack of a slot
	MapFailures    atomic.Uint64 // Requests failed before submission by SG mapping
	NoDevice       atomic.Uint64 // Requests for an unknown bus/target/lun
	MalformedTags  atomic.Uint64 // Completions that matched no command
	SGHighWater    atomic.Uint32 // Most descriptors one request used

	// Admin path
	InternalCommands atomic.Uint64
	Abandoned        atomic.Uint64 // Internal waits given up before the hardware finished
	Passthrus        atomic.Uint64
	PassthruBusy     atomic.Uint64

	// Topology
	Scans             atomic.Uint64
	ScanErrors        atomic.Uint64
	DevicesAdded      atomic.Uint64
	DevicesRemoved    atomic.Uint64
	DevicesUpdated    atomic.Uint64
	DevicesRolledBack atomic.Uint64
	OfflineDevices    atomic.Uint64

	// Recovery
	Aborts         atomic.Uint64
	AbortFailures  atomic.Uint64
	Resets         atomic.Uint64
	ResetFailures  atomic.Uint64
	ReadinessPolls atomic.Uint64

	// Latency of request commands
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// Latency histogram buckets (cumulative counts)
	// Each bucket[i] contains the count of commands with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Controller lifecycle
	StartTime atomic.Int64 // Open timestamp (UnixNano)
	StopTime  atomic.Int64 // Close timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordSubmit records a request handed to the controller
func (m *Metrics) RecordSubmit() {
	m.Submitted.Add(1)
	n := m.Outstanding.Add(1)
	for {
		cur := m.MaxOutstanding.Load()
		if n <= cur || m.MaxOutstanding.CompareAndSwap(cur, n) {
			break
		}
	}
}

// RecordCompletion records a request completion and its latency
func (m *Metrics) RecordCompletion(outcome scsi.Outcome, latencyNs uint64) {
	m.Completed.Add(1)
	m.Outstanding.Add(-1)
	if int(outcome) >= 0 && int(outcome) < numOutcomes {
		m.Outcomes[outcome].Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordSGUse records the descriptor count of a mapped request
func (m *Metrics) RecordSGUse(n int) {
	v := uint32(n)
	for {
		cur := m.SGHighWater.Load()
		if v <= cur || m.SGHighWater.CompareAndSwap(cur, v) {
			break
		}
	}
}

// RecordScan records a topology scan
func (m *Metrics) RecordScan(ch *topology.Changes, err error) {
	m.Scans.Add(1)
	if err != nil {
		m.ScanErrors.Add(1)
		return
	}
	if ch == nil {
		return
	}
	m.DevicesAdded.Add(uint64(len(ch.Added)))
	m.DevicesRemoved.Add(uint64(len(ch.Removed)))
	m.DevicesUpdated.Add(uint64(len(ch.Updated)))
	m.DevicesRolledBack.Add(uint64(len(ch.RolledBack)))
	m.OfflineDevices.Add(uint64(len(ch.Offline)))
}

// RecordAbort records a finished abort
func (m *Metrics) RecordAbort(success bool) {
	m.Aborts.Add(1)
	if !success {
		m.AbortFailures.Add(1)
	}
}

// RecordReset records a finished reset
func (m *Metrics) RecordReset(success bool) {
	m.Resets.Add(1)
	if !success {
		m.ResetFailures.Add(1)
	}
}

// recordLatency records command latency and updates histogram
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the controller as closed
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics
type MetricsSnapshot struct {
	Submitted      uint64
	Completed      uint64
	Outcomes       map[string]uint64
	Outstanding    int64
	MaxOutstanding int64
	PoolExhausted  uint64
	MapFailures    uint64
	NoDevice       uint64
	MalformedTags  uint64
	SGHighWater    uint32

	InternalCommands uint64
	Abandoned        uint64
	Passthrus        uint64
	PassthruBusy     uint64

	Scans             uint64
	ScanErrors        uint64
	DevicesAdded      uint64
	DevicesRemoved    uint64
	DevicesUpdated    uint64
	DevicesRolledBack uint64
	OfflineDevices    uint64

	Aborts         uint64
	AbortFailures  uint64
	Resets         uint64
	ResetFailures  uint64
	ReadinessPolls uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	// Latency percentiles (in nanoseconds)
	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	// Histogram bucket counts (cumulative)
	LatencyHistogram [numLatencyBuckets]uint64

	IOPS      float64
	ErrorRate float64 // Percentage of completions that were not OK
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Submitted:         m.Submitted.Load(),
		Completed:         m.Completed.Load(),
		Outcomes:          make(map[string]uint64, numOutcomes),
		Outstanding:       m.Outstanding.Load(),
		MaxOutstanding:    m.MaxOutstanding.Load(),
		PoolExhausted:     m.PoolExhausted.Load(),
		MapFailures:       m.MapFailures.Load(),
		NoDevice:          m.NoDevice.Load(),
		MalformedTags:     m.MalformedTags.Load(),
		SGHighWater:       m.SGHighWater.Load(),
		InternalCommands:  m.InternalCommands.Load(),
		Abandoned:         m.Abandoned.Load(),
		Passthrus:         m.Passthrus.Load(),
		PassthruBusy:      m.PassthruBusy.Load(),
		Scans:             m.Scans.Load(),
		ScanErrors:        m.ScanErrors.Load(),
		DevicesAdded:      m.DevicesAdded.Load(),
		DevicesRemoved:    m.DevicesRemoved.Load(),
		DevicesUpdated:    m.DevicesUpdated.Load(),
		DevicesRolledBack: m.DevicesRolledBack.Load(),
		OfflineDevices:    m.OfflineDevices.Load(),
		Aborts:            m.Aborts.Load(),
		AbortFailures:     m.AbortFailures.Load(),
		Resets:            m.Resets.Load(),
		ResetFailures:     m.ResetFailures.Load(),
		ReadinessPolls:    m.ReadinessPolls.Load(),
	}

	for i := 0; i < numOutcomes; i++ {
		snap.Outcomes[scsi.Outcome(i).String()] = m.Outcomes[i].Load()
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
		snap.IOPS = float64(snap.Completed) / (float64(snap.UptimeNs) / 1e9)
	}

	if snap.Completed > 0 {
		failed := snap.Completed - snap.Outcomes[scsi.OutcomeOK.String()]
		snap.ErrorRate = float64(failed) / float64(snap.Completed) * 100.0
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

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
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

// Observer allows pluggable metrics collection
type Observer interface {
	// ObserveSubmit is called when a request is handed to the controller
	ObserveSubmit(sgEntries int)

	// ObserveCompletion is called once per request completion
	ObserveCompletion(outcome scsi.Outcome, latencyNs uint64)

	// ObserveScan is called after every topology scan
	ObserveScan(ch *topology.Changes, err error)

	// ObserveAbort is called when an abort finishes
	ObserveAbort(success bool)

	// ObserveReset is called when a reset finishes
	ObserveReset(success bool)
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveSubmit(int)                      {}
func (NoOpObserver) ObserveCompletion(scsi.Outcome, uint64) {}
func (NoOpObserver) ObserveScan(*topology.Changes, error)   {}
func (NoOpObserver) ObserveAbort(bool)                      {}
func (NoOpObserver) ObserveReset(bool)                      {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveSubmit(sgEntries int) {
	o.metrics.RecordSubmit()
	o.metrics.RecordSGUse(sgEntries)
}

func (o *MetricsObserver) ObserveCompletion(outcome scsi.Outcome, latencyNs uint64) {
	o.metrics.RecordCompletion(outcome, latencyNs)
}

func (o *MetricsObserver) ObserveScan(ch *topology.Changes, err error) {
	o.metrics.RecordScan(ch, err)
}

func (o *MetricsObserver) ObserveAbort(success bool) {
	o.metrics.RecordAbort(success)
}

func (o *MetricsObserver) ObserveReset(success bool) {
	o.metrics.RecordReset(success)
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
