package hpsa

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports a controller's Metrics to prometheus. Register it
// with a prometheus.Registerer; every scrape reads a fresh snapshot.
type Collector struct {
	metrics *Metrics
	ctlr    string

	submitted      *prometheus.Desc
	completions    *prometheus.Desc
	outstanding    *prometheus.Desc
	poolExhausted  *prometheus.Desc
	malformedTags  *prometheus.Desc
	sgHighWater    *prometheus.Desc
	passthrus      *prometheus.Desc
	scans          *prometheus.Desc
	scanErrors     *prometheus.Desc
	deviceChanges  *prometheus.Desc
	recoveries     *prometheus.Desc
	recoveryFails  *prometheus.Desc
	readinessPolls *prometheus.Desc
	latency        *prometheus.Desc
}

// NewCollector creates a collector for m labelled with controller number ctlr
func NewCollector(m *Metrics, ctlr int) *Collector {
	labels := []string{"ctlr"}
	desc := func(name, help string, extra ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("hpsa", "", name), help, append(labels, extra...), nil)
	}
	return &Collector{
		metrics:        m,
		ctlr:           strconv.Itoa(ctlr),
		submitted:      desc("commands_submitted_total", "Request commands handed to the controller."),
		completions:    desc("commands_completed_total", "Request completions by outcome.", "outcome"),
		outstanding:    desc("commands_outstanding", "Request commands in flight."),
		poolExhausted:  desc("command_pool_exhausted_total", "Requests refused because no command slot was free."),
		malformedTags:  desc("malformed_tags_total", "Completions that matched no outstanding command."),
		sgHighWater:    desc("sg_entries_high_water", "Most scatter-gather descriptors used by one request."),
		passthrus:      desc("passthru_commands_total", "Passthru commands issued."),
		scans:          desc("topology_scans_total", "Topology scans run."),
		scanErrors:     desc("topology_scan_errors_total", "Topology scans that failed."),
		deviceChanges:  desc("topology_device_changes_total", "Device table changes by kind.", "kind"),
		recoveries:     desc("recovery_total", "Aborts and resets by kind.", "kind"),
		recoveryFails:  desc("recovery_failures_total", "Aborts and resets that failed, by kind.", "kind"),
		readinessPolls: desc("readiness_polls_total", "Test unit ready probes sent while waiting for a device."),
		latency:        desc("command_latency_seconds", "Request command latency."),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.submitted, c.completions, c.outstanding, c.poolExhausted, c.malformedTags,
		c.sgHighWater, c.passthrus, c.scans, c.scanErrors, c.deviceChanges,
		c.recoveries, c.recoveryFails, c.readinessPolls, c.latency,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.metrics.Snapshot()
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), append([]string{c.ctlr}, labels...)...)
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, c.ctlr)
	}

	counter(c.submitted, s.Submitted)
	for outcome, n := range s.Outcomes {
		counter(c.completions, n, outcome)
	}
	gauge(c.outstanding, float64(s.Outstanding))
	counter(c.poolExhausted, s.PoolExhausted)
	counter(c.malformedTags, s.MalformedTags)
	gauge(c.sgHighWater, float64(s.SGHighWater))
	counter(c.passthrus, s.Passthrus)
	counter(c.scans, s.Scans)
	counter(c.scanErrors, s.ScanErrors)
	counter(c.deviceChanges, s.DevicesAdded, "added")
	counter(c.deviceChanges, s.DevicesRemoved, "removed")
	counter(c.deviceChanges, s.DevicesUpdated, "updated")
	counter(c.deviceChanges, s.DevicesRolledBack, "rolled_back")
	counter(c.deviceChanges, s.OfflineDevices, "offline")
	counter(c.recoveries, s.Aborts, "abort")
	counter(c.recoveries, s.Resets, "reset")
	counter(c.recoveryFails, s.AbortFailures, "abort")
	counter(c.recoveryFails, s.ResetFailures, "reset")
	counter(c.readinessPolls, s.ReadinessPolls)

	buckets := make(map[float64]uint64, numLatencyBuckets)
	for i, b := range LatencyBuckets {
		buckets[float64(b)/1e9] = s.LatencyHistogram[i]
	}
	sum := float64(c.metrics.TotalLatencyNs.Load()) / 1e9
	ch <- prometheus.MustNewConstHistogram(c.latency, c.metrics.OpCount.Load(), sum, buckets, c.ctlr)
}

var _ prometheus.Collector = (*Collector)(nil)
