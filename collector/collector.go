package collector

import (
	"time"

	"github.com/giygas/zulip-exporter/snapshot"
	"github.com/prometheus/client_golang/prometheus"
)

// Collector renders one snapshot. It is registered on a fresh registry per
// scrape and never reads anything but the snapshot it was built with.
type Collector struct {
	snap *snapshot.Snapshot
	now  time.Time
	defs []*Definition
}

// New returns a collector rendering snap as of now
func New(snap *snapshot.Snapshot, now time.Time) *Collector {
	return &Collector{
		snap: snap,
		now:  now,
		defs: Definitions(),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.defs {
		ch <- d.desc
	}
}

// Collect implements prometheus.Collector. Without a snapshot every metric
// reports ErrNoSnapshot and the gather fails.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, d := range c.defs {
		samples, err := d.Derive(c.snap, c.now)
		if err != nil {
			ch <- prometheus.NewInvalidMetric(d.desc, err)
			continue
		}

		for _, s := range samples {
			m, err := prometheus.NewConstMetric(d.desc, d.Type, s.Value, s.LabelValues...)
			if err != nil {
				ch <- prometheus.NewInvalidMetric(d.desc, err)
				continue
			}
			ch <- m
		}
	}
}
