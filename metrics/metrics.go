// Package metrics exposes a pmm.Allocator's best-effort counters as
// Prometheus gauges, standing in for spec.md §1's "external size/trace
// counters" collaborator.
//
// Grounded on the dependency ClusterCockpit-cc-backend's go.mod pulls in
// for Prometheus (github.com/prometheus/client_golang); that repo consumes
// Prometheus as a query client rather than an exposition target, but the
// same library's prometheus.Registry/GaugeFunc is the idiomatic way for a
// Go service to publish the pull-based counters this allocator accumulates.
package metrics

import (
	"strconv"

	"frametree/pmm"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector registers a set of gauge series backed by an allocator's live
// state. free_frames and free_huge are GaugeFuncs computed on scrape;
// frames_total is set once at construction (the frame count never changes);
// the per-CPU local_free series is set at construction and by Refresh.
type Collector struct {
	allocator *pmm.Allocator

	frames     prometheus.Gauge
	freeFrames prometheus.GaugeFunc
	freeHuge   prometheus.GaugeFunc
	localFree  *prometheus.GaugeVec
}

// NewCollector builds a Collector for allocator, labeling its per-CPU gauge
// with the cpu index as spec.md's per-CPU local state suggests.
func NewCollector(allocator *pmm.Allocator) *Collector {
	c := &Collector{allocator: allocator}

	c.frames = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "frametree",
		Name:      "frames_total",
		Help:      "Total base frames managed by the allocator instance.",
	})
	c.frames.Set(float64(allocator.Frames()))

	c.freeFrames = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "frametree",
		Name:      "free_frames",
		Help:      "Best-effort sum of free base frames across trees and per-CPU reservations.",
	}, func() float64 { return float64(allocator.FreeFrames()) })

	c.freeHuge = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "frametree",
		Name:      "free_huge_children",
		Help:      "Best-effort count of fully-free huge-sized children.",
	}, func() float64 { return float64(allocator.FreeHuge()) })

	c.localFree = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "frametree",
		Name:      "local_free_frames",
		Help:      "Per-CPU local reservation free-frame count.",
	}, []string{"cpu"})
	c.Refresh()

	return c
}

// Register adds every series to reg.
func (c *Collector) Register(reg *prometheus.Registry) error {
	for _, coll := range []prometheus.Collector{c.frames, c.freeFrames, c.freeHuge, c.localFree} {
		if err := reg.Register(coll); err != nil {
			return err
		}
	}
	return nil
}

// Refresh recomputes the per-CPU local_free series. Unlike the GaugeFunc
// series, a GaugeVec has no per-label callback, so the caller (typically a
// scrape handler or a periodic ticker) must call Refresh before each
// collection.
func (c *Collector) Refresh() {
	for cpu := 0; cpu < c.allocator.Cores(); cpu++ {
		c.localFree.WithLabelValues(strconv.Itoa(cpu)).Set(float64(c.allocator.LocalFree(cpu)))
	}
}
