package offheap

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skbansal/ehcache3/internal/segmap"
)

// Stats is a plain-struct snapshot of the statistics surface, for callers
// that don't want a prometheus dependency — mirrors the teacher's
// Stats()-struct style alongside the passthrough-statistic style of the
// original Java source's StatisticsManager.
type Stats struct {
	Hits            uint64
	Misses          uint64
	Puts            uint64
	Removals        uint64
	Expirations     uint64
	Evictions       uint64
	OversizeRetries uint64
	StoreAccessErrs uint64

	SegmentCount     int
	UsedSlotCount    int
	RemovedSlotCount int
	TableCapacity    int
	MaxReprobeLength int64
	OccupiedBytes    int64
	VitalBytes       int64
	AllocatedMemory  int64
	OccupiedMemory   int64
	PageCount        int
}

// passThroughCounters are the cumulative counters every Store keeps; they
// back both the Stats() snapshot and the prometheus collector, mirroring
// the original Java source's StatisticsManager.createPassThroughStatistic.
type passThroughCounters struct {
	hits            atomic.Uint64
	misses          atomic.Uint64
	puts            atomic.Uint64
	removals        atomic.Uint64
	expirations     atomic.Uint64
	evictions       atomic.Uint64
	oversizeRetries atomic.Uint64
	storeAccessErrs atomic.Uint64
}

// collector adapts a Store's counters and its segmented map's gauges into
// a prometheus.Collector, so the §6 statistics surface can be scraped
// alongside every other component in a process without a second metrics
// library (the Domain Stack explicitly avoids VictoriaMetrics/go-metrics
// for this reason). It builds const metrics fresh on every Collect call,
// the standard pattern for wrapping a non-prometheus-native counter set.
type collector struct {
	store *Store

	hitsDesc            *prometheus.Desc
	missesDesc          *prometheus.Desc
	putsDesc            *prometheus.Desc
	removalsDesc        *prometheus.Desc
	expirationsDesc     *prometheus.Desc
	evictionsDesc       *prometheus.Desc
	oversizeRetriesDesc *prometheus.Desc
	storeAccessErrsDesc *prometheus.Desc

	usedSlotsDesc       *prometheus.Desc
	tableCapacityDesc   *prometheus.Desc
	occupiedBytesDesc   *prometheus.Desc
	vitalBytesDesc      *prometheus.Desc
	allocatedMemoryDesc *prometheus.Desc
	occupiedMemoryDesc  *prometheus.Desc
}

func newCollector(store *Store, namespace string) *collector {
	ctr := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "offheap", name), help, nil, nil)
	}
	return &collector{
		store:               store,
		hitsDesc:            ctr("hits_total", "Authoritative-tier hits."),
		missesDesc:          ctr("misses_total", "Authoritative-tier misses."),
		putsDesc:            ctr("puts_total", "Successful put/compute installs."),
		removalsDesc:        ctr("removals_total", "Explicit removals."),
		expirationsDesc:     ctr("expirations_total", "Entries removed for having expired."),
		evictionsDesc:       ctr("evictions_total", "Entries removed by the eviction path."),
		oversizeRetriesDesc: ctr("oversize_retries_total", "Oversize-mapping retry attempts."),
		storeAccessErrsDesc: ctr("store_access_errors_total", "Terminal store-access failures."),
		usedSlotsDesc:       ctr("used_slots", "Currently occupied hash table slots."),
		tableCapacityDesc:   ctr("table_capacity", "Total hash table slot capacity."),
		occupiedBytesDesc:   ctr("occupied_bytes", "Arena bytes held by live entries."),
		vitalBytesDesc:      ctr("vital_bytes", "Arena bytes held by pinned entries."),
		allocatedMemoryDesc: ctr("allocated_memory_bytes", "Arena bytes reserved across all pages."),
		occupiedMemoryDesc:  ctr("occupied_memory_bytes", "Arena bytes currently held by live blocks."),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hitsDesc
	ch <- c.missesDesc
	ch <- c.putsDesc
	ch <- c.removalsDesc
	ch <- c.expirationsDesc
	ch <- c.evictionsDesc
	ch <- c.oversizeRetriesDesc
	ch <- c.storeAccessErrsDesc
	ch <- c.usedSlotsDesc
	ch <- c.tableCapacityDesc
	ch <- c.occupiedBytesDesc
	ch <- c.vitalBytesDesc
	ch <- c.allocatedMemoryDesc
	ch <- c.occupiedMemoryDesc
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.store.Stats()
	emit := func(desc *prometheus.Desc, valueType prometheus.ValueType, v float64) {
		ch <- prometheus.MustNewConstMetric(desc, valueType, v)
	}
	emit(c.hitsDesc, prometheus.CounterValue, float64(snap.Hits))
	emit(c.missesDesc, prometheus.CounterValue, float64(snap.Misses))
	emit(c.putsDesc, prometheus.CounterValue, float64(snap.Puts))
	emit(c.removalsDesc, prometheus.CounterValue, float64(snap.Removals))
	emit(c.expirationsDesc, prometheus.CounterValue, float64(snap.Expirations))
	emit(c.evictionsDesc, prometheus.CounterValue, float64(snap.Evictions))
	emit(c.oversizeRetriesDesc, prometheus.CounterValue, float64(snap.OversizeRetries))
	emit(c.storeAccessErrsDesc, prometheus.CounterValue, float64(snap.StoreAccessErrs))
	emit(c.usedSlotsDesc, prometheus.GaugeValue, float64(snap.UsedSlotCount))
	emit(c.tableCapacityDesc, prometheus.GaugeValue, float64(snap.TableCapacity))
	emit(c.occupiedBytesDesc, prometheus.GaugeValue, float64(snap.OccupiedBytes))
	emit(c.vitalBytesDesc, prometheus.GaugeValue, float64(snap.VitalBytes))
	emit(c.allocatedMemoryDesc, prometheus.GaugeValue, float64(snap.AllocatedMemory))
	emit(c.occupiedMemoryDesc, prometheus.GaugeValue, float64(snap.OccupiedMemory))
}

func statsFromMap(m segmap.Stats) Stats {
	return Stats{
		SegmentCount:     m.SegmentCount,
		UsedSlotCount:    m.UsedSlotCount,
		RemovedSlotCount: m.RemovedSlotCount,
		TableCapacity:    m.TableCapacity,
		MaxReprobeLength: m.MaxReprobeLength,
		OccupiedBytes:    m.OccupiedBytes,
		VitalBytes:       m.VitalBytes,
		AllocatedMemory:  m.AllocatedMemory,
		OccupiedMemory:   m.OccupiedMemory,
		PageCount:        m.PageCount,
	}
}
