package tiercache

// metrics.go defines the metricsSink/noopMetrics/promMetrics trio used to
// report per-tier (memory/disk) counters and gauges without the hot path
// paying for Prometheus bookkeeping when no registry is configured.

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metricsSink abstracts the concrete backend (Prometheus vs noop) so
// TieredCache's hot path pays nothing when metrics are disabled.
type metricsSink interface {
	incMemHit()
	incDiskHit()
	incMiss()
	incMemEviction()
	incDiskEviction()
	incFetch()
	incFetchError()
	incDiskError()
	incIndexError()
	addBytesReadFromMem(n int64)
	addBytesReadFromDisk(n int64)
	addBytesFetched(n int64)
	setMemBytesUsed(n int64)
	setDiskBytesUsed(n int64)
	setArcP(n int64)
}

type noopMetrics struct{}

func (noopMetrics) incMemHit()                 {}
func (noopMetrics) incDiskHit()                {}
func (noopMetrics) incMiss()                   {}
func (noopMetrics) incMemEviction()            {}
func (noopMetrics) incDiskEviction()           {}
func (noopMetrics) incFetch()                  {}
func (noopMetrics) incFetchError()             {}
func (noopMetrics) incDiskError()              {}
func (noopMetrics) incIndexError()             {}
func (noopMetrics) addBytesReadFromMem(int64)  {}
func (noopMetrics) addBytesReadFromDisk(int64) {}
func (noopMetrics) addBytesFetched(int64)      {}
func (noopMetrics) setMemBytesUsed(int64)      {}
func (noopMetrics) setDiskBytesUsed(int64)     {}
func (noopMetrics) setArcP(int64)              {}

// promMetrics implements metricsSink against a caller-supplied Registry.
type promMetrics struct {
	memHits       prometheus.Counter
	diskHits      prometheus.Counter
	misses        prometheus.Counter
	memEvictions  prometheus.Counter
	diskEvictions prometheus.Counter
	fetches       prometheus.Counter
	fetchErrors   prometheus.Counter
	diskErrors    prometheus.Counter
	indexErrors   prometheus.Counter
	bytesFromMem  prometheus.Counter
	bytesFromDisk prometheus.Counter
	bytesFetched  prometheus.Counter
	memBytesUsed  prometheus.Gauge
	diskBytesUsed prometheus.Gauge
	arcP          prometheus.Gauge
}

func newPromMetrics(reg *prometheus.Registry) *promMetrics {
	const ns = "tiercache"
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: name, Help: help})
		reg.MustRegister(c)
		return c
	}
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: name, Help: help})
		reg.MustRegister(g)
		return g
	}

	return &promMetrics{
		memHits:       counter("mem_hits_total", "Cache hits served from the in-memory ARCache tier."),
		diskHits:      counter("disk_hits_total", "Cache hits served from the DiskTier."),
		misses:        counter("misses_total", "Requests that missed both tiers and required a fetch."),
		memEvictions:  counter("mem_evictions_total", "Entries evicted from ARCache."),
		diskEvictions: counter("disk_evictions_total", "Objects evicted from DiskTier."),
		fetches:       counter("fetches_total", "Fetches issued to the object store."),
		fetchErrors:   counter("fetch_errors_total", "Fetches that returned an error."),
		diskErrors:    counter("disk_errors_total", "Disk tier IO failures and corruption detections."),
		indexErrors:   counter("index_errors_total", "Metadata index flush/load failures."),
		bytesFromMem:  counter("bytes_read_from_mem_total", "Bytes served from ARCache."),
		bytesFromDisk: counter("bytes_read_from_disk_total", "Bytes served from DiskTier."),
		bytesFetched:  counter("bytes_fetched_total", "Bytes retrieved from the object store."),
		memBytesUsed:  gauge("mem_bytes_used", "Current ARCache resident byte usage."),
		diskBytesUsed: gauge("disk_bytes_used", "Current DiskTier byte usage."),
		arcP:          gauge("arc_p", "Current ARC adaptive target p."),
	}
}

func (m *promMetrics) incMemHit()                   { m.memHits.Inc() }
func (m *promMetrics) incDiskHit()                  { m.diskHits.Inc() }
func (m *promMetrics) incMiss()                     { m.misses.Inc() }
func (m *promMetrics) incMemEviction()              { m.memEvictions.Inc() }
func (m *promMetrics) incDiskEviction()             { m.diskEvictions.Inc() }
func (m *promMetrics) incFetch()                    { m.fetches.Inc() }
func (m *promMetrics) incFetchError()               { m.fetchErrors.Inc() }
func (m *promMetrics) incDiskError()                { m.diskErrors.Inc() }
func (m *promMetrics) incIndexError()               { m.indexErrors.Inc() }
func (m *promMetrics) addBytesReadFromMem(n int64)  { m.bytesFromMem.Add(float64(n)) }
func (m *promMetrics) addBytesReadFromDisk(n int64) { m.bytesFromDisk.Add(float64(n)) }
func (m *promMetrics) addBytesFetched(n int64)      { m.bytesFetched.Add(float64(n)) }
func (m *promMetrics) setMemBytesUsed(n int64)      { m.memBytesUsed.Set(float64(n)) }
func (m *promMetrics) setDiskBytesUsed(n int64)     { m.diskBytesUsed.Set(float64(n)) }
func (m *promMetrics) setArcP(n int64)              { m.arcP.Set(float64(n)) }

// newMetricsSink picks the implementation: a noop when no registry is
// supplied, a Prometheus-backed sink otherwise.
func newMetricsSink(reg *prometheus.Registry) metricsSink {
	if reg == nil {
		return noopMetrics{}
	}
	return newPromMetrics(reg)
}

// Snapshot is the JSON-serializable metrics view TieredCache.Snapshot()
// returns. cmd/tiercache-inspect decodes this JSON shape from a
// /debug/tiercache/snapshot endpoint; no such handler ships in this module.
type Snapshot struct {
	MemHits       uint64 `json:"mem_hits"`
	DiskHits      uint64 `json:"disk_hits"`
	Misses        uint64 `json:"misses"`
	MemEvictions  uint64 `json:"mem_evictions"`
	DiskEvictions uint64 `json:"disk_evictions"`
	MemBytesUsed  int64  `json:"mem_bytes_used"`
	DiskBytesUsed int64  `json:"disk_bytes_used"`
	ArcP          int64  `json:"arc_p"`
}
