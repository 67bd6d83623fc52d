package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every Prometheus collector CityHall exposes, grouped
// by subsystem; the read-only Snapshot reads its values from these
// collectors.
type Registry struct {
	registry *prometheus.Registry

	// Storage (engine) metrics.
	WritesTotal      prometheus.Counter
	ReadsTotal       prometheus.Counter
	ReadHitsTotal    prometheus.Counter
	ReadMissesTotal  prometheus.Counter
	FlushesTotal     prometheus.Counter
	CompactionsTotal prometheus.Counter
	BlockReadsTotal  prometheus.Counter
	WriteLatency     prometheus.Histogram
	ReadLatency      prometheus.Histogram

	MemtableBytes  prometheus.Gauge
	SSTableCount   prometheus.Gauge
	WALBytes       prometheus.Gauge
	DiskUsageBytes prometheus.Gauge

	// Replication metrics.
	ReplicationWALEntriesTotal prometheus.Counter
	ReplicationLagSegments     prometheus.Gauge
	ReplicationConnectedReplicas prometheus.Gauge
	ReplicationHeartbeatsTotal prometheus.Counter

	mu sync.Mutex
}

// NewRegistry creates a fresh Prometheus registry with every CityHall
// collector registered against it.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{registry: reg}

	r.WritesTotal = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "cityhall_writes_total", Help: "Total number of Put/Delete operations accepted.",
	})
	r.ReadsTotal = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "cityhall_reads_total", Help: "Total number of Get operations served.",
	})
	r.ReadHitsTotal = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "cityhall_read_hits_total", Help: "Total number of Get operations that found the key.",
	})
	r.ReadMissesTotal = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "cityhall_read_misses_total", Help: "Total number of Get operations that found nothing.",
	})
	r.FlushesTotal = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "cityhall_flushes_total", Help: "Total number of memtable-to-sstable flushes.",
	})
	r.CompactionsTotal = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "cityhall_compactions_total", Help: "Total number of compaction runs.",
	})
	r.BlockReadsTotal = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "cityhall_block_reads_total", Help: "Total number of sorted-table data blocks read from disk.",
	})
	r.WriteLatency = promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
		Name: "cityhall_write_latency_seconds", Help: "Put/Delete latency in seconds.",
		Buckets: prometheus.DefBuckets,
	})
	r.ReadLatency = promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
		Name: "cityhall_read_latency_seconds", Help: "Get latency in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	r.MemtableBytes = promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name: "cityhall_memtable_bytes", Help: "Approximate byte footprint of the active plus immutable memtable.",
	})
	r.SSTableCount = promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name: "cityhall_sstable_count", Help: "Number of live sorted tables.",
	})
	r.WALBytes = promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name: "cityhall_wal_bytes", Help: "Total bytes across all WAL segments on disk.",
	})
	r.DiskUsageBytes = promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name: "cityhall_disk_usage_bytes", Help: "Total bytes across WAL segments and sorted tables.",
	})

	r.ReplicationWALEntriesTotal = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "cityhall_replication_wal_entries_total", Help: "Total number of WAL records shipped to replicas.",
	})
	r.ReplicationLagSegments = promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name: "cityhall_replication_lag_segments", Help: "Leader's current segment minus the slowest replica's synced segment.",
	})
	r.ReplicationConnectedReplicas = promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name: "cityhall_replication_connected_replicas", Help: "Number of replicas that have heartbeated recently.",
	})
	r.ReplicationHeartbeatsTotal = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "cityhall_replication_heartbeats_total", Help: "Total number of heartbeats received from replicas.",
	})

	return r
}

// GetPrometheusRegistry exposes the underlying registry, e.g. for an
// external HTTP surface (collaborator-owned, out of scope here).
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}

func (r *Registry) ObserveWrite(d time.Duration) {
	r.WritesTotal.Inc()
	r.WriteLatency.Observe(d.Seconds())
}

func (r *Registry) ObserveRead(d time.Duration) {
	r.ReadsTotal.Inc()
	r.ReadLatency.Observe(d.Seconds())
}

func (r *Registry) IncReadHit()    { r.ReadHitsTotal.Inc() }
func (r *Registry) IncReadMiss()   { r.ReadMissesTotal.Inc() }
func (r *Registry) IncFlush()      { r.FlushesTotal.Inc() }
func (r *Registry) IncCompaction() { r.CompactionsTotal.Inc() }
func (r *Registry) IncBlockRead()  { r.BlockReadsTotal.Inc() }

func (r *Registry) SetMemtableBytes(n int)   { r.MemtableBytes.Set(float64(n)) }
func (r *Registry) SetSSTableCount(n int)    { r.SSTableCount.Set(float64(n)) }
func (r *Registry) SetWALBytes(n int64)      { r.WALBytes.Set(float64(n)) }
func (r *Registry) SetDiskUsage(n int64)     { r.DiskUsageBytes.Set(float64(n)) }

func (r *Registry) IncReplicationWALEntries(n int) { r.ReplicationWALEntriesTotal.Add(float64(n)) }
func (r *Registry) SetReplicationLagSegments(n uint64) { r.ReplicationLagSegments.Set(float64(n)) }
func (r *Registry) SetConnectedReplicas(n int)         { r.ReplicationConnectedReplicas.Set(float64(n)) }
func (r *Registry) IncHeartbeat()                      { r.ReplicationHeartbeatsTotal.Inc() }
