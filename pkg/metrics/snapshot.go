package metrics

import (
	dto "github.com/prometheus/client_model/go"
)

// Snapshot is the read-only view external collaborators (the TCP
// client server, the metrics HTTP surface) may consume without holding
// a reference to any live collector.
type Snapshot struct {
	WritesTotal      uint64
	ReadsTotal       uint64
	ReadHitsTotal    uint64
	ReadMissesTotal  uint64
	FlushesTotal     uint64
	CompactionsTotal uint64
	BlockReadsTotal  uint64
	WriteLatencyP50  float64
	WriteLatencyP99  float64
	ReadLatencyP50   float64
	ReadLatencyP99   float64

	MemtableBytes  int64
	SSTableCount   int64
	WALBytes       int64
	DiskUsageBytes int64

	ReplicationWALEntriesTotal uint64
	ReplicationLagSegments     uint64
	ConnectedReplicas          int64
}

// Snapshot reads every collector through the Prometheus client_model
// wire type and assembles a plain-value struct, so a caller never needs
// to hold a reference to live collectors to inspect current state.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	return Snapshot{
		WritesTotal:      uint64(counterValue(r.WritesTotal)),
		ReadsTotal:       uint64(counterValue(r.ReadsTotal)),
		ReadHitsTotal:    uint64(counterValue(r.ReadHitsTotal)),
		ReadMissesTotal:  uint64(counterValue(r.ReadMissesTotal)),
		FlushesTotal:     uint64(counterValue(r.FlushesTotal)),
		CompactionsTotal: uint64(counterValue(r.CompactionsTotal)),
		BlockReadsTotal:  uint64(counterValue(r.BlockReadsTotal)),
		WriteLatencyP50:  histogramQuantile(r.WriteLatency, 0.50),
		WriteLatencyP99:  histogramQuantile(r.WriteLatency, 0.99),
		ReadLatencyP50:   histogramQuantile(r.ReadLatency, 0.50),
		ReadLatencyP99:   histogramQuantile(r.ReadLatency, 0.99),

		MemtableBytes:  int64(gaugeValue(r.MemtableBytes)),
		SSTableCount:   int64(gaugeValue(r.SSTableCount)),
		WALBytes:       int64(gaugeValue(r.WALBytes)),
		DiskUsageBytes: int64(gaugeValue(r.DiskUsageBytes)),

		ReplicationWALEntriesTotal: uint64(counterValue(r.ReplicationWALEntriesTotal)),
		ReplicationLagSegments:     uint64(gaugeValue(r.ReplicationLagSegments)),
		ConnectedReplicas:          int64(gaugeValue(r.ReplicationConnectedReplicas)),
	}
}

func counterValue(c interface{ Write(*dto.Metric) error }) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil || m.Counter == nil {
		return 0
	}
	return m.Counter.GetValue()
}

func gaugeValue(g interface{ Write(*dto.Metric) error }) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil || m.Gauge == nil {
		return 0
	}
	return m.Gauge.GetValue()
}

// histogramQuantile approximates a quantile from a histogram's exported
// buckets via linear interpolation. It is an approximation suitable for
// a snapshot, not a replacement for server-side PromQL quantiles.
func histogramQuantile(h interface{ Write(*dto.Metric) error }, q float64) float64 {
	var m dto.Metric
	if err := h.Write(&m); err != nil || m.Histogram == nil {
		return 0
	}
	hist := m.Histogram
	total := hist.GetSampleCount()
	if total == 0 {
		return 0
	}
	target := q * float64(total)

	var prevUpper float64
	var prevCount uint64
	for _, b := range hist.Bucket {
		count := b.GetCumulativeCount()
		if float64(count) >= target {
			upper := b.GetUpperBound()
			if count == prevCount {
				return upper
			}
			frac := (target - float64(prevCount)) / float64(count-prevCount)
			return prevUpper + frac*(upper-prevUpper)
		}
		prevUpper = b.GetUpperBound()
		prevCount = count
	}
	return prevUpper
}
