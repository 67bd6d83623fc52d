// Package metrics implements CityHall's read-only metrics snapshot
// backed by github.com/prometheus/client_golang.
package metrics

import "time"

// Recorder is the narrow write-side interface the engine, compactor,
// and replication components record against. Registry implements it
// against real Prometheus collectors; NopRecorder discards everything,
// for tests that don't care about metrics.
type Recorder interface {
	ObserveWrite(d time.Duration)
	ObserveRead(d time.Duration)
	IncReadHit()
	IncReadMiss()
	IncFlush()
	IncCompaction()
	IncBlockRead()
	SetMemtableBytes(n int)
	SetSSTableCount(n int)
	SetWALBytes(n int64)
	SetDiskUsage(n int64)
	IncReplicationWALEntries(n int)
	SetReplicationLagSegments(n uint64)
	SetConnectedReplicas(n int)
}

// NopRecorder discards every observation.
type NopRecorder struct{}

func NewNopRecorder() *NopRecorder { return &NopRecorder{} }

func (NopRecorder) ObserveWrite(time.Duration)       {}
func (NopRecorder) ObserveRead(time.Duration)        {}
func (NopRecorder) IncReadHit()                      {}
func (NopRecorder) IncReadMiss()                     {}
func (NopRecorder) IncFlush()                        {}
func (NopRecorder) IncCompaction()                   {}
func (NopRecorder) IncBlockRead()                    {}
func (NopRecorder) SetMemtableBytes(int)             {}
func (NopRecorder) SetSSTableCount(int)               {}
func (NopRecorder) SetWALBytes(int64)                {}
func (NopRecorder) SetDiskUsage(int64)                {}
func (NopRecorder) IncReplicationWALEntries(int)      {}
func (NopRecorder) SetReplicationLagSegments(uint64)  {}
func (NopRecorder) SetConnectedReplicas(int)          {}
