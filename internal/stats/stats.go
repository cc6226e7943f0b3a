// ABOUTME: Device stat polling sources for heartbeat and stats frames.
// ABOUTME: Battery and memory are read through the Source interface so tests can fake them.

package stats

import "runtime"

// BatteryUnknown is reported when the platform exposes no battery state.
const BatteryUnknown = -1

// Snapshot is a point-in-time reading of device health. Copies are handed
// to consumers; a Snapshot is never shared mutable state.
type Snapshot struct {
	BatteryLevel  int // 0..100, or BatteryUnknown
	Charging      bool
	MemFreeBytes  uint64
	MemTotalBytes uint64
}

// Source supplies snapshots on demand. Implementations must be safe for
// concurrent use.
type Source interface {
	Snapshot() Snapshot
}

// RuntimeSource reads memory from the Go runtime and reports no battery.
// It is the default on hosts without a power supply API.
type RuntimeSource struct{}

// Snapshot implements Source.
func (RuntimeSource) Snapshot() Snapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return Snapshot{
		BatteryLevel:  BatteryUnknown,
		Charging:      false,
		MemFreeBytes:  ms.HeapIdle - ms.HeapReleased,
		MemTotalBytes: ms.Sys,
	}
}

// Static is a fixed-value Source, useful for tests and for platforms where
// an external supervisor injects readings.
type Static struct {
	Value Snapshot
}

// Snapshot implements Source.
func (s Static) Snapshot() Snapshot { return s.Value }
