package vm

import (
	"time"
)

// ---------------------------------------------------------------------------
// ProcessGC: periodic reference-count sweeps of one process's heaps
// ---------------------------------------------------------------------------

// ProcessGC decides when a process sweeps its Memory. The VM runs on one
// goroutine, so the timer is polled at the start of each process turn rather
// than driven by a ticker goroutine.
type ProcessGC struct {
	mem      *Memory
	interval time.Duration
	enabled  bool
	next     time.Time

	sweepCount uint64
	lastStats  *GCStats
}

// DefaultGCInterval is the sweep interval used when the config has none.
const DefaultGCInterval = time.Second

func newProcessGC(mem *Memory, interval time.Duration, now time.Time) *ProcessGC {
	if interval <= 0 {
		interval = DefaultGCInterval
	}
	return &ProcessGC{
		mem:      mem,
		interval: interval,
		enabled:  true,
		next:     now.Add(interval),
	}
}

// SetEnabled enables or disables timed sweeping. Sweeps forced by
// allocation pressure or SweepNow still run.
func (gc *ProcessGC) SetEnabled(enabled bool) { gc.enabled = enabled }

// IsEnabled reports whether timed sweeping is enabled.
func (gc *ProcessGC) IsEnabled() bool { return gc.enabled }

// Interval returns the sweep interval.
func (gc *ProcessGC) Interval() time.Duration { return gc.interval }

// SweepCount returns the number of timed and forced sweeps performed.
func (gc *ProcessGC) SweepCount() uint64 { return gc.sweepCount }

// LastStats returns statistics from the most recent sweep, or nil if no
// sweep has been performed yet.
func (gc *ProcessGC) LastStats() *GCStats { return gc.lastStats }

// poll sweeps if the interval has elapsed at now.
func (gc *ProcessGC) poll(now time.Time) {
	if !gc.enabled || now.Before(gc.next) {
		return
	}
	gc.next = now.Add(gc.interval)
	stats := gc.sweep(now)
	if stats.BlocksSwept+stats.ObjectsSwept > 0 {
		gcLog.Debugf("swept %d blocks, %d objects in %s", stats.BlocksSwept, stats.ObjectsSwept, stats.Duration)
	}
}

// SweepNow performs an immediate sweep regardless of the timer.
func (gc *ProcessGC) SweepNow(now time.Time) *GCStats {
	return gc.sweep(now)
}

func (gc *ProcessGC) sweep(now time.Time) *GCStats {
	stats := gc.mem.collect(now)
	gc.sweepCount++
	gc.lastStats = &stats
	return &stats
}
