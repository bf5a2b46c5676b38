// Package stats collects real-time build-farm statistics and feeds the
// Status actor's broadcast snapshot at 1 Hz: slave counts, recent
// throughput, and the master host's own load, alongside the persisted
// counters db.Statistics supplies.
package stats

import (
	"fmt"
	"time"
)

// Snapshot is the unified statistics payload shared across every consumer
// (Status broadcast, the monitor TUI through Control's stats reply, the
// status.json file).
type Snapshot struct {
	// Slave fleet
	ActiveSlaves    int // Currently building
	ConnectedSlaves int // Total connected, idle or building

	// Master host metrics
	Load    float64 // 1-minute load average
	SwapPct int     // Swap usage percentage (0-100)
	NoSwap  bool    // True if no swap configured

	// Throughput
	Rate    float64 // Builds/hour (60s sliding window)
	Impulse float64 // Instant completions in the last 1s bucket

	// Timing
	Elapsed   time.Duration
	StartTime time.Time

	// Build totals
	Pending   int // Pending builds across all ABIs
	Built     int // Successful BuildAttempts
	Failed    int // Failed BuildAttempts
	Skipped   int // Skipped packages/versions
	Remaining int // Pending - (Built + Failed)
}

// BuildStatus records one completion event's outcome for rate calculation
// and totals.
type BuildStatus int

const (
	BuildSuccess BuildStatus = iota
	BuildFailed
	BuildSkipped
)

func (bs BuildStatus) String() string {
	switch bs {
	case BuildSuccess:
		return "success"
	case BuildFailed:
		return "failed"
	case BuildSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// StatsConsumer receives a fresh Snapshot on every 1 Hz tick.
type StatsConsumer interface {
	OnStatsUpdate(snap Snapshot)
}

// FormatDuration formats a duration as HH:MM:SS for display.
func FormatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}

// FormatRate formats a builds/hour rate for display.
func FormatRate(rate float64) string {
	if rate < 0.1 {
		return "0.0"
	}
	return fmt.Sprintf("%.1f", rate)
}
