package stats

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// loadFixedPointShift is the fixed-point scale the kernel's sysinfo(2)
// load averages are encoded with (1 << SI_LOAD_SHIFT, SI_LOAD_SHIFT = 16).
const loadFixedPointShift = 1 << 16

// getAdjustedLoad returns the 1-minute load average via sysinfo(2).
func getAdjustedLoad() (float64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, fmt.Errorf("sysinfo: %w", err)
	}
	return float64(info.Loads[0]) / loadFixedPointShift, nil
}

// getSwapUsage returns swap usage as a percentage (0-100), and reports
// noSwap true when no swap is configured at all.
func getSwapUsage() (pct int, noSwap bool, err error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, false, fmt.Errorf("sysinfo: %w", err)
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	total := uint64(info.Totalswap) * unit
	free := uint64(info.Freeswap) * unit
	if total == 0 {
		return 0, true, nil
	}
	used := total - free
	return int(used * 100 / total), false, nil
}
