// Package util holds small formatting helpers shared by the CLI surface.
package util

import "fmt"

// FormatBytes renders a byte count in the largest unit that keeps the
// value above one, e.g. 1536 -> "1.5 KB".
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	suffixes := []string{"KB", "MB", "GB", "TB", "PB", "EB"}
	v := float64(bytes) / unit
	for _, suffix := range suffixes {
		if v < unit {
			return fmt.Sprintf("%.1f %s", v, suffix)
		}
		v /= unit
	}
	return fmt.Sprintf("%.1f EB", v*unit)
}

// FormatDuration renders a second count as "1h2m3s", dropping the larger
// units while they are zero.
func FormatDuration(seconds int64) string {
	h, m, s := seconds/3600, (seconds/60)%60, seconds%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm%ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
