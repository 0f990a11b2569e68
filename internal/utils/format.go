package utils

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// ConvertBytesToHumanReadable renders a byte count as e.g. "1.5 MiB"
func ConvertBytesToHumanReadable(n int64) string {
	if n < 0 {
		return "unknown"
	}
	return humanize.IBytes(uint64(n))
}

// FormatSpeed renders bytes per second
func FormatSpeed(bps int64) string {
	if bps <= 0 {
		return "0 B/s"
	}
	return humanize.IBytes(uint64(bps)) + "/s"
}

// FormatPercent renders done/total as a percentage with one decimal
func FormatPercent(done, total int64) string {
	if total <= 0 {
		return "?"
	}
	return fmt.Sprintf("%.1f%%", float64(done)*100/float64(total))
}
