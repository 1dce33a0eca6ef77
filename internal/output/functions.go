package output

import (
	"fmt"
	"strings"
)

// FormatBytes converts a byte count to a human-readable string.
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < 0 {
		return "0 B"
	}
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatSpeed formats a byte count over an elapsed duration as a rate.
func FormatSpeed(bytes int64, elapsed float64) string {
	if elapsed <= 0 {
		return "0 B/s"
	}
	bps := float64(bytes) / elapsed
	formatted := FormatBytes(int64(bps))
	return formatted[:len(formatted)-1] + "B/s"
}

func progressBar(current, total int64, width int) string {
	if width <= 0 {
		width = 30
	}
	if total <= 0 {
		total = 1
	}
	if current < 0 {
		current = 0
	}
	if current > total {
		current = total
	}
	percent := float64(current) / float64(total)
	filled := min(max(int(percent*float64(width)), 0), width)
	bar := "["
	bar += strings.Repeat("=", filled)
	if filled < width {
		bar += strings.Repeat(" ", width-filled)
	}
	bar += "]"
	return fmt.Sprintf("%s %5.1f%%", bar, percent*100)
}
