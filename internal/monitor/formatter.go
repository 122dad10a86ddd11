package monitor

import (
	"fmt"
	"time"
)

// FormatWindow formats window occupancy as "used/limit".
func FormatWindow(used, limit int) string {
	return fmt.Sprintf("%d/%d", used, limit)
}

// FormatWait formats a rate-limit wait as "ready", "X.Xs" or "Xm Ys".
func FormatWait(d time.Duration) string {
	switch {
	case d <= 0:
		return "ready"
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
}

// FormatPercentage formats a ratio (0-1) as percentage
func FormatPercentage(ratio float64) string {
	return fmt.Sprintf("%.1f%%", ratio*100)
}

// FormatDuration formats duration in seconds to "Xh Ym" or "Xm"
func FormatDuration(seconds int64) string {
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
