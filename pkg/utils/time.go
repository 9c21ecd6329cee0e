package utils

import (
	"fmt"
	"time"
)

// FormatCallDuration renders a call length the way a call timer shows it:
// m:ss below an hour, h:mm:ss above. Negative durations read as 0:00.
func FormatCallDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	h, m, s := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
