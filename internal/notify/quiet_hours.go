package notify

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidQuietHours indicates a malformed time of day.
var ErrInvalidQuietHours = errors.New("notify: quiet hours must use HH:MM")

// QuietHours is a daily window during which presentation is suppressed.
// A window whose start is later than its end wraps midnight.
type QuietHours struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

// Validate reports whether both bounds parse.
func (q QuietHours) Validate() error {
	if _, err := parseTimeOfDay(q.Start); err != nil {
		return err
	}
	_, err := parseTimeOfDay(q.End)
	return err
}

// Contains reports whether the time of day of now falls inside the window.
// Bounds are inclusive at minute granularity.
func (q QuietHours) Contains(now time.Time) bool {
	if !q.Enabled {
		return false
	}
	start, err := parseTimeOfDay(q.Start)
	if err != nil {
		return false
	}
	end, err := parseTimeOfDay(q.End)
	if err != nil {
		return false
	}
	current := now.Hour()*60 + now.Minute()
	if start > end {
		return current >= start || current <= end
	}
	return current >= start && current <= end
}

func parseTimeOfDay(value string) (int, error) {
	hours, minutes, found := strings.Cut(strings.TrimSpace(value), ":")
	if !found {
		return 0, fmt.Errorf("%w: %q", ErrInvalidQuietHours, value)
	}
	hour, err := strconv.Atoi(hours)
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidQuietHours, value)
	}
	minute, err := strconv.Atoi(minutes)
	if err != nil || minute < 0 || minute > 59 || len(minutes) != 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidQuietHours, value)
	}
	return hour*60 + minute, nil
}
