package common

import (
	"fmt"
	"time"
)

// Standard date format constants
const (
	// ISO8601Date is used for query intervals, cache keys and file naming
	ISO8601Date = "2006-01-02"

	// DisplayDate is the human-readable format used in log lines
	DisplayDate = "Jan 02, 2006"

	// FrameOverlayDate is the format drawn onto timelapse frames
	FrameOverlayDate = "2006-01-02"
)

// ParseISO8601 parses a date string in ISO 8601 format (YYYY-MM-DD) as UTC
func ParseISO8601(dateStr string) (time.Time, error) {
	if dateStr == "" {
		return time.Time{}, fmt.Errorf("date string is empty")
	}
	return time.ParseInLocation(ISO8601Date, dateStr, time.UTC)
}

// FormatISO8601 formats a time.Time to ISO 8601 date string (YYYY-MM-DD)
func FormatISO8601(t time.Time) string {
	return t.UTC().Format(ISO8601Date)
}

// FormatDisplay formats a time.Time to display format (Jan 02, 2006)
func FormatDisplay(t time.Time) string {
	return t.UTC().Format(DisplayDate)
}

// StartOfDayUTC returns 00:00:00.000 of the UTC day containing t
func StartOfDayUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// EndOfDayUTC returns 23:59:59.999 of the UTC day containing t
func EndOfDayUTC(t time.Time) time.Time {
	return StartOfDayUTC(t).Add(24*time.Hour - time.Millisecond)
}
