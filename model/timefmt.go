package model

import "time"

// TimeLayout is the canonical local-time format every timestamp column uses.
// It is fixed-width, so string comparison orders values chronologically.
const TimeLayout = "2006-01-02 15:04:05"

// FormatTime renders t in the canonical layout, in local time.
func FormatTime(t time.Time) string {
	return t.In(time.Local).Format(TimeLayout)
}

// ParseTime parses a stored timestamp. Values written by other tools may use
// RFC 3339; anything unreadable falls back to the current time.
func ParseTime(s string) time.Time {
	if t, err := time.ParseInLocation(TimeLayout, s, time.Local); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.In(time.Local)
	}
	return time.Now()
}
