package models

import "time"

// Now returns the current time as Unix milliseconds
func Now() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}

// DurationPtr returns a pointer to d
func DurationPtr(d time.Duration) *time.Duration {
	return &d
}

// StringPtr returns nil for an empty string and a pointer to s otherwise
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
