// Package crtime handles the timestamp format Crunchyroll uses for token
// expiry bookkeeping. The service writes "YYYY-MM-DDTHH:MM:SSZ" but does not
// guarantee zero-padded fields, so parsing has to accept both "2024-1-2T3:4:5Z"
// and "2024-01-02T03:04:05Z".
package crtime

import (
	"fmt"
	"time"
)

// Format renders t (in UTC) in the expiry wire format. Fields are not
// zero-padded, matching what existing clients produce.
func Format(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%d-%d-%dT%d:%d:%dZ",
		t.Year(), int(t.Month()), t.Day(),
		t.Hour(), t.Minute(), t.Second())
}

// Parse reads an expiry timestamp, tolerating unpadded numeric fields.
func Parse(s string) (time.Time, error) {
	var year, month, day, hour, min, sec int
	n, err := fmt.Sscanf(s, "%d-%d-%dT%d:%d:%dZ", &year, &month, &day, &hour, &min, &sec)
	if err != nil || n != 6 {
		return time.Time{}, fmt.Errorf("invalid expiry timestamp %q", s)
	}
	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || min > 59 || sec > 60 {
		return time.Time{}, fmt.Errorf("invalid expiry timestamp %q", s)
	}
	return time.Date(year, time.Month(month), day, hour, min, sec, 0, time.UTC), nil
}
