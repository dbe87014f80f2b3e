package core

import (
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// TimeLayout is the fixed-width UTC layout used for stored timestamps.
// Lexical order of formatted values equals chronological order, so
// timestamps can be compared as strings inside index metadata.
const TimeLayout = "2006-01-02 15:04:05.000000"

// FormatTime renders t in TimeLayout, UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a TimeLayout value. Second-precision values
// ("2006-01-02 15:04:05") and date-only values are accepted as well.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range []string{TimeLayout, time.DateTime, time.DateOnly, time.RFC3339Nano} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, goerr.New("invalid timestamp", goerr.V("value", s))
}
