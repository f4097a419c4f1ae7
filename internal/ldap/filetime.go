package ldap

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Active Directory stores Large Integer (Integer8) timestamps as the number
// of 100-nanosecond intervals since 1601-01-01 UTC.
const filetimeEpochOffset = 116444736000000000 // 1601 → 1970 in 100ns ticks

// FileTimeToTime converts a FILETIME value to UTC. Zero and the "never"
// sentinel (max int64) yield the zero time.
func FileTimeToTime(ft int64) time.Time {
	if ft <= 0 || ft == math.MaxInt64 {
		return time.Time{}
	}
	ticks := ft - filetimeEpochOffset
	return time.Unix(ticks/10_000_000, (ticks%10_000_000)*100).UTC()
}

// TimeToFileTime converts t to a FILETIME value. The zero time maps to 0.
func TimeToFileTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()/100 + filetimeEpochOffset
}

// ParseInteger8 parses the string form of an Integer8 attribute.
func ParseInteger8(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid Integer8 value %q: %w", value, err)
	}
	return n, nil
}

// ParseFileTime parses an Integer8 timestamp attribute value.
func ParseFileTime(value string) (time.Time, error) {
	ft, err := ParseInteger8(value)
	if err != nil {
		return time.Time{}, err
	}
	return FileTimeToTime(ft), nil
}

// FormatFileTime formats t for writing to an Integer8 attribute.
func FormatFileTime(t time.Time) string {
	return strconv.FormatInt(TimeToFileTime(t), 10)
}

// ParseIntervalDuration parses a policy interval such as lockoutDuration,
// which AD stores as a negative count of 100ns ticks. The "never expires"
// sentinel (min int64) yields the largest representable duration.
func ParseIntervalDuration(value string) (time.Duration, error) {
	n, err := ParseInteger8(value)
	if err != nil {
		return 0, err
	}
	if n == math.MinInt64 {
		return time.Duration(math.MaxInt64), nil
	}
	if n < 0 {
		n = -n
	}
	if n > math.MaxInt64/100 {
		return time.Duration(math.MaxInt64), nil
	}
	return time.Duration(n * 100), nil
}
