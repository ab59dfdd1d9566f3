// Package timeutil normalizes event timestamps to UTC and enforces the
// accepted clock-skew window.
package timeutil

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidTimestamp is returned for unparseable or offset-less input
	// where an explicit offset is required.
	ErrInvalidTimestamp = errors.New("invalid timestamp")

	// ErrTimestampOutOfRange is returned when a timestamp falls outside the
	// accepted window around now.
	ErrTimestampOutOfRange = errors.New("timestamp out of range")
)

const (
	MaxFutureSkew = 10 * time.Minute
	MaxPastAge    = 365 * 24 * time.Hour

	// epochMillisThreshold separates epoch seconds from epoch milliseconds.
	epochMillisThreshold = 1e12

	minEpochSeconds = -62135596800 // 0001-01-01T00:00:00Z
	maxEpochSeconds = 253402300799 // 9999-12-31T23:59:59Z
)

// NowUTC returns the current instant in UTC.
func NowUTC() time.Time {
	return time.Now().UTC()
}

// EnsureUTC converts t to UTC. hasOffset says whether the source carried an
// explicit offset; without one the value is rejected.
func EnsureUTC(t time.Time, hasOffset bool) (time.Time, error) {
	if !hasOffset {
		return time.Time{}, fmt.Errorf("%w: timestamp must carry a UTC offset", ErrInvalidTimestamp)
	}
	return t.UTC(), nil
}

// AssumeUTC converts t to UTC, reading an offset-less value's wall clock
// as UTC.
func AssumeUTC(t time.Time, hasOffset bool) time.Time {
	if hasOffset {
		return t.UTC()
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

// ValidateEventTimestamp rejects timestamps more than MaxFutureSkew ahead of
// now or more than MaxPastAge behind it.
func ValidateEventTimestamp(ts, now time.Time) error {
	ts = ts.UTC()
	now = now.UTC()
	if ts.After(now.Add(MaxFutureSkew)) {
		return fmt.Errorf("%w: event_timestamp is too far in the future", ErrTimestampOutOfRange)
	}
	if ts.Before(now.Add(-MaxPastAge)) {
		return fmt.Errorf("%w: event_timestamp is too far in the past", ErrTimestampOutOfRange)
	}
	return nil
}

var isoPattern = regexp.MustCompile(
	`^(\d{4})-(\d{2})-(\d{2})` +
		`(?:[Tt ](\d{2}):(\d{2})(?::(\d{2})(?:[.,](\d+))?)?` +
		`\s*([Zz]|[+-]\d{2}(?::?\d{2}(?::?\d{2})?)?)?)?$`)

// ParseISO8601 parses an ISO-8601 date or date-time. A trailing Z means UTC.
// hasOffset reports whether the input carried an offset.
func ParseISO8601(s string) (time.Time, bool, error) {
	s = strings.TrimSpace(s)
	m := isoPattern.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, false, fmt.Errorf("%w: %q", ErrInvalidTimestamp, s)
	}

	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	day, _ := strconv.Atoi(m[3])
	hour, minute, sec, nsec := 0, 0, 0, 0
	if m[4] != "" {
		hour, _ = strconv.Atoi(m[4])
		minute, _ = strconv.Atoi(m[5])
	}
	if m[6] != "" {
		sec, _ = strconv.Atoi(m[6])
	}
	if frac := m[7]; frac != "" {
		if len(frac) > 9 {
			frac = frac[:9]
		}
		frac += strings.Repeat("0", 9-len(frac))
		nsec, _ = strconv.Atoi(frac)
	}

	if month < 1 || month > 12 || day < 1 || hour > 23 || minute > 59 || sec > 59 {
		return time.Time{}, false, fmt.Errorf("%w: %q", ErrInvalidTimestamp, s)
	}

	loc := time.UTC
	hasOffset := false
	if off := m[8]; off != "" {
		hasOffset = true
		if off != "Z" && off != "z" {
			secs, err := parseOffset(off)
			if err != nil {
				return time.Time{}, false, fmt.Errorf("%w: %q", ErrInvalidTimestamp, s)
			}
			loc = time.FixedZone("", secs)
		}
	}

	t := time.Date(year, time.Month(month), day, hour, minute, sec, nsec, loc)
	if t.Day() != day || int(t.Month()) != month {
		return time.Time{}, false, fmt.Errorf("%w: %q", ErrInvalidTimestamp, s)
	}
	return t, hasOffset, nil
}

// parseOffset converts ±HH, ±HHMM, ±HH:MM or ±HH:MM:SS to seconds east of UTC.
func parseOffset(off string) (int, error) {
	sign := 1
	if off[0] == '-' {
		sign = -1
	}
	digits := strings.ReplaceAll(off[1:], ":", "")
	if len(digits) != 2 && len(digits) != 4 && len(digits) != 6 {
		return 0, ErrInvalidTimestamp
	}
	hh, _ := strconv.Atoi(digits[0:2])
	mm, ss := 0, 0
	if len(digits) >= 4 {
		mm, _ = strconv.Atoi(digits[2:4])
	}
	if len(digits) == 6 {
		ss, _ = strconv.Atoi(digits[4:6])
	}
	if hh > 23 || mm > 59 || ss > 59 {
		return 0, ErrInvalidTimestamp
	}
	return sign * (hh*3600 + mm*60 + ss), nil
}

// ParseBestEffort parses s and normalizes it to UTC, assuming UTC when no
// offset is present. ok is false when s is not a timestamp.
func ParseBestEffort(s string) (time.Time, bool) {
	t, hasOffset, err := ParseISO8601(s)
	if err != nil {
		return time.Time{}, false
	}
	return AssumeUTC(t, hasOffset), true
}

// FromEpoch interprets v as epoch seconds, or epoch milliseconds when it
// exceeds 1e12. ok is false for values that cannot be represented.
func FromEpoch(v float64) (time.Time, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return time.Time{}, false
	}
	if v > epochMillisThreshold {
		v /= 1000
	}
	if v < minEpochSeconds || v > maxEpochSeconds {
		return time.Time{}, false
	}
	sec, frac := math.Modf(v)
	nsec := math.Round(frac * 1e9)
	return time.Unix(int64(sec), int64(nsec)).UTC(), true
}
