package tools

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	// Embedded zone database so lookups work on hosts without /usr/share/zoneinfo.
	_ "time/tzdata"
)

// DatetimeLayout is RFC 3339 with a numeric offset, including +00:00 for UTC.
const DatetimeLayout = "2006-01-02T15:04:05-07:00"

// ErrInvalidArguments is wrapped by every argument validation failure.
var ErrInvalidArguments = errors.New("invalid arguments")

// TimeInfo is a point in time rendered in one zone.
type TimeInfo struct {
	Timezone string `json:"timezone"`
	Datetime string `json:"datetime"`
	IsDST    bool   `json:"is_dst"`
}

// Conversion is the result of convert_time.
type Conversion struct {
	Source         TimeInfo `json:"source"`
	Target         TimeInfo `json:"target"`
	TimeDifference string   `json:"time_difference"`
}

// LoadZone resolves an IANA zone name. The host-dependent "Local" zone is rejected.
func LoadZone(name string) (*time.Location, error) {
	if name == "" || name == "Local" {
		return nil, fmt.Errorf("%w: invalid timezone %q, must be a valid IANA timezone name", ErrInvalidArguments, name)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid timezone %q, must be a valid IANA timezone name", ErrInvalidArguments, name)
	}
	return loc, nil
}

func newTimeInfo(zone string, t time.Time) TimeInfo {
	return TimeInfo{
		Timezone: zone,
		Datetime: t.Format(DatetimeLayout),
		IsDST:    t.IsDST(),
	}
}

// CurrentTime renders now in zone.
func CurrentTime(now time.Time, zone string) (*TimeInfo, error) {
	loc, err := LoadZone(zone)
	if err != nil {
		return nil, err
	}
	info := newTimeInfo(zone, now.In(loc))
	return &info, nil
}

// parseClock parses a 24-hour HH:MM string.
func parseClock(s string) (hour, minute int, err error) {
	invalid := fmt.Errorf("%w: invalid time format %q, expected HH:MM (24-hour format), e.g. '14:30', '09:00'", ErrInvalidArguments, s)

	h, m, ok := strings.Cut(s, ":")
	if !ok || strings.Contains(m, ":") {
		return 0, 0, invalid
	}
	hour, err = strconv.Atoi(strings.TrimSpace(h))
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, invalid
	}
	minute, err = strconv.Atoi(strings.TrimSpace(m))
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, invalid
	}
	return hour, minute, nil
}

// ConvertTime interprets clock as a wall time on today's date in the source
// zone and renders the same instant in the target zone.
func ConvertTime(now time.Time, sourceZone, clock, targetZone string) (*Conversion, error) {
	src, err := LoadZone(sourceZone)
	if err != nil {
		return nil, fmt.Errorf("source timezone: %w", err)
	}
	dst, err := LoadZone(targetZone)
	if err != nil {
		return nil, fmt.Errorf("target timezone: %w", err)
	}
	hour, minute, err := parseClock(clock)
	if err != nil {
		return nil, err
	}

	today := now.In(src)
	sourceTime := time.Date(today.Year(), today.Month(), today.Day(), hour, minute, 0, 0, src)
	targetTime := sourceTime.In(dst)

	_, sourceOffset := sourceTime.Zone()
	_, targetOffset := targetTime.Zone()

	return &Conversion{
		Source:         newTimeInfo(sourceZone, sourceTime),
		Target:         newTimeInfo(targetZone, targetTime),
		TimeDifference: FormatOffsetDifference(targetOffset - sourceOffset),
	}, nil
}

// FormatOffsetDifference renders an offset difference in seconds as hours:
// "+14.0h" for whole hours, "+5.75h" or "-3.5h" otherwise.
func FormatOffsetDifference(seconds int) string {
	hours := float64(seconds) / 3600
	if seconds%3600 == 0 {
		return fmt.Sprintf("%+.1fh", hours)
	}
	s := fmt.Sprintf("%+.2f", hours)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	return s + "h"
}
