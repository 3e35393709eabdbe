package governor

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// everyPattern is the only duration grammar gateways accept for
// heartbeat intervals. "disabled" is not a valid value; an agent is
// turned off by removing its heartbeat entry entirely.
var everyPattern = regexp.MustCompile(`^(\d+)([smhd])$`)

// ParseEvery parses a heartbeat interval like "10m" or "1d".
func ParseEvery(s string) (time.Duration, error) {
	m := everyPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid heartbeat interval %q", s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid heartbeat interval %q: %w", s, err)
	}
	var unit time.Duration
	switch m[2] {
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	}
	return time.Duration(n) * unit, nil
}

// RenderSecs renders a second count with the largest unit that divides
// it exactly, so 300 becomes "5m" and 86400 becomes "1d". Non-positive
// inputs fall back to the default active interval.
func RenderSecs(secs int64) string {
	if secs <= 0 {
		secs = 300
	}
	switch {
	case secs%86400 == 0:
		return strconv.FormatInt(secs/86400, 10) + "d"
	case secs%3600 == 0:
		return strconv.FormatInt(secs/3600, 10) + "h"
	case secs%60 == 0:
		return strconv.FormatInt(secs/60, 10) + "m"
	default:
		return strconv.FormatInt(secs, 10) + "s"
	}
}

// clampEvery returns the smaller of rung and limit. An unparseable
// rung falls back to the limit so a bad ladder entry cannot push a
// lead past its ceiling.
func clampEvery(rung, limit string) string {
	rd, err := ParseEvery(rung)
	if err != nil {
		return limit
	}
	ld, err := ParseEvery(limit)
	if err != nil {
		return rung
	}
	if rd > ld {
		return limit
	}
	return rung
}
