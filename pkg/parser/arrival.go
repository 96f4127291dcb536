package parser

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"rattlive/pkg/types"
)

// PlaceholderArrival is parsed in place of an arrival string whenever the
// upstream response could not be obtained or did not carry one.
const PlaceholderArrival = "xx:xx"

// ErrMarkerNotFound is returned when a timed-schedule body lacks the
// arrival marker.
var ErrMarkerNotFound = errors.New("arrival marker not found")

// Shape names the string shape an arrival was recognised as.
type Shape string

const (
	ShapeCountdown Shape = "countdown"
	ShapeScheduled Shape = "scheduled"
	ShapeInStation Shape = "in_station"
	ShapeUnknown   Shape = "unknown"
)

var (
	countdownRe = regexp.MustCompile(`^(\d+)\s*(?:min)?\.?$`)
	scheduleRe  = regexp.MustCompile(`^([0-9]|0[0-9]|1[0-9]|2[0-3]):([0-5][0-9])$`)
	inStationRe = regexp.MustCompile(`^\s*>+\s*$`)
	markerRe    = regexp.MustCompile(`Sosire1:\s*([^\n\r<]+)`)
)

// ArrivalTime is the normalised form of one arrival status string.
type ArrivalTime struct {
	Text        string
	MinutesLeft int
	IsRealTime  bool
	Shape       Shape
}

// ParseArrival normalises a raw arrival status string relative to now.
// now must already be in the transit system's timezone and truncated to
// the minute; see ReferenceTime.
func ParseArrival(now time.Time, raw string) ArrivalTime {
	if m := countdownRe.FindStringSubmatch(raw); m != nil {
		minutes, err := strconv.Atoi(m[1])
		if err == nil {
			return ArrivalTime{
				Text:        strings.Trim(raw, "."),
				MinutesLeft: minutes,
				IsRealTime:  true,
				Shape:       ShapeCountdown,
			}
		}
	}

	if m := scheduleRe.FindStringSubmatch(raw); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		return ArrivalTime{
			Text:        raw,
			MinutesLeft: minutesUntil(now, hour, minute),
			IsRealTime:  false,
			Shape:       ShapeScheduled,
		}
	}

	if inStationRe.MatchString(raw) {
		return ArrivalTime{
			Text:        strings.TrimSpace(raw),
			MinutesLeft: 0,
			IsRealTime:  true,
			Shape:       ShapeInStation,
		}
	}

	return ArrivalTime{
		Text:        raw,
		MinutesLeft: types.UnknownMinutes,
		IsRealTime:  false,
		Shape:       ShapeUnknown,
	}
}

// minutesUntil returns the whole minutes from now to the next occurrence
// of hour:minute, rolling over to the next day when it has already passed.
func minutesUntil(now time.Time, hour, minute int) int {
	scheduled := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if scheduled.Before(now) {
		scheduled = time.Date(now.Year(), now.Month(), now.Day()+1, hour, minute, 0, 0, now.Location())
	}
	return int(scheduled.Sub(now) / time.Minute)
}

// ReferenceTime localises t to loc and truncates it to whole minutes.
func ReferenceTime(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, loc)
}

// ExtractArrivalText pulls the arrival string following the Sosire1:
// marker out of a timed-schedule response body.
func ExtractArrivalText(body string) (string, error) {
	m := markerRe.FindStringSubmatch(body)
	if m == nil {
		return "", ErrMarkerNotFound
	}
	return strings.TrimRight(m[1], " \t"), nil
}
