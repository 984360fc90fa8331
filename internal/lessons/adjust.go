package lessons

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Clock is a wall-clock time of day with minute precision.
type Clock struct {
	Hour   int
	Minute int
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// ClockOf returns the wall-clock time of t in t's own location.
func ClockOf(t time.Time) Clock {
	return Clock{Hour: t.Hour(), Minute: t.Minute()}
}

// ParseClock accepts "H", "HH", "H:MM" and "HH:MM". Single-digit hours are
// zero-padded so "8:00" and "08:00" name the same clock.
func ParseClock(s string) (Clock, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Clock{}, errors.New("empty clock value")
	}

	hourPart, minPart, hasMin := strings.Cut(s, ":")
	if len(hourPart) == 0 || len(hourPart) > 2 {
		return Clock{}, fmt.Errorf("invalid clock %q", s)
	}
	h, err := strconv.Atoi(hourPart)
	if err != nil || h < 0 || h > 23 {
		return Clock{}, fmt.Errorf("invalid hour in clock %q", s)
	}

	m := 0
	if hasMin {
		if len(minPart) != 2 {
			return Clock{}, fmt.Errorf("invalid minutes in clock %q", s)
		}
		m, err = strconv.Atoi(minPart)
		if err != nil || m < 0 || m > 59 {
			return Clock{}, fmt.Errorf("invalid minutes in clock %q", s)
		}
	}

	return Clock{Hour: h, Minute: m}, nil
}

// TimeRule substitutes lesson start/end clock times on the given weekdays.
type TimeRule struct {
	// Weekdays uses ISO numbering: 1=Monday .. 7=Sunday.
	Weekdays   []int
	StartTimes map[Clock]Clock
	EndTimes   map[Clock]Clock
}

func (r TimeRule) matches(weekday int) bool {
	for _, d := range r.Weekdays {
		if d == weekday {
			return true
		}
	}
	return false
}

// isoWeekday converts Go's Sunday=0 numbering to ISO 1..7.
func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

// withClock keeps the date and location of t and replaces hour and minute.
func withClock(t time.Time, c Clock) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), c.Hour, c.Minute, t.Second(), t.Nanosecond(), t.Location())
}
