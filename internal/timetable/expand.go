package timetable

import (
	"errors"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "lessonsync/internal/log"
	"lessonsync/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 2000
)

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// Location is the zone lessons are converted to. If nil, time.Local is used.
	Location *time.Location

	// RangeStart / RangeEnd define the half-open window [RangeStart, RangeEnd)
	// a lesson's start must fall in.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent caps a single RRULE expansion. If zero,
	// defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// ExpandLessons expands parsed VEVENTs into lesson occurrences within the
// window, honoring RRULE, EXDATE and RECURRENCE-ID overrides. The result is
// ordered by start; several lessons may share a start instant.
func ExpandLessons(events []ParsedEvent, cfg ExpandConfig, logger *appLog.Logger) ([]model.Lesson, error) {
	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return nil, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}
	if logger == nil {
		logger = appLog.NewNop()
	}

	// Group base events and overrides by UID.
	baseByUID := make(map[string][]ParsedEvent)
	overridesByUID := make(map[string][]ParsedEvent)
	uids := make([]string, 0)

	for _, ev := range events {
		if ev.IsOverride && ev.Recurrence != nil {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
			continue
		}
		if _, ok := baseByUID[ev.UID]; !ok {
			uids = append(uids, ev.UID)
		}
		baseByUID[ev.UID] = append(baseByUID[ev.UID], ev)
	}

	out := make([]model.Lesson, 0, len(events))
	for _, uid := range uids {
		ov := overridesByUID[uid]
		for _, ev := range baseByUID[uid] {
			occ, hitCap := expandEvent(ev, ov, cfg, logger)
			if hitCap {
				logger.Warn("expand: truncated occurrences for UID due to cap", "uid", uid, "cap", cfg.MaxOccurrencesPerEvent)
			}
			out = append(out, occ...)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func expandEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig, logger *appLog.Logger) ([]model.Lesson, bool) {
	if ev.RawRRule == "" {
		return expandSingleEvent(ev, overrides, cfg), false
	}
	return expandRecurringEvent(ev, overrides, cfg, logger)
}

func expandSingleEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) []model.Lesson {
	if o, ok := findOverrideForStart(overrides, ev.Start); ok {
		ev = o
	}
	if !inWindow(ev.Start, cfg) {
		return nil
	}
	return []model.Lesson{makeLesson(ev, ev.Start, ev.End, cfg.Location)}
}

func expandRecurringEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig, logger *appLog.Logger) ([]model.Lesson, bool) {
	out := make([]model.Lesson, 0)
	hitCap := false

	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		logger.Error("expand: failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return out, false
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	// Overrides may move an instance into the window from outside, so widen
	// the search by the event duration on both sides.
	dur := ev.End.Sub(ev.Start)
	rangeStart := cfg.RangeStart.Add(-dur).In(ev.Start.Location())
	rangeEnd := cfg.RangeEnd.Add(dur).In(ev.Start.Location())

	occTimes := set.Between(rangeStart, rangeEnd, true)
	if len(occTimes) > cfg.MaxOccurrencesPerEvent {
		occTimes = occTimes[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	for _, occStart := range occTimes {
		baseEv := ev
		start, end := occStart, occStart.Add(dur)

		if o, ok := findOverrideForStart(overrides, occStart); ok {
			baseEv = o
			start, end = o.Start, o.End
		}
		if !inWindow(start, cfg) {
			continue
		}
		out = append(out, makeLesson(baseEv, start, end, cfg.Location))
	}

	return out, hitCap
}

// findOverrideForStart finds an override whose RECURRENCE-ID is the same
// instant as baseStart.
func findOverrideForStart(overrides []ParsedEvent, baseStart time.Time) (ParsedEvent, bool) {
	for _, ov := range overrides {
		if ov.Recurrence != nil && ov.Recurrence.Equal(baseStart) {
			return ov, true
		}
	}
	return ParsedEvent{}, false
}

func inWindow(t time.Time, cfg ExpandConfig) bool {
	return !t.Before(cfg.RangeStart) && t.Before(cfg.RangeEnd)
}

// makeLesson converts a (possibly overridden) ParsedEvent and a concrete
// start/end into a lesson expressed in loc.
func makeLesson(ev ParsedEvent, start, end time.Time, loc *time.Location) model.Lesson {
	l := model.Lesson{
		Start:             start.In(loc),
		End:               end.In(loc),
		Num:               ev.Seq,
		Canceled:          ev.Canceled,
		Subject:           model.StringPtr(ev.Subject),
		TeacherNames:      ev.Teachers,
		Classrooms:        ev.Rooms,
		VirtualClassrooms: ev.VirtualRooms,
		GroupNames:        ev.Groups,
		InGroups:          len(ev.Groups) > 0,
		Memo:              ev.Memo,
		Status:            ev.Status,
		BackgroundColor:   ev.Color,
		Outing:            ev.Flags["outing"],
		Exempted:          ev.Flags["exempted"],
		Detention:         ev.Flags["detention"],
		Test:              ev.Flags["test"],
	}
	if len(ev.Teachers) > 0 {
		l.TeacherName = model.StringPtr(ev.Teachers[0])
	}
	if len(ev.Rooms) > 0 {
		l.Classroom = model.StringPtr(ev.Rooms[0])
	}
	if len(ev.Groups) > 0 {
		l.GroupName = ev.Groups[0]
	}
	l.Normal = !l.Canceled && !l.Outing && !l.Exempted && !l.Detention && !l.Test
	return l
}
