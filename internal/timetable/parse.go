package timetable

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "lessonsync/internal/log"
)

// lessonFlagsProperty carries comma-separated status flags on a lesson
// VEVENT (outing, exempted, detention, test).
const lessonFlagsProperty = "X-LESSON-FLAGS"

// ParsedEvent is the normalized representation of a lesson VEVENT as
// produced by the parser. Recurrence expansion operates on this type.
type ParsedEvent struct {
	UID string
	Seq int

	Start time.Time
	End   time.Time

	Status   string
	Canceled bool

	Subject      string
	Teachers     []string
	Rooms        []string
	VirtualRooms []string
	Groups       []string
	Memo         string
	Color        string
	Flags        map[string]bool

	RawRRule   string
	ExDates    []time.Time
	Recurrence *time.Time // RECURRENCE-ID (if present)
	IsOverride bool       // true if this VEVENT overrides a recurring instance
}

// ParseICS parses a timetable feed into a list of ParsedEvent. Floating
// (zone-less) times and TZIDs that cannot be resolved are read in loc.
// Malformed VEVENTs are logged and skipped.
func ParseICS(body []byte, loc *time.Location, logger *appLog.Logger) ([]ParsedEvent, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = appLog.NewNop()
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse timetable feed: %w", err)
	}

	events := make([]ParsedEvent, 0)
	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(comp, loc)
		if perr != nil {
			// Log and skip this event, but keep parsing others.
			logger.Error("timetable vevent parse failed", perr)
			continue
		}
		events = append(events, ev)
	}

	logger.Debug("timetable parse completed", "event_count", len(events))
	return events, nil
}

func parseVEvent(ve *ical.VEvent, loc *time.Location) (ParsedEvent, error) {
	var out ParsedEvent

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uidProp.Value

	if seqProp := ve.GetProperty(ical.ComponentPropertySequence); seqProp != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(seqProp.Value)); err == nil {
			out.Seq = n
		}
	}

	startProp := ve.GetProperty(ical.ComponentPropertyDtStart)
	if startProp == nil {
		return out, fmt.Errorf("uid %s: missing DTSTART", out.UID)
	}
	start, err := propTime(startProp, loc)
	if err != nil {
		return out, fmt.Errorf("uid %s: DTSTART: %w", out.UID, err)
	}
	out.Start = start

	endProp := ve.GetProperty(ical.ComponentPropertyDtEnd)
	if endProp == nil {
		return out, fmt.Errorf("uid %s: missing DTEND", out.UID)
	}
	end, err := propTime(endProp, loc)
	if err != nil {
		return out, fmt.Errorf("uid %s: DTEND: %w", out.UID, err)
	}
	out.End = end

	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil {
		out.Status = strings.ToUpper(strings.TrimSpace(p.Value))
		out.Canceled = out.Status == "CANCELLED"
	}

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Subject = unescapeText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Memo = unescapeText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Rooms = splitText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentProperty("COLOR")); p != nil {
		out.Color = strings.TrimSpace(p.Value)
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyUrl) {
		if v := strings.TrimSpace(p.Value); v != "" {
			out.VirtualRooms = append(out.VirtualRooms, v)
		}
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyCategories) {
		out.Groups = append(out.Groups, splitText(p.Value)...)
	}

	// Organizer first, then attendees, de-duplicated.
	seen := make(map[string]bool)
	addTeacher := func(p *ical.IANAProperty) {
		name := commonName(p)
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		out.Teachers = append(out.Teachers, name)
	}
	if p := ve.GetProperty(ical.ComponentPropertyOrganizer); p != nil {
		addTeacher(p)
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyAttendee) {
		addTeacher(p)
	}

	out.Flags = make(map[string]bool)
	if p := ve.GetProperty(ical.ComponentProperty(lessonFlagsProperty)); p != nil {
		for _, f := range splitText(p.Value) {
			out.Flags[strings.ToLower(f)] = true
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = p.Value
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		exLoc := paramLocation(p, loc)
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseICSTime(part, exLoc); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}

	if ridProp := ve.GetProperty(ical.ComponentProperty("RECURRENCE-ID")); ridProp != nil {
		if t, err := propTime(ridProp, loc); err == nil {
			out.Recurrence = &t
			out.IsOverride = true
		}
	}

	return out, nil
}

// propTime parses a DATE or DATE-TIME property honoring its TZID parameter.
func propTime(p *ical.IANAProperty, loc *time.Location) (time.Time, error) {
	return parseICSTime(p.Value, paramLocation(p, loc))
}

func paramLocation(p *ical.IANAProperty, fallback *time.Location) *time.Location {
	if p.ICalParameters == nil {
		return fallback
	}
	tzs, ok := p.ICalParameters["TZID"]
	if !ok || len(tzs) == 0 {
		return fallback
	}
	tz, err := time.LoadLocation(strings.Trim(tzs[0], `"`))
	if err != nil {
		return fallback
	}
	return tz
}

// parseICSTime parses an ICS date or date-time value. UTC values keep UTC;
// everything else is read as wall-clock time in loc.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	// UTC form, e.g., 20250101T090000Z
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}

	// Local date-time, e.g., 20250101T090000
	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, loc)
	}

	// Date-only, e.g., 20250101
	return time.ParseInLocation("20060102", v, loc)
}

func commonName(p *ical.IANAProperty) string {
	if p.ICalParameters != nil {
		if cn, ok := p.ICalParameters["CN"]; ok && len(cn) > 0 {
			if name := strings.TrimSpace(strings.Trim(cn[0], `"`)); name != "" {
				return name
			}
		}
	}
	v := strings.TrimSpace(p.Value)
	v = strings.TrimPrefix(strings.TrimPrefix(v, "mailto:"), "MAILTO:")
	return v
}

// splitText splits a TEXT list value on unescaped commas.
func splitText(v string) []string {
	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(unescapeText(cur.String())); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c == '\\' && i+1 < len(v) {
			cur.WriteByte(c)
			cur.WriteByte(v[i+1])
			i++
			continue
		}
		if c == ',' {
			flush()
			continue
		}
		cur.WriteByte(c)
	}
	flush()
	return out
}

// unescapeText reverses RFC 5545 TEXT escaping.
func unescapeText(v string) string {
	if !strings.Contains(v, `\`) {
		return v
	}
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c != '\\' || i+1 >= len(v) {
			b.WriteByte(c)
			continue
		}
		i++
		switch v[i] {
		case 'n', 'N':
			b.WriteByte('\n')
		default:
			b.WriteByte(v[i])
		}
	}
	return b.String()
}
