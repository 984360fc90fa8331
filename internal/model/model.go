package model

import "time"

// Lesson is a single lesson occurrence as published by the timetable source.
// Several occurrences may share a Start; Num tells which one supersedes the
// others.
type Lesson struct {
	Start time.Time
	End   time.Time

	// Num is the occurrence sequence number; higher wins at a given Start.
	Num      int
	Canceled bool

	Subject     *string
	TeacherName *string
	Classroom   *string

	// Template-only context.
	TeacherNames      []string
	Classrooms        []string
	VirtualClassrooms []string
	GroupName         string
	GroupNames        []string
	InGroups          bool
	Memo              string
	Status            string
	BackgroundColor   string

	Outing    bool
	Exempted  bool
	Detention bool
	Test      bool
	Normal    bool
}

// SubjectName returns the subject or "" when the lesson has none.
func (l Lesson) SubjectName() string {
	if l.Subject == nil {
		return ""
	}
	return *l.Subject
}

// Event is the calendar-ready projection of a canonical lesson.
// Nil text fields mean "no value", which is distinct from "".
type Event struct {
	Start       time.Time
	End         time.Time
	Summary     *string
	Description *string
	Location    *string
}

// RemoteEvent is an entry currently stored in the target calendar.
type RemoteEvent struct {
	ID          string
	Start       time.Time
	End         time.Time
	Summary     *string
	Description *string
	Location    *string

	// Owned reports whether the entry carries this system's provenance marker.
	Owned bool
}

// Update repurposes an existing remote event to carry new content.
type Update struct {
	ID    string
	Event Event
}

// ChangeSet is the result of one reconciliation pass.
type ChangeSet struct {
	Add    []Event
	Update []Update
	Remove []RemoteEvent
}

// Empty reports whether applying the set would be a no-op.
func (c ChangeSet) Empty() bool {
	return len(c.Add) == 0 && len(c.Update) == 0 && len(c.Remove) == 0
}

// StringPtr returns nil for "" and &s otherwise.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
