package project

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lessonsync/internal/model"
)

func str(s string) *string { return &s }

func sampleLesson() model.Lesson {
	start := time.Date(2025, 10, 6, 9, 0, 0, 0, time.FixedZone("CEST", 2*60*60))
	return model.Lesson{
		Start:        start,
		End:          start.Add(time.Hour),
		Num:          1,
		Subject:      str("Math"),
		TeacherName:  str("Mrs. A"),
		TeacherNames: []string{"Mrs. A", "Mr. B"},
		Classroom:    str("Room 1"),
		GroupName:    "G1",
		Memo:         "bring a calculator",
		Normal:       true,
	}
}

func TestProjectDefaults(t *testing.T) {
	p, err := New(DefaultTemplates())
	require.NoError(t, err)

	l := sampleLesson()
	events, err := p.Project([]model.Lesson{l})
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.True(t, ev.Start.Equal(l.Start))
	assert.True(t, ev.End.Equal(l.End))
	assert.Equal(t, str("Math"), ev.Summary)
	assert.Equal(t, str("Mrs. A"), ev.Description)
	assert.Equal(t, str("Room 1"), ev.Location)
}

func TestProjectEmptyRendersNil(t *testing.T) {
	p, err := New(DefaultTemplates())
	require.NoError(t, err)

	l := sampleLesson()
	l.Classroom = nil
	l.TeacherName = nil

	ev, err := p.Event(l)
	require.NoError(t, err)
	assert.Equal(t, str("Math"), ev.Summary)
	assert.Nil(t, ev.Description)
	assert.Nil(t, ev.Location)
}

func TestProjectRichTemplate(t *testing.T) {
	p, err := New(Templates{
		Summary:     "{{upper .subject}}{{if .test}} (test){{end}}",
		Description: "{{join .teacher_names \", \"}}{{if .memo}}\n{{.memo}}{{end}}",
		Location:    "{{.classroom}}",
	})
	require.NoError(t, err)

	l := sampleLesson()
	l.Test = true

	ev, err := p.Event(l)
	require.NoError(t, err)
	assert.Equal(t, "MATH (test)", *ev.Summary)
	assert.Equal(t, "Mrs. A, Mr. B\nbring a calculator", *ev.Description)
}

func TestProjectUnknownFieldFails(t *testing.T) {
	p, err := New(Templates{Summary: "{{.subject}}", Description: "{{.teacher}}", Location: ""})
	require.NoError(t, err)

	_, err = p.Project([]model.Lesson{sampleLesson()})
	require.Error(t, err)

	var te *TemplateError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "description", te.Field)
	assert.False(t, te.Start.IsZero())
}

func TestNewMalformedTemplateFails(t *testing.T) {
	_, err := New(Templates{Summary: "{{.subject", Description: "", Location: ""})
	require.Error(t, err)

	var te *TemplateError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "summary", te.Field)
}

func TestContextHasNoNilLists(t *testing.T) {
	ctx := Context(model.Lesson{})
	assert.Equal(t, "", ctx["subject"])
	assert.Equal(t, []string{}, ctx["classrooms"])
	assert.Equal(t, []string{}, ctx["group_names"])
}
