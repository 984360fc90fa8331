// Package project renders canonical lessons into calendar events using the
// configured text templates.
package project

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"lessonsync/internal/model"
)

const (
	DefaultSummary     = "{{.subject}}"
	DefaultDescription = "{{.teacher_name}}"
	DefaultLocation    = "{{.classroom}}"
)

// Templates holds the raw template sources for the three text fields.
type Templates struct {
	Summary     string `yaml:"summary" json:"summary"`
	Description string `yaml:"description" json:"description"`
	Location    string `yaml:"location" json:"location"`
}

// DefaultTemplates mirrors the plain subject / teacher / room layout.
func DefaultTemplates() Templates {
	return Templates{
		Summary:     DefaultSummary,
		Description: DefaultDescription,
		Location:    DefaultLocation,
	}
}

// TemplateError reports a template that failed to parse or render.
type TemplateError struct {
	Field string
	// Start is the lesson being rendered; zero for parse errors.
	Start time.Time
	Err   error
}

func (e *TemplateError) Error() string {
	if e.Start.IsZero() {
		return fmt.Sprintf("template %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("template %s for lesson at %s: %v", e.Field, e.Start.Format(time.RFC3339), e.Err)
}

func (e *TemplateError) Unwrap() error { return e.Err }

// Projector renders lessons. It is safe for concurrent use.
type Projector struct {
	summary     *template.Template
	description *template.Template
	location    *template.Template
}

// New parses all three templates. Unknown context keys fail at render time.
func New(t Templates) (*Projector, error) {
	summary, err := parse("summary", t.Summary)
	if err != nil {
		return nil, err
	}
	description, err := parse("description", t.Description)
	if err != nil {
		return nil, err
	}
	location, err := parse("location", t.Location)
	if err != nil {
		return nil, err
	}
	return &Projector{summary: summary, description: description, location: location}, nil
}

var funcs = template.FuncMap{
	"join":  strings.Join,
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"trim":  strings.TrimSpace,
}

func parse(field, src string) (*template.Template, error) {
	tpl, err := template.New(field).Funcs(funcs).Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, &TemplateError{Field: field, Err: err}
	}
	return tpl, nil
}

// Project renders every lesson. The first rendering failure aborts the
// whole projection.
func (p *Projector) Project(lessons []model.Lesson) ([]model.Event, error) {
	out := make([]model.Event, 0, len(lessons))
	for _, l := range lessons {
		ev, err := p.Event(l)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// Event renders a single lesson. Fields rendering to "" become nil.
func (p *Projector) Event(l model.Lesson) (model.Event, error) {
	ctx := Context(l)

	summary, err := render(p.summary, ctx, l.Start)
	if err != nil {
		return model.Event{}, err
	}
	description, err := render(p.description, ctx, l.Start)
	if err != nil {
		return model.Event{}, err
	}
	location, err := render(p.location, ctx, l.Start)
	if err != nil {
		return model.Event{}, err
	}

	return model.Event{
		Start:       l.Start,
		End:         l.End,
		Summary:     model.StringPtr(summary),
		Description: model.StringPtr(description),
		Location:    model.StringPtr(location),
	}, nil
}

func render(tpl *template.Template, ctx map[string]any, start time.Time) (string, error) {
	var b strings.Builder
	if err := tpl.Execute(&b, ctx); err != nil {
		return "", &TemplateError{Field: tpl.Name(), Start: start, Err: err}
	}
	return b.String(), nil
}

// Context builds the template data for a lesson. Absent values are
// rendered as empty strings or empty lists, never as missing keys.
func Context(l model.Lesson) map[string]any {
	return map[string]any{
		"start":              l.Start,
		"end":                l.End,
		"subject":            l.SubjectName(),
		"in_groups":          l.InGroups,
		"teacher_name":       deref(l.TeacherName),
		"teacher_names":      nonNil(l.TeacherNames),
		"classroom":          deref(l.Classroom),
		"classrooms":         nonNil(l.Classrooms),
		"virtual_classrooms": nonNil(l.VirtualClassrooms),
		"group_name":         l.GroupName,
		"group_names":        nonNil(l.GroupNames),
		"memo":               l.Memo,
		"status":             l.Status,
		"background_color":   l.BackgroundColor,
		"canceled":           l.Canceled,
		"outing":             l.Outing,
		"exempted":           l.Exempted,
		"detention":          l.Detention,
		"normal":             l.Normal,
		"test":               l.Test,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
