// Package syncer drives one sync pass: fetch lessons, normalize, project,
// reconcile against the calendar, apply.
package syncer

import (
	"context"
	"fmt"
	"time"

	"lessonsync/internal/lessons"
	appLog "lessonsync/internal/log"
	"lessonsync/internal/model"
	"lessonsync/internal/project"
	"lessonsync/internal/reconcile"
)

// LessonSource yields raw lessons for a window.
type LessonSource interface {
	Login(ctx context.Context) error
	FetchLessons(ctx context.Context, start, end time.Time) ([]model.Lesson, error)
}

// CalendarStore is the target calendar.
type CalendarStore interface {
	FetchEvents(ctx context.Context, start, end time.Time) ([]model.RemoteEvent, error)
	Apply(ctx context.Context, cs model.ChangeSet) error
}

// Window returns the sync range for now: local midnight of the Monday of
// now's week, through weeks*7 days later (exclusive).
func Window(now time.Time, weeks int, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.Local
	}
	now = now.In(loc)
	offset := (int(now.Weekday()) + 6) % 7
	start := time.Date(now.Year(), now.Month(), now.Day()-offset, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 7*weeks)
}

// Config wires a Syncer.
type Config struct {
	Weeks    int
	Location *time.Location
	// SortByID enables the deterministic tie-break in the reconciler.
	SortByID bool
	// DryRun computes the change set but never applies it.
	DryRun bool
}

// Result summarizes a run.
type Result struct {
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`

	RawLessons   int `json:"raw_lessons"`
	Lessons      int `json:"lessons"`
	RemoteEvents int `json:"remote_events"`

	Added   int `json:"added"`
	Updated int `json:"updated"`
	Removed int `json:"removed"`

	Applied bool `json:"applied"`
	DryRun  bool `json:"dry_run"`
}

// Syncer holds the collaborators of a run. It keeps no state between runs.
type Syncer struct {
	cfg        Config
	source     LessonSource
	store      CalendarStore
	normalizer *lessons.Normalizer
	projector  *project.Projector
	log        *appLog.Logger
}

// New builds a Syncer.
func New(cfg Config, source LessonSource, store CalendarStore, normalizer *lessons.Normalizer, projector *project.Projector, logger *appLog.Logger) *Syncer {
	if logger == nil {
		logger = appLog.NewNop()
	}
	if cfg.Weeks < 1 {
		cfg.Weeks = 1
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Syncer{
		cfg:        cfg,
		source:     source,
		store:      store,
		normalizer: normalizer,
		projector:  projector,
		log:        logger,
	}
}

// Run performs one pass over the window containing now. Each network call is
// attempted once; the caller re-invokes Run on its schedule.
func (s *Syncer) Run(ctx context.Context, now time.Time) (Result, error) {
	start, end := Window(now, s.cfg.Weeks, s.cfg.Location)
	res := Result{WindowStart: start, WindowEnd: end, DryRun: s.cfg.DryRun}
	s.log.Info("sync started", "window_start", start.Format(time.RFC3339), "window_end", end.Format(time.RFC3339))

	if err := s.source.Login(ctx); err != nil {
		return res, fmt.Errorf("timetable login: %w", err)
	}

	raw, err := s.source.FetchLessons(ctx, start, end)
	if err != nil {
		return res, fmt.Errorf("fetch lessons: %w", err)
	}
	res.RawLessons = len(raw)
	s.log.Info("lessons fetched", "count", len(raw))

	remote, err := s.store.FetchEvents(ctx, start, end)
	if err != nil {
		return res, fmt.Errorf("fetch calendar events: %w", err)
	}
	remote = inWindow(remote, start, end)
	res.RemoteEvents = len(remote)
	s.log.Info("calendar events fetched", "count", len(remote))

	normalized := s.normalizer.Normalize(raw)
	res.Lessons = len(normalized)
	s.log.Info("lessons normalized", "count", len(normalized))

	events, err := s.projector.Project(normalized)
	if err != nil {
		return res, err
	}
	s.log.Info("events projected", "count", len(events))

	cs := reconcile.Reconcile(events, remote, reconcile.Options{SortByID: s.cfg.SortByID, Logger: s.log})
	res.Added, res.Updated, res.Removed = len(cs.Add), len(cs.Update), len(cs.Remove)
	s.log.Info("changes computed", "add", res.Added, "update", res.Updated, "remove", res.Removed)

	if cs.Empty() {
		s.log.Info("calendar already up to date")
		return res, nil
	}
	if s.cfg.DryRun {
		s.log.Info("dry run, changes not applied")
		return res, nil
	}

	if err := s.store.Apply(ctx, cs); err != nil {
		return res, fmt.Errorf("apply changes: %w", err)
	}
	res.Applied = true
	s.log.Info("sync finished")
	return res, nil
}

func inWindow(events []model.RemoteEvent, start, end time.Time) []model.RemoteEvent {
	out := events[:0:0]
	for _, ev := range events {
		if ev.Start.Before(start) || !ev.Start.Before(end) {
			continue
		}
		out = append(out, ev)
	}
	return out
}
