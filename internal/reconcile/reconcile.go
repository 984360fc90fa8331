// Package reconcile diffs the projected events of a run against the events
// currently stored in the calendar.
//
// Lessons carry no identifier that survives between runs, so events are
// matched purely by start instant plus content. The result brings the
// calendar to exactly one owned event per projected start instant and no
// owned events anywhere else.
package reconcile

import (
	"sort"
	"time"

	appLog "lessonsync/internal/log"
	"lessonsync/internal/model"
)

// Options tunes a reconciliation pass.
type Options struct {
	// SortByID orders remote events that share a start instant by id before
	// choosing which one survives. Without it the calendar's own ordering
	// decides.
	SortByID bool

	// Logger receives one debug record per emitted operation. Nil disables.
	Logger *appLog.Logger
}

// Reconcile computes the change set turning existing into newEvents.
// existing entries without the provenance marker are ignored. newEvents must
// hold at most one event per start instant.
func Reconcile(newEvents []model.Event, existing []model.RemoteEvent, opts Options) model.ChangeSet {
	logger := opts.Logger
	if logger == nil {
		logger = appLog.NewNop()
	}

	wanted := make(map[int64]model.Event, len(newEvents))
	order := make([]int64, 0, len(newEvents))
	for _, ev := range newEvents {
		k := instant(ev.Start)
		if _, dup := wanted[k]; !dup {
			order = append(order, k)
		}
		wanted[k] = ev
	}

	current := make(map[int64][]model.RemoteEvent)
	currentOrder := make([]int64, 0)
	for _, ev := range existing {
		if !ev.Owned {
			continue
		}
		k := instant(ev.Start)
		if _, seen := current[k]; !seen {
			currentOrder = append(currentOrder, k)
		}
		current[k] = append(current[k], ev)
	}
	if opts.SortByID {
		for _, evs := range current {
			sort.SliceStable(evs, func(i, j int) bool { return evs[i].ID < evs[j].ID })
		}
	}

	var cs model.ChangeSet

	for _, k := range order {
		ev := wanted[k]
		slot := current[k]

		if len(slot) == 0 {
			cs.Add = append(cs.Add, ev)
			logger.Debug("reconcile add", "start", ev.Start.Format(time.RFC3339), "summary", text(ev.Summary))
			continue
		}

		keep := -1
		for i, r := range slot {
			if Matches(r, ev) {
				keep = i
				break
			}
		}

		if keep < 0 {
			// Nothing matches: repurpose the first event, drop the rest.
			keep = 0
			cs.Update = append(cs.Update, model.Update{ID: slot[0].ID, Event: ev})
			logger.Debug("reconcile update", "id", slot[0].ID, "start", ev.Start.Format(time.RFC3339), "summary", text(ev.Summary))
		}

		for i, r := range slot {
			if i == keep {
				continue
			}
			cs.Remove = append(cs.Remove, r)
			logger.Debug("reconcile remove duplicate", "id", r.ID, "start", r.Start.Format(time.RFC3339))
		}
	}

	for _, k := range currentOrder {
		if _, ok := wanted[k]; ok {
			continue
		}
		for _, r := range current[k] {
			cs.Remove = append(cs.Remove, r)
			logger.Debug("reconcile remove orphan", "id", r.ID, "start", r.Start.Format(time.RFC3339))
		}
	}

	return cs
}

// Matches reports whether r already carries exactly the content of ev.
// Start is assumed equal. A nil field only matches a nil field.
func Matches(r model.RemoteEvent, ev model.Event) bool {
	return r.End.Equal(ev.End) &&
		sameText(r.Summary, ev.Summary) &&
		sameText(r.Location, ev.Location) &&
		sameText(r.Description, ev.Description)
}

func sameText(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func instant(t time.Time) int64 {
	return t.UnixNano()
}

func text(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
