// Package gcal is the Google Calendar side of the sync: it lists the events
// this system created and applies change sets to them.
package gcal

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	appLog "lessonsync/internal/log"
	"lessonsync/internal/model"
)

// Provenance marker stored as a private extended property on every event
// this system creates.
const (
	ProvenanceKey   = "source"
	ProvenanceValue = "lessonsync"
)

// NewService builds a Calendar API client from a service-account key file.
func NewService(ctx context.Context, credentialsFile string, opts ...option.ClientOption) (*calendar.Service, error) {
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read google credentials: %w", err)
	}
	jwtCfg, err := google.JWTConfigFromJSON(data, calendar.CalendarScope, calendar.CalendarEventsScope)
	if err != nil {
		return nil, fmt.Errorf("parse google credentials: %w", err)
	}

	all := append([]option.ClientOption{option.WithHTTPClient(jwtCfg.Client(ctx))}, opts...)
	svc, err := calendar.NewService(ctx, all...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return svc, nil
}

// Store reads and writes one calendar.
type Store struct {
	svc        *calendar.Service
	calendarID string
	// loc interprets all-day dates, which carry no zone.
	loc *time.Location
	log *appLog.Logger
}

// NewStore wraps svc for calendarID.
func NewStore(svc *calendar.Service, calendarID string, loc *time.Location, logger *appLog.Logger) *Store {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = appLog.NewNop()
	}
	return &Store{svc: svc, calendarID: calendarID, loc: loc, log: logger}
}

// FetchEvents lists the events carrying the provenance marker that overlap
// [start, end), across all result pages. Failures propagate; an empty
// result is never substituted for an error.
func (s *Store) FetchEvents(ctx context.Context, start, end time.Time) ([]model.RemoteEvent, error) {
	call := s.svc.Events.List(s.calendarID).
		TimeMin(start.Format(time.RFC3339)).
		TimeMax(end.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		PrivateExtendedProperty(ProvenanceKey + "=" + ProvenanceValue)

	out := make([]model.RemoteEvent, 0)
	err := call.Pages(ctx, func(page *calendar.Events) error {
		for _, item := range page.Items {
			ev, err := s.toRemote(item)
			if err != nil {
				s.log.Error("skipping calendar event with unreadable time", err, "id", item.Id)
				continue
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list calendar events: %w", err)
	}

	s.log.Debug("calendar events fetched", "calendar_id", s.calendarID, "count", len(out))
	return out, nil
}

// Apply executes the change set one request at a time and stops at the
// first failure. Requests already sent stay applied.
func (s *Store) Apply(ctx context.Context, cs model.ChangeSet) error {
	for _, ev := range cs.Add {
		created, err := s.svc.Events.Insert(s.calendarID, insertBody(ev)).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("insert event at %s: %w", ev.Start.Format(time.RFC3339), err)
		}
		s.log.Debug("calendar event inserted", "id", created.Id, "start", ev.Start.Format(time.RFC3339))
	}

	for _, r := range cs.Remove {
		if err := s.svc.Events.Delete(s.calendarID, r.ID).Context(ctx).Do(); err != nil {
			return fmt.Errorf("delete event %s: %w", r.ID, err)
		}
		s.log.Debug("calendar event deleted", "id", r.ID)
	}

	for _, u := range cs.Update {
		if _, err := s.svc.Events.Patch(s.calendarID, u.ID, patchBody(u.Event)).Context(ctx).Do(); err != nil {
			return fmt.Errorf("patch event %s: %w", u.ID, err)
		}
		s.log.Debug("calendar event patched", "id", u.ID, "start", u.Event.Start.Format(time.RFC3339))
	}

	s.log.Info("calendar changes applied", "added", len(cs.Add), "updated", len(cs.Update), "removed", len(cs.Remove))
	return nil
}

func insertBody(ev model.Event) *calendar.Event {
	body := &calendar.Event{
		Start: &calendar.EventDateTime{DateTime: ev.Start.Format(time.RFC3339)},
		End:   &calendar.EventDateTime{DateTime: ev.End.Format(time.RFC3339)},
		Reminders: &calendar.EventReminders{
			UseDefault:      false,
			ForceSendFields: []string{"UseDefault"},
		},
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{ProvenanceKey: ProvenanceValue},
		},
	}
	if ev.Summary != nil {
		body.Summary = *ev.Summary
	}
	if ev.Description != nil {
		body.Description = *ev.Description
	}
	if ev.Location != nil {
		body.Location = *ev.Location
	}
	return body
}

// patchBody sends every content field. Absent values are nulled explicitly,
// otherwise the patch would leave the old text in place.
func patchBody(ev model.Event) *calendar.Event {
	body := &calendar.Event{
		Start: &calendar.EventDateTime{DateTime: ev.Start.Format(time.RFC3339)},
		End:   &calendar.EventDateTime{DateTime: ev.End.Format(time.RFC3339)},
	}
	if ev.Summary != nil {
		body.Summary = *ev.Summary
	} else {
		body.NullFields = append(body.NullFields, "Summary")
	}
	if ev.Description != nil {
		body.Description = *ev.Description
	} else {
		body.NullFields = append(body.NullFields, "Description")
	}
	if ev.Location != nil {
		body.Location = *ev.Location
	} else {
		body.NullFields = append(body.NullFields, "Location")
	}
	return body
}

func (s *Store) toRemote(item *calendar.Event) (model.RemoteEvent, error) {
	start, err := s.eventTime(item.Start)
	if err != nil {
		return model.RemoteEvent{}, err
	}
	end, err := s.eventTime(item.End)
	if err != nil {
		return model.RemoteEvent{}, err
	}

	owned := false
	if item.ExtendedProperties != nil {
		owned = item.ExtendedProperties.Private[ProvenanceKey] == ProvenanceValue
	}

	// The API omits empty strings, so "" and absent are the same remotely.
	return model.RemoteEvent{
		ID:          item.Id,
		Start:       start,
		End:         end,
		Summary:     model.StringPtr(item.Summary),
		Description: model.StringPtr(item.Description),
		Location:    model.StringPtr(item.Location),
		Owned:       owned,
	}, nil
}

func (s *Store) eventTime(dt *calendar.EventDateTime) (time.Time, error) {
	if dt == nil {
		return time.Time{}, fmt.Errorf("missing event time")
	}
	if dt.DateTime != "" {
		return time.Parse(time.RFC3339, dt.DateTime)
	}
	if dt.Date != "" {
		return time.ParseInLocation("2006-01-02", dt.Date, s.loc)
	}
	return time.Time{}, fmt.Errorf("event time has neither dateTime nor date")
}
