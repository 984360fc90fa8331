package gcal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"lessonsync/internal/model"
)

type recorded struct {
	method string
	path   string
	body   map[string]any
}

type fakeCalendar struct {
	mu       sync.Mutex
	requests []recorded
	pages    map[string]string // pageToken -> JSON page
	failOn   string            // method that answers 500
}

func (f *fakeCalendar) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec := recorded{method: r.Method, path: r.URL.Path}
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodDelete {
		_ = json.NewDecoder(r.Body).Decode(&rec.body)
	}
	f.requests = append(f.requests, rec)

	if r.Method == f.failOn {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"code":500,"message":"backend"}}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch r.Method {
	case http.MethodGet:
		if r.URL.Query().Get("privateExtendedProperty") != ProvenanceKey+"="+ProvenanceValue {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(f.pages[r.URL.Query().Get("pageToken")]))
	case http.MethodDelete:
		w.WriteHeader(http.StatusNoContent)
	default:
		_, _ = w.Write([]byte(`{"id":"created-1"}`))
	}
}

func (f *fakeCalendar) byMethod(method string) []recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recorded
	for _, r := range f.requests {
		if r.method == method {
			out = append(out, r)
		}
	}
	return out
}

func newTestStore(t *testing.T, fake *fakeCalendar) *Store {
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	svc, err := calendar.NewService(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	return NewStore(svc, "primary", time.UTC, nil)
}

func str(s string) *string { return &s }

func TestFetchEventsPagesAndOwnership(t *testing.T) {
	fake := &fakeCalendar{pages: map[string]string{
		"": `{"items":[{"id":"a","summary":"Math","location":"Room 1",
			"start":{"dateTime":"2025-10-06T09:00:00+02:00"},"end":{"dateTime":"2025-10-06T10:00:00+02:00"},
			"extendedProperties":{"private":{"source":"lessonsync"}}}],
			"nextPageToken":"p2"}`,
		"p2": `{"items":[{"id":"b",
			"start":{"dateTime":"2025-10-06T10:00:00+02:00"},"end":{"dateTime":"2025-10-06T11:00:00+02:00"}},
			{"id":"broken","start":{},"end":{}}]}`,
	}}
	store := newTestStore(t, fake)

	start := time.Date(2025, 10, 6, 0, 0, 0, 0, time.UTC)
	events, err := store.FetchEvents(context.Background(), start, start.AddDate(0, 0, 7))
	require.NoError(t, err)
	require.Len(t, events, 2)

	a := events[0]
	assert.Equal(t, "a", a.ID)
	assert.True(t, a.Owned)
	assert.True(t, a.Start.Equal(time.Date(2025, 10, 6, 7, 0, 0, 0, time.UTC)))
	assert.Equal(t, str("Math"), a.Summary)
	assert.Equal(t, str("Room 1"), a.Location)
	assert.Nil(t, a.Description)

	assert.False(t, events[1].Owned)
	assert.Len(t, fake.byMethod(http.MethodGet), 2)
}

func TestFetchEventsErrorPropagates(t *testing.T) {
	fake := &fakeCalendar{failOn: http.MethodGet}
	store := newTestStore(t, fake)

	_, err := store.FetchEvents(context.Background(), time.Now(), time.Now().Add(time.Hour))
	assert.Error(t, err)
}

func TestApply(t *testing.T) {
	fake := &fakeCalendar{}
	store := newTestStore(t, fake)

	start := time.Date(2025, 10, 6, 9, 0, 0, 0, time.FixedZone("CEST", 2*60*60))
	cs := model.ChangeSet{
		Add: []model.Event{{Start: start, End: start.Add(time.Hour), Summary: str("Math"), Description: str("Mrs. A")}},
		Update: []model.Update{{ID: "u1", Event: model.Event{
			Start: start.Add(2 * time.Hour), End: start.Add(3 * time.Hour), Summary: str("History"),
		}}},
		Remove: []model.RemoteEvent{{ID: "r1"}, {ID: "r2"}},
	}

	require.NoError(t, store.Apply(context.Background(), cs))

	inserts := fake.byMethod(http.MethodPost)
	require.Len(t, inserts, 1)
	ins := inserts[0].body
	assert.Equal(t, "Math", ins["summary"])
	assert.Equal(t, "Mrs. A", ins["description"])
	assert.NotContains(t, ins, "location")
	assert.Equal(t, "2025-10-06T09:00:00+02:00", ins["start"].(map[string]any)["dateTime"])
	assert.Equal(t, map[string]any{"useDefault": false}, ins["reminders"])
	assert.Equal(t, map[string]any{"private": map[string]any{"source": "lessonsync"}}, ins["extendedProperties"])

	patches := fake.byMethod(http.MethodPatch)
	require.Len(t, patches, 1)
	assert.True(t, strings.HasSuffix(patches[0].path, "/events/u1"))
	p := patches[0].body
	assert.Equal(t, "History", p["summary"])
	assert.Contains(t, p, "location")
	assert.Nil(t, p["location"])
	assert.Contains(t, p, "description")
	assert.Nil(t, p["description"])
	assert.NotContains(t, p, "extendedProperties")

	deletes := fake.byMethod(http.MethodDelete)
	require.Len(t, deletes, 2)
	assert.True(t, strings.HasSuffix(deletes[0].path, "/events/r1"))
	assert.True(t, strings.HasSuffix(deletes[1].path, "/events/r2"))
}

func TestApplyStopsAtFirstFailure(t *testing.T) {
	fake := &fakeCalendar{failOn: http.MethodDelete}
	store := newTestStore(t, fake)

	start := time.Now().Truncate(time.Hour)
	cs := model.ChangeSet{
		Add:    []model.Event{{Start: start, End: start.Add(time.Hour)}},
		Remove: []model.RemoteEvent{{ID: "r1"}, {ID: "r2"}},
		Update: []model.Update{{ID: "u1", Event: model.Event{Start: start, End: start.Add(time.Hour)}}},
	}

	err := store.Apply(context.Background(), cs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "r1")

	assert.Len(t, fake.byMethod(http.MethodPost), 1)
	assert.Len(t, fake.byMethod(http.MethodDelete), 1)
	assert.Empty(t, fake.byMethod(http.MethodPatch))
}
