package lessons

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lessonsync/internal/model"
)

var paris = mustLoad("Europe/Paris")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("CEST", 2*60*60)
	}
	return loc
}

func str(s string) *string { return &s }

// monday is 2025-10-06, a Monday.
func at(day, hour, minute int) time.Time {
	return time.Date(2025, 10, day, hour, minute, 0, 0, paris)
}

func lesson(start time.Time, num int, canceled bool, subject string) model.Lesson {
	return model.Lesson{
		Start:    start,
		End:      start.Add(time.Hour),
		Num:      num,
		Canceled: canceled,
		Subject:  str(subject),
	}
}

func TestDedupe(t *testing.T) {
	t.Run("highest sequence wins", func(t *testing.T) {
		T := at(6, 9, 0)
		out := Dedupe([]model.Lesson{
			lesson(T, 1, false, "Old"),
			lesson(T, 2, false, "New"),
		})
		require.Len(t, out, 1)
		assert.Equal(t, 2, out[0].Num)
		assert.Equal(t, "New", out[0].SubjectName())
	})

	t.Run("canceled winner drops instant", func(t *testing.T) {
		T := at(6, 9, 0)
		out := Dedupe([]model.Lesson{
			lesson(T, 1, false, "Math"),
			lesson(T, 2, true, "Math"),
		})
		assert.Empty(t, out)
	})

	t.Run("canceled loser is irrelevant", func(t *testing.T) {
		T := at(6, 9, 0)
		out := Dedupe([]model.Lesson{
			lesson(T, 3, false, "Math"),
			lesson(T, 1, true, "Math"),
		})
		require.Len(t, out, 1)
		assert.Equal(t, 3, out[0].Num)
	})

	t.Run("same instant in different zones groups together", func(t *testing.T) {
		T := at(6, 9, 0)
		out := Dedupe([]model.Lesson{
			lesson(T, 1, false, "A"),
			lesson(T.UTC(), 2, false, "B"),
		})
		require.Len(t, out, 1)
		assert.Equal(t, "B", out[0].SubjectName())
	})

	t.Run("sorted by start", func(t *testing.T) {
		out := Dedupe([]model.Lesson{
			lesson(at(6, 11, 0), 1, false, "C"),
			lesson(at(6, 9, 0), 1, false, "A"),
			lesson(at(6, 10, 0), 1, false, "B"),
		})
		require.Len(t, out, 3)
		assert.Equal(t, []string{"A", "B", "C"}, []string{out[0].SubjectName(), out[1].SubjectName(), out[2].SubjectName()})
	})
}

func TestNormalizeTimeRules(t *testing.T) {
	clk := func(s string) Clock {
		c, err := ParseClock(s)
		require.NoError(t, err)
		return c
	}

	t.Run("first matching rule only", func(t *testing.T) {
		n := NewNormalizer([]TimeRule{
			{Weekdays: []int{1}, StartTimes: map[Clock]Clock{clk("09:00"): clk("08:55")}},
			{Weekdays: []int{1, 2}, StartTimes: map[Clock]Clock{clk("09:00"): clk("08:30")}},
		}, nil, nil)

		out := n.Normalize([]model.Lesson{lesson(at(6, 9, 0), 1, false, "Math")})
		require.Len(t, out, 1)
		assert.Equal(t, "08:55", out[0].Start.Format("15:04"))
	})

	t.Run("first weekday match without clock hit stops evaluation", func(t *testing.T) {
		n := NewNormalizer([]TimeRule{
			{Weekdays: []int{1}, StartTimes: map[Clock]Clock{clk("14:00"): clk("14:05")}},
			{Weekdays: []int{1}, StartTimes: map[Clock]Clock{clk("09:00"): clk("08:30")}},
		}, nil, nil)

		out := n.Normalize([]model.Lesson{lesson(at(6, 9, 0), 1, false, "Math")})
		require.Len(t, out, 1)
		assert.Equal(t, "09:00", out[0].Start.Format("15:04"))
	})

	t.Run("weekday mismatch", func(t *testing.T) {
		n := NewNormalizer([]TimeRule{
			{Weekdays: []int{1, 2, 3, 4, 5}, StartTimes: map[Clock]Clock{clk("9:00"): clk("8:55")}},
		}, nil, nil)

		// 2025-10-05 is a Sunday.
		out := n.Normalize([]model.Lesson{lesson(at(5, 9, 0), 1, false, "Math")})
		require.Len(t, out, 1)
		assert.Equal(t, "09:00", out[0].Start.Format("15:04"))
	})

	t.Run("sunday is seven", func(t *testing.T) {
		n := NewNormalizer([]TimeRule{
			{Weekdays: []int{7}, EndTimes: map[Clock]Clock{clk("10:00"): clk("10:05")}},
		}, nil, nil)

		out := n.Normalize([]model.Lesson{lesson(at(5, 9, 0), 1, false, "Math")})
		require.Len(t, out, 1)
		assert.Equal(t, "10:05", out[0].End.Format("15:04"))
	})

	t.Run("start and end independently, date and zone kept", func(t *testing.T) {
		n := NewNormalizer([]TimeRule{
			{
				Weekdays:   []int{1},
				StartTimes: map[Clock]Clock{clk("09:00"): clk("08:55")},
				EndTimes:   map[Clock]Clock{clk("10:00"): clk("10:05")},
			},
		}, nil, nil)

		out := n.Normalize([]model.Lesson{lesson(at(6, 9, 0), 1, false, "Math")})
		require.Len(t, out, 1)
		assert.True(t, out[0].Start.Equal(at(6, 8, 55)))
		assert.True(t, out[0].End.Equal(at(6, 10, 5)))
		assert.Equal(t, paris, out[0].Start.Location())
	})
}

func TestNormalizeSubjects(t *testing.T) {
	n := NewNormalizer(nil, map[string]string{"MATHEMATIQUES": "Maths"}, nil)

	noSubject := lesson(at(6, 11, 0), 1, false, "")
	noSubject.Subject = nil

	out := n.Normalize([]model.Lesson{
		lesson(at(6, 9, 0), 1, false, "MATHEMATIQUES"),
		lesson(at(6, 10, 0), 1, false, "HISTOIRE"),
		noSubject,
	})
	require.Len(t, out, 3)
	assert.Equal(t, "Maths", out[0].SubjectName())
	assert.Equal(t, "HISTOIRE", out[1].SubjectName())
	assert.Nil(t, out[2].Subject)
	assert.Equal(t, "", out[2].SubjectName())
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in      string
		want    Clock
		wantErr bool
	}{
		{in: "8:00", want: Clock{8, 0}},
		{in: "08:00", want: Clock{8, 0}},
		{in: " 9:30 ", want: Clock{9, 30}},
		{in: "14", want: Clock{14, 0}},
		{in: "7", want: Clock{7, 0}},
		{in: "23:59", want: Clock{23, 59}},
		{in: "", wantErr: true},
		{in: ":", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "24:00", wantErr: true},
		{in: "9:5", wantErr: true},
		{in: "123:00", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseClock(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
