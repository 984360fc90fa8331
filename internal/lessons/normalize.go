// Package lessons turns the raw occurrences of a timetable into one
// canonical lesson per start instant and applies the configured time and
// subject rewrites.
package lessons

import (
	"sort"

	appLog "lessonsync/internal/log"
	"lessonsync/internal/model"
)

// Normalizer holds the rewrite rules applied after deduplication.
type Normalizer struct {
	timeRules []TimeRule
	subjects  map[string]string
	log       *appLog.Logger
}

// NewNormalizer builds a Normalizer. Rules are evaluated in slice order.
func NewNormalizer(timeRules []TimeRule, subjects map[string]string, logger *appLog.Logger) *Normalizer {
	if logger == nil {
		logger = appLog.NewNop()
	}
	return &Normalizer{
		timeRules: timeRules,
		subjects:  subjects,
		log:       logger,
	}
}

// Normalize deduplicates raw, then applies time and subject adjustments.
// The result is ordered by start time.
func (n *Normalizer) Normalize(raw []model.Lesson) []model.Lesson {
	out := Dedupe(raw)
	n.log.Debug("lessons deduplicated", "raw", len(raw), "canonical", len(out))

	for i := range out {
		out[i] = n.adjustTime(out[i])
		out[i] = n.adjustSubject(out[i])
	}
	return out
}

// Dedupe keeps, per start instant, the occurrence with the highest Num and
// drops the instant when that occurrence is canceled. Lower-numbered
// occurrences never survive, canceled or not.
func Dedupe(raw []model.Lesson) []model.Lesson {
	best := make(map[int64]model.Lesson, len(raw))
	for _, l := range raw {
		key := l.Start.UnixNano()
		cur, seen := best[key]
		if !seen || l.Num > cur.Num {
			best[key] = l
		}
	}

	out := make([]model.Lesson, 0, len(best))
	for _, l := range best {
		if l.Canceled {
			continue
		}
		out = append(out, l)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// adjustTime applies the first rule whose weekday set contains the lesson's
// weekday. Later rules are not consulted even when the first one has no
// mapping for the lesson's clock times.
func (n *Normalizer) adjustTime(l model.Lesson) model.Lesson {
	if len(n.timeRules) == 0 {
		return l
	}

	weekday := isoWeekday(l.Start)
	for _, rule := range n.timeRules {
		if !rule.matches(weekday) {
			continue
		}

		if to, ok := rule.StartTimes[ClockOf(l.Start)]; ok {
			from := l.Start
			l.Start = withClock(l.Start, to)
			n.log.Debug("adjusted lesson start", "from", from.Format("15:04"), "to", to.String(), "date", from.Format("2006-01-02"))
		}
		if to, ok := rule.EndTimes[ClockOf(l.End)]; ok {
			from := l.End
			l.End = withClock(l.End, to)
			n.log.Debug("adjusted lesson end", "from", from.Format("15:04"), "to", to.String(), "date", from.Format("2006-01-02"))
		}
		return l
	}
	return l
}

func (n *Normalizer) adjustSubject(l model.Lesson) model.Lesson {
	if l.Subject == nil || len(n.subjects) == 0 {
		return l
	}
	if renamed, ok := n.subjects[*l.Subject]; ok && renamed != "" {
		n.log.Debug("adjusted lesson subject", "from", *l.Subject, "to", renamed)
		l.Subject = &renamed
	}
	return l
}
