package proactive

import (
	"time"

	"github.com/magistral/rxcycle/internal/domain/recipe"
)

// Facts is the evaluation input derived from a patient's recipes.
type Facts struct {
	// Reference is the most recent active magistral recipe, nil if none.
	Reference         *recipe.Recipe
	DispensationCount int
	// DaysUntilDue is negative once the recipe is overdue.
	DaysUntilDue int
	// DaysSinceLastDispensation is nil when the recipe was never dispensed.
	DaysSinceLastDispensation *int
}

// ReferenceID returns the reference recipe ID or "" when there is none.
func (f Facts) ReferenceID() string {
	if f.Reference == nil {
		return ""
	}
	return f.Reference.ID
}

// Assemble selects the reference recipe and derives the day counts relative
// to currentDate, measured in whole calendar days in loc. Recipes created and
// dispensations recorded after that day are not visible, so a past date
// replays the state the pharmacy had then.
func Assemble(recipes []recipe.Recipe, currentDate time.Time, loc *time.Location) (Facts, error) {
	if loc == nil {
		loc = time.UTC
	}

	today := civilDay(currentDate, loc)

	ref := selectReference(recipes, today, loc)
	if ref == nil {
		return Facts{}, nil
	}

	if ref.DueDate == "" {
		return Facts{}, &ValidationError{RecipeID: ref.ID, Field: "dueDate", Reason: "missing"}
	}
	due, err := parseDay(ref.DueDate, loc)
	if err != nil {
		return Facts{}, &ValidationError{RecipeID: ref.ID, Field: "dueDate", Value: ref.DueDate, Reason: "not an ISO-8601 date"}
	}

	facts := Facts{
		Reference:    ref,
		DaysUntilDue: daysBetween(today, due),
	}

	var last time.Time
	for _, entry := range ref.AuditTrail {
		if entry.Status != recipe.StatusDispensed {
			continue
		}
		day, err := parseDay(entry.Date, loc)
		if err != nil {
			return Facts{}, &ValidationError{RecipeID: ref.ID, Field: "auditTrail.date", Value: entry.Date, Reason: "not an ISO-8601 timestamp"}
		}
		if day.After(today) {
			continue
		}
		facts.DispensationCount++
		if day.After(last) {
			last = day
		}
	}
	if facts.DispensationCount > 0 {
		since := daysBetween(last, today)
		facts.DaysSinceLastDispensation = &since
	}

	return facts, nil
}

// selectReference returns the most recently created magistral recipe that is
// not cancelled, rejected or archived and already existed on today. Recipes
// arrive in creation order, so a later position wins when creation
// timestamps tie or are absent.
func selectReference(recipes []recipe.Recipe, today time.Time, loc *time.Location) *recipe.Recipe {
	var best *recipe.Recipe
	for i := range recipes {
		r := &recipes[i]
		if !r.Magistral || r.Status.IsTerminalExcluded() {
			continue
		}
		if !r.CreatedAt.IsZero() && civilDay(r.CreatedAt, loc).After(today) {
			continue
		}
		if best == nil || !r.CreatedAt.Before(best.CreatedAt) {
			best = r
		}
	}
	if best == nil {
		return nil
	}
	ref := *best
	return &ref
}

// civilDay maps an instant to midnight UTC of its calendar date in loc, so
// day differences are exact regardless of DST transitions.
func civilDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// localLayouts are timestamps without an offset, read as wall time in loc.
var localLayouts = []string{
	"2006-01-02T15:04:05",
	time.DateTime,
}

// parseDay accepts a plain ISO date, taken as a calendar date, an RFC 3339
// timestamp, converted to loc first, or a local timestamp without offset.
func parseDay(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return civilDay(t, loc), nil
	}
	var err error
	for _, layout := range localLayouts {
		var t time.Time
		if t, err = time.ParseInLocation(layout, s, loc); err == nil {
			return civilDay(t, loc), nil
		}
	}
	return time.Time{}, err
}

func daysBetween(from, to time.Time) int {
	return int(to.Sub(from).Hours() / 24)
}
