package recipe

import (
	"errors"
	"fmt"
	"time"
)

// transitions lists the statuses reachable from each status. A Dispensed
// recipe goes back to Preparation when the next cycle is prepared.
var transitions = map[Status][]Status{
	StatusPendingReviewPortal: {StatusPendingValidation, StatusRejected, StatusCancelled},
	StatusPendingValidation:   {StatusValidated, StatusRejected, StatusCancelled},
	StatusValidated:           {StatusPreparation, StatusCancelled, StatusArchived},
	StatusPreparation:         {StatusQualityControl, StatusReadyForDispatch, StatusDispensed, StatusCancelled},
	StatusQualityControl:      {StatusReadyForDispatch, StatusPreparation, StatusCancelled},
	StatusReadyForDispatch:    {StatusDispensed, StatusCancelled},
	StatusDispensed:           {StatusPreparation, StatusArchived},
	StatusRejected:            {StatusArchived},
	StatusCancelled:           {StatusArchived},
}

// CanTransition reports whether the lifecycle allows from -> to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Aggregate represents the recipe aggregate root
type Aggregate struct {
	recipe  Recipe
	version int
	changes []*Event
	// stored is the status persisted when the aggregate was loaded or last
	// saved, empty for a recipe not stored yet
	stored Status
}

// NewAggregate wraps a recipe loaded from the store, or a new recipe to be
// created when r has no status
func NewAggregate(r Recipe) *Aggregate {
	return &Aggregate{recipe: r, changes: make([]*Event, 0), stored: r.Status}
}

// ID returns the recipe ID
func (a *Aggregate) ID() string { return a.recipe.ID }

// Version returns the number of applied changes
func (a *Aggregate) Version() int { return a.version }

// Status returns the current status
func (a *Aggregate) Status() Status { return a.recipe.Status }

// Recipe returns a copy of the current recipe state
func (a *Aggregate) Recipe() Recipe {
	r := a.recipe
	r.AuditTrail = append([]AuditEntry(nil), a.recipe.AuditTrail...)
	r.Items = append([]Item(nil), a.recipe.Items...)
	return r
}

// Changes returns uncommitted events
func (a *Aggregate) Changes() []*Event { return a.changes }

// ClearChanges clears uncommitted events once they are stored
func (a *Aggregate) ClearChanges() {
	a.changes = make([]*Event, 0)
	a.stored = a.recipe.Status
}

// Create registers a new recipe. Recipes uploaded through the patient portal
// start in PendingReviewPortal, all others in PendingValidation.
func (a *Aggregate) Create(fromPortal bool, at time.Time) error {
	if a.recipe.Status != "" {
		return errors.New("recipe already created")
	}
	if a.recipe.ID == "" || a.recipe.PatientID == "" {
		return errors.New("recipe id and patient id are required")
	}
	if _, err := time.Parse(time.DateOnly, a.recipe.DueDate); err != nil {
		return fmt.Errorf("invalid due date %q: %w", a.recipe.DueDate, err)
	}

	initial := StatusPendingValidation
	if fromPortal {
		initial = StatusPendingReviewPortal
	}
	a.recipe.CreatedAt = at.UTC()

	event, err := NewEvent(a.recipe.ID, a.recipe.PatientID, EventRecipeCreated, &RecipeCreatedData{
		RecipeID:  a.recipe.ID,
		PatientID: a.recipe.PatientID,
		Magistral: a.recipe.Magistral,
		DueDate:   a.recipe.DueDate,
		Items:     a.recipe.Items,
		CreatedAt: a.recipe.CreatedAt,
	}, at)
	if err != nil {
		return err
	}

	a.recipe.Status = initial
	a.recipe.AuditTrail = append(a.recipe.AuditTrail, AuditEntry{
		Date:   at.UTC().Format(time.RFC3339),
		Status: initial,
	})
	a.record(event)
	return nil
}

// Transition moves the recipe to a new status and appends the audit entry.
func (a *Aggregate) Transition(to Status, at time.Time, note string) error {
	from := a.recipe.Status
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	event, err := NewEvent(a.recipe.ID, a.recipe.PatientID, EventRecipeStatusChanged, &StatusChangedData{
		RecipeID:  a.recipe.ID,
		PatientID: a.recipe.PatientID,
		From:      from,
		To:        to,
		Note:      note,
		ChangedAt: at.UTC(),
	}, at)
	if err != nil {
		return err
	}

	a.recipe.Status = to
	a.recipe.AuditTrail = append(a.recipe.AuditTrail, AuditEntry{
		Date:   at.UTC().Format(time.RFC3339),
		Status: to,
		Note:   note,
	})
	a.record(event)
	return nil
}

func (a *Aggregate) record(event *Event) {
	a.version++
	event.Version = a.version
	a.changes = append(a.changes, event)
}

// PendingAudit returns the audit entries added since the last ClearChanges,
// in the order they were appended.
func (a *Aggregate) PendingAudit() []AuditEntry {
	n := len(a.changes)
	trail := a.recipe.AuditTrail
	if n > len(trail) {
		n = len(trail)
	}
	return trail[len(trail)-n:]
}
