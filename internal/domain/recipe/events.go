package recipe

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of recipe domain event
type EventType string

const (
	EventRecipeCreated       EventType = "RecipeCreated"
	EventRecipeStatusChanged EventType = "RecipeStatusChanged"
)

// Event represents a recipe domain event
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	PatientID     string          `json:"patient_id"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
}

// NewEvent creates a new event stamped at the given instant
func NewEvent(aggregateID, patientID string, eventType EventType, data interface{}, at time.Time) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: "Recipe",
		PatientID:     patientID,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     at.UTC(),
	}, nil
}

// RecipeCreatedData contains recipe creation details
type RecipeCreatedData struct {
	RecipeID  string    `json:"recipe_id"`
	PatientID string    `json:"patient_id"`
	Magistral bool      `json:"is_magistral"`
	DueDate   string    `json:"due_date"`
	Items     []Item    `json:"items"`
	CreatedAt time.Time `json:"created_at"`
}

// StatusChangedData contains one lifecycle transition
type StatusChangedData struct {
	RecipeID  string    `json:"recipe_id"`
	PatientID string    `json:"patient_id"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Note      string    `json:"note,omitempty"`
	ChangedAt time.Time `json:"changed_at"`
}
