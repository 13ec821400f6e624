// Package recipe implements the magistral recipe lifecycle and its data model.
package recipe

import (
	"errors"
	"time"
)

// Status represents recipe status
type Status string

const (
	StatusPendingValidation   Status = "PendingValidation"
	StatusValidated           Status = "Validated"
	StatusPreparation         Status = "Preparation"
	StatusQualityControl      Status = "QualityControl"
	StatusReadyForDispatch    Status = "ReadyForDispatch"
	StatusDispensed           Status = "Dispensed"
	StatusRejected            Status = "Rejected"
	StatusCancelled           Status = "Cancelled"
	StatusArchived            Status = "Archived"
	StatusPendingReviewPortal Status = "PendingReviewPortal"
)

var (
	// ErrNotFound is returned when a patient or recipe does not exist
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned for a status change the lifecycle forbids
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrConflict is returned when the stored recipe changed after it was loaded
	ErrConflict = errors.New("recipe modified concurrently")
)

// IsTerminalExcluded reports whether recipes in this status are ignored when
// looking for a patient's active recipe.
func (s Status) IsTerminalExcluded() bool {
	switch s {
	case StatusCancelled, StatusRejected, StatusArchived:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPendingValidation, StatusValidated, StatusPreparation,
		StatusQualityControl, StatusReadyForDispatch, StatusDispensed,
		StatusRejected, StatusCancelled, StatusArchived, StatusPendingReviewPortal:
		return true
	}
	return false
}

// Patient is the subset of the patient record the pharmacy workflow reads.
type Patient struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsChronic bool   `json:"isChronic"`
	// Locale is the BCP 47 language tag used for patient-facing messages.
	Locale string `json:"locale,omitempty"`
}

// Item is one prescribed compound.
type Item struct {
	ActiveIngredient string  `json:"principalActiveIngredient"`
	Concentration    string  `json:"concentration,omitempty"`
	Quantity         float64 `json:"quantity,omitempty"`
	Unit             string  `json:"unit,omitempty"`
}

// AuditEntry records one status transition. Date is an ISO-8601 timestamp.
type AuditEntry struct {
	Date   string `json:"date"`
	Status Status `json:"status"`
	Note   string `json:"notes,omitempty"`
}

// Recipe is a prescription document as stored by the data layer.
//
// DueDate is kept as the stored ISO date string so that malformed documents
// can be reported instead of silently parsed into a zero time.
type Recipe struct {
	ID         string       `json:"id"`
	PatientID  string       `json:"patientId"`
	Status     Status       `json:"status"`
	Magistral  bool         `json:"isMagistral"`
	DueDate    string       `json:"dueDate"`
	CreatedAt  time.Time    `json:"createdAt"`
	Items      []Item       `json:"items"`
	AuditTrail []AuditEntry `json:"auditTrail"`
}

// DispensedCount returns the number of audit entries that reached Dispensed.
func (r *Recipe) DispensedCount() int {
	n := 0
	for _, e := range r.AuditTrail {
		if e.Status == StatusDispensed {
			n++
		}
	}
	return n
}
