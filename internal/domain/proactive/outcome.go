// Package proactive decides whether a chronic patient's magistral treatment
// needs urgent action, preventive attention, or nothing at all.
//
// Evaluation is a pure function of the patient, their recipes, a reference
// date and the configured cycle limit. The rules are checked in a fixed
// priority order and the first one that matches determines the outcome.
package proactive

// Status is the proactive status shown on dashboards and the patient portal.
type Status string

const (
	StatusOK        Status = "OK"
	StatusAttention Status = "ATTENTION"
	StatusUrgent    Status = "URGENT"
)

// Action is the follow-up the pharmacy is expected to take.
type Action string

const (
	ActionNone            Action = "NONE"
	ActionCreateNewRecipe Action = "CREATE_NEW_RECIPE"
	ActionReprepareCycle  Action = "REPREPARE_CYCLE"
)

// RuleID identifies the rule that produced an outcome.
type RuleID int

const (
	RuleCycleLimit RuleID = iota + 1
	RuleExpiring
	RuleNoActiveRecipe
	RulePreventiveWindow
	RuleReprepareCycle
	RuleUpToDate
)

func (r RuleID) String() string {
	switch r {
	case RuleCycleLimit:
		return "cycle_limit"
	case RuleExpiring:
		return "expiring"
	case RuleNoActiveRecipe:
		return "no_active_recipe"
	case RulePreventiveWindow:
		return "preventive_window"
	case RuleReprepareCycle:
		return "reprepare_cycle"
	case RuleUpToDate:
		return "up_to_date"
	}
	return "unknown"
}

// Outcome is the result of one evaluation. It is always fully populated.
type Outcome struct {
	Status  Status `json:"proactiveStatus"`
	Action  Action `json:"actionNeeded"`
	Message string `json:"proactiveMessage"`
	Rule    RuleID `json:"rule"`
}

// Badge returns the UI tone for the status badge.
func (o Outcome) Badge() string {
	switch o.Status {
	case StatusUrgent:
		return "danger"
	case StatusAttention:
		return "warning"
	}
	return "success"
}

// NeedsNotification reports whether the portal should show a banner.
func (o Outcome) NeedsNotification() bool {
	return o.Status != StatusOK
}
