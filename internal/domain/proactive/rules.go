package proactive

import "github.com/magistral/rxcycle/internal/domain/recipe"

const (
	// expiryHorizonDays is the exclusive upper bound for the urgent expiry rule.
	expiryHorizonDays = 30
	// preventiveHorizonDays is the inclusive upper bound of the preventive window.
	preventiveHorizonDays = 60
	// reprepareAfterDays is the gap since the last dispensation after which
	// the next cycle is due.
	reprepareAfterDays = 25
)

type ruleInput struct {
	patient   recipe.Patient
	facts     Facts
	maxCycles int
}

type rule struct {
	id     RuleID
	status Status
	action Action
	match  func(in ruleInput) bool
}

// rules is ordered by descending urgency. Evaluation stops at the first match.
var rules = []rule{
	{
		id:     RuleCycleLimit,
		status: StatusUrgent,
		action: ActionCreateNewRecipe,
		match: func(in ruleInput) bool {
			return in.facts.Reference != nil && in.facts.DispensationCount >= in.maxCycles
		},
	},
	{
		id:     RuleExpiring,
		status: StatusUrgent,
		action: ActionCreateNewRecipe,
		match: func(in ruleInput) bool {
			return in.facts.Reference != nil && in.facts.DaysUntilDue < expiryHorizonDays
		},
	},
	{
		id:     RuleNoActiveRecipe,
		status: StatusUrgent,
		action: ActionCreateNewRecipe,
		match: func(in ruleInput) bool {
			return in.patient.IsChronic && in.facts.Reference == nil
		},
	},
	{
		id:     RulePreventiveWindow,
		status: StatusAttention,
		action: ActionCreateNewRecipe,
		match: func(in ruleInput) bool {
			d := in.facts.DaysUntilDue
			return in.facts.Reference != nil && d >= expiryHorizonDays && d <= preventiveHorizonDays
		},
	},
	{
		id:     RuleReprepareCycle,
		status: StatusAttention,
		action: ActionReprepareCycle,
		match: func(in ruleInput) bool {
			f := in.facts
			return f.Reference != nil &&
				f.DaysUntilDue > preventiveHorizonDays &&
				f.DispensationCount < in.maxCycles &&
				f.DaysSinceLastDispensation != nil &&
				*f.DaysSinceLastDispensation > reprepareAfterDays
		},
	},
	{
		id:     RuleUpToDate,
		status: StatusOK,
		action: ActionNone,
		match:  func(ruleInput) bool { return true },
	},
}

func firstMatch(in ruleInput) rule {
	for _, r := range rules {
		if r.match(in) {
			return r
		}
	}
	// unreachable: the last rule always matches
	return rules[len(rules)-1]
}
