package proactive

import (
	"time"
	_ "time/tzdata" // zone rules travel with the binary

	"github.com/magistral/rxcycle/internal/domain/recipe"
)

// Config holds evaluator configuration.
type Config struct {
	// MaxCycles is the number of dispensations one recipe allows.
	MaxCycles int
	// Timezone is the IANA zone in which calendar days are counted.
	Timezone string
	// DefaultLocale is used when the patient has no supported locale.
	DefaultLocale string
}

// DefaultConfig returns the configuration used by the pharmacy today.
func DefaultConfig() Config {
	return Config{
		MaxCycles:     6,
		Timezone:      "UTC",
		DefaultLocale: "en",
	}
}

// Evaluator applies the proactive rules with a fixed configuration.
// It holds no mutable state and is safe for concurrent use.
type Evaluator struct {
	maxCycles     int
	loc           *time.Location
	defaultLocale string
}

// New validates cfg and returns an evaluator.
func New(cfg Config) (*Evaluator, error) {
	if cfg.MaxCycles <= 0 {
		return nil, &ConfigurationError{Field: "maxCycles", Reason: "must be a positive integer"}
	}
	tz := cfg.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, &ConfigurationError{Field: "timezone", Reason: err.Error()}
	}
	locale := cfg.DefaultLocale
	if locale == "" {
		locale = "en"
	}
	if !SupportedLocale(locale) {
		return nil, &ConfigurationError{Field: "defaultLocale", Reason: "no messages for " + locale}
	}
	return &Evaluator{maxCycles: cfg.MaxCycles, loc: loc, defaultLocale: locale}, nil
}

// MaxCycles returns the configured cycle limit.
func (e *Evaluator) MaxCycles() int { return e.maxCycles }

// Location returns the zone used for day arithmetic.
func (e *Evaluator) Location() *time.Location { return e.loc }

// Evaluate returns the proactive outcome for the patient as of currentDate.
func (e *Evaluator) Evaluate(patient recipe.Patient, recipes []recipe.Recipe, currentDate time.Time) (Outcome, error) {
	outcome, _, err := e.Explain(patient, recipes, currentDate)
	return outcome, err
}

// Explain is Evaluate plus the derived facts the decision was based on.
func (e *Evaluator) Explain(patient recipe.Patient, recipes []recipe.Recipe, currentDate time.Time) (Outcome, Facts, error) {
	facts, err := Assemble(recipes, currentDate, e.loc)
	if err != nil {
		return Outcome{}, Facts{}, err
	}

	r := firstMatch(ruleInput{patient: patient, facts: facts, maxCycles: e.maxCycles})
	return e.outcome(patient, r), facts, nil
}

// UpToDate is the outcome reported for patients outside the proactive
// program, such as non-chronic patients, without looking at their recipes.
func (e *Evaluator) UpToDate(patient recipe.Patient) Outcome {
	return e.outcome(patient, rules[len(rules)-1])
}

func (e *Evaluator) outcome(patient recipe.Patient, r rule) Outcome {
	locale := patient.Locale
	if !SupportedLocale(locale) {
		locale = e.defaultLocale
	}
	return Outcome{
		Status:  r.status,
		Action:  r.action,
		Message: message(locale, r.id, e.maxCycles),
		Rule:    r.id,
	}
}

// Evaluate runs the rules with maxCycles, UTC day counting and English
// messages unless the patient's locale is supported.
func Evaluate(patient recipe.Patient, recipes []recipe.Recipe, currentDate time.Time, maxCycles int) (Outcome, error) {
	cfg := DefaultConfig()
	cfg.MaxCycles = maxCycles
	e, err := New(cfg)
	if err != nil {
		return Outcome{}, err
	}
	return e.Evaluate(patient, recipes, currentDate)
}
