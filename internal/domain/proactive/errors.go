package proactive

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed or missing data on the reference recipe.
	ErrValidation = errors.New("validation error")
	// ErrConfiguration marks an unusable evaluator configuration.
	ErrConfiguration = errors.New("configuration error")
)

// ValidationError describes a data-integrity problem in the evaluated input.
type ValidationError struct {
	RecipeID string
	Field    string
	Value    string
	Reason   string
}

func (e *ValidationError) Error() string {
	msg := e.Field + ": " + e.Reason
	if e.Value != "" {
		msg = fmt.Sprintf("%s %q: %s", e.Field, e.Value, e.Reason)
	}
	if e.RecipeID != "" {
		msg = "recipe " + e.RecipeID + ": " + msg
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ConfigurationError describes an invalid evaluator setting.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }
