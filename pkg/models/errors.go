package models

import (
	"errors"
	"fmt"
)

// UntrainedError reports a score attempt against a model that has no
// trained profile. It is recoverable: the ensemble omits the model's
// score rather than failing the window.
type UntrainedError struct {
	Kind Kind
}

func (e *UntrainedError) Error() string {
	return fmt.Sprintf("model %s: no trained profile", e.Kind)
}

// ScoreError reports a model that could not score a window, for example
// a feature dimensionality mismatch or corrupt profile parameters.
type ScoreError struct {
	Kind   Kind
	Reason string
}

func (e *ScoreError) Error() string {
	return fmt.Sprintf("model %s: %s", e.Kind, e.Reason)
}

// IsUntrained reports whether err means the model had no profile.
func IsUntrained(err error) bool {
	var ue *UntrainedError
	return errors.As(err, &ue)
}

// paramsError standardizes corrupt-profile reporting.
func paramsError(kind Kind, err error) error {
	return &ScoreError{Kind: kind, Reason: "decode params: " + err.Error()}
}
