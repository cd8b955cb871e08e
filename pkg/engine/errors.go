package engine

import "errors"

var (
	// ErrCalibrationIncomplete means the session has not yet gathered
	// the minimum calibration time or window count.
	ErrCalibrationIncomplete = errors.New("calibration incomplete")

	// ErrInsufficientModalityData means one modality never reached the
	// minimum calibration coverage. The profile trains on the
	// remaining modality; callers treat this as a degraded result,
	// not a failure.
	ErrInsufficientModalityData = errors.New("insufficient data for modality")

	// ErrProfileLockTimeout means a reader could not acquire the
	// profile arena within the configured timeout. The window is
	// scored against the prior profile snapshot, never skipped.
	ErrProfileLockTimeout = errors.New("profile lock acquisition timed out")

	// ErrModelLoad means a stored profile could not be loaded or
	// decoded. Sessions re-enter calibration instead of trusting
	// silently.
	ErrModelLoad = errors.New("model profile load failed")

	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already open")
	ErrSessionClosed   = errors.New("session closed")
	ErrNoDecision      = errors.New("no decision recorded yet")
)
