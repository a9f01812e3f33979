package domain

import "errors"

var (
	// ErrIncompleteInput is returned when a score is requested with no
	// component metrics present at all.
	ErrIncompleteInput = errors.New("incomplete input: no component scores provided")

	// ErrConfiguration is returned for invalid band tables, weights, or
	// monitoring thresholds. Band misconfiguration is fatal at startup.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrAlertExpired is returned when a lifecycle transition is attempted
	// on an alert past its expiry.
	ErrAlertExpired = errors.New("alert expired")

	// ErrVersionConflict is returned when a versioned profile commit loses
	// a compare-and-swap race. Callers treat it as a safe no-op and reload.
	ErrVersionConflict = errors.New("profile version conflict")
)
