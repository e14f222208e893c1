package domain

import (
	"errors"
	"fmt"
)

// Error families. Specific errors below wrap one of these so callers can
// branch with errors.Is on either the family or the specific case.
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrInvalidState      = errors.New("invalid state")
	ErrAlreadyInProgress = errors.New("already in progress")
	ErrConflict          = errors.New("conflict")
)

var (
	ErrInvalidPeriod      = fmt.Errorf("%w: invalid billing period", ErrValidation)
	ErrBatchNotFound      = fmt.Errorf("%w: billing batch", ErrNotFound)
	ErrJobNotFound        = fmt.Errorf("%w: job", ErrNotFound)
	ErrJobAlreadyRunning  = fmt.Errorf("%w: job is already running", ErrAlreadyInProgress)
	ErrBatchAlreadyExists = fmt.Errorf("%w: payment batch already exists for month", ErrAlreadyInProgress)
	ErrPolicyBlocked      = fmt.Errorf("%w: blocked by force-deadline policy", ErrInvalidState)
)
