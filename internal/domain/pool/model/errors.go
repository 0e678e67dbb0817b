// SPDX-License-Identifier: MIT

package model

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateExecution signals that the caller reused an execution ID.
	ErrDuplicateExecution = errors.New("execution id already exists")

	// ErrExecutionNotFound signals a lookup for an unknown execution.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrEntityNotFound signals a lookup for an unknown entity.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrStoreUnavailable signals that the directory store is unreachable or
	// failing at a non-application level.
	ErrStoreUnavailable = errors.New("directory store unavailable")

	// ErrInvalidRequirements signals a malformed role requirement map.
	ErrInvalidRequirements = errors.New("invalid role requirements")
)

// AcquisitionTimedOutError is returned when every attempt was short. It
// carries the last observed shortage so the caller can act on it.
type AcquisitionTimedOutError struct {
	ExecutionID string
	Attempts    int
	Role        string
	Required    int
	Available   int
}

func (e *AcquisitionTimedOutError) Error() string {
	return fmt.Sprintf("acquisition %s timed out after %d attempts: role %q required %d, available %d",
		e.ExecutionID, e.Attempts, e.Role, e.Required, e.Available)
}

// IsTimeout reports whether err is an acquisition timeout.
func IsTimeout(err error) bool {
	var t *AcquisitionTimedOutError
	return errors.As(err, &t)
}
