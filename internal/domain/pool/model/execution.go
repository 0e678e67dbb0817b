// SPDX-License-Identifier: MIT

package model

import (
	"fmt"
	"time"
)

// ExecutionStatus is the lifecycle of a test execution's lease.
type ExecutionStatus string

const (
	ExecutionAcquiring ExecutionStatus = "acquiring"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// CanTransition reports whether moving from s to next is a legal edge.
// Legal edges: acquiring→running, acquiring→failed, acquiring→completed
// (release racing an acquire), running→completed. Completed and failed are
// terminal.
func (s ExecutionStatus) CanTransition(next ExecutionStatus) bool {
	switch s {
	case ExecutionAcquiring:
		return next == ExecutionRunning || next == ExecutionFailed || next == ExecutionCompleted
	case ExecutionRunning:
		return next == ExecutionCompleted
	default:
		return false
	}
}

// Execution is a client-named unit of work holding zero or more leases.
type Execution struct {
	ID             string          `json:"id"`
	RequestedRoles map[string]int  `json:"requested_roles"`
	Status         ExecutionStatus `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	AcquiredAt     time.Time       `json:"acquired_at,omitzero"`
	CompletedAt    time.Time       `json:"completed_at,omitzero"`
}

// Transition moves the execution to next, stamping the matching timestamp.
func (e *Execution) Transition(next ExecutionStatus, now time.Time) error {
	if !e.Status.CanTransition(next) {
		return fmt.Errorf("execution %s: illegal transition %s -> %s", e.ID, e.Status, next)
	}
	switch next {
	case ExecutionRunning:
		e.AcquiredAt = now
	case ExecutionCompleted, ExecutionFailed:
		e.CompletedAt = now
	}
	e.Status = next
	return nil
}

// ValidateRequirements rejects empty requirement maps, empty roles and
// non-positive counts.
func ValidateRequirements(requirements map[string]int) error {
	if len(requirements) == 0 {
		return fmt.Errorf("%w: no roles requested", ErrInvalidRequirements)
	}
	for role, count := range requirements {
		if role == "" {
			return fmt.Errorf("%w: empty role name", ErrInvalidRequirements)
		}
		if count < 1 {
			return fmt.Errorf("%w: role %q requires count >= 1, got %d", ErrInvalidRequirements, role, count)
		}
	}
	return nil
}
