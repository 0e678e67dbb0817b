// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID   = "request_id"
	FieldExecutionID = "execution_id"
	FieldEntityID    = "entity_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldAttempt   = "attempt"
	FieldRole      = "role"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Store fields
	FieldBackend = "backend"
	FieldPath    = "path"
)
