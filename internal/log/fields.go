// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldHost      = "host"
	FieldTransport = "transport"
	FieldInputKey  = "input_key"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldFunction  = "function"
	FieldAttempt   = "attempt"

	// State fields
	FieldOldState     = "old_state"
	FieldNewState     = "new_state"
	FieldConnectivity = "connectivity"
	FieldFailures     = "consecutive_failures"

	// Network fields
	FieldAddr  = "addr"
	FieldFrame = "frame"
)
