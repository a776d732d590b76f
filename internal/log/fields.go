// Copyright (c) 2025 simkit
// Licensed under the PolyForm Noncommercial License 1.0.0

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldParticipant = "participant"
	FieldPeer        = "peer"
	FieldService     = "service_name"
	FieldServiceID   = "service_id"
	FieldNetwork     = "network"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldReason   = "reason"

	// Wire fields
	FieldKind     = "kind"
	FieldEndpoint = "endpoint"

	// Time fields
	FieldVirtualTime = "virtual_time_ns"
	FieldDuration    = "duration_ns"
)
