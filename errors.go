// Copyright (c) 2025 simkit
// Licensed under the PolyForm Noncommercial License 1.0.0

package simbus

import (
	"errors"

	"github.com/simkit/simbus/internal/config"
	"github.com/simkit/simbus/internal/link"
	"github.com/simkit/simbus/internal/orchestration"
)

var (
	// ErrInvalidName rejects controller creation with an empty name.
	ErrInvalidName = errors.New("simbus: controller name must not be empty")
	// ErrDuplicateService rejects a second controller of a different kind
	// under an existing (network, name) key.
	ErrDuplicateService = errors.New("simbus: service already exists with a different definition")
	// ErrLifecycleNotStarted marks lifecycle operations before StartLifecycle.
	ErrLifecycleNotStarted = errors.New("simbus: lifecycle not started")
	// ErrLifecycleStarted rejects configuration changes after StartLifecycle.
	ErrLifecycleStarted = errors.New("simbus: lifecycle already started")
	// ErrNotSynchronized marks time-sync operations on an unsynchronized
	// participant.
	ErrNotSynchronized = errors.New("simbus: participant has no simulation step handler")

	// ErrConfiguration is surfaced for malformed configuration documents.
	ErrConfiguration = config.ErrConfiguration
	// ErrRegistryUnreachable is surfaced from NewParticipant when the
	// registry cannot be reached.
	ErrRegistryUnreachable = link.ErrRegistryUnreachable
	// ErrInvalidTransition reports lifecycle misuse; the state machine moves
	// to Error instead of panicking.
	ErrInvalidTransition = orchestration.ErrInvalidTransition
	// ErrEmptyPauseReason rejects Pause without a reason string.
	ErrEmptyPauseReason = orchestration.ErrEmptyReason
)
