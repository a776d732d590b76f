// Copyright (c) 2025 simkit
// Licensed under the PolyForm Noncommercial License 1.0.0

package orchestration

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/simkit/simbus/internal/log"
	"github.com/simkit/simbus/internal/wire"
)

// SystemState is the aggregate over all required participants' states.
type SystemState uint8

const (
	SystemInvalid SystemState = iota
	SystemServicesCreated
	SystemCommunicationInitializing
	SystemCommunicationInitialized
	SystemReadyToRun
	SystemRunning
	SystemPaused
	SystemStopping
	SystemStopped
	SystemShuttingDown
	SystemShutdown
	SystemError
	SystemAborting
)

func (s SystemState) String() string {
	// The bucket names mirror the participant states they are derived from.
	return wire.ParticipantState(s).String()
}

// Monitor folds every ParticipantStatus into the single system state.
// Handlers run on the dispatch goroutine in registration order.
type Monitor struct {
	mu             sync.Mutex
	required       []string
	statuses       map[string]wire.ParticipantStatus
	state          SystemState
	stateHandlers  []func(SystemState)
	statusHandlers []func(wire.ParticipantStatus)

	dispatch func(func())
	logger   zerolog.Logger
}

// NewMonitor creates a monitor; dispatch schedules handler invocation.
func NewMonitor(participantName string, dispatch func(func())) *Monitor {
	return &Monitor{
		statuses: make(map[string]wire.ParticipantStatus),
		state:    SystemInvalid,
		dispatch: dispatch,
		logger: log.WithComponent("sysmon").With().
			Str(log.FieldParticipant, participantName).Logger(),
	}
}

// AddSystemStateHandler observes aggregate transitions.
func (m *Monitor) AddSystemStateHandler(fn func(SystemState)) {
	m.mu.Lock()
	m.stateHandlers = append(m.stateHandlers, fn)
	m.mu.Unlock()
}

// AddParticipantStatusHandler observes every individual status message.
func (m *Monitor) AddParticipantStatusHandler(fn func(wire.ParticipantStatus)) {
	m.mu.Lock()
	m.statusHandlers = append(m.statusHandlers, fn)
	m.mu.Unlock()
}

// SetWorkflowConfiguration installs the required-participant list.
// Participants joining afterwards are accepted silently.
func (m *Monitor) SetWorkflowConfiguration(wc wire.WorkflowConfiguration) {
	m.mu.Lock()
	m.required = append([]string(nil), wc.RequiredParticipants...)
	m.mu.Unlock()
	m.recompute()
}

// OnParticipantStatus ingests one status message.
func (m *Monitor) OnParticipantStatus(st wire.ParticipantStatus) {
	m.mu.Lock()
	m.statuses[st.ParticipantName] = st
	handlers := append([]func(wire.ParticipantStatus){}, m.statusHandlers...)
	m.mu.Unlock()

	for _, fn := range handlers {
		fn := fn
		m.dispatch(func() { fn(st) })
	}
	m.recompute()
}

// OnParticipantLeft forgets a departed participant. A required participant
// leaving drops the system state back accordingly.
func (m *Monitor) OnParticipantLeft(name string) {
	m.mu.Lock()
	delete(m.statuses, name)
	m.mu.Unlock()
	m.recompute()
}

// State returns the current aggregate.
func (m *Monitor) State() SystemState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// StatusOf returns the last status of one participant.
func (m *Monitor) StatusOf(name string) (wire.ParticipantStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statuses[name]
	return st, ok
}

// recompute applies the aggregation rule: unknown wins, then Error, then
// Aborting, then minimum by enumeration order.
func (m *Monitor) recompute() {
	m.mu.Lock()
	next := m.aggregateLocked()
	if next == m.state {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = next
	handlers := append([]func(SystemState){}, m.stateHandlers...)
	m.mu.Unlock()

	m.logger.Info().
		Str(log.FieldEvent, "sysmon.state_changed").
		Str(log.FieldOldState, prev.String()).
		Str(log.FieldNewState, next.String()).
		Msg("system state changed")
	for _, fn := range handlers {
		fn := fn
		m.dispatch(func() { fn(next) })
	}
}

func (m *Monitor) aggregateLocked() SystemState {
	if len(m.required) == 0 {
		return SystemInvalid
	}
	sawError := false
	sawAborting := false
	min := wire.ParticipantState(255)
	for _, name := range m.required {
		st, ok := m.statuses[name]
		if !ok {
			return SystemInvalid
		}
		switch st.State {
		case wire.StateError:
			sawError = true
		case wire.StateAborting:
			sawAborting = true
		default:
			if st.State < min {
				min = st.State
			}
		}
	}
	if sawError {
		return SystemError
	}
	if sawAborting {
		return SystemAborting
	}
	if min == 255 {
		return SystemInvalid
	}
	return SystemState(min)
}
