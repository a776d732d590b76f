// Copyright (c) 2025 simkit
// Licensed under the PolyForm Noncommercial License 1.0.0

package orchestration

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/simkit/simbus/internal/wire"
)

func inline(fn func()) { fn() }

func st(name string, s wire.ParticipantState) wire.ParticipantStatus {
	return wire.ParticipantStatus{ParticipantName: name, State: s}
}

func TestSystemStateUnknownParticipantIsInvalid(t *testing.T) {
	m := NewMonitor("mon", inline)
	m.SetWorkflowConfiguration(wire.WorkflowConfiguration{RequiredParticipants: []string{"A", "B"}})

	m.OnParticipantStatus(st("A", wire.StateRunning))
	assert.Equal(t, SystemInvalid, m.State(), "required participant without status")

	m.OnParticipantStatus(st("B", wire.StateServicesCreated))
	assert.Equal(t, SystemServicesCreated, m.State(), "minimum by enumeration order")
}

func TestSystemStateMinimumRule(t *testing.T) {
	m := NewMonitor("mon", inline)
	m.SetWorkflowConfiguration(wire.WorkflowConfiguration{RequiredParticipants: []string{"A", "B", "C"}})

	m.OnParticipantStatus(st("A", wire.StateRunning))
	m.OnParticipantStatus(st("B", wire.StateRunning))
	m.OnParticipantStatus(st("C", wire.StateReadyToRun))
	assert.Equal(t, SystemReadyToRun, m.State())

	m.OnParticipantStatus(st("C", wire.StateRunning))
	assert.Equal(t, SystemRunning, m.State())
}

func TestErrorDominates(t *testing.T) {
	m := NewMonitor("mon", inline)
	m.SetWorkflowConfiguration(wire.WorkflowConfiguration{RequiredParticipants: []string{"A", "B", "C"}})

	var observed []SystemState
	m.AddSystemStateHandler(func(s SystemState) { observed = append(observed, s) })

	m.OnParticipantStatus(st("A", wire.StateRunning))
	m.OnParticipantStatus(st("B", wire.StateRunning))
	m.OnParticipantStatus(st("C", wire.StateRunning))
	assert.Equal(t, SystemRunning, m.State())

	m.OnParticipantStatus(st("B", wire.StateError))
	assert.Equal(t, SystemError, m.State())
	assert.Contains(t, observed, SystemError)
}

func TestAbortingDominatesAllButError(t *testing.T) {
	m := NewMonitor("mon", inline)
	m.SetWorkflowConfiguration(wire.WorkflowConfiguration{RequiredParticipants: []string{"A", "B"}})

	m.OnParticipantStatus(st("A", wire.StateAborting))
	m.OnParticipantStatus(st("B", wire.StateRunning))
	assert.Equal(t, SystemAborting, m.State())

	m.OnParticipantStatus(st("B", wire.StateError))
	assert.Equal(t, SystemError, m.State())
}

func TestHandlersInRegistrationOrder(t *testing.T) {
	m := NewMonitor("mon", inline)
	m.SetWorkflowConfiguration(wire.WorkflowConfiguration{RequiredParticipants: []string{"A"}})

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		m.AddSystemStateHandler(func(SystemState) { order = append(order, i) })
	}
	m.OnParticipantStatus(st("A", wire.StateRunning))
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestLateJoinerAcceptedSilently(t *testing.T) {
	m := NewMonitor("mon", inline)
	m.SetWorkflowConfiguration(wire.WorkflowConfiguration{RequiredParticipants: []string{"A"}})
	m.OnParticipantStatus(st("A", wire.StateRunning))
	assert.Equal(t, SystemRunning, m.State())

	// An unrequired participant must not affect the aggregate.
	m.OnParticipantStatus(st("Visitor", wire.StateServicesCreated))
	assert.Equal(t, SystemRunning, m.State())
}

func TestRequiredParticipantLeaving(t *testing.T) {
	m := NewMonitor("mon", inline)
	m.SetWorkflowConfiguration(wire.WorkflowConfiguration{RequiredParticipants: []string{"A", "B"}})
	m.OnParticipantStatus(st("A", wire.StateRunning))
	m.OnParticipantStatus(st("B", wire.StateRunning))
	assert.Equal(t, SystemRunning, m.State())

	m.OnParticipantLeft("B")
	assert.Equal(t, SystemInvalid, m.State(), "missing required participant")
}

func TestStatusHandlerSeesEveryStatus(t *testing.T) {
	m := NewMonitor("mon", inline)
	var names []string
	m.AddParticipantStatusHandler(func(s wire.ParticipantStatus) { names = append(names, s.ParticipantName) })
	m.OnParticipantStatus(st("A", wire.StateRunning))
	m.OnParticipantStatus(st("B", wire.StateRunning))
	assert.Equal(t, []string{"A", "B"}, names)
}
