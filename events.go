// Copyright (c) 2025 simkit
// Licensed under the PolyForm Noncommercial License 1.0.0

package simbus

import (
	"time"

	"github.com/simkit/simbus/internal/orchestration"
	"github.com/simkit/simbus/internal/wire"
)

// ParticipantState is the lifecycle state of one participant.
type ParticipantState uint8

// Lifecycle states in canonical transition order.
const (
	StateInvalid                   = ParticipantState(wire.StateInvalid)
	StateServicesCreated           = ParticipantState(wire.StateServicesCreated)
	StateCommunicationInitializing = ParticipantState(wire.StateCommunicationInitializing)
	StateCommunicationInitialized  = ParticipantState(wire.StateCommunicationInitialized)
	StateReadyToRun                = ParticipantState(wire.StateReadyToRun)
	StateRunning                   = ParticipantState(wire.StateRunning)
	StatePaused                    = ParticipantState(wire.StatePaused)
	StateStopping                  = ParticipantState(wire.StateStopping)
	StateStopped                   = ParticipantState(wire.StateStopped)
	StateShuttingDown              = ParticipantState(wire.StateShuttingDown)
	StateShutdown                  = ParticipantState(wire.StateShutdown)
	StateError                     = ParticipantState(wire.StateError)
	StateAborting                  = ParticipantState(wire.StateAborting)
)

func (s ParticipantState) String() string { return wire.ParticipantState(s).String() }

// SystemState is the aggregate over all required participants.
type SystemState uint8

const (
	SystemStateInvalid  = SystemState(orchestration.SystemInvalid)
	SystemStateRunning  = SystemState(orchestration.SystemRunning)
	SystemStateStopped  = SystemState(orchestration.SystemStopped)
	SystemStateError    = SystemState(orchestration.SystemError)
	SystemStateAborting = SystemState(orchestration.SystemAborting)
	SystemStateShutdown = SystemState(orchestration.SystemShutdown)
)

func (s SystemState) String() string { return orchestration.SystemState(s).String() }

// ParticipantStatus describes one lifecycle transition as observed on the bus.
type ParticipantStatus struct {
	ParticipantName string
	State           ParticipantState
	EnterReason     string
	EnterTime       time.Time
	RefreshTime     time.Time
}

// TransmitStatus reports the outcome of a bus frame transmission.
type TransmitStatus uint8

const (
	TransmitStatusTransmitted = TransmitStatus(wire.TxTransmitted)
	TransmitStatusCanceled    = TransmitStatus(wire.TxCanceled)
	TransmitStatusQueueFull   = TransmitStatus(wire.TxTransmitQueueFull)
)

// RpcStatus reports the outcome of an RPC call.
type RpcStatus uint8

const (
	RpcStatusSuccess            = RpcStatus(wire.RpcSuccess)
	RpcStatusServerNotReachable = RpcStatus(wire.RpcServerNotReachable)
	RpcStatusUndefinedError     = RpcStatus(wire.RpcUndefinedError)
)

// DataEvent is one received publication.
type DataEvent struct {
	Timestamp time.Duration // virtual time of the publisher
	Publisher string        // participant name
	Data      []byte
}

// FrameEvent is one received bus frame.
type FrameEvent struct {
	Timestamp time.Duration
	Sender    string
	Payload   []byte
	Flags     uint32
}

// FrameTransmitEvent acknowledges a local transmission.
type FrameTransmitEvent struct {
	Timestamp time.Duration
	Status    TransmitStatus
}

// RpcCallEvent is one inbound call on an RPC server.
type RpcCallEvent struct {
	Timestamp time.Duration
	Caller    string
	Data      []byte
}

// RpcCallResultEvent is the completion of one client call.
type RpcCallResultEvent struct {
	Timestamp time.Duration
	Status    RpcStatus
	Data      []byte
}

// DataHandler consumes publications on a subscribed topic.
type DataHandler func(DataEvent)

// FrameHandler consumes received bus frames.
type FrameHandler func(FrameEvent)

// FrameTransmitHandler consumes transmit acknowledgments.
type FrameTransmitHandler func(FrameTransmitEvent)

// RpcHandler serves one inbound call and returns the result payload.
type RpcHandler func(RpcCallEvent) []byte

// RpcResultHandler consumes call completions on an RPC client.
type RpcResultHandler func(RpcCallResultEvent)
