// Copyright (c) 2025 simkit
// Licensed under the PolyForm Noncommercial License 1.0.0

package wire

import "time"

// Message is the discriminated union over all wire-level kinds. The codec
// dispatches on MessageKind; there is exactly one send path for all of them.
type Message interface {
	MessageKind() Kind
}

// Envelope pairs a message with the endpoint address of its sender. Handshake
// kinds are link-scoped and travel with a zero address.
type Envelope struct {
	From EndpointAddress
	Msg  Message
}

// ProtocolVersion is exchanged during the announcement handshake.
type ProtocolVersion struct {
	Major uint16
	Minor uint16
}

// CurrentProtocol is the protocol version this runtime speaks.
var CurrentProtocol = ProtocolVersion{Major: 3, Minor: 1}

// TCPEndpoint is one address a participant accepts peer connections on.
type TCPEndpoint struct {
	Host string
	Port uint16
}

// PeerInfo describes one participant as advertised by the registry.
type PeerInfo struct {
	Name           string
	ID             ParticipantID
	TCPEndpoints   []TCPEndpoint
	LocalEndpoints []string
}

// ParticipantAnnouncement opens every connection, to the registry and to
// peers alike.
type ParticipantAnnouncement struct {
	Name           string
	ID             ParticipantID
	Version        ProtocolVersion
	TCPEndpoints   []TCPEndpoint
	LocalEndpoints []string
}

func (ParticipantAnnouncement) MessageKind() Kind { return KindParticipantAnnouncement }

// ParticipantAnnouncementReply accepts or rejects an announcement. A
// non-accepted reply closes the link.
type ParticipantAnnouncementReply struct {
	Accepted bool
	Reason   *string
}

func (ParticipantAnnouncementReply) MessageKind() Kind { return KindParticipantAnnouncementReply }

// KnownParticipants is pushed by the registry on join and on every change.
type KnownParticipants struct {
	Participants []PeerInfo
}

func (KnownParticipants) MessageKind() Kind { return KindKnownParticipants }

// Heartbeat keeps an otherwise idle link alive.
type Heartbeat struct{}

func (Heartbeat) MessageKind() Kind { return KindHeartbeat }

// ServiceAnnouncement replays the sender's full current service set right
// after a handshake completes.
type ServiceAnnouncement struct {
	Services []ServiceDescriptor
}

func (ServiceAnnouncement) MessageKind() Kind { return KindServiceAnnouncement }

// DiscoveryEventType discriminates service lifetime events.
type DiscoveryEventType uint8

const (
	ServiceCreated DiscoveryEventType = 0
	ServiceRemoved DiscoveryEventType = 1
)

func (t DiscoveryEventType) String() string {
	if t == ServiceRemoved {
		return "Removed"
	}
	return "Created"
}

// ServiceDiscoveryEvent announces a single service creation or removal.
type ServiceDiscoveryEvent struct {
	Type    DiscoveryEventType
	Service ServiceDescriptor
}

func (ServiceDiscoveryEvent) MessageKind() Kind { return KindServiceDiscoveryEvent }

// ParticipantState is the ordered lifecycle enumeration. The wire carries the
// raw value; ordering comparisons rely on the numeric order below.
type ParticipantState uint8

const (
	StateInvalid ParticipantState = iota
	StateServicesCreated
	StateCommunicationInitializing
	StateCommunicationInitialized
	StateReadyToRun
	StateRunning
	StatePaused
	StateStopping
	StateStopped
	StateShuttingDown
	StateShutdown
	StateError
	StateAborting
)

func (s ParticipantState) String() string {
	switch s {
	case StateServicesCreated:
		return "ServicesCreated"
	case StateCommunicationInitializing:
		return "CommunicationInitializing"
	case StateCommunicationInitialized:
		return "CommunicationInitialized"
	case StateReadyToRun:
		return "ReadyToRun"
	case StateRunning:
		return "Running"
	case StatePaused:
		return "Paused"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	case StateShuttingDown:
		return "ShuttingDown"
	case StateShutdown:
		return "Shutdown"
	case StateError:
		return "Error"
	case StateAborting:
		return "Aborting"
	default:
		return "Invalid"
	}
}

// ParticipantStatus is emitted on every lifecycle transition, before user
// hooks run. Times are wall-clock unix nanoseconds.
type ParticipantStatus struct {
	ParticipantName string
	State           ParticipantState
	EnterReason     string
	EnterTime       int64
	RefreshTime     int64
}

func (ParticipantStatus) MessageKind() Kind { return KindParticipantStatus }

// ParticipantCommandKind enumerates targeted participant commands.
type ParticipantCommandKind uint8

const (
	ParticipantInitialize ParticipantCommandKind = 0
	ParticipantRestart    ParticipantCommandKind = 1
	ParticipantShutdown   ParticipantCommandKind = 2
)

// ParticipantCommand targets a single participant by wire id.
type ParticipantCommand struct {
	TargetID ParticipantID
	Kind     ParticipantCommandKind
}

func (ParticipantCommand) MessageKind() Kind { return KindParticipantCommand }

// SystemCommandKind enumerates system-wide commands.
type SystemCommandKind uint8

const (
	SystemRun             SystemCommandKind = 0
	SystemStop            SystemCommandKind = 1
	SystemShutdown        SystemCommandKind = 2
	SystemAbortSimulation SystemCommandKind = 3
)

func (k SystemCommandKind) String() string {
	switch k {
	case SystemRun:
		return "Run"
	case SystemStop:
		return "Stop"
	case SystemShutdown:
		return "Shutdown"
	case SystemAbortSimulation:
		return "AbortSimulation"
	default:
		return "Unknown"
	}
}

// SystemCommand is broadcast by a system controller.
type SystemCommand struct {
	Kind SystemCommandKind
}

func (SystemCommand) MessageKind() Kind { return KindSystemCommand }

// WorkflowConfiguration names the participants the system state is derived
// from.
type WorkflowConfiguration struct {
	RequiredParticipants []string
}

func (WorkflowConfiguration) MessageKind() Kind { return KindWorkflowConfiguration }

// NextSimTask advances the virtual-time barrier. TimePoint is the sender's
// next activation time, Duration its step, both in virtual nanoseconds.
type NextSimTask struct {
	TimePoint time.Duration
	Duration  time.Duration
}

func (NextSimTask) MessageKind() Kind { return KindNextSimTask }

// DataMessage is one publish on a pub/sub topic.
type DataMessage struct {
	Timestamp time.Duration
	Topic     string
	MediaType string
	Payload   []byte
}

func (DataMessage) MessageKind() Kind { return KindDataMessage }

// RpcStatus reports the outcome of an RPC call.
type RpcStatus uint8

const (
	RpcSuccess            RpcStatus = 0
	RpcServerNotReachable RpcStatus = 1
	RpcUndefinedError     RpcStatus = 2
)

// RpcCall carries one request to matching RPC servers.
type RpcCall struct {
	Timestamp time.Duration
	CallUUID  [16]byte
	Function  string
	Payload   []byte
}

func (RpcCall) MessageKind() Kind { return KindRpcCall }

// RpcCallReturn is the targeted response to an RpcCall.
type RpcCallReturn struct {
	Timestamp time.Duration
	CallUUID  [16]byte
	Status    RpcStatus
	Payload   []byte
}

func (RpcCallReturn) MessageKind() Kind { return KindRpcCallReturn }

// TransmitStatus reports the outcome of a bus frame transmission.
type TransmitStatus uint8

const (
	TxTransmitted       TransmitStatus = 0
	TxCanceled          TransmitStatus = 1
	TxTransmitQueueFull TransmitStatus = 2
)

// BusFrame carries one serialized controller payload on a virtual bus. The
// core does not interpret the payload; frame semantics belong to the
// controller implementations.
type BusFrame struct {
	NetworkType NetworkType
	Timestamp   time.Duration
	Flags       uint32
	Payload     []byte
}

func (BusFrame) MessageKind() Kind { return KindBusFrame }

// BusFrameAck confirms a transmission back to the sending controller.
type BusFrameAck struct {
	NetworkType NetworkType
	Timestamp   time.Duration
	Status      TransmitStatus
	UserContext uint64
}

func (BusFrameAck) MessageKind() Kind { return KindBusFrameAck }

// LogRecord forwards one log entry to remote participants.
type LogRecord struct {
	Level      uint8
	Timestamp  int64
	LoggerName string
	Message    string
}

func (LogRecord) MessageKind() Kind { return KindLogRecord }

// Targeted wraps a message destined for exactly one participant.
type Targeted struct {
	Target string
	Msg    Message
}

func (Targeted) MessageKind() Kind { return KindTargetedEnvelope }
