// Copyright (c) 2025 simkit
// Licensed under the PolyForm Noncommercial License 1.0.0

package wire

// Kind is the one-byte message discriminator carried in every frame.
type Kind uint8

const (
	KindInvalid                      Kind = 0
	KindParticipantAnnouncement      Kind = 1
	KindParticipantAnnouncementReply Kind = 2
	KindKnownParticipants            Kind = 3
	KindHeartbeat                    Kind = 4
	KindServiceAnnouncement          Kind = 5
	KindServiceDiscoveryEvent        Kind = 6
	KindParticipantStatus            Kind = 7
	KindParticipantCommand           Kind = 8
	KindSystemCommand                Kind = 9
	KindWorkflowConfiguration        Kind = 10
	KindNextSimTask                  Kind = 11
	KindDataMessage                  Kind = 12
	KindRpcCall                      Kind = 13
	KindRpcCallReturn                Kind = 14
	KindBusFrame                     Kind = 15
	KindBusFrameAck                  Kind = 16
	KindLogRecord                    Kind = 17
	KindTargetedEnvelope             Kind = 18
)

func (k Kind) String() string {
	switch k {
	case KindParticipantAnnouncement:
		return "ParticipantAnnouncement"
	case KindParticipantAnnouncementReply:
		return "ParticipantAnnouncementReply"
	case KindKnownParticipants:
		return "KnownParticipants"
	case KindHeartbeat:
		return "Heartbeat"
	case KindServiceAnnouncement:
		return "ServiceAnnouncement"
	case KindServiceDiscoveryEvent:
		return "ServiceDiscoveryEvent"
	case KindParticipantStatus:
		return "ParticipantStatus"
	case KindParticipantCommand:
		return "ParticipantCommand"
	case KindSystemCommand:
		return "SystemCommand"
	case KindWorkflowConfiguration:
		return "WorkflowConfiguration"
	case KindNextSimTask:
		return "NextSimTask"
	case KindDataMessage:
		return "DataMessage"
	case KindRpcCall:
		return "RpcCall"
	case KindRpcCallReturn:
		return "RpcCallReturn"
	case KindBusFrame:
		return "BusFrame"
	case KindBusFrameAck:
		return "BusFrameAck"
	case KindLogRecord:
		return "LogRecord"
	case KindTargetedEnvelope:
		return "TargetedEnvelope"
	default:
		return "Invalid"
	}
}

// linkScoped reports whether the kind belongs to the handshake layer and
// therefore carries no sender endpoint address on the wire.
func (k Kind) linkScoped() bool {
	return k >= KindParticipantAnnouncement && k <= KindHeartbeat
}
