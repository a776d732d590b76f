// Copyright (c) 2025 simkit
// Licensed under the PolyForm Noncommercial License 1.0.0

package wire

import "fmt"

// EncodeBody appends the body of msg (without kind byte or frame length) to b.
func EncodeBody(b *Buffer, msg Message) error {
	switch m := msg.(type) {
	case ParticipantAnnouncement:
		encodeAnnouncement(b, m)
	case ParticipantAnnouncementReply:
		b.WriteBool(m.Accepted)
		b.WriteOptionalString(m.Reason)
	case KnownParticipants:
		b.WriteUint32(uint32(len(m.Participants)))
		for _, p := range m.Participants {
			encodePeerInfo(b, p)
		}
	case Heartbeat:
		// empty body
	case ServiceAnnouncement:
		b.WriteUint32(uint32(len(m.Services)))
		for _, d := range m.Services {
			b.WriteDescriptor(d)
		}
	case ServiceDiscoveryEvent:
		b.WriteUint8(uint8(m.Type))
		b.WriteDescriptor(m.Service)
	case ParticipantStatus:
		b.WriteString(m.ParticipantName)
		b.WriteUint8(uint8(m.State))
		b.WriteString(m.EnterReason)
		b.WriteInt64(m.EnterTime)
		b.WriteInt64(m.RefreshTime)
	case ParticipantCommand:
		b.WriteUint64(uint64(m.TargetID))
		b.WriteUint8(uint8(m.Kind))
	case SystemCommand:
		b.WriteUint8(uint8(m.Kind))
	case WorkflowConfiguration:
		b.WriteStringSlice(m.RequiredParticipants)
	case NextSimTask:
		b.WriteDuration(m.TimePoint)
		b.WriteDuration(m.Duration)
	case DataMessage:
		b.WriteDuration(m.Timestamp)
		b.WriteString(m.Topic)
		b.WriteString(m.MediaType)
		b.WriteBytes(m.Payload)
	case RpcCall:
		b.WriteDuration(m.Timestamp)
		writeUUID(b, m.CallUUID)
		b.WriteString(m.Function)
		b.WriteBytes(m.Payload)
	case RpcCallReturn:
		b.WriteDuration(m.Timestamp)
		writeUUID(b, m.CallUUID)
		b.WriteUint8(uint8(m.Status))
		b.WriteBytes(m.Payload)
	case BusFrame:
		b.WriteUint8(uint8(m.NetworkType))
		b.WriteDuration(m.Timestamp)
		b.WriteUint32(m.Flags)
		b.WriteBytes(m.Payload)
	case BusFrameAck:
		b.WriteUint8(uint8(m.NetworkType))
		b.WriteDuration(m.Timestamp)
		b.WriteUint8(uint8(m.Status))
		b.WriteUint64(m.UserContext)
	case LogRecord:
		b.WriteUint8(m.Level)
		b.WriteInt64(m.Timestamp)
		b.WriteString(m.LoggerName)
		b.WriteString(m.Message)
	case Targeted:
		b.WriteString(m.Target)
		b.WriteUint8(uint8(m.Msg.MessageKind()))
		if err := EncodeBody(b, m.Msg); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %T", ErrUnknownKind, msg)
	}
	return b.Err()
}

// DecodeBody parses the body of one message of the given kind from b.
func DecodeBody(b *Buffer, kind Kind) (Message, error) {
	var msg Message
	switch kind {
	case KindParticipantAnnouncement:
		msg = decodeAnnouncement(b)
	case KindParticipantAnnouncementReply:
		msg = ParticipantAnnouncementReply{
			Accepted: b.ReadBool(),
			Reason:   b.ReadOptionalString(),
		}
	case KindKnownParticipants:
		n := b.ReadUint32()
		m := KnownParticipants{}
		for i := uint32(0); i < n && b.Err() == nil; i++ {
			m.Participants = append(m.Participants, decodePeerInfo(b))
		}
		msg = m
	case KindHeartbeat:
		msg = Heartbeat{}
	case KindServiceAnnouncement:
		n := b.ReadUint32()
		m := ServiceAnnouncement{}
		for i := uint32(0); i < n && b.Err() == nil; i++ {
			m.Services = append(m.Services, b.ReadDescriptor())
		}
		msg = m
	case KindServiceDiscoveryEvent:
		msg = ServiceDiscoveryEvent{
			Type:    DiscoveryEventType(b.ReadUint8()),
			Service: b.ReadDescriptor(),
		}
	case KindParticipantStatus:
		msg = ParticipantStatus{
			ParticipantName: b.ReadString(),
			State:           ParticipantState(b.ReadUint8()),
			EnterReason:     b.ReadString(),
			EnterTime:       b.ReadInt64(),
			RefreshTime:     b.ReadInt64(),
		}
	case KindParticipantCommand:
		msg = ParticipantCommand{
			TargetID: ParticipantID(b.ReadUint64()),
			Kind:     ParticipantCommandKind(b.ReadUint8()),
		}
	case KindSystemCommand:
		msg = SystemCommand{Kind: SystemCommandKind(b.ReadUint8())}
	case KindWorkflowConfiguration:
		msg = WorkflowConfiguration{RequiredParticipants: b.ReadStringSlice()}
	case KindNextSimTask:
		msg = NextSimTask{
			TimePoint: b.ReadDuration(),
			Duration:  b.ReadDuration(),
		}
	case KindDataMessage:
		msg = DataMessage{
			Timestamp: b.ReadDuration(),
			Topic:     b.ReadString(),
			MediaType: b.ReadString(),
			Payload:   b.ReadBytes(),
		}
	case KindRpcCall:
		msg = RpcCall{
			Timestamp: b.ReadDuration(),
			CallUUID:  readUUID(b),
			Function:  b.ReadString(),
			Payload:   b.ReadBytes(),
		}
	case KindRpcCallReturn:
		msg = RpcCallReturn{
			Timestamp: b.ReadDuration(),
			CallUUID:  readUUID(b),
			Status:    RpcStatus(b.ReadUint8()),
			Payload:   b.ReadBytes(),
		}
	case KindBusFrame:
		msg = BusFrame{
			NetworkType: NetworkType(b.ReadUint8()),
			Timestamp:   b.ReadDuration(),
			Flags:       b.ReadUint32(),
			Payload:     b.ReadBytes(),
		}
	case KindBusFrameAck:
		msg = BusFrameAck{
			NetworkType: NetworkType(b.ReadUint8()),
			Timestamp:   b.ReadDuration(),
			Status:      TransmitStatus(b.ReadUint8()),
			UserContext: b.ReadUint64(),
		}
	case KindLogRecord:
		msg = LogRecord{
			Level:      b.ReadUint8(),
			Timestamp:  b.ReadInt64(),
			LoggerName: b.ReadString(),
			Message:    b.ReadString(),
		}
	case KindTargetedEnvelope:
		target := b.ReadString()
		innerKind := Kind(b.ReadUint8())
		if b.Err() != nil {
			return nil, b.Err()
		}
		inner, err := DecodeBody(b, innerKind)
		if err != nil {
			return nil, err
		}
		msg = Targeted{Target: target, Msg: inner}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
	if err := b.Err(); err != nil {
		return nil, err
	}
	return msg, nil
}

func encodeAnnouncement(b *Buffer, m ParticipantAnnouncement) {
	b.WriteString(m.Name)
	b.WriteUint64(uint64(m.ID))
	b.WriteUint16(m.Version.Major)
	b.WriteUint16(m.Version.Minor)
	writeTCPEndpoints(b, m.TCPEndpoints)
	b.WriteStringSlice(m.LocalEndpoints)
}

func decodeAnnouncement(b *Buffer) ParticipantAnnouncement {
	var m ParticipantAnnouncement
	m.Name = b.ReadString()
	m.ID = ParticipantID(b.ReadUint64())
	m.Version.Major = b.ReadUint16()
	m.Version.Minor = b.ReadUint16()
	m.TCPEndpoints = readTCPEndpoints(b)
	m.LocalEndpoints = b.ReadStringSlice()
	return m
}

func encodePeerInfo(b *Buffer, p PeerInfo) {
	b.WriteString(p.Name)
	b.WriteUint64(uint64(p.ID))
	writeTCPEndpoints(b, p.TCPEndpoints)
	b.WriteStringSlice(p.LocalEndpoints)
}

func decodePeerInfo(b *Buffer) PeerInfo {
	var p PeerInfo
	p.Name = b.ReadString()
	p.ID = ParticipantID(b.ReadUint64())
	p.TCPEndpoints = readTCPEndpoints(b)
	p.LocalEndpoints = b.ReadStringSlice()
	return p
}

func writeTCPEndpoints(b *Buffer, eps []TCPEndpoint) {
	b.WriteUint32(uint32(len(eps)))
	for _, ep := range eps {
		b.WriteString(ep.Host)
		b.WriteUint16(ep.Port)
	}
}

func readTCPEndpoints(b *Buffer) []TCPEndpoint {
	n := b.ReadUint32()
	if b.Err() != nil || n == 0 {
		return nil
	}
	if int(n) > b.Remaining()/6+1 {
		b.fail()
		return nil
	}
	out := make([]TCPEndpoint, 0, n)
	for i := uint32(0); i < n; i++ {
		out = append(out, TCPEndpoint{Host: b.ReadString(), Port: b.ReadUint16()})
		if b.Err() != nil {
			return nil
		}
	}
	return out
}

func writeUUID(b *Buffer, u [16]byte) {
	if b.err != nil {
		return
	}
	b.data = append(b.data, u[:]...)
}

func readUUID(b *Buffer) [16]byte {
	var u [16]byte
	copy(u[:], b.take(16))
	return u
}
