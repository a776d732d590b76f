// Copyright (c) 2025 simkit
// Licensed under the PolyForm Noncommercial License 1.0.0

package wire

import "fmt"

// ServiceType classifies a service within a participant.
type ServiceType uint8

const (
	ServiceUndefined ServiceType = iota
	ServiceController
	ServiceInternalController
	ServiceLink
	ServiceSimulatedController
)

func (t ServiceType) String() string {
	switch t {
	case ServiceController:
		return "Controller"
	case ServiceInternalController:
		return "InternalController"
	case ServiceLink:
		return "Link"
	case ServiceSimulatedController:
		return "SimulatedController"
	default:
		return "Undefined"
	}
}

// NetworkType classifies the logical bus a service lives on.
type NetworkType uint8

const (
	NetworkUndefined NetworkType = iota
	NetworkCAN
	NetworkLIN
	NetworkFlexRay
	NetworkEthernet
	NetworkData
	NetworkRpc
)

func (t NetworkType) String() string {
	switch t {
	case NetworkCAN:
		return "CAN"
	case NetworkLIN:
		return "LIN"
	case NetworkFlexRay:
		return "FlexRay"
	case NetworkEthernet:
		return "Ethernet"
	case NetworkData:
		return "Data"
	case NetworkRpc:
		return "Rpc"
	default:
		return "Undefined"
	}
}

// Well-known supplemental metadata keys.
const (
	SupplRpcFunction   = "rpc.function"
	SupplRpcMediaType  = "rpc.media_type"
	SupplRpcClientUUID = "rpc.client_uuid"
	SupplRpcServerUUID = "rpc.server_uuid"
	SupplDataTopic     = "data.topic"
	SupplDataMediaType = "data.media_type"
	SupplDataLabels    = "data.labels"
	SupplDataPubUUID   = "data.publisher_uuid"
	SupplHistoryLength = "history_length"
)

// ServiceDescriptor is the full address of a service within the domain.
// (ParticipantName, NetworkName, ServiceName) is unique across the domain;
// (ParticipantID, ServiceID) is unique on the wire.
type ServiceDescriptor struct {
	ParticipantName string
	ParticipantID   ParticipantID
	NetworkName     string
	NetworkType     NetworkType
	ServiceName     string
	ServiceID       ServiceID
	ServiceType     ServiceType
	Supplemental    map[string]string
}

// Key returns the domain-unique identity used by service discovery.
func (d ServiceDescriptor) Key() string {
	return d.ParticipantName + "/" + d.NetworkName + "/" + d.ServiceName
}

// Endpoint returns the wire identity used by routing and the system monitor.
func (d ServiceDescriptor) Endpoint() EndpointAddress {
	return EndpointAddress{Participant: d.ParticipantID, Service: d.ServiceID}
}

func (d ServiceDescriptor) String() string {
	return fmt.Sprintf("%s/%s/%s (%s, id=%d)",
		d.ParticipantName, d.NetworkName, d.ServiceName, d.NetworkType, d.ServiceID)
}

// Supplement returns the supplemental value for key, or "".
func (d ServiceDescriptor) Supplement(key string) string {
	return d.Supplemental[key]
}

func (b *Buffer) WriteDescriptor(d ServiceDescriptor) {
	b.WriteString(d.ParticipantName)
	b.WriteUint64(uint64(d.ParticipantID))
	b.WriteString(d.NetworkName)
	b.WriteUint8(uint8(d.NetworkType))
	b.WriteString(d.ServiceName)
	b.WriteUint16(uint16(d.ServiceID))
	b.WriteUint8(uint8(d.ServiceType))
	b.WriteStringMap(d.Supplemental)
}

func (b *Buffer) ReadDescriptor() ServiceDescriptor {
	var d ServiceDescriptor
	d.ParticipantName = b.ReadString()
	d.ParticipantID = ParticipantID(b.ReadUint64())
	d.NetworkName = b.ReadString()
	d.NetworkType = NetworkType(b.ReadUint8())
	d.ServiceName = b.ReadString()
	d.ServiceID = ServiceID(b.ReadUint16())
	d.ServiceType = ServiceType(b.ReadUint8())
	d.Supplemental = b.ReadStringMap()
	return d
}
