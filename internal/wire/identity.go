// Copyright (c) 2025 simkit
// Licensed under the PolyForm Noncommercial License 1.0.0

package wire

import "github.com/cespare/xxhash/v2"

// ParticipantID is the stable 64-bit wire identifier of a participant.
type ParticipantID uint64

// ServiceID is a participant-local 16-bit service identifier.
type ServiceID uint16

// EndpointAddress identifies one service on the wire.
type EndpointAddress struct {
	Participant ParticipantID
	Service     ServiceID
}

// IDFromName derives the wire identifier from a participant name. The hash
// must stay stable across releases and platforms; peers compare these values
// to match ParticipantCommand targets and endpoint addresses.
func IDFromName(name string) ParticipantID {
	return ParticipantID(xxhash.Sum64String(name))
}
