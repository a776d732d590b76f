// Copyright (c) 2025 simkit
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package discovery tracks services created locally and announced by peers.
package discovery

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/simkit/simbus/internal/log"
	"github.com/simkit/simbus/internal/metrics"
	"github.com/simkit/simbus/internal/wire"
)

// Handler observes service creation and removal across the domain.
// Handlers run on the participant's dispatch goroutine in registration order.
type Handler func(eventType wire.DiscoveryEventType, descriptor wire.ServiceDescriptor)

// Service is the per-participant discovery component. The local index holds
// services this participant created; the remote index holds services
// announced by peers. The remote index only shrinks on an explicit Removed
// event or when the owning peer's link dies.
type Service struct {
	mu       sync.RWMutex
	local    map[string]wire.ServiceDescriptor
	remote   map[string]wire.ServiceDescriptor
	handlers []Handler
	epoch    uint64

	dispatch func(func())
	announce func(wire.ServiceDiscoveryEvent)
	logger   zerolog.Logger
}

// New creates the discovery component. dispatch schedules handler invocation
// on the participant's dispatch goroutine; announce broadcasts an event to
// all connected peers.
func New(participantName string, dispatch func(func()), announce func(wire.ServiceDiscoveryEvent)) *Service {
	return &Service{
		local:    make(map[string]wire.ServiceDescriptor),
		remote:   make(map[string]wire.ServiceDescriptor),
		dispatch: dispatch,
		announce: announce,
		logger: log.WithComponent("discovery").With().
			Str(log.FieldParticipant, participantName).Logger(),
	}
}

func localKey(d wire.ServiceDescriptor) string {
	return d.NetworkName + "/" + d.ServiceName
}

// NotifyServiceCreated publishes a locally created service to all peers.
func (s *Service) NotifyServiceCreated(d wire.ServiceDescriptor) {
	s.mu.Lock()
	s.local[localKey(d)] = d
	s.epoch++
	s.mu.Unlock()

	s.logger.Debug().
		Str(log.FieldEvent, "discovery.local_created").
		Str(log.FieldService, d.ServiceName).
		Str(log.FieldNetwork, d.NetworkName).
		Msg("service created")
	s.announce(wire.ServiceDiscoveryEvent{Type: wire.ServiceCreated, Service: d})
}

// NotifyServiceRemoved publishes a participant-local service removal.
func (s *Service) NotifyServiceRemoved(d wire.ServiceDescriptor) {
	s.mu.Lock()
	delete(s.local, localKey(d))
	s.epoch++
	s.mu.Unlock()

	s.announce(wire.ServiceDiscoveryEvent{Type: wire.ServiceRemoved, Service: d})
}

// RegisterHandler adds a discovery handler. Existing remote services are not
// replayed to late handlers; callers register before connecting.
func (s *Service) RegisterHandler(h Handler) {
	s.mu.Lock()
	s.handlers = append(s.handlers, h)
	s.mu.Unlock()
}

// OnRemoteEvent applies a single discovery event received from a peer.
// Duplicate Created events are suppressed; Removed for unknown descriptors is
// ignored.
func (s *Service) OnRemoteEvent(ev wire.ServiceDiscoveryEvent) {
	key := ev.Service.Key()
	s.mu.Lock()
	switch ev.Type {
	case wire.ServiceCreated:
		if _, known := s.remote[key]; known {
			s.mu.Unlock()
			return
		}
		s.remote[key] = ev.Service
	case wire.ServiceRemoved:
		if _, known := s.remote[key]; !known {
			s.mu.Unlock()
			return
		}
		delete(s.remote, key)
	default:
		s.mu.Unlock()
		return
	}
	size := len(s.remote)
	handlers := append([]Handler(nil), s.handlers...)
	s.mu.Unlock()

	metrics.DiscoveredServices.Set(float64(size))
	s.fire(handlers, ev.Type, ev.Service)
}

// OnAnnouncement applies a peer's full service replay; each entry behaves
// like a Created event with duplicate suppression.
func (s *Service) OnAnnouncement(a wire.ServiceAnnouncement) {
	for _, d := range a.Services {
		s.OnRemoteEvent(wire.ServiceDiscoveryEvent{Type: wire.ServiceCreated, Service: d})
	}
}

// PrunePeer drops every remote service owned by the given participant, as if
// a Removed event had arrived for each. Called when a peer's link dies.
func (s *Service) PrunePeer(participantName string) {
	s.mu.Lock()
	var dropped []wire.ServiceDescriptor
	for key, d := range s.remote {
		if d.ParticipantName == participantName {
			dropped = append(dropped, d)
			delete(s.remote, key)
		}
	}
	size := len(s.remote)
	handlers := append([]Handler(nil), s.handlers...)
	s.mu.Unlock()

	if len(dropped) == 0 {
		return
	}
	// Deterministic removal order keeps handler observations reproducible.
	sort.Slice(dropped, func(i, j int) bool { return dropped[i].Key() < dropped[j].Key() })
	metrics.DiscoveredServices.Set(float64(size))
	for _, d := range dropped {
		s.fire(handlers, wire.ServiceRemoved, d)
	}
}

// fire schedules handler invocation off the index lock.
func (s *Service) fire(handlers []Handler, t wire.DiscoveryEventType, d wire.ServiceDescriptor) {
	if len(handlers) == 0 {
		return
	}
	s.dispatch(func() {
		for _, h := range handlers {
			h(t, d)
		}
	})
}

// LocalServices returns a snapshot of the local index for handshake replay.
func (s *Service) LocalServices() []wire.ServiceDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]wire.ServiceDescriptor, 0, len(s.local))
	for _, d := range s.local {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceID < out[j].ServiceID })
	return out
}

// Find returns the remote descriptors matching pred.
func (s *Service) Find(pred func(wire.ServiceDescriptor) bool) []wire.ServiceDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []wire.ServiceDescriptor
	for _, d := range s.remote {
		if pred(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// RemoteOnNetwork returns the remote descriptors on the given network.
func (s *Service) RemoteOnNetwork(network string) []wire.ServiceDescriptor {
	return s.Find(func(d wire.ServiceDescriptor) bool { return d.NetworkName == network })
}

// Epoch returns the local index epoch; it increments on every local change.
func (s *Service) Epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}
