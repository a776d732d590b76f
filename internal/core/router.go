// Copyright (c) 2025 simkit
// Licensed under the PolyForm Noncommercial License 1.0.0

package core

import (
	"sort"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/simkit/simbus/internal/discovery"
	"github.com/simkit/simbus/internal/link"
	"github.com/simkit/simbus/internal/log"
	"github.com/simkit/simbus/internal/wire"
)

// LocalReceiver consumes messages delivered to one local service. It runs on
// the participant's dispatch goroutine.
type LocalReceiver func(from wire.ServiceDescriptor, msg wire.Message)

// PeerProvider resolves established peer links. Implemented by the Manager.
type PeerProvider interface {
	LinkFor(participantName string) *link.Link
	PeerNames() []string
}

type localService struct {
	desc wire.ServiceDescriptor
	recv LocalReceiver
}

type historyEntry struct {
	from wire.ServiceDescriptor
	msg  wire.Message
}

// Router maps outbound messages to peer links and inbound messages to local
// services. Self-destined traffic never touches the wire.
type Router struct {
	participantName string
	participantID   wire.ParticipantID
	disc            *discovery.Service
	dispatcher      *Dispatcher
	peers           PeerProvider
	logger          zerolog.Logger

	mu      sync.RWMutex
	locals  map[string][]localService // network name -> services
	byAddr  map[wire.EndpointAddress]wire.ServiceDescriptor
	history map[wire.EndpointAddress][]historyEntry
}

// NewRouter wires the router against the discovery index and peer set.
func NewRouter(participantName string, disc *discovery.Service, dispatcher *Dispatcher, peers PeerProvider) *Router {
	return &Router{
		participantName: participantName,
		participantID:   wire.IDFromName(participantName),
		disc:            disc,
		dispatcher:      dispatcher,
		peers:           peers,
		locals:          make(map[string][]localService),
		byAddr:          make(map[wire.EndpointAddress]wire.ServiceDescriptor),
		history:         make(map[wire.EndpointAddress][]historyEntry),
		logger: log.WithComponent("router").With().
			Str(log.FieldParticipant, participantName).Logger(),
	}
}

// RegisterLocal attaches an inbox for a locally created service.
func (r *Router) RegisterLocal(desc wire.ServiceDescriptor, recv LocalReceiver) {
	r.mu.Lock()
	r.locals[desc.NetworkName] = append(r.locals[desc.NetworkName], localService{desc: desc, recv: recv})
	r.mu.Unlock()
}

// UnregisterLocal detaches a local service inbox.
func (r *Router) UnregisterLocal(desc wire.ServiceDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	services := r.locals[desc.NetworkName]
	for i, s := range services {
		if s.desc.ServiceID == desc.ServiceID {
			r.locals[desc.NetworkName] = append(services[:i], services[i+1:]...)
			break
		}
	}
}

// selfDeliver reports whether a message kind loops back to local services on
// the same network. Bus traffic does; commands and status do not.
func selfDeliver(kind wire.Kind) bool {
	switch kind {
	case wire.KindDataMessage, wire.KindRpcCall, wire.KindRpcCallReturn, wire.KindBusFrame, wire.KindBusFrameAck:
		return true
	default:
		return false
	}
}

// Broadcast routes msg from the given local service to every peer owning at
// least one service on the sender's network, and loops it back to local
// receivers on that network.
func (r *Router) Broadcast(from wire.ServiceDescriptor, msg wire.Message) {
	env := wire.Envelope{From: from.Endpoint(), Msg: msg}

	seen := map[string]bool{}
	for _, remote := range r.disc.RemoteOnNetwork(from.NetworkName) {
		if seen[remote.ParticipantName] {
			continue
		}
		seen[remote.ParticipantName] = true
		l := r.peers.LinkFor(remote.ParticipantName)
		if l == nil {
			continue
		}
		if err := l.Send(env); err != nil {
			r.logger.Warn().
				Str(log.FieldEvent, "router.send_failed").
				Str(log.FieldPeer, remote.ParticipantName).
				Str(log.FieldKind, msg.MessageKind().String()).
				Err(err).
				Msg("dropping message for dead link")
		}
	}

	r.recordHistory(from, msg)
	if selfDeliver(msg.MessageKind()) {
		r.deliverLocal(from, msg, from.ServiceID)
	}
}

// BroadcastToAllPeers sends msg to every connected peer regardless of
// network. Used for orchestration traffic and discovery events.
func (r *Router) BroadcastToAllPeers(from wire.ServiceDescriptor, msg wire.Message) {
	env := wire.Envelope{From: from.Endpoint(), Msg: msg}
	for _, name := range r.peers.PeerNames() {
		l := r.peers.LinkFor(name)
		if l == nil {
			continue
		}
		if err := l.Send(env); err != nil {
			r.logger.Warn().
				Str(log.FieldEvent, "router.send_failed").
				Str(log.FieldPeer, name).
				Str(log.FieldKind, msg.MessageKind().String()).
				Err(err).
				Msg("dropping message for dead link")
		}
	}
}

// SendTargeted routes msg to exactly one participant. An unknown target is
// dropped with a warning; it never blocks.
func (r *Router) SendTargeted(from wire.ServiceDescriptor, target string, msg wire.Message) {
	if target == r.participantName {
		if selfDeliver(msg.MessageKind()) {
			r.deliverLocal(from, msg, from.ServiceID)
		}
		return
	}
	l := r.peers.LinkFor(target)
	if l == nil {
		r.logger.Warn().
			Str(log.FieldEvent, "router.unknown_target").
			Str(log.FieldPeer, target).
			Str(log.FieldKind, msg.MessageKind().String()).
			Msg("dropping targeted message for unknown participant")
		return
	}
	if err := l.Send(wire.Envelope{From: from.Endpoint(), Msg: msg}); err != nil {
		r.logger.Warn().
			Str(log.FieldEvent, "router.send_failed").
			Str(log.FieldPeer, target).
			Err(err).
			Msg("targeted send failed")
	}
}

// Deliver dispatches one inbound routed message to the local services on the
// sender's network. The sender descriptor is resolved from the remote index;
// traffic from not-yet-announced services is dropped.
func (r *Router) Deliver(env wire.Envelope) {
	from, ok := r.resolveSender(env.From)
	if !ok {
		r.logger.Debug().
			Str(log.FieldEvent, "router.unknown_sender").
			Str(log.FieldKind, env.Msg.MessageKind().String()).
			Msg("dropping frame from unannounced service")
		return
	}
	r.deliverLocal(from, env.Msg, 0xFFFF)
}

// deliverLocal fans msg out to local receivers on from's network, excluding
// excludeService (the sender itself on loopback).
func (r *Router) deliverLocal(from wire.ServiceDescriptor, msg wire.Message, excludeService wire.ServiceID) {
	r.mu.RLock()
	services := append([]localService(nil), r.locals[from.NetworkName]...)
	r.mu.RUnlock()
	for _, s := range services {
		if from.ParticipantName == r.participantName && s.desc.ServiceID == excludeService {
			continue
		}
		recv := s.recv
		r.dispatcher.Post(func() { recv(from, msg) })
	}
}

// resolveSender maps a wire endpoint address to the full descriptor.
func (r *Router) resolveSender(addr wire.EndpointAddress) (wire.ServiceDescriptor, bool) {
	r.mu.RLock()
	d, ok := r.byAddr[addr]
	r.mu.RUnlock()
	if ok {
		return d, true
	}
	matches := r.disc.Find(func(d wire.ServiceDescriptor) bool {
		return d.ParticipantID == addr.Participant && d.ServiceID == addr.Service
	})
	if len(matches) == 0 {
		return wire.ServiceDescriptor{}, false
	}
	r.mu.Lock()
	r.byAddr[addr] = matches[0]
	r.mu.Unlock()
	return matches[0], true
}

// ForgetPeer drops cached endpoint resolutions for a departed participant.
func (r *Router) ForgetPeer(participantName string) {
	r.mu.Lock()
	for addr, d := range r.byAddr {
		if d.ParticipantName == participantName {
			delete(r.byAddr, addr)
		}
	}
	r.mu.Unlock()
}

// recordHistory retains the last N broadcasts of services configured with a
// nonzero history_length so late-joining peers can catch up.
func (r *Router) recordHistory(from wire.ServiceDescriptor, msg wire.Message) {
	n, err := strconv.Atoi(from.Supplement(wire.SupplHistoryLength))
	if err != nil || n <= 0 {
		return
	}
	addr := from.Endpoint()
	r.mu.Lock()
	entries := append(r.history[addr], historyEntry{from: from, msg: msg})
	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	r.history[addr] = entries
	r.mu.Unlock()
}

// ReplayHistory sends retained history to a freshly connected peer, before
// any live traffic is routed to it.
func (r *Router) ReplayHistory(l *link.Link) {
	r.mu.RLock()
	var entries []historyEntry
	var addrs []wire.EndpointAddress
	for addr := range r.history {
		addrs = append(addrs, addr)
	}
	// Stable order across services.
	sort.Slice(addrs, func(i, j int) bool { return less(addrs[i], addrs[j]) })
	for _, addr := range addrs {
		entries = append(entries, r.history[addr]...)
	}
	r.mu.RUnlock()
	for _, e := range entries {
		_ = l.Send(wire.Envelope{From: e.from.Endpoint(), Msg: e.msg})
	}
}

func less(a, b wire.EndpointAddress) bool {
	if a.Participant != b.Participant {
		return a.Participant < b.Participant
	}
	return a.Service < b.Service
}
