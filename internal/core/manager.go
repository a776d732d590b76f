// Copyright (c) 2025 simkit
// Licensed under the PolyForm Noncommercial License 1.0.0

package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/simkit/simbus/internal/discovery"
	"github.com/simkit/simbus/internal/link"
	"github.com/simkit/simbus/internal/log"
	"github.com/simkit/simbus/internal/wire"
)

// RegistryName is the well-known link name of the registry.
const RegistryName = "simbus-registry"

// DefaultHandshakeTimeout bounds the per-peer announcement exchange.
const DefaultHandshakeTimeout = 5 * time.Second

var errHandshakeRejected = errors.New("core: handshake rejected")

// Sinks receives orchestration traffic consumed by the lifecycle, system
// monitor and time coordinator rather than user code. All callbacks run on
// the dispatch goroutine. Nil members are skipped.
type Sinks struct {
	OnParticipantStatus     func(wire.ParticipantStatus)
	OnSystemCommand         func(wire.SystemCommand)
	OnParticipantCommand    func(wire.ParticipantCommand)
	OnWorkflowConfiguration func(wire.WorkflowConfiguration)
	OnNextSimTask           func(peer string, task wire.NextSimTask)
	OnLogRecord             func(peer string, rec wire.LogRecord)
	OnPeerDisconnected      func(peer string)
}

// Config parameterizes the connection manager.
type Config struct {
	ParticipantName     string
	RegistryHost        string
	RegistryPort        int
	ConnectAttempts     int
	LinkOptions         link.Options
	EnableDomainSockets bool
	HandshakeTimeout    time.Duration
}

func (c Config) handshakeTimeout() time.Duration {
	if c.HandshakeTimeout <= 0 {
		return DefaultHandshakeTimeout
	}
	return c.HandshakeTimeout
}

// Manager owns the registry link and the set of peer links, and drives the
// join sequence: dial registry, announce, learn peers, handshake with each.
type Manager struct {
	cfg        Config
	id         wire.ParticipantID
	dispatcher *Dispatcher
	disc       *discovery.Service
	router     *Router
	sinks      Sinks
	logger     zerolog.Logger

	mu        sync.RWMutex
	peers     map[string]*link.Link
	registry  *link.Link
	connected chan struct{} // closed and replaced on every peer handshake

	tcpListener net.Listener
	udsListener net.Listener
	udsPath     string

	acceptors errgroup.Group
	closeOnce sync.Once
	closed    chan struct{}
}

// NewManager creates an unconnected manager.
func NewManager(cfg Config, dispatcher *Dispatcher) *Manager {
	return &Manager{
		cfg:        cfg,
		id:         wire.IDFromName(cfg.ParticipantName),
		dispatcher: dispatcher,
		peers:      make(map[string]*link.Link),
		connected:  make(chan struct{}),
		closed:     make(chan struct{}),
		logger: log.WithComponent("core").With().
			Str(log.FieldParticipant, cfg.ParticipantName).Logger(),
	}
}

// Attach wires the discovery component, router and orchestration sinks.
// Must be called before Connect.
func (m *Manager) Attach(disc *discovery.Service, router *Router, sinks Sinks) {
	m.disc = disc
	m.router = router
	m.sinks = sinks
}

// Router returns the attached router.
func (m *Manager) Router() *Router { return m.router }

// LinkFor implements PeerProvider.
func (m *Manager) LinkFor(participantName string) *link.Link {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peers[participantName]
}

// PeerNames implements PeerProvider.
func (m *Manager) PeerNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.peers))
	for name := range m.peers {
		names = append(names, name)
	}
	return names
}

// Connect joins the domain: listeners up, registry handshake, and a blocking
// wait until every participant named in the registry's first KnownParticipants
// push has completed its peer handshake.
func (m *Manager) Connect(ctx context.Context) error {
	if err := m.startListeners(); err != nil {
		return err
	}

	conn, err := link.DialRegistry(ctx, m.cfg.RegistryHost, m.cfg.RegistryPort, m.cfg.ConnectAttempts)
	if err != nil {
		return err
	}

	known, err := m.registryHandshake(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}
	m.registry = link.New(conn, RegistryName, m.cfg.LinkOptions, &receiver{m: m, fromRegistry: true})

	var expected []string
	for _, p := range known.Participants {
		if p.Name != m.cfg.ParticipantName {
			expected = append(expected, p.Name)
		}
	}
	m.onKnownParticipants(known)

	return m.waitForPeers(ctx, expected)
}

// startListeners opens the TCP (and optionally unix-domain) accept sockets
// whose endpoints are advertised in the announcement.
func (m *Manager) startListeners() error {
	tcp, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("core: listen: %w", err)
	}
	m.tcpListener = tcp
	m.acceptors.Go(func() error { m.acceptLoop(tcp); return nil })

	if m.cfg.EnableDomainSockets {
		path := filepath.Join(os.TempDir(),
			fmt.Sprintf("simbus-%d-%d.sock", m.id, os.Getpid()))
		uds, err := net.Listen("unix", path)
		if err != nil {
			// Fall back to TCP-only; domain sockets are an optimization.
			m.logger.Warn().
				Str(log.FieldEvent, "core.uds_listen_failed").
				Err(err).
				Msg("continuing without domain socket")
		} else {
			m.udsListener = uds
			m.udsPath = path
			m.acceptors.Go(func() error { m.acceptLoop(uds); return nil })
		}
	}
	return nil
}

func (m *Manager) announcement() wire.ParticipantAnnouncement {
	ann := wire.ParticipantAnnouncement{
		Name:    m.cfg.ParticipantName,
		ID:      m.id,
		Version: wire.CurrentProtocol,
	}
	if m.tcpListener != nil {
		addr := m.tcpListener.Addr().(*net.TCPAddr)
		ann.TCPEndpoints = []wire.TCPEndpoint{{Host: addr.IP.String(), Port: uint16(addr.Port)}}
	}
	if m.udsPath != "" {
		ann.LocalEndpoints = []string{m.udsPath}
	}
	return ann
}

// registryHandshake runs the synchronous announcement exchange with the
// registry and returns its first KnownParticipants push.
func (m *Manager) registryHandshake(conn net.Conn) (wire.KnownParticipants, error) {
	deadline := time.Now().Add(m.cfg.handshakeTimeout())
	_ = conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	if err := wire.WriteFrame(conn, wire.Envelope{Msg: m.announcement()}); err != nil {
		return wire.KnownParticipants{}, fmt.Errorf("core: announce to registry: %w", err)
	}
	env, err := wire.ReadFrame(conn)
	if err != nil {
		return wire.KnownParticipants{}, fmt.Errorf("core: registry reply: %w", err)
	}
	reply, ok := env.Msg.(wire.ParticipantAnnouncementReply)
	if !ok {
		return wire.KnownParticipants{}, fmt.Errorf("%w: unexpected %s", errHandshakeRejected, env.Msg.MessageKind())
	}
	if !reply.Accepted {
		reason := ""
		if reply.Reason != nil {
			reason = *reply.Reason
		}
		return wire.KnownParticipants{}, fmt.Errorf("%w: %s", errHandshakeRejected, reason)
	}
	env, err = wire.ReadFrame(conn)
	if err != nil {
		return wire.KnownParticipants{}, fmt.Errorf("core: known participants: %w", err)
	}
	known, ok := env.Msg.(wire.KnownParticipants)
	if !ok {
		return wire.KnownParticipants{}, fmt.Errorf("%w: expected KnownParticipants, got %s", errHandshakeRejected, env.Msg.MessageKind())
	}
	return known, nil
}

// onKnownParticipants dials every advertised peer this side is responsible
// for. Tie-break: the lexicographically lower name dials.
func (m *Manager) onKnownParticipants(known wire.KnownParticipants) {
	for _, p := range known.Participants {
		p := p
		if p.Name == m.cfg.ParticipantName {
			continue
		}
		if m.cfg.ParticipantName >= p.Name {
			continue // the peer dials us
		}
		m.mu.RLock()
		_, have := m.peers[p.Name]
		m.mu.RUnlock()
		if have {
			continue
		}
		go m.dialPeer(p)
	}
}

func (m *Manager) dialPeer(p wire.PeerInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.handshakeTimeout())
	defer cancel()

	eps := make([]link.Addr, 0, len(p.TCPEndpoints))
	for _, ep := range p.TCPEndpoints {
		eps = append(eps, link.Addr{Host: ep.Host, Port: ep.Port})
	}
	conn, err := link.DialPeer(ctx, p.LocalEndpoints, eps, m.cfg.EnableDomainSockets)
	if err != nil {
		m.logger.Warn().
			Str(log.FieldEvent, "core.peer_dial_failed").
			Str(log.FieldPeer, p.Name).
			Err(err).
			Msg("could not reach advertised peer")
		return
	}

	deadline := time.Now().Add(m.cfg.handshakeTimeout())
	_ = conn.SetDeadline(deadline)
	if err := wire.WriteFrame(conn, wire.Envelope{Msg: m.announcement()}); err != nil {
		_ = conn.Close()
		return
	}
	env, err := wire.ReadFrame(conn)
	if err != nil {
		_ = conn.Close()
		return
	}
	reply, ok := env.Msg.(wire.ParticipantAnnouncementReply)
	if !ok || !reply.Accepted {
		m.logger.Warn().
			Str(log.FieldEvent, "core.peer_rejected").
			Str(log.FieldPeer, p.Name).
			Msg("peer rejected announcement")
		_ = conn.Close()
		return
	}
	_ = conn.SetDeadline(time.Time{})
	m.finishHandshake(conn, p.Name)
}

// acceptLoop serves inbound peer connections.
func (m *Manager) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-m.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		go m.acceptPeer(conn)
	}
}

func (m *Manager) acceptPeer(conn net.Conn) {
	deadline := time.Now().Add(m.cfg.handshakeTimeout())
	_ = conn.SetDeadline(deadline)

	env, err := wire.ReadFrame(conn)
	if err != nil {
		_ = conn.Close()
		return
	}
	ann, ok := env.Msg.(wire.ParticipantAnnouncement)
	if !ok {
		_ = conn.Close()
		return
	}
	if reason := m.vetPeer(ann); reason != "" {
		_ = wire.WriteFrame(conn, wire.Envelope{
			Msg: wire.ParticipantAnnouncementReply{Accepted: false, Reason: &reason},
		})
		_ = conn.Close()
		return
	}
	if err := wire.WriteFrame(conn, wire.Envelope{Msg: wire.ParticipantAnnouncementReply{Accepted: true}}); err != nil {
		_ = conn.Close()
		return
	}
	_ = conn.SetDeadline(time.Time{})
	m.finishHandshake(conn, ann.Name)
}

func (m *Manager) vetPeer(ann wire.ParticipantAnnouncement) string {
	if ann.Version.Major != wire.CurrentProtocol.Major {
		return fmt.Sprintf("protocol version %d.%d not supported", ann.Version.Major, ann.Version.Minor)
	}
	if ann.Name == m.cfg.ParticipantName {
		return "participant name collision"
	}
	if ann.Name > m.cfg.ParticipantName {
		return "handshake direction violation: lower name must dial"
	}
	m.mu.RLock()
	_, have := m.peers[ann.Name]
	m.mu.RUnlock()
	if have {
		return "already connected"
	}
	return ""
}

// finishHandshake registers the link and replays the local service set; the
// peer becomes routable only after its announcement replay is on the wire.
func (m *Manager) finishHandshake(conn net.Conn, peerName string) {
	l := link.New(conn, peerName, m.cfg.LinkOptions, &receiver{m: m})

	// Replay local services, then retained history, before any live traffic
	// can be routed through the peers map.
	_ = l.Send(wire.Envelope{
		From: wire.EndpointAddress{Participant: m.id},
		Msg:  wire.ServiceAnnouncement{Services: m.disc.LocalServices()},
	})
	m.router.ReplayHistory(l)

	m.mu.Lock()
	if _, dup := m.peers[peerName]; dup {
		m.mu.Unlock()
		m.logger.Warn().
			Str(log.FieldEvent, "core.duplicate_link").
			Str(log.FieldPeer, peerName).
			Msg("dropping duplicate peer link")
		_ = conn.Close()
		return
	}
	m.peers[peerName] = l
	ready := m.connected
	m.connected = make(chan struct{})
	m.mu.Unlock()
	close(ready)

	m.logger.Info().
		Str(log.FieldEvent, "core.peer_connected").
		Str(log.FieldPeer, peerName).
		Msg("peer handshake complete")
}

// waitForPeers blocks until each expected participant has a registered link.
func (m *Manager) waitForPeers(ctx context.Context, expected []string) error {
	for {
		m.mu.RLock()
		missing := 0
		for _, name := range expected {
			if _, ok := m.peers[name]; !ok {
				missing++
			}
		}
		wait := m.connected
		m.mu.RUnlock()
		if missing == 0 {
			return nil
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return fmt.Errorf("core: waiting for %d peer(s): %w", missing, ctx.Err())
		case <-m.closed:
			return link.ErrDisconnected
		}
	}
}

// onPeerDisconnected prunes all state owned by a departed peer.
func (m *Manager) onPeerDisconnected(peerName string) {
	m.mu.Lock()
	delete(m.peers, peerName)
	m.mu.Unlock()

	m.disc.PrunePeer(peerName)
	m.router.ForgetPeer(peerName)
	if m.sinks.OnPeerDisconnected != nil {
		m.dispatcher.Post(func() { m.sinks.OnPeerDisconnected(peerName) })
	}
}

// BroadcastOnNetwork routes bus traffic by the sender's network.
func (m *Manager) BroadcastOnNetwork(from wire.ServiceDescriptor, msg wire.Message) {
	m.router.Broadcast(from, msg)
}

// BroadcastControl sends orchestration or discovery traffic to every peer.
func (m *Manager) BroadcastControl(from wire.ServiceDescriptor, msg wire.Message) {
	m.router.BroadcastToAllPeers(from, msg)
}

// SendTargeted routes msg to one participant only.
func (m *Manager) SendTargeted(from wire.ServiceDescriptor, target string, msg wire.Message) {
	m.router.SendTargeted(from, target, msg)
}

// Close flushes and tears down every link and the listeners.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	if m.tcpListener != nil {
		_ = m.tcpListener.Close()
	}
	if m.udsListener != nil {
		_ = m.udsListener.Close()
		_ = os.Remove(m.udsPath)
	}
	_ = m.acceptors.Wait()

	m.mu.Lock()
	peers := make([]*link.Link, 0, len(m.peers))
	for _, l := range m.peers {
		peers = append(peers, l)
	}
	m.peers = make(map[string]*link.Link)
	reg := m.registry
	m.registry = nil
	m.mu.Unlock()

	for _, l := range peers {
		_ = l.Close()
	}
	if reg != nil {
		_ = reg.Close()
	}
	return nil
}

// receiver adapts link events onto the manager.
type receiver struct {
	m            *Manager
	fromRegistry bool
}

func (r *receiver) OnFrame(remoteName string, env wire.Envelope) {
	r.m.onFrame(remoteName, env, r.fromRegistry)
}

func (r *receiver) OnDisconnect(remoteName string, err error) {
	if r.fromRegistry {
		r.m.logger.Warn().
			Str(log.FieldEvent, "core.registry_lost").
			Err(err).
			Msg("registry link lost; no new peers will be discovered")
		return
	}
	r.m.onPeerDisconnected(remoteName)
}

// onFrame is the inbound dispatch table: one flat switch over the kind byte.
func (m *Manager) onFrame(peer string, env wire.Envelope, fromRegistry bool) {
	switch msg := env.Msg.(type) {
	case wire.KnownParticipants:
		if fromRegistry {
			m.onKnownParticipants(msg)
		}
	case wire.ServiceAnnouncement:
		m.disc.OnAnnouncement(msg)
	case wire.ServiceDiscoveryEvent:
		m.disc.OnRemoteEvent(msg)
	case wire.ParticipantStatus:
		if fn := m.sinks.OnParticipantStatus; fn != nil {
			m.dispatcher.Post(func() { fn(msg) })
		}
	case wire.SystemCommand:
		if fn := m.sinks.OnSystemCommand; fn != nil {
			m.dispatcher.Post(func() { fn(msg) })
		}
	case wire.ParticipantCommand:
		if msg.TargetID != m.id {
			return
		}
		if fn := m.sinks.OnParticipantCommand; fn != nil {
			m.dispatcher.Post(func() { fn(msg) })
		}
	case wire.WorkflowConfiguration:
		if fn := m.sinks.OnWorkflowConfiguration; fn != nil {
			m.dispatcher.Post(func() { fn(msg) })
		}
	case wire.NextSimTask:
		if fn := m.sinks.OnNextSimTask; fn != nil {
			m.dispatcher.Post(func() { fn(peer, msg) })
		}
	case wire.LogRecord:
		if fn := m.sinks.OnLogRecord; fn != nil {
			m.dispatcher.Post(func() { fn(peer, msg) })
		}
	case wire.Targeted:
		if msg.Target != m.cfg.ParticipantName {
			return
		}
		m.onFrame(peer, wire.Envelope{From: env.From, Msg: msg.Msg}, fromRegistry)
	default:
		m.router.Deliver(env)
	}
}
