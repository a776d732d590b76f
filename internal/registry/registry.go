// Copyright (c) 2025 simkit
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package registry implements the bootstrap discovery server participants
// contact to learn about their peers.
package registry

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/simkit/simbus/internal/link"
	"github.com/simkit/simbus/internal/log"
	"github.com/simkit/simbus/internal/wire"
)

const handshakeTimeout = 5 * time.Second

// Server accepts participant announcements and pushes the evolving
// KnownParticipants set to every connected participant.
type Server struct {
	logger zerolog.Logger

	mu           sync.Mutex
	ln           net.Listener
	participants map[string]*session

	group     errgroup.Group
	closeOnce sync.Once
	closed    chan struct{}
}

type session struct {
	info    wire.PeerInfo
	conn    net.Conn
	writeMu sync.Mutex
}

func (s *session) write(env wire.Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wire.WriteFrame(s.conn, env)
}

// NewServer creates an unstarted registry.
func NewServer() *Server {
	return &Server{
		participants: make(map[string]*session),
		closed:       make(chan struct{}),
		logger:       log.WithComponent("registry"),
	}
}

// Start listens on addr ("host:port"; port 0 picks one) and begins serving.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("registry: listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.logger.Info().
		Str(log.FieldEvent, "registry.started").
		Str(log.FieldEndpoint, ln.Addr().String()).
		Msg("registry listening")
	s.group.Go(func() error { s.acceptLoop(ln); return nil })
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	addr := s.Addr()
	if addr == nil {
		return 0
	}
	return addr.(*net.TCPAddr).Port
}

// Close stops the listener and closes every participant connection.
func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	s.mu.Lock()
	if s.ln != nil {
		_ = s.ln.Close()
	}
	for _, p := range s.participants {
		_ = p.conn.Close()
	}
	s.mu.Unlock()
	return s.group.Wait()
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-s.closed:
				return
			default:
				continue
			}
		}
		s.group.Go(func() error { s.serve(conn); return nil })
	}
}

// serve runs the announcement handshake and then consumes heartbeats until
// the participant disconnects.
func (s *Server) serve(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
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

	sess := &session{
		info: wire.PeerInfo{
			Name:           ann.Name,
			ID:             ann.ID,
			TCPEndpoints:   ann.TCPEndpoints,
			LocalEndpoints: ann.LocalEndpoints,
		},
		conn: conn,
	}

	if reason := s.vet(ann); reason != "" {
		_ = sess.write(wire.Envelope{
			Msg: wire.ParticipantAnnouncementReply{Accepted: false, Reason: &reason},
		})
		s.logger.Warn().
			Str(log.FieldEvent, "registry.rejected").
			Str(log.FieldParticipant, ann.Name).
			Str(log.FieldReason, reason).
			Msg("announcement rejected")
		_ = conn.Close()
		return
	}

	if err := sess.write(wire.Envelope{Msg: wire.ParticipantAnnouncementReply{Accepted: true}}); err != nil {
		_ = conn.Close()
		return
	}
	_ = conn.SetDeadline(time.Time{})

	s.mu.Lock()
	s.participants[ann.Name] = sess
	s.mu.Unlock()
	s.logger.Info().
		Str(log.FieldEvent, "registry.joined").
		Str(log.FieldParticipant, ann.Name).
		Msg("participant joined")

	// The fresh participant gets the full set; everyone else gets the update.
	s.pushKnownParticipants()

	heartbeats := time.NewTicker(link.DefaultHeartbeatInterval)
	defer heartbeats.Stop()
	readErr := make(chan error, 1)
	go func() {
		for {
			_ = conn.SetReadDeadline(time.Now().Add(3 * link.DefaultHeartbeatInterval))
			if _, err := wire.ReadFrame(conn); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-heartbeats.C:
			if err := sess.write(wire.Envelope{Msg: wire.Heartbeat{}}); err != nil {
				s.drop(ann.Name)
				return
			}
		case <-readErr:
			s.drop(ann.Name)
			return
		case <-s.closed:
			_ = conn.Close()
			return
		}
	}
}

func (s *Server) vet(ann wire.ParticipantAnnouncement) string {
	if ann.Version.Major != wire.CurrentProtocol.Major {
		return fmt.Sprintf("protocol version %d.%d not supported", ann.Version.Major, ann.Version.Minor)
	}
	if ann.Name == "" {
		return "participant name must not be empty"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.participants[ann.Name]; taken {
		return fmt.Sprintf("participant name %q already taken", ann.Name)
	}
	return ""
}

// drop removes a departed participant and re-pushes the set.
func (s *Server) drop(name string) {
	s.mu.Lock()
	sess, ok := s.participants[name]
	if ok {
		delete(s.participants, name)
		_ = sess.conn.Close()
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.logger.Info().
		Str(log.FieldEvent, "registry.left").
		Str(log.FieldParticipant, name).
		Msg("participant left")
	s.pushKnownParticipants()
}

// pushKnownParticipants sends the current set to every connected participant.
func (s *Server) pushKnownParticipants() {
	s.mu.Lock()
	known := wire.KnownParticipants{}
	sessions := make([]*session, 0, len(s.participants))
	for _, p := range s.participants {
		known.Participants = append(known.Participants, p.info)
		sessions = append(sessions, p)
	}
	s.mu.Unlock()
	sort.Slice(known.Participants, func(i, j int) bool {
		return known.Participants[i].Name < known.Participants[j].Name
	})

	env := wire.Envelope{Msg: known}
	for _, p := range sessions {
		if err := p.write(env); err != nil {
			s.logger.Debug().
				Str(log.FieldEvent, "registry.push_failed").
				Str(log.FieldParticipant, p.info.Name).
				Err(err).
				Msg("known-participants push failed")
		}
	}
}
