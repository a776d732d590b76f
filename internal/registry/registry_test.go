// Copyright (c) 2025 simkit
// Licensed under the PolyForm Noncommercial License 1.0.0

package registry

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simkit/simbus/internal/wire"
)

func startServer(t *testing.T) *Server {
	t.Helper()
	s := NewServer()
	require.NoError(t, s.Start("127.0.0.1:0"))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// join performs the client-side announcement handshake directly on a socket.
func join(t *testing.T, s *Server, name string) (net.Conn, wire.KnownParticipants) {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)

	ann := wire.ParticipantAnnouncement{
		Name:         name,
		ID:           wire.IDFromName(name),
		Version:      wire.CurrentProtocol,
		TCPEndpoints: []wire.TCPEndpoint{{Host: "127.0.0.1", Port: 12345}},
	}
	require.NoError(t, wire.WriteFrame(conn, wire.Envelope{Msg: ann}))

	env, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	reply := env.Msg.(wire.ParticipantAnnouncementReply)
	require.True(t, reply.Accepted)

	env, err = wire.ReadFrame(conn)
	require.NoError(t, err)
	return conn, env.Msg.(wire.KnownParticipants)
}

func readKnown(t *testing.T, conn net.Conn) wire.KnownParticipants {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		env, err := wire.ReadFrame(conn)
		if err != nil {
			continue
		}
		if known, ok := env.Msg.(wire.KnownParticipants); ok {
			return known
		}
	}
	t.Fatal("no KnownParticipants push")
	return wire.KnownParticipants{}
}

func names(k wire.KnownParticipants) []string {
	out := make([]string, 0, len(k.Participants))
	for _, p := range k.Participants {
		out = append(out, p.Name)
	}
	return out
}

func TestJoinReceivesKnownParticipants(t *testing.T) {
	s := startServer(t)
	c1, k1 := join(t, s, "A")
	defer c1.Close()
	assert.Equal(t, []string{"A"}, names(k1))

	c2, k2 := join(t, s, "B")
	defer c2.Close()
	assert.Equal(t, []string{"A", "B"}, names(k2))

	// The earlier participant gets the change pushed.
	update := readKnown(t, c1)
	assert.Equal(t, []string{"A", "B"}, names(update))
}

func TestDuplicateNameRejected(t *testing.T) {
	s := startServer(t)
	c1, _ := join(t, s, "A")
	defer c1.Close()

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, wire.WriteFrame(conn, wire.Envelope{Msg: wire.ParticipantAnnouncement{
		Name: "A", ID: wire.IDFromName("A"), Version: wire.CurrentProtocol,
	}}))

	env, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	reply := env.Msg.(wire.ParticipantAnnouncementReply)
	assert.False(t, reply.Accepted)
	require.NotNil(t, reply.Reason)
	assert.Contains(t, *reply.Reason, "already taken")
}

func TestProtocolMismatchRejected(t *testing.T) {
	s := startServer(t)
	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, wire.WriteFrame(conn, wire.Envelope{Msg: wire.ParticipantAnnouncement{
		Name: "Old", Version: wire.ProtocolVersion{Major: 1},
	}}))

	env, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	assert.False(t, env.Msg.(wire.ParticipantAnnouncementReply).Accepted)
}

func TestLeaveIsPushed(t *testing.T) {
	s := startServer(t)
	c1, _ := join(t, s, "A")
	defer c1.Close()
	c2, _ := join(t, s, "B")

	// A sees B join first.
	update := readKnown(t, c1)
	require.Equal(t, []string{"A", "B"}, names(update))

	_ = c2.Close()
	update = readKnown(t, c1)
	assert.Equal(t, []string{"A"}, names(update), "departure must be pushed")
}

func TestServerHeartbeats(t *testing.T) {
	s := startServer(t)
	conn, _ := join(t, s, "A")
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		env, err := wire.ReadFrame(conn)
		require.NoError(t, err, "expected a heartbeat within the interval")
		if _, ok := env.Msg.(wire.Heartbeat); ok {
			return
		}
	}
}
