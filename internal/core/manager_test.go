// Copyright (c) 2025 simkit
// Licensed under the PolyForm Noncommercial License 1.0.0

package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simkit/simbus/internal/discovery"
	"github.com/simkit/simbus/internal/link"
	"github.com/simkit/simbus/internal/registry"
	"github.com/simkit/simbus/internal/wire"
)

// node assembles the full core stack of one participant for tests.
type node struct {
	name       string
	dispatcher *Dispatcher
	disc       *discovery.Service
	manager    *Manager
	router     *Router
	announcer  wire.ServiceDescriptor

	mu       sync.Mutex
	statuses []wire.ParticipantStatus
	left     []string
}

func newNode(t *testing.T, name string, port int) *node {
	t.Helper()
	n := &node{name: name}
	n.announcer = wire.ServiceDescriptor{
		ParticipantName: name,
		ParticipantID:   wire.IDFromName(name),
		NetworkName:     "__discovery",
		ServiceName:     "announcer",
		ServiceID:       100,
		ServiceType:     wire.ServiceInternalController,
	}
	n.dispatcher = NewDispatcher(name)
	n.manager = NewManager(Config{
		ParticipantName: name,
		RegistryHost:    "127.0.0.1",
		RegistryPort:    port,
		ConnectAttempts: 3,
		LinkOptions:     link.Options{HeartbeatInterval: 200 * time.Millisecond},
	}, n.dispatcher)
	n.disc = discovery.New(name, n.dispatcher.Post, func(ev wire.ServiceDiscoveryEvent) {
		n.manager.BroadcastControl(n.announcer, ev)
	})
	n.router = NewRouter(name, n.disc, n.dispatcher, n.manager)
	n.manager.Attach(n.disc, n.router, Sinks{
		OnParticipantStatus: func(st wire.ParticipantStatus) {
			n.mu.Lock()
			n.statuses = append(n.statuses, st)
			n.mu.Unlock()
		},
		OnPeerDisconnected: func(peer string) {
			n.mu.Lock()
			n.left = append(n.left, peer)
			n.mu.Unlock()
		},
	})
	t.Cleanup(func() {
		_ = n.manager.Close()
		n.dispatcher.Stop()
	})
	return n
}

func (n *node) connect(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, n.manager.Connect(ctx))
}

func (n *node) createService(network, service string, id wire.ServiceID) wire.ServiceDescriptor {
	d := wire.ServiceDescriptor{
		ParticipantName: n.name,
		ParticipantID:   wire.IDFromName(n.name),
		NetworkName:     network,
		NetworkType:     wire.NetworkData,
		ServiceName:     service,
		ServiceID:       id,
		ServiceType:     wire.ServiceController,
	}
	n.disc.NotifyServiceCreated(d)
	return d
}

func startRegistry(t *testing.T) *registry.Server {
	t.Helper()
	s := registry.NewServer()
	require.NoError(t, s.Start("127.0.0.1:0"))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTwoParticipantsHandshake(t *testing.T) {
	reg := startRegistry(t)

	a := newNode(t, "A", reg.Port())
	a.connect(t)

	b := newNode(t, "B", reg.Port())
	b.connect(t) // B joins; first KnownParticipants names A, so Connect waits for the A link

	require.Eventually(t, func() bool { return a.manager.LinkFor("B") != nil },
		5*time.Second, 5*time.Millisecond, "A (lower name) must dial B after the registry push")
	assert.NotNil(t, b.manager.LinkFor("A"))
}

func TestServiceReplayOnHandshake(t *testing.T) {
	reg := startRegistry(t)

	a := newNode(t, "A", reg.Port())
	a.connect(t)
	a.createService("Net1", "svc1", 1)

	// B joins after A already created its service: the handshake replay must
	// carry it over without a live Created event.
	b := newNode(t, "B", reg.Port())
	b.connect(t)

	require.Eventually(t, func() bool {
		return len(b.disc.RemoteOnNetwork("Net1")) == 1
	}, 5*time.Second, 5*time.Millisecond)
}

func TestLiveDiscoveryEvent(t *testing.T) {
	reg := startRegistry(t)
	a := newNode(t, "A", reg.Port())
	a.connect(t)
	b := newNode(t, "B", reg.Port())
	b.connect(t)
	require.Eventually(t, func() bool { return a.manager.LinkFor("B") != nil },
		5*time.Second, 5*time.Millisecond)

	var events int
	var mu sync.Mutex
	b.disc.RegisterHandler(func(ty wire.DiscoveryEventType, d wire.ServiceDescriptor) {
		if ty == wire.ServiceCreated && d.ParticipantName == "A" {
			mu.Lock()
			events++
			mu.Unlock()
		}
	})

	a.createService("Net2", "late", 2)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return events == 1
	}, 5*time.Second, 5*time.Millisecond)
}

func TestRoutedDataMessageBetweenParticipants(t *testing.T) {
	reg := startRegistry(t)
	a := newNode(t, "A", reg.Port())
	a.connect(t)
	b := newNode(t, "B", reg.Port())
	b.connect(t)
	require.Eventually(t, func() bool { return a.manager.LinkFor("B") != nil },
		5*time.Second, 5*time.Millisecond)

	subDesc := b.createService("Topic1", "sub", 1)
	var payloads [][]byte
	var mu sync.Mutex
	b.router.RegisterLocal(subDesc, func(_ wire.ServiceDescriptor, msg wire.Message) {
		if dm, ok := msg.(wire.DataMessage); ok {
			mu.Lock()
			payloads = append(payloads, dm.Payload)
			mu.Unlock()
		}
	})
	pubDesc := a.createService("Topic1", "pub", 1)

	// Wait until A knows B's subscriber before publishing.
	require.Eventually(t, func() bool {
		return len(a.disc.RemoteOnNetwork("Topic1")) == 1
	}, 5*time.Second, 5*time.Millisecond)

	for i := byte(0); i < 3; i++ {
		a.router.Broadcast(pubDesc, wire.DataMessage{Topic: "Topic1", MediaType: "m", Payload: []byte{i}})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(payloads) == 3
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, [][]byte{{0}, {1}, {2}}, payloads, "emission order preserved")
}

func TestPeerDisconnectPrunesServices(t *testing.T) {
	reg := startRegistry(t)
	a := newNode(t, "A", reg.Port())
	a.connect(t)
	b := newNode(t, "B", reg.Port())
	b.connect(t)
	require.Eventually(t, func() bool { return a.manager.LinkFor("B") != nil },
		5*time.Second, 5*time.Millisecond)

	b.createService("NetX", "svc", 1)
	require.Eventually(t, func() bool {
		return len(a.disc.RemoteOnNetwork("NetX")) == 1
	}, 5*time.Second, 5*time.Millisecond)

	_ = b.manager.Close()

	require.Eventually(t, func() bool {
		return len(a.disc.RemoteOnNetwork("NetX")) == 0
	}, 5*time.Second, 5*time.Millisecond, "remote services owned by a dead peer are removed")
	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Contains(t, a.left, "B")
}

func TestStatusBroadcastReachesPeerSink(t *testing.T) {
	reg := startRegistry(t)
	a := newNode(t, "A", reg.Port())
	a.connect(t)
	b := newNode(t, "B", reg.Port())
	b.connect(t)
	require.Eventually(t, func() bool { return a.manager.LinkFor("B") != nil },
		5*time.Second, 5*time.Millisecond)

	a.manager.BroadcastControl(a.announcer, wire.ParticipantStatus{
		ParticipantName: "A",
		State:           wire.StateRunning,
	})

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.statuses) == 1 && b.statuses[0].State == wire.StateRunning
	}, 5*time.Second, 5*time.Millisecond)
}
