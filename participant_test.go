// Copyright (c) 2025 simkit
// Licensed under the PolyForm Noncommercial License 1.0.0

package simbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simkit/simbus/internal/registry"
	"github.com/simkit/simbus/internal/wire"
)

func startDomain(t *testing.T) *registry.Server {
	t.Helper()
	reg := registry.NewServer()
	require.NoError(t, reg.Start("127.0.0.1:0"))
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func join(t *testing.T, reg *registry.Server, name string) *Participant {
	t.Helper()
	p, err := NewParticipant(context.Background(), Options{
		Name:         name,
		RegistryHost: "127.0.0.1",
		RegistryPort: reg.Port(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// waitPeered blocks until p has an established link to every named peer.
func waitPeered(t *testing.T, p *Participant, peers ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, name := range peers {
			if p.manager.LinkFor(name) == nil {
				return false
			}
		}
		return true
	}, 10*time.Second, 5*time.Millisecond, "peer links of %s", p.Name())
}

func TestRegistryUnreachableFromConstructor(t *testing.T) {
	_, err := NewParticipant(context.Background(), Options{
		Name:         "Lonely",
		RegistryHost: "127.0.0.1",
		RegistryPort: 1, // closed port
	})
	require.ErrorIs(t, err, ErrRegistryUnreachable)
}

func TestControllerCreationRules(t *testing.T) {
	reg := startDomain(t)
	p := join(t, reg, "P")

	_, err := p.CreateEthernetController("", "Eth0")
	require.ErrorIs(t, err, ErrInvalidName, "empty canonical name fails synchronously")

	eth1, err := p.CreateEthernetController("ETH1", "Eth0")
	require.NoError(t, err)
	eth2, err := p.CreateEthernetController("ETH1", "Eth0")
	require.NoError(t, err)
	assert.Same(t, eth1, eth2, "creation is idempotent per (network, name)")

	_, err = p.CreateCanController("ETH1", "Eth0")
	require.ErrorIs(t, err, ErrDuplicateService, "same key, different kind")

	can, err := p.CreateCanController("CAN1", "CAN1")
	require.NoError(t, err)
	assert.NotSame(t, eth1, can)
}

// S1: RPC call/return ordering and payload transformation.
func TestRpcCallReturnOrdering(t *testing.T) {
	reg := startDomain(t)
	client := join(t, reg, "Client")
	server := join(t, reg, "Server")

	var serverSeen [][]byte
	var serverMu sync.Mutex
	_, err := server.CreateRpcServer("srv", "funcA", "application/octet-stream", nil,
		func(ev RpcCallEvent) []byte {
			serverMu.Lock()
			serverSeen = append(serverSeen, append([]byte(nil), ev.Data...))
			serverMu.Unlock()
			out := make([]byte, len(ev.Data))
			for i, b := range ev.Data {
				out[i] = b + 100
			}
			return out
		})
	require.NoError(t, err)

	var results [][]byte
	var resultMu sync.Mutex
	rpcClient, err := client.CreateRpcClient("cli", "funcA", "application/octet-stream", nil,
		func(ev RpcCallResultEvent) {
			assert.Equal(t, RpcStatusSuccess, ev.Status)
			resultMu.Lock()
			results = append(results, append([]byte(nil), ev.Data...))
			resultMu.Unlock()
		})
	require.NoError(t, err)

	// Wait until the client has discovered the server.
	require.Eventually(t, func() bool { return rpcClient.serverReachable() },
		5*time.Second, 5*time.Millisecond)

	require.NoError(t, rpcClient.Call([]byte{0, 0, 0}))
	require.NoError(t, rpcClient.Call([]byte{1, 1, 1}))
	require.NoError(t, rpcClient.Call([]byte{2, 2, 2}))

	require.Eventually(t, func() bool {
		resultMu.Lock()
		defer resultMu.Unlock()
		return len(results) == 3
	}, 5*time.Second, 5*time.Millisecond)

	serverMu.Lock()
	assert.Equal(t, [][]byte{{0, 0, 0}, {1, 1, 1}, {2, 2, 2}}, serverSeen)
	serverMu.Unlock()
	resultMu.Lock()
	assert.Equal(t, [][]byte{{100, 100, 100}, {101, 101, 101}, {102, 102, 102}}, results)
	resultMu.Unlock()
}

func TestRpcServerNotReachable(t *testing.T) {
	reg := startDomain(t)
	client := join(t, reg, "Client")

	got := make(chan RpcStatus, 1)
	rpcClient, err := client.CreateRpcClient("cli", "nobodyHome", "application/octet-stream", nil,
		func(ev RpcCallResultEvent) { got <- ev.Status })
	require.NoError(t, err)

	require.NoError(t, rpcClient.Call([]byte{1}))
	select {
	case status := <-got:
		assert.Equal(t, RpcStatusServerNotReachable, status)
	case <-time.After(5 * time.Second):
		t.Fatal("no call result")
	}
}

// S2: Ethernet frame fanout with local transmit acknowledgment.
func TestEthernetFrameFanout(t *testing.T) {
	reg := startDomain(t)
	a := join(t, reg, "A")
	b := join(t, reg, "B")
	c := join(t, reg, "C")

	frame := make([]byte, 64)
	for i := range frame {
		frame[i] = byte(i)
	}

	type capture struct {
		mu     sync.Mutex
		frames []FrameEvent
	}
	received := map[string]*capture{"B": {}, "C": {}}

	ethA, err := a.CreateEthernetController("ETH", "Eth0")
	require.NoError(t, err)
	var aGotFrame bool
	var aMu sync.Mutex
	ethA.AddFrameHandler(func(FrameEvent) {
		aMu.Lock()
		aGotFrame = true
		aMu.Unlock()
	})
	acks := make(chan FrameTransmitEvent, 4)
	ethA.AddFrameTransmitHandler(func(ev FrameTransmitEvent) { acks <- ev })

	for name, p := range map[string]*Participant{"B": b, "C": c} {
		rc := received[name]
		eth, err := p.CreateEthernetController("ETH", "Eth0")
		require.NoError(t, err)
		eth.AddFrameHandler(func(ev FrameEvent) {
			rc.mu.Lock()
			rc.frames = append(rc.frames, ev)
			rc.mu.Unlock()
		})
	}

	// A must know both receivers before the send.
	require.Eventually(t, func() bool {
		return len(a.disc.RemoteOnNetwork("Eth0")) == 2
	}, 5*time.Second, 5*time.Millisecond)

	before := a.VirtualTimeNow()
	require.NoError(t, ethA.SendFrame(frame))

	for _, name := range []string{"B", "C"} {
		rc := received[name]
		require.Eventually(t, func() bool {
			rc.mu.Lock()
			defer rc.mu.Unlock()
			return len(rc.frames) == 1
		}, 5*time.Second, 5*time.Millisecond, "receiver %s", name)
		rc.mu.Lock()
		assert.Equal(t, frame, rc.frames[0].Payload)
		assert.Equal(t, "A", rc.frames[0].Sender)
		rc.mu.Unlock()
	}

	select {
	case ack := <-acks:
		assert.Equal(t, TransmitStatusTransmitted, ack.Status)
		assert.GreaterOrEqual(t, ack.Timestamp, before)
		assert.LessOrEqual(t, ack.Timestamp, a.VirtualTimeNow())
	case <-time.After(5 * time.Second):
		t.Fatal("no transmit acknowledgment")
	}

	time.Sleep(50 * time.Millisecond)
	aMu.Lock()
	assert.False(t, aGotFrame, "sender must not receive its own frame")
	aMu.Unlock()
}

// S3: two synchronized participants tick in lockstep at 1 ms.
func TestSynchronizedTicks(t *testing.T) {
	reg := startDomain(t)
	a := join(t, reg, "A")
	b := join(t, reg, "B")
	ctrl := join(t, reg, "Controller")

	const step = time.Millisecond
	const wantTicks = 5

	type ticks struct {
		mu    sync.Mutex
		times []time.Duration
	}
	ta, tb := &ticks{}, &ticks{}
	enough := make(chan struct{}, 2)

	record := func(tk *ticks) func(now, duration time.Duration) {
		return func(now, duration time.Duration) {
			tk.mu.Lock()
			tk.times = append(tk.times, now)
			n := len(tk.times)
			tk.mu.Unlock()
			if n == wantTicks {
				enough <- struct{}{}
			}
		}
	}
	require.NoError(t, a.SetSimulationStepHandler(step, record(ta)))
	require.NoError(t, b.SetSimulationStepHandler(step, record(tb)))

	waitPeered(t, a, "B", "Controller")
	waitPeered(t, b, "A", "Controller")
	// Both barrier sets must be complete before the first tick.
	hasSyncPeer := func(p *Participant, peer string) func() bool {
		return func() bool {
			p.mu.Lock()
			defer p.mu.Unlock()
			return p.syncPeers[peer]
		}
	}
	require.Eventually(t, hasSyncPeer(a, "B"), 10*time.Second, 5*time.Millisecond)
	require.Eventually(t, hasSyncPeer(b, "A"), 10*time.Second, 5*time.Millisecond)
	require.NoError(t, a.StartLifecycle(LifecycleConfig{Coordinated: true}))
	require.NoError(t, b.StartLifecycle(LifecycleConfig{Coordinated: true}))

	ctrl.SetWorkflowConfiguration([]string{"A", "B"})
	require.Eventually(t, func() bool {
		return ctrl.SystemState() == SystemState(StateReadyToRun)
	}, 10*time.Second, 5*time.Millisecond, "system must reach ReadyToRun")

	ctrl.SystemRun()

	for i := 0; i < 2; i++ {
		select {
		case <-enough:
		case <-time.After(10 * time.Second):
			t.Fatal("synchronized ticks stalled")
		}
	}

	ctrl.SystemStop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := a.WaitForLifecycleToComplete(ctx)
	require.NoError(t, err)
	_, err = b.WaitForLifecycleToComplete(ctx)
	require.NoError(t, err)

	want := []time.Duration{0, step, 2 * step, 3 * step, 4 * step}
	ta.mu.Lock()
	assert.Equal(t, want, ta.times[:wantTicks])
	ta.mu.Unlock()
	tb.mu.Lock()
	assert.Equal(t, want, tb.times[:wantTicks])
	tb.mu.Unlock()
}

// S4: full lifecycle driven by an external system controller.
func TestLifecycleWithExternalStop(t *testing.T) {
	reg := startDomain(t)
	p := join(t, reg, "P")
	ctrl := join(t, reg, "ZController") // sorts after P; P dials

	hookRan := struct {
		mu           sync.Mutex
		ready, stopped bool
	}{}
	require.NoError(t, p.SetCommunicationReadyHandler(func() error {
		hookRan.mu.Lock()
		hookRan.ready = true
		hookRan.mu.Unlock()
		return nil
	}))
	require.NoError(t, p.SetStopHandler(func() error {
		hookRan.mu.Lock()
		hookRan.stopped = true
		hookRan.mu.Unlock()
		return nil
	}))

	var observed []ParticipantState
	var obsMu sync.Mutex
	ctrl.AddParticipantStatusHandler(func(st ParticipantStatus) {
		if st.ParticipantName == "P" {
			obsMu.Lock()
			observed = append(observed, st.State)
			obsMu.Unlock()
		}
	})
	ctrl.SetWorkflowConfiguration([]string{"P"})

	waitPeered(t, p, "ZController")
	require.NoError(t, p.StartLifecycle(LifecycleConfig{Coordinated: true}))
	require.Eventually(t, func() bool {
		return ctrl.SystemState() == SystemState(StateReadyToRun)
	}, 10*time.Second, 5*time.Millisecond)

	ctrl.SystemRun()
	require.Eventually(t, func() bool { return p.State() == StateRunning },
		10*time.Second, 5*time.Millisecond)

	ctrl.SystemStop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	final, err := p.WaitForLifecycleToComplete(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateShutdown, final)

	want := []ParticipantState{
		StateServicesCreated,
		StateCommunicationInitializing,
		StateCommunicationInitialized,
		StateReadyToRun,
		StateRunning,
		StateStopping,
		StateStopped,
		StateShuttingDown,
		StateShutdown,
	}
	require.Eventually(t, func() bool {
		obsMu.Lock()
		defer obsMu.Unlock()
		return len(observed) == len(want)
	}, 10*time.Second, 5*time.Millisecond)

	obsMu.Lock()
	assert.Equal(t, want, observed, "status sequence observed on the bus")
	obsMu.Unlock()

	hookRan.mu.Lock()
	assert.True(t, hookRan.ready)
	assert.True(t, hookRan.stopped)
	hookRan.mu.Unlock()
}

// S5: one participant in Error dominates the system state; abort shuts all
// down.
func TestErrorDominanceAndAbort(t *testing.T) {
	reg := startDomain(t)
	a := join(t, reg, "A")
	b := join(t, reg, "B")
	c := join(t, reg, "C")
	mon := join(t, reg, "ZMonitor")

	systemStates := make(chan SystemState, 64)
	mon.AddSystemStateHandler(func(s SystemState) { systemStates <- s })
	mon.SetWorkflowConfiguration([]string{"A", "B", "C"})

	waitPeered(t, a, "B", "C", "ZMonitor")
	waitPeered(t, b, "A", "C", "ZMonitor")
	waitPeered(t, c, "A", "B", "ZMonitor")
	for _, p := range []*Participant{a, b, c} {
		require.NoError(t, p.StartLifecycle(LifecycleConfig{Coordinated: true}))
	}
	require.Eventually(t, func() bool {
		return mon.SystemState() == SystemState(StateReadyToRun)
	}, 10*time.Second, 5*time.Millisecond)
	mon.SystemRun()
	require.Eventually(t, func() bool {
		return mon.SystemState() == SystemState(StateRunning)
	}, 10*time.Second, 5*time.Millisecond)

	require.NoError(t, b.ReportError("sensor failure"))
	require.Eventually(t, func() bool {
		return mon.SystemState() == SystemState(StateError)
	}, 10*time.Second, 5*time.Millisecond, "Error must dominate")

	mon.AbortSimulation()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, p := range []*Participant{a, b, c} {
		final, err := p.WaitForLifecycleToComplete(ctx)
		require.NoError(t, err)
		assert.Equal(t, StateShutdown, final)
	}
}

func TestPubSubMatchingAndLabels(t *testing.T) {
	reg := startDomain(t)
	pubP := join(t, reg, "Publisher")
	subP := join(t, reg, "Subscriber")

	matched := make(chan DataEvent, 8)
	_, err := subP.CreateDataSubscriber("plain", "Temp", "application/json", nil,
		func(ev DataEvent) { matched <- ev })
	require.NoError(t, err)

	labelMiss := make(chan DataEvent, 8)
	_, err = subP.CreateDataSubscriber("fahrenheit", "Temp", "application/json",
		map[string]string{"unit": "F"},
		func(ev DataEvent) { labelMiss <- ev })
	require.NoError(t, err)

	mediaMiss := make(chan DataEvent, 8)
	_, err = subP.CreateDataSubscriber("binary", "Temp", "application/octet-stream", nil,
		func(ev DataEvent) { mediaMiss <- ev })
	require.NoError(t, err)

	pub, err := pubP.CreateDataPublisher("pub", "Temp", "application/json",
		map[string]string{"unit": "C"}, 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(pubP.disc.RemoteOnNetwork("Temp")) == 3
	}, 5*time.Second, 5*time.Millisecond)

	pub.Publish([]byte(`{"t":21}`))

	select {
	case ev := <-matched:
		assert.Equal(t, "Publisher", ev.Publisher)
		assert.Equal(t, []byte(`{"t":21}`), ev.Data)
	case <-time.After(5 * time.Second):
		t.Fatal("matching subscriber got nothing")
	}
	select {
	case <-labelMiss:
		t.Fatal("subscriber with non-subset labels must not match")
	case <-time.After(50 * time.Millisecond):
	}
	select {
	case <-mediaMiss:
		t.Fatal("subscriber with different media type must not match")
	case <-time.After(50 * time.Millisecond):
	}
}

// S6: a participant joining late receives existing services exactly once via
// the handshake replay.
func TestLateJoinerSeesServicesOnce(t *testing.T) {
	reg := startDomain(t)
	a := join(t, reg, "A")

	pub, err := a.CreateDataPublisher("pub", "Temp", "application/json", nil, 1)
	require.NoError(t, err)
	pub.Publish([]byte(`{"v":1}`))

	// B joins after the fact and learns about the publisher through the
	// handshake replay, exactly once.
	b, err := NewParticipant(context.Background(), Options{
		Name:         "B",
		RegistryHost: "127.0.0.1",
		RegistryPort: reg.Port(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	var created int
	var mu sync.Mutex
	b.disc.RegisterHandler(func(ty wire.DiscoveryEventType, d wire.ServiceDescriptor) {
		if ty == wire.ServiceCreated && d.ServiceName == "pub" {
			mu.Lock()
			created++
			mu.Unlock()
		}
	})

	require.Eventually(t, func() bool {
		return len(b.disc.RemoteOnNetwork("Temp")) == 1
	}, 5*time.Second, 5*time.Millisecond)

	// A republishing must not produce another discovery event.
	pub.Publish([]byte(`{"v":2}`))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.LessOrEqual(t, created, 1, "no duplicate discovery events after replay")
	mu.Unlock()
}
