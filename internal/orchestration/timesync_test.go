// Copyright (c) 2025 simkit
// Licensed under the PolyForm Noncommercial License 1.0.0

package orchestration

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simkit/simbus/internal/wire"
)

// fakeDomain wires two coordinators directly together, standing in for the
// message bus.
type fakeDomain struct {
	mu     sync.Mutex
	coords map[string]*Coordinator
}

func newFakeDomain() *fakeDomain {
	return &fakeDomain{coords: make(map[string]*Coordinator)}
}

func (d *fakeDomain) add(name string, step time.Duration, task SimTask) *Coordinator {
	var c *Coordinator
	send := func(t wire.NextSimTask) {
		d.mu.Lock()
		peers := make(map[string]*Coordinator, len(d.coords))
		for n, p := range d.coords {
			peers[n] = p
		}
		d.mu.Unlock()
		for n, p := range peers {
			if n != name {
				p.OnNextSimTask(name, t)
			}
		}
	}
	c = NewCoordinator(name, step, task, false, send, inline)
	d.mu.Lock()
	d.coords[name] = c
	d.mu.Unlock()
	return c
}

func (d *fakeDomain) connectAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for n1, c1 := range d.coords {
		for n2 := range d.coords {
			if n1 != n2 {
				c1.AddSyncPeer(n2)
			}
		}
	}
}

func TestTwoParticipantLockstep(t *testing.T) {
	d := newFakeDomain()
	const step = time.Millisecond
	const ticks = 5

	type record struct {
		mu    sync.Mutex
		times []time.Duration
	}
	recA, recB := &record{}, &record{}
	done := make(chan struct{}, 2)

	mkTask := func(rec *record, c **Coordinator) SimTask {
		return func(now, dur time.Duration) {
			rec.mu.Lock()
			rec.times = append(rec.times, now)
			n := len(rec.times)
			rec.mu.Unlock()
			assert.Equal(t, step, dur)
			if n == ticks {
				done <- struct{}{}
				go (*c).OnStateChange(wire.StateStopping)
			}
		}
	}
	var ca, cb *Coordinator
	ca = d.add("A", step, mkTask(recA, &ca))
	cb = d.add("B", step, mkTask(recB, &cb))
	d.connectAll()

	ca.OnStateChange(wire.StateRunning)
	cb.OnStateChange(wire.StateRunning)

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("lockstep stalled")
		}
	}
	<-ca.Finished()
	<-cb.Finished()

	want := []time.Duration{0, step, 2 * step, 3 * step, 4 * step}
	recA.mu.Lock()
	assert.Equal(t, want, recA.times[:ticks], "A ticks in order")
	recA.mu.Unlock()
	recB.mu.Lock()
	assert.Equal(t, want, recB.times[:ticks], "B ticks in order")
	recB.mu.Unlock()
}

func TestAdvanceByMinimumStep(t *testing.T) {
	d := newFakeDomain()
	var fast *Coordinator
	var fastTimes []time.Duration
	var mu sync.Mutex
	done := make(chan struct{})

	fast = d.add("fast", time.Millisecond, func(now, _ time.Duration) {
		mu.Lock()
		fastTimes = append(fastTimes, now)
		n := len(fastTimes)
		mu.Unlock()
		if n == 3 {
			close(done)
			go fast.OnStateChange(wire.StateStopping)
		}
	})
	slow := d.add("slow", 4*time.Millisecond, nil)
	d.connectAll()

	fast.OnStateChange(wire.StateRunning)
	slow.OnStateChange(wire.StateRunning)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stalled")
	}
	slow.OnStateChange(wire.StateStopping)
	<-fast.Finished()
	<-slow.Finished()

	mu.Lock()
	defer mu.Unlock()
	// The global clock advances by the minimum step (1 ms) per tick.
	assert.Equal(t, []time.Duration{0, time.Millisecond, 2 * time.Millisecond}, fastTimes[:3])
}

func TestSoloParticipantTicksFreely(t *testing.T) {
	var c *Coordinator
	var count int
	var mu sync.Mutex
	done := make(chan struct{})
	c = NewCoordinator("solo", time.Millisecond, func(now, _ time.Duration) {
		mu.Lock()
		count++
		n := count
		mu.Unlock()
		if n == 10 {
			close(done)
			go c.OnStateChange(wire.StateStopping)
		}
	}, false, func(wire.NextSimTask) {}, inline)

	c.OnStateChange(wire.StateRunning)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("solo coordinator stalled")
	}
	<-c.Finished()
	assert.Equal(t, 10*time.Millisecond, c.Now())
}

func TestAsyncStepCompletion(t *testing.T) {
	var c *Coordinator
	invoked := make(chan time.Duration, 16)
	c = NewCoordinator("async", time.Millisecond, func(now, _ time.Duration) {
		invoked <- now
	}, true, func(wire.NextSimTask) {}, inline)

	c.OnStateChange(wire.StateRunning)

	// First invocation happens immediately; the next only after completion.
	select {
	case now := <-invoked:
		assert.Equal(t, time.Duration(0), now)
	case <-time.After(2 * time.Second):
		t.Fatal("task not invoked")
	}
	select {
	case <-invoked:
		t.Fatal("second tick before CompleteSimulationStep")
	case <-time.After(30 * time.Millisecond):
	}

	c.CompleteSimulationStep()
	select {
	case now := <-invoked:
		assert.Equal(t, time.Millisecond, now)
	case <-time.After(2 * time.Second):
		t.Fatal("tick after completion missing")
	}
	c.OnStateChange(wire.StateStopping)
	c.CompleteSimulationStep()
	<-c.Finished()
}

func TestErrorStopsEmission(t *testing.T) {
	var sent int
	var mu sync.Mutex
	c := NewCoordinator("p", time.Millisecond, nil, false, func(wire.NextSimTask) {
		mu.Lock()
		sent++
		mu.Unlock()
	}, inline)
	c.AddSyncPeer("ghost") // never answers: the barrier blocks after one send

	c.OnStateChange(wire.StateRunning)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return sent == 1
	}, 2*time.Second, time.Millisecond)

	c.OnStateChange(wire.StateError)
	<-c.Finished()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, sent, "no NextSimTask after leaving Running")
}

func TestPeerRemovalUnblocksBarrier(t *testing.T) {
	var c *Coordinator
	ticks := make(chan time.Duration, 16)
	c = NewCoordinator("p", time.Millisecond, func(now, _ time.Duration) {
		ticks <- now
	}, false, func(wire.NextSimTask) {}, inline)
	c.AddSyncPeer("dead")

	c.OnStateChange(wire.StateRunning)
	<-ticks // first task ran; barrier now blocks on "dead"

	select {
	case <-ticks:
		t.Fatal("barrier should block on silent peer")
	case <-time.After(30 * time.Millisecond):
	}

	c.RemoveSyncPeer("dead") // link loss prunes the peer
	select {
	case now := <-ticks:
		assert.Equal(t, time.Millisecond, now)
	case <-time.After(2 * time.Second):
		t.Fatal("barrier not released by peer removal")
	}
	c.OnStateChange(wire.StateAborting)
	<-c.Finished()
}

func TestPauseHaltsTicking(t *testing.T) {
	var c *Coordinator
	ticks := make(chan time.Duration, 64)
	c = NewCoordinator("p", time.Millisecond, func(now, _ time.Duration) {
		ticks <- now
	}, false, func(wire.NextSimTask) {}, inline)

	c.OnStateChange(wire.StateRunning)
	<-ticks
	c.OnStateChange(wire.StatePaused)
	// Drain the backlog produced before the pause took effect, then expect
	// silence.
	for draining := true; draining; {
		select {
		case <-ticks:
		case <-time.After(50 * time.Millisecond):
			draining = false
		}
	}
	select {
	case <-ticks:
		t.Fatal("ticking continued while paused")
	case <-time.After(50 * time.Millisecond):
	}
	c.OnStateChange(wire.StateRunning)
	select {
	case <-ticks:
	case <-time.After(2 * time.Second):
		t.Fatal("ticking did not resume")
	}
	c.OnStateChange(wire.StateStopping)
	<-c.Finished()
}
