// Copyright (c) 2025 simkit
// Licensed under the PolyForm Noncommercial License 1.0.0

package orchestration

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/simkit/simbus/internal/log"
	"github.com/simkit/simbus/internal/metrics"
	"github.com/simkit/simbus/internal/wire"
)

// SimTask is the per-tick simulation callback of a synchronized participant.
// It runs on the dispatch goroutine.
type SimTask func(now, duration time.Duration)

// Coordinator advances the shared virtual clock in lockstep with all other
// synchronized participants. Per tick it runs the simulation task, announces
// its own next activation via NextSimTask, waits for every peer's
// announcement, and advances to the minimum.
type Coordinator struct {
	name   string
	step   time.Duration
	task   SimTask
	async  bool
	send   func(wire.NextSimTask)
	post   func(func())
	logger zerolog.Logger

	mu   sync.Mutex
	cond *sync.Cond

	now      time.Duration
	tick     uint64
	state    wire.ParticipantState
	peerSet  map[string]bool
	counts   map[string]uint64
	latest   map[string]time.Duration
	taskDone bool

	startOnce sync.Once
	finished  chan struct{}
}

// NewCoordinator creates an idle coordinator. send broadcasts a NextSimTask
// to all peers; post schedules the simulation task on the dispatch goroutine.
func NewCoordinator(name string, step time.Duration, task SimTask, async bool,
	send func(wire.NextSimTask), post func(func())) *Coordinator {
	c := &Coordinator{
		name:     name,
		step:     step,
		task:     task,
		async:    async,
		send:     send,
		post:     post,
		peerSet:  make(map[string]bool),
		counts:   make(map[string]uint64),
		latest:   make(map[string]time.Duration),
		finished: make(chan struct{}),
		logger: log.WithComponent("timesync").With().
			Str(log.FieldParticipant, name).Logger(),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Now returns the participant's current virtual time.
func (c *Coordinator) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AddSyncPeer registers a synchronized peer the barrier must wait for.
func (c *Coordinator) AddSyncPeer(name string) {
	c.mu.Lock()
	c.peerSet[name] = true
	c.mu.Unlock()
	c.cond.Broadcast()
}

// RemoveSyncPeer drops a departed peer so the barrier cannot deadlock on it.
func (c *Coordinator) RemoveSyncPeer(name string) {
	c.mu.Lock()
	delete(c.peerSet, name)
	delete(c.counts, name)
	delete(c.latest, name)
	c.mu.Unlock()
	c.cond.Broadcast()
}

// OnNextSimTask ingests a peer's barrier announcement.
func (c *Coordinator) OnNextSimTask(peer string, task wire.NextSimTask) {
	c.mu.Lock()
	if c.peerSet[peer] {
		c.counts[peer]++
		c.latest[peer] = task.TimePoint
	}
	c.mu.Unlock()
	c.cond.Broadcast()
}

// OnStateChange mirrors the lifecycle state. Running starts the loop;
// Stopping, Error and Aborting stop NextSimTask emission.
func (c *Coordinator) OnStateChange(s wire.ParticipantState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.cond.Broadcast()
	if s == wire.StateRunning {
		c.startOnce.Do(func() { go c.loop() })
	}
}

// CompleteSimulationStep finishes an asynchronous simulation step. It returns
// immediately.
func (c *Coordinator) CompleteSimulationStep() {
	c.mu.Lock()
	c.taskDone = true
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Finished is closed when the coordinator has stopped ticking.
func (c *Coordinator) Finished() <-chan struct{} { return c.finished }

func (c *Coordinator) loop() {
	defer close(c.finished)
	for {
		c.mu.Lock()
		for c.state == wire.StatePaused {
			c.cond.Wait()
		}
		if c.state != wire.StateRunning {
			c.mu.Unlock()
			return
		}
		now := c.now
		c.taskDone = false
		c.mu.Unlock()

		// 1. Run the simulation task on the dispatch goroutine and wait for
		// completion (or for CompleteSimulationStep on async tasks), so that
		// every frame it emitted is enqueued before our NextSimTask.
		if c.task != nil {
			if c.async {
				c.post(func() { c.task(now, c.step) })
			} else {
				c.post(func() {
					c.task(now, c.step)
					c.CompleteSimulationStep()
				})
			}
			c.mu.Lock()
			for !c.taskDone && c.stateAllowsTick() {
				c.cond.Wait()
			}
			if !c.stateAllowsTick() {
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
		}

		// 2. Announce our next activation.
		myNext := now + c.step
		c.send(wire.NextSimTask{TimePoint: myNext, Duration: c.step})

		// 3. Barrier: one announcement from every synchronized peer per tick.
		c.mu.Lock()
		c.tick++
		tick := c.tick
		for !c.barrierReachedLocked(tick) && c.stateAllowsTick() {
			c.cond.Wait()
		}
		if !c.stateAllowsTick() {
			c.mu.Unlock()
			return
		}

		// 4. Advance to the minimum next activation across the domain.
		next := myNext
		for peer := range c.peerSet {
			if tp := c.latest[peer]; tp < next {
				next = tp
			}
		}
		c.now = next
		c.mu.Unlock()

		metrics.SimTicksTotal.Inc()
		metrics.VirtualTimeNanos.Set(float64(next))
	}
}

// stateAllowsTick must be called with mu held.
func (c *Coordinator) stateAllowsTick() bool {
	return c.state == wire.StateRunning || c.state == wire.StatePaused
}

// barrierReachedLocked reports whether every peer has announced this tick.
func (c *Coordinator) barrierReachedLocked(tick uint64) bool {
	for peer := range c.peerSet {
		if c.counts[peer] < tick {
			return false
		}
	}
	return true
}
