// Copyright (c) 2025 simkit
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package core connects a participant to its domain: registry handshake,
// peer links, message routing and the serial handler dispatch loop.
package core

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/simkit/simbus/internal/log"
)

const dispatchQueueDepth = 1024

// Dispatcher runs all user-visible callbacks on one goroutine in submission
// order. Handler faults are recovered and logged; nothing a handler does may
// kill this goroutine.
type Dispatcher struct {
	tasks  chan func()
	stop   chan struct{}
	done   sync.WaitGroup
	once   sync.Once
	logger zerolog.Logger

	faultMu   sync.Mutex
	onFault   func(error)
	lastFault error
}

// NewDispatcher starts the dispatch goroutine.
func NewDispatcher(participantName string) *Dispatcher {
	d := &Dispatcher{
		tasks: make(chan func(), dispatchQueueDepth),
		stop:  make(chan struct{}),
		logger: log.WithComponent("dispatch").With().
			Str(log.FieldParticipant, participantName).Logger(),
	}
	d.done.Add(1)
	go d.loop()
	return d
}

// SetFaultHandler installs a callback observing recovered handler faults.
func (d *Dispatcher) SetFaultHandler(fn func(error)) {
	d.faultMu.Lock()
	d.onFault = fn
	d.faultMu.Unlock()
}

// Post enqueues fn for serial execution. It blocks when the queue is at its
// high-water mark and drops the task once the dispatcher has stopped.
func (d *Dispatcher) Post(fn func()) {
	select {
	case <-d.stop:
		return
	default:
	}
	select {
	case d.tasks <- fn:
	case <-d.stop:
	}
}

// Stop drains queued tasks and terminates the loop.
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.stop) })
	d.done.Wait()
}

func (d *Dispatcher) loop() {
	defer d.done.Done()
	for {
		select {
		case fn := <-d.tasks:
			d.run(fn)
		case <-d.stop:
			for {
				select {
				case fn := <-d.tasks:
					d.run(fn)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("handler fault: %v", r)
			d.logger.Error().
				Str(log.FieldEvent, "dispatch.handler_fault").
				Err(err).
				Msg("recovered panic from user handler")
			d.faultMu.Lock()
			d.lastFault = err
			fault := d.onFault
			d.faultMu.Unlock()
			if fault != nil {
				fault(err)
			}
		}
	}()
	fn()
}

// LastFault returns the most recent recovered handler fault, if any.
func (d *Dispatcher) LastFault() error {
	d.faultMu.Lock()
	defer d.faultMu.Unlock()
	return d.lastFault
}
