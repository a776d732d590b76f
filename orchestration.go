// Copyright (c) 2025 simkit
// Licensed under the PolyForm Noncommercial License 1.0.0

package simbus

import (
	"context"
	"time"

	"github.com/simkit/simbus/internal/orchestration"
	"github.com/simkit/simbus/internal/wire"
)

// LifecycleConfig selects how the participant's lifecycle is driven.
// Coordinated participants wait for a system controller's Run command;
// autonomous ones start running on their own.
type LifecycleConfig struct {
	Coordinated bool
}

// setHook guards hook mutation against a started lifecycle.
func (p *Participant) setHook(apply func(*orchestration.Hooks)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lifecycle != nil {
		return ErrLifecycleStarted
	}
	apply(&p.hooks)
	return nil
}

// SetCommunicationReadyHandler installs the hook invoked once communication
// with all peers is established, before ReadyToRun.
func (p *Participant) SetCommunicationReadyHandler(fn func() error) error {
	return p.setHook(func(h *orchestration.Hooks) {
		h.CommunicationReady = fn
		h.CommunicationReadyAsync = false
	})
}

// SetCommunicationReadyHandlerAsync installs an asynchronous variant: the
// state machine stays parked until CompleteCommunicationReadyHandlerAsync.
func (p *Participant) SetCommunicationReadyHandlerAsync(fn func() error) error {
	return p.setHook(func(h *orchestration.Hooks) {
		h.CommunicationReady = fn
		h.CommunicationReadyAsync = true
	})
}

// CompleteCommunicationReadyHandlerAsync finishes the asynchronous
// communication-ready hook.
func (p *Participant) CompleteCommunicationReadyHandlerAsync() error {
	p.mu.Lock()
	lc := p.lifecycle
	p.mu.Unlock()
	if lc == nil {
		return ErrLifecycleNotStarted
	}
	lc.CompleteCommunicationReadyHandlerAsync()
	return nil
}

// SetStartingHandler installs the hook invoked on the transition to Running.
func (p *Participant) SetStartingHandler(fn func() error) error {
	return p.setHook(func(h *orchestration.Hooks) { h.Starting = fn })
}

// SetStopHandler installs the hook invoked while Stopping.
func (p *Participant) SetStopHandler(fn func() error) error {
	return p.setHook(func(h *orchestration.Hooks) { h.Stop = fn })
}

// SetShutdownHandler installs the hook invoked while ShuttingDown.
func (p *Participant) SetShutdownHandler(fn func() error) error {
	return p.setHook(func(h *orchestration.Hooks) { h.Shutdown = fn })
}

// SetAbortHandler installs the emergency-shutdown hook.
func (p *Participant) SetAbortHandler(fn func(lastState ParticipantState)) error {
	return p.setHook(func(h *orchestration.Hooks) {
		h.Abort = func(last wire.ParticipantState) { fn(ParticipantState(last)) }
	})
}

// SetSimulationStepHandler makes the participant synchronized: task runs once
// per virtual-time tick with the given step.
func (p *Participant) SetSimulationStepHandler(step time.Duration, task func(now, duration time.Duration)) error {
	return p.setSimStep(step, task, false)
}

// SetSimulationStepHandlerAsync is the asynchronous variant; each step is
// pending until CompleteSimulationStep.
func (p *Participant) SetSimulationStepHandlerAsync(step time.Duration, task func(now, duration time.Duration)) error {
	return p.setSimStep(step, task, true)
}

func (p *Participant) setSimStep(step time.Duration, task func(now, duration time.Duration), async bool) error {
	p.mu.Lock()
	if p.lifecycle != nil {
		p.mu.Unlock()
		return ErrLifecycleStarted
	}
	created := p.simTask == nil
	p.stepDuration = step
	p.simTask = orchestration.SimTask(task)
	p.simTaskAsync = async
	p.mu.Unlock()

	if created {
		// Announce the time-sync service so peers include this participant
		// in their barrier set.
		desc := p.internalDescriptor(svcTimeSync, "timesync")
		desc.Supplemental = map[string]string{"timesync": "1"}
		p.disc.NotifyServiceCreated(desc)
	}
	return nil
}

// CompleteSimulationStep finishes the pending asynchronous simulation step.
// It returns immediately.
func (p *Participant) CompleteSimulationStep() error {
	p.mu.Lock()
	c := p.coordinator
	p.mu.Unlock()
	if c == nil {
		return ErrNotSynchronized
	}
	c.CompleteSimulationStep()
	return nil
}

// StartLifecycle launches the participant's state machine. It returns
// immediately; use WaitForLifecycleToComplete to join its termination.
func (p *Participant) StartLifecycle(cfg LifecycleConfig) error {
	p.mu.Lock()
	if p.lifecycle != nil {
		p.mu.Unlock()
		return ErrLifecycleStarted
	}

	lc := orchestration.NewLifecycle(p.name, cfg.Coordinated, p.publishStatus, p.watchdog)
	p.lifecycle = lc

	if p.simTask != nil {
		c := orchestration.NewCoordinator(p.name, p.stepDuration, p.simTask, p.simTaskAsync,
			func(task wire.NextSimTask) {
				p.manager.BroadcastControl(p.internalDescriptor(svcTimeSync, "timesync"), task)
			},
			p.dispatcher.Post)
		p.coordinator = c
		for peer := range p.syncPeers {
			c.AddSyncPeer(peer)
		}
		lc.SetStateChangeObserver(c.OnStateChange)
	}
	hooks := p.hooks
	p.mu.Unlock()

	lc.Start(hooks)
	return nil
}

// publishStatus broadcasts a fresh status and feeds the local monitor.
func (p *Participant) publishStatus(st wire.ParticipantStatus) {
	p.manager.BroadcastControl(p.internalDescriptor(svcLifecycle, "lifecycle"), st)
	p.monitor.OnParticipantStatus(st)
}

// WaitForLifecycleToComplete blocks until the state machine terminates and
// returns the final state.
func (p *Participant) WaitForLifecycleToComplete(ctx context.Context) (ParticipantState, error) {
	p.mu.Lock()
	lc := p.lifecycle
	p.mu.Unlock()
	if lc == nil {
		return StateInvalid, ErrLifecycleNotStarted
	}
	select {
	case <-lc.Done():
		return ParticipantState(lc.State()), nil
	case <-ctx.Done():
		return ParticipantState(lc.State()), ctx.Err()
	}
}

// State returns the current lifecycle state.
func (p *Participant) State() ParticipantState {
	p.mu.Lock()
	lc := p.lifecycle
	p.mu.Unlock()
	if lc == nil {
		return StateInvalid
	}
	return ParticipantState(lc.State())
}

func (p *Participant) withLifecycle(fn func(*orchestration.Lifecycle, orchestration.Hooks) error) error {
	p.mu.Lock()
	lc := p.lifecycle
	hooks := p.hooks
	p.mu.Unlock()
	if lc == nil {
		return ErrLifecycleNotStarted
	}
	return fn(lc, hooks)
}

// Stop requests the regular stop path of this participant.
func (p *Participant) Stop(reason string) error {
	return p.withLifecycle(func(lc *orchestration.Lifecycle, hooks orchestration.Hooks) error {
		return lc.Stop(reason, hooks)
	})
}

// Pause suspends a Running participant; the reason is mandatory.
func (p *Participant) Pause(reason string) error {
	return p.withLifecycle(func(lc *orchestration.Lifecycle, _ orchestration.Hooks) error {
		return lc.Pause(reason)
	})
}

// Continue resumes a Paused participant.
func (p *Participant) Continue() error {
	return p.withLifecycle(func(lc *orchestration.Lifecycle, _ orchestration.Hooks) error {
		return lc.Continue()
	})
}

// ReportError forces this participant into the Error state.
func (p *Participant) ReportError(reason string) error {
	return p.withLifecycle(func(lc *orchestration.Lifecycle, _ orchestration.Hooks) error {
		lc.ReportError(reason)
		return nil
	})
}

// ---- system monitor ----

// AddSystemStateHandler observes aggregate system-state transitions.
func (p *Participant) AddSystemStateHandler(fn func(SystemState)) {
	p.monitor.AddSystemStateHandler(func(s orchestration.SystemState) {
		fn(SystemState(s))
	})
}

// AddParticipantStatusHandler observes every participant status received.
func (p *Participant) AddParticipantStatusHandler(fn func(ParticipantStatus)) {
	p.monitor.AddParticipantStatusHandler(func(st wire.ParticipantStatus) {
		fn(ParticipantStatus{
			ParticipantName: st.ParticipantName,
			State:           ParticipantState(st.State),
			EnterReason:     st.EnterReason,
			EnterTime:       time.Unix(0, st.EnterTime),
			RefreshTime:     time.Unix(0, st.RefreshTime),
		})
	})
}

// SystemState returns the current aggregate over all required participants.
func (p *Participant) SystemState() SystemState {
	return SystemState(p.monitor.State())
}

// ---- system controller operations ----

// SetWorkflowConfiguration publishes the required-participant list the
// system state is derived from.
func (p *Participant) SetWorkflowConfiguration(required []string) {
	wc := wire.WorkflowConfiguration{RequiredParticipants: required}
	p.manager.BroadcastControl(p.internalDescriptor(svcLifecycle, "lifecycle"), wc)
	p.monitor.SetWorkflowConfiguration(wc)
}

func (p *Participant) sendSystemCommand(kind wire.SystemCommandKind) {
	p.manager.BroadcastControl(p.internalDescriptor(svcLifecycle, "lifecycle"),
		wire.SystemCommand{Kind: kind})
}

// SystemRun releases all coordinated participants into Running.
func (p *Participant) SystemRun() { p.sendSystemCommand(wire.SystemRun) }

// SystemStop drives all participants through the stop path.
func (p *Participant) SystemStop() { p.sendSystemCommand(wire.SystemStop) }

// SystemShutdown drives all participants to Shutdown.
func (p *Participant) SystemShutdown() { p.sendSystemCommand(wire.SystemShutdown) }

// AbortSimulation emergency-stops every participant.
func (p *Participant) AbortSimulation() { p.sendSystemCommand(wire.SystemAbortSimulation) }
