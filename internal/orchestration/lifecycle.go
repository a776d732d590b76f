// Copyright (c) 2025 simkit
// Licensed under the PolyForm Noncommercial License 1.0.0

package orchestration

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/simkit/simbus/internal/log"
	"github.com/simkit/simbus/internal/metrics"
	"github.com/simkit/simbus/internal/wire"
)

var (
	// ErrInvalidTransition marks a lifecycle misuse; the state machine
	// transitions to Error instead of failing the process.
	ErrInvalidTransition = errors.New("orchestration: invalid transition")
	// ErrEmptyReason rejects Pause without a reason.
	ErrEmptyReason = errors.New("orchestration: pause requires a non-empty reason")
	// ErrNotStarted marks operations on a lifecycle that is not running.
	ErrNotStarted = errors.New("orchestration: lifecycle not started")
)

// Hooks are the user-supplied lifecycle callbacks. A nil hook is skipped.
// When CommunicationReadyAsync is set, the state machine parks after invoking
// CommunicationReady until CompleteCommunicationReadyHandlerAsync is called.
type Hooks struct {
	CommunicationReady      func() error
	CommunicationReadyAsync bool
	Starting                func() error
	Stop                    func() error
	Shutdown                func() error
	Abort                   func(lastState wire.ParticipantState)
}

// StatusPublisher broadcasts a fresh status to the domain (and to the local
// system monitor). It is called before user hooks run for the new state.
type StatusPublisher func(wire.ParticipantStatus)

// action is one unit of work on the lifecycle task.
type action struct {
	name string
	fn   func()
}

// Lifecycle is the per-participant state machine. All transitions execute on
// one dedicated goroutine (the lifecycle task); the state word itself is
// written only by that goroutine and may be read from anywhere.
type Lifecycle struct {
	name        string
	coordinated bool
	publish     StatusPublisher
	watchdog    *Watchdog
	logger      zerolog.Logger

	mu    sync.RWMutex
	state wire.ParticipantState

	actions chan action
	stopped chan struct{} // lifecycle goroutine exited
	done    chan struct{} // terminal state reached
	once    sync.Once

	runPermit     chan struct{} // SystemCommand{Run} in coordinated mode
	commReadyDone chan struct{}
	commReadyOnce sync.Once

	// onStateChange lets the time coordinator observe transitions without a
	// reverse dependency.
	onStateChange func(wire.ParticipantState)
}

// NewLifecycle creates the state machine. coordinated selects whether Run is
// gated on the system controller's SystemCommand{Run}.
func NewLifecycle(name string, coordinated bool, publish StatusPublisher, watchdog *Watchdog) *Lifecycle {
	return &Lifecycle{
		name:          name,
		coordinated:   coordinated,
		publish:       publish,
		watchdog:      watchdog,
		state:         wire.StateInvalid,
		actions:       make(chan action, 64),
		stopped:       make(chan struct{}),
		done:          make(chan struct{}),
		runPermit:     make(chan struct{}, 1),
		commReadyDone: make(chan struct{}),
		logger: log.WithComponent("lifecycle").With().
			Str(log.FieldParticipant, name).Logger(),
	}
}

// SetStateChangeObserver installs the transition observer. Must be set before
// Start.
func (lc *Lifecycle) SetStateChangeObserver(fn func(wire.ParticipantState)) {
	lc.onStateChange = fn
}

// State reads the current state under a read lock; the lifecycle task is the
// only writer.
func (lc *Lifecycle) State() wire.ParticipantState {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	return lc.state
}

// Done is closed once a terminal state (Shutdown) is reached.
func (lc *Lifecycle) Done() <-chan struct{} { return lc.done }

// Start launches the lifecycle task and drives the machine through the
// startup path. It returns immediately; Done signals termination.
func (lc *Lifecycle) Start(hooks Hooks) {
	go lc.run(hooks)
}

func (lc *Lifecycle) run(hooks Hooks) {
	defer close(lc.stopped)

	lc.transition(wire.StateServicesCreated, "services created")
	lc.transition(wire.StateCommunicationInitializing, "connecting to peers")
	lc.transition(wire.StateCommunicationInitialized, "communication established")

	if !lc.runHook("CommunicationReady", hooks.CommunicationReady) {
		lc.drainUntilShutdown()
		return
	}
	if hooks.CommunicationReadyAsync {
		<-lc.commReadyDone
	}
	lc.transition(wire.StateReadyToRun, "initialization complete")

	if lc.coordinated {
		// Park until the system controller releases the run.
		if !lc.awaitRunPermit() {
			return
		}
	}
	if lc.State() == wire.StateReadyToRun {
		if !lc.runHook("Starting", hooks.Starting) {
			lc.drainUntilShutdown()
			return
		}
		lc.transition(wire.StateRunning, "simulation started")
	}

	lc.drainUntilShutdown()
}

// awaitRunPermit waits for SystemCommand{Run} while still serving stop,
// error and abort actions. Returns false if the machine terminated.
func (lc *Lifecycle) awaitRunPermit() bool {
	for {
		select {
		case <-lc.runPermit:
			return true
		case act := <-lc.actions:
			act.fn()
			if lc.terminal() {
				lc.finish()
				return false
			}
		}
	}
}

// drainUntilShutdown serves queued actions until Shutdown is reached.
func (lc *Lifecycle) drainUntilShutdown() {
	for !lc.terminal() {
		act := <-lc.actions
		act.fn()
	}
	lc.finish()
}

func (lc *Lifecycle) terminal() bool {
	return lc.State() == wire.StateShutdown
}

func (lc *Lifecycle) finish() {
	lc.once.Do(func() { close(lc.done) })
}

// post schedules work on the lifecycle task.
func (lc *Lifecycle) post(name string, fn func()) {
	select {
	case lc.actions <- action{name: name, fn: fn}:
	case <-lc.stopped:
	}
}

// transition moves to next, publishing the fresh status before any hook for
// the new state runs.
func (lc *Lifecycle) transition(next wire.ParticipantState, reason string) {
	lc.mu.Lock()
	prev := lc.state
	lc.state = next
	lc.mu.Unlock()

	metrics.LifecycleTransitionsTotal.WithLabelValues(next.String()).Inc()
	lc.logger.Info().
		Str(log.FieldEvent, "lifecycle.transition").
		Str(log.FieldOldState, prev.String()).
		Str(log.FieldNewState, next.String()).
		Str(log.FieldReason, reason).
		Msg("state changed")

	now := time.Now().UnixNano()
	if lc.publish != nil {
		lc.publish(wire.ParticipantStatus{
			ParticipantName: lc.name,
			State:           next,
			EnterReason:     reason,
			EnterTime:       now,
			RefreshTime:     now,
		})
	}
	if lc.onStateChange != nil {
		lc.onStateChange(next)
	}
}

// fail drives the machine to Error; only Shutdown or AbortSimulation are
// accepted afterwards.
func (lc *Lifecycle) fail(reason string) {
	if lc.State() == wire.StateError {
		return
	}
	lc.transition(wire.StateError, reason)
}

// runHook executes one user hook under the watchdog. A hook error or panic
// becomes the enter reason of an Error transition; returns false then.
func (lc *Lifecycle) runHook(name string, hook func() error) (ok bool) {
	if hook == nil {
		return true
	}
	disarm := lc.watchdog.Arm(name)
	defer disarm()
	defer func() {
		if r := recover(); r != nil {
			lc.fail(fmt.Sprintf("%s handler fault: %v", name, r))
			ok = false
		}
	}()
	if err := hook(); err != nil {
		lc.fail(fmt.Sprintf("%s handler failed: %v", name, err))
		return false
	}
	return true
}

// CompleteCommunicationReadyHandlerAsync unparks the machine after an
// asynchronous CommunicationReady hook.
func (lc *Lifecycle) CompleteCommunicationReadyHandlerAsync() {
	lc.commReadyOnce.Do(func() { close(lc.commReadyDone) })
}

// Stop requests the regular stop path from Running or Paused.
func (lc *Lifecycle) Stop(reason string, hooks Hooks) error {
	lc.post("stop", func() { lc.doStop(reason, hooks) })
	return nil
}

func (lc *Lifecycle) doStop(reason string, hooks Hooks) {
	switch lc.State() {
	case wire.StateRunning, wire.StatePaused:
	case wire.StateStopping, wire.StateStopped, wire.StateShuttingDown, wire.StateShutdown, wire.StateAborting, wire.StateError:
		return // already past Running; nothing to do
	default:
		lc.fail(fmt.Sprintf("invalid transition: %s -> Stopping", lc.State()))
		return
	}
	lc.transition(wire.StateStopping, reason)
	if !lc.runHook("Stop", hooks.Stop) {
		return
	}
	// Serve the actions posted while the Stop hook ran, ReportError among
	// them, before the stop completes.
	for pending := true; pending; {
		select {
		case act := <-lc.actions:
			act.fn()
		default:
			pending = false
		}
	}
	// A Stop hook that reported an error leaves the state at Error.
	if lc.State() != wire.StateStopping {
		return
	}
	lc.transition(wire.StateStopped, "stop completed")
	lc.doShutdown("stopped", hooks)
}

func (lc *Lifecycle) doShutdown(reason string, hooks Hooks) {
	switch lc.State() {
	case wire.StateStopped, wire.StateError, wire.StateReadyToRun, wire.StateServicesCreated, wire.StateCommunicationInitialized:
	case wire.StateShuttingDown, wire.StateShutdown:
		return
	default:
		// Shutdown from anywhere else also proceeds; it is the only exit.
	}
	lc.transition(wire.StateShuttingDown, reason)
	lc.runHook("Shutdown", hooks.Shutdown)
	lc.transition(wire.StateShutdown, "shutdown complete")
}

// Pause suspends a Running participant; a reason is mandatory.
func (lc *Lifecycle) Pause(reason string) error {
	if reason == "" {
		return ErrEmptyReason
	}
	result := make(chan error, 1)
	lc.post("pause", func() {
		if lc.State() != wire.StateRunning {
			lc.fail(fmt.Sprintf("invalid transition: %s -> Paused", lc.State()))
			result <- ErrInvalidTransition
			return
		}
		lc.transition(wire.StatePaused, reason)
		result <- nil
	})
	select {
	case err := <-result:
		return err
	case <-lc.stopped:
		return ErrNotStarted
	}
}

// Continue resumes a Paused participant.
func (lc *Lifecycle) Continue() error {
	result := make(chan error, 1)
	lc.post("continue", func() {
		if lc.State() != wire.StatePaused {
			lc.fail(fmt.Sprintf("invalid transition: %s -> Running", lc.State()))
			result <- ErrInvalidTransition
			return
		}
		lc.transition(wire.StateRunning, "continued")
		result <- nil
	})
	select {
	case err := <-result:
		return err
	case <-lc.stopped:
		return ErrNotStarted
	}
}

// ReportError drives the machine to Error from any operational state.
func (lc *Lifecycle) ReportError(reason string) {
	lc.post("report-error", func() { lc.fail(reason) })
}

// Shutdown requests the terminal path.
func (lc *Lifecycle) Shutdown(reason string, hooks Hooks) {
	lc.post("shutdown", func() { lc.doShutdown(reason, hooks) })
}

// Abort runs the emergency path: Abort hook, then straight to Shutdown
// without visiting intermediate states.
func (lc *Lifecycle) Abort(reason string, hooks Hooks) {
	lc.post("abort", func() { lc.doAbort(reason, hooks) })
}

func (lc *Lifecycle) doAbort(reason string, hooks Hooks) {
	if lc.State() == wire.StateShutdown {
		return
	}
	last := lc.State()
	lc.transition(wire.StateAborting, reason)
	if hooks.Abort != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					lc.logger.Error().
						Str(log.FieldEvent, "lifecycle.abort_handler_fault").
						Msgf("abort handler fault: %v", r)
				}
			}()
			hooks.Abort(last)
		}()
	}
	lc.transition(wire.StateShutdown, "aborted")
}

// OnSystemCommand applies a command from a system controller peer.
func (lc *Lifecycle) OnSystemCommand(cmd wire.SystemCommand, hooks Hooks) {
	switch cmd.Kind {
	case wire.SystemRun:
		select {
		case lc.runPermit <- struct{}{}:
		default:
		}
	case wire.SystemStop:
		lc.Stop("stop requested by system controller", hooks)
	case wire.SystemShutdown:
		lc.Shutdown("shutdown requested by system controller", hooks)
	case wire.SystemAbortSimulation:
		lc.Abort("simulation aborted by system controller", hooks)
	}
}

// OnParticipantCommand applies a command already verified to target this
// participant.
func (lc *Lifecycle) OnParticipantCommand(cmd wire.ParticipantCommand, hooks Hooks) {
	switch cmd.Kind {
	case wire.ParticipantShutdown:
		lc.Shutdown("shutdown requested for this participant", hooks)
	case wire.ParticipantInitialize, wire.ParticipantRestart:
		// Restart across runs is not supported; accepted for compatibility.
		lc.logger.Warn().
			Str(log.FieldEvent, "lifecycle.unsupported_command").
			Msgf("ignoring participant command %d", cmd.Kind)
	}
}
