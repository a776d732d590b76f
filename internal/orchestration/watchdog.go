// Copyright (c) 2025 simkit
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package orchestration implements the participant lifecycle state machine,
// the system-state aggregation and the virtual-time coordinator.
package orchestration

import (
	"sync"
	"time"
)

// Watchdog fires a warning callback after the soft timeout and an error
// callback after the hard timeout while a user hook is still running. It
// never kills the hook; detection is the runtime's whole job here.
type Watchdog struct {
	soft   time.Duration
	hard   time.Duration
	onWarn func(hook string, elapsed time.Duration)
	onErr  func(hook string, elapsed time.Duration)
}

// NewWatchdog creates a watchdog; a zero timeout disables its callback.
func NewWatchdog(soft, hard time.Duration, onWarn, onErr func(hook string, elapsed time.Duration)) *Watchdog {
	return &Watchdog{soft: soft, hard: hard, onWarn: onWarn, onErr: onErr}
}

// Arm starts supervision of one hook execution and returns the disarm
// function the caller must invoke when the hook completes.
func (w *Watchdog) Arm(hook string) (disarm func()) {
	if w == nil || (w.soft <= 0 && w.hard <= 0) {
		return func() {}
	}
	start := time.Now()
	var mu sync.Mutex
	done := false
	var timers []*time.Timer

	fire := func(cb func(string, time.Duration)) func() {
		return func() {
			mu.Lock()
			finished := done
			mu.Unlock()
			if !finished && cb != nil {
				cb(hook, time.Since(start))
			}
		}
	}
	if w.soft > 0 {
		timers = append(timers, time.AfterFunc(w.soft, fire(w.onWarn)))
	}
	if w.hard > 0 {
		timers = append(timers, time.AfterFunc(w.hard, fire(w.onErr)))
	}
	return func() {
		mu.Lock()
		done = true
		mu.Unlock()
		for _, t := range timers {
			t.Stop()
		}
	}
}
