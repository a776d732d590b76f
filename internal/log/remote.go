// Copyright (c) 2025 simkit
// Licensed under the PolyForm Noncommercial License 1.0.0

package log

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Forwarder receives every record at or above the configured remote sink
// level. The connection layer installs one to publish records onto the
// message bus.
type Forwarder interface {
	ForwardLogRecord(level zerolog.Level, loggerName, message string)
}

var (
	forwarderMu sync.RWMutex
	forwarder   Forwarder
	remoteLevel atomic.Int32
)

func init() {
	remoteLevel.Store(int32(zerolog.Disabled))
}

// SetForwarder installs the remote sink target. A nil forwarder disables
// forwarding.
func SetForwarder(f Forwarder, level zerolog.Level) {
	forwarderMu.Lock()
	forwarder = f
	forwarderMu.Unlock()
	if f == nil {
		level = zerolog.Disabled
	}
	remoteLevel.Store(int32(level))
}

// forwarding guards against recursion: publishing a record onto the bus may
// itself log, which must not forward again.
var forwarding atomic.Bool

// Forward hands a record to the installed forwarder if its level passes the
// remote sink gate. Safe to call from any goroutine.
func Forward(level zerolog.Level, loggerName, message string) {
	if int32(level) < remoteLevel.Load() {
		return
	}
	forwarderMu.RLock()
	f := forwarder
	forwarderMu.RUnlock()
	if f == nil {
		return
	}
	if !forwarding.CompareAndSwap(false, true) {
		return
	}
	defer forwarding.Store(false)
	f.ForwardLogRecord(level, loggerName, message)
}

// forwardHook feeds every emitted record into the remote sink gate.
type forwardHook struct {
	loggerName string
}

func (h forwardHook) Run(_ *zerolog.Event, level zerolog.Level, message string) {
	if level == zerolog.NoLevel || message == "" {
		return
	}
	Forward(level, h.loggerName, message)
}
