// Copyright (c) 2025 simkit
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package simbus is the participant runtime of a distributed co-simulation:
// it joins a simulation domain through a registry, exchanges virtual bus
// traffic and pub/sub/RPC messages with peer participants, and advances a
// shared virtual clock under a common lifecycle.
package simbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/simkit/simbus/internal/config"
	"github.com/simkit/simbus/internal/core"
	"github.com/simkit/simbus/internal/discovery"
	"github.com/simkit/simbus/internal/link"
	"github.com/simkit/simbus/internal/log"
	"github.com/simkit/simbus/internal/orchestration"
	"github.com/simkit/simbus/internal/wire"
)

// Options parameterize participant construction. ConfigYAML takes precedence
// over ConfigPath; explicit fields override the configuration document.
type Options struct {
	ConfigPath     string
	ConfigYAML     []byte
	Name           string
	RegistryHost   string
	RegistryPort   int
	ConnectTimeout time.Duration
}

// internal service ids live above the user range.
const (
	svcLifecycle wire.ServiceID = 0xFF00 + iota
	svcTimeSync
	svcDiscovery
	svcLogging
)

// Participant is one simulation process joined to a domain. All user-visible
// handlers run on one dispatch goroutine in registration order.
type Participant struct {
	cfg    config.ParticipantConfiguration
	name   string
	id     wire.ParticipantID
	epoch  time.Time
	logger zerolog.Logger

	dispatcher *core.Dispatcher
	manager    *core.Manager
	disc       *discovery.Service
	router     *core.Router
	monitor    *orchestration.Monitor
	watchdog   *orchestration.Watchdog

	mu            sync.Mutex
	controllers   map[string]controllerEntry
	nextServiceID wire.ServiceID

	hooks        orchestration.Hooks
	lifecycle    *orchestration.Lifecycle
	coordinator  *orchestration.Coordinator
	syncPeers    map[string]bool
	stepDuration time.Duration
	simTask      orchestration.SimTask
	simTaskAsync bool

	closeOnce sync.Once
}

// NewParticipant loads the configuration, joins the domain via the registry
// and completes the peer handshakes. A registry that cannot be reached within
// ConnectAttempts surfaces ErrRegistryUnreachable from here.
func NewParticipant(ctx context.Context, opts Options) (*Participant, error) {
	cfg, err := loadConfiguration(opts)
	if err != nil {
		return nil, err
	}

	name := cfg.ParticipantName
	log.Configure(log.Config{Participant: name})

	p := &Participant{
		cfg:           cfg,
		name:          name,
		id:            wire.IDFromName(name),
		epoch:         time.Now(),
		controllers:   make(map[string]controllerEntry),
		nextServiceID: 1,
		syncPeers:     make(map[string]bool),
		logger: log.WithComponent("participant").With().
			Str(log.FieldParticipant, name).Logger(),
	}

	host, port := cfg.RegistryEndpoint()
	if opts.RegistryHost != "" {
		host = opts.RegistryHost
	}
	if opts.RegistryPort != 0 {
		port = opts.RegistryPort
	}

	p.dispatcher = core.NewDispatcher(name)
	p.manager = core.NewManager(core.Config{
		ParticipantName:     name,
		RegistryHost:        host,
		RegistryPort:        port,
		ConnectAttempts:     cfg.Middleware.Registry.ConnectAttempts,
		EnableDomainSockets: cfg.DomainSocketsEnabled(),
		LinkOptions: link.Options{
			TcpNoDelay:        cfg.Middleware.TcpNoDelay,
			TcpQuickAck:       cfg.Middleware.TcpQuickAck,
			ReceiveBufferSize: intOrZero(cfg.Middleware.TcpReceiveBufferSize),
			SendBufferSize:    intOrZero(cfg.Middleware.TcpSendBufferSize),
		},
	}, p.dispatcher)

	p.disc = discovery.New(name, p.dispatcher.Post, func(ev wire.ServiceDiscoveryEvent) {
		p.manager.BroadcastControl(p.internalDescriptor(svcDiscovery, "discovery"), ev)
	})
	p.router = core.NewRouter(name, p.disc, p.dispatcher, p.manager)
	p.monitor = orchestration.NewMonitor(name, p.dispatcher.Post)
	p.watchdog = newWatchdog(cfg.HealthCheck, p.logger)

	p.disc.RegisterHandler(p.onDiscoveryEvent)
	p.manager.Attach(p.disc, p.router, core.Sinks{
		OnParticipantStatus:     p.monitor.OnParticipantStatus,
		OnSystemCommand:         p.onSystemCommand,
		OnParticipantCommand:    p.onParticipantCommand,
		OnWorkflowConfiguration: p.monitor.SetWorkflowConfiguration,
		OnNextSimTask:           p.onNextSimTask,
		OnLogRecord:             p.onLogRecord,
		OnPeerDisconnected:      p.onPeerDisconnected,
	})

	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := p.manager.Connect(cctx); err != nil {
		p.dispatcher.Stop()
		_ = p.manager.Close()
		return nil, err
	}

	p.installRemoteLogSink()
	p.logger.Info().
		Str(log.FieldEvent, "participant.joined").
		Str(log.FieldEndpoint, fmt.Sprintf("%s:%d", host, port)).
		Msg("joined simulation domain")
	return p, nil
}

func loadConfiguration(opts Options) (config.ParticipantConfiguration, error) {
	var (
		cfg config.ParticipantConfiguration
		err error
	)
	switch {
	case len(opts.ConfigYAML) > 0:
		cfg, err = config.Parse(opts.ConfigYAML)
	case opts.ConfigPath != "":
		cfg, err = config.NewLoader(opts.ConfigPath).Load()
	default:
		if opts.Name == "" {
			return cfg, fmt.Errorf("%w: a participant name is required", config.ErrConfiguration)
		}
		cfg, err = config.Parse([]byte("ParticipantName: " + opts.Name))
	}
	if err != nil {
		// A document missing only the participant name is recovered when the
		// caller supplies one explicitly.
		if opts.Name != "" && strings.Contains(err.Error(), "ParticipantName") {
			cfg.ParticipantName = opts.Name
			if verr := config.Validate(&cfg); verr == nil {
				return cfg, nil
			}
		}
		return cfg, err
	}
	if opts.Name != "" {
		cfg.ParticipantName = opts.Name
	}
	return cfg, nil
}

func intOrZero(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

func newWatchdog(hc config.HealthCheck, logger zerolog.Logger) *orchestration.Watchdog {
	var soft, hard time.Duration
	if hc.SoftResponseTimeout != nil {
		soft = hc.SoftResponseTimeout.Std()
	}
	if hc.HardResponseTimeout != nil {
		hard = hc.HardResponseTimeout.Std()
	}
	if soft == 0 && hard == 0 {
		return nil
	}
	return orchestration.NewWatchdog(soft, hard,
		func(hook string, elapsed time.Duration) {
			logger.Warn().
				Str(log.FieldEvent, "healthcheck.soft_timeout").
				Str("hook", hook).
				Dur("elapsed", elapsed).
				Msg("handler exceeded soft response timeout")
		},
		func(hook string, elapsed time.Duration) {
			logger.Error().
				Str(log.FieldEvent, "healthcheck.hard_timeout").
				Str("hook", hook).
				Dur("elapsed", elapsed).
				Msg("handler exceeded hard response timeout")
		})
}

// Name returns the participant name.
func (p *Participant) Name() string { return p.name }

// internalDescriptor builds the descriptor of a runtime-internal service.
func (p *Participant) internalDescriptor(id wire.ServiceID, name string) wire.ServiceDescriptor {
	return wire.ServiceDescriptor{
		ParticipantName: p.name,
		ParticipantID:   p.id,
		NetworkName:     "__system",
		NetworkType:     wire.NetworkUndefined,
		ServiceName:     name,
		ServiceID:       id,
		ServiceType:     wire.ServiceInternalController,
	}
}

// now returns the participant's current timestamp: virtual time when
// synchronized, wall-clock offset from construction otherwise.
func (p *Participant) now() time.Duration {
	p.mu.Lock()
	c := p.coordinator
	p.mu.Unlock()
	if c != nil {
		return c.Now()
	}
	return time.Since(p.epoch)
}

// VirtualTimeNow returns the participant's current (virtual or wall-clock)
// time.
func (p *Participant) VirtualTimeNow() time.Duration { return p.now() }

// onDiscoveryEvent tracks peers' time-sync services for the barrier set.
func (p *Participant) onDiscoveryEvent(t wire.DiscoveryEventType, d wire.ServiceDescriptor) {
	if d.Supplement("timesync") != "1" || d.ParticipantName == p.name {
		return
	}
	p.mu.Lock()
	c := p.coordinator
	switch t {
	case wire.ServiceCreated:
		p.syncPeers[d.ParticipantName] = true
	case wire.ServiceRemoved:
		delete(p.syncPeers, d.ParticipantName)
	}
	p.mu.Unlock()
	if c == nil {
		return
	}
	if t == wire.ServiceCreated {
		c.AddSyncPeer(d.ParticipantName)
	} else {
		c.RemoveSyncPeer(d.ParticipantName)
	}
}

func (p *Participant) onNextSimTask(peer string, task wire.NextSimTask) {
	p.mu.Lock()
	c := p.coordinator
	p.mu.Unlock()
	if c != nil {
		c.OnNextSimTask(peer, task)
	}
}

func (p *Participant) onSystemCommand(cmd wire.SystemCommand) {
	p.mu.Lock()
	lc := p.lifecycle
	hooks := p.hooks
	p.mu.Unlock()
	if lc != nil {
		lc.OnSystemCommand(cmd, hooks)
	}
}

func (p *Participant) onParticipantCommand(cmd wire.ParticipantCommand) {
	p.mu.Lock()
	lc := p.lifecycle
	hooks := p.hooks
	p.mu.Unlock()
	if lc != nil {
		lc.OnParticipantCommand(cmd, hooks)
	}
}

func (p *Participant) onPeerDisconnected(peer string) {
	p.monitor.OnParticipantLeft(peer)
	p.mu.Lock()
	c := p.coordinator
	delete(p.syncPeers, peer)
	p.mu.Unlock()
	if c != nil {
		c.RemoveSyncPeer(peer)
	}
}

// onLogRecord prints forwarded peer records when LogFromRemotes is enabled.
func (p *Participant) onLogRecord(peer string, rec wire.LogRecord) {
	if !p.cfg.Logging.LogFromRemotes {
		return
	}
	level := zerolog.Level(int8(rec.Level) - 1)
	p.logger.WithLevel(level).
		Str(log.FieldEvent, "log.remote").
		Str(log.FieldPeer, peer).
		Str("remote_logger", rec.LoggerName).
		Msg(rec.Message)
}

// installRemoteLogSink wires a configured Remote sink onto the bus.
func (p *Participant) installRemoteLogSink() {
	for _, sink := range p.cfg.Logging.Sinks {
		if sink.Type != config.SinkRemote {
			continue
		}
		level := zerolog.InfoLevel
		if sink.Level != "" {
			if parsed, err := zerolog.ParseLevel(sink.Level); err == nil {
				level = parsed
			}
		}
		log.SetForwarder(remoteForwarder{p: p}, level)
		return
	}
}

type remoteForwarder struct{ p *Participant }

func (f remoteForwarder) ForwardLogRecord(level zerolog.Level, loggerName, message string) {
	f.p.manager.BroadcastControl(f.p.internalDescriptor(svcLogging, "logging"),
		wire.LogRecord{
			Level:      uint8(int8(level) + 1),
			Timestamp:  time.Now().UnixNano(),
			LoggerName: loggerName,
			Message:    message,
		})
}

// Close removes local services from the domain and tears the participant
// down. It is safe to call more than once.
func (p *Participant) Close() error {
	p.closeOnce.Do(func() {
		log.SetForwarder(nil, zerolog.Disabled)

		p.mu.Lock()
		descs := make([]wire.ServiceDescriptor, 0, len(p.controllers))
		for _, c := range p.controllers {
			descs = append(descs, c.ctl.descriptor())
		}
		c := p.coordinator
		lc := p.lifecycle
		hooks := p.hooks
		p.mu.Unlock()

		if c != nil {
			c.OnStateChange(wire.StateShutdown)
		}
		if lc != nil {
			select {
			case <-lc.Done():
			default:
				lc.CompleteCommunicationReadyHandlerAsync()
				lc.Abort("participant closed", hooks)
				<-lc.Done()
			}
		}
		for _, d := range descs {
			p.disc.NotifyServiceRemoved(d)
			p.router.UnregisterLocal(d)
		}
		_ = p.manager.Close()
		p.dispatcher.Stop()
		p.logger.Info().
			Str(log.FieldEvent, "participant.closed").
			Msg("left simulation domain")
	})
	return nil
}
