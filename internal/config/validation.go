// Copyright (c) 2025 simkit
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"fmt"
)

var validTraceSinkTypes = map[string]bool{
	"Mdf4File": true,
	"PcapFile": true,
	"PcapPipe": true,
}

var validTraceSourceTypes = map[string]bool{
	"Mdf4File": true,
	"PcapFile": true,
}

// Validate checks structural correctness of the merged configuration.
func Validate(cfg *ParticipantConfiguration) error {
	if cfg.ParticipantName == "" {
		return fmt.Errorf("%w: ParticipantName is required", ErrConfiguration)
	}
	if p := cfg.Middleware.Registry.Port; p < 0 || p > 65535 {
		return fmt.Errorf("%w: registry port %d out of range", ErrConfiguration, p)
	}
	if err := validateLogging(cfg.Logging); err != nil {
		return err
	}
	if err := validateLogging(cfg.Middleware.Registry.Logging); err != nil {
		return err
	}
	if err := validateTracing(cfg.Tracing); err != nil {
		return err
	}
	if hc := cfg.HealthCheck; hc.SoftResponseTimeout != nil && hc.HardResponseTimeout != nil {
		if *hc.HardResponseTimeout < *hc.SoftResponseTimeout {
			return fmt.Errorf("%w: HardResponseTimeout below SoftResponseTimeout", ErrConfiguration)
		}
	}
	sinkNames := map[string]bool{}
	for _, s := range cfg.Tracing.TraceSinks {
		sinkNames[s.Name] = true
	}
	sourceNames := map[string]bool{}
	for _, s := range cfg.Tracing.TraceSources {
		sourceNames[s.Name] = true
	}
	groups := [][]Controller{
		cfg.CanControllers, cfg.LinControllers, cfg.EthernetControllers,
		cfg.DataPublishers, cfg.DataSubscribers, cfg.RpcClients, cfg.RpcServers,
	}
	flex := make([]Controller, 0, len(cfg.FlexRayControllers))
	for _, fc := range cfg.FlexRayControllers {
		flex = append(flex, fc.Controller)
	}
	groups = append(groups, flex)
	for _, group := range groups {
		for _, c := range group {
			if c.Name == "" {
				return fmt.Errorf("%w: controller without Name", ErrConfiguration)
			}
			for _, ts := range c.UseTraceSinks {
				if !sinkNames[ts] {
					return fmt.Errorf("%w: controller %q references unknown trace sink %q", ErrConfiguration, c.Name, ts)
				}
			}
			if c.Replay != nil {
				if !sourceNames[c.Replay.UseTraceSource] {
					return fmt.Errorf("%w: controller %q references unknown trace source %q", ErrConfiguration, c.Name, c.Replay.UseTraceSource)
				}
				switch c.Replay.Direction {
				case "", ReplayUndefined, ReplaySend, ReplayReceive, ReplayBoth:
				default:
					return fmt.Errorf("%w: controller %q has invalid replay direction %q", ErrConfiguration, c.Name, c.Replay.Direction)
				}
			}
		}
	}
	return nil
}

func validateLogging(l Logging) error {
	for _, s := range l.Sinks {
		switch s.Type {
		case SinkStdout, SinkFile, SinkRemote:
		default:
			return fmt.Errorf("%w: unknown sink type %q", ErrConfiguration, s.Type)
		}
		if s.Type == SinkFile && s.LogName == "" {
			return fmt.Errorf("%w: file sink requires LogName", ErrConfiguration)
		}
	}
	return nil
}

func validateTracing(t Tracing) error {
	for _, s := range t.TraceSinks {
		if !validTraceSinkTypes[s.Type] {
			return fmt.Errorf("%w: unknown trace sink type %q", ErrConfiguration, s.Type)
		}
	}
	for _, s := range t.TraceSources {
		if !validTraceSourceTypes[s.Type] {
			return fmt.Errorf("%w: unknown trace source type %q", ErrConfiguration, s.Type)
		}
	}
	return nil
}
