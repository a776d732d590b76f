// Copyright (c) 2025 simkit
// Licensed under the PolyForm Noncommercial License 1.0.0

// simbus-monitor joins a simulation domain as a passive participant and
// prints every participant status and system-state transition it observes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/simkit/simbus"
	"github.com/simkit/simbus/internal/log"
)

const (
	exitOK      = 0
	exitBadArgs = -1
	exitConfig  = -2
	exitRuntime = -3
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("simbus-monitor", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a configuration file (YAML)")
	name := fs.String("name", "", "participant name (default SystemMonitor-<uuid>)")
	registryHost := fs.String("registry-host", "", "registry hostname; overrides the configuration")
	registryPort := fs.Int("registry-port", 0, "registry port; overrides the configuration")
	required := fs.String("required", "", "comma-separated required participants for the system state")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return exitBadArgs
	}
	if *showVersion {
		fmt.Printf("simbus-monitor %s\n", version)
		return exitOK
	}

	monitorName := *name
	if monitorName == "" {
		monitorName = "SystemMonitor-" + uuid.NewString()
	}
	log.Configure(log.Config{Participant: monitorName})
	logger := log.WithComponent("monitor-cli")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	participant, err := simbus.NewParticipant(ctx, simbus.Options{
		ConfigPath:   *configPath,
		Name:         monitorName,
		RegistryHost: *registryHost,
		RegistryPort: *registryPort,
	})
	if err != nil {
		if errors.Is(err, simbus.ErrConfiguration) {
			logger.Error().Err(err).
				Str(log.FieldEvent, "monitor.config_failed").
				Msg("failed to load configuration")
			return exitConfig
		}
		logger.Error().Err(err).
			Str(log.FieldEvent, "monitor.join_failed").
			Msg("failed to join domain")
		return exitRuntime
	}
	defer func() { _ = participant.Close() }()

	participant.AddParticipantStatusHandler(func(st simbus.ParticipantStatus) {
		logger.Info().
			Str(log.FieldEvent, "monitor.participant_status").
			Str(log.FieldParticipant, st.ParticipantName).
			Str(log.FieldNewState, st.State.String()).
			Str(log.FieldReason, st.EnterReason).
			Msg("participant state changed")
	})
	participant.AddSystemStateHandler(func(s simbus.SystemState) {
		logger.Info().
			Str(log.FieldEvent, "monitor.system_state").
			Str(log.FieldNewState, s.String()).
			Msg("system state changed")
	})
	if *required != "" {
		participant.SetWorkflowConfiguration(splitComma(*required))
	}

	<-ctx.Done()
	logger.Info().
		Str(log.FieldEvent, "monitor.stopping").
		Msg("shutting down")
	return exitOK
}

func splitComma(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
