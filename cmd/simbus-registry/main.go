// Copyright (c) 2025 simkit
// Licensed under the PolyForm Noncommercial License 1.0.0

// simbus-registry is the bootstrap discovery server of a simulation domain.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/simkit/simbus/internal/config"
	"github.com/simkit/simbus/internal/health"
	"github.com/simkit/simbus/internal/log"
	"github.com/simkit/simbus/internal/registry"
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
	fs := flag.NewFlagSet("simbus-registry", flag.ContinueOnError)
	listen := fs.String("listen", "", "listen address (host:port); overrides the configuration")
	configPath := fs.String("config", "", "path to a configuration file (YAML)")
	metricsAddr := fs.String("metrics", "", "serve prometheus metrics and health on this address")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return exitBadArgs
	}
	if *showVersion {
		fmt.Printf("simbus-registry %s\n", version)
		return exitOK
	}

	log.Configure(log.Config{Participant: "registry"})
	logger := log.WithComponent("registry-cli")

	addr := fmt.Sprintf("0.0.0.0:%d", config.DefaultRegistryPort)
	if *configPath != "" {
		cfg, err := config.NewLoader(*configPath).Load()
		if err != nil {
			logger.Error().
				Str(log.FieldEvent, "registry.config_failed").
				Err(err).
				Msg("failed to load configuration")
			return exitConfig
		}
		host, port := cfg.RegistryEndpoint()
		addr = fmt.Sprintf("%s:%d", host, port)
	}
	if *listen != "" {
		addr = *listen
	}

	server := registry.NewServer()
	if err := server.Start(addr); err != nil {
		logger.Error().
			Str(log.FieldEvent, "registry.start_failed").
			Str(log.FieldEndpoint, addr).
			Err(err).
			Msg("failed to start registry")
		return exitRuntime
	}
	defer func() { _ = server.Close() }()

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info().
		Str(log.FieldEvent, "registry.stopping").
		Msg("shutting down")
	return exitOK
}

func serveMetrics(addr string) {
	mgr := health.NewManager()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", mgr.Handler())
	_ = http.ListenAndServe(addr, mux)
}
