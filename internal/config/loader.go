// Copyright (c) 2025 simkit
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Defaults for the middleware surface.
const (
	DefaultRegistryHost    = "localhost"
	DefaultRegistryPort    = 8500
	DefaultConnectAttempts = 9
)

// ErrConfiguration marks malformed or contradictory configuration. It is
// surfaced at construction and never recoverable.
var ErrConfiguration = errors.New("config: invalid configuration")

// Loader loads a ParticipantConfiguration with precedence ENV > File > Defaults.
type Loader struct {
	configPath string
}

// NewLoader creates a loader for the given file path. An empty path loads
// defaults plus environment only.
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Load parses, merges and validates the configuration.
func (l *Loader) Load() (ParticipantConfiguration, error) {
	cfg := ParticipantConfiguration{}
	setDefaults(&cfg)

	if l.configPath != "" {
		if err := l.loadFile(&cfg); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)

	if err := Validate(&cfg); err != nil {
		return cfg, err
	}
	clamp(&cfg)
	return cfg, nil
}

// Parse decodes a configuration document from raw YAML (or JSON, which YAML
// subsumes) without touching the filesystem, then validates it.
func Parse(raw []byte) (ParticipantConfiguration, error) {
	cfg := ParticipantConfiguration{}
	setDefaults(&cfg)
	if err := decodeStrict(raw, &cfg); err != nil {
		return cfg, err
	}
	applyEnv(&cfg)
	if err := Validate(&cfg); err != nil {
		return cfg, err
	}
	clamp(&cfg)
	return cfg, nil
}

func setDefaults(cfg *ParticipantConfiguration) {
	cfg.Middleware.Registry.Hostname = DefaultRegistryHost
	cfg.Middleware.Registry.Port = DefaultRegistryPort
	cfg.Middleware.Registry.ConnectAttempts = DefaultConnectAttempts
}

func (l *Loader) loadFile(cfg *ParticipantConfiguration) error {
	raw, err := os.ReadFile(l.configPath)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrConfiguration, l.configPath, err)
	}
	return decodeStrict(raw, cfg)
}

func decodeStrict(raw []byte, cfg *ParticipantConfiguration) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return nil
}

// applyEnv overlays SIMBUS_* variables over file values.
func applyEnv(cfg *ParticipantConfiguration) {
	if v := os.Getenv("SIMBUS_PARTICIPANT_NAME"); v != "" {
		cfg.ParticipantName = v
	}
	if v := os.Getenv("SIMBUS_REGISTRY_HOST"); v != "" {
		cfg.Middleware.Registry.Hostname = v
	}
	if v := os.Getenv("SIMBUS_REGISTRY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Middleware.Registry.Port = port
		}
	}
	if v := os.Getenv("SIMBUS_CONNECT_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Middleware.Registry.ConnectAttempts = n
		}
	}
}

// clamp normalizes out-of-range values that are tolerated rather than
// rejected.
func clamp(cfg *ParticipantConfiguration) {
	if cfg.Middleware.Registry.ConnectAttempts < 1 {
		cfg.Middleware.Registry.ConnectAttempts = 1
	}
}
