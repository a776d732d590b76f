// Copyright (c) 2025 simkit
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package config defines the participant configuration model and its loader.
// There is exactly one configuration model; nothing reads legacy shapes.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from Go duration strings
// ("500ms", "5s") as well as raw nanosecond integers.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var asInt int64
	if err := value.Decode(&asInt); err == nil {
		*d = Duration(asInt)
		return nil
	}
	var asString string
	if err := value.Decode(&asString); err != nil {
		return fmt.Errorf("invalid duration node: %w", err)
	}
	parsed, err := time.ParseDuration(asString)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", asString, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std converts to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// SinkType selects a logging sink backend.
type SinkType string

const (
	SinkStdout SinkType = "Stdout"
	SinkFile   SinkType = "File"
	SinkRemote SinkType = "Remote"
)

// Sink is one logging output.
type Sink struct {
	Type    SinkType `yaml:"Type"`
	Level   string   `yaml:"Level,omitempty"`
	LogName string   `yaml:"LogName,omitempty"`
}

// Logging configures the participant logger.
type Logging struct {
	LogFromRemotes bool   `yaml:"LogFromRemotes,omitempty"`
	FlushLevel     string `yaml:"FlushLevel,omitempty"`
	Sinks          []Sink `yaml:"Sinks,omitempty"`
}

// HealthCheck holds the watchdog thresholds for stuck user hooks.
type HealthCheck struct {
	SoftResponseTimeout *Duration `yaml:"SoftResponseTimeout,omitempty"`
	HardResponseTimeout *Duration `yaml:"HardResponseTimeout,omitempty"`
}

// TraceSink names a trace output; the writers themselves live outside the
// core runtime.
type TraceSink struct {
	Name       string `yaml:"Name"`
	Type       string `yaml:"Type"`
	OutputPath string `yaml:"OutputPath"`
}

// TraceSource names a replay input.
type TraceSource struct {
	Name      string `yaml:"Name"`
	Type      string `yaml:"Type"`
	InputPath string `yaml:"InputPath"`
}

// Tracing lists configured trace sinks and sources.
type Tracing struct {
	TraceSinks   []TraceSink   `yaml:"TraceSinks,omitempty"`
	TraceSources []TraceSource `yaml:"TraceSources,omitempty"`
}

// Extensions configures extension library lookup.
type Extensions struct {
	SearchPathHints []string `yaml:"SearchPathHints,omitempty"`
}

// Registry configures how the participant reaches the bootstrap registry.
type Registry struct {
	Hostname        string  `yaml:"Hostname,omitempty"`
	Port            int     `yaml:"Port,omitempty"`
	ConnectAttempts int     `yaml:"ConnectAttempts,omitempty"`
	Logging         Logging `yaml:"Logging,omitempty"`
}

// Middleware holds transport tuning options.
type Middleware struct {
	Registry             Registry `yaml:"Registry,omitempty"`
	TcpNoDelay           bool     `yaml:"TcpNoDelay,omitempty"`
	TcpQuickAck          bool     `yaml:"TcpQuickAck,omitempty"`
	TcpReceiveBufferSize *int     `yaml:"TcpReceiveBufferSize,omitempty"`
	TcpSendBufferSize    *int     `yaml:"TcpSendBufferSize,omitempty"`
	EnableDomainSockets  *bool    `yaml:"EnableDomainSockets,omitempty"`
}

// ReplayDirection selects which directions a replay source feeds.
type ReplayDirection string

const (
	ReplayUndefined ReplayDirection = "Undefined"
	ReplaySend      ReplayDirection = "Send"
	ReplayReceive   ReplayDirection = "Receive"
	ReplayBoth      ReplayDirection = "Both"
)

// Replay attaches a trace source to a controller.
type Replay struct {
	UseTraceSource string          `yaml:"UseTraceSource"`
	Direction      ReplayDirection `yaml:"Direction,omitempty"`
	MdfChannel     string          `yaml:"MdfChannel,omitempty"`
}

// Controller is the common per-controller configuration block.
type Controller struct {
	Name          string   `yaml:"Name"`
	Network       string   `yaml:"Network,omitempty"`
	UseTraceSinks []string `yaml:"UseTraceSinks,omitempty"`
	Replay        *Replay  `yaml:"Replay,omitempty"`
}

// FlexRayController carries the FlexRay-specific parameter blobs in addition
// to the common block. The core hands them through to the controller layer
// uninterpreted.
type FlexRayController struct {
	Controller             `yaml:",inline"`
	ClusterParameters      map[string]any   `yaml:"ClusterParameters,omitempty"`
	NodeParameters         map[string]any   `yaml:"NodeParameters,omitempty"`
	TxBufferConfigurations []map[string]any `yaml:"TxBufferConfigurations,omitempty"`
}

// ParticipantConfiguration is the root configuration document.
type ParticipantConfiguration struct {
	SchemaVersion   string `yaml:"SchemaVersion,omitempty"`
	Description     string `yaml:"Description,omitempty"`
	ParticipantName string `yaml:"ParticipantName"`

	Logging     Logging     `yaml:"Logging,omitempty"`
	HealthCheck HealthCheck `yaml:"HealthCheck,omitempty"`
	Tracing     Tracing     `yaml:"Tracing,omitempty"`
	Extensions  Extensions  `yaml:"Extensions,omitempty"`
	Middleware  Middleware  `yaml:"Middleware,omitempty"`

	CanControllers      []Controller        `yaml:"CanControllers,omitempty"`
	LinControllers      []Controller        `yaml:"LinControllers,omitempty"`
	EthernetControllers []Controller        `yaml:"EthernetControllers,omitempty"`
	FlexRayControllers  []FlexRayController `yaml:"FlexRayControllers,omitempty"`
	DataPublishers      []Controller        `yaml:"DataPublishers,omitempty"`
	DataSubscribers     []Controller        `yaml:"DataSubscribers,omitempty"`
	RpcClients          []Controller        `yaml:"RpcClients,omitempty"`
	RpcServers          []Controller        `yaml:"RpcServers,omitempty"`
}

// RegistryEndpoint returns the effective registry dial target.
func (c *ParticipantConfiguration) RegistryEndpoint() (host string, port int) {
	host = c.Middleware.Registry.Hostname
	if host == "" {
		host = DefaultRegistryHost
	}
	port = c.Middleware.Registry.Port
	if port == 0 {
		port = DefaultRegistryPort
	}
	return host, port
}

// DomainSocketsEnabled reports the effective EnableDomainSockets value.
func (c *ParticipantConfiguration) DomainSocketsEnabled() bool {
	if c.Middleware.EnableDomainSockets == nil {
		return true
	}
	return *c.Middleware.EnableDomainSockets
}
