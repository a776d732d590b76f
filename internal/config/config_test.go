// Copyright (c) 2025 simkit
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
SchemaVersion: "1"
Description: "CAN demo participant"
ParticipantName: CanWriter
Logging:
  LogFromRemotes: false
  FlushLevel: Warn
  Sinks:
    - Type: Stdout
      Level: Debug
    - Type: File
      Level: Info
      LogName: canwriter
HealthCheck:
  SoftResponseTimeout: 500ms
  HardResponseTimeout: 5s
Tracing:
  TraceSinks:
    - Name: pcap
      Type: PcapFile
      OutputPath: out.pcap
Middleware:
  Registry:
    Hostname: registry.local
    Port: 8501
    ConnectAttempts: 3
  TcpNoDelay: true
  EnableDomainSockets: false
CanControllers:
  - Name: CAN1
    Network: CAN1
    UseTraceSinks: [pcap]
`

func TestParseFullDocument(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "CanWriter", cfg.ParticipantName)
	assert.Equal(t, "Warn", cfg.Logging.FlushLevel)
	require.Len(t, cfg.Logging.Sinks, 2)
	assert.Equal(t, SinkFile, cfg.Logging.Sinks[1].Type)

	require.NotNil(t, cfg.HealthCheck.SoftResponseTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.HealthCheck.SoftResponseTimeout.Std())

	host, port := cfg.RegistryEndpoint()
	assert.Equal(t, "registry.local", host)
	assert.Equal(t, 8501, port)
	assert.False(t, cfg.DomainSocketsEnabled())
	assert.True(t, cfg.Middleware.TcpNoDelay)

	require.Len(t, cfg.CanControllers, 1)
	assert.Equal(t, []string{"pcap"}, cfg.CanControllers[0].UseTraceSinks)
}

func TestDefaultsWithoutFile(t *testing.T) {
	cfg, err := Parse([]byte("ParticipantName: P1\n"))
	require.NoError(t, err)
	host, port := cfg.RegistryEndpoint()
	assert.Equal(t, DefaultRegistryHost, host)
	assert.Equal(t, DefaultRegistryPort, port)
	assert.Equal(t, DefaultConnectAttempts, cfg.Middleware.Registry.ConnectAttempts)
	assert.True(t, cfg.DomainSocketsEnabled())
}

func TestParticipantNameRequired(t *testing.T) {
	_, err := Parse([]byte("Description: no name\n"))
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestUnknownKeyRejected(t *testing.T) {
	_, err := Parse([]byte("ParticipantName: P\nBogusKey: 1\n"))
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestConnectAttemptsClampedToOne(t *testing.T) {
	doc := "ParticipantName: P\nMiddleware:\n  Registry:\n    ConnectAttempts: -5\n"
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Middleware.Registry.ConnectAttempts)
}

func TestUnknownSinkTypeRejected(t *testing.T) {
	doc := "ParticipantName: P\nLogging:\n  Sinks:\n    - Type: Syslog\n"
	_, err := Parse([]byte(doc))
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestControllerUnknownTraceSinkRejected(t *testing.T) {
	doc := "ParticipantName: P\nCanControllers:\n  - Name: CAN1\n    UseTraceSinks: [missing]\n"
	_, err := Parse([]byte(doc))
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestHardTimeoutBelowSoftRejected(t *testing.T) {
	doc := "ParticipantName: P\nHealthCheck:\n  SoftResponseTimeout: 5s\n  HardResponseTimeout: 1s\n"
	_, err := Parse([]byte(doc))
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestLoaderReadsFileAndEnvWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "participant.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	t.Setenv("SIMBUS_REGISTRY_HOST", "override.example")
	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	host, _ := cfg.RegistryEndpoint()
	assert.Equal(t, "override.example", host)
	assert.Equal(t, "CanWriter", cfg.ParticipantName)
}

func TestLoaderMissingFile(t *testing.T) {
	_, err := NewLoader("/nonexistent/participant.yaml").Load()
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestFlexRayControllerParameters(t *testing.T) {
	doc := `
ParticipantName: FRNode
FlexRayControllers:
  - Name: FR1
    Network: PowerTrain1
    ClusterParameters:
      gdBit: 0.1
    NodeParameters:
      pChannels: AB
    TxBufferConfigurations:
      - slotId: 1
`
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.Len(t, cfg.FlexRayControllers, 1)
	fr := cfg.FlexRayControllers[0]
	assert.Equal(t, "FR1", fr.Name)
	assert.Contains(t, fr.ClusterParameters, "gdBit")
	require.Len(t, fr.TxBufferConfigurations, 1)
}
