package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := &Config{
		QueryPort: 9000,
		DataPorts: []DataPort{
			{Port: 7777, Protocol: ProtocolUDP, Name: "game"},
		},
		ResourceQueryMapping: map[string]ResourceMapping{
			"gameserver": {
				Group:       "agones.dev",
				Version:     "v1",
				Resource:    "gameservers",
				AddressPath: "status.address",
				Ports: []PortMapping{
					{Name: "game", PortName: "default"},
				},
			},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestGetDataPorts_Explicit(t *testing.T) {
	cfg := validConfig()
	ports := cfg.GetDataPorts()
	require.Len(t, ports, 1)
	assert.Equal(t, "game", ports[0].Name)
	assert.Equal(t, ProtocolUDP, ports[0].Protocol)
}

func TestGetDataPorts_LegacyCollapse(t *testing.T) {
	cfg := &Config{DataPort: 7777}
	ports := cfg.GetDataPorts()
	require.Len(t, ports, 1)
	assert.Equal(t, DataPort{Port: 7777, Protocol: ProtocolUDP, Name: "default"}, ports[0])
}

func TestGetDataPorts_Empty(t *testing.T) {
	cfg := &Config{}
	assert.Nil(t, cfg.GetDataPorts())
}

func TestMagicBytes_Default(t *testing.T) {
	cfg := &Config{}
	b, err := cfg.MagicBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF, 'R', 'E', 'S', 'E', 'T'}, b)
}

func TestMagicBytes_Invalid(t *testing.T) {
	cfg := &Config{ControlPacketMagicBytes: "not-hex"}
	_, err := cfg.MagicBytes()
	assert.Error(t, err)
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()

	assert.Equal(t, 30*time.Second, cfg.TokenTTL.Duration())
	assert.Equal(t, 300*time.Second, cfg.SessionTimeout.Duration())
	assert.Equal(t, DefaultMagicBytes, cfg.ControlPacketMagicBytes)
	assert.Equal(t, LoadBalancingLeastSessions, cfg.LoadBalancing.Type)
	assert.Equal(t, TokenStoreMemory, cfg.TokenStore.Type)
	assert.Equal(t, DefaultTokenStoreMaxTokens, cfg.TokenStore.MaxTokens)
	assert.Equal(t, 5*time.Second, cfg.LookupTimeout.Duration())
	assert.Equal(t, "info", cfg.Observability.LogLevel)
}

func TestApplyDefaults_LegacySeconds(t *testing.T) {
	cfg := &Config{TokenTTLSeconds: 60, SessionTimeoutSeconds: 120}
	cfg.ApplyDefaults()

	assert.Equal(t, time.Minute, cfg.TokenTTL.Duration())
	assert.Equal(t, 2*time.Minute, cfg.SessionTimeout.Duration())
}

func TestApplyDefaults_DurationWins(t *testing.T) {
	cfg := &Config{TokenTTL: Duration(10 * time.Second), TokenTTLSeconds: 60}
	cfg.ApplyDefaults()
	assert.Equal(t, 10*time.Second, cfg.TokenTTL.Duration())
}
