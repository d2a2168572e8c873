// Package config provides configuration management for the traffic
// director. Configuration is loaded from a YAML file (typically a mounted
// ConfigMap) with ${VAR} environment substitution, then validated before
// the process binds any listener.
package config

import (
	"encoding/hex"
	"fmt"
	"time"
)

// Protocol identifies the transport of a data port.
type Protocol string

// Supported data-port protocols.
const (
	ProtocolUDP Protocol = "udp"
	ProtocolTCP Protocol = "tcp"
)

// Load balancing policy names.
const (
	LoadBalancingLeastSessions   = "leastSessions"
	LoadBalancingLabelArithmetic = "labelArithmetic"
)

// Token store backends.
const (
	TokenStoreMemory = "memory"
	TokenStoreRedis  = "redis"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultTokenTTL            = 30 * time.Second
	DefaultSessionTimeout      = 300 * time.Second
	DefaultLookupTimeout       = 5 * time.Second
	DefaultDialTimeout         = 5 * time.Second
	DefaultJanitorInterval     = 30 * time.Second
	DefaultMonitorInterval     = 10 * time.Second
	DefaultShutdownGrace       = 10 * time.Second
	DefaultQueryReadTimeout    = 10 * time.Second
	DefaultTokenStoreMaxTokens = 10000

	// DefaultMagicBytes is the hex form of the control-packet prefix:
	// 0xFF 0xFF 0xFF 0xFF 'R' 'E' 'S' 'E' 'T'.
	DefaultMagicBytes = "FFFFFFFF5245534554"
)

// DataPort describes one data-plane listener.
type DataPort struct {
	Port     int      `json:"port" yaml:"port"`
	Protocol Protocol `json:"protocol" yaml:"protocol"`
	Name     string   `json:"name" yaml:"name"`
}

// StatusQuery filters candidates by the value at a JSONPath.
type StatusQuery struct {
	JSONPath       string   `json:"jsonPath" yaml:"jsonPath"`
	ExpectedValues []string `json:"expectedValues" yaml:"expectedValues"`
}

// EndpointQuery names a backend query used when a datagram arrives with no
// session and no token.
type EndpointQuery struct {
	ResourceType       string            `json:"resourceType" yaml:"resourceType"`
	Namespace          string            `json:"namespace" yaml:"namespace"`
	LabelSelector      map[string]string `json:"labelSelector,omitempty" yaml:"labelSelector,omitempty"`
	AnnotationSelector map[string]string `json:"annotationSelector,omitempty" yaml:"annotationSelector,omitempty"`
	StatusQuery        *StatusQuery      `json:"statusQuery,omitempty" yaml:"statusQuery,omitempty"`
}

// LoadBalancing configures backend selection among filtered candidates.
type LoadBalancing struct {
	Type         string `json:"type" yaml:"type"`
	CurrentLabel string `json:"currentLabel,omitempty" yaml:"currentLabel,omitempty"`
	MaxLabel     string `json:"maxLabel,omitempty" yaml:"maxLabel,omitempty"`
	Overlap      int64  `json:"overlap,omitempty" yaml:"overlap,omitempty"`
}

// PortMapping names one extractable backend port.
type PortMapping struct {
	Name     string `json:"name" yaml:"name"`
	PortName string `json:"portName,omitempty" yaml:"portName,omitempty"`
	PortPath string `json:"portPath,omitempty" yaml:"portPath,omitempty"`
}

// ResourceMapping maps a client-facing resource type to a Kubernetes
// API group/version/plural and the extraction paths for address and ports.
type ResourceMapping struct {
	Group       string        `json:"group" yaml:"group"`
	Version     string        `json:"version" yaml:"version"`
	Resource    string        `json:"resource" yaml:"resource"`
	AddressPath string        `json:"addressPath" yaml:"addressPath"`
	AddressType string        `json:"addressType,omitempty" yaml:"addressType,omitempty"`
	PortName    string        `json:"portName,omitempty" yaml:"portName,omitempty"`
	PortPath    string        `json:"portPath,omitempty" yaml:"portPath,omitempty"`
	Ports       []PortMapping `json:"ports,omitempty" yaml:"ports,omitempty"`
}

// TokenStore configures the token cache backend.
type TokenStore struct {
	Type          string `json:"type" yaml:"type"`
	MaxTokens     int    `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`
	RedisAddress  string `json:"redisAddress,omitempty" yaml:"redisAddress,omitempty"`
	RedisPassword string `json:"redisPassword,omitempty" yaml:"redisPassword,omitempty"`
	RedisDB       int    `json:"redisDB,omitempty" yaml:"redisDB,omitempty"`
	KeyPrefix     string `json:"keyPrefix,omitempty" yaml:"keyPrefix,omitempty"`
}

// Observability groups logging, metrics, and tracing options.
type Observability struct {
	LogLevel  string `json:"logLevel" yaml:"logLevel"`
	LogFormat string `json:"logFormat" yaml:"logFormat"`
	LogOutput string `json:"logOutput" yaml:"logOutput"`

	MetricsEnabled bool `json:"metricsEnabled" yaml:"metricsEnabled"`
	OpsPort        int  `json:"opsPort" yaml:"opsPort"`

	TracingEnabled    bool    `json:"tracingEnabled" yaml:"tracingEnabled"`
	OTLPEndpoint      string  `json:"otlpEndpoint" yaml:"otlpEndpoint"`
	TracingSampleRate float64 `json:"tracingSampleRate" yaml:"tracingSampleRate"`
	ServiceName       string  `json:"serviceName" yaml:"serviceName"`
}

// Config holds all configuration for the director.
type Config struct {
	QueryPort int `json:"queryPort" yaml:"queryPort"`

	// DataPort is the legacy single-port form; it collapses into one UDP
	// entry named "default" when DataPorts is empty.
	DataPort  int        `json:"dataPort,omitempty" yaml:"dataPort,omitempty"`
	DataPorts []DataPort `json:"dataPorts,omitempty" yaml:"dataPorts,omitempty"`

	TokenTTL              Duration `json:"tokenTtl" yaml:"tokenTtl"`
	TokenTTLSeconds       int      `json:"tokenTtlSeconds,omitempty" yaml:"tokenTtlSeconds,omitempty"`
	SessionTimeout        Duration `json:"sessionTimeout" yaml:"sessionTimeout"`
	SessionTimeoutSeconds int      `json:"sessionTimeoutSeconds,omitempty" yaml:"sessionTimeoutSeconds,omitempty"`

	ControlPacketMagicBytes string `json:"controlPacketMagicBytes" yaml:"controlPacketMagicBytes"`

	DefaultEndpoint *EndpointQuery `json:"defaultEndpoint,omitempty" yaml:"defaultEndpoint,omitempty"`

	LoadBalancing LoadBalancing `json:"loadBalancing" yaml:"loadBalancing"`

	ResourceQueryMapping map[string]ResourceMapping `json:"resourceQueryMapping" yaml:"resourceQueryMapping"`

	TokenStore TokenStore `json:"tokenStore" yaml:"tokenStore"`

	LookupTimeout    Duration `json:"lookupTimeout" yaml:"lookupTimeout"`
	DialTimeout      Duration `json:"dialTimeout" yaml:"dialTimeout"`
	QueryReadTimeout Duration `json:"queryReadTimeout" yaml:"queryReadTimeout"`
	JanitorInterval  Duration `json:"janitorInterval" yaml:"janitorInterval"`
	MonitorInterval  Duration `json:"monitorInterval" yaml:"monitorInterval"`
	ShutdownGrace    Duration `json:"shutdownGrace" yaml:"shutdownGrace"`

	Observability Observability `json:"observability" yaml:"observability"`
}

// GetDataPorts returns the effective data-port list, collapsing the legacy
// single-port field into one UDP entry named "default".
func (c *Config) GetDataPorts() []DataPort {
	if len(c.DataPorts) > 0 {
		return c.DataPorts
	}
	if c.DataPort != 0 {
		return []DataPort{{Port: c.DataPort, Protocol: ProtocolUDP, Name: "default"}}
	}
	return nil
}

// MagicBytes returns the decoded control-packet prefix.
func (c *Config) MagicBytes() ([]byte, error) {
	raw := c.ControlPacketMagicBytes
	if raw == "" {
		raw = DefaultMagicBytes
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding controlPacketMagicBytes: %w", err)
	}
	return b, nil
}

// ApplyDefaults fills in unset fields. The *Seconds fields are the legacy
// integer forms; they win only when the duration form is unset.
func (c *Config) ApplyDefaults() {
	if c.TokenTTL == 0 {
		if c.TokenTTLSeconds > 0 {
			c.TokenTTL = Duration(time.Duration(c.TokenTTLSeconds) * time.Second)
		} else {
			c.TokenTTL = Duration(DefaultTokenTTL)
		}
	}
	if c.SessionTimeout == 0 {
		if c.SessionTimeoutSeconds > 0 {
			c.SessionTimeout = Duration(time.Duration(c.SessionTimeoutSeconds) * time.Second)
		} else {
			c.SessionTimeout = Duration(DefaultSessionTimeout)
		}
	}
	if c.ControlPacketMagicBytes == "" {
		c.ControlPacketMagicBytes = DefaultMagicBytes
	}
	if c.LoadBalancing.Type == "" {
		c.LoadBalancing.Type = LoadBalancingLeastSessions
	}
	if c.TokenStore.Type == "" {
		c.TokenStore.Type = TokenStoreMemory
	}
	if c.TokenStore.MaxTokens <= 0 {
		c.TokenStore.MaxTokens = DefaultTokenStoreMaxTokens
	}
	if c.LookupTimeout == 0 {
		c.LookupTimeout = Duration(DefaultLookupTimeout)
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = Duration(DefaultDialTimeout)
	}
	if c.QueryReadTimeout == 0 {
		c.QueryReadTimeout = Duration(DefaultQueryReadTimeout)
	}
	if c.JanitorInterval == 0 {
		c.JanitorInterval = Duration(DefaultJanitorInterval)
	}
	if c.MonitorInterval == 0 {
		c.MonitorInterval = Duration(DefaultMonitorInterval)
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = Duration(DefaultShutdownGrace)
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
	if c.Observability.LogFormat == "" {
		c.Observability.LogFormat = "json"
	}
	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = "avdirector"
	}
}
