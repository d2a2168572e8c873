package config

import (
	"encoding/hex"
	"fmt"

	"github.com/vyrodovalexey/avdirector/internal/util"
)

// ValidateConfig checks a loaded configuration for startup-fatal problems.
// Every failure is a ConfigError; the process must exit non-zero on any of
// them before binding a listener.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return util.NewConfigError("", "configuration is nil")
	}

	if cfg.QueryPort <= 0 || cfg.QueryPort > 65535 {
		return util.NewConfigError("queryPort", "must be in range 1-65535")
	}

	dataPorts := cfg.GetDataPorts()
	if len(dataPorts) == 0 {
		return util.NewConfigError("dataPorts", "at least one data port must be configured")
	}

	seenPorts := make(map[string]bool, len(dataPorts))
	seenNames := make(map[Protocol]map[string]bool)
	for i, dp := range dataPorts {
		field := fmt.Sprintf("dataPorts[%d]", i)
		if dp.Port <= 0 || dp.Port > 65535 {
			return util.NewConfigError(field+".port", "must be in range 1-65535")
		}
		if dp.Name == "" {
			return util.NewConfigError(field+".name", "must not be empty")
		}
		if dp.Protocol != ProtocolUDP && dp.Protocol != ProtocolTCP {
			return util.NewConfigError(field+".protocol", `must be "udp" or "tcp"`)
		}
		key := fmt.Sprintf("%s/%d", dp.Protocol, dp.Port)
		if seenPorts[key] {
			return util.NewConfigError(field, fmt.Sprintf("duplicate %s port %d", dp.Protocol, dp.Port))
		}
		seenPorts[key] = true
		if seenNames[dp.Protocol] == nil {
			seenNames[dp.Protocol] = make(map[string]bool)
		}
		if seenNames[dp.Protocol][dp.Name] {
			return util.NewConfigError(field+".name", fmt.Sprintf("duplicate %s port name %q", dp.Protocol, dp.Name))
		}
		seenNames[dp.Protocol][dp.Name] = true
		if dp.Port == cfg.QueryPort && dp.Protocol == ProtocolTCP {
			return util.NewConfigError(field+".port", "collides with queryPort")
		}
	}

	if _, err := hex.DecodeString(cfg.ControlPacketMagicBytes); err != nil {
		return util.NewConfigErrorWithCause("controlPacketMagicBytes", "must be a valid hex string", err)
	}

	if len(cfg.ResourceQueryMapping) == 0 {
		return util.NewConfigError("resourceQueryMapping", "must not be empty")
	}
	for kind, mapping := range cfg.ResourceQueryMapping {
		if err := validateMapping(kind, mapping); err != nil {
			return err
		}
	}

	if err := validateLoadBalancing(cfg.LoadBalancing); err != nil {
		return err
	}

	if cfg.DefaultEndpoint != nil {
		if err := validateEndpoint(cfg.DefaultEndpoint, cfg.ResourceQueryMapping); err != nil {
			return err
		}
	}

	if err := validateTokenStore(cfg.TokenStore); err != nil {
		return err
	}

	if cfg.TokenTTL.Duration() <= 0 {
		return util.NewConfigError("tokenTtl", "must be positive")
	}
	if cfg.SessionTimeout.Duration() <= 0 {
		return util.NewConfigError("sessionTimeout", "must be positive")
	}

	return nil
}

// validateMapping checks one resource mapping.
func validateMapping(kind string, m ResourceMapping) error {
	field := fmt.Sprintf("resourceQueryMapping[%s]", kind)
	if m.Version == "" {
		return util.NewConfigError(field+".version", "must not be empty")
	}
	if m.Resource == "" {
		return util.NewConfigError(field+".resource", "must not be empty")
	}
	if m.AddressPath == "" {
		return util.NewConfigError(field+".addressPath", "must not be empty")
	}
	if len(m.Ports) == 0 && m.PortName == "" && m.PortPath == "" {
		return util.NewConfigError(field, "one of ports, portName, or portPath is required")
	}
	for i, pm := range m.Ports {
		portField := fmt.Sprintf("%s.ports[%d]", field, i)
		if pm.Name == "" {
			return util.NewConfigError(portField+".name", "must not be empty")
		}
		if pm.PortName == "" && pm.PortPath == "" {
			return util.NewConfigError(portField, "one of portName or portPath is required")
		}
	}
	return nil
}

// validateLoadBalancing checks the load balancing policy.
func validateLoadBalancing(lb LoadBalancing) error {
	switch lb.Type {
	case LoadBalancingLeastSessions:
		return nil
	case LoadBalancingLabelArithmetic:
		if lb.CurrentLabel == "" {
			return util.NewConfigError("loadBalancing.currentLabel", "required for labelArithmetic")
		}
		if lb.MaxLabel == "" {
			return util.NewConfigError("loadBalancing.maxLabel", "required for labelArithmetic")
		}
		if lb.Overlap < 0 {
			return util.NewConfigError("loadBalancing.overlap", "must be non-negative")
		}
		return nil
	default:
		return util.NewConfigError("loadBalancing.type",
			fmt.Sprintf("unknown policy %q", lb.Type))
	}
}

// validateEndpoint checks the default endpoint query.
func validateEndpoint(ep *EndpointQuery, mappings map[string]ResourceMapping) error {
	if ep.ResourceType == "" {
		return util.NewConfigError("defaultEndpoint.resourceType", "must not be empty")
	}
	if ep.Namespace == "" {
		return util.NewConfigError("defaultEndpoint.namespace", "must not be empty")
	}
	if _, ok := mappings[ep.ResourceType]; !ok {
		return util.NewConfigError("defaultEndpoint.resourceType",
			fmt.Sprintf("%q not present in resourceQueryMapping", ep.ResourceType))
	}
	if ep.StatusQuery != nil && ep.StatusQuery.JSONPath == "" {
		return util.NewConfigError("defaultEndpoint.statusQuery.jsonPath", "must not be empty")
	}
	return nil
}

// validateTokenStore checks the token store configuration.
func validateTokenStore(ts TokenStore) error {
	switch ts.Type {
	case TokenStoreMemory:
		return nil
	case TokenStoreRedis:
		if ts.RedisAddress == "" {
			return util.NewConfigError("tokenStore.redisAddress", "required for redis store")
		}
		return nil
	default:
		return util.NewConfigError("tokenStore.type",
			fmt.Sprintf("unknown store %q", ts.Type))
	}
}
