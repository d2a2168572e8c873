package kube

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/vyrodovalexey/avdirector/internal/config"
	"github.com/vyrodovalexey/avdirector/internal/util"
)

// pathSegment is one step of a dot path, optionally indexing into an array.
type pathSegment struct {
	key   string
	index int
	hasIx bool
}

// parsePath splits a dot path like "status.ports[0].port" into segments.
func parsePath(path string) ([]pathSegment, error) {
	parts := strings.Split(path, ".")
	segments := make([]pathSegment, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("empty segment in path %q", path)
		}
		seg := pathSegment{key: part}
		if open := strings.IndexByte(part, '['); open >= 0 {
			if !strings.HasSuffix(part, "]") {
				return nil, fmt.Errorf("malformed index in path segment %q", part)
			}
			ix, err := strconv.Atoi(part[open+1 : len(part)-1])
			if err != nil || ix < 0 {
				return nil, fmt.Errorf("invalid index in path segment %q", part)
			}
			seg.key = part[:open]
			seg.index = ix
			seg.hasIx = true
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

// LookupPath walks a decoded document along a dot path with optional [i]
// array indexing and returns the value found.
func LookupPath(doc map[string]interface{}, path string) (interface{}, bool) {
	segments, err := parsePath(path)
	if err != nil {
		return nil, false
	}

	var current interface{} = doc
	for _, seg := range segments {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = obj[seg.key]
		if !ok {
			return nil, false
		}
		if seg.hasIx {
			arr, ok := current.([]interface{})
			if !ok || seg.index >= len(arr) {
				return nil, false
			}
			current = arr[seg.index]
		}
	}
	return current, true
}

// ValueAsString renders a scalar JSON value for equality comparison.
// Non-scalar values have no string form.
func ValueAsString(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float64:
		// JSON numbers decode as float64; render integers without a point.
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10), true
		}
		return strconv.FormatFloat(t, 'f', -1, 64), true
	default:
		return "", false
	}
}

// asPort converts a JSON number to a port value.
func asPort(v interface{}) (int, bool) {
	switch t := v.(type) {
	case int64:
		return int(t), t > 0 && t <= 65535
	case float64:
		p := int(t)
		return p, float64(p) == t && p > 0 && p <= 65535
	default:
		return 0, false
	}
}

// ExtractAddress extracts the backend address from a candidate. With no
// address type configured the path must hold a scalar string; with one, the
// path must hold an address array and the first entry whose "type" matches
// supplies the "address" field.
func ExtractAddress(c Candidate) (string, error) {
	path := c.Mapping.AddressPath
	value, ok := LookupPath(c.Object.Object, path)
	if !ok {
		return "", util.NewExtractionError(path, "no value at path")
	}

	if c.Mapping.AddressType == "" {
		s, ok := value.(string)
		if !ok || s == "" {
			return "", util.NewExtractionError(path, "value is not a non-empty string")
		}
		return s, nil
	}

	arr, ok := value.([]interface{})
	if !ok {
		return "", util.NewExtractionError(path, "value is not an address array")
	}
	for _, entry := range arr {
		obj, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		if t, _ := obj["type"].(string); t != c.Mapping.AddressType {
			continue
		}
		if addr, _ := obj["address"].(string); addr != "" {
			return addr, nil
		}
	}
	return "", util.NewExtractionError(path,
		fmt.Sprintf("no address entry of type %q", c.Mapping.AddressType))
}

// namedPortLocations are the well-known places a named port can live.
// Container ports expose the number under "containerPort", everything else
// under "port".
var namedPortLocations = []struct {
	path    string
	numKeys []string
}{
	{"status.ports", []string{"port", "containerPort"}},
	{"spec.ports", []string{"port", "containerPort"}},
}

// findNamedPort searches the document for a port with the given name across
// the status/spec port arrays and every container's port list.
func findNamedPort(doc map[string]interface{}, name string) (int, bool) {
	for _, loc := range namedPortLocations {
		if value, ok := LookupPath(doc, loc.path); ok {
			if p, ok := searchPortArray(value, name, loc.numKeys); ok {
				return p, true
			}
		}
	}

	// Pod-shaped documents carry ports per container.
	if containers, ok := LookupPath(doc, "spec.containers"); ok {
		arr, ok := containers.([]interface{})
		if !ok {
			return 0, false
		}
		for _, c := range arr {
			obj, ok := c.(map[string]interface{})
			if !ok {
				continue
			}
			if p, ok := searchPortArray(obj["ports"], name, []string{"containerPort", "port"}); ok {
				return p, true
			}
		}
	}

	return 0, false
}

// searchPortArray scans one port array for a name match.
func searchPortArray(value interface{}, name string, numKeys []string) (int, bool) {
	arr, ok := value.([]interface{})
	if !ok {
		return 0, false
	}
	for _, entry := range arr {
		obj, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		if n, _ := obj["name"].(string); n != name {
			continue
		}
		for _, key := range numKeys {
			if p, ok := asPort(obj[key]); ok {
				return p, true
			}
		}
	}
	return 0, false
}

// extractOnePort resolves a single port by name or path.
func extractOnePort(c Candidate, portName, portPath string) (int, error) {
	if portName != "" {
		if p, ok := findNamedPort(c.Object.Object, portName); ok {
			return p, nil
		}
		return 0, util.NewExtractionError(portName,
			fmt.Sprintf("no port named %q in resource %s", portName, c.Name()))
	}

	value, ok := LookupPath(c.Object.Object, portPath)
	if !ok {
		return 0, util.NewExtractionError(portPath, "no value at path")
	}
	p, ok := asPort(value)
	if !ok {
		return 0, util.NewExtractionError(portPath, "value is not a valid port number")
	}
	return p, nil
}

// ExtractPortMap builds the binding's port map for a candidate. With a
// multi-port mapping each named entry is extracted individually; with the
// single-port form the one extracted port serves every configured data
// port name, matching the legacy single-port wiring.
func ExtractPortMap(c Candidate, dataPorts []config.DataPort) (map[string]int, error) {
	if len(c.Mapping.Ports) > 0 {
		ports := make(map[string]int, len(c.Mapping.Ports))
		for _, pm := range c.Mapping.Ports {
			p, err := extractOnePort(c, pm.PortName, pm.PortPath)
			if err != nil {
				return nil, err
			}
			ports[pm.Name] = p
		}
		return ports, nil
	}

	p, err := extractOnePort(c, c.Mapping.PortName, c.Mapping.PortPath)
	if err != nil {
		return nil, err
	}
	ports := make(map[string]int, len(dataPorts))
	for _, dp := range dataPorts {
		ports[dp.Name] = p
	}
	if len(ports) == 0 {
		ports["default"] = p
	}
	return ports, nil
}

// MatchesStatusQuery reports whether the value at the query's JSONPath
// equals one of the expected values. A missing or non-scalar value rejects
// the candidate.
func MatchesStatusQuery(c Candidate, q *config.StatusQuery) bool {
	if q == nil {
		return true
	}
	value, ok := LookupPath(c.Object.Object, q.JSONPath)
	if !ok {
		return false
	}
	s, ok := ValueAsString(value)
	if !ok {
		return false
	}
	for _, expected := range q.ExpectedValues {
		if s == expected {
			return true
		}
	}
	return false
}
