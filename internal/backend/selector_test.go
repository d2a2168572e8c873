package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/vyrodovalexey/avdirector/internal/config"
	"github.com/vyrodovalexey/avdirector/internal/kube"
	"github.com/vyrodovalexey/avdirector/internal/util"
)

// staticLister serves a fixed candidate list, applying the label selector
// the way the server side would.
type staticLister struct {
	candidates []kube.Candidate
	err        error
}

func (l *staticLister) List(
	_ context.Context, _, _ string, labelSelector map[string]string,
) ([]kube.Candidate, error) {
	if l.err != nil {
		return nil, l.err
	}
	out := make([]kube.Candidate, 0, len(l.candidates))
	for _, c := range l.candidates {
		lbls := c.Labels()
		match := true
		for k, v := range labelSelector {
			if lbls[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, c)
		}
	}
	return out, nil
}

// staticCounter returns fixed per-host session counts.
type staticCounter map[string]int

func (c staticCounter) ActiveSessions(host string) int { return c[host] }

var testMapping = config.ResourceMapping{
	Group:       "agones.dev",
	Version:     "v1",
	Resource:    "gameservers",
	AddressPath: "status.address",
	Ports: []config.PortMapping{
		{Name: "game", PortName: "game"},
	},
}

func newCandidate(name, address string, labels, annotations map[string]string, state string) kube.Candidate {
	meta := map[string]interface{}{
		"name":      name,
		"namespace": "ns",
	}
	if labels != nil {
		lm := map[string]interface{}{}
		for k, v := range labels {
			lm[k] = v
		}
		meta["labels"] = lm
	}
	if annotations != nil {
		am := map[string]interface{}{}
		for k, v := range annotations {
			am[k] = v
		}
		meta["annotations"] = am
	}
	return kube.Candidate{
		Object: &unstructured.Unstructured{Object: map[string]interface{}{
			"apiVersion": "agones.dev/v1",
			"kind":       "GameServer",
			"metadata":   meta,
			"status": map[string]interface{}{
				"state":   state,
				"address": address,
				"ports": []interface{}{
					map[string]interface{}{"name": "game", "port": int64(7777)},
				},
			},
		}},
		Mapping: testMapping,
	}
}

func leastSessionsSelector(lister Lister, counter SessionCounter) *Selector {
	return NewSelector(lister, config.LoadBalancing{Type: config.LoadBalancingLeastSessions},
		[]config.DataPort{{Port: 7777, Protocol: config.ProtocolUDP, Name: "game"}},
		counter)
}

func TestSelector_LabelFilterPushedToLister(t *testing.T) {
	lister := &staticLister{candidates: []kube.Candidate{
		newCandidate("a", "10.0.0.1", map[string]string{"app": "x"}, nil, "Ready"),
		newCandidate("b", "10.0.0.2", map[string]string{"app": "y"}, nil, "Ready"),
	}}
	sel := leastSessionsSelector(lister, staticCounter{})

	binding, err := sel.Select(context.Background(), Request{
		ResourceType:  "gameserver",
		Namespace:     "ns",
		LabelSelector: map[string]string{"app": "y"},
	})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", binding.Host())
}

func TestSelector_StatusPredicate(t *testing.T) {
	lister := &staticLister{candidates: []kube.Candidate{
		newCandidate("a", "10.0.0.1", nil, nil, "Shutdown"),
		newCandidate("b", "10.0.0.2", nil, nil, "Allocated"),
	}}
	sel := leastSessionsSelector(lister, staticCounter{})

	binding, err := sel.Select(context.Background(), Request{
		ResourceType: "gameserver",
		Namespace:    "ns",
		StatusQuery: &config.StatusQuery{
			JSONPath:       "status.state",
			ExpectedValues: []string{"Ready", "Allocated"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", binding.Host())
}

func TestSelector_AnnotationFilter(t *testing.T) {
	lister := &staticLister{candidates: []kube.Candidate{
		newCandidate("a", "10.0.0.1", nil, map[string]string{"region": "eu"}, "Ready"),
		newCandidate("b", "10.0.0.2", nil, map[string]string{"region": "us"}, "Ready"),
	}}
	sel := leastSessionsSelector(lister, staticCounter{})

	binding, err := sel.Select(context.Background(), Request{
		ResourceType:       "gameserver",
		Namespace:          "ns",
		AnnotationSelector: map[string]string{"region": "us"},
	})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", binding.Host())
}

func TestSelector_NoMatch(t *testing.T) {
	lister := &staticLister{candidates: []kube.Candidate{
		newCandidate("a", "10.0.0.1", nil, nil, "Shutdown"),
	}}
	sel := leastSessionsSelector(lister, staticCounter{})

	_, err := sel.Select(context.Background(), Request{
		ResourceType: "gameserver",
		Namespace:    "ns",
		StatusQuery: &config.StatusQuery{
			JSONPath:       "status.state",
			ExpectedValues: []string{"Ready"},
		},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrNoMatch)
}

func TestSelector_ListerErrorPropagates(t *testing.T) {
	lister := &staticLister{err: util.NewLookupError("gameserver", "ns", assert.AnError)}
	sel := leastSessionsSelector(lister, staticCounter{})

	_, err := sel.Select(context.Background(), Request{ResourceType: "gameserver", Namespace: "ns"})
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrResourceLookup)
}

func TestSelector_LeastSessions(t *testing.T) {
	lister := &staticLister{candidates: []kube.Candidate{
		newCandidate("a", "10.0.0.1", nil, nil, "Ready"),
		newCandidate("b", "10.0.0.2", nil, nil, "Ready"),
		newCandidate("c", "10.0.0.3", nil, nil, "Ready"),
	}}
	counter := staticCounter{"10.0.0.1": 2, "10.0.0.2": 1, "10.0.0.3": 4}
	sel := leastSessionsSelector(lister, counter)

	binding, err := sel.Select(context.Background(), Request{ResourceType: "gameserver", Namespace: "ns"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", binding.Host())
}

func TestSelector_LeastSessions_TieKeepsListOrder(t *testing.T) {
	lister := &staticLister{candidates: []kube.Candidate{
		newCandidate("a", "10.0.0.1", nil, nil, "Ready"),
		newCandidate("b", "10.0.0.2", nil, nil, "Ready"),
	}}
	sel := leastSessionsSelector(lister, staticCounter{})

	binding, err := sel.Select(context.Background(), Request{ResourceType: "gameserver", Namespace: "ns"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", binding.Host())
}

func labelArithmeticSelector(lister Lister, counter SessionCounter, overlap int64) *Selector {
	return NewSelector(lister, config.LoadBalancing{
		Type:         config.LoadBalancingLabelArithmetic,
		CurrentLabel: "currentPlayers",
		MaxLabel:     "maxPlayers",
		Overlap:      overlap,
	}, []config.DataPort{{Port: 7777, Protocol: config.ProtocolUDP, Name: "game"}}, counter)
}

func capacityCandidate(name, address, current, max string) kube.Candidate {
	labels := map[string]string{}
	if current != "" {
		labels["currentPlayers"] = current
	}
	if max != "" {
		labels["maxPlayers"] = max
	}
	return newCandidate(name, address, labels, nil, "Ready")
}

// Headrooms with overlap 2: a=50-45-2=3, b=50-30-2=18, c=50-49-2=-1; b wins.
func TestSelector_LabelArithmetic(t *testing.T) {
	lister := &staticLister{candidates: []kube.Candidate{
		capacityCandidate("a", "10.0.0.1", "45", "50"),
		capacityCandidate("b", "10.0.0.2", "30", "50"),
		capacityCandidate("c", "10.0.0.3", "49", "50"),
	}}
	sel := labelArithmeticSelector(lister, staticCounter{}, 2)

	binding, err := sel.Select(context.Background(), Request{ResourceType: "gameserver", Namespace: "ns"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", binding.Host())
}

func TestSelector_LabelArithmetic_SessionsCount(t *testing.T) {
	lister := &staticLister{candidates: []kube.Candidate{
		capacityCandidate("a", "10.0.0.1", "5", "10"),
		capacityCandidate("b", "10.0.0.2", "2", "10"),
	}}
	// b has headroom 10-2-7-0=1, a has 10-5-0-0=5.
	counter := staticCounter{"10.0.0.2": 7}
	sel := labelArithmeticSelector(lister, counter, 0)

	binding, err := sel.Select(context.Background(), Request{ResourceType: "gameserver", Namespace: "ns"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", binding.Host())
}

func TestSelector_LabelArithmetic_MissingCurrentIsZero(t *testing.T) {
	lister := &staticLister{candidates: []kube.Candidate{
		capacityCandidate("a", "10.0.0.1", "9", "10"),
		capacityCandidate("b", "10.0.0.2", "", "10"),
	}}
	sel := labelArithmeticSelector(lister, staticCounter{}, 0)

	binding, err := sel.Select(context.Background(), Request{ResourceType: "gameserver", Namespace: "ns"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", binding.Host())
}

func TestSelector_LabelArithmetic_MissingMaxRejected(t *testing.T) {
	lister := &staticLister{candidates: []kube.Candidate{
		capacityCandidate("a", "10.0.0.1", "1", ""),
	}}
	sel := labelArithmeticSelector(lister, staticCounter{}, 0)

	_, err := sel.Select(context.Background(), Request{ResourceType: "gameserver", Namespace: "ns"})
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrOvercapacity)
}

func TestSelector_LabelArithmetic_Overcapacity(t *testing.T) {
	lister := &staticLister{candidates: []kube.Candidate{
		capacityCandidate("a", "10.0.0.1", "10", "10"),
		capacityCandidate("b", "10.0.0.2", "9", "10"),
	}}
	sel := labelArithmeticSelector(lister, staticCounter{}, 1)

	_, err := sel.Select(context.Background(), Request{ResourceType: "gameserver", Namespace: "ns"})
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrOvercapacity)
}

func TestSelector_LabelArithmetic_TieBreakLowestCurrent(t *testing.T) {
	lister := &staticLister{candidates: []kube.Candidate{
		capacityCandidate("a", "10.0.0.1", "6", "16"),
		capacityCandidate("b", "10.0.0.2", "2", "12"),
	}}
	// Both have headroom 10; b wins on lower current.
	sel := labelArithmeticSelector(lister, staticCounter{}, 0)

	binding, err := sel.Select(context.Background(), Request{ResourceType: "gameserver", Namespace: "ns"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", binding.Host())
}

func TestSelector_AddressExtractionFailure(t *testing.T) {
	broken := newCandidate("a", "10.0.0.1", nil, nil, "Ready")
	// Remove the address so extraction fails for the only candidate.
	status := broken.Object.Object["status"].(map[string]interface{})
	delete(status, "address")

	lister := &staticLister{candidates: []kube.Candidate{broken}}
	sel := leastSessionsSelector(lister, staticCounter{})

	_, err := sel.Select(context.Background(), Request{ResourceType: "gameserver", Namespace: "ns"})
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrAddressExtraction)
}

func TestSelector_PortExtractionFailure(t *testing.T) {
	broken := newCandidate("a", "10.0.0.1", nil, nil, "Ready")
	status := broken.Object.Object["status"].(map[string]interface{})
	delete(status, "ports")

	lister := &staticLister{candidates: []kube.Candidate{broken}}
	sel := leastSessionsSelector(lister, staticCounter{})

	_, err := sel.Select(context.Background(), Request{ResourceType: "gameserver", Namespace: "ns"})
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrAddressExtraction)
}

func TestSelector_BindingPorts(t *testing.T) {
	lister := &staticLister{candidates: []kube.Candidate{
		newCandidate("a", "10.0.0.5", nil, nil, "Ready"),
	}}
	sel := leastSessionsSelector(lister, staticCounter{})

	binding, err := sel.Select(context.Background(), Request{ResourceType: "gameserver", Namespace: "ns"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"game": 7777}, binding.Ports())
}
