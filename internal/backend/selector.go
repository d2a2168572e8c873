package backend

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avdirector/internal/config"
	"github.com/vyrodovalexey/avdirector/internal/kube"
	"github.com/vyrodovalexey/avdirector/internal/observability"
	"github.com/vyrodovalexey/avdirector/internal/util"
)

// selectorTracerName is the OpenTelemetry tracer name for selections.
const selectorTracerName = "avdirector/selector"

// Lister is the slice of the resource adapter the selector needs.
type Lister interface {
	List(ctx context.Context, kind, namespace string, labelSelector map[string]string) ([]kube.Candidate, error)
}

// SessionCounter reports live sessions per backend host across every
// protocol and port the director manages.
type SessionCounter interface {
	ActiveSessions(host string) int
}

// Request describes one selection.
type Request struct {
	ResourceType       string
	Namespace          string
	LabelSelector      map[string]string
	AnnotationSelector map[string]string
	StatusQuery        *config.StatusQuery
}

// Selector filters candidates and applies the load-balancing policy. It is
// pure with respect to the candidate list, the policy, and the injected
// session counts, which keeps it unit-testable without a cluster.
type Selector struct {
	lister    Lister
	policy    config.LoadBalancing
	dataPorts []config.DataPort
	counter   SessionCounter
	logger    observability.Logger
}

// SelectorOption is a functional option for configuring the selector.
type SelectorOption func(*Selector)

// WithSelectorLogger sets the logger for the selector.
func WithSelectorLogger(logger observability.Logger) SelectorOption {
	return func(s *Selector) {
		s.logger = logger
	}
}

// NewSelector creates a selector.
func NewSelector(
	lister Lister,
	policy config.LoadBalancing,
	dataPorts []config.DataPort,
	counter SessionCounter,
	opts ...SelectorOption,
) *Selector {
	s := &Selector{
		lister:    lister,
		policy:    policy,
		dataPorts: dataPorts,
		counter:   counter,
		logger:    observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// scored pairs a candidate with its extracted host for policy evaluation.
type scored struct {
	candidate kube.Candidate
	host      string
}

// Select lists candidates, filters them in the fixed order (server-side
// labels, then status predicate, then annotations), applies the policy,
// and extracts the chosen backend's address and ports into a binding.
func (s *Selector) Select(ctx context.Context, req Request) (Binding, error) {
	ctx, span := otel.Tracer(selectorTracerName).Start(ctx, "selector.Select",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("resource_type", req.ResourceType),
			attribute.String("namespace", req.Namespace),
		),
	)
	defer span.End()

	candidates, err := s.lister.List(ctx, req.ResourceType, req.Namespace, req.LabelSelector)
	if err != nil {
		return Binding{}, err
	}

	filtered := s.filter(candidates, req)
	span.SetAttributes(
		attribute.Int("candidates", len(candidates)),
		attribute.Int("filtered", len(filtered)),
	)
	if len(filtered) == 0 {
		return Binding{}, util.WrapError(util.ErrNoMatch,
			"after filtering "+strconv.Itoa(len(candidates))+" candidates")
	}

	chosen, err := s.applyPolicy(filtered)
	if err != nil {
		return Binding{}, err
	}

	ports, err := kube.ExtractPortMap(chosen.candidate, s.dataPorts)
	if err != nil {
		return Binding{}, err
	}

	binding := NewBinding(chosen.host, ports)
	s.logger.Debug("backend selected",
		observability.String("resource", chosen.candidate.Name()),
		observability.String("binding", binding.String()),
	)
	return binding, nil
}

// filter applies the client-side stages: status predicate, then
// annotation equality. The label selector already ran server-side.
func (s *Selector) filter(candidates []kube.Candidate, req Request) []kube.Candidate {
	filtered := make([]kube.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if !kube.MatchesStatusQuery(c, req.StatusQuery) {
			continue
		}
		if !matchesAnnotations(c, req.AnnotationSelector) {
			continue
		}
		filtered = append(filtered, c)
	}
	return filtered
}

// matchesAnnotations requires every requested key/value to match exactly.
func matchesAnnotations(c kube.Candidate, selector map[string]string) bool {
	if len(selector) == 0 {
		return true
	}
	annotations := c.Annotations()
	for k, v := range selector {
		if annotations[k] != v {
			return false
		}
	}
	return true
}

// applyPolicy reduces the filtered set to one candidate.
func (s *Selector) applyPolicy(filtered []kube.Candidate) (scored, error) {
	hosts := s.extractHosts(filtered)
	if len(hosts) == 0 {
		return scored{}, util.NewExtractionError("", "no candidate yielded an address")
	}

	switch s.policy.Type {
	case config.LoadBalancingLabelArithmetic:
		return s.selectLabelArithmetic(hosts)
	default:
		return s.selectLeastSessions(hosts), nil
	}
}

// extractHosts resolves each candidate's address, dropping candidates that
// yield none so the policy only weighs reachable backends.
func (s *Selector) extractHosts(filtered []kube.Candidate) []scored {
	hosts := make([]scored, 0, len(filtered))
	for _, c := range filtered {
		host, err := kube.ExtractAddress(c)
		if err != nil {
			s.logger.Warn("skipping candidate without address",
				observability.String("resource", c.Name()),
				observability.Error(err),
			)
			continue
		}
		hosts = append(hosts, scored{candidate: c, host: host})
	}
	return hosts
}

// selectLeastSessions picks the candidate whose host has the fewest live
// sessions. Ties keep the earliest candidate in list order.
func (s *Selector) selectLeastSessions(hosts []scored) scored {
	best := hosts[0]
	bestCount := s.sessionsTo(best.host)
	for _, h := range hosts[1:] {
		if count := s.sessionsTo(h.host); count < bestCount {
			best = h
			bestCount = count
		}
	}
	return best
}

// selectLabelArithmetic picks the candidate with the greatest headroom,
// where headroom = max − current − active sessions to host − overlap.
// Candidates with headroom ≤ 0 or without the max label are rejected;
// ties prefer the lowest current value.
func (s *Selector) selectLabelArithmetic(hosts []scored) (scored, error) {
	type ranked struct {
		scored
		headroom int64
		current  int64
	}

	var candidates []ranked
	for _, h := range hosts {
		lbls := h.candidate.Labels()

		maxRaw, ok := lbls[s.policy.MaxLabel]
		if !ok {
			s.logger.Warn("skipping candidate without capacity label",
				observability.String("resource", h.candidate.Name()),
				observability.String("label", s.policy.MaxLabel),
			)
			continue
		}
		max, err := strconv.ParseInt(maxRaw, 10, 64)
		if err != nil {
			s.logger.Warn("skipping candidate with non-numeric capacity label",
				observability.String("resource", h.candidate.Name()),
				observability.String("value", maxRaw),
			)
			continue
		}

		var current int64
		if currentRaw, ok := lbls[s.policy.CurrentLabel]; ok {
			current, err = strconv.ParseInt(currentRaw, 10, 64)
			if err != nil {
				s.logger.Warn("skipping candidate with non-numeric load label",
					observability.String("resource", h.candidate.Name()),
					observability.String("value", currentRaw),
				)
				continue
			}
		}

		headroom := max - current - int64(s.sessionsTo(h.host)) - s.policy.Overlap
		if headroom <= 0 {
			s.logger.Debug("candidate at capacity",
				observability.String("resource", h.candidate.Name()),
				observability.Int64("headroom", headroom),
			)
			continue
		}
		candidates = append(candidates, ranked{scored: h, headroom: headroom, current: current})
	}

	if len(candidates) == 0 {
		return scored{}, util.WrapError(util.ErrOvercapacity,
			"checked "+strconv.Itoa(len(hosts))+" backends")
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.headroom > best.headroom ||
			(c.headroom == best.headroom && c.current < best.current) {
			best = c
		}
	}
	return best.scored, nil
}

// sessionsTo returns the live session count for a host.
func (s *Selector) sessionsTo(host string) int {
	if s.counter == nil {
		return 0
	}
	return s.counter.ActiveSessions(host)
}
