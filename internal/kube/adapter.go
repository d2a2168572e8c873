// Package kube provides the resource adapter through which the director
// queries the cluster API for candidate backends. Kinds are resolved
// against the immutable resource query mapping loaded at startup; the
// documents come back as untyped unstructured maps so downstream filters can walk arbitrary
// status fields.
package kube

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/vyrodovalexey/avdirector/internal/config"
	"github.com/vyrodovalexey/avdirector/internal/observability"
	"github.com/vyrodovalexey/avdirector/internal/util"
)

// adapterTracerName is the OpenTelemetry tracer name for adapter operations.
const adapterTracerName = "avdirector/kube"

// Candidate is one resource surviving a cluster query. It carries the full
// decoded document so filters and extraction can run against any path.
type Candidate struct {
	Object  *unstructured.Unstructured
	Mapping config.ResourceMapping
}

// Name returns the resource name.
func (c Candidate) Name() string {
	return c.Object.GetName()
}

// Labels returns the resource labels.
func (c Candidate) Labels() map[string]string {
	return c.Object.GetLabels()
}

// Annotations returns the resource annotations.
func (c Candidate) Annotations() map[string]string {
	return c.Object.GetAnnotations()
}

// Adapter queries the cluster API for arbitrary namespaced kinds.
type Adapter struct {
	client   dynamic.Interface
	mappings map[string]config.ResourceMapping
	timeout  time.Duration
	breaker  *gobreaker.CircuitBreaker
	logger   observability.Logger
	metrics  *observability.Metrics
}

// AdapterOption is a functional option for configuring the adapter.
type AdapterOption func(*Adapter)

// WithAdapterLogger sets the logger for the adapter.
func WithAdapterLogger(logger observability.Logger) AdapterOption {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// WithAdapterMetrics sets the metrics sink for the adapter.
func WithAdapterMetrics(m *observability.Metrics) AdapterOption {
	return func(a *Adapter) {
		a.metrics = m
	}
}

// WithLookupTimeout bounds each cluster API call.
func WithLookupTimeout(d time.Duration) AdapterOption {
	return func(a *Adapter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewAdapter creates a resource adapter over a dynamic client. The mapping
// table is copied once and immutable afterwards.
func NewAdapter(
	client dynamic.Interface,
	mappings map[string]config.ResourceMapping,
	opts ...AdapterOption,
) *Adapter {
	a := &Adapter{
		client:   client,
		mappings: make(map[string]config.ResourceMapping, len(mappings)),
		timeout:  config.DefaultLookupTimeout,
		logger:   observability.NopLogger(),
	}
	for kind, m := range mappings {
		a.mappings[kind] = m
	}

	for _, opt := range opts {
		opt(a)
	}

	a.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "cluster-api",
		Timeout: 2 * a.timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			a.logger.Info("cluster api circuit breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
		},
	})

	return a
}

// NewRESTConfig builds a client config, preferring in-cluster credentials
// and falling back to the local kubeconfig.
func NewRESTConfig() (*rest.Config, error) {
	cfg, err := rest.InClusterConfig()
	if err == nil {
		return cfg, nil
	}

	kubeconfig := os.Getenv("KUBECONFIG")
	if kubeconfig == "" {
		home, herr := os.UserHomeDir()
		if herr != nil {
			return nil, err
		}
		kubeconfig = filepath.Join(home, ".kube", "config")
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfig)
}

// NewDynamicClient builds the dynamic client the adapter queries through.
func NewDynamicClient() (dynamic.Interface, error) {
	cfg, err := NewRESTConfig()
	if err != nil {
		return nil, err
	}
	return dynamic.NewForConfig(cfg)
}

// Mapping returns the resource mapping for a kind.
func (a *Adapter) Mapping(kind string) (config.ResourceMapping, bool) {
	m, ok := a.mappings[kind]
	return m, ok
}

// List queries the cluster for all resources of the named kind in the
// namespace, pushing the label selector server-side. An empty result is a
// legitimate outcome, not an error.
func (a *Adapter) List(
	ctx context.Context,
	kind string,
	namespace string,
	labelSelector map[string]string,
) ([]Candidate, error) {
	mapping, ok := a.mappings[kind]
	if !ok {
		return nil, util.WrapError(util.ErrUnknownResourceType, kind)
	}

	ctx, span := otel.Tracer(adapterTracerName).Start(ctx, "kube.List",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("k8s.resource", mapping.Resource),
			attribute.String("k8s.namespace", namespace),
		),
	)
	defer span.End()

	gvr := schema.GroupVersionResource{
		Group:    mapping.Group,
		Version:  mapping.Version,
		Resource: mapping.Resource,
	}

	opts := metav1.ListOptions{}
	if len(labelSelector) > 0 {
		opts.LabelSelector = labels.SelectorFromSet(labelSelector).String()
	}

	listCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	result, err := a.breaker.Execute(func() (interface{}, error) {
		return a.client.Resource(gvr).Namespace(namespace).List(listCtx, opts)
	})
	if err != nil {
		if a.metrics != nil {
			a.metrics.RecordLookup(kind, "error", time.Since(start))
		}
		a.logger.Error("cluster api list failed",
			observability.String("kind", kind),
			observability.String("namespace", namespace),
			observability.Error(err),
		)
		return nil, util.NewLookupError(kind, namespace, err)
	}
	if a.metrics != nil {
		a.metrics.RecordLookup(kind, "success", time.Since(start))
	}

	list := result.(*unstructured.UnstructuredList)
	candidates := make([]Candidate, 0, len(list.Items))
	for i := range list.Items {
		candidates = append(candidates, Candidate{
			Object:  &list.Items[i],
			Mapping: mapping,
		})
	}

	span.SetAttributes(attribute.Int("k8s.items", len(candidates)))

	a.logger.Debug("cluster api list",
		observability.String("kind", kind),
		observability.String("namespace", namespace),
		observability.Int("items", len(candidates)),
	)

	return candidates, nil
}
