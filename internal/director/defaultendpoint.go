// Package director wires the shared state and all listeners of the
// traffic director: the query server, the UDP and TCP data planes, the
// background janitor, and the default-endpoint monitor.
package director

import (
	"context"
	"sync"

	"github.com/vyrodovalexey/avdirector/internal/backend"
	"github.com/vyrodovalexey/avdirector/internal/config"
	"github.com/vyrodovalexey/avdirector/internal/observability"
)

// selector is the slice of the backend selector the director needs.
type selector interface {
	Select(ctx context.Context, req backend.Request) (backend.Binding, error)
}

// DefaultEndpoint resolves and caches the binding for the configured
// default endpoint query. Data planes consult it for traffic that arrives
// with no session and no token; the monitor and the config watcher
// invalidate the cache when the backing resource moves.
type DefaultEndpoint struct {
	query    config.EndpointQuery
	selector selector
	logger   observability.Logger

	mu     sync.Mutex
	cached *backend.Binding
}

// NewDefaultEndpoint creates a resolver for the endpoint query.
func NewDefaultEndpoint(
	query config.EndpointQuery,
	sel selector,
	logger observability.Logger,
) *DefaultEndpoint {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &DefaultEndpoint{
		query:    query,
		selector: sel,
		logger:   logger,
	}
}

// Resolve returns the default binding, querying the cluster on a cache
// miss.
func (d *DefaultEndpoint) Resolve(ctx context.Context) (backend.Binding, error) {
	d.mu.Lock()
	if d.cached != nil {
		b := *d.cached
		d.mu.Unlock()
		return b, nil
	}
	d.mu.Unlock()

	binding, err := d.resolveFresh(ctx)
	if err != nil {
		return backend.Binding{}, err
	}

	d.mu.Lock()
	d.cached = &binding
	d.mu.Unlock()

	d.logger.Info("default endpoint cached",
		observability.String("binding", binding.String()))
	return binding, nil
}

// resolveFresh queries the cluster, bypassing the cache.
func (d *DefaultEndpoint) resolveFresh(ctx context.Context) (backend.Binding, error) {
	return d.selector.Select(ctx, backend.Request{
		ResourceType:       d.query.ResourceType,
		Namespace:          d.query.Namespace,
		LabelSelector:      d.query.LabelSelector,
		AnnotationSelector: d.query.AnnotationSelector,
		StatusQuery:        d.query.StatusQuery,
	})
}

// Invalidate drops the cached binding so the next Resolve re-queries.
func (d *DefaultEndpoint) Invalidate() {
	d.mu.Lock()
	invalidated := d.cached != nil
	d.cached = nil
	d.mu.Unlock()

	if invalidated {
		d.logger.Info("default endpoint cache invalidated")
	}
}
