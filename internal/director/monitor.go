package director

import (
	"context"
	"sync"
	"time"

	"github.com/vyrodovalexey/avdirector/internal/backend"
	"github.com/vyrodovalexey/avdirector/internal/observability"
)

// Monitor periodically re-queries the default endpoint and invalidates its
// cache when the backing resource appears, disappears, or moves, so stale
// bindings never outlive a re-scheduled backend by more than one interval.
type Monitor struct {
	endpoint *DefaultEndpoint
	interval time.Duration
	logger   observability.Logger

	mu       sync.Mutex
	last     *backend.Binding
	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMonitor creates a monitor for the default endpoint.
func NewMonitor(endpoint *DefaultEndpoint, interval time.Duration, logger observability.Logger) *Monitor {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Monitor{
		endpoint: endpoint,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the check loop.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	m.logger.Info("default endpoint monitor started",
		observability.Duration("interval", m.interval))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.check(ctx)
			}
		}
	}()
}

// Stop halts the check loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("default endpoint monitor stopped")
}

// check compares the current resolution against the last observation.
func (m *Monitor) check(ctx context.Context) {
	current, err := m.endpoint.resolveFresh(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case err != nil && m.last == nil:
		m.logger.Debug("default endpoint still unavailable",
			observability.Error(err))

	case err != nil:
		m.logger.Warn("default endpoint lost",
			observability.String("previous", m.last.String()),
			observability.Error(err))
		m.endpoint.Invalidate()
		m.last = nil

	case m.last == nil:
		m.logger.Info("default endpoint available",
			observability.String("binding", current.String()))
		m.endpoint.Invalidate()
		m.last = &current

	case !m.last.Equal(current):
		m.logger.Info("default endpoint changed",
			observability.String("previous", m.last.String()),
			observability.String("current", current.String()))
		m.endpoint.Invalidate()
		m.last = &current

	default:
		m.logger.Debug("default endpoint unchanged",
			observability.String("binding", current.String()))
	}
}
