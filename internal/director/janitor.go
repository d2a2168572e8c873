package director

import (
	"context"
	"sync"
	"time"

	"github.com/vyrodovalexey/avdirector/internal/observability"
	"github.com/vyrodovalexey/avdirector/internal/session"
	"github.com/vyrodovalexey/avdirector/internal/token"
)

// Janitor periodically sweeps idle sessions and purges expired tokens.
type Janitor struct {
	sessions       *session.Table
	tokens         token.Store
	interval       time.Duration
	sessionTimeout time.Duration
	logger         observability.Logger
	metrics        *observability.Metrics

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewJanitor creates a janitor.
func NewJanitor(
	sessions *session.Table,
	tokens token.Store,
	interval, sessionTimeout time.Duration,
	logger observability.Logger,
	metrics *observability.Metrics,
) *Janitor {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Janitor{
		sessions:       sessions,
		tokens:         tokens,
		interval:       interval,
		sessionTimeout: sessionTimeout,
		logger:         logger,
		metrics:        metrics,
		stopCh:         make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return
	}
	j.running = true
	j.stopCh = make(chan struct{})
	j.mu.Unlock()

	j.logger.Info("janitor started",
		observability.Duration("interval", j.interval),
		observability.Duration("sessionTimeout", j.sessionTimeout))

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-j.stopCh:
				return
			case <-ticker.C:
				j.sweep(ctx)
			}
		}
	}()
}

// Stop halts the sweep loop.
func (j *Janitor) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	close(j.stopCh)
	j.mu.Unlock()

	j.wg.Wait()
	j.logger.Info("janitor stopped")
}

// sweep evicts idle sessions and expired tokens, logging aggregate counts.
func (j *Janitor) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-j.sessionTimeout)
	evicted := j.sessions.Sweep(cutoff)
	if j.metrics != nil && evicted > 0 {
		j.metrics.RecordSwept(evicted)
	}

	purged, err := j.tokens.Purge(ctx)
	if err != nil {
		j.logger.Warn("token purge failed", observability.Error(err))
	}

	if evicted > 0 || purged > 0 {
		j.logger.Info("janitor sweep",
			observability.Int("sessionsEvicted", evicted),
			observability.Int("tokensPurged", purged),
			observability.Int("sessionsActive", j.sessions.Count()))
	}
}
