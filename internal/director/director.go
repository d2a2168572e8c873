package director

import (
	"context"
	"fmt"

	"github.com/vyrodovalexey/avdirector/internal/backend"
	"github.com/vyrodovalexey/avdirector/internal/config"
	"github.com/vyrodovalexey/avdirector/internal/director/query"
	"github.com/vyrodovalexey/avdirector/internal/director/tcp"
	"github.com/vyrodovalexey/avdirector/internal/director/udp"
	"github.com/vyrodovalexey/avdirector/internal/observability"
	"github.com/vyrodovalexey/avdirector/internal/session"
	"github.com/vyrodovalexey/avdirector/internal/token"
	"github.com/vyrodovalexey/avdirector/internal/util"
)

// Director owns the shared state and every listener. Besides the two
// shared tables and the immutable kind map there is no global mutable
// state; all tasks reach the tables through the director's wiring.
type Director struct {
	cfg     *config.Config
	logger  observability.Logger
	metrics *observability.Metrics

	tokens   token.Store
	sessions *session.Table
	selector *backend.Selector
	endpoint *DefaultEndpoint

	queryServer *query.Server
	udpServers  []*udp.Server
	tcpServers  []*tcp.Server
	janitor     *Janitor
	monitor     *Monitor
}

// Option is a functional option for configuring the director.
type Option func(*Director)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(d *Director) {
		d.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Director) {
		d.metrics = m
	}
}

// New assembles a director from validated configuration and a resource
// lister (the kube adapter in production, a stub in tests).
func New(cfg *config.Config, lister backend.Lister, opts ...Option) (*Director, error) {
	d := &Director{
		cfg:    cfg,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}

	magic, err := cfg.MagicBytes()
	if err != nil {
		return nil, util.NewConfigErrorWithCause("controlPacketMagicBytes", "invalid hex", err)
	}

	d.sessions = session.NewTable(
		session.WithTableLogger(d.logger.With(observability.String("component", "sessions"))),
		session.WithTableMetrics(d.metrics),
	)

	d.tokens, err = token.New(cfg.TokenStore,
		d.logger.With(observability.String("component", "tokens")))
	if err != nil {
		return nil, err
	}

	d.selector = backend.NewSelector(lister, cfg.LoadBalancing, cfg.GetDataPorts(), d.sessions,
		backend.WithSelectorLogger(d.logger.With(observability.String("component", "selector"))))

	if cfg.DefaultEndpoint != nil {
		d.endpoint = NewDefaultEndpoint(*cfg.DefaultEndpoint, d.selector,
			d.logger.With(observability.String("component", "default-endpoint")))
		d.monitor = NewMonitor(d.endpoint, cfg.MonitorInterval.Duration(),
			d.logger.With(observability.String("component", "monitor")))
	}

	d.queryServer = query.NewServer(cfg, d.selector, d.tokens, d.sessions,
		query.WithServerLogger(d.logger.With(observability.String("component", "query"))),
		query.WithServerMetrics(d.metrics))

	for _, dp := range cfg.GetDataPorts() {
		switch dp.Protocol {
		case config.ProtocolUDP:
			udpOpts := []udp.ServerOption{
				udp.WithServerLogger(d.logger.With(
					observability.String("component", "udp"),
					observability.Int("port", dp.Port))),
				udp.WithServerMetrics(d.metrics),
			}
			if d.endpoint != nil {
				udpOpts = append(udpOpts, udp.WithDefaultResolver(d.endpoint))
			}
			d.udpServers = append(d.udpServers,
				udp.NewServer(dp, magic, d.tokens, d.sessions, udpOpts...))

		case config.ProtocolTCP:
			tcpOpts := []tcp.ServerOption{
				tcp.WithServerLogger(d.logger.With(
					observability.String("component", "tcp"),
					observability.Int("port", dp.Port))),
				tcp.WithServerMetrics(d.metrics),
			}
			if d.endpoint != nil {
				tcpOpts = append(tcpOpts, tcp.WithDefaultResolver(d.endpoint))
			}
			d.tcpServers = append(d.tcpServers,
				tcp.NewServer(dp, cfg.DialTimeout.Duration(), d.sessions, tcpOpts...))
		}
	}

	d.janitor = NewJanitor(d.sessions, d.tokens,
		cfg.JanitorInterval.Duration(), cfg.SessionTimeout.Duration(),
		d.logger.With(observability.String("component", "janitor")), d.metrics)

	return d, nil
}

// Sessions exposes the session table.
func (d *Director) Sessions() *session.Table {
	return d.sessions
}

// InvalidateDefaultEndpoint drops the cached default binding; wired to the
// config watcher so a ConfigMap update forces a re-query.
func (d *Director) InvalidateDefaultEndpoint() {
	if d.endpoint != nil {
		d.endpoint.Invalidate()
	}
}

// Start binds every listener and starts the background tasks. A bind
// failure stops anything already started and is fatal to the caller.
func (d *Director) Start(ctx context.Context) error {
	if err := d.queryServer.Start(ctx); err != nil {
		return fmt.Errorf("starting query server: %w", err)
	}

	for _, s := range d.udpServers {
		if err := s.Start(ctx); err != nil {
			d.stopListeners(ctx)
			return fmt.Errorf("starting udp data plane: %w", err)
		}
	}
	for _, s := range d.tcpServers {
		if err := s.Start(ctx); err != nil {
			d.stopListeners(ctx)
			return fmt.Errorf("starting tcp data plane: %w", err)
		}
	}

	d.janitor.Start(ctx)
	if d.monitor != nil {
		d.monitor.Start(ctx)
	}

	d.logger.Info("director running",
		observability.Int("queryPort", d.cfg.QueryPort),
		observability.Int("dataPorts", len(d.cfg.GetDataPorts())))

	return nil
}

// Stop shuts the director down: listeners close first, then active
// sessions drain within the shutdown grace, then background tasks halt
// and shared state is released.
func (d *Director) Stop(ctx context.Context) error {
	d.stopListeners(ctx)

	if d.monitor != nil {
		d.monitor.Stop()
	}
	d.janitor.Stop()

	cleared := d.sessions.Clear()
	if cleared > 0 {
		d.logger.Info("cleared sessions at shutdown",
			observability.Int("count", cleared))
	}

	if err := d.tokens.Close(); err != nil {
		d.logger.Warn("closing token store", observability.Error(err))
	}

	d.logger.Info("director stopped")
	return nil
}

// stopListeners closes the query server and both data planes.
func (d *Director) stopListeners(ctx context.Context) {
	if err := d.queryServer.Stop(ctx); err != nil {
		d.logger.Warn("stopping query server", observability.Error(err))
	}
	for _, s := range d.udpServers {
		if err := s.Stop(ctx); err != nil {
			d.logger.Warn("stopping udp data plane", observability.Error(err))
		}
	}
	for _, s := range d.tcpServers {
		if err := s.Stop(ctx); err != nil {
			d.logger.Warn("stopping tcp data plane", observability.Error(err))
		}
	}
}
