package tcp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/vyrodovalexey/avdirector/internal/backend"
	"github.com/vyrodovalexey/avdirector/internal/config"
	"github.com/vyrodovalexey/avdirector/internal/observability"
	"github.com/vyrodovalexey/avdirector/internal/session"
)

// acceptDeadline bounds each Accept call so the loop can observe shutdown.
const acceptDeadline = 500 * time.Millisecond

// DefaultResolver resolves the configured default endpoint for connections
// that arrive with no session.
type DefaultResolver interface {
	Resolve(ctx context.Context) (backend.Binding, error)
}

// Server is one TCP data-plane listener.
type Server struct {
	dataPort config.DataPort

	sessions    *session.Table
	resolver    DefaultResolver
	proxy       *Proxy
	connections *ConnectionTracker

	logger  observability.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	listener net.Listener
	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// ServerOption is a functional option for configuring the server.
type ServerOption func(*Server)

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger observability.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithServerMetrics sets the metrics sink for the server.
func WithServerMetrics(m *observability.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithDefaultResolver sets the default-endpoint resolver.
func WithDefaultResolver(r DefaultResolver) ServerOption {
	return func(s *Server) {
		s.resolver = r
	}
}

// WithMaxConnections bounds concurrent proxied connections.
func WithMaxConnections(n int) ServerOption {
	return func(s *Server) {
		s.connections = NewConnectionTracker(n, s.logger)
	}
}

// NewServer creates a TCP data-plane server for one configured port.
func NewServer(
	dataPort config.DataPort,
	dialTimeout time.Duration,
	sessions *session.Table,
	opts ...ServerOption,
) *Server {
	s := &Server{
		dataPort: dataPort,
		sessions: sessions,
		logger:   observability.NopLogger(),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.connections == nil {
		s.connections = NewConnectionTracker(0, s.logger)
	}
	s.proxy = NewProxy(dialTimeout, s.logger)
	return s
}

// Start binds the TCP port and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("tcp server on port %d already running", s.dataPort.Port)
	}

	addr := fmt.Sprintf(":%d", s.dataPort.Port)
	lc := &net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind tcp port %d: %w", s.dataPort.Port, err)
	}
	s.listener = listener
	s.running = true
	s.stopCh = make(chan struct{})

	s.logger.Info("tcp data plane listening",
		observability.Int("port", s.dataPort.Port),
		observability.String("name", s.dataPort.Name))

	s.wg.Add(1)
	go s.acceptLoop(ctx, listener)

	return nil
}

// Stop closes the listener and drains active connections until the context
// expires, then force-closes what remains.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("tcp drain timed out, force closing connections",
			observability.Int("remaining", s.connections.Count()))
		s.connections.CloseAll()
		<-done
	}

	s.logger.Info("tcp data plane stopped",
		observability.Int("port", s.dataPort.Port))
	return nil
}

// LocalPort returns the bound port, useful when the configured port is 0.
func (s *Server) LocalPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
			return addr.Port
		}
	}
	return s.dataPort.Port
}

// ActiveConnections returns the number of proxied connections.
func (s *Server) ActiveConnections() int {
	return s.connections.Count()
}

// acceptLoop accepts connections and spawns a handler per connection.
func (s *Server) acceptLoop(ctx context.Context, listener net.Listener) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		if tl, ok := listener.(*net.TCPListener); ok {
			_ = tl.SetDeadline(time.Now().Add(acceptDeadline))
		}

		conn, err := listener.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			default:
				s.logger.Error("tcp accept error", observability.Error(err))
				continue
			}
		}

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.handleConnection(ctx, c)
		}(conn)
	}
}

// handleConnection resolves a session for the connection, dials the
// backend, and splices until either side closes.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	tracked, err := s.connections.Add(conn)
	if err != nil {
		s.logger.Warn("tcp connection rejected",
			observability.String("remoteAddr", conn.RemoteAddr().String()),
			observability.Error(err))
		s.recordConn("rejected")
		return
	}
	defer s.connections.Remove(tracked.ID)
	s.publishActive()
	defer s.publishActive()

	key := session.Key{
		Client:     conn.RemoteAddr().String(),
		Protocol:   config.ProtocolTCP,
		ListenPort: s.dataPort.Port,
	}

	sess := s.resolveSession(ctx, key)
	if sess == nil {
		s.logger.Debug("closing tcp connection without session",
			observability.String("client", key.Client),
			observability.Int("port", s.dataPort.Port))
		s.recordConn("no_session")
		return
	}

	target, err := sess.Binding().Addr(s.dataPort.Name)
	if err != nil {
		s.logger.Warn("binding has no mapping for this port",
			observability.String("client", key.Client),
			observability.String("portName", s.dataPort.Name))
		s.recordConn("no_port_mapping")
		return
	}

	backendConn, err := s.proxy.Dial(ctx, target)
	if err != nil {
		s.logger.Warn("backend dial failed",
			observability.String("client", key.Client),
			observability.String("target", target),
			observability.Error(err))
		if s.metrics != nil {
			s.metrics.RecordDialFailure("tcp")
		}
		s.recordConn("dial_failed")
		return
	}
	defer func() { _ = backendConn.Close() }()

	s.logger.Debug("tcp splice started",
		observability.String("id", tracked.ID),
		observability.String("client", key.Client),
		observability.String("target", target))
	s.recordConn("proxied")

	err = s.proxy.Splice(ctx, conn, backendConn,
		func() { sess.Touch() },
		func(in, out int64) {
			tracked.AddBytesIn(in)
			tracked.AddBytesOut(out)
			if s.metrics != nil {
				if in > 0 {
					s.metrics.RecordTCPBytes("ingress", in)
				}
				if out > 0 {
					s.metrics.RecordTCPBytes("egress", out)
				}
			}
		},
	)
	sess.Touch()

	bytesIn, bytesOut, duration := tracked.Stats()
	s.logger.Debug("tcp splice finished",
		observability.String("id", tracked.ID),
		observability.Int64("bytesIn", bytesIn),
		observability.Int64("bytesOut", bytesOut),
		observability.Duration("duration", duration),
		observability.Error(err))
}

// resolveSession finds a session for the key: exact, then any listen port
// for the same endpoint, then the default binding.
func (s *Server) resolveSession(ctx context.Context, key session.Key) *session.Session {
	if sess := s.sessions.Get(key); sess != nil {
		return sess
	}
	if sibling := s.sessions.GetByClient(key.Client); sibling != nil {
		return s.sessions.Upsert(key, sibling.Binding())
	}
	if s.resolver != nil {
		binding, err := s.resolver.Resolve(ctx)
		if err != nil {
			s.logger.Warn("default endpoint unavailable",
				observability.String("client", key.Client),
				observability.Error(err))
			return nil
		}
		return s.sessions.Upsert(key, binding)
	}
	return nil
}

// recordConn counts an accepted connection outcome.
func (s *Server) recordConn(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordTCPConn(outcome)
	}
}

// publishActive updates the active-connection gauge.
func (s *Server) publishActive() {
	if s.metrics != nil {
		s.metrics.SetActiveTCPConns(s.connections.Count())
	}
}
