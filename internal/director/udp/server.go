// Package udp provides the stateful UDP data plane. Each configured UDP
// port gets one listener that classifies datagrams as control or data:
// control packets carry a token after the magic-byte prefix and atomically
// rebind the sender's session; data packets are forwarded to the session's
// backend. Datagrams from one source are dispatched in arrival order
// because classification and forwarding happen inline on the read loop.
package udp

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/avdirector/internal/backend"
	"github.com/vyrodovalexey/avdirector/internal/config"
	"github.com/vyrodovalexey/avdirector/internal/observability"
	"github.com/vyrodovalexey/avdirector/internal/session"
	"github.com/vyrodovalexey/avdirector/internal/token"
)

// maxDatagramSize is the receive buffer size per listener.
const maxDatagramSize = 65535

// DefaultResolver resolves the configured default endpoint for datagrams
// that arrive with no session and no token.
type DefaultResolver interface {
	Resolve(ctx context.Context) (backend.Binding, error)
}

// Server is one UDP data-plane listener.
type Server struct {
	dataPort config.DataPort
	magic    []byte

	tokens   token.Store
	sessions *session.Table
	resolver DefaultResolver

	logger      observability.Logger
	metrics     *observability.Metrics
	warnLimiter *rate.Limiter

	conn *net.UDPConn

	mu         sync.Mutex
	forwarders map[session.Key]*forwarder
	running    bool
	stopCh     chan struct{}
	wg         sync.WaitGroup
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

// NewServer creates a UDP data-plane server for one configured port.
func NewServer(
	dataPort config.DataPort,
	magic []byte,
	tokens token.Store,
	sessions *session.Table,
	opts ...ServerOption,
) *Server {
	s := &Server{
		dataPort:   dataPort,
		magic:      magic,
		tokens:     tokens,
		sessions:   sessions,
		logger:     observability.NopLogger(),
		forwarders: make(map[session.Key]*forwarder),
		// Hot-path warnings are throttled so a flood of bad datagrams
		// cannot drown the log stream.
		warnLimiter: rate.NewLimiter(rate.Every(time.Second), 5),
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds the UDP port and begins the receive loop.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("udp server on port %d already running", s.dataPort.Port)
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: s.dataPort.Port})
	if err != nil {
		return fmt.Errorf("failed to bind udp port %d: %w", s.dataPort.Port, err)
	}
	s.conn = conn
	s.running = true
	s.stopCh = make(chan struct{})

	s.logger.Info("udp data plane listening",
		observability.Int("port", s.dataPort.Port),
		observability.String("name", s.dataPort.Name))

	s.wg.Add(1)
	go s.receiveLoop(ctx)

	return nil
}

// Stop closes the listener and all return-path sockets.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	conn := s.conn
	for _, f := range s.forwarders {
		f.close()
	}
	s.forwarders = make(map[session.Key]*forwarder)
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.logger.Info("udp data plane stopped",
		observability.Int("port", s.dataPort.Port))
	return nil
}

// LocalPort returns the bound port, useful when the configured port is 0.
func (s *Server) LocalPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		if addr, ok := s.conn.LocalAddr().(*net.UDPAddr); ok {
			return addr.Port
		}
	}
	return s.dataPort.Port
}

// receiveLoop reads datagrams and dispatches them inline.
func (s *Server) receiveLoop(ctx context.Context) {
	defer s.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			default:
				s.logger.Error("udp receive error",
					observability.Int("port", s.dataPort.Port),
					observability.Error(err))
				continue
			}
		}

		s.handleDatagram(ctx, buf[:n], src)
	}
}

// handleDatagram classifies one datagram. Datagrams shorter than the magic
// prefix are always data.
func (s *Server) handleDatagram(ctx context.Context, pkt []byte, src *net.UDPAddr) {
	if len(pkt) >= len(s.magic) && bytes.HasPrefix(pkt, s.magic) {
		s.handleControlPacket(ctx, pkt[len(s.magic):], src)
		return
	}
	s.handleDataPacket(ctx, pkt, src)
}

// handleControlPacket consumes a token and rebinds the sender's session.
// A prefix match whose suffix is not token-shaped is dropped, never
// interpreted as data. An unknown or expired token leaves any existing
// session untouched.
func (s *Server) handleControlPacket(ctx context.Context, suffix []byte, src *net.UDPAddr) {
	if !token.Valid(suffix) {
		s.recordDrop("malformed_control")
		if s.warnLimiter.Allow() {
			s.logger.Warn("control packet with malformed token",
				observability.String("client", src.String()),
				observability.Int("suffixLen", len(suffix)))
		}
		return
	}

	tok := string(suffix)
	binding, err := s.tokens.Get(ctx, tok)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordUnknownToken()
		}
		if s.warnLimiter.Allow() {
			s.logger.Warn("control packet with unknown token",
				observability.String("client", src.String()),
				observability.String("token", tok[:8]))
		}
		return
	}

	// Rebind applies even when the new binding equals the old one.
	key := s.keyFor(src)
	s.sessions.Upsert(key, binding)
	if s.metrics != nil {
		s.metrics.RecordRebind()
	}

	s.logger.Info("session rebound by control packet",
		observability.String("client", src.String()),
		observability.String("binding", binding.String()),
		observability.String("token", tok[:8]))
}

// handleDataPacket resolves the sender's session and forwards the payload.
func (s *Server) handleDataPacket(ctx context.Context, pkt []byte, src *net.UDPAddr) {
	key := s.keyFor(src)

	sess := s.sessions.Get(key)
	if sess == nil {
		// A session installed eagerly on a sibling port still routes this
		// client; materialize it under this port's key.
		if sibling := s.sessions.GetByClient(src.String()); sibling != nil {
			sess = s.sessions.Upsert(key, sibling.Binding())
		}
	}
	if sess == nil {
		sess = s.sessionFromDefault(ctx, key, src)
	}
	if sess == nil {
		s.recordDrop("no_session")
		if s.warnLimiter.Allow() {
			s.logger.Warn("dropping datagram without session",
				observability.String("client", src.String()),
				observability.Int("port", s.dataPort.Port))
		}
		return
	}

	s.forward(pkt, src, key, sess)
}

// sessionFromDefault installs a session from the configured default
// binding, if any.
func (s *Server) sessionFromDefault(ctx context.Context, key session.Key, src *net.UDPAddr) *session.Session {
	if s.resolver == nil {
		return nil
	}
	binding, err := s.resolver.Resolve(ctx)
	if err != nil {
		if s.warnLimiter.Allow() {
			s.logger.Warn("default endpoint unavailable",
				observability.String("client", src.String()),
				observability.Error(err))
		}
		return nil
	}
	s.logger.Info("session installed from default endpoint",
		observability.String("client", src.String()),
		observability.String("binding", binding.String()))
	return s.sessions.Upsert(key, binding)
}

// forward sends the payload to the backend through the session's
// return-path socket and touches the session.
func (s *Server) forward(pkt []byte, src *net.UDPAddr, key session.Key, sess *session.Session) {
	binding := sess.Binding()
	target, err := binding.Addr(s.dataPort.Name)
	if err != nil {
		s.recordDrop("no_port_mapping")
		if s.warnLimiter.Allow() {
			s.logger.Warn("binding has no mapping for this port",
				observability.String("client", src.String()),
				observability.String("portName", s.dataPort.Name),
				observability.String("binding", binding.String()))
		}
		return
	}

	fwd, err := s.forwarderFor(key, src, sess, target)
	if err != nil {
		s.recordDrop("forwarder_error")
		if s.warnLimiter.Allow() {
			s.logger.Warn("opening return-path socket failed",
				observability.String("target", target),
				observability.Error(err))
		}
		return
	}

	if err := fwd.send(pkt); err != nil {
		s.recordDrop("send_error")
		if s.warnLimiter.Allow() {
			s.logger.Warn("forwarding datagram failed",
				observability.String("target", target),
				observability.Error(err))
		}
		return
	}

	sess.Touch()
	if s.metrics != nil {
		s.metrics.RecordForwarded(s.dataPort.Name, "ingress", len(pkt))
	}
}

// forwarderFor returns the session's return-path socket, replacing it when
// a rebind changed the target. Between a successful rebind and the next
// datagram the new binding is guaranteed to be in effect, because the
// target comparison happens on every packet.
func (s *Server) forwarderFor(
	key session.Key, src *net.UDPAddr, sess *session.Session, target string,
) (*forwarder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.forwarders[key]; ok {
		if f.target == target {
			return f, nil
		}
		f.close()
		delete(s.forwarders, key)
	}

	f, err := newForwarder(s, key, src, sess, target)
	if err != nil {
		return nil, err
	}
	s.forwarders[key] = f
	return f, nil
}

// dropForwarder removes a forwarder if it is still the registered one.
func (s *Server) dropForwarder(key session.Key, f *forwarder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.forwarders[key]; ok && current == f {
		delete(s.forwarders, key)
	}
}

// keyFor builds the session key for a source endpoint on this listener.
func (s *Server) keyFor(src *net.UDPAddr) session.Key {
	return session.Key{
		Client:     src.String(),
		Protocol:   config.ProtocolUDP,
		ListenPort: s.dataPort.Port,
	}
}

// recordDrop counts a dropped datagram.
func (s *Server) recordDrop(reason string) {
	if s.metrics != nil {
		s.metrics.RecordDrop(reason)
	}
}
