// Package query provides the control-channel server. A client opens a TCP
// connection, sends one JSON request, receives one JSON response, and the
// server closes the connection. Alongside minting a token, the server
// eagerly installs sessions for the requesting endpoint so data can flow
// without the client ever placing the token on the data plane.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avdirector/internal/backend"
	"github.com/vyrodovalexey/avdirector/internal/config"
	"github.com/vyrodovalexey/avdirector/internal/observability"
	"github.com/vyrodovalexey/avdirector/internal/session"
	"github.com/vyrodovalexey/avdirector/internal/token"
	"github.com/vyrodovalexey/avdirector/internal/util"
)

// queryTracerName is the OpenTelemetry tracer name for query handling.
const queryTracerName = "avdirector/query"

// Limits for the accept loop and request framing.
const (
	// acceptDeadline bounds each Accept call so the loop can observe
	// shutdown.
	acceptDeadline = 500 * time.Millisecond

	// maxRequestBytes bounds a single request payload.
	maxRequestBytes = 64 * 1024
)

// Request is the wire form of a query. Unknown fields are ignored.
type Request struct {
	ResourceType       string            `json:"resourceType"`
	Namespace          string            `json:"namespace"`
	LabelSelector      map[string]string `json:"labelSelector"`
	AnnotationSelector map[string]string `json:"annotationSelector"`
	StatusQuery        *StatusQuery      `json:"statusQuery"`
}

// StatusQuery is the wire form of a status predicate. Both the singular
// and plural expected-value forms are accepted.
type StatusQuery struct {
	JSONPath       string   `json:"jsonPath"`
	ExpectedValue  string   `json:"expectedValue"`
	ExpectedValues []string `json:"expectedValues"`
}

// Response is the wire form of a reply.
type Response struct {
	Token   string         `json:"token,omitempty"`
	Address string         `json:"address,omitempty"`
	Ports   map[string]int `json:"ports,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Selector is the slice of the backend selector the server needs.
type Selector interface {
	Select(ctx context.Context, req backend.Request) (backend.Binding, error)
}

// Server terminates the control channel.
type Server struct {
	port        int
	readTimeout time.Duration
	tokenTTL    time.Duration
	dataPorts   []config.DataPort

	selector Selector
	tokens   token.Store
	sessions *session.Table

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

// NewServer creates a query server.
func NewServer(
	cfg *config.Config,
	selector Selector,
	tokens token.Store,
	sessions *session.Table,
	opts ...ServerOption,
) *Server {
	s := &Server{
		port:        cfg.QueryPort,
		readTimeout: cfg.QueryReadTimeout.Duration(),
		tokenTTL:    cfg.TokenTTL.Duration(),
		dataPorts:   cfg.GetDataPorts(),
		selector:    selector,
		tokens:      tokens,
		sessions:    sessions,
		logger:      observability.NopLogger(),
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds the query port and begins accepting connections. The accept
// loop runs until Stop or context cancellation.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("query server already running")
	}

	addr := fmt.Sprintf(":%d", s.port)
	lc := &net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("query server listening",
		observability.Int("port", s.port))

	s.wg.Add(1)
	go s.acceptLoop(ctx, listener)

	return nil
}

// acceptLoop accepts one-shot query connections.
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
				s.logger.Error("query accept error", observability.Error(err))
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

// Stop closes the listener and waits for in-flight requests.
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
		return ctx.Err()
	}

	s.logger.Info("query server stopped")
	return nil
}

// Port returns the bound port, useful when the configured port is 0.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
			return addr.Port
		}
	}
	return s.port
}

// handleConnection serves one request and closes the connection.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	start := time.Now()
	clientAddr := conn.RemoteAddr().String()

	ctx, span := otel.Tracer(queryTracerName).Start(ctx, "query.Handle",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("client.address", clientAddr)),
	)
	defer span.End()

	if err := conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
		return
	}

	var req Request
	dec := json.NewDecoder(io.LimitReader(conn, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		s.logger.Debug("malformed query request",
			observability.String("client", clientAddr),
			observability.Error(err))
		s.respond(conn, clientAddr, start, Response{Error: "invalid request: malformed JSON"}, "invalid")
		return
	}

	if req.ResourceType == "" || req.Namespace == "" {
		s.respond(conn, clientAddr, start,
			Response{Error: "invalid request: resourceType and namespace are required"}, "invalid")
		return
	}

	span.SetAttributes(
		attribute.String("resource_type", req.ResourceType),
		attribute.String("namespace", req.Namespace),
	)

	binding, err := s.selector.Select(ctx, backend.Request{
		ResourceType:       req.ResourceType,
		Namespace:          req.Namespace,
		LabelSelector:      req.LabelSelector,
		AnnotationSelector: req.AnnotationSelector,
		StatusQuery:        req.StatusQuery.toConfig(),
	})
	if err != nil {
		msg := util.ClientMessage(err)
		s.logger.Warn("query selection failed",
			observability.String("client", clientAddr),
			observability.String("outcome", msg),
			observability.Error(err))
		s.respond(conn, clientAddr, start, Response{Error: msg}, msg)
		return
	}

	tok, err := s.tokens.Put(ctx, binding, s.tokenTTL)
	if err != nil {
		s.logger.Error("token mint failed",
			observability.String("client", clientAddr),
			observability.Error(err))
		s.respond(conn, clientAddr, start, Response{Error: "ResourceLookupFailed"}, "token_error")
		return
	}
	if s.metrics != nil {
		s.metrics.RecordTokenIssued()
	}

	installed := s.installSessions(clientAddr, binding)

	s.logger.Info("query served",
		observability.String("client", clientAddr),
		observability.String("binding", binding.String()),
		observability.Int("sessions", installed),
		observability.String("token", tok[:8]))

	s.respond(conn, clientAddr, start, Response{
		Token:   tok,
		Address: binding.Host(),
		Ports:   binding.Ports(),
	}, "success")
}

// installSessions eagerly installs one session per configured data port
// whose name is present in the binding's port map, keyed by the request's
// source endpoint. This is what lets data flow immediately without the
// client embedding the token in its first datagram.
func (s *Server) installSessions(clientAddr string, binding backend.Binding) int {
	installed := 0
	for _, dp := range s.dataPorts {
		if _, ok := binding.Port(dp.Name); !ok {
			continue
		}
		s.sessions.Upsert(session.Key{
			Client:     clientAddr,
			Protocol:   dp.Protocol,
			ListenPort: dp.Port,
		}, binding)
		installed++
	}
	return installed
}

// respond writes the response and records metrics.
func (s *Server) respond(conn net.Conn, clientAddr string, start time.Time, resp Response, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordQuery(outcome, time.Since(start))
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("encoding query response",
			observability.String("client", clientAddr),
			observability.Error(err))
		return
	}
	payload = append(payload, '\n')

	_ = conn.SetWriteDeadline(time.Now().Add(s.readTimeout))
	if _, err := conn.Write(payload); err != nil {
		s.logger.Debug("writing query response",
			observability.String("client", clientAddr),
			observability.Error(err))
	}
}

// toConfig converts the wire status query, folding the singular expected
// value into the plural form.
func (q *StatusQuery) toConfig() *config.StatusQuery {
	if q == nil {
		return nil
	}
	values := q.ExpectedValues
	if q.ExpectedValue != "" {
		values = append([]string{q.ExpectedValue}, values...)
	}
	return &config.StatusQuery{
		JSONPath:       q.JSONPath,
		ExpectedValues: values,
	}
}
