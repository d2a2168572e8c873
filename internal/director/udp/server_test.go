package udp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avdirector/internal/backend"
	"github.com/vyrodovalexey/avdirector/internal/config"
	"github.com/vyrodovalexey/avdirector/internal/observability"
	"github.com/vyrodovalexey/avdirector/internal/session"
	"github.com/vyrodovalexey/avdirector/internal/token"
)

var testMagic = []byte{0xFF, 0xFF, 0xFF, 0xFF, 'R', 'E', 'S', 'E', 'T'}

// echoBackend is a UDP backend that records payloads and echoes a reply.
type echoBackend struct {
	conn     *net.UDPConn
	received chan []byte
	reply    []byte
}

func newEchoBackend(t *testing.T, reply []byte) *echoBackend {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	b := &echoBackend{conn: conn, received: make(chan []byte, 16), reply: reply}
	go func() {
		buf := make([]byte, maxDatagramSize)
		for {
			n, src, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			pkt := make([]byte, n)
			copy(pkt, buf[:n])
			b.received <- pkt
			if b.reply != nil {
				_, _ = conn.WriteToUDP(b.reply, src)
			}
		}
	}()
	t.Cleanup(func() { _ = conn.Close() })
	return b
}

func (b *echoBackend) host() string {
	return b.conn.LocalAddr().(*net.UDPAddr).IP.String()
}

func (b *echoBackend) port() int {
	return b.conn.LocalAddr().(*net.UDPAddr).Port
}

func (b *echoBackend) binding(portName string) backend.Binding {
	return backend.NewBinding(b.host(), map[string]int{portName: b.port()})
}

func (b *echoBackend) expectPayload(t *testing.T, want []byte) {
	t.Helper()
	select {
	case got := <-b.received:
		assert.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("backend did not receive %q", want)
	}
}

func (b *echoBackend) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case got := <-b.received:
		t.Fatalf("backend unexpectedly received %q", got)
	case <-time.After(200 * time.Millisecond):
	}
}

// testHarness wires a UDP server with in-memory stores on ephemeral ports.
type testHarness struct {
	server   *Server
	sessions *session.Table
	tokens   token.Store
	client   *net.UDPConn
}

func newTestHarness(t *testing.T, opts ...ServerOption) *testHarness {
	t.Helper()

	sessions := session.NewTable()
	tokens, err := token.New(config.TokenStore{Type: config.TokenStoreMemory, MaxTokens: 100},
		observability.NopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tokens.Close() })

	server := NewServer(
		config.DataPort{Port: 0, Protocol: config.ProtocolUDP, Name: "game"},
		testMagic, tokens, sessions, opts...)
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Stop(ctx)
	})

	client, err := net.DialUDP("udp", nil,
		&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: server.LocalPort()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return &testHarness{server: server, sessions: sessions, tokens: tokens, client: client}
}

// clientKey is the session key the server observes for the test client.
func (h *testHarness) clientKey() session.Key {
	return session.Key{
		Client:     h.client.LocalAddr().String(),
		Protocol:   config.ProtocolUDP,
		ListenPort: h.server.dataPort.Port,
	}
}

func (h *testHarness) send(t *testing.T, pkt []byte) {
	t.Helper()
	_, err := h.client.Write(pkt)
	require.NoError(t, err)
}

func (h *testHarness) controlPacket(tok string) []byte {
	return append(append([]byte{}, testMagic...), []byte(tok)...)
}

// An installed session forwards data and relays the reply.
func TestServer_ForwardAndReturnPath(t *testing.T) {
	h := newTestHarness(t)
	be := newEchoBackend(t, []byte("CD"))

	h.sessions.Upsert(h.clientKey(), be.binding("game"))

	h.send(t, []byte("AB"))
	be.expectPayload(t, []byte("AB"))

	require.NoError(t, h.client.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 64)
	n, err := h.client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("CD"), buf[:n])
}

// A control packet rebinds the session; subsequent data goes
// to the new backend.
func TestServer_ControlPacketRebind(t *testing.T) {
	h := newTestHarness(t)
	be1 := newEchoBackend(t, nil)
	be2 := newEchoBackend(t, nil)

	h.sessions.Upsert(h.clientKey(), be1.binding("game"))
	h.send(t, []byte("AB"))
	be1.expectPayload(t, []byte("AB"))

	tok, err := h.tokens.Put(context.Background(), be2.binding("game"), time.Minute)
	require.NoError(t, err)

	h.send(t, h.controlPacket(tok))
	h.send(t, []byte("EF"))

	be2.expectPayload(t, []byte("EF"))
	be1.expectNothing(t)
}

// An expired token leaves the existing session untouched and
// the control packet is dropped.
func TestServer_ExpiredTokenPreservesSession(t *testing.T) {
	h := newTestHarness(t)
	be1 := newEchoBackend(t, nil)
	be2 := newEchoBackend(t, nil)

	h.sessions.Upsert(h.clientKey(), be1.binding("game"))

	tok, err := h.tokens.Put(context.Background(), be2.binding("game"), time.Millisecond)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	h.send(t, h.controlPacket(tok))
	h.send(t, []byte("AB"))

	be1.expectPayload(t, []byte("AB"))
	be2.expectNothing(t)
}

// Two identical control packets are idempotent: same session state as one.
func TestServer_IdempotentControlPackets(t *testing.T) {
	h := newTestHarness(t)
	be := newEchoBackend(t, nil)

	tok, err := h.tokens.Put(context.Background(), be.binding("game"), time.Minute)
	require.NoError(t, err)

	h.send(t, h.controlPacket(tok))
	h.send(t, h.controlPacket(tok))
	h.send(t, []byte("AB"))

	be.expectPayload(t, []byte("AB"))
	assert.Equal(t, 1, h.sessions.Count())
}

// A control packet is consumed, never forwarded.
func TestServer_ControlPacketNotForwarded(t *testing.T) {
	h := newTestHarness(t)
	be := newEchoBackend(t, nil)

	tok, err := h.tokens.Put(context.Background(), be.binding("game"), time.Minute)
	require.NoError(t, err)

	h.send(t, h.controlPacket(tok))
	h.send(t, []byte("DATA"))

	be.expectPayload(t, []byte("DATA"))
}

// A prefix match with a malformed suffix is dropped, not forwarded.
func TestServer_MalformedControlSuffixDropped(t *testing.T) {
	h := newTestHarness(t)
	be := newEchoBackend(t, nil)

	h.sessions.Upsert(h.clientKey(), be.binding("game"))

	h.send(t, append(append([]byte{}, testMagic...), []byte("not-a-token")...))
	be.expectNothing(t)

	h.send(t, []byte("AB"))
	be.expectPayload(t, []byte("AB"))
}

// Datagrams shorter than the magic prefix are data.
func TestServer_ShortDatagramIsData(t *testing.T) {
	h := newTestHarness(t)
	be := newEchoBackend(t, nil)

	h.sessions.Upsert(h.clientKey(), be.binding("game"))

	h.send(t, []byte{0xFF, 0xFF})
	be.expectPayload(t, []byte{0xFF, 0xFF})
}

// Without a session and without a default endpoint the
// datagram is dropped.
func TestServer_NoSessionNoDefaultDrops(t *testing.T) {
	h := newTestHarness(t)
	be := newEchoBackend(t, nil)

	h.send(t, []byte("AB"))
	be.expectNothing(t)
	assert.Zero(t, h.sessions.Count())
}

// A session installed on a sibling listen port still routes this client.
func TestServer_SiblingPortSessionFallback(t *testing.T) {
	h := newTestHarness(t)
	be := newEchoBackend(t, nil)

	h.sessions.Upsert(session.Key{
		Client:     h.client.LocalAddr().String(),
		Protocol:   config.ProtocolTCP,
		ListenPort: 9999,
	}, be.binding("game"))

	h.send(t, []byte("AB"))
	be.expectPayload(t, []byte("AB"))

	// The session is materialized under this port's key for the fast path.
	assert.NotNil(t, h.sessions.Get(h.clientKey()))
}

// staticResolver resolves a fixed binding.
type staticResolver struct {
	binding backend.Binding
	err     error
}

func (r *staticResolver) Resolve(context.Context) (backend.Binding, error) {
	return r.binding, r.err
}

func TestServer_DefaultEndpointFallback(t *testing.T) {
	be := newEchoBackend(t, nil)
	h := newTestHarness(t, WithDefaultResolver(&staticResolver{binding: be.binding("game")}))

	h.send(t, []byte("AB"))
	be.expectPayload(t, []byte("AB"))
	assert.Equal(t, 1, h.sessions.Count())
}

func TestServer_DefaultEndpointErrorDrops(t *testing.T) {
	be := newEchoBackend(t, nil)
	h := newTestHarness(t, WithDefaultResolver(&staticResolver{err: assert.AnError}))

	h.send(t, []byte("AB"))
	be.expectNothing(t)
	assert.Zero(t, h.sessions.Count())
}

// After a rebind the forwarder redials: replies flow from the new target.
func TestServer_RebindReplacesForwarder(t *testing.T) {
	h := newTestHarness(t)
	be1 := newEchoBackend(t, []byte("R1"))
	be2 := newEchoBackend(t, []byte("R2"))

	h.sessions.Upsert(h.clientKey(), be1.binding("game"))
	h.send(t, []byte("AB"))
	be1.expectPayload(t, []byte("AB"))

	// Swap the binding directly, as a control packet would.
	h.sessions.Upsert(h.clientKey(), be2.binding("game"))
	h.send(t, []byte("CD"))
	be2.expectPayload(t, []byte("CD"))

	require.NoError(t, h.client.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 64)
	// Drain replies until the new backend's reply arrives; the first
	// datagram's R1 reply may already be in flight.
	for {
		n, err := h.client.Read(buf)
		require.NoError(t, err)
		if string(buf[:n]) == "R2" {
			return
		}
	}
}

func TestServer_StartTwiceFails(t *testing.T) {
	h := newTestHarness(t)
	assert.Error(t, h.server.Start(context.Background()))
}
