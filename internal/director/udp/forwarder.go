package udp

import (
	"net"
	"sync"
	"time"

	"github.com/vyrodovalexey/avdirector/internal/observability"
	"github.com/vyrodovalexey/avdirector/internal/session"
)

// readCheckInterval bounds each backend read so the return loop can notice
// a swept session or a server shutdown.
const readCheckInterval = 30 * time.Second

// forwarder is the return path of one UDP session: a socket connected to
// the backend target, with a read loop relaying replies back to the client
// through the listener socket so they appear from the port the client sent
// to.
type forwarder struct {
	server *Server
	key    session.Key
	client *net.UDPAddr
	sess   *session.Session
	target string
	conn   *net.UDPConn

	closeOnce sync.Once
	closed    chan struct{}
}

// newForwarder dials the backend target and starts the return loop.
func newForwarder(
	s *Server, key session.Key, client *net.UDPAddr, sess *session.Session, target string,
) (*forwarder, error) {
	raddr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}

	clientCopy := *client
	f := &forwarder{
		server: s,
		key:    key,
		client: &clientCopy,
		sess:   sess,
		target: target,
		conn:   conn,
		closed: make(chan struct{}),
	}

	s.wg.Add(1)
	go f.returnLoop()

	s.logger.Debug("return-path socket opened",
		observability.String("client", client.String()),
		observability.String("target", target))

	return f, nil
}

// send forwards one payload to the backend.
func (f *forwarder) send(pkt []byte) error {
	_, err := f.conn.Write(pkt)
	return err
}

// close shuts the socket; the return loop exits on the read error.
func (f *forwarder) close() {
	f.closeOnce.Do(func() {
		close(f.closed)
		_ = f.conn.Close()
	})
}

// returnLoop relays backend replies to the client and touches the session
// on every delivered datagram.
func (f *forwarder) returnLoop() {
	defer f.server.wg.Done()
	defer f.server.dropForwarder(f.key, f)
	defer f.close()

	buf := make([]byte, maxDatagramSize)
	for {
		if err := f.conn.SetReadDeadline(time.Now().Add(readCheckInterval)); err != nil {
			return
		}

		n, err := f.conn.Read(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				// Idle interval elapsed: exit once the session was swept
				// or replaced, otherwise keep listening.
				if f.server.sessions.Get(f.key) != f.sess {
					return
				}
				select {
				case <-f.closed:
					return
				default:
					continue
				}
			}
			return
		}

		if _, err := f.server.conn.WriteToUDP(buf[:n], f.client); err != nil {
			f.server.logger.Debug("relaying backend reply failed",
				observability.String("client", f.client.String()),
				observability.Error(err))
			return
		}

		f.sess.Touch()
		if f.server.metrics != nil {
			f.server.metrics.RecordForwarded(f.server.dataPort.Name, "egress", n)
		}
	}
}
