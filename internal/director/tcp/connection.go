// Package tcp provides the TCP data plane. Each configured TCP port gets
// an accepting listener; every accepted connection is resolved through the
// session table and spliced to its backend. The plane never inspects bytes
// and has no in-band rebind; TCP rebinds happen via a fresh query and
// reconnect.
package tcp

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/avdirector/internal/observability"
)

// ConnectionTracker tracks active TCP connections for metrics and graceful
// shutdown.
type ConnectionTracker struct {
	connections sync.Map
	maxConns    int
	connCount   int64
	logger      observability.Logger
}

// TrackedConnection represents a tracked TCP connection with metadata.
type TrackedConnection struct {
	ID         string
	RemoteAddr string
	StartTime  time.Time
	bytesIn    atomic.Int64
	bytesOut   atomic.Int64
	conn       net.Conn
}

// NewConnectionTracker creates a new connection tracker.
func NewConnectionTracker(maxConns int, logger observability.Logger) *ConnectionTracker {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &ConnectionTracker{
		maxConns: maxConns,
		logger:   logger,
	}
}

// Add adds a new connection to the tracker. Returns an error when the
// maximum number of connections is reached.
func (t *ConnectionTracker) Add(conn net.Conn) (*TrackedConnection, error) {
	count := atomic.LoadInt64(&t.connCount)
	if int(count) >= t.maxConns {
		return nil, fmt.Errorf("maximum connections reached: %d", t.maxConns)
	}

	tracked := &TrackedConnection{
		ID:         uuid.New().String(),
		RemoteAddr: conn.RemoteAddr().String(),
		StartTime:  time.Now(),
		conn:       conn,
	}

	t.connections.Store(tracked.ID, tracked)
	atomic.AddInt64(&t.connCount, 1)

	t.logger.Debug("connection added",
		observability.String("id", tracked.ID),
		observability.String("remoteAddr", tracked.RemoteAddr))

	return tracked, nil
}

// Remove removes a connection from the tracker.
func (t *ConnectionTracker) Remove(id string) {
	if _, loaded := t.connections.LoadAndDelete(id); loaded {
		atomic.AddInt64(&t.connCount, -1)
	}
}

// Count returns the current number of active connections.
func (t *ConnectionTracker) Count() int {
	return int(atomic.LoadInt64(&t.connCount))
}

// CloseAll closes all tracked connections.
func (t *ConnectionTracker) CloseAll() {
	t.connections.Range(func(_, value interface{}) bool {
		tracked := value.(*TrackedConnection)
		if tracked.conn != nil {
			_ = tracked.conn.Close()
		}
		return true
	})
}

// AddBytesIn accumulates client-to-backend bytes.
func (c *TrackedConnection) AddBytesIn(n int64) {
	c.bytesIn.Add(n)
}

// AddBytesOut accumulates backend-to-client bytes.
func (c *TrackedConnection) AddBytesOut(n int64) {
	c.bytesOut.Add(n)
}

// Stats returns transferred byte counts and connection duration.
func (c *TrackedConnection) Stats() (bytesIn, bytesOut int64, duration time.Duration) {
	return c.bytesIn.Load(), c.bytesOut.Load(), time.Since(c.StartTime)
}
