package tcp

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/vyrodovalexey/avdirector/internal/observability"
	"github.com/vyrodovalexey/avdirector/internal/util"
)

// Splice tuning.
const (
	// spliceBufferSize is the pooled copy buffer size.
	spliceBufferSize = 32 * 1024

	// touchBytesThreshold bounds how many bytes may flow between session
	// touches, keeping activity fresh without contending on every read.
	touchBytesThreshold = 256 * 1024

	// touchInterval bounds how long a slow trickle may run between
	// touches.
	touchInterval = 1 * time.Second

	// readCheckInterval bounds each read so the copy loops can observe
	// context cancellation.
	readCheckInterval = 1 * time.Second

	// writeDeadline bounds each write to a stalled peer.
	writeDeadline = 30 * time.Second
)

// Proxy splices bytes between accepted client connections and their
// backends.
type Proxy struct {
	dialTimeout time.Duration
	logger      observability.Logger
	bufferPool  *sync.Pool
}

// NewProxy creates a TCP proxy.
func NewProxy(dialTimeout time.Duration, logger observability.Logger) *Proxy {
	return &Proxy{
		dialTimeout: dialTimeout,
		logger:      logger,
		bufferPool: &sync.Pool{
			New: func() interface{} {
				return make([]byte, spliceBufferSize)
			},
		},
	}
}

// Dial connects to a backend address with the configured deadline.
func (p *Proxy) Dial(ctx context.Context, target string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: p.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, util.NewDialError(target, err)
	}
	return conn, nil
}

// Splice copies bytes in both directions until either side closes or
// errors. The touch callback fires at a bounded cadence on progress in
// either direction; onBytes reports transferred byte counts per direction.
func (p *Proxy) Splice(
	ctx context.Context,
	clientConn, backendConn net.Conn,
	touch func(),
	onBytes func(in, out int64),
) error {
	errCh := make(chan error, 2)

	copyCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		n, err := p.copyWithTouch(copyCtx, backendConn, clientConn, touch)
		if onBytes != nil {
			onBytes(n, 0)
		}
		errCh <- err
	}()

	go func() {
		n, err := p.copyWithTouch(copyCtx, clientConn, backendConn, touch)
		if onBytes != nil {
			onBytes(0, n)
		}
		errCh <- err
	}()

	var firstErr error
	select {
	case <-ctx.Done():
		firstErr = ctx.Err()
	case firstErr = <-errCh:
	}

	// Close both ends so the other copy direction unblocks, then drain it.
	_ = clientConn.Close()
	_ = backendConn.Close()
	cancel()
	<-errCh
	if firstErr == nil {
		select {
		case firstErr = <-errCh:
		default:
		}
	}

	return firstErr
}

// copyWithTouch copies src to dst using a pooled buffer, touching the
// session at a bounded cadence and checking the context between reads.
func (p *Proxy) copyWithTouch(
	ctx context.Context, dst, src net.Conn, touch func(),
) (int64, error) {
	buf := p.bufferPool.Get().([]byte)
	defer p.bufferPool.Put(buf) //nolint:staticcheck // []byte pooling matches allocation site

	var total int64
	var sinceTouch int64
	lastTouch := time.Now()

	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}

		if err := src.SetReadDeadline(time.Now().Add(readCheckInterval)); err != nil {
			return total, nil
		}

		n, err := src.Read(buf)
		if n > 0 {
			if werr := dst.SetWriteDeadline(time.Now().Add(writeDeadline)); werr != nil {
				return total, nil
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				if isClosedError(werr) {
					return total, nil
				}
				return total, util.WrapError(werr, "splice write")
			}

			total += int64(n)
			sinceTouch += int64(n)
			if touch != nil &&
				(sinceTouch >= touchBytesThreshold || time.Since(lastTouch) >= touchInterval) {
				touch()
				sinceTouch = 0
				lastTouch = time.Now()
			}
		}

		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if err == io.EOF || isClosedError(err) {
				return total, nil
			}
			return total, util.WrapError(err, "splice read")
		}
	}
}

// isClosedError checks if the error is due to a closed connection.
func isClosedError(err error) bool {
	if err == nil {
		return false
	}
	if err == io.EOF {
		return true
	}
	if netErr, ok := err.(*net.OpError); ok {
		return netErr.Err.Error() == "use of closed network connection"
	}
	return false
}
