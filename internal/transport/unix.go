// Package transport is the byte-level Unix socket layer under the dispatcher
// and the workers: one short-lived connection per exchange, framed with
// protocol.Pack.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/mattjoyce/taskdock/internal/protocol"
)

// UnixClient is one connection to a worker or notify socket.
type UnixClient struct {
	addr string
	conn net.Conn
}

// Dial connects to the Unix socket at addr.
func Dial(ctx context.Context, addr string) (*UnixClient, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &UnixClient{addr: addr, conn: conn}, nil
}

func (c *UnixClient) Addr() string { return c.addr }

// Send writes b as one frame.
func (c *UnixClient) Send(b []byte) error {
	return protocol.WriteFrame(c.conn, b)
}

// ErrNoReply means the peer sent nothing before the deadline or closed the
// connection without writing a byte.
var ErrNoReply = errors.New("no reply")

// Recv blocks up to timeout for one frame and returns its body. Silence or a
// close before the first header byte is ErrNoReply; a frame that started but
// is broken wraps the protocol framing error.
func (c *UnixClient) Recv(timeout time.Duration) ([]byte, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoReply, err)
	}

	frame := make([]byte, protocol.HeaderSize)
	if n, err := io.ReadFull(c.conn, frame); err != nil {
		if n == 0 {
			return nil, fmt.Errorf("%w: %v", ErrNoReply, err)
		}
		return nil, fmt.Errorf("%w: got %d header bytes: %v", protocol.ErrShortFrame, n, err)
	}

	size := binary.BigEndian.Uint32(frame)
	if size > protocol.MaxFrameSize {
		return nil, fmt.Errorf("%w: %d > %d", protocol.ErrFrameTooLong, size, protocol.MaxFrameSize)
	}
	frame = append(frame, make([]byte, size)...)
	if n, err := io.ReadFull(c.conn, frame[protocol.HeaderSize:]); err != nil {
		return nil, fmt.Errorf("%w: header=%d body=%d: %v", protocol.ErrFrameSize, size, n, err)
	}
	return protocol.Unpack(frame)
}

// Close closes the connection. Safe on a nil client.
func (c *UnixClient) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Listen binds a Unix socket at addr, replacing a stale socket file left by a
// previous process. Callers that may race for addr should hold a lock first.
func Listen(addr string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(addr), 0o755); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Remove(addr); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, nil
}
