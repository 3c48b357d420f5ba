package channel

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// TCPChannel is a stream Channel over a TCP connection.
type TCPChannel struct {
	dev Device

	mu        sync.Mutex
	conn      net.Conn
	closed    bool
	connected atomic.Bool
}

// DialTCP connects to dev.Address.
func DialTCP(ctx context.Context, dev Device) (*TCPChannel, error) {
	c := &TCPChannel{dev: dev}
	if err := c.Reopen(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// NewTCP wraps an established connection. Reopen redials dev.Address.
func NewTCP(conn net.Conn, dev Device) *TCPChannel {
	c := &TCPChannel{dev: dev, conn: conn}
	c.connected.Store(true)
	return c
}

func (c *TCPChannel) Connected() bool { return c.connected.Load() }

func (c *TCPChannel) Addr() string { return c.dev.Address }

func (c *TCPChannel) current() (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

func (c *TCPChannel) ReceiveBySize(buf []byte, n int, timeout time.Duration) (int, error) {
	conn, err := c.current()
	if err != nil {
		return 0, err
	}
	if err := conn.SetReadDeadline(deadline(timeout)); err != nil {
		c.connected.Store(false)
		return 0, wrap("read", c.dev.Address, err)
	}
	got, err := io.ReadFull(conn, buf[:n])
	if err != nil {
		opErr := wrap("read", c.dev.Address, err)
		if !opErr.Retryable {
			c.connected.Store(false)
		}
		return got, opErr
	}
	return got, nil
}

func (c *TCPChannel) Send(p []byte) error {
	conn, err := c.current()
	if err != nil {
		return err
	}
	if c.dev.ReceiveTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.dev.ReceiveTimeout))
	}
	if _, err := conn.Write(p); err != nil {
		c.connected.Store(false)
		return wrap("write", c.dev.Address, err)
	}
	return nil
}

// Reopen closes the current connection and dials a new one.
func (c *TCPChannel) Reopen(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	old := c.conn
	c.conn = nil
	c.connected.Store(false)
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	dialer := net.Dialer{Timeout: c.dev.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.dev.Address)
	if err != nil {
		return wrap("dial", c.dev.Address, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.connected.Store(true)
	return nil
}

func (c *TCPChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.connected.Store(false)
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
