package channel

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// maxDatagram is the largest datagram the UDP channel will buffer.
const maxDatagram = 64 * 1024

// UDPChannel is a datagram Channel over a connected UDP socket.
//
// The socket API has no portable peek, so the channel reads the next
// datagram into a holding buffer on Peek and serves the following
// ReceiveBySize from it. Either way one datagram is consumed by exactly
// one ReceiveBySize or Discard.
type UDPChannel struct {
	dev Device

	mu        sync.Mutex
	conn      net.Conn
	pending   []byte
	scratch   []byte
	closed    bool
	connected atomic.Bool
}

// DialUDP connects a UDP socket to dev.Address.
func DialUDP(ctx context.Context, dev Device) (*UDPChannel, error) {
	c := &UDPChannel{dev: dev, scratch: make([]byte, maxDatagram)}
	if err := c.Reopen(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *UDPChannel) Connected() bool { return c.connected.Load() }

func (c *UDPChannel) Addr() string { return c.dev.Address }

// next returns the held datagram, reading one if none is held.
// Callers hold c.mu.
func (c *UDPChannel) next(timeout time.Duration) ([]byte, error) {
	if c.pending != nil {
		return c.pending, nil
	}
	if c.closed {
		return nil, ErrClosed
	}
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	if err := c.conn.SetReadDeadline(deadline(timeout)); err != nil {
		return nil, wrap("read", c.dev.Address, err)
	}
	n, err := c.conn.Read(c.scratch)
	if err != nil {
		opErr := wrap("read", c.dev.Address, err)
		if !opErr.Retryable {
			c.connected.Store(false)
		}
		return nil, opErr
	}
	c.pending = append([]byte(nil), c.scratch[:n]...)
	return c.pending, nil
}

// Peek copies up to n bytes of the next datagram without consuming it.
func (c *UDPChannel) Peek(buf []byte, n int, timeout time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dgram, err := c.next(timeout)
	if err != nil {
		return 0, err
	}
	got := copy(buf[:n], dgram)
	if got < n {
		return got, ErrShortDatagram
	}
	return got, nil
}

// Discard drops the held datagram, if any.
func (c *UDPChannel) Discard() {
	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()
}

// ReceiveBySize consumes the next datagram and copies its first n bytes.
// Trailing bytes beyond n are dropped with the datagram.
func (c *UDPChannel) ReceiveBySize(buf []byte, n int, timeout time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dgram, err := c.next(timeout)
	if err != nil {
		return 0, err
	}
	c.pending = nil
	got := copy(buf[:n], dgram)
	if got < n {
		return got, ErrShortDatagram
	}
	return got, nil
}

func (c *UDPChannel) Send(p []byte) error {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}
	if _, err := conn.Write(p); err != nil {
		return wrap("write", c.dev.Address, err)
	}
	return nil
}

func (c *UDPChannel) Reopen(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.pending = nil
	c.connected.Store(false)

	dialer := net.Dialer{Timeout: c.dev.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "udp", c.dev.Address)
	if err != nil {
		return wrap("dial", c.dev.Address, err)
	}
	c.conn = conn
	c.connected.Store(true)
	return nil
}

func (c *UDPChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.pending = nil
	c.connected.Store(false)
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
