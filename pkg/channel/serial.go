package channel

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Opener opens the serial device at address. Line settings (baud rate,
// parity, stop bits) are the opener's business.
type Opener func(ctx context.Context, address string) (io.ReadWriteCloser, error)

// OpenDeviceFile opens address as a plain read/write file. It expects the
// line to be configured already, e.g. with stty.
func OpenDeviceFile(_ context.Context, address string) (io.ReadWriteCloser, error) {
	return os.OpenFile(address, os.O_RDWR, 0)
}

// SerialChannel is a Channel over a serial line.
//
// Serial ports rarely support read deadlines, so a pump goroutine copies
// everything the port yields into a buffer and receives wait on that buffer
// with their own timers.
type SerialChannel struct {
	dev    Device
	opener Opener

	mu        sync.Mutex
	sess      *serialSession
	closed    bool
	connected atomic.Bool
}

// serialSession is the state tied to one opened port. A Reopen replaces
// the session, so a pump that exits late cannot touch its successor.
type serialSession struct {
	port   io.ReadWriteCloser
	mu     sync.Mutex
	buf    []byte
	err    error
	notify chan struct{}
}

// OpenSerial opens dev.Address with opener, or OpenDeviceFile when nil.
func OpenSerial(ctx context.Context, dev Device, opener Opener) (*SerialChannel, error) {
	if opener == nil {
		opener = OpenDeviceFile
	}
	c := &SerialChannel{dev: dev, opener: opener}
	if err := c.Reopen(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *SerialChannel) Connected() bool { return c.connected.Load() }

func (c *SerialChannel) Addr() string { return c.dev.Address }

func (c *SerialChannel) session() (*serialSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.sess == nil {
		return nil, ErrNotConnected
	}
	return c.sess, nil
}

func (c *SerialChannel) pump(s *serialSession) {
	chunk := make([]byte, 4096)
	for {
		n, err := s.port.Read(chunk)
		s.mu.Lock()
		if n > 0 {
			s.buf = append(s.buf, chunk[:n]...)
		}
		if err != nil {
			s.err = err
		}
		s.mu.Unlock()

		select {
		case s.notify <- struct{}{}:
		default:
		}

		if err != nil {
			c.mu.Lock()
			if c.sess == s {
				c.connected.Store(false)
			}
			c.mu.Unlock()
			return
		}
	}
}

// ReceiveBySize waits until n bytes are buffered and consumes them. On
// timeout nothing is consumed.
func (c *SerialChannel) ReceiveBySize(buf []byte, n int, timeout time.Duration) (int, error) {
	s, err := c.session()
	if err != nil {
		return 0, err
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	for {
		s.mu.Lock()
		if len(s.buf) >= n {
			copy(buf[:n], s.buf[:n])
			s.buf = s.buf[n:]
			s.mu.Unlock()
			return n, nil
		}
		readErr := s.err
		s.mu.Unlock()
		if readErr != nil {
			return 0, wrap("read", c.dev.Address, readErr)
		}

		select {
		case <-s.notify:
		case <-expired:
			return 0, &OpError{Op: "read", Addr: c.dev.Address, Err: ErrTimeout, Retryable: true}
		}
	}
}

// ReadByte consumes a single byte within timeout.
func (c *SerialChannel) ReadByte(timeout time.Duration) (byte, error) {
	var b [1]byte
	if _, err := c.ReceiveBySize(b[:], 1, timeout); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *SerialChannel) Send(p []byte) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	if _, err := s.port.Write(p); err != nil {
		c.connected.Store(false)
		return wrap("write", c.dev.Address, err)
	}
	return nil
}

func (c *SerialChannel) Reopen(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	old := c.sess
	c.sess = nil
	c.connected.Store(false)
	c.mu.Unlock()

	if old != nil {
		_ = old.port.Close()
	}

	port, err := c.opener(ctx, c.dev.Address)
	if err != nil {
		return wrap("open", c.dev.Address, err)
	}
	s := &serialSession{port: port, notify: make(chan struct{}, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = port.Close()
		return ErrClosed
	}
	c.sess = s
	c.connected.Store(true)
	c.mu.Unlock()

	go c.pump(s)
	return nil
}

func (c *SerialChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.connected.Store(false)
	if c.sess != nil {
		return c.sess.port.Close()
	}
	return nil
}
