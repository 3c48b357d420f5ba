// Package channel provides the byte transports an instruction pool talks
// through. A Channel moves raw bytes; it knows nothing about frames.
//
// Three implementations are provided: a TCP stream, a connected UDP socket
// whose datagrams can be inspected before they are consumed, and a serial
// line backed by any io.ReadWriteCloser. [Open] picks one from
// [Device.Network].
package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Networks understood by Open.
const (
	NetworkTCP    = "tcp"
	NetworkUDP    = "udp"
	NetworkSerial = "serial"
)

var (
	ErrNotConnected   = errors.New("channel: not connected")
	ErrTimeout        = errors.New("channel: receive timeout")
	ErrClosed         = errors.New("channel: closed")
	ErrShortDatagram  = errors.New("channel: datagram shorter than requested")
	ErrUnknownNetwork = errors.New("channel: unknown network")
)

// Device is the configuration of one remote endpoint.
type Device struct {
	Name    string
	Network string
	Address string

	// ReceiveTimeout bounds one blocking receive.
	ReceiveTimeout time.Duration

	// ConnectTimeout bounds dialing and reopening.
	ConnectTimeout time.Duration
}

// String returns the device name, or network/address when unnamed.
func (d Device) String() string {
	if d.Name != "" {
		return d.Name
	}
	return d.Network + "://" + d.Address
}

// Timeout returns override when positive, otherwise the device receive timeout.
func (d Device) Timeout(override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return d.ReceiveTimeout
}

// Channel is a byte transport owned by exactly one pool.
type Channel interface {
	// Connected reports whether the transport is currently usable.
	Connected() bool

	// ReceiveBySize reads exactly n bytes into buf[:n]. It fails with a
	// timeout when the bytes do not arrive in time; a timeout <= 0 waits
	// indefinitely.
	ReceiveBySize(buf []byte, n int, timeout time.Duration) (int, error)

	// Send writes p in full.
	Send(p []byte) error

	// Reopen drops the current transport and establishes a new one.
	Reopen(ctx context.Context) error

	Close() error

	// Addr returns the remote address.
	Addr() string
}

// Peeker is implemented by datagram channels. Peek copies up to n bytes of
// the next datagram into buf without consuming it; Discard drops it.
type Peeker interface {
	Peek(buf []byte, n int, timeout time.Duration) (int, error)
	Discard()
}

// Open dials dev using the implementation selected by dev.Network.
func Open(ctx context.Context, dev Device) (Channel, error) {
	switch dev.Network {
	case NetworkTCP, "tcp4", "tcp6":
		return DialTCP(ctx, dev)
	case NetworkUDP, "udp4", "udp6":
		return DialUDP(ctx, dev)
	case NetworkSerial:
		return OpenSerial(ctx, dev, nil)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, dev.Network)
	}
}

// OpError describes a failed transport operation.
type OpError struct {
	Op        string
	Addr      string
	Err       error
	Retryable bool
}

func (e *OpError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *OpError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a receive timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// wrap builds an OpError, folding network timeouts into ErrTimeout.
func wrap(op, addr string, err error) *OpError {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &OpError{Op: op, Addr: addr, Err: ErrTimeout, Retryable: true}
	}
	if errors.Is(err, ErrTimeout) {
		return &OpError{Op: op, Addr: addr, Err: err, Retryable: true}
	}
	return &OpError{Op: op, Addr: addr, Err: err}
}

func deadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}
