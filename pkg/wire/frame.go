// Package wire defines the devlink frame layout shared by every transport.
//
// Frame layout:
//
//	[1 byte]  header marker (0x68)
//	[1 byte]  frame kind
//	[1 byte]  status
//	[4 bytes] payload length, 8 BCD digits, most significant first
//	[N bytes] payload
//
// The length is binary-coded decimal so that a captured byte stream can be
// read by eye. A frame is complete only when HeaderLength+Length bytes are
// available.
package wire

import (
	"errors"
	"fmt"
)

const (
	// HeaderMarker is the first byte of every frame.
	HeaderMarker byte = 0x68

	// LengthWidth is the number of bytes of the BCD length field.
	LengthWidth = 4

	// HeaderLength is the size of the fixed header preceding the payload.
	HeaderLength = 3 + LengthWidth

	// MaxValidLength bounds the decoded payload length. Anything larger is
	// treated as a corrupted header and rejected before allocation.
	MaxValidLength = 16 << 20
)

// Kind is the reserved/frame byte of the header.
type Kind byte

const (
	KindRequest   Kind = 0x01
	KindResponse  Kind = 0x02
	KindHeartbeat Kind = 0x03
	KindAnnounce  Kind = 0x04
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindHeartbeat:
		return "heartbeat"
	case KindAnnounce:
		return "announce"
	default:
		return fmt.Sprintf("kind(0x%02x)", byte(k))
	}
}

// Status is the status byte of the header.
type Status byte

const (
	StatusOK                 Status = 0x00
	StatusFailed             Status = 0x01
	StatusUnknownInstruction Status = 0x02
)

var (
	ErrShortHeader    = errors.New("wire: short header")
	ErrBadMarker      = errors.New("wire: header marker mismatch")
	ErrBadLength      = errors.New("wire: invalid BCD length")
	ErrLengthExceeded = errors.New("wire: length exceeds maximum")
)

// Header is the decoded fixed header.
type Header struct {
	Kind   Kind
	Status Status
	Length int
}

// Frame is one complete wire unit.
type Frame struct {
	Kind    Kind
	Status  Status
	Payload []byte
}

// Encode serializes f. It fails when the payload is larger than MaxValidLength.
func Encode(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxValidLength {
		return nil, ErrLengthExceeded
	}
	length, err := EncodeBCD(len(f.Payload), LengthWidth)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, HeaderLength+len(f.Payload))
	buf[0] = HeaderMarker
	buf[1] = byte(f.Kind)
	buf[2] = byte(f.Status)
	copy(buf[3:HeaderLength], length)
	copy(buf[HeaderLength:], f.Payload)
	return buf, nil
}

// DecodeHeader validates and decodes the first HeaderLength bytes of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLength {
		return Header{}, ErrShortHeader
	}
	if b[0] != HeaderMarker {
		return Header{}, ErrBadMarker
	}
	n, err := DecodeBCD(b[3:HeaderLength])
	if err != nil {
		return Header{}, err
	}
	if n > MaxValidLength {
		return Header{}, ErrLengthExceeded
	}
	return Header{Kind: Kind(b[1]), Status: Status(b[2]), Length: n}, nil
}

// Size returns the encoded size of a frame with this header.
func (h Header) Size() int {
	return HeaderLength + h.Length
}

// EncodeBCD encodes n as 2*width packed BCD digits.
func EncodeBCD(n, width int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative value %d", ErrBadLength, n)
	}
	out := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		lo := n % 10
		n /= 10
		hi := n % 10
		n /= 10
		out[i] = byte(hi<<4 | lo)
	}
	if n != 0 {
		return nil, fmt.Errorf("%w: value does not fit in %d digits", ErrBadLength, width*2)
	}
	return out, nil
}

// DecodeBCD decodes packed BCD digits. A nibble above 9 is an error.
func DecodeBCD(b []byte) (int, error) {
	n := 0
	for _, v := range b {
		hi, lo := v>>4, v&0x0f
		if hi > 9 || lo > 9 {
			return 0, fmt.Errorf("%w: byte 0x%02x", ErrBadLength, v)
		}
		n = n*100 + int(hi)*10 + int(lo)
	}
	return n, nil
}
