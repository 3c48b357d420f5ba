// Package instruction defines what a pool executes and how each transport
// frames it.
//
// A [Description] names one request and carries its [Context]; the context
// is where the pool writes the outcome. A [Set] is the per-transport framing
// strategy: it knows how to pull exactly one complete frame off a channel
// and which heartbeat instructions a sampler should poll with.
package instruction

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bft-labs/devlink/pkg/wire"
)

// HeartbeatName is the instruction name used by the default heartbeat.
const HeartbeatName = "heartbeat"

// maxNameLength is bounded by the one-byte name length prefix.
const maxNameLength = 255

var (
	ErrNameTooLong  = errors.New("instruction: name longer than 255 bytes")
	ErrEmptyName    = errors.New("instruction: empty name")
	ErrShortRequest = errors.New("instruction: short request payload")
)

// Quality grades the value held by a Context.
type Quality int

const (
	QualityUnknown Quality = iota
	QualityGood
	QualityBad
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityBad:
		return "bad"
	default:
		return "unknown"
	}
}

// Context carries one request's input and, once the pool is done with it,
// its output or error. A caller may keep a Context and reuse it for several
// descriptions, e.g. across the phases of a transfer.
type Context struct {
	Input  []byte
	Output []byte

	// Err is set when the request failed, either in transport or because
	// the peer answered with an error (*RemoteError).
	Err error

	TimeStamp time.Time
	Quality   Quality

	// ReceiveTimeout overrides the device receive timeout when positive.
	ReceiveTimeout time.Duration
}

// Reset clears the outcome fields so the Context can carry a new request.
func (c *Context) Reset(input []byte) {
	c.Input = input
	c.Output = nil
	c.Err = nil
	c.TimeStamp = time.Time{}
	c.Quality = QualityUnknown
}

// Description identifies one request.
type Description struct {
	Name    string
	Context *Context

	// AllowExecution gates transmission; a pool completes a description
	// with ErrNotAllowed instead of sending it when false.
	AllowExecution bool

	// NoReply marks fire-and-forget descriptions. The pool transmits them
	// and completes without waiting for a response.
	NoReply bool

	Kind  wire.Kind
	Token uuid.UUID
}

// New creates a request description with a fresh context.
func New(name string, input []byte) *Description {
	return WithContext(name, &Context{Input: input})
}

// WithContext creates a request description around an existing context.
func WithContext(name string, ctx *Context) *Description {
	return &Description{
		Name:           name,
		Context:        ctx,
		AllowExecution: true,
		Kind:           wire.KindRequest,
		Token:          uuid.New(),
	}
}

// NewHeartbeat creates the default heartbeat description.
func NewHeartbeat() *Description {
	d := New(HeartbeatName, nil)
	d.Kind = wire.KindHeartbeat
	return d
}

// RemoteError is an application failure reported by the peer.
type RemoteError struct {
	Name    string
	Status  wire.Status
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("instruction %s: remote status 0x%02x: %s", e.Name, byte(e.Status), e.Message)
}

// IsRemote reports whether err is an application error from the peer.
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}

// EncodeRequest frames d for transmission. The payload is the name length,
// the name and then the input bytes.
func EncodeRequest(d *Description) ([]byte, error) {
	if d.Name == "" {
		return nil, ErrEmptyName
	}
	if len(d.Name) > maxNameLength {
		return nil, ErrNameTooLong
	}
	var input []byte
	if d.Context != nil {
		input = d.Context.Input
	}
	payload := make([]byte, 0, 1+len(d.Name)+len(input))
	payload = append(payload, byte(len(d.Name)))
	payload = append(payload, d.Name...)
	payload = append(payload, input...)

	kind := d.Kind
	if kind == 0 {
		kind = wire.KindRequest
	}
	return wire.Encode(wire.Frame{Kind: kind, Status: wire.StatusOK, Payload: payload})
}

// DecodeRequest splits a request payload into name and input.
func DecodeRequest(payload []byte) (string, []byte, error) {
	if len(payload) < 1 {
		return "", nil, ErrShortRequest
	}
	n := int(payload[0])
	if n == 0 {
		return "", nil, ErrEmptyName
	}
	if len(payload) < 1+n {
		return "", nil, ErrShortRequest
	}
	return string(payload[1 : 1+n]), payload[1+n:], nil
}

// EncodeResponse frames a reply. A non-nil err produces StatusFailed with
// the error text as payload; a *RemoteError keeps its status and message.
func EncodeResponse(output []byte, err error) ([]byte, error) {
	if err != nil {
		status, msg := wire.StatusFailed, err.Error()
		var re *RemoteError
		if errors.As(err, &re) {
			status, msg = re.Status, re.Message
		}
		return wire.Encode(wire.Frame{Kind: wire.KindResponse, Status: status, Payload: []byte(msg)})
	}
	return wire.Encode(wire.Frame{Kind: wire.KindResponse, Status: wire.StatusOK, Payload: output})
}

// Apply records a received response frame into c.
func (c *Context) Apply(name string, f wire.Frame, now time.Time) {
	c.TimeStamp = now
	if f.Status != wire.StatusOK {
		c.Output = nil
		c.Err = &RemoteError{Name: name, Status: f.Status, Message: string(f.Payload)}
		c.Quality = QualityBad
		return
	}
	c.Output = f.Payload
	c.Err = nil
	c.Quality = QualityGood
}

// Fail records a local failure into c.
func (c *Context) Fail(err error, now time.Time) {
	c.TimeStamp = now
	c.Output = nil
	c.Err = err
	c.Quality = QualityBad
}
