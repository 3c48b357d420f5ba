package pool

import (
	"errors"
	"time"

	"github.com/bft-labs/devlink/pkg/channel"
	"github.com/bft-labs/devlink/pkg/instruction"
)

var (
	// ErrNoChannel is returned by AddInstruction when the pool has no
	// connected channel.
	ErrNoChannel = errors.New("pool: no connected channel")

	// ErrTimeout is returned by ExecuteSync when the description was not
	// completed in time. The pool still completes it later.
	ErrTimeout = errors.New("pool: timed out waiting for completion")

	// ErrPoolClosed is returned after Close.
	ErrPoolClosed = errors.New("pool: closed")

	// ErrReset fails descriptions that were pending when Reset ran.
	ErrReset = errors.New("pool: reset before transmission")

	// ErrNotAllowed fails descriptions whose AllowExecution is false.
	ErrNotAllowed = errors.New("pool: execution not allowed")

	// ErrUnexpectedFrame is returned when the peer answers with a frame
	// that is not a response.
	ErrUnexpectedFrame = errors.New("pool: unexpected frame kind")
)

// State is the processing state of a pool.
type State int32

const (
	StateIdle State = iota
	StateTransmitting
	StateAwaitingReply
	StateCompleted
	StateTimedOut
	StateTransportError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateTransmitting:
		return "Transmitting"
	case StateAwaitingReply:
		return "AwaitingReply"
	case StateCompleted:
		return "Completed"
	case StateTimedOut:
		return "TimedOut"
	case StateTransportError:
		return "TransportError"
	default:
		return "Unknown"
	}
}

// Outcome describes one processing step.
type Outcome struct {
	// Desc is the processed description, nil when there was nothing to do.
	Desc      *instruction.Description
	Heartbeat bool

	// State is Completed, TimedOut or TransportError for a processed
	// description and Idle otherwise.
	State   State
	Err     error
	Elapsed time.Duration
}

// Ran reports whether the step processed a description.
func (o Outcome) Ran() bool { return o.Desc != nil }

// TransportFailed reports whether the step failed on the link itself. A
// remote application error is not a transport failure.
func (o Outcome) TransportFailed() bool {
	return o.State == StateTimedOut || o.State == StateTransportError
}

// ErrorHandler is called for every failed description.
type ErrorHandler func(dev channel.Device, desc *instruction.Description, err error)

// Recorder receives per-instruction results.
type Recorder interface {
	InstructionDone(device, name string, state State, elapsed time.Duration)
}
