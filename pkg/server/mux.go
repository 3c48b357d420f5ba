package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/bft-labs/devlink/pkg/instruction"
	"github.com/bft-labs/devlink/pkg/wire"
)

// HandlerFunc serves one instruction. A returned *instruction.RemoteError
// keeps its status on the wire; any other error answers StatusFailed.
type HandlerFunc func(ctx context.Context, input []byte) ([]byte, error)

// Mux routes request frames to handlers by instruction name.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewMux returns a Mux that already answers heartbeats.
func NewMux() *Mux {
	m := &Mux{handlers: make(map[string]HandlerFunc)}
	m.Handle(instruction.HeartbeatName, func(context.Context, []byte) ([]byte, error) {
		return nil, nil
	})
	return m
}

// Handle registers h for name, replacing any previous handler.
func (m *Mux) Handle(name string, h HandlerFunc) {
	m.mu.Lock()
	m.handlers[name] = h
	m.mu.Unlock()
}

// Names lists the registered instructions.
func (m *Mux) Names() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.handlers))
	for name := range m.handlers {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (m *Mux) lookup(name string) (HandlerFunc, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[name]
	return h, ok
}

// Result describes one dispatched frame.
type Result struct {
	Name   string
	Status wire.Status
	// Reply is the encoded response frame, nil when none is due.
	Reply []byte
}

// Dispatch runs the handler for f and encodes its answer. Announce frames
// are served without a reply and response frames are ignored.
func (m *Mux) Dispatch(ctx context.Context, f wire.Frame) Result {
	if f.Kind == wire.KindResponse {
		return Result{Status: wire.StatusFailed}
	}
	silent := f.Kind == wire.KindAnnounce

	name, input, err := instruction.DecodeRequest(f.Payload)
	if err != nil {
		return m.answer(silent, Result{Status: wire.StatusFailed}, nil, err)
	}
	res := Result{Name: name}

	h, ok := m.lookup(name)
	if !ok {
		return m.answer(silent, res, nil, &instruction.RemoteError{
			Name:    name,
			Status:  wire.StatusUnknownInstruction,
			Message: "unknown instruction",
		})
	}
	out, err := call(ctx, h, input)
	return m.answer(silent, res, out, err)
}

func (m *Mux) answer(silent bool, res Result, out []byte, err error) Result {
	res.Status = wire.StatusOK
	if err != nil {
		res.Status = wire.StatusFailed
		var re *instruction.RemoteError
		if errors.As(err, &re) {
			res.Status = re.Status
		}
	}
	if silent {
		return res
	}
	reply, encErr := instruction.EncodeResponse(out, err)
	if encErr != nil {
		// Output too large for one frame.
		res.Status = wire.StatusFailed
		reply, _ = instruction.EncodeResponse(nil, encErr)
	}
	res.Reply = reply
	return res
}

func call(ctx context.Context, h HandlerFunc, input []byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, input)
}
