package pool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bft-labs/devlink/pkg/channel"
	"github.com/bft-labs/devlink/pkg/instruction"
	"github.com/bft-labs/devlink/pkg/wire"
)

// responder decides how the fake peer answers a request. ok=false means
// the peer stays silent.
type responder func(name string, input []byte) (f wire.Frame, ok bool)

func echo(_ string, input []byte) (wire.Frame, bool) {
	return wire.Frame{Kind: wire.KindResponse, Status: wire.StatusOK, Payload: input}, true
}

// fakeChannel answers every Send through respond, synchronously unless
// delay says otherwise. A reply delivered after a Reopen is lost, as it is
// on a real connection.
type fakeChannel struct {
	respond   responder
	delay     func(name string) time.Duration
	connected atomic.Bool
	reopens   atomic.Int32
	sendErr   error

	mu      sync.Mutex
	session int
	in      bytes.Buffer
	sent    []string
	notify  chan struct{}
}

func newFakeChannel(r responder) *fakeChannel {
	c := &fakeChannel{respond: r, notify: make(chan struct{}, 1)}
	c.connected.Store(true)
	return c
}

func (c *fakeChannel) Connected() bool              { return c.connected.Load() }
func (c *fakeChannel) Addr() string                 { return "fake" }
func (c *fakeChannel) Close() error                 { c.connected.Store(false); return nil }

func (c *fakeChannel) Reopen(context.Context) error {
	c.reopens.Add(1)
	c.mu.Lock()
	c.session++
	c.in.Reset()
	c.mu.Unlock()
	c.connected.Store(true)
	return nil
}

func (c *fakeChannel) Send(p []byte) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	name, input, err := instruction.DecodeRequest(p[wire.HeaderLength:])
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, name)
	session := c.session
	c.mu.Unlock()

	f, ok := c.respond(name, input)
	if !ok {
		return nil
	}
	raw, err := wire.Encode(f)
	if err != nil {
		return err
	}
	if c.delay != nil {
		if d := c.delay(name); d > 0 {
			go func() {
				time.Sleep(d)
				c.deliver(session, raw)
			}()
			return nil
		}
	}
	c.deliver(session, raw)
	return nil
}

func (c *fakeChannel) deliver(session int, raw []byte) {
	c.mu.Lock()
	if c.session != session {
		c.mu.Unlock()
		return
	}
	c.in.Write(raw)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *fakeChannel) ReceiveBySize(buf []byte, n int, timeout time.Duration) (int, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		c.mu.Lock()
		if c.in.Len() >= n {
			got, err := c.in.Read(buf[:n])
			c.mu.Unlock()
			return got, err
		}
		c.mu.Unlock()
		select {
		case <-c.notify:
		case <-t.C:
			return 0, &channel.OpError{Op: "read", Err: channel.ErrTimeout, Retryable: true}
		}
	}
}

func (c *fakeChannel) sentNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

var testDevice = channel.Device{Name: "dev-1", ReceiveTimeout: 50 * time.Millisecond}

func newTestPool(r responder, opts ...Option) (*Pool, *fakeChannel) {
	ch := newFakeChannel(r)
	return New(testDevice, ch, instruction.NewStreamSet(nil), opts...), ch
}

func runPool(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestExecuteSync_Echo(t *testing.T) {
	p, _ := newTestPool(echo)
	runPool(t, p)

	out, err := p.ExecuteSync(context.Background(), instruction.New("echo", []byte("hello")), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), out.Output)
	assert.Equal(t, instruction.QualityGood, out.Quality)
	assert.Equal(t, StateIdle, p.State())
}

func TestExecuteSync_ConcurrentCallersCorrelate(t *testing.T) {
	p, _ := newTestPool(echo)
	runPool(t, p)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			input := []byte(fmt.Sprintf("caller-%02d", i))
			out, err := p.ExecuteSync(context.Background(), instruction.New("echo", input), time.Second)
			if err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(out.Output, input) {
				errs <- fmt.Errorf("caller %d got %q", i, out.Output)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestStep_FailureKeepsLoopRunning(t *testing.T) {
	var handled []string
	p, _ := newTestPool(func(name string, input []byte) (wire.Frame, bool) {
		if name == "silent" {
			return wire.Frame{}, false
		}
		return echo(name, input)
	}, WithErrorHandler(func(dev channel.Device, desc *instruction.Description, err error) {
		handled = append(handled, dev.Name+"/"+desc.Name)
	}))

	silent := instruction.New("silent", nil)
	loud := instruction.New("loud", []byte("ok"))
	_, err := p.AddInstruction(silent)
	require.NoError(t, err)
	_, err = p.AddInstruction(loud)
	require.NoError(t, err)

	first := p.Step(context.Background())
	assert.Equal(t, StateTimedOut, first.State)
	assert.True(t, first.TransportFailed())
	assert.Error(t, silent.Context.Err)
	assert.Equal(t, instruction.QualityBad, silent.Context.Quality)

	second := p.Step(context.Background())
	assert.Equal(t, StateCompleted, second.State)
	assert.NoError(t, second.Err)
	assert.Equal(t, []byte("ok"), loud.Context.Output)

	assert.Equal(t, []string{"dev-1/silent"}, handled)
	assert.False(t, p.Step(context.Background()).Ran())
}

func TestStep_TimeoutDiscardsLateReply(t *testing.T) {
	p, ch := newTestPool(func(name string, input []byte) (wire.Frame, bool) {
		if name == "slow" {
			input = []byte("slow-reply")
		}
		return echo(name, input)
	})
	ch.delay = func(name string) time.Duration {
		if name == "slow" {
			return 3 * testDevice.ReceiveTimeout
		}
		return 0
	}

	_, err := p.AddInstruction(instruction.New("slow", nil))
	require.NoError(t, err)
	first := p.Step(context.Background())
	require.Equal(t, StateTimedOut, first.State)
	assert.Equal(t, int32(1), ch.reopens.Load())
	assert.True(t, ch.Connected())

	// Let the abandoned reply arrive before the next request goes out.
	time.Sleep(4 * testDevice.ReceiveTimeout)

	next := instruction.New("echo", []byte("B"))
	_, err = p.AddInstruction(next)
	require.NoError(t, err)
	second := p.Step(context.Background())
	require.Equal(t, StateCompleted, second.State)
	assert.Equal(t, []byte("B"), next.Context.Output)
}

func TestStep_TransportError(t *testing.T) {
	p, ch := newTestPool(echo)
	ch.sendErr = errors.New("broken pipe")

	_, err := p.AddInstruction(instruction.New("x", nil))
	require.NoError(t, err)
	o := p.Step(context.Background())
	assert.Equal(t, StateTransportError, o.State)
	assert.EqualError(t, o.Err, "broken pipe")
}

func TestStep_UnexpectedFrame(t *testing.T) {
	p, _ := newTestPool(func(string, []byte) (wire.Frame, bool) {
		return wire.Frame{Kind: wire.KindAnnounce}, true
	})
	_, err := p.AddInstruction(instruction.New("x", nil))
	require.NoError(t, err)
	o := p.Step(context.Background())
	assert.ErrorIs(t, o.Err, ErrUnexpectedFrame)
	assert.True(t, o.TransportFailed())
}

func TestStep_Heartbeat(t *testing.T) {
	p, ch := newTestPool(echo, WithHeartbeat(instruction.NewHeartbeat))

	o := p.Step(context.Background())
	require.True(t, o.Ran())
	assert.True(t, o.Heartbeat)
	assert.Equal(t, StateCompleted, o.State)

	// A queued user instruction takes precedence over the heartbeat.
	_, err := p.AddInstruction(instruction.New("user", nil))
	require.NoError(t, err)
	o = p.Step(context.Background())
	assert.False(t, o.Heartbeat)
	assert.Equal(t, []string{instruction.HeartbeatName, "user"}, ch.sentNames())
}

func TestStep_NoReplyAndNotAllowed(t *testing.T) {
	p, ch := newTestPool(func(string, []byte) (wire.Frame, bool) { return wire.Frame{}, false })

	fire := instruction.New("announce", []byte("x"))
	fire.NoReply = true
	blocked := instruction.New("blocked", nil)
	blocked.AllowExecution = false

	_, _ = p.AddInstruction(fire)
	_, _ = p.AddInstruction(blocked)

	o := p.Step(context.Background())
	assert.Equal(t, StateCompleted, o.State)
	assert.NoError(t, o.Err)

	o = p.Step(context.Background())
	assert.ErrorIs(t, o.Err, ErrNotAllowed)
	assert.Equal(t, []string{"announce"}, ch.sentNames())
}

func TestAddInstruction_NoChannel(t *testing.T) {
	p, ch := newTestPool(echo)
	ch.connected.Store(false)

	_, err := p.AddInstruction(instruction.New("x", nil))
	assert.ErrorIs(t, err, ErrNoChannel)

	_, err = p.ExecuteSync(context.Background(), instruction.New("x", nil), time.Second)
	assert.ErrorIs(t, err, ErrNoChannel)
}

func TestExecuteSync_RemoteError(t *testing.T) {
	p, _ := newTestPool(func(string, []byte) (wire.Frame, bool) {
		return wire.Frame{Kind: wire.KindResponse, Status: wire.StatusFailed, Payload: []byte("disk full")}, true
	})
	runPool(t, p)

	out, err := p.ExecuteSync(context.Background(), instruction.New("write", nil), time.Second)
	require.Error(t, err)
	require.NotNil(t, out)
	assert.True(t, instruction.IsRemote(err))
	assert.Equal(t, err, out.Err)
}

func TestExecuteSync_AbandonedStillCompletes(t *testing.T) {
	p, _ := newTestPool(echo)

	desc := instruction.New("late", []byte("v"))
	_, err := p.ExecuteSync(context.Background(), desc, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	o := p.Step(context.Background())
	require.True(t, o.Ran())
	assert.Equal(t, StateCompleted, o.State)
	assert.Equal(t, []byte("v"), desc.Context.Output)
}

func TestReset_FailsPendingAndClearsResidual(t *testing.T) {
	p, _ := newTestPool(echo)
	set := p.Set().(*instruction.StreamSet)
	_, _ = set.Recombine([]byte{wire.HeaderMarker, 0x02})

	var descs []*instruction.Description
	for i := 0; i < 3; i++ {
		d := instruction.New("queued", nil)
		_, err := p.AddInstruction(d)
		require.NoError(t, err)
		descs = append(descs, d)
	}
	require.Equal(t, 3, p.Pending())

	p.Reset()
	assert.Zero(t, p.Pending())
	assert.Zero(t, set.Buffered())
	for _, d := range descs {
		assert.ErrorIs(t, d.Context.Err, ErrReset)
	}
	assert.False(t, p.Step(context.Background()).Ran())
}

func TestExecuteWithRetry(t *testing.T) {
	var calls atomic.Int32
	p, ch := newTestPool(func(name string, input []byte) (wire.Frame, bool) {
		if calls.Add(1) < 3 {
			return wire.Frame{}, false
		}
		return echo(name, input)
	})
	runPool(t, p)

	desc := instruction.New("flaky", []byte("payload"))
	out, err := p.ExecuteWithRetry(context.Background(), desc, time.Second, Retry{Attempts: 3, Sleep: time.Millisecond, MaxSleep: 5 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), out.Output)
	assert.Same(t, desc.Context, out)
	assert.Len(t, ch.sentNames(), 3)
}

func TestExecuteWithRetry_GivesUp(t *testing.T) {
	p, ch := newTestPool(func(string, []byte) (wire.Frame, bool) { return wire.Frame{}, false })
	runPool(t, p)

	desc := instruction.New("dead", nil)
	_, err := p.ExecuteWithRetry(context.Background(), desc, time.Second, Retry{Attempts: 2, Sleep: time.Millisecond, MaxSleep: time.Millisecond})
	require.Error(t, err)
	assert.True(t, channel.IsTimeout(err))
	assert.Len(t, ch.sentNames(), 2)
	assert.Error(t, desc.Context.Err)
}

func TestClose_FailsPending(t *testing.T) {
	p, ch := newTestPool(echo)
	d := instruction.New("x", nil)
	_, err := p.AddInstruction(d)
	require.NoError(t, err)

	require.NoError(t, p.Close())
	assert.ErrorIs(t, d.Context.Err, ErrPoolClosed)
	assert.False(t, ch.Connected())
	assert.NoError(t, p.Close())
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "Idle"},
		{StateTransmitting, "Transmitting"},
		{StateAwaitingReply, "AwaitingReply"},
		{StateCompleted, "Completed"},
		{StateTimedOut, "TimedOut"},
		{StateTransportError, "TransportError"},
		{State(99), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
