package instruction

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bft-labs/devlink/pkg/channel"
	"github.com/bft-labs/devlink/pkg/wire"
)

// memChannel is a stream channel over an in-memory buffer. Reads that
// cannot be satisfied fail immediately with a timeout.
type memChannel struct {
	mu   sync.Mutex
	in   bytes.Buffer
	sent [][]byte
}

func (c *memChannel) Connected() bool { return true }
func (c *memChannel) Addr() string    { return "mem" }
func (c *memChannel) Close() error    { return nil }

func (c *memChannel) Reopen(context.Context) error { return nil }

func (c *memChannel) Send(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, append([]byte(nil), p...))
	return nil
}

func (c *memChannel) ReceiveBySize(buf []byte, n int, _ time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.in.Len() < n {
		return 0, &channel.OpError{Op: "read", Err: channel.ErrTimeout, Retryable: true}
	}
	return c.in.Read(buf[:n])
}

// memDatagrams is a datagram channel over a queue of datagrams.
type memDatagrams struct {
	memChannel
	queue [][]byte
}

func (c *memDatagrams) Peek(buf []byte, n int, _ time.Duration) (int, error) {
	if len(c.queue) == 0 {
		return 0, &channel.OpError{Op: "read", Err: channel.ErrTimeout, Retryable: true}
	}
	got := copy(buf[:n], c.queue[0])
	if got < n {
		return got, channel.ErrShortDatagram
	}
	return got, nil
}

func (c *memDatagrams) Discard() {
	if len(c.queue) > 0 {
		c.queue = c.queue[1:]
	}
}

func (c *memDatagrams) ReceiveBySize(buf []byte, n int, timeout time.Duration) (int, error) {
	got, err := c.Peek(buf, n, timeout)
	if len(c.queue) > 0 {
		c.queue = c.queue[1:]
	}
	return got, err
}

func encode(t *testing.T, f wire.Frame) []byte {
	t.Helper()
	b, err := wire.Encode(f)
	require.NoError(t, err)
	return b
}

func testFrames() []wire.Frame {
	return []wire.Frame{
		{Kind: wire.KindRequest, Status: wire.StatusOK, Payload: []byte("first")},
		{Kind: wire.KindResponse, Status: wire.StatusFailed, Payload: []byte("second payload")},
		{Kind: wire.KindHeartbeat, Status: wire.StatusOK, Payload: bytes.Repeat([]byte{0xab}, 300)},
	}
}

func TestRequestRoundTrip(t *testing.T) {
	d := New("transfer.download.data", []byte{1, 2, 3})
	raw, err := EncodeRequest(d)
	require.NoError(t, err)

	h, err := wire.DecodeHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, wire.KindRequest, h.Kind)

	name, input, err := DecodeRequest(raw[wire.HeaderLength:])
	require.NoError(t, err)
	assert.Equal(t, "transfer.download.data", name)
	assert.Equal(t, []byte{1, 2, 3}, input)
}

func TestEncodeRequest_Rejects(t *testing.T) {
	_, err := EncodeRequest(New("", nil))
	assert.ErrorIs(t, err, ErrEmptyName)

	_, err = EncodeRequest(New(strings.Repeat("x", 256), nil))
	assert.ErrorIs(t, err, ErrNameTooLong)

	_, _, err = DecodeRequest([]byte{5, 'a'})
	assert.ErrorIs(t, err, ErrShortRequest)
}

func TestContextApply(t *testing.T) {
	now := time.Unix(1700000000, 0)

	var ok Context
	ok.Apply("x", wire.Frame{Status: wire.StatusOK, Payload: []byte("out")}, now)
	assert.NoError(t, ok.Err)
	assert.Equal(t, []byte("out"), ok.Output)
	assert.Equal(t, QualityGood, ok.Quality)
	assert.Equal(t, now, ok.TimeStamp)

	var failed Context
	failed.Apply("x", wire.Frame{Status: wire.StatusUnknownInstruction, Payload: []byte("no such thing")}, now)
	require.Error(t, failed.Err)
	assert.True(t, IsRemote(failed.Err))
	assert.Contains(t, failed.Err.Error(), "no such thing")
	assert.Equal(t, QualityBad, failed.Quality)

	failed.Reset([]byte("again"))
	assert.NoError(t, failed.Err)
	assert.Equal(t, QualityUnknown, failed.Quality)
}

func TestEncodeResponse_RemoteStatus(t *testing.T) {
	raw, err := EncodeResponse(nil, &RemoteError{Status: wire.StatusUnknownInstruction, Message: "nope"})
	require.NoError(t, err)
	h, err := wire.DecodeHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, wire.StatusUnknownInstruction, h.Status)
	assert.Equal(t, "nope", string(raw[wire.HeaderLength:]))
}

func TestRecombine_ArbitrarySplits(t *testing.T) {
	frames := testFrames()
	var stream []byte
	for _, f := range frames {
		stream = append(stream, encode(t, f)...)
	}

	for _, chunk := range []int{1, 2, 3, 6, 7, 8, 13, 64, 500, len(stream)} {
		s := NewStreamSet(nil)
		var got []wire.Frame
		for off := 0; off < len(stream); off += chunk {
			end := off + chunk
			if end > len(stream) {
				end = len(stream)
			}
			out, err := s.Recombine(stream[off:end])
			require.NoError(t, err, "chunk=%d", chunk)
			got = append(got, out...)
		}
		assert.Equal(t, frames, got, "chunk=%d", chunk)
		assert.Zero(t, s.Buffered(), "chunk=%d", chunk)
	}
}

func TestRecombine_NoOverRead(t *testing.T) {
	raw := encode(t, testFrames()[1])
	s := NewStreamSet(nil)

	out, err := s.Recombine(raw[:len(raw)-1])
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, len(raw)-1, s.Buffered())

	out, err = s.Recombine(raw[len(raw)-1:])
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, []byte("second payload"), out[0].Payload)
}

func TestRecombine_DesyncStopsScanning(t *testing.T) {
	good := encode(t, testFrames()[0])
	s := NewStreamSet(nil)

	input := append(append([]byte(nil), good...), 0x00, 0x68)
	out, err := s.Recombine(input)
	assert.ErrorIs(t, err, ErrDesync)
	require.Len(t, out, 1, "frames before the bad byte are still delivered")
	assert.Equal(t, []byte("first"), out[0].Payload)
	assert.Equal(t, 2, s.Buffered())

	// The bad byte stays at the read position, so valid data behind it
	// is not delivered until the owner resets.
	out, err = s.Recombine(good)
	assert.ErrorIs(t, err, ErrDesync)
	assert.Empty(t, out)

	s.Reset()
	out, err = s.Recombine(good)
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestRecombine_OversizedLengthDesyncs(t *testing.T) {
	s := NewStreamSet(nil)
	// 99999999 in BCD.
	_, err := s.Recombine([]byte{wire.HeaderMarker, 1, 0, 0x99, 0x99, 0x99, 0x99})
	assert.ErrorIs(t, err, ErrDesync)
	assert.ErrorIs(t, err, wire.ErrLengthExceeded)
}

func TestStreamSet_Receive(t *testing.T) {
	ch := &memChannel{}
	for _, f := range testFrames() {
		ch.in.Write(encode(t, f))
	}
	s := NewStreamSet(nil)
	dev := channel.Device{ReceiveTimeout: time.Second}

	for _, want := range testFrames() {
		got, err := s.Receive(dev, ch, nil)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := s.Receive(dev, ch, nil)
	assert.True(t, channel.IsTimeout(err))
}

func TestStreamSet_ReceiveCompletesResidual(t *testing.T) {
	frames := testFrames()
	second := encode(t, frames[1])
	s := NewStreamSet(nil)

	// The head of a frame is buffered; its rest and another frame are
	// still on the wire.
	out, err := s.Recombine(second[:3])
	require.NoError(t, err)
	require.Empty(t, out)

	ch := &memChannel{}
	ch.in.Write(second[3:])
	ch.in.Write(encode(t, frames[2]))
	dev := channel.Device{ReceiveTimeout: time.Second}

	got, err := s.Receive(dev, ch, nil)
	require.NoError(t, err)
	assert.Equal(t, frames[1], got)
	assert.Zero(t, s.Buffered())

	got, err = s.Receive(dev, ch, nil)
	require.NoError(t, err)
	assert.Equal(t, frames[2], got)
	assert.Zero(t, ch.in.Len())
}

func TestStreamSet_ReceiveKeepsBadBytesUntilReset(t *testing.T) {
	ch := &memChannel{}
	ch.in.Write([]byte{0x00, 1, 0, 0, 0, 0, 0})
	ch.in.Write(encode(t, testFrames()[0]))
	s := NewStreamSet(nil)
	dev := channel.Device{ReceiveTimeout: time.Second}

	_, err := s.Receive(dev, ch, nil)
	assert.ErrorIs(t, err, ErrDesync)
	_, err = s.Receive(dev, ch, nil)
	assert.ErrorIs(t, err, ErrDesync)

	s.Reset()
	got, err := s.Receive(dev, ch, nil)
	require.NoError(t, err)
	assert.Equal(t, testFrames()[0], got)
}

func TestStreamSet_ReceiveBadMarker(t *testing.T) {
	ch := &memChannel{}
	ch.in.Write([]byte{0x00, 1, 0, 0, 0, 0, 0})
	_, err := NewStreamSet(nil).Receive(channel.Device{}, ch, nil)
	assert.ErrorIs(t, err, ErrDesync)
}

func TestSerialSet_SkipsNoise(t *testing.T) {
	ch := &memChannel{}
	ch.in.Write([]byte{0x00, 0xff, 0x13})
	ch.in.Write(encode(t, testFrames()[0]))

	got, err := NewSerialSet(nil).Receive(channel.Device{ReceiveTimeout: time.Second}, ch, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got.Payload)
	assert.Zero(t, ch.in.Len())
}

func TestDatagramSet_DiscardsBadHeader(t *testing.T) {
	ch := &memDatagrams{queue: [][]byte{
		{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07},
		{wire.HeaderMarker, 1},
		encode(t, testFrames()[1]),
	}}
	s := NewDatagramSet(nil)
	dev := channel.Device{ReceiveTimeout: time.Second}

	_, err := s.Receive(dev, ch, nil)
	assert.ErrorIs(t, err, wire.ErrBadMarker)
	_, err = s.Receive(dev, ch, nil)
	assert.ErrorIs(t, err, wire.ErrShortHeader)

	got, err := s.Receive(dev, ch, nil)
	require.NoError(t, err)
	assert.Equal(t, testFrames()[1], got)
	assert.Empty(t, ch.queue)
}

func TestDatagramSet_RequiresPeeker(t *testing.T) {
	_, err := NewDatagramSet(nil).Receive(channel.Device{}, &memChannel{}, nil)
	assert.True(t, errors.Is(err, ErrNotDatagram))
}

func TestGenerators(t *testing.T) {
	hb := NewStreamSet(nil).Generate()
	require.Len(t, hb, 1)
	assert.Equal(t, HeartbeatName, hb[0].Name)
	assert.Equal(t, wire.KindHeartbeat, hb[0].Kind)

	assert.Empty(t, NewDatagramSet(nil).Generate())

	clone := NewStreamSet(nil)
	_, _ = clone.Recombine([]byte{wire.HeaderMarker})
	assert.Zero(t, clone.Clone().(*StreamSet).Buffered())
}
