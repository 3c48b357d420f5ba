package sender

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/bft-labs/devlink/pkg/wire"
)

type recordingTx struct {
	mu    sync.Mutex
	sent  [][]byte
	failN int
}

func (r *recordingTx) Send(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failN > 0 {
		r.failN--
		return errors.New("link down")
	}
	r.sent = append(r.sent, append([]byte(nil), p...))
	return nil
}

func (r *recordingTx) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func TestRing_OverflowPolicies(t *testing.T) {
	tests := []struct {
		name   string
		policy OverflowPolicy
		want   []string
	}{
		{"drop oldest", DropOldest, []string{"c", "d", "e"}},
		{"drop newest", DropNewest, []string{"a", "b", "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRing(3, tt.policy)
			for i, s := range []string{"a", "b", "c", "d", "e"} {
				ok := r.Push([]byte(s))
				assert.Equal(t, i < 3, ok, "push %s", s)
			}
			assert.Equal(t, 3, r.Len())
			assert.Equal(t, uint64(2), r.Dropped())

			var got []string
			for _, p := range r.Drain() {
				got = append(got, string(p))
			}
			assert.Equal(t, tt.want, got)
			assert.Zero(t, r.Len())
		})
	}
}

func TestRing_PopWrapsAround(t *testing.T) {
	r := NewRing(2, DropOldest)
	r.Push([]byte("1"))
	r.Push([]byte("2"))
	p, ok := r.Pop()
	require.True(t, ok)
	assert.Equal(t, "1", string(p))
	r.Push([]byte("3"))

	p, _ = r.Pop()
	assert.Equal(t, "2", string(p))
	p, _ = r.Pop()
	assert.Equal(t, "3", string(p))
	_, ok = r.Pop()
	assert.False(t, ok)

	select {
	case <-r.Ready():
	default:
		t.Fatal("expected ready signal after push")
	}
}

func TestParseOverflowPolicy(t *testing.T) {
	p, err := ParseOverflowPolicy("drop-newest")
	require.NoError(t, err)
	assert.Equal(t, DropNewest, p)
	assert.Equal(t, "drop-newest", p.String())

	_, err = ParseOverflowPolicy("drop-random")
	assert.Error(t, err)
}

func TestPacketSender_FlushFramesEachPayload(t *testing.T) {
	tx := &recordingTx{failN: 1}
	ps := NewPacketSender(tx, NewRing(8, DropOldest), time.Second, WithKind(wire.KindRequest))
	ps.Enqueue([]byte("one"))
	ps.Enqueue([]byte("two"))
	ps.Enqueue([]byte("three"))

	err := ps.Flush()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 1)
	require.Equal(t, 2, tx.count())

	h, err := wire.DecodeHeader(tx.sent[0])
	require.NoError(t, err)
	assert.Equal(t, wire.KindRequest, h.Kind)
	assert.Equal(t, "two", string(tx.sent[0][wire.HeaderLength:]))
	assert.Equal(t, "three", string(tx.sent[1][wire.HeaderLength:]))
}

func TestPacketSender_RunOnTicker(t *testing.T) {
	mock := clock.NewMock()
	tx := &recordingTx{}
	ps := NewPacketSender(tx, NewRing(8, DropOldest), time.Second, WithClock(mock))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ps.Run(ctx) }()

	ps.Enqueue([]byte("x"))
	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return tx.count() == 1
	}, time.Second, 5*time.Millisecond)

	ps.Enqueue([]byte("y"))
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 2, tx.count(), "final flush on stop")
}

func TestLoopSender_Count(t *testing.T) {
	tx := &recordingTx{failN: 1}
	ls, err := NewLoopSender(tx, []byte("keepalive"), time.Millisecond, WithLoopCount(3))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ls.Run(ctx))
	assert.Equal(t, 3, tx.count())

	_, err = NewLoopSender(tx, nil, 0)
	assert.Error(t, err)
}
