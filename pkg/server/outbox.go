package server

import (
	"context"
	"net"
	"time"

	"github.com/bft-labs/devlink/pkg/log"
	"github.com/bft-labs/devlink/pkg/sender"
)

// outbox queues replies for one UDP peer. Its writer goroutine exits after
// OutboxIdle without traffic; a later reply starts a new outbox.
type outbox struct {
	addr net.Addr
	ring *sender.Ring
	done bool // guarded by Server.mu
}

// enqueue queues reply for addr, starting the peer's writer if needed.
func (s *Server) enqueue(ctx context.Context, pc net.PacketConn, addr net.Addr, reply []byte) {
	key := addr.String()

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	ob, ok := s.outboxes[key]
	if !ok || ob.done {
		ob = &outbox{addr: addr, ring: sender.NewRing(s.cfg.OutboxCapacity, s.cfg.OutboxPolicy)}
		s.outboxes[key] = ob
		s.life.Go(func() error {
			s.drain(ctx, pc, ob)
			return nil
		})
	}
	kept := ob.ring.Push(reply)
	s.mu.Unlock()

	if !kept {
		s.logger.Warn("outbox overflow, reply dropped",
			log.String("peer", key),
			log.Uint64("dropped", ob.ring.Dropped()),
		)
	}
}

// drain writes queued replies to the peer in order.
func (s *Server) drain(ctx context.Context, pc net.PacketConn, ob *outbox) {
	idle := time.NewTimer(s.cfg.OutboxIdle)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ob.ring.Ready():
			for {
				p, ok := ob.ring.Pop()
				if !ok {
					break
				}
				_ = pc.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
				if _, err := pc.WriteTo(p, ob.addr); err != nil {
					s.logger.Warn("reply not delivered",
						log.String("peer", ob.addr.String()),
						log.Err(err),
					)
				}
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.cfg.OutboxIdle)
		case <-idle.C:
			if s.retire(ob) {
				return
			}
			idle.Reset(s.cfg.OutboxIdle)
		}
	}
}

// retire removes an idle outbox. It fails when a reply slipped in.
func (s *Server) retire(ob *outbox) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ob.ring.Len() > 0 {
		return false
	}
	ob.done = true
	if s.outboxes[ob.addr.String()] == ob {
		delete(s.outboxes, ob.addr.String())
	}
	return true
}

// Outboxes returns the number of live UDP peer outboxes.
func (s *Server) Outboxes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outboxes)
}
