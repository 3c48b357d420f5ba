// Package sender provides timer-driven frame senders and the bounded ring
// they send from.
//
// # Usage
//
// Queue payloads and send one frame per payload each tick:
//
//	ring := sender.NewRing(256, sender.DropOldest)
//	ps := sender.NewPacketSender(ch, ring, 100*time.Millisecond)
//	go ps.Run(ctx)
//
//	ps.Enqueue([]byte("reading"))
//
// Repeat a fixed payload, e.g. a keep-alive, a fixed number of times:
//
//	ls, err := sender.NewLoopSender(ch, payload, time.Second, sender.WithLoopCount(10))
//	if err != nil {
//	    return err
//	}
//	err = ls.Run(ctx)
//
// # Overflow
//
// A Ring never grows. When it is full, DropOldest evicts the oldest queued
// payload to make room and DropNewest rejects the incoming one. Either way
// the drop is counted and visible through Dropped.
package sender
