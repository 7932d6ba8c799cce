package rcon

import (
	"context"
	"sync"
)

// replyQueue is the unbounded FIFO of replies for one conversation. Queues
// must never drop: a conversation that drains slowly still has to see every
// fragment, terminator included, or its stream never completes. Memory is
// bounded in practice by the server answering only what was asked.
type replyQueue struct {
	mu      sync.Mutex
	packets []*Packet
	closed  bool

	// wake carries at most one token signalling a waiting pop that new
	// packets arrived; done is closed when the queue is.
	wake chan struct{}
	done chan struct{}
}

func newReplyQueue() *replyQueue {
	return &replyQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// push appends a packet. Packets pushed after close are discarded, since the
// conversation has already observed the disconnect.
func (q *replyQueue) push(pkt *Packet) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.packets = append(q.packets, pkt)

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// close marks the queue terminal. Buffered packets remain readable; pop
// reports ok=false once they are exhausted.
func (q *replyQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// pop blocks until the next packet is available. ok is false once the queue
// has been closed and drained.
func (q *replyQueue) pop(ctx context.Context) (pkt *Packet, ok bool, err error) {
	for {
		q.mu.Lock()
		if len(q.packets) > 0 {
			pkt = q.packets[0]
			q.packets = q.packets[1:]
			q.mu.Unlock()
			return pkt, true, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false, nil
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-q.done:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}
