package router

import (
	"context"
	"sync"

	"github.com/lambdahost/lambdahost/pkg/transport"
)

// item is one unit of dispatcher work: either an intercepted transaction or a
// submit from test code.  Funnelling both through one queue gives the ledger
// a single writer and a single arrival order.
type item struct {
	tx  *transport.Transaction
	sub *submit
}

type submit struct {
	inv   *PendingInvocation
	reply chan error
}

// workQueue is an unbounded FIFO with a single blocking consumer.
type workQueue struct {
	mu     sync.Mutex
	items  []item
	wake   chan struct{}
	closed bool
}

func newWorkQueue() *workQueue {
	return &workQueue{wake: make(chan struct{}, 1)}
}

func (q *workQueue) push(it item) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, it)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// pop blocks until an item is available, the queue closes, or ctx is done.
func (q *workQueue) pop(ctx context.Context) (item, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return it, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return item{}, ErrClosed
		}

		select {
		case <-q.wake:
		case <-ctx.Done():
			return item{}, ctx.Err()
		}
	}
}

// close rejects further pushes and returns everything still queued so the
// caller can fail it.
func (q *workQueue) close() []item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	left := q.items
	q.items = nil

	// Wake a parked consumer so it observes the close.
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return left
}
