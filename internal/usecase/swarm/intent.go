package swarm

import (
	"context"
	"fmt"
	"sync"
)

// intentQueue serializes registry-wide mutations onto a single consumer
// goroutine: at most one mutation runs at a time, in FIFO arrival order,
// without an OS-level lock. Callers block until their intent completes.
type intentQueue struct {
	intents   chan intent
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type intent struct {
	fn     func() error
	result chan error
}

func newIntentQueue(buffer int) *intentQueue {
	q := &intentQueue{
		intents: make(chan intent, buffer),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *intentQueue) run() {
	defer close(q.done)
	for {
		select {
		case it := <-q.intents:
			it.result <- it.fn()
		case <-q.quit:
			// Drain intents accepted before Close.
			for {
				select {
				case it := <-q.intents:
					it.result <- it.fn()
				default:
					return
				}
			}
		}
	}
}

// Do enqueues fn and waits for it to run. Returns the context error if the
// caller gives up before the intent is accepted.
func (q *intentQueue) Do(ctx context.Context, fn func() error) error {
	it := intent{fn: fn, result: make(chan error, 1)}
	select {
	case q.intents <- it:
	case <-q.done:
		return fmt.Errorf("intent queue: closed")
	case <-ctx.Done():
		return fmt.Errorf("intent queue: %w", ctx.Err())
	}
	select {
	case err := <-it.result:
		return err
	case <-q.done:
		return fmt.Errorf("intent queue: closed")
	}
}

// Close stops the consumer after draining already-accepted intents.
func (q *intentQueue) Close() {
	q.closeOnce.Do(func() { close(q.quit) })
	<-q.done
}
