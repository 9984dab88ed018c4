package client

import (
	"log/slog"
	"sync"
)

// serialQueue runs submitted callbacks one at a time, in submission order,
// on a goroutine of its own. The goroutine exits when the queue is empty
// and is started again by the next Submit. With a hook set, the drain
// goroutine hands each callback to the hook instead of running it, so a
// hook that blocks only ever holds up the queue.
type serialQueue struct {
	logger *slog.Logger
	hook   func(fn func())

	mu      sync.Mutex
	pending []func()
	running bool
}

func newSerialQueue(logger *slog.Logger, hook func(fn func())) *serialQueue {
	return &serialQueue{logger: logger, hook: hook}
}

// Submit queues fn and returns immediately
func (q *serialQueue) Submit(fn func()) {
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	go q.drain()
}

func (q *serialQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		fn := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.run(fn)
	}
}

func (q *serialQueue) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("callback panicked", "panic", r)
		}
	}()
	if q.hook != nil {
		q.hook(fn)
		return
	}
	fn()
}
