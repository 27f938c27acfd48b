// Package queue provides the serial execution queue that callbacks are
// delivered on.
//
// A Queue runs posted tasks one at a time, in post order, on a single
// goroutine. Posting never blocks: the backlog is an unbounded FIFO, so the
// transport goroutine that demultiplexes incoming calls can hand work over
// without waiting for a slow callback.
//
//	transport goroutine ──Post(task)──┐
//	transport goroutine ──Post(task)──┼──→ [FIFO] ──→ run loop (one task at a time)
//	owner code          ──Post(task)──┘
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrClosed is returned by Sync on a closed queue.
var ErrClosed = errors.New("queue: closed")

// Task is a unit of work. The context carries the queue (see FromContext).
type Task func(ctx context.Context)

type ctxKey struct{}

// FromContext returns the queue running the current task, or nil.
func FromContext(ctx context.Context) *Queue {
	q, _ := ctx.Value(ctxKey{}).(*Queue)
	return q
}

// Queue is a serial task queue bound to one owner.
type Queue struct {
	name   string
	logger zerolog.Logger

	mu       sync.Mutex
	tasks    []Task
	closed   bool
	channels map[string]struct{} // Remote channels whose callbacks run here

	wake chan struct{} // Capacity 1: "there may be work"
	done chan struct{} // Closed when the run loop exits
	ctx  context.Context
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger used to report panicking tasks.
func WithLogger(l zerolog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// New creates a queue and starts its run loop.
func New(name string, opts ...Option) *Queue {
	q := &Queue{
		name:     name,
		logger:   log.Logger,
		channels: make(map[string]struct{}),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With().Str("queue", name).Logger()
	q.ctx = context.WithValue(context.Background(), ctxKey{}, q)
	go q.loop()
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Post appends fn to the queue. It returns false if the queue is closed,
// in which case fn will never run.
func (q *Queue) Post(fn Task) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Sync waits until every task posted before the call has run.
func (q *Queue) Sync(ctx context.Context) error {
	if FromContext(ctx) == q {
		// Already on the queue: everything posted earlier is behind us or running.
		return nil
	}
	barrier := make(chan struct{})
	if !q.Post(func(context.Context) { close(barrier) }) {
		return ErrClosed
	}
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks. Tasks already queued still run.
// Close does not wait; use Done for that.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Closed reports whether Close was called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Done is closed once the queue is closed and drained.
func (q *Queue) Done() <-chan struct{} { return q.done }

// Bind records that callbacks arriving over channel are delivered on q.
func (q *Queue) Bind(channel string) {
	q.mu.Lock()
	q.channels[channel] = struct{}{}
	q.mu.Unlock()
}

// Unbind reverses Bind.
func (q *Queue) Unbind(channel string) {
	q.mu.Lock()
	delete(q.channels, channel)
	q.mu.Unlock()
}

// Serves reports whether callbacks arriving over channel are delivered on q.
func (q *Queue) Serves(channel string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.channels[channel]
	return ok
}

func (q *Queue) loop() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.wake
			continue
		}
		task := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		q.run(task)
	}
}

// run executes one task. A panic is logged and swallowed so one bad callback
// cannot stall delivery to the others.
func (q *Queue) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().Interface("panic", r).Msg("queue task panicked")
		}
	}()
	task(q.ctx)
}
