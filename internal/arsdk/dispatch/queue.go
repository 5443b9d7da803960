// Package dispatch provides the serial execution contexts used by the stream
// controller: one queue confines controller state, another delivers client
// callbacks.
package dispatch

import (
	"log/slog"
	"runtime/debug"
	"sync"

	"k8s.io/utils/buffer"
)

// Executor runs tasks one at a time, in submission order.
type Executor interface {
	// Post enqueues fn without blocking. It returns false if the executor no
	// longer accepts work.
	Post(fn func()) bool
}

// Queue is an unbounded FIFO executor backed by a single goroutine.
type Queue struct {
	name string
	log  *slog.Logger

	mu      sync.Mutex
	tasks   *buffer.TypedRingGrowing[func()]
	stopped bool

	wake chan struct{}
	done chan struct{}
}

// NewQueue creates a queue and starts its worker goroutine.
func NewQueue(name string, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	q := &Queue{
		name:  name,
		log:   log,
		tasks: buffer.NewTypedRingGrowing[func()](buffer.RingGrowingOptions{InitialSize: 16}),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

// Post implements Executor.
func (q *Queue) Post(fn func()) bool {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}
	q.tasks.WriteOne(fn)
	q.mu.Unlock()

	q.signal()
	return true
}

// Stop refuses new tasks. Tasks already queued still run before the worker exits.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	q.signal()
}

// Done is closed once the worker goroutine has exited.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Len returns the number of tasks waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.Len()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		fn, ok := q.tasks.ReadOne()
		stopped := q.stopped
		q.mu.Unlock()

		if ok {
			q.exec(fn)
			continue
		}
		if stopped {
			return
		}
		<-q.wake
	}
}

func (q *Queue) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("recovered from dispatch task", "queue", q.name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}
