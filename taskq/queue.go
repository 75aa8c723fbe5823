// Package taskq provides the event-loop surface the bus client runs on:
// serialized task queues with delayed posting, goroutine-affinity queries,
// and poll(2)-based file-descriptor readiness watching.
package taskq

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbira/go-busclient/logger"
)

// SerialQueue runs posted tasks one at a time, in FIFO order, on a single
// dedicated goroutine. Delayed tasks are ordered by fire time and run
// at-or-after their delay, never before.
type SerialQueue struct {
	name string

	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []func()
	stopped bool

	runnerID atomic.Uint64
	done     chan struct{}
}

// New creates a queue and starts its runner goroutine.
func New(name string) *SerialQueue {
	q := &SerialQueue{
		name: name,
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)

	ready := make(chan struct{})
	go q.run(ready)
	<-ready
	return q
}

func (q *SerialQueue) Name() string { return q.name }

func (q *SerialQueue) run(ready chan struct{}) {
	defer close(q.done)
	q.runnerID.Store(CurrentGoroutineID())
	close(ready)

	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.stopped {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 && q.stopped {
			q.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		task()
	}
}

// Post enqueues a task. Tasks posted after Stop are dropped with a warning.
func (q *SerialQueue) Post(task func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		logger.Warn("[taskq] %s: dropping task posted after stop", q.name)
		return
	}
	q.tasks = append(q.tasks, task)
	q.cond.Signal()
}

// PostDelayed enqueues a task to run at-or-after the given delay.
func (q *SerialQueue) PostDelayed(delay time.Duration, task func()) {
	if delay <= 0 {
		q.Post(task)
		return
	}
	time.AfterFunc(delay, func() { q.Post(task) })
}

// BelongsToCurrent reports whether the caller is running on this queue's
// goroutine.
func (q *SerialQueue) BelongsToCurrent() bool {
	return CurrentGoroutineID() == q.runnerID.Load()
}

// Stop marks the queue stopped and, when called from another goroutine,
// blocks until all already-queued tasks have drained. Calling Stop from the
// queue's own goroutine only marks it; the runner exits after the current
// task returns.
func (q *SerialQueue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.cond.Broadcast()
	q.mu.Unlock()

	if !q.BelongsToCurrent() {
		<-q.done
	}
}
