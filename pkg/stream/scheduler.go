package stream

import (
	"sync"
	"time"
)

// Timer is a cancellable scheduled call
type Timer interface {
	// Stop prevents the call; it reports false if the call already ran
	Stop() bool
}

// Clock abstracts wall time so retry and poll timers can be driven in tests
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// SystemClock is the real clock
var SystemClock Clock = systemClock{}

// queue applies posted functions one at a time in arrival order. The drain
// goroutine exits when the queue is empty and is restarted by the next post.
type queue struct {
	mu      sync.Mutex
	items   []func()
	running bool
}

func (q *queue) post(fn func()) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	go q.drain()
}

// do posts fn and waits until it ran. Must not be called from a queued fn.
func (q *queue) do(fn func()) {
	done := make(chan struct{})
	q.post(func() {
		defer close(done)
		fn()
	})
	<-done
}

func (q *queue) drain() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		fn := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		fn()
	}
}

// task is a scheduled one-shot tied to its owner by pointer identity; a
// fired task that is no longer the owner's current one is ignored
type task struct {
	timer Timer
}

func (t *task) cancel() {
	if t != nil && t.timer != nil {
		t.timer.Stop()
	}
}

// schedule arms fn on q after d
func schedule(clock Clock, q *queue, d time.Duration, fn func(t *task)) *task {
	t := &task{}
	t.timer = clock.AfterFunc(d, func() {
		q.post(func() { fn(t) })
	})
	return t
}
