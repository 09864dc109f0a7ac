// Package loop runs tasks one at a time in FIFO order. Each task is one
// scheduling turn: work posted while a task runs executes after it, which is
// how callers defer work to the end of the current turn.
//
// Post may be called from any goroutine; tasks themselves only ever run on
// the goroutine calling Drain or Run.
package loop

import (
	"context"
	"sync"
)

type Loop struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
}

func New() *Loop { return &Loop{wake: make(chan struct{}, 1)} }

// Post schedules task to run in a later turn.
func (l *Loop) Post(task func()) {
	l.mu.Lock()
	l.queue = append(l.queue, task)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued tasks.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Drain runs queued tasks, including the ones they post, until the queue is
// empty. It returns the number of tasks run.
func (l *Loop) Drain() int {
	n := 0
	for l.step() {
		n++
	}
	return n
}

// Run processes tasks as they are posted until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.Drain()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

func (l *Loop) step() bool {
	l.mu.Lock()
	if len(l.queue) == 0 {
		l.mu.Unlock()
		return false
	}
	task := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	l.mu.Unlock()
	task()
	return true
}
