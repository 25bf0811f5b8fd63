// Package stage provides the single serialized worker on which all transfer
// state transitions run.
//
// Operations never lock their own state. Callers on other goroutines post
// closures to the Queue, and RPC callbacks are posted back onto it as well, so
// a chunk completion and a network change are never interleaved.
package stage

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrQueueClosed is returned by Run after Close.
var ErrQueueClosed = errors.New("stage queue closed")

// Queue runs posted functions one at a time, in posting order, on a single
// goroutine. The backlog is unbounded.
type Queue struct {
	name string

	mu      sync.Mutex
	pending []func()
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

// NewQueue creates a Queue and starts its worker goroutine.
func NewQueue(name string) *Queue {
	q := &Queue{
		name: name,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.loop()

	logrus.WithFields(logrus.Fields{
		"function": "NewQueue",
		"queue":    name,
	}).Debug("Stage queue started")
	return q
}

// Post schedules fn. It returns false if the queue is closed.
func (q *Queue) Post(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Post",
			"queue":    q.name,
		}).Warn("Dropping work posted to closed stage queue")
		return false
	}
	q.pending = append(q.pending, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Run posts fn and waits for it to finish. It must not be called from work
// running on the queue.
func (q *Queue) Run(fn func()) error {
	finished := make(chan struct{})
	if !q.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrQueueClosed
	}
	select {
	case <-finished:
		return nil
	case <-q.done:
		// Close drains the backlog before done is closed.
		select {
		case <-finished:
			return nil
		default:
			return ErrQueueClosed
		}
	}
}

// Sync waits until everything posted before the call has run, including work
// those functions posted in turn. It is a test helper.
func (q *Queue) Sync() {
	for {
		if q.Run(func() {}) != nil {
			return
		}
		q.mu.Lock()
		idle := len(q.pending) == 0
		q.mu.Unlock()
		if idle {
			return
		}
	}
}

// Close stops accepting work, runs the backlog and stops the worker.
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
	<-q.done

	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"queue":    q.name,
	}).Debug("Stage queue stopped")
}

func (q *Queue) loop() {
	defer close(q.done)
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		closed := q.closed
		q.mu.Unlock()

		for _, fn := range batch {
			q.exec(fn)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-q.wake
	}
}

func (q *Queue) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function": "exec",
				"queue":    q.name,
				"panic":    r,
			}).Error("Recovered panic in stage work")
		}
	}()
	fn()
}
