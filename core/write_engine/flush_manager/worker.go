// Package flushmanager runs the background work of the storage engine:
// asynchronous page flushes and cache purges, executed one at a time in
// FIFO order.
package flushmanager

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sushant-115/pagestore/core/storage_engine/common"
)

// Task is a unit of background work.
type Task func() error

// Worker owns a single goroutine draining an unbounded FIFO queue. The first
// task error is kept and reported by Err until the worker is closed.
type Worker struct {
	logger *zap.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Task
	busy   bool
	closed bool
	err    error

	wg sync.WaitGroup
}

// NewWorker starts the worker goroutine.
func NewWorker(logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{logger: logger.Named("flush_worker")}
	w.cond = sync.NewCond(&w.mu)
	w.wg.Add(1)
	go w.run()
	return w
}

// Enqueue appends a task. It never blocks on the task itself.
func (w *Worker) Enqueue(t Task) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("%w: flush worker stopped", common.ErrClosed)
	}
	w.queue = append(w.queue, t)
	w.cond.Broadcast()
	return nil
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.closed {
			w.cond.Wait()
		}
		if len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		t := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		w.busy = true
		w.mu.Unlock()

		err := t()

		w.mu.Lock()
		w.busy = false
		if err != nil {
			w.logger.Error("background task failed", zap.Error(err))
			if w.err == nil {
				w.err = err
			}
		}
		w.cond.Broadcast()
		w.mu.Unlock()
	}
}

// Drain blocks until every queued task has run.
func (w *Worker) Drain() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.queue) > 0 || w.busy {
		w.cond.Wait()
	}
}

// Pending returns the number of queued and running tasks.
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.queue)
	if w.busy {
		n++
	}
	return n
}

// Err returns the first error a task returned.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Close runs the remaining tasks and stops the goroutine. It returns the
// first task error, if any.
func (w *Worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.cond.Broadcast()
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Debug("flush worker stopped")
	return w.Err()
}
