package application

import "sync"

// Executor is the execution context caller-facing callbacks are dispatched
// onto. Passing your own lets you redirect callbacks onto an event loop you
// already own; the default is a serial queue owned by the processor.
type Executor interface {
	Dispatch(fn func())
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(fn func())

// Dispatch calls f with fn.
func (f ExecutorFunc) Dispatch(fn func()) { f(fn) }

// SerialExecutor runs dispatched functions one at a time, in FIFO order, on a
// single owned goroutine. The queue is unbounded and Dispatch never blocks, so
// a running callback may safely re-enter Dispatch.
type SerialExecutor struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

// NewSerialExecutor starts the executor goroutine.
func NewSerialExecutor() *SerialExecutor {
	e := &SerialExecutor{done: make(chan struct{})}
	e.cond = sync.NewCond(&e.mu)
	go e.run()
	return e
}

func (e *SerialExecutor) run() {
	defer close(e.done)
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		fn := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		// Run outside the lock so fn may call Dispatch.
		fn()
	}
}

// Dispatch enqueues fn. Functions dispatched after Close are dropped.
func (e *SerialExecutor) Dispatch(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.queue = append(e.queue, fn)
	e.cond.Signal()
}

// Close stops the executor and waits for already-queued functions to finish,
// so no callback runs after Close returns.
func (e *SerialExecutor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.cond.Signal()
	e.mu.Unlock()

	<-e.done
}

var _ Executor = (*SerialExecutor)(nil)
