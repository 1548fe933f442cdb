// Package taskpool implements a fixed-size worker pool for blocking or
// heavy work. pkg/client uses it to run offline-queue drains off the
// goroutine that watches connection state.
package taskpool

import (
	"context"
	"sync"

	"github.com/merklekv/mobile/pkg/log"
)

// Task is a unit of work submitted to the pool.
type Task func(ctx context.Context) (interface{}, error)

// Future is the handle returned by Submit. Callers await the result
// with Wait or race it against their own deadline via Done.
type Future struct {
	done   chan struct{}
	result interface{}
	err    error
	cancel context.CancelFunc
}

// Done returns a channel closed when the task completes or is
// cancelled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the task completes and returns its result.
func (f *Future) Wait() (interface{}, error) {
	<-f.done
	return f.result, f.err
}

// Cancel requests cancellation of the task's context. A task that
// ignores ctx runs to completion regardless.
func (f *Future) Cancel() {
	f.cancel()
}

// Pool is a fixed-size goroutine pool. Submitted tasks queue on an
// internal channel and run on whichever worker goroutine is free.
type Pool struct {
	tasks  chan func()
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New starts a Pool with size worker goroutines and the given task queue
// depth.
func New(size, queueDepth int) *Pool {
	p := &Pool{
		tasks:  make(chan func(), queueDepth),
		stopCh: make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case fn := <-p.tasks:
			fn()
		case <-p.stopCh:
			return
		}
	}
}

// Submit queues task for execution and returns a Future for its result.
// If ctx is cancelled before the task runs, the task still executes
// with the already-cancelled context and observes it immediately.
func (p *Pool) Submit(ctx context.Context, task Task) *Future {
	taskCtx, cancel := context.WithCancel(ctx)
	f := &Future{done: make(chan struct{}), cancel: cancel}

	fn := func() {
		defer close(f.done)
		result, err := task(taskCtx)
		f.result = result
		f.err = err
	}

	select {
	case p.tasks <- fn:
	case <-p.stopCh:
		cancel()
		f.err = context.Canceled
		close(f.done)
	}
	return f
}

// Stop halts the pool, preventing queued tasks that have not started
// from ever running. In-flight tasks run to completion.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	log.Logger.Debug().Msg("taskpool: stopped")
}
