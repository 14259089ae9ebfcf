// Package executor provides the task executors that purge and process run on.
package executor

import (
	"context"
	"errors"
	"runtime"
	"sync"
)

// ErrShutdown is returned when submitting to an executor that has been shut down
var ErrShutdown = errors.New("executor is shut down")

// Task is a unit of work. ctx is cancelled when the executor shuts down;
// long tasks should check it between steps and return early.
type Task func(ctx context.Context)

// Executor runs submitted tasks, possibly concurrently
type Executor interface {
	Submit(task Task) error
}

// Pool is an Executor backed by a fixed number of worker goroutines.
type Pool struct {
	tasks  chan Task
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool starts a pool of workers; workers <= 0 means GOMAXPROCS
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		tasks:  make(chan Task, workers*4),
		ctx:    ctx,
		cancel: cancel,
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		task(p.ctx)
	}
}

// Submit queues task, blocking while the queue is full. It fails with
// ErrShutdown once Shutdown has been called.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrShutdown
	}

	select {
	case p.tasks <- task:
		return nil
	case <-p.ctx.Done():
		return ErrShutdown
	}
}

// Shutdown cancels the context of running and queued tasks, stops accepting
// new ones and waits for the workers to drain the queue.
func (p *Pool) Shutdown() {
	p.cancel()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
}

// Close stops accepting tasks and waits for queued ones to finish without
// cancelling them.
func (p *Pool) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
}

// Inline runs each task synchronously on the submitting goroutine.
type Inline struct{}

// Submit implements Executor
func (Inline) Submit(task Task) error {
	task(context.Background())
	return nil
}

// Go runs each task on its own goroutine.
type Go struct{}

// Submit implements Executor
func (Go) Submit(task Task) error {
	go task(context.Background())
	return nil
}
