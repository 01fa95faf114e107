package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// WorkerPool runs a fixed number of workers over a shared task queue.
// A task that panics is reported through onPanic and does not take its
// worker down.
type WorkerPool[T any] struct {
	workers int
	tasks   chan T
	handle  func(context.Context, T)
	onPanic func(task T, err error)

	running atomic.Int32
	wg      sync.WaitGroup
}

func NewWorkerPool[T any](workers int, handle func(context.Context, T), onPanic func(T, error)) *WorkerPool[T] {
	if workers <= 0 {
		workers = 1
	}
	return &WorkerPool[T]{
		workers: workers,
		tasks:   make(chan T, workers*2),
		handle:  handle,
		onPanic: onPanic,
	}
}

func (wp *WorkerPool[T]) Start(ctx context.Context) {
	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx)
	}
}

// Submit blocks until the task is queued or ctx ends.
func (wp *WorkerPool[T]) Submit(ctx context.Context, task T) bool {
	select {
	case wp.tasks <- task:
		return true
	case <-ctx.Done():
		return false
	}
}

// Stop must only be called once no more Submit calls can happen.
func (wp *WorkerPool[T]) Stop() {
	close(wp.tasks)
	wp.wg.Wait()
}

func (wp *WorkerPool[T]) Workers() int { return wp.workers }

// Running is the number of tasks currently being handled.
func (wp *WorkerPool[T]) Running() int { return int(wp.running.Load()) }

// Pending is the number of tasks handed over but not yet picked up.
func (wp *WorkerPool[T]) Pending() int { return len(wp.tasks) }

func (wp *WorkerPool[T]) worker(ctx context.Context) {
	defer wp.wg.Done()

	for {
		select {
		case task, ok := <-wp.tasks:
			if !ok {
				return
			}
			wp.run(ctx, task)

		case <-ctx.Done():
			return
		}
	}
}

func (wp *WorkerPool[T]) run(ctx context.Context, task T) {
	wp.running.Add(1)
	defer wp.running.Add(-1)
	defer func() {
		if r := recover(); r != nil && wp.onPanic != nil {
			wp.onPanic(task, fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
		}
	}()
	wp.handle(ctx, task)
}
