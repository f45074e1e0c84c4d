// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package harness

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrExecutorClosed is returned by Post after the executor stopped.
var ErrExecutorClosed = errors.New("executor closed")

// ErrQueueFull is returned by Post when a task was dropped.
var ErrQueueFull = errors.New("executor queue full")

// Executor runs tasks on an execution context owned by a collaborator.
// Post must not block.
type Executor interface {
	Post(task func()) error
}

// Dispatcher is an Executor backed by a single goroutine draining a bounded queue.
// Tasks run one at a time, in posting order.
type Dispatcher struct {
	tasks   chan func()
	logger  *slog.Logger
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewDispatcher creates a dispatcher with room for size queued tasks.
func NewDispatcher(size int, logger *slog.Logger) *Dispatcher {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		tasks:  make(chan func(), size),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Post queues task without blocking. A full queue drops the task.
func (d *Dispatcher) Post(task func()) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrExecutorClosed
	}

	select {
	case d.tasks <- task:
		return nil
	default:
		if d.dropped.Add(1)%100 == 1 {
			d.logger.Warn("dispatcher queue full, dropping task",
				slog.Uint64("dropped", d.dropped.Load()))
		}
		return ErrQueueFull
	}
}

// Dropped returns the number of tasks dropped because the queue was full.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Run executes queued tasks until ctx is cancelled or Close is called,
// then drains what is already queued.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)

	for {
		select {
		case task, ok := <-d.tasks:
			if !ok {
				return
			}
			d.run(task)
		case <-ctx.Done():
			d.Close()
			for task := range d.tasks {
				d.run(task)
			}
			return
		}
	}
}

// Close stops accepting tasks. Queued tasks still run.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.closed = true
	close(d.tasks)
}

// Done is closed once Run returns.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatched task panicked", slog.Any("panic", r))
		}
	}()
	task()
}
