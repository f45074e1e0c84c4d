// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package harness

import (
	"context"
	"sync"
	"sync/atomic"
)

// Slot holds at most one live instance of a role.
//
// Fill and Drain serialize on a per-slot mutex so check-then-act is atomic;
// Load and Occupied read an atomic pointer and never wait for an in-flight
// start or stop.
type Slot[T any] struct {
	mu  sync.Mutex
	ptr atomic.Pointer[T]
}

// Occupied reports whether a live instance is held.
func (s *Slot[T]) Occupied() bool {
	return s.ptr.Load() != nil
}

// Load returns the live instance, if any.
func (s *Slot[T]) Load() (T, bool) {
	p := s.ptr.Load()
	if p == nil {
		var zero T
		return zero, false
	}
	return *p, true
}

// Fill runs start and stores its result when the slot is empty. It reports
// whether start ran. On error the slot stays empty.
func (s *Slot[T]) Fill(ctx context.Context, start func(context.Context) (T, error)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ptr.Load() != nil {
		return false, nil
	}

	v, err := start(ctx)
	if err != nil {
		return true, err
	}
	s.ptr.Store(&v)
	return true, nil
}

// Drain runs stop on the live instance when the slot is occupied and reports
// whether stop ran. The slot is cleared whatever stop returns.
func (s *Slot[T]) Drain(ctx context.Context, stop func(context.Context, T) error) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.ptr.Load()
	if p == nil {
		return false, nil
	}
	defer s.ptr.Store(nil)

	return true, stop(ctx, *p)
}
