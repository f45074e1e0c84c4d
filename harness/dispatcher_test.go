// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package harness

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherRunsInOrder(t *testing.T) {
	d := NewDispatcher(16, nil)
	go d.Run(context.Background())

	var mu sync.Mutex
	var got []int
	for i := 0; i < 10; i++ {
		require.NoError(t, d.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	d.Close()
	<-d.Done()

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	d := NewDispatcher(1, nil)

	require.NoError(t, d.Post(func() {}))
	assert.ErrorIs(t, d.Post(func() {}), ErrQueueFull)
	assert.Equal(t, uint64(1), d.Dropped())
}

func TestDispatcherPostAfterClose(t *testing.T) {
	d := NewDispatcher(4, nil)
	d.Close()
	d.Close()

	assert.ErrorIs(t, d.Post(func() {}), ErrExecutorClosed)
}

func TestDispatcherDrainsOnCancel(t *testing.T) {
	d := NewDispatcher(8, nil)
	ran := make(chan struct{}, 8)
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Post(func() { ran <- struct{}{} }))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Run(ctx)

	assert.Len(t, ran, 3)
	assert.ErrorIs(t, d.Post(func() {}), ErrExecutorClosed)
}

func TestDispatcherSurvivesPanic(t *testing.T) {
	d := NewDispatcher(4, nil)
	go d.Run(context.Background())

	done := make(chan struct{})
	require.NoError(t, d.Post(func() { panic("sink failure") }))
	require.NoError(t, d.Post(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task after panic did not run")
	}
	d.Close()
}

func TestOnExecutorDoesNotRunOnCaller(t *testing.T) {
	d := NewDispatcher(4, nil)
	sink := &recordingSink{}
	s := OnExecutor(d, sink)

	s.OnError("late")
	assert.Empty(t, sink.Errors(), "sink ran before the dispatcher did")

	go d.Run(context.Background())
	d.Close()
	<-d.Done()
	assert.Equal(t, []string{"late"}, sink.Errors())
}
