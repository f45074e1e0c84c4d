// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package harness

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestPollerEmitsImmediatelyAndOnTick(t *testing.T) {
	sink := &recordingSink{}
	var calls atomic.Int32
	status := func() StatusSnapshot {
		n := calls.Add(1)
		return StatusSnapshot{BrokerRunning: n%2 == 0}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewPoller(status, sink, 5*time.Millisecond).Run(ctx)
		close(done)
	}()

	deadline := time.After(time.Second)
	for len(sink.Statuses()) < 3 {
		select {
		case <-deadline:
			t.Fatalf("got %d snapshots, want at least 3", len(sink.Statuses()))
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	<-done

	got := sink.Statuses()
	if got[0].BrokerRunning || !got[1].BrokerRunning {
		t.Fatalf("snapshots not taken per tick: %+v", got[:2])
	}
}

func TestPollerDefaultInterval(t *testing.T) {
	p := NewPoller(func() StatusSnapshot { return StatusSnapshot{} }, NopSink{}, 0)
	if p.interval != DefaultPollInterval {
		t.Fatalf("interval = %v, want %v", p.interval, DefaultPollInterval)
	}
}
