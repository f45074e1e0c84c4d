// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package harness

import (
	"context"
	"time"
)

// DefaultPollInterval is how often the status poller reports.
const DefaultPollInterval = time.Second

// Poller periodically reports role occupancy to a sink.
type Poller struct {
	interval time.Duration
	status   func() StatusSnapshot
	sink     Sink
}

// NewPoller creates a poller reading status every interval.
func NewPoller(status func() StatusSnapshot, sink Sink, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{interval: interval, status: status, sink: sink}
}

// Run emits one snapshot immediately and then one per tick until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.sink.OnStatus(p.status())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sink.OnStatus(p.status())
		}
	}
}
