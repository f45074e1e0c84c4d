// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package shell

import (
	"fmt"
	"io"
	"sync"

	"github.com/absmach/fluxmq-harness/harness"
)

// Console prints harness notifications as text lines. Status snapshots are
// printed only when a role changes state.
type Console struct {
	mu   sync.Mutex
	out  io.Writer
	last *harness.StatusSnapshot
}

var _ harness.Sink = (*Console)(nil)

// NewConsole returns a console sink writing to out.
func NewConsole(out io.Writer) *Console {
	return &Console{out: out}
}

// FormatStatus renders a snapshot as one line.
func FormatStatus(s harness.StatusSnapshot) string {
	return fmt.Sprintf("broker: %s | publisher: %s | subscriber: %s",
		state(s.BrokerRunning), state(s.PublisherRunning), state(s.SubscriberRunning))
}

func state(running bool) string {
	if running {
		return "running"
	}
	return "stopped"
}

func (c *Console) OnMessage(rec harness.InboundMessageRecord) {
	c.println(rec.String())
}

func (c *Console) OnStatus(snap harness.StatusSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.last != nil &&
		c.last.BrokerRunning == snap.BrokerRunning &&
		c.last.PublisherRunning == snap.PublisherRunning &&
		c.last.SubscriberRunning == snap.SubscriberRunning {
		return
	}
	c.last = &snap
	fmt.Fprintln(c.out, FormatStatus(snap))
}

func (c *Console) OnError(message string) {
	c.println("error: " + message)
}

func (c *Console) OnConnection(ev harness.ConnectionEvent) {
	switch {
	case ev.Connected:
		c.println(ev.Role.String() + " connected")
	case ev.Err != nil:
		c.println(fmt.Sprintf("%s disconnected: %v", ev.Role, ev.Err))
	default:
		c.println(ev.Role.String() + " disconnected")
	}
}

func (c *Console) println(line string) {
	c.mu.Lock()
	fmt.Fprintln(c.out, line)
	c.mu.Unlock()
}
