// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/absmach/fluxmq-harness/harness"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanSink struct {
	harness.NopSink
	messages chan harness.InboundMessageRecord
	errors   chan string
}

func newChanSink() *chanSink {
	return &chanSink{
		messages: make(chan harness.InboundMessageRecord, 16),
		errors:   make(chan string, 16),
	}
}

func (s *chanSink) OnMessage(rec harness.InboundMessageRecord) { s.messages <- rec }
func (s *chanSink) OnError(msg string)                         { s.errors <- msg }

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return p
}

func newCoordinator(t *testing.T, sink harness.Sink) *harness.Coordinator {
	t.Helper()

	c := harness.NewCoordinator(New(Options{BindHost: "127.0.0.1"}), sink)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c
}

func TestCoordinatorEndToEnd(t *testing.T) {
	sink := newChanSink()
	c := newCoordinator(t, sink)
	ctx := context.Background()
	p := freePort(t)

	require.NoError(t, c.StartBroker(ctx, p))
	require.NoError(t, c.StartSubscriber(ctx, "127.0.0.1", p, "topic/x"))
	require.NoError(t, c.StartPublisher(ctx, "127.0.0.1", p))

	snap := c.Status()
	assert.True(t, snap.BrokerRunning)
	assert.True(t, snap.PublisherRunning)
	assert.True(t, snap.SubscriberRunning)

	require.NoError(t, c.Publish(ctx, "topic/x", "hello"))

	select {
	case rec := <-sink.messages:
		assert.Equal(t, "topic/x", rec.Topic)
		assert.Equal(t, "hello", rec.Payload)
		assert.Equal(t, harness.RoleSubscriber, rec.Source)
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not receive the message")
	}

	select {
	case rec := <-sink.messages:
		t.Fatalf("duplicate delivery: %s", rec)
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, c.Shutdown(ctx))
	assert.False(t, c.Status().BrokerRunning)
}

func TestCoordinatorBrokerPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	sink := newChanSink()
	c := newCoordinator(t, sink)
	ctx := context.Background()

	err = c.StartBroker(ctx, ln.Addr().(*net.TCPAddr).Port)
	var startErr *harness.StartError
	require.ErrorAs(t, err, &startErr)
	assert.False(t, c.Status().BrokerRunning)

	select {
	case msg := <-sink.errors:
		assert.Contains(t, msg, "failed to start broker")
	case <-time.After(time.Second):
		t.Fatal("no error reported to the sink")
	}

	require.NoError(t, c.StartBroker(ctx, freePort(t)))
	assert.True(t, c.Status().BrokerRunning)
}

func TestCoordinatorPublisherWithoutBroker(t *testing.T) {
	sink := newChanSink()
	c := newCoordinator(t, sink)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.StartPublisher(ctx, "127.0.0.1", freePort(t))
	require.Error(t, err)
	assert.False(t, c.Status().PublisherRunning)
	assert.NoError(t, c.Publish(ctx, "t", "dropped"))
}
