// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package harness

import (
	"context"
	"errors"
	"sync"
)

var (
	errBind    = errors.New("address already in use")
	errRefused = errors.New("connection refused")
)

type inlineExecutor struct{}

func (inlineExecutor) Post(task func()) error {
	task()
	return nil
}

type recordingSink struct {
	mu       sync.Mutex
	messages []InboundMessageRecord
	statuses []StatusSnapshot
	errors   []string
	events   []ConnectionEvent
}

func (s *recordingSink) OnMessage(rec InboundMessageRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, rec)
}

func (s *recordingSink) OnStatus(snap StatusSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, snap)
}

func (s *recordingSink) OnError(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, message)
}

func (s *recordingSink) OnConnection(ev ConnectionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) Messages() []InboundMessageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]InboundMessageRecord(nil), s.messages...)
}

func (s *recordingSink) Statuses() []StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StatusSnapshot(nil), s.statuses...)
}

func (s *recordingSink) Errors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.errors...)
}

func (s *recordingSink) Events() []ConnectionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ConnectionEvent(nil), s.events...)
}

// fakeTransport routes publishes to started clients whose filter equals the topic.
type fakeTransport struct {
	mu             sync.Mutex
	brokerStartErr error
	brokerStopErr  error
	clientStartErr error
	clientStopErr  error
	brokers        []*fakeBroker
	clients        []*fakeClient
}

func (t *fakeTransport) NewBroker(cfg BrokerConfig) (BrokerEndpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := &fakeBroker{cfg: cfg, startErr: t.brokerStartErr, stopErr: t.brokerStopErr}
	t.brokers = append(t.brokers, b)
	return b, nil
}

func (t *fakeTransport) NewClient(cfg ConnectionConfig, h ClientHandlers) (Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := &fakeClient{
		transport: t,
		cfg:       cfg,
		handlers:  h,
		startErr:  t.clientStartErr,
		stopErr:   t.clientStopErr,
	}
	t.clients = append(t.clients, c)
	return c, nil
}

func (t *fakeTransport) Brokers() []*fakeBroker {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*fakeBroker(nil), t.brokers...)
}

func (t *fakeTransport) Clients() []*fakeClient {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*fakeClient(nil), t.clients...)
}

func (t *fakeTransport) deliver(msg Message) {
	for _, c := range t.Clients() {
		c.mu.Lock()
		live := c.running
		filters := c.filters
		c.mu.Unlock()
		if !live {
			continue
		}
		for _, f := range filters {
			if f.Topic == msg.Topic {
				qos := msg.QoS
				if f.QoS < qos {
					qos = f.QoS
				}
				c.handlers.OnMessage(msg.Topic, msg.Payload, qos, false)
				break
			}
		}
	}
}

type fakeBroker struct {
	mu       sync.Mutex
	cfg      BrokerConfig
	startErr error
	stopErr  error
	starts   int
	stops    int
}

func (b *fakeBroker) Start(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.starts++
	return b.startErr
}

func (b *fakeBroker) Stop(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stops++
	return b.stopErr
}

func (b *fakeBroker) Stops() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stops
}

type fakeClient struct {
	transport *fakeTransport
	cfg       ConnectionConfig
	handlers  ClientHandlers
	startErr  error
	stopErr   error

	mu             sync.Mutex
	filters        []TopicFilter
	filtersAtStart int
	running        bool
	stops          int
	published      []Message
}

func (c *fakeClient) Subscribe(filters ...TopicFilter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters = append(c.filters, filters...)
}

func (c *fakeClient) Start(context.Context) error {
	c.mu.Lock()
	c.filtersAtStart = len(c.filters)
	if c.startErr != nil {
		c.mu.Unlock()
		return c.startErr
	}
	c.running = true
	c.mu.Unlock()

	c.handlers.OnConnect()
	return nil
}

func (c *fakeClient) Stop(context.Context) error {
	c.mu.Lock()
	c.running = false
	c.stops++
	c.mu.Unlock()

	c.handlers.OnDisconnect(nil)
	return c.stopErr
}

func (c *fakeClient) Publish(_ context.Context, msg Message) error {
	c.mu.Lock()
	c.published = append(c.published, msg)
	c.mu.Unlock()

	c.transport.deliver(msg)
	return nil
}

func (c *fakeClient) Published() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.published...)
}
