// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package harness

import "context"

// BrokerEndpoint is a startable broker instance.
type BrokerEndpoint interface {
	Start(ctx context.Context) error
	// Stop must be safe to call on an endpoint whose Start failed.
	Stop(ctx context.Context) error
}

// Client is a single MQTT client connection.
type Client interface {
	// Subscribe registers filters that are subscribed as part of every
	// (re)connect. It must be called before Start.
	Subscribe(filters ...TopicFilter)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Publish(ctx context.Context, msg Message) error
}

// ClientHandlers are invoked from transport goroutines.
type ClientHandlers struct {
	OnMessage    func(topic string, payload []byte, qos QoS, retained bool)
	OnConnect    func()
	OnDisconnect func(err error)
}

// Transport creates broker endpoints and clients.
type Transport interface {
	NewBroker(cfg BrokerConfig) (BrokerEndpoint, error)
	NewClient(cfg ConnectionConfig, handlers ClientHandlers) (Client, error)
}
