// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport connects the harness to real MQTT: an embedded broker
// for the broker role and paho clients for the publisher and subscriber.
package transport

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"time"

	"github.com/absmach/fluxmq-harness/broker"
	"github.com/absmach/fluxmq-harness/harness"
	"github.com/absmach/fluxmq-harness/ratelimit"
)

var (
	ErrAlreadyStarted       = errors.New("already started")
	ErrSubscriptionRejected = errors.New("subscription rejected by broker")
	ErrUnknownStorage       = errors.New("unknown storage type")
)

// Storage types.
const (
	StorageMemory = "memory"
	StorageBadger = "badger"
)

// StorageOptions selects the broker store.
type StorageOptions struct {
	Type     string
	Dir      string
	InMemory bool
}

// Options configure the broker endpoints created by a Transport.
type Options struct {
	// BindHost is the interface the broker listens on. Empty means all.
	BindHost string
	Storage  StorageOptions
	Broker   broker.Config
	// Users enables CONNECT authentication when non-empty.
	Users     map[string]string
	RateLimit ratelimit.Config
	// TLS, when set, makes the broker listener accept TLS only.
	TLS              *tls.Config
	WebSocketAddress string
	WebSocketPath    string
	MaxConnections   int
	ShutdownTimeout  time.Duration
	Logger           *slog.Logger
}

// Transport implements harness.Transport.
type Transport struct {
	opts   Options
	logger *slog.Logger
}

var _ harness.Transport = (*Transport)(nil)

// New creates a transport.
func New(opts Options) *Transport {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Storage.Type == "" {
		opts.Storage.Type = StorageMemory
	}
	if opts.Broker == (broker.Config{}) {
		opts.Broker = broker.DefaultConfig()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	return &Transport{opts: opts, logger: opts.Logger}
}

// NewBroker returns an unstarted broker endpoint. Port 0 picks a free port.
func (t *Transport) NewBroker(cfg harness.BrokerConfig) (harness.BrokerEndpoint, error) {
	return NewEndpoint(cfg, t.opts), nil
}

// NewClient returns an unconnected paho client.
func (t *Transport) NewClient(cfg harness.ConnectionConfig, h harness.ClientHandlers) (harness.Client, error) {
	return NewClient(cfg, h, t.logger)
}
