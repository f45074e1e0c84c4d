// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package harness

import (
	"context"
	"log/slog"
	"time"
)

// Relay turns inbound transport callbacks into sink notifications.
// Its handlers run on transport goroutines and only post to the sink.
type Relay struct {
	sink    Sink
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

// NewRelay creates a relay forwarding to sink, which should already be bound
// to its execution context.
func NewRelay(sink Sink, logger *slog.Logger, metrics *Metrics) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{sink: sink, logger: logger, metrics: metrics, now: time.Now}
}

// Handlers returns the client callbacks for role.
func (r *Relay) Handlers(role Role) ClientHandlers {
	return ClientHandlers{
		OnMessage: func(topic string, payload []byte, qos QoS, retained bool) {
			r.relay(role, topic, payload, qos, retained)
		},
		OnConnect: func() {
			r.logger.Info("client connected", slog.String("role", role.String()))
			r.sink.OnConnection(ConnectionEvent{Time: r.now(), Role: role, Connected: true})
		},
		OnDisconnect: func(err error) {
			attrs := []any{slog.String("role", role.String())}
			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
			}
			r.logger.Info("client disconnected", attrs...)
			r.sink.OnConnection(ConnectionEvent{Time: r.now(), Role: role, Connected: false, Err: err})
		},
	}
}

func (r *Relay) relay(role Role, topic string, payload []byte, qos QoS, retained bool) {
	rec := InboundMessageRecord{
		Timestamp: r.now(),
		Topic:     topic,
		Payload:   string(payload),
		QoS:       qos,
		Retained:  retained,
		Source:    role,
	}
	r.metrics.messageRelayed(context.Background(), role)
	r.sink.OnMessage(rec)
}
