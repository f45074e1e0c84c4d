// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package webhook forwards harness notifications to HTTP endpoints.
package webhook

import (
	"context"
	"time"

	"github.com/absmach/fluxmq-harness/harness"
	"github.com/google/uuid"
)

// Sender is the protocol-specific sender interface.
type Sender interface {
	// Send sends a webhook payload to the specified URL.
	Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error
}

// Event types.
const (
	EventMessageReceived    = "message.received"
	EventStatusChanged      = "status.changed"
	EventError              = "error"
	EventClientConnected    = "client.connected"
	EventClientDisconnected = "client.disconnected"
)

// Event is the envelope posted to every endpoint.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`

	topic string
}

// Topic returns the message topic for message events.
func (e Event) Topic() string {
	return e.topic
}

// MessageData is the data of a message.received event.
type MessageData struct {
	Role     harness.Role `json:"role"`
	Topic    string       `json:"topic"`
	QoS      harness.QoS  `json:"qos"`
	Retained bool         `json:"retained"`
	Size     int          `json:"size"`
	Payload  string       `json:"payload,omitempty"`
}

// ConnectionData is the data of client connection events.
type ConnectionData struct {
	Role  harness.Role `json:"role"`
	Error string       `json:"error,omitempty"`
}

// ErrorData is the data of an error event.
type ErrorData struct {
	Message string `json:"message"`
}

func newEvent(source, typ string, at time.Time, data any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Source:    source,
		Timestamp: at.UTC(),
		Data:      data,
	}
}
