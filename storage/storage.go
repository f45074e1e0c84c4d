// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store closed")
)

// Store is the composite storage interface the embedded broker persists to.
type Store interface {
	// Sessions returns the session store.
	Sessions() SessionStore

	// Subscriptions returns the subscription store.
	Subscriptions() SubscriptionStore

	// Retained returns the retained message store.
	Retained() RetainedStore

	// Clear removes all persisted state.
	Clear(ctx context.Context) error

	// Close closes all storage backends.
	Close() error
}

// Message represents a stored MQTT message.
type Message struct {
	PublishTime time.Time `json:"publish_time"`
	Topic       string    `json:"topic"`
	Payload     []byte    `json:"payload"`
	QoS         byte      `json:"qos"`
	Retain      bool      `json:"retain"`
}

// Copy returns a deep copy of the message.
func (m *Message) Copy() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	if m.Payload != nil {
		cp.Payload = append([]byte(nil), m.Payload...)
	}
	return &cp
}

// Session represents persisted session state.
type Session struct {
	ConnectedAt    time.Time `json:"connected_at"`
	DisconnectedAt time.Time `json:"disconnected_at"`
	ClientID       string    `json:"client_id"`
	Version        byte      `json:"version"` // MQTT protocol level (3 or 4)
	CleanSession   bool      `json:"clean_session"`
	Connected      bool      `json:"connected"`
}

// Subscription represents a stored subscription.
type Subscription struct {
	ClientID string `json:"client_id"`
	Filter   string `json:"filter"`
	QoS      byte   `json:"qos"`
}

// SessionStore handles session persistence.
type SessionStore interface {
	// Get retrieves a session by client ID.
	Get(clientID string) (*Session, error)

	// Save persists a session.
	Save(session *Session) error

	// Delete removes a session.
	Delete(clientID string) error

	// List returns all sessions.
	List() ([]*Session, error)
}

// SubscriptionStore handles subscription persistence.
type SubscriptionStore interface {
	// Add adds or updates a subscription.
	Add(sub *Subscription) error

	// Remove removes a subscription.
	Remove(clientID, filter string) error

	// RemoveAll removes all subscriptions for a client.
	RemoveAll(clientID string) error

	// GetForClient returns all subscriptions for a client.
	GetForClient(clientID string) ([]*Subscription, error)

	// Count returns total subscription count.
	Count() int
}

// RetainedStore handles retained message persistence.
type RetainedStore interface {
	// Set stores or updates a retained message.
	// Empty payload deletes the retained message.
	Set(ctx context.Context, topic string, msg *Message) error

	// Get retrieves a retained message by exact topic.
	Get(ctx context.Context, topic string) (*Message, error)

	// Delete removes a retained message.
	Delete(ctx context.Context, topic string) error

	// Match returns all retained messages matching a filter (supports wildcards).
	Match(ctx context.Context, filter string) ([]*Message, error)
}
