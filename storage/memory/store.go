// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"

	"github.com/absmach/fluxmq-harness/storage"
)

var _ storage.Store = (*Store)(nil)

// Store is the composite in-memory store.
type Store struct {
	sessions      *SessionStore
	subscriptions *SubscriptionStore
	retained      *RetainedStore
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		sessions:      NewSessionStore(),
		subscriptions: NewSubscriptionStore(),
		retained:      NewRetainedStore(),
	}
}

// Sessions returns the session store.
func (s *Store) Sessions() storage.SessionStore {
	return s.sessions
}

// Subscriptions returns the subscription store.
func (s *Store) Subscriptions() storage.SubscriptionStore {
	return s.subscriptions
}

// Retained returns the retained message store.
func (s *Store) Retained() storage.RetainedStore {
	return s.retained
}

// Clear drops every session, subscription and retained message.
func (s *Store) Clear(ctx context.Context) error {
	s.sessions.reset()
	s.subscriptions.reset()
	s.retained.reset()
	return nil
}

// Close closes all stores (no-op for memory).
func (s *Store) Close() error {
	return nil
}
