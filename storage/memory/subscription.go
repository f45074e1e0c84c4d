// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"sync"

	"github.com/absmach/fluxmq-harness/storage"
)

var _ storage.SubscriptionStore = (*SubscriptionStore)(nil)

// SubscriptionStore keeps subscriptions indexed by client ID and filter.
type SubscriptionStore struct {
	mu   sync.RWMutex
	data map[string]map[string]storage.Subscription
}

// NewSubscriptionStore creates a new in-memory subscription store.
func NewSubscriptionStore() *SubscriptionStore {
	return &SubscriptionStore{
		data: make(map[string]map[string]storage.Subscription),
	}
}

// Add adds or updates a subscription.
func (s *SubscriptionStore) Add(sub *storage.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	filters, ok := s.data[sub.ClientID]
	if !ok {
		filters = make(map[string]storage.Subscription)
		s.data[sub.ClientID] = filters
	}
	filters[sub.Filter] = *sub
	return nil
}

// Remove removes a subscription.
func (s *SubscriptionStore) Remove(clientID, filter string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	filters, ok := s.data[clientID]
	if !ok {
		return nil
	}
	delete(filters, filter)
	if len(filters) == 0 {
		delete(s.data, clientID)
	}
	return nil
}

// RemoveAll removes all subscriptions for a client.
func (s *SubscriptionStore) RemoveAll(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, clientID)
	return nil
}

// GetForClient returns all subscriptions for a client.
func (s *SubscriptionStore) GetForClient(clientID string) ([]*storage.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	filters := s.data[clientID]
	subs := make([]*storage.Subscription, 0, len(filters))
	for _, sub := range filters {
		cp := sub
		subs = append(subs, &cp)
	}
	return subs, nil
}

// Count returns total subscription count.
func (s *SubscriptionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, filters := range s.data {
		n += len(filters)
	}
	return n
}

func (s *SubscriptionStore) reset() {
	s.mu.Lock()
	s.data = make(map[string]map[string]storage.Subscription)
	s.mu.Unlock()
}
