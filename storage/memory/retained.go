// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"

	"github.com/absmach/fluxmq-harness/storage"
	"github.com/absmach/fluxmq-harness/topics"
)

var _ storage.RetainedStore = (*RetainedStore)(nil)

// RetainedStore is an in-memory retained message store keyed by topic.
type RetainedStore struct {
	mu   sync.RWMutex
	data map[string]*storage.Message
}

// NewRetainedStore creates a new in-memory retained message store.
func NewRetainedStore() *RetainedStore {
	return &RetainedStore{
		data: make(map[string]*storage.Message),
	}
}

// Set stores or updates a retained message.
// Empty payload deletes the retained message.
func (r *RetainedStore) Set(ctx context.Context, topic string, msg *storage.Message) error {
	if len(msg.Payload) == 0 {
		return r.Delete(ctx, topic)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.data[topic] = msg.Copy()
	return nil
}

// Get retrieves a retained message by exact topic.
func (r *RetainedStore) Get(ctx context.Context, topic string) (*storage.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msg, ok := r.data[topic]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return msg.Copy(), nil
}

// Delete removes a retained message.
func (r *RetainedStore) Delete(ctx context.Context, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.data, topic)
	return nil
}

// Match returns all retained messages matching a filter.
func (r *RetainedStore) Match(ctx context.Context, filter string) ([]*storage.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*storage.Message
	for topic, msg := range r.data {
		if topics.TopicMatch(filter, topic) {
			matched = append(matched, msg.Copy())
		}
	}
	return matched, nil
}

func (r *RetainedStore) reset() {
	r.mu.Lock()
	r.data = make(map[string]*storage.Message)
	r.mu.Unlock()
}
