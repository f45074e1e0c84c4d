// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/absmach/fluxmq-harness/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.SubscriptionStore = (*SubscriptionStore)(nil)

// SubscriptionStore implements storage.SubscriptionStore using BadgerDB.
//
// Key format: sub:{clientID}:{filter}.
type SubscriptionStore struct {
	db    *badger.DB
	count atomic.Int64
}

// NewSubscriptionStore creates a new BadgerDB subscription store.
func NewSubscriptionStore(db *badger.DB) *SubscriptionStore {
	s := &SubscriptionStore{db: db}
	s.refreshCount()
	return s
}

func subscriptionKey(clientID, filter string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", subscriptionPrefix, clientID, filter))
}

func clientPrefix(clientID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", subscriptionPrefix, clientID))
}

// Add adds or updates a subscription.
func (s *SubscriptionStore) Add(sub *storage.Subscription) error {
	key := subscriptionKey(sub.ClientID, sub.Filter)
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	var isNew bool
	err = s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		isNew = errors.Is(err, badger.ErrKeyNotFound)
		return txn.Set(key, data)
	})
	if err == nil && isNew {
		s.count.Add(1)
	}
	return err
}

// Remove removes a subscription.
func (s *SubscriptionStore) Remove(clientID, filter string) error {
	key := subscriptionKey(clientID, filter)

	var removed bool
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		removed = true
		return txn.Delete(key)
	})
	if err == nil && removed {
		s.count.Add(-1)
	}
	return err
}

// RemoveAll removes all subscriptions for a client.
func (s *SubscriptionStore) RemoveAll(clientID string) error {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = clientPrefix(clientID)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		s.count.Add(-int64(len(keys)))
	}
	return err
}

// GetForClient returns all subscriptions for a client.
func (s *SubscriptionStore) GetForClient(clientID string) ([]*storage.Subscription, error) {
	var subs []*storage.Subscription

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = clientPrefix(clientID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var sub storage.Subscription
				if err := json.Unmarshal(val, &sub); err != nil {
					return err
				}
				subs = append(subs, &sub)
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal subscription: %w", err)
			}
		}
		return nil
	})

	return subs, err
}

// Count returns total subscription count.
func (s *SubscriptionStore) Count() int {
	return int(s.count.Load())
}

// refreshCount recalculates the subscription count by scanning the database.
func (s *SubscriptionStore) refreshCount() {
	var count int64

	_ = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(subscriptionPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})

	s.count.Store(count)
}
