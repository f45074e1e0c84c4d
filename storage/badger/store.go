// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxmq-harness/storage"
	"github.com/dgraph-io/badger/v4"
	jsoniter "github.com/json-iterator/go"
)

var (
	_ storage.Store = (*Store)(nil)

	json = jsoniter.ConfigCompatibleWithStandardLibrary
)

const (
	sessionPrefix      = "session:"
	subscriptionPrefix = "sub:"
	retainedPrefix     = "retained:"

	defaultGCInterval = 5 * time.Minute
)

// Store is the composite BadgerDB store implementing all storage interfaces.
type Store struct {
	db     *badger.DB
	logger *slog.Logger

	sessions      *SessionStore
	subscriptions *SubscriptionStore
	retained      *RetainedStore

	gcInterval time.Duration
	gcStopCh   chan struct{}
	gcDone     chan struct{}
	closed     bool
	mu         sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir        string // Directory for BadgerDB data
	InMemory   bool   // Keep data in memory only; Dir is ignored
	GCInterval time.Duration
	Logger     *slog.Logger
}

// New creates a new BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %q: %w", cfg.Dir, err)
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = defaultGCInterval
	}

	s := &Store{
		db:            db,
		logger:        cfg.Logger,
		sessions:      NewSessionStore(db),
		subscriptions: NewSubscriptionStore(db),
		retained:      NewRetainedStore(db),
		gcInterval:    cfg.GCInterval,
		gcStopCh:      make(chan struct{}),
		gcDone:        make(chan struct{}),
	}

	go s.runGC()

	return s, nil
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

// Clear drops all keys from the database.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	if err := s.db.DropAll(); err != nil {
		return fmt.Errorf("failed to clear badger store: %w", err)
	}
	s.subscriptions.count.Store(0)
	return nil
}

// Close gracefully closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(s.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// ErrNoRewrite just means nothing was worth collecting.
			if err := s.db.RunValueLogGC(0.5); err != nil && err != badger.ErrNoRewrite {
				s.logger.Debug("badger value log gc", slog.String("error", err.Error()))
			}
		case <-s.gcStopCh:
			return
		}
	}
}
