// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/absmach/fluxmq-harness/broker"
	"github.com/absmach/fluxmq-harness/harness"
	"github.com/absmach/fluxmq-harness/ratelimit"
	"github.com/absmach/fluxmq-harness/server/tcp"
	"github.com/absmach/fluxmq-harness/server/websocket"
	"github.com/absmach/fluxmq-harness/storage"
	"github.com/absmach/fluxmq-harness/storage/badger"
	"github.com/absmach/fluxmq-harness/storage/memory"
)

// Endpoint is an embedded broker with its listeners and store.
type Endpoint struct {
	cfg    harness.BrokerConfig
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	store   storage.Store
	limiter *ratelimit.Manager
	broker  *broker.Broker
	tcp     *tcp.Server
	ws      *websocket.Server
	cancel  context.CancelFunc
	done    []chan error
}

var _ harness.BrokerEndpoint = (*Endpoint)(nil)

// NewEndpoint creates an unstarted endpoint.
func NewEndpoint(cfg harness.BrokerConfig, opts Options) *Endpoint {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Endpoint{cfg: cfg, opts: opts, logger: opts.Logger}
}

// Start opens the store and binds the listeners. Bind errors are returned
// before anything is served.
func (e *Endpoint) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.broker != nil {
		return ErrAlreadyStarted
	}

	store, err := openStore(e.opts.Storage, e.logger)
	if err != nil {
		return err
	}
	if e.cfg.ClearStorageOnStart {
		if err := store.Clear(ctx); err != nil {
			store.Close()
			return fmt.Errorf("failed to clear broker storage: %w", err)
		}
	}

	limiter := ratelimit.NewManager(e.opts.RateLimit)

	bcfg := e.opts.Broker
	bcfg.PersistentSessions = e.cfg.PersistentSessions
	bopts := []broker.Option{
		broker.WithLogger(e.logger),
		broker.WithRateLimiter(limiter),
	}
	if len(e.opts.Users) > 0 {
		bopts = append(bopts, broker.WithAuthenticator(broker.StaticAuthenticator(e.opts.Users)))
	}
	b := broker.New(bcfg, store, bopts...)

	addr := net.JoinHostPort(e.opts.BindHost, strconv.Itoa(e.cfg.Port))
	srv := tcp.New(tcp.Config{
		Address:         addr,
		TLSConfig:       e.opts.TLS,
		Logger:          e.logger,
		RateLimiter:     limiter,
		ShutdownTimeout: e.opts.ShutdownTimeout,
		MaxConnections:  e.opts.MaxConnections,
	}, b)

	fail := func(err error) error {
		b.Close()
		limiter.Stop()
		store.Close()
		return err
	}

	if err := srv.Bind(); err != nil {
		return fail(err)
	}

	var ws *websocket.Server
	if e.opts.WebSocketAddress != "" {
		ws = websocket.New(websocket.Config{
			Address:         e.opts.WebSocketAddress,
			Path:            e.opts.WebSocketPath,
			ShutdownTimeout: e.opts.ShutdownTimeout,
			Logger:          e.logger,
		}, b)
		if err := ws.Bind(); err != nil {
			// Serve closes the bound TCP listener on a cancelled context.
			cctx, cancel := context.WithCancel(context.Background())
			cancel()
			_ = srv.Serve(cctx)
			return fail(err)
		}
	}

	serveCtx, cancel := context.WithCancel(context.Background())
	e.done = e.done[:0]
	e.done = append(e.done, serve(serveCtx, srv.Serve))
	if ws != nil {
		e.done = append(e.done, serve(serveCtx, ws.Serve))
	}

	e.store = store
	e.limiter = limiter
	e.broker = b
	e.tcp = srv
	e.ws = ws
	e.cancel = cancel

	e.logger.Info("broker started",
		slog.String("address", srv.Addr().String()),
		slog.Bool("persistent_sessions", bcfg.PersistentSessions),
		slog.String("storage", e.opts.Storage.Type))
	return nil
}

// Stop disconnects every client, closes the listeners and the store.
// It is safe to call more than once and on an endpoint that never started.
func (e *Endpoint) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.broker == nil {
		return nil
	}

	var errs []error
	if err := e.broker.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close broker: %w", err))
	}
	e.cancel()
	for _, done := range e.done {
		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, err)
			}
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}
	e.limiter.Stop()
	if err := e.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}

	e.logger.Info("broker stopped", slog.Int("port", e.cfg.Port))

	e.store, e.limiter, e.broker, e.tcp, e.ws, e.cancel, e.done = nil, nil, nil, nil, nil, nil, nil
	return errors.Join(errs...)
}

// Addr returns the MQTT listener address, or nil when stopped.
func (e *Endpoint) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tcp == nil {
		return nil
	}
	return e.tcp.Addr()
}

// WebSocketAddr returns the MQTT over WebSocket listener address, if enabled.
func (e *Endpoint) WebSocketAddr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ws == nil {
		return nil
	}
	return e.ws.Addr()
}

// Stats returns broker counters. The zero value is returned when stopped.
func (e *Endpoint) Stats() broker.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.broker == nil {
		return broker.Snapshot{}
	}
	return e.broker.Stats().Snapshot()
}

// Clients lists the connected client IDs.
func (e *Endpoint) Clients() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.broker == nil {
		return nil
	}
	return e.broker.Clients()
}

func serve(ctx context.Context, fn func(context.Context) error) chan error {
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()
	return done
}

func openStore(opts StorageOptions, logger *slog.Logger) (storage.Store, error) {
	switch opts.Type {
	case "", StorageMemory:
		return memory.New(), nil
	case StorageBadger:
		return badger.New(badger.Config{
			Dir:      opts.Dir,
			InMemory: opts.InMemory,
			Logger:   logger,
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStorage, opts.Type)
	}
}
