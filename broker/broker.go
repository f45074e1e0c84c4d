// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker implements an embedded MQTT 3.1/3.1.1 broker on top of the
// paho packets codec.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/fluxmq-harness/storage"
	"github.com/absmach/fluxmq-harness/storage/memory"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/google/uuid"
)

// RateLimiter throttles per-client publish and subscribe traffic.
type RateLimiter interface {
	AllowPublish(clientID string) bool
	AllowSubscribe(clientID string) bool
	OnClientDisconnect(clientID string)
}

// Config holds broker settings.
type Config struct {
	// PersistentSessions keeps sessions and subscriptions of clients that
	// connect with CleanSession=false across disconnects.
	PersistentSessions bool
	MaxQoS             byte
	OutboundBuffer     int
	ConnectTimeout     time.Duration
	WriteTimeout       time.Duration
}

// DefaultConfig returns the broker defaults.
func DefaultConfig() Config {
	return Config{
		PersistentSessions: true,
		MaxQoS:             2,
		OutboundBuffer:     256,
		ConnectTimeout:     10 * time.Second,
		WriteTimeout:       10 * time.Second,
	}
}

type options struct {
	logger  *slog.Logger
	auth    Authenticator
	authz   Authorizer
	limiter RateLimiter
	stats   *Stats
}

// Option configures optional broker collaborators.
type Option func(*options)

// WithLogger sets the broker logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithAuthenticator sets the CONNECT credential check.
func WithAuthenticator(a Authenticator) Option {
	return func(o *options) { o.auth = a }
}

// WithAuthorizer sets topic level permission checks.
func WithAuthorizer(a Authorizer) Option {
	return func(o *options) { o.authz = a }
}

// WithRateLimiter sets per-client rate limiting.
func WithRateLimiter(l RateLimiter) Option {
	return func(o *options) { o.limiter = l }
}

// WithStats shares a Stats instance with the broker.
func WithStats(s *Stats) Option {
	return func(o *options) { o.stats = s }
}

// Broker routes messages between connected MQTT clients.
type Broker struct {
	config  Config
	logger  *slog.Logger
	store   storage.Store
	router  *Router
	auth    *AuthEngine
	limiter RateLimiter
	stats   *Stats

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup
}

// New creates a broker persisting to store. A nil store uses memory storage.
func New(cfg Config, store storage.Store, opts ...Option) *Broker {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.stats == nil {
		o.stats = NewStats()
	}
	if store == nil {
		store = memory.New()
	}

	def := DefaultConfig()
	if cfg.MaxQoS > 2 {
		cfg.MaxQoS = def.MaxQoS
	}
	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = def.OutboundBuffer
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}

	return &Broker{
		config:   cfg,
		logger:   o.logger,
		store:    store,
		router:   NewRouter(),
		auth:     NewAuthEngine(o.auth, o.authz),
		limiter:  o.limiter,
		stats:    o.stats,
		sessions: make(map[string]*session),
	}
}

// Stats returns the broker statistics.
func (b *Broker) Stats() *Stats {
	return b.stats
}

// Clients returns the IDs of connected clients.
func (b *Broker) Clients() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Close disconnects all clients and waits for their handlers to return.
// The store is owned by the caller and is not closed.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	sessions := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	b.wg.Wait()
	return nil
}

// HandleConnection serves one client connection until it closes, the client
// disconnects or ctx is cancelled.
func (b *Broker) HandleConnection(ctx context.Context, conn net.Conn) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()
	defer b.wg.Done()

	s, err := b.connect(ctx, conn)
	if err != nil {
		if !errors.Is(err, ErrBrokerClosed) {
			b.logger.Debug("connect failed",
				slog.String("remote", conn.RemoteAddr().String()),
				slog.String("error", err.Error()))
		}
		conn.Close()
		return
	}

	stop := context.AfterFunc(ctx, s.close)
	defer stop()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(b.config.WriteTimeout, b.onWrite)
	}()

	err = b.readLoop(ctx, s)
	s.close()
	<-writerDone

	b.disconnect(s, err)
}

// connect reads and validates CONNECT, registers the session and queues CONNACK.
func (b *Broker) connect(ctx context.Context, conn net.Conn) (*session, error) {
	_ = conn.SetReadDeadline(time.Now().Add(b.config.ConnectTimeout))
	pkt, err := packets.ReadPacket(conn)
	if err != nil {
		return nil, err
	}
	cp, ok := pkt.(*packets.ConnectPacket)
	if !ok {
		b.stats.protocolErrors.Add(1)
		return nil, ErrExpectedConnect
	}

	code := cp.Validate()
	if code == packets.Accepted {
		code = b.authenticate(cp)
	}
	if code != packets.Accepted {
		writeConnack(conn, code, false)
		return nil, packets.ConnErrors[code]
	}

	id := cp.ClientIdentifier
	if id == "" {
		id = uuid.NewString()
	}

	s := newSession(id, conn, cp, b.config.OutboundBuffer)
	present, err := b.register(ctx, s)
	if err != nil {
		writeConnack(conn, packets.ErrRefusedServerUnavailable, false)
		return nil, err
	}

	ack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
	ack.ReturnCode = packets.Accepted
	ack.SessionPresent = present
	b.stats.connected()
	s.out <- ack

	b.logger.Info("client connected",
		slog.String("client_id", id),
		slog.Bool("clean_session", s.clean),
		slog.Bool("session_present", present))
	return s, nil
}

func (b *Broker) authenticate(cp *packets.ConnectPacket) byte {
	ok, err := b.auth.Authenticate(cp.ClientIdentifier, cp.Username, string(cp.Password))
	switch {
	case err != nil:
		b.logger.Error("authentication error",
			slog.String("client_id", cp.ClientIdentifier),
			slog.String("error", err.Error()))
		return packets.ErrRefusedServerUnavailable
	case !ok:
		b.stats.authErrors.Add(1)
		return packets.ErrRefusedNotAuthorised
	}
	return packets.Accepted
}

// register installs the session, taking over any live session with the same ID
// and restoring persisted subscriptions. It reports whether a stored session existed.
func (b *Broker) register(ctx context.Context, s *session) (bool, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false, ErrBrokerClosed
	}
	old := b.sessions[s.id]
	b.sessions[s.id] = s
	b.mu.Unlock()

	if old != nil {
		b.logger.Info("session taken over", slog.String("client_id", s.id))
		for filter := range old.filters() {
			b.router.Unsubscribe(s.id, filter)
		}
		old.close()
	}

	sessions := b.store.Sessions()
	stored, err := sessions.Get(s.id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return false, err
	}

	persistent := b.persistent(s)
	present := persistent && stored != nil

	if !persistent {
		if stored != nil {
			_ = sessions.Delete(s.id)
		}
		if err := b.store.Subscriptions().RemoveAll(s.id); err != nil {
			return false, err
		}
	}

	if present {
		subs, err := b.store.Subscriptions().GetForClient(s.id)
		if err != nil {
			return false, err
		}
		for _, sub := range subs {
			s.addSub(sub.Filter, sub.QoS)
			b.router.Subscribe(s.id, sub.Filter, sub.QoS)
		}
	}

	if persistent {
		err := sessions.Save(&storage.Session{
			ClientID:     s.id,
			Version:      s.version,
			CleanSession: s.clean,
			Connected:    true,
			ConnectedAt:  time.Now(),
		})
		if err != nil {
			return false, err
		}
	}
	return present, nil
}

// disconnect tears down routing for the session and fires the will when needed.
func (b *Broker) disconnect(s *session, cause error) {
	b.mu.Lock()
	current := b.sessions[s.id] == s
	if current {
		delete(b.sessions, s.id)
	}
	b.mu.Unlock()

	if current {
		for filter := range s.filters() {
			b.router.Unsubscribe(s.id, filter)
		}

		if b.persistent(s) {
			err := b.store.Sessions().Save(&storage.Session{
				ClientID:       s.id,
				Version:        s.version,
				CleanSession:   s.clean,
				DisconnectedAt: time.Now(),
			})
			if err != nil {
				b.logger.Error("failed to persist session", slog.String("client_id", s.id), slog.String("error", err.Error()))
			}
		} else {
			_ = b.store.Subscriptions().RemoveAll(s.id)
		}
	}

	if b.limiter != nil {
		b.limiter.OnClientDisconnect(s.id)
	}

	if s.will != nil && !s.graceful.Load() {
		b.logger.Debug("publishing will", slog.String("client_id", s.id), slog.String("topic", s.will.Topic))
		b.publish(context.Background(), s.will)
	}

	b.stats.disconnected()
	attrs := []any{slog.String("client_id", s.id)}
	if cause != nil && !s.graceful.Load() {
		attrs = append(attrs, slog.String("error", cause.Error()))
	}
	b.logger.Info("client disconnected", attrs...)
}

func (b *Broker) onWrite(pkt packets.ControlPacket) {
	if p, ok := pkt.(*packets.PublishPacket); ok {
		b.stats.publishOut(len(p.Payload))
	}
}

func writeConnack(conn net.Conn, code byte, present bool) {
	ack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
	ack.ReturnCode = code
	ack.SessionPresent = present
	_ = ack.Write(conn)
}
