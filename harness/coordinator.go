// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultShutdownTimeout = 10 * time.Second

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithExecutor binds sink notifications to exec instead of a dispatcher
// owned by the coordinator.
func WithExecutor(exec Executor) Option {
	return func(c *Coordinator) { c.exec = exec }
}

// WithMetrics records lifecycle and message metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithTracer sets the tracer used for command spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithPublisherProfile overrides the publisher connection profile.
func WithPublisherProfile(p Profile) Option {
	return func(c *Coordinator) { c.pubProfile = p }
}

// WithSubscriberProfile overrides the subscriber connection profile.
func WithSubscriberProfile(p Profile) Option {
	return func(c *Coordinator) { c.subProfile = p }
}

// WithBrokerDefaults sets the broker options applied on every start. The port
// field is ignored.
func WithBrokerDefaults(cfg BrokerConfig) Option {
	return func(c *Coordinator) { c.brokerDefaults = cfg }
}

// WithPollInterval changes the status poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.pollInterval = d }
}

// WithShutdownTimeout bounds how long Run waits for roles to stop.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.shutdownTimeout = d
		}
	}
}

// Coordinator owns the broker, publisher and subscriber roles. It is safe
// for concurrent use.
type Coordinator struct {
	transport Transport
	sink      Sink
	relay     *Relay
	logger    *slog.Logger
	metrics   *Metrics
	tracer    trace.Tracer

	exec       Executor
	dispatcher *Dispatcher

	broker     Slot[BrokerEndpoint]
	publisher  Slot[Client]
	subscriber Slot[Client]

	brokerDefaults  BrokerConfig
	pubProfile      Profile
	subProfile      Profile
	pollInterval    time.Duration
	shutdownTimeout time.Duration
	now             func() time.Time
}

// NewCoordinator creates a coordinator driving transport and reporting to sink.
// Without WithExecutor the coordinator runs its own dispatcher until Close.
func NewCoordinator(transport Transport, sink Sink, opts ...Option) *Coordinator {
	c := &Coordinator{
		transport: transport,
		logger:    slog.Default(),
		tracer:    otel.Tracer(MeterName),
		brokerDefaults: BrokerConfig{
			PersistentSessions:  true,
			ClearStorageOnStart: true,
		},
		pubProfile:      DefaultPublisherProfile(),
		subProfile:      DefaultSubscriberProfile(),
		pollInterval:    DefaultPollInterval,
		shutdownTimeout: defaultShutdownTimeout,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.exec == nil {
		c.dispatcher = NewDispatcher(0, c.logger)
		c.exec = c.dispatcher
		go c.dispatcher.Run(context.Background())
	}
	if sink == nil {
		sink = NopSink{}
	}
	c.sink = OnExecutor(c.exec, sink)
	c.relay = NewRelay(c.sink, c.logger, c.metrics)

	return c
}

// StartBroker starts an embedded broker listening on port. It is a no-op when
// a broker is already running.
func (c *Coordinator) StartBroker(ctx context.Context, port int) error {
	if err := ValidatePort(port); err != nil {
		return err
	}

	ctx, span := c.tracer.Start(ctx, "harness.StartBroker", trace.WithAttributes(attribute.Int("port", port)))
	defer span.End()

	return startRole(ctx, c, span, RoleBroker, &c.broker, func(ctx context.Context) (BrokerEndpoint, error) {
		cfg := c.brokerDefaults
		cfg.Port = port

		ep, err := c.transport.NewBroker(cfg)
		if err != nil {
			return nil, err
		}
		if err := ep.Start(ctx); err != nil {
			if stopErr := ep.Stop(context.WithoutCancel(ctx)); stopErr != nil {
				c.logger.Warn("cleanup after failed broker start",
					slog.Int("port", port),
					slog.String("error", stopErr.Error()))
			}
			return nil, err
		}
		return ep, nil
	})
}

// StopBroker stops the running broker, if any.
func (c *Coordinator) StopBroker(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "harness.StopBroker")
	defer span.End()

	return stopRole(ctx, c, span, RoleBroker, &c.broker)
}

// StartPublisher connects the publisher client to host:port. It is a no-op
// when a publisher is already running.
func (c *Coordinator) StartPublisher(ctx context.Context, host string, port int) error {
	host = strings.TrimSpace(host)
	if host == "" {
		return ErrEmptyHost
	}
	if err := ValidatePort(port); err != nil {
		return err
	}

	ctx, span := c.tracer.Start(ctx, "harness.StartPublisher", trace.WithAttributes(
		attribute.String("host", host),
		attribute.Int("port", port),
	))
	defer span.End()

	return startRole(ctx, c, span, RolePublisher, &c.publisher, func(ctx context.Context) (Client, error) {
		return c.connect(ctx, RolePublisher, c.pubProfile.Connection(host, port))
	})
}

// StopPublisher disconnects the publisher, if any.
func (c *Coordinator) StopPublisher(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "harness.StopPublisher")
	defer span.End()

	return stopRole(ctx, c, span, RolePublisher, &c.publisher)
}

// StartSubscriber connects the subscriber client to host:port subscribed to
// topic. The subscription is part of every connect, including reconnects.
func (c *Coordinator) StartSubscriber(ctx context.Context, host string, port int, topic string) error {
	host = strings.TrimSpace(host)
	topic = strings.TrimSpace(topic)
	if host == "" {
		return ErrEmptyHost
	}
	if topic == "" {
		return ErrEmptyTopic
	}
	if err := ValidatePort(port); err != nil {
		return err
	}

	ctx, span := c.tracer.Start(ctx, "harness.StartSubscriber", trace.WithAttributes(
		attribute.String("host", host),
		attribute.Int("port", port),
		attribute.String("topic", topic),
	))
	defer span.End()

	filter := TopicFilter{Topic: topic, QoS: c.subProfile.SubscribeQoS}
	return startRole(ctx, c, span, RoleSubscriber, &c.subscriber, func(ctx context.Context) (Client, error) {
		return c.connect(ctx, RoleSubscriber, c.subProfile.Connection(host, port), filter)
	})
}

// StopSubscriber disconnects the subscriber, if any.
func (c *Coordinator) StopSubscriber(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "harness.StopSubscriber")
	defer span.End()

	return stopRole(ctx, c, span, RoleSubscriber, &c.subscriber)
}

// Publish sends payload to topic through the publisher with QoS AtLeastOnce
// and the retain flag set. Without a running publisher it does nothing.
func (c *Coordinator) Publish(ctx context.Context, topic, payload string) error {
	cl, ok := c.publisher.Load()
	if !ok {
		c.metrics.publishSkip(ctx)
		c.logger.Debug("publish skipped, publisher not running", slog.String("topic", topic))
		return nil
	}

	topic = strings.TrimSpace(topic)
	if topic == "" {
		return ErrEmptyTopic
	}

	ctx, span := c.tracer.Start(ctx, "harness.Publish", trace.WithAttributes(
		attribute.String("topic", topic),
		attribute.Int("payload_size", len(payload)),
	))
	defer span.End()

	msg := Message{
		Topic:   topic,
		Payload: []byte(payload),
		QoS:     AtLeastOnce,
		Retain:  true,
	}
	if err := cl.Publish(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("publish failed",
			slog.String("topic", topic),
			slog.String("error", err.Error()))
		c.sink.OnError(fmt.Sprintf("failed to publish to %s: %v", topic, err))
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	c.metrics.published(ctx)
	return nil
}

// Status reads role occupancy without waiting on in-flight commands.
func (c *Coordinator) Status() StatusSnapshot {
	return StatusSnapshot{
		Time:              c.now(),
		BrokerRunning:     c.broker.Occupied(),
		PublisherRunning:  c.publisher.Occupied(),
		SubscriberRunning: c.subscriber.Occupied(),
	}
}

// Broker returns the running broker endpoint, if any.
func (c *Coordinator) Broker() (BrokerEndpoint, bool) {
	return c.broker.Load()
}

// Run reports status every poll interval until ctx is done, then stops every
// running role.
func (c *Coordinator) Run(ctx context.Context) error {
	NewPoller(c.Status, c.sink, c.pollInterval).Run(ctx)

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.shutdownTimeout)
	defer cancel()
	return c.Shutdown(sctx)
}

// Shutdown stops the subscriber, the publisher and then the broker.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	return errors.Join(
		c.StopSubscriber(ctx),
		c.StopPublisher(ctx),
		c.StopBroker(ctx),
	)
}

// Close shuts every role down and stops the dispatcher the coordinator owns.
// Notifications already queued are still delivered.
func (c *Coordinator) Close(ctx context.Context) error {
	err := c.Shutdown(ctx)
	if c.dispatcher != nil {
		c.dispatcher.Close()
		select {
		case <-c.dispatcher.Done():
		case <-ctx.Done():
			err = errors.Join(err, ctx.Err())
		}
	}
	return err
}

func (c *Coordinator) connect(ctx context.Context, role Role, cfg ConnectionConfig, filters ...TopicFilter) (Client, error) {
	cl, err := c.transport.NewClient(cfg, c.relay.Handlers(role))
	if err != nil {
		return nil, err
	}
	if len(filters) > 0 {
		cl.Subscribe(filters...)
	}
	if err := cl.Start(ctx); err != nil {
		return nil, err
	}
	return cl, nil
}

func startRole[T any](ctx context.Context, c *Coordinator, span trace.Span, role Role, slot *Slot[T], start func(context.Context) (T, error)) error {
	ran, err := slot.Fill(ctx, start)
	if !ran {
		c.logger.Debug("role already running", slog.String("role", role.String()))
		return nil
	}
	if err != nil {
		c.metrics.roleStartFailed(ctx, role)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		serr := &StartError{Role: role, Err: err}
		c.logger.Error("role start failed",
			slog.String("role", role.String()),
			slog.String("error", err.Error()))
		c.sink.OnError(serr.Error())
		return serr
	}

	c.metrics.roleStarted(ctx, role)
	c.logger.Info("role started", slog.String("role", role.String()))
	return nil
}

type stopper interface {
	Stop(ctx context.Context) error
}

func stopRole[T stopper](ctx context.Context, c *Coordinator, span trace.Span, role Role, slot *Slot[T]) error {
	ran, err := slot.Drain(ctx, func(ctx context.Context, v T) error {
		return v.Stop(ctx)
	})
	if !ran {
		return nil
	}
	c.metrics.roleStopped(ctx, role, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		serr := &StopError{Role: role, Err: err}
		c.logger.Error("role stop failed",
			slog.String("role", role.String()),
			slog.String("error", err.Error()))
		c.sink.OnError(serr.Error())
		return serr
	}

	c.logger.Info("role stopped", slog.String("role", role.String()))
	return nil
}
