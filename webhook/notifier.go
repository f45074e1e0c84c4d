// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxmq-harness/config"
	"github.com/absmach/fluxmq-harness/harness"
	"github.com/absmach/fluxmq-harness/topics"
	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"github.com/sony/gobreaker"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNilSender is returned by NewNotifier without a sender.
var ErrNilSender = errors.New("sender cannot be nil")

// Notifier posts harness notifications to webhook endpoints from a worker
// pool. It implements harness.Sink and never blocks the caller.
type Notifier struct {
	cfg            config.WebhookConfig
	source         string
	endpoints      []endpointConfig
	eventQueue     chan eventJob
	breakers       map[string]*gobreaker.CircuitBreaker
	sender         Sender
	logger         *slog.Logger
	wg             sync.WaitGroup
	ctx            context.Context
	cancel         context.CancelFunc
	includePayload bool
	now            func() time.Time

	statusMu   sync.Mutex
	lastStatus *harness.StatusSnapshot

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

var _ harness.Sink = (*Notifier)(nil)

type endpointConfig struct {
	name         string
	url          string
	eventFilters map[string]bool
	topicFilters []string
	headers      map[string]string
	timeout      time.Duration
	retryConfig  config.RetryConfig
}

type eventJob struct {
	event    Event
	endpoint endpointConfig
}

// NewNotifier creates a notifier and starts its workers. source identifies
// this harness instance in every event.
func NewNotifier(cfg config.WebhookConfig, source string, sender Sender, logger *slog.Logger) (*Notifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sender == nil {
		return nil, ErrNilSender
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	endpoints := make([]endpointConfig, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		eventFilters := make(map[string]bool, len(ep.Events))
		for _, eventType := range ep.Events {
			eventFilters[eventType] = true
		}

		timeout := cfg.Defaults.Timeout
		if ep.Timeout > 0 {
			timeout = ep.Timeout
		}

		retryConfig := cfg.Defaults.Retry
		if ep.Retry != nil {
			retryConfig = *ep.Retry
		}

		endpoints = append(endpoints, endpointConfig{
			name:         ep.Name,
			url:          ep.URL,
			eventFilters: eventFilters,
			topicFilters: ep.TopicFilters,
			headers:      ep.Headers,
			timeout:      timeout,
			retryConfig:  retryConfig,
		})
	}

	breakers := make(map[string]*gobreaker.CircuitBreaker, len(endpoints))
	threshold := uint32(max(cfg.Defaults.CircuitBreaker.FailureThreshold, 1))
	for _, ep := range endpoints {
		breakers[ep.name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ep.name,
			MaxRequests: 1,
			Interval:    0,
			Timeout:     cfg.Defaults.CircuitBreaker.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn("webhook circuit breaker state changed",
					slog.String("endpoint", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	n := &Notifier{
		cfg:            cfg,
		source:         source,
		endpoints:      endpoints,
		eventQueue:     make(chan eventJob, cfg.QueueSize),
		breakers:       breakers,
		sender:         sender,
		logger:         logger,
		ctx:            ctx,
		cancel:         cancel,
		includePayload: cfg.IncludePayload,
		now:            time.Now,
	}

	for i := 0; i < cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}

	logger.Info("webhook notifier started",
		slog.Int("workers", cfg.Workers),
		slog.Int("queue_size", cfg.QueueSize),
		slog.Int("endpoints", len(endpoints)))

	return n, nil
}

// OnMessage implements harness.Sink.
func (n *Notifier) OnMessage(rec harness.InboundMessageRecord) {
	data := MessageData{
		Role:     rec.Source,
		Topic:    rec.Topic,
		QoS:      rec.QoS,
		Retained: rec.Retained,
		Size:     len(rec.Payload),
	}
	if n.includePayload {
		data.Payload = rec.Payload
	}
	ev := newEvent(n.source, EventMessageReceived, rec.Timestamp, data)
	ev.topic = rec.Topic
	n.Notify(ev)
}

// OnStatus implements harness.Sink. Only changes are forwarded.
func (n *Notifier) OnStatus(snap harness.StatusSnapshot) {
	n.statusMu.Lock()
	changed := n.lastStatus == nil ||
		n.lastStatus.BrokerRunning != snap.BrokerRunning ||
		n.lastStatus.PublisherRunning != snap.PublisherRunning ||
		n.lastStatus.SubscriberRunning != snap.SubscriberRunning
	if changed {
		n.lastStatus = &snap
	}
	n.statusMu.Unlock()

	if changed {
		n.Notify(newEvent(n.source, EventStatusChanged, snap.Time, snap))
	}
}

// OnError implements harness.Sink.
func (n *Notifier) OnError(message string) {
	n.Notify(newEvent(n.source, EventError, n.now(), ErrorData{Message: message}))
}

// OnConnection implements harness.Sink.
func (n *Notifier) OnConnection(ev harness.ConnectionEvent) {
	typ := EventClientDisconnected
	if ev.Connected {
		typ = EventClientConnected
	}
	data := ConnectionData{Role: ev.Role}
	if ev.Err != nil {
		data.Error = ev.Err.Error()
	}
	n.Notify(newEvent(n.source, typ, ev.Time, data))
}

// Notify queues ev for every matching endpoint.
func (n *Notifier) Notify(ev Event) {
	if n.ctx.Err() != nil {
		return
	}

	for _, endpoint := range n.endpoints {
		if !n.shouldNotify(endpoint, ev) {
			continue
		}

		job := eventJob{event: ev, endpoint: endpoint}

		select {
		case n.eventQueue <- job:
		default:
			if n.cfg.DropPolicy == "oldest" {
				select {
				case <-n.eventQueue:
					n.dropped.Add(1)
				default:
				}
				select {
				case n.eventQueue <- job:
					continue
				default:
				}
			}
			n.dropped.Add(1)
			n.logger.Error("webhook queue full, event dropped",
				slog.String("event_type", ev.Type),
				slog.String("endpoint", endpoint.name))
		}
	}
}

// Stats returns delivered, failed and dropped event counts.
func (n *Notifier) Stats() (delivered, failed, dropped uint64) {
	return n.delivered.Load(), n.failed.Load(), n.dropped.Load()
}

func (n *Notifier) shouldNotify(endpoint endpointConfig, ev Event) bool {
	if len(endpoint.eventFilters) > 0 && !endpoint.eventFilters[ev.Type] {
		return false
	}

	if ev.Topic() != "" && len(endpoint.topicFilters) > 0 {
		for _, filter := range endpoint.topicFilters {
			if topics.TopicMatch(filter, ev.Topic()) {
				return true
			}
		}
		return false
	}

	return true
}

func (n *Notifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case job := <-n.eventQueue:
			n.processJob(job)
		}
	}
}

// processJob sends one event, retrying with exponential backoff until the
// attempts run out or the endpoint's breaker opens.
func (n *Notifier) processJob(job eventJob) {
	payload, err := json.Marshal(job.event)
	if err != nil {
		n.failed.Add(1)
		n.logger.Error("failed to marshal webhook event",
			slog.String("event_type", job.event.Type),
			slog.String("error", err.Error()))
		return
	}

	breaker := n.breakers[job.endpoint.name]
	attempts := 0
	operation := func() error {
		attempts++
		_, err := breaker.Execute(func() (interface{}, error) {
			return nil, n.sender.Send(context.Background(), job.endpoint.url, job.endpoint.headers, payload, job.endpoint.timeout)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		return err
	}

	rc := job.endpoint.retryConfig
	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(rc.InitialInterval),
				backoff.WithMaxInterval(rc.MaxInterval),
				backoff.WithMultiplier(rc.Multiplier),
				backoff.WithMaxElapsedTime(0),
			),
			uint64(max(rc.MaxAttempts-1, 0)),
		),
		n.ctx,
	)

	err = backoff.RetryNotify(operation, policy, func(err error, d time.Duration) {
		n.logger.Debug("webhook delivery failed, retrying",
			slog.String("endpoint", job.endpoint.name),
			slog.String("event_type", job.event.Type),
			slog.Int("attempt", attempts),
			slog.Duration("retry_after", d),
			slog.String("error", err.Error()))
	})
	if err != nil {
		n.failed.Add(1)
		n.logger.Error("webhook delivery failed",
			slog.String("endpoint", job.endpoint.name),
			slog.String("event_type", job.event.Type),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()))
		return
	}

	n.delivered.Add(1)
	n.logger.Debug("webhook delivered successfully",
		slog.String("endpoint", job.endpoint.name),
		slog.String("event_type", job.event.Type))
}

// Close stops the workers, giving queued events up to the shutdown timeout.
func (n *Notifier) Close() error {
	n.logger.Info("shutting down webhook notifier")

	drained := make(chan struct{})
	go func() {
		for len(n.eventQueue) > 0 && n.ctx.Err() == nil {
			time.Sleep(10 * time.Millisecond)
		}
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(n.cfg.ShutdownTimeout):
	}
	n.cancel()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.logger.Info("webhook notifier stopped gracefully")
		return nil
	case <-time.After(n.cfg.ShutdownTimeout):
		n.logger.Warn("webhook notifier shutdown timeout, some events may be lost",
			slog.Int("queue_depth", len(n.eventQueue)))
		return fmt.Errorf("webhook notifier: %w", context.DeadlineExceeded)
	}
}
