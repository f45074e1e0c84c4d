// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/absmach/fluxmq-harness/broker"
	"github.com/absmach/fluxmq-harness/config"
	"github.com/absmach/fluxmq-harness/harness"
	"github.com/absmach/fluxmq-harness/server/api"
	"github.com/absmach/fluxmq-harness/server/otel"
	"github.com/absmach/fluxmq-harness/server/tcp"
	"github.com/absmach/fluxmq-harness/transport"
	"github.com/absmach/fluxmq-harness/webhook"
	"github.com/google/uuid"
	otelglobal "go.opentelemetry.io/otel"
)

// app wires the coordinator to its transport, sinks and observability.
type app struct {
	cfg         *config.Config
	logger      *slog.Logger
	instanceID  string
	coord       *harness.Coordinator
	dispatcher  *harness.Dispatcher
	hub         *api.Hub
	notifier    *webhook.Notifier
	metrics     *harness.Metrics
	brokerStats *otel.BrokerMetrics
	closers     []func(context.Context) error
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, sinks ...harness.Sink) (*app, error) {
	a := &app{
		cfg:        cfg,
		logger:     logger,
		instanceID: uuid.NewString(),
	}

	if cfg.Metrics.Enabled || cfg.Metrics.TracesEnabled {
		shutdown, err := otel.InitProvider(cfg.Metrics, a.instanceID)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, shutdown)
		logger.Info("OpenTelemetry initialized",
			slog.String("endpoint", cfg.Metrics.Endpoint),
			slog.Bool("metrics", cfg.Metrics.Enabled),
			slog.Bool("traces", cfg.Metrics.TracesEnabled))
	}

	tr, err := newTransport(cfg, logger)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	if cfg.API.Enabled {
		a.hub = api.NewHub(logger)
		go a.hub.Run(ctx)
		sinks = append(sinks, a.hub)
	}

	if cfg.Webhook.Enabled {
		n, err := webhook.NewNotifier(cfg.Webhook, a.instanceID, webhook.NewHTTPSender(), logger)
		if err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("failed to initialize webhooks: %w", err)
		}
		a.notifier = n
		sinks = append(sinks, n)
	}

	opts := []harness.Option{
		harness.WithLogger(logger),
		harness.WithPublisherProfile(cfg.PublisherProfile()),
		harness.WithSubscriberProfile(cfg.SubscriberProfile()),
		harness.WithBrokerDefaults(cfg.BrokerDefaults()),
		harness.WithPollInterval(cfg.Events.PollInterval),
		harness.WithShutdownTimeout(cfg.Broker.ShutdownTimeout),
	}

	if cfg.Metrics.Enabled {
		m, err := harness.NewMetrics(func() harness.StatusSnapshot { return a.coord.Status() })
		if err != nil {
			a.close(ctx)
			return nil, err
		}
		a.metrics = m
		opts = append(opts, harness.WithMetrics(m))

		bm, err := otel.NewBrokerMetrics(a.brokerSnapshot)
		if err != nil {
			a.close(ctx)
			return nil, err
		}
		a.brokerStats = bm
	}
	if cfg.Metrics.TracesEnabled {
		opts = append(opts, harness.WithTracer(otelglobal.Tracer(harness.MeterName)))
	}

	a.dispatcher = harness.NewDispatcher(cfg.Events.QueueSize, logger)
	go a.dispatcher.Run(context.Background())
	opts = append(opts, harness.WithExecutor(a.dispatcher))

	a.coord = harness.NewCoordinator(tr, harness.Sinks(sinks), opts...)
	return a, nil
}

type statsProvider interface {
	Stats() broker.Snapshot
}

func (a *app) brokerSnapshot() (broker.Snapshot, bool) {
	if a.coord == nil {
		return broker.Snapshot{}, false
	}
	ep, ok := a.coord.Broker()
	if !ok {
		return broker.Snapshot{}, false
	}
	sp, ok := ep.(statsProvider)
	if !ok {
		return broker.Snapshot{}, false
	}
	return sp.Stats(), true
}

func (a *app) apiServer() *api.Server {
	return api.New(api.Config{
		Address:         a.cfg.API.Addr,
		ShutdownTimeout: a.cfg.API.ShutdownTimeout,
		DefaultHost:     a.cfg.Client.Host,
	}, a.coord, a.hub, a.logger)
}

// shutdown stops every role, drains queued notifications and releases the
// observability providers.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if a.coord != nil {
		errs = append(errs, a.coord.Shutdown(ctx))
	}
	if a.dispatcher != nil {
		a.dispatcher.Close()
		select {
		case <-a.dispatcher.Done():
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
		if dropped := a.dispatcher.Dropped(); dropped > 0 {
			a.logger.Warn("notifications dropped", slog.Uint64("count", dropped))
		}
	}
	errs = append(errs, a.close(ctx))
	return errors.Join(errs...)
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.notifier != nil {
		errs = append(errs, a.notifier.Close())
	}
	if a.brokerStats != nil {
		errs = append(errs, a.brokerStats.Close())
	}
	if a.metrics != nil {
		errs = append(errs, a.metrics.Close())
	}
	for _, fn := range a.closers {
		errs = append(errs, fn(ctx))
	}
	a.closers = nil
	return errors.Join(errs...)
}

func newTransport(cfg *config.Config, logger *slog.Logger) (*transport.Transport, error) {
	opts := transport.Options{
		BindHost: cfg.Broker.BindHost,
		Storage: transport.StorageOptions{
			Type: cfg.Storage.Type,
			Dir:  cfg.Storage.BadgerDir,
		},
		Broker: broker.Config{
			PersistentSessions: cfg.Broker.PersistentSessions,
			MaxQoS:             byte(cfg.Broker.MaxQoS),
			OutboundBuffer:     cfg.Broker.OutboundBuffer,
			ConnectTimeout:     cfg.Broker.ConnectTimeout,
			WriteTimeout:       cfg.Broker.WriteTimeout,
		},
		Users:           cfg.Broker.Users,
		RateLimit:       cfg.RateLimit,
		MaxConnections:  cfg.Broker.MaxConnections,
		ShutdownTimeout: cfg.Broker.ShutdownTimeout,
		Logger:          logger,
	}

	if cfg.Broker.TLSEnabled {
		tlsCfg, err := tcp.ServerTLSConfig(cfg.Broker.TLSCertFile, cfg.Broker.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load broker TLS configuration: %w", err)
		}
		opts.TLS = tlsCfg
		logTLS(logger, cfg, tlsCfg)
	}

	if cfg.Broker.WSEnabled {
		opts.WebSocketAddress = cfg.Broker.WSAddr
		opts.WebSocketPath = cfg.Broker.WSPath
	}

	if cfg.Storage.Type == transport.StorageBadger {
		if err := os.MkdirAll(cfg.Storage.BadgerDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	return transport.New(opts), nil
}

func logTLS(logger *slog.Logger, cfg *config.Config, tlsCfg *tls.Config) {
	source := "files"
	if cfg.Broker.TLSCertFile == "" && cfg.Broker.TLSKeyFile == "" {
		source = "self-signed"
	}
	logger.Info("broker TLS enabled",
		slog.String("certificate", source),
		slog.Int("certificates", len(tlsCfg.Certificates)))
}
