// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package harness

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of the harness instruments.
const MeterName = "fluxmq-harness"

// Metrics holds OpenTelemetry instruments for role lifecycle and message flow.
// A nil *Metrics records nothing.
type Metrics struct {
	meter metric.Meter

	roleStarts        metric.Int64Counter
	roleStartFailures metric.Int64Counter
	roleStops         metric.Int64Counter
	messagesRelayed   metric.Int64Counter
	publishTotal      metric.Int64Counter
	publishSkipped    metric.Int64Counter

	roleRunning  metric.Int64ObservableGauge
	registration metric.Registration
}

// NewMetrics creates the harness instruments on the global meter provider.
// status feeds the harness.role.running gauge; it may be nil.
func NewMetrics(status func() StatusSnapshot) (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter(MeterName), status)
}

// NewMetricsWithMeter creates the harness instruments on meter.
func NewMetricsWithMeter(meter metric.Meter, status func() StatusSnapshot) (*Metrics, error) {
	m := &Metrics{meter: meter}

	var err error

	m.roleStarts, err = m.meter.Int64Counter(
		"harness.role.starts",
		metric.WithDescription("Total successful role starts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create roleStarts counter: %w", err)
	}

	m.roleStartFailures, err = m.meter.Int64Counter(
		"harness.role.start_failures",
		metric.WithDescription("Total failed role starts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create roleStartFailures counter: %w", err)
	}

	m.roleStops, err = m.meter.Int64Counter(
		"harness.role.stops",
		metric.WithDescription("Total role stops"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create roleStops counter: %w", err)
	}

	m.messagesRelayed, err = m.meter.Int64Counter(
		"harness.messages.relayed",
		metric.WithDescription("Total inbound messages handed to the sink"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesRelayed counter: %w", err)
	}

	m.publishTotal, err = m.meter.Int64Counter(
		"harness.publish.total",
		metric.WithDescription("Total messages published by the publisher role"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publishTotal counter: %w", err)
	}

	m.publishSkipped, err = m.meter.Int64Counter(
		"harness.publish.skipped",
		metric.WithDescription("Publish requests ignored because no publisher was running"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publishSkipped counter: %w", err)
	}

	m.roleRunning, err = m.meter.Int64ObservableGauge(
		"harness.role.running",
		metric.WithDescription("1 when the role is running, 0 otherwise"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create roleRunning gauge: %w", err)
	}

	if status != nil {
		m.registration, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			snap := status()
			for _, r := range Roles {
				var v int64
				if snap.Running(r) {
					v = 1
				}
				o.ObserveInt64(m.roleRunning, v, metric.WithAttributes(roleAttr(r)))
			}
			return nil
		}, m.roleRunning)
		if err != nil {
			return nil, fmt.Errorf("failed to register roleRunning callback: %w", err)
		}
	}

	return m, nil
}

// Close unregisters the gauge callback.
func (m *Metrics) Close() error {
	if m == nil || m.registration == nil {
		return nil
	}
	return m.registration.Unregister()
}

func roleAttr(r Role) attribute.KeyValue {
	return attribute.String("role", r.String())
}

func (m *Metrics) roleStarted(ctx context.Context, r Role) {
	if m == nil {
		return
	}
	m.roleStarts.Add(ctx, 1, metric.WithAttributes(roleAttr(r)))
}

func (m *Metrics) roleStartFailed(ctx context.Context, r Role) {
	if m == nil {
		return
	}
	m.roleStartFailures.Add(ctx, 1, metric.WithAttributes(roleAttr(r)))
}

func (m *Metrics) roleStopped(ctx context.Context, r Role, err error) {
	if m == nil {
		return
	}
	m.roleStops.Add(ctx, 1, metric.WithAttributes(roleAttr(r), attribute.Bool("error", err != nil)))
}

func (m *Metrics) messageRelayed(ctx context.Context, r Role) {
	if m == nil {
		return
	}
	m.messagesRelayed.Add(ctx, 1, metric.WithAttributes(roleAttr(r)))
}

func (m *Metrics) published(ctx context.Context) {
	if m == nil {
		return
	}
	m.publishTotal.Add(ctx, 1)
}

func (m *Metrics) publishSkip(ctx context.Context) {
	if m == nil {
		return
	}
	m.publishSkipped.Add(ctx, 1)
}
