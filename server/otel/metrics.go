// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"github.com/absmach/fluxmq-harness/broker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of the broker instruments.
const MeterName = "fluxmq-harness/broker"

// StatsSource returns the running broker's counters. ok is false while no
// broker is running, in which case nothing is observed.
type StatsSource func() (snap broker.Snapshot, ok bool)

// BrokerMetrics exposes the embedded broker's counters as observable
// instruments.
type BrokerMetrics struct {
	meter metric.Meter
	reg   metric.Registration

	connectionsTotal    metric.Int64ObservableCounter
	disconnectionsTotal metric.Int64ObservableCounter
	messagesReceived    metric.Int64ObservableCounter
	messagesSent        metric.Int64ObservableCounter
	bytesReceived       metric.Int64ObservableCounter
	bytesSent           metric.Int64ObservableCounter
	messagesDropped     metric.Int64ObservableCounter
	protocolErrors      metric.Int64ObservableCounter
	authErrors          metric.Int64ObservableCounter

	connectionsCurrent metric.Int64ObservableGauge
	uptime             metric.Float64ObservableGauge
}

// NewBrokerMetrics registers the instruments on the global meter provider.
func NewBrokerMetrics(src StatsSource) (*BrokerMetrics, error) {
	return NewBrokerMetricsWithMeter(otel.Meter(MeterName), src)
}

// NewBrokerMetricsWithMeter registers the instruments on meter.
func NewBrokerMetricsWithMeter(meter metric.Meter, src StatsSource) (*BrokerMetrics, error) {
	m := &BrokerMetrics{meter: meter}

	var err error
	counters := []struct {
		dst  *metric.Int64ObservableCounter
		name string
		desc string
		unit string
	}{
		{&m.connectionsTotal, "mqtt.connections.total", "Total number of MQTT connections", ""},
		{&m.disconnectionsTotal, "mqtt.disconnections.total", "Total number of MQTT disconnections", ""},
		{&m.messagesReceived, "mqtt.messages.received", "Total number of PUBLISH packets received", ""},
		{&m.messagesSent, "mqtt.messages.sent", "Total number of PUBLISH packets sent", ""},
		{&m.bytesReceived, "mqtt.bytes.received", "Total payload bytes received", "By"},
		{&m.bytesSent, "mqtt.bytes.sent", "Total payload bytes sent", "By"},
		{&m.messagesDropped, "mqtt.messages.dropped", "Messages dropped on full outbound queues", ""},
		{&m.protocolErrors, "mqtt.errors.protocol", "Malformed or unexpected packets", ""},
		{&m.authErrors, "mqtt.errors.auth", "Rejected authentication attempts", ""},
	}
	for _, c := range counters {
		opts := []metric.Int64ObservableCounterOption{metric.WithDescription(c.desc)}
		if c.unit != "" {
			opts = append(opts, metric.WithUnit(c.unit))
		}
		*c.dst, err = meter.Int64ObservableCounter(c.name, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.connectionsCurrent, err = meter.Int64ObservableGauge(
		"mqtt.connections.current",
		metric.WithDescription("Current number of MQTT connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsCurrent gauge: %w", err)
	}

	m.uptime, err = meter.Float64ObservableGauge(
		"mqtt.broker.uptime",
		metric.WithDescription("Seconds since the broker started"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create uptime gauge: %w", err)
	}

	m.reg, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		snap, ok := src()
		if !ok {
			return nil
		}
		o.ObserveInt64(m.connectionsTotal, int64(snap.TotalConnections))
		o.ObserveInt64(m.disconnectionsTotal, int64(snap.Disconnections))
		o.ObserveInt64(m.messagesReceived, int64(snap.PublishReceived))
		o.ObserveInt64(m.messagesSent, int64(snap.PublishSent))
		o.ObserveInt64(m.bytesReceived, int64(snap.BytesReceived))
		o.ObserveInt64(m.bytesSent, int64(snap.BytesSent))
		o.ObserveInt64(m.messagesDropped, int64(snap.Dropped))
		o.ObserveInt64(m.protocolErrors, int64(snap.ProtocolErrors))
		o.ObserveInt64(m.authErrors, int64(snap.AuthErrors))
		o.ObserveInt64(m.connectionsCurrent, snap.CurrentConnections)
		o.ObserveFloat64(m.uptime, snap.Uptime.Seconds())
		return nil
	},
		m.connectionsTotal, m.disconnectionsTotal, m.messagesReceived, m.messagesSent,
		m.bytesReceived, m.bytesSent, m.messagesDropped, m.protocolErrors, m.authErrors,
		m.connectionsCurrent, m.uptime,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register broker metrics callback: %w", err)
	}

	return m, nil
}

// Close unregisters the callback.
func (m *BrokerMetrics) Close() error {
	if m == nil || m.reg == nil {
		return nil
	}
	return m.reg.Unregister()
}
