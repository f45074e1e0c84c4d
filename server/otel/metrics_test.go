// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/fluxmq-harness/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestBrokerMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	running := false
	snap := broker.Snapshot{
		Uptime:             3 * time.Second,
		TotalConnections:   4,
		CurrentConnections: 2,
		PublishReceived:    10,
		PublishSent:        7,
		BytesReceived:      100,
	}
	m, err := NewBrokerMetricsWithMeter(provider.Meter(MeterName), func() (broker.Snapshot, bool) {
		return snap, running
	})
	require.NoError(t, err)
	defer m.Close()

	data := collect(t, reader)
	if agg, ok := data["mqtt.connections.total"]; ok {
		assert.Empty(t, agg.(metricdata.Sum[int64]).DataPoints, "nothing is observed without a broker")
	}

	running = true
	data = collect(t, reader)

	sum, ok := data["mqtt.connections.total"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(4), sum.DataPoints[0].Value)
	assert.True(t, sum.IsMonotonic)

	sum = data["mqtt.messages.received"].(metricdata.Sum[int64])
	assert.Equal(t, int64(10), sum.DataPoints[0].Value)

	gauge, ok := data["mqtt.connections.current"].(metricdata.Gauge[int64])
	require.True(t, ok)
	assert.Equal(t, int64(2), gauge.DataPoints[0].Value)

	uptime, ok := data["mqtt.broker.uptime"].(metricdata.Gauge[float64])
	require.True(t, ok)
	assert.InDelta(t, 3.0, uptime.DataPoints[0].Value, 0.001)
}

func TestBrokerMetricsCloseNil(t *testing.T) {
	var m *BrokerMetrics
	assert.NoError(t, m.Close())
}
