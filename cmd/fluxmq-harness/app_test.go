// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/absmach/fluxmq-harness/config"
	"github.com/absmach/fluxmq-harness/harness"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestNewTransportCreatesBadgerDir(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Type = "badger"
	cfg.Storage.BadgerDir = filepath.Join(t.TempDir(), "nested", "badger")

	_, err := newTransport(cfg, discardLogger())
	require.NoError(t, err)

	info, err := os.Stat(cfg.Storage.BadgerDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestNewTransportSelfSignedTLS(t *testing.T) {
	cfg := config.Default()
	cfg.Broker.TLSEnabled = true

	_, err := newTransport(cfg, discardLogger())
	assert.NoError(t, err)

	cfg.Broker.TLSCertFile = filepath.Join(t.TempDir(), "missing.pem")
	cfg.Broker.TLSKeyFile = filepath.Join(t.TempDir(), "missing.key")
	_, err = newTransport(cfg, discardLogger())
	assert.Error(t, err)
}

func TestAppLifecycle(t *testing.T) {
	cfg := config.Default()
	cfg.Broker.BindHost = "127.0.0.1"
	cfg.Client.Host = "127.0.0.1"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, discardLogger())
	require.NoError(t, err)

	port := freePort(t)
	require.NoError(t, a.coord.StartBroker(ctx, port))
	require.NoError(t, a.coord.StartPublisher(ctx, "127.0.0.1", port))

	snap, ok := a.brokerSnapshot()
	require.True(t, ok)
	assert.GreaterOrEqual(t, snap.TotalConnections, uint64(1))

	assert.Equal(t, harness.StatusSnapshot{BrokerRunning: true, PublisherRunning: true}, withoutTime(a.coord.Status()))

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	require.NoError(t, a.shutdown(sctx))

	assert.Equal(t, harness.StatusSnapshot{}, withoutTime(a.coord.Status()))
	_, ok = a.brokerSnapshot()
	assert.False(t, ok)
}

func withoutTime(s harness.StatusSnapshot) harness.StatusSnapshot {
	s.Time = time.Time{}
	return s
}

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	cmd := newVersionCmd()
	cmd.SetOut(&out)
	cmd.Run(cmd, nil)

	assert.Contains(t, out.String(), "fluxmq-harness version dev")
}

func TestNewLogger(t *testing.T) {
	assert.True(t, newLogger(config.LogConfig{Level: "debug"}).Enabled(context.Background(), slog.LevelDebug))
	assert.False(t, newLogger(config.LogConfig{Level: "warn", Format: "json"}).Enabled(context.Background(), slog.LevelInfo))
}
