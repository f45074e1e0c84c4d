// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/absmach/fluxmq-harness/harness"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialEvents(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http")+"/events", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f map[string]any
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(New(Config{}, &fakeController{}, hub, testLogger()).Handler())
	defer srv.Close()

	a := dialEvents(t, srv.URL)
	b := dialEvents(t, srv.URL)
	require.Eventually(t, func() bool { return hub.Clients() == 2 }, 2*time.Second, 10*time.Millisecond)

	hub.OnMessage(harness.InboundMessageRecord{
		Timestamp: time.Now(),
		Topic:     "sensors/temp",
		Payload:   "21",
		QoS:       harness.AtLeastOnce,
		Source:    harness.RoleSubscriber,
	})

	for _, conn := range []*websocket.Conn{a, b} {
		f := readFrame(t, conn)
		assert.Equal(t, FrameMessage, f["type"])
		data := f["data"].(map[string]any)
		assert.Equal(t, "sensors/temp", data["topic"])
		assert.Equal(t, "subscriber", data["source"])
	}

	hub.OnConnection(harness.ConnectionEvent{Time: time.Now(), Role: harness.RolePublisher, Err: errors.New("EOF")})
	f := readFrame(t, a)
	assert.Equal(t, FrameConnection, f["type"])
	assert.Equal(t, "EOF", f["data"].(map[string]any)["error"])

	hub.OnError("boom")
	f = readFrame(t, a)
	assert.Equal(t, FrameError, f["type"])
	assert.Equal(t, "boom", f["data"])
}

func TestHubUnregister(t *testing.T) {
	hub := NewHub(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(New(Config{}, &fakeController{}, hub, testLogger()).Handler())
	defer srv.Close()

	conn := dialEvents(t, srv.URL)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)

	// No clients: frames are discarded without blocking.
	for i := 0; i < 1000; i++ {
		hub.OnStatus(harness.StatusSnapshot{Time: time.Now()})
	}
}

func TestHubRunStopClosesClients(t *testing.T) {
	hub := NewHub(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(New(Config{}, &fakeController{}, hub, testLogger()).Handler())
	defer srv.Close()

	conn := dialEvents(t, srv.URL)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
