// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoHandler struct{}

func (echoHandler) HandleConnection(ctx context.Context, conn net.Conn) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	buf := make([]byte, 4)
	for {
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		if _, err := conn.Write(buf); err != nil {
			return
		}
	}
}

func startServer(t *testing.T) (*Server, context.CancelFunc, <-chan error) {
	t.Helper()

	s := New(Config{Address: "127.0.0.1:0", ShutdownTimeout: time.Second}, echoHandler{})
	require.NoError(t, s.Bind())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	return s, cancel, done
}

func TestStreamAcrossFrames(t *testing.T) {
	s, cancel, done := startServer(t)
	defer func() {
		cancel()
		<-done
	}()

	dialer := websocket.Dialer{Subprotocols: []string{"mqtt"}}
	ws, resp, err := dialer.Dial("ws://"+s.Addr().String()+"/mqtt", nil)
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, "mqtt", resp.Header.Get("Sec-Websocket-Protocol"))

	// One 4-byte unit split over two frames, then two units in one frame.
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{1, 2}))
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{3, 4}))
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{5, 6, 7, 8, 9, 10, 11, 12}))

	var got []byte
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for len(got) < 12 {
		mt, data, err := ws.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.BinaryMessage, mt)
		got = append(got, data...)
	}
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, got)
}

func TestTextFrameClosesConnection(t *testing.T) {
	s, cancel, done := startServer(t)
	defer func() {
		cancel()
		<-done
	}()

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr().String()+"/mqtt", nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("nope")))

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	assert.Error(t, err)
}

func TestShutdownClosesConnections(t *testing.T) {
	s, cancel, done := startServer(t)

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr().String()+"/mqtt", nil)
	require.NoError(t, err)
	defer ws.Close()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	assert.Error(t, err)
}

func TestServeWithoutBind(t *testing.T) {
	s := New(Config{Address: "127.0.0.1:0"}, echoHandler{})
	assert.ErrorIs(t, s.Serve(context.Background()), ErrNotBound)
	assert.Nil(t, s.Addr())
}
