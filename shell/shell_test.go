// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxmq-harness/harness"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeController struct {
	mu       sync.Mutex
	calls    []string
	status   harness.StatusSnapshot
	startErr error
	pubErr   error
}

func (f *fakeController) record(op string, args ...any) {
	parts := []string{op}
	for _, a := range args {
		parts = append(parts, fmt.Sprint(a))
	}
	f.mu.Lock()
	f.calls = append(f.calls, strings.Join(parts, " "))
	f.mu.Unlock()
}

func (f *fakeController) StartBroker(_ context.Context, port int) error {
	f.record("start-broker", port)
	return f.startErr
}

func (f *fakeController) StopBroker(context.Context) error {
	f.record("stop-broker")
	return nil
}

func (f *fakeController) StartPublisher(_ context.Context, host string, port int) error {
	f.record("start-publisher", host, port)
	return f.startErr
}

func (f *fakeController) StopPublisher(context.Context) error {
	f.record("stop-publisher")
	return nil
}

func (f *fakeController) StartSubscriber(_ context.Context, host string, port int, topic string) error {
	f.record("start-subscriber", host, port, topic)
	return f.startErr
}

func (f *fakeController) StopSubscriber(context.Context) error {
	f.record("stop-subscriber")
	return nil
}

func (f *fakeController) Publish(_ context.Context, topic, payload string) error {
	f.record("publish", topic, payload)
	if strings.TrimSpace(topic) == "" {
		return harness.ErrEmptyTopic
	}
	return f.pubErr
}

func (f *fakeController) Status() harness.StatusSnapshot {
	return f.status
}

func (f *fakeController) lastCall() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	return f.calls[len(f.calls)-1]
}

func newTestShell(ctrl Controller, out io.Writer) *Shell {
	s := New(ctrl, out, "broker.local", slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = func() time.Time { return time.Date(2026, 10, 19, 14, 3, 7, 0, time.UTC) }
	return s
}

func TestExecCommands(t *testing.T) {
	cases := []struct {
		line string
		call string
	}{
		{"broker start 1883", "start-broker 1883"},
		{"broker stop", "stop-broker"},
		{"publisher start 1883", "start-publisher broker.local 1883"},
		{"pub start 10.0.0.2 1884", "start-publisher 10.0.0.2 1884"},
		{"publisher stop", "stop-publisher"},
		{"subscriber start 1883 a/#", "start-subscriber broker.local 1883 a/#"},
		{"sub start host 1883 a/b", "start-subscriber host 1883 a/b"},
		{"subscriber stop", "stop-subscriber"},
		{"publish t hello world", "publish t hello world"},
		{"generate t", `publish t {"dt":"Monday, 19 October 2026 14:03:07"}`},
	}

	for _, tc := range cases {
		t.Run(tc.line, func(t *testing.T) {
			ctrl := &fakeController{}
			err := newTestShell(ctrl, io.Discard).Exec(context.Background(), tc.line)
			require.NoError(t, err)
			assert.Equal(t, tc.call, ctrl.lastCall())
		})
	}
}

func TestExecRejectsBadInput(t *testing.T) {
	cases := []struct {
		line    string
		wantErr error
	}{
		{"broker start abc", harness.ErrInvalidPort},
		{"broker start 0", harness.ErrInvalidPort},
		{"publisher start host 99999", harness.ErrInvalidPort},
		{"subscriber start 1883 t x y", nil},
		{"broker", nil},
		{"broker restart", nil},
		{"publish", nil},
		{"generate a b", nil},
	}

	for _, tc := range cases {
		t.Run(tc.line, func(t *testing.T) {
			ctrl := &fakeController{}
			err := newTestShell(ctrl, io.Discard).Exec(context.Background(), tc.line)
			require.Error(t, err)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			} else {
				var usage *UsageError
				assert.ErrorAs(t, err, &usage)
			}
			assert.Empty(t, ctrl.calls, "rejected input must not reach the coordinator")
		})
	}
}

func TestExecUnknownAndQuit(t *testing.T) {
	s := newTestShell(&fakeController{}, io.Discard)

	err := s.Exec(context.Background(), "frobnicate")
	assert.ErrorContains(t, err, "unknown command")

	assert.NoError(t, s.Exec(context.Background(), "   "))
	assert.ErrorIs(t, s.Exec(context.Background(), "quit"), ErrQuit)
	assert.ErrorIs(t, s.Exec(context.Background(), "EXIT"), ErrQuit)
}

func TestExecStatusAndGenerate(t *testing.T) {
	var out bytes.Buffer
	ctrl := &fakeController{status: harness.StatusSnapshot{BrokerRunning: true, SubscriberRunning: true}}
	s := newTestShell(ctrl, &out)

	require.NoError(t, s.Exec(context.Background(), "status"))
	require.NoError(t, s.Exec(context.Background(), "generate"))

	assert.Equal(t,
		"broker: running | publisher: stopped | subscriber: running\n"+
			`{"dt":"Monday, 19 October 2026 14:03:07"}`+"\n",
		out.String())
}

func TestRunPrintsOnlyUnreportedErrors(t *testing.T) {
	var out bytes.Buffer
	ctrl := &fakeController{
		startErr: &harness.StartError{Role: harness.RoleBroker, Err: errors.New("address in use")},
		pubErr:   errors.New("not connected"),
	}
	s := newTestShell(ctrl, &out)

	in := strings.NewReader("broker start 1883\nbroker start x\npublish t p\npublish\nquit\nbroker stop\n")
	require.NoError(t, s.Run(context.Background(), in))

	got := out.String()
	assert.NotContains(t, got, "address in use")
	assert.NotContains(t, got, "not connected")
	assert.Contains(t, got, "error: invalid port")
	assert.Contains(t, got, "error: usage: publish")
	assert.NotContains(t, ctrl.calls, "stop-broker", "commands after quit must not run")
}

func TestRunEndOfInput(t *testing.T) {
	ctrl := &fakeController{}
	s := newTestShell(ctrl, io.Discard)

	require.NoError(t, s.Run(context.Background(), strings.NewReader("broker start 1883\n")))
	assert.Equal(t, []string{"start-broker 1883"}, ctrl.calls)
}

func TestRunStopsOnCancel(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- newTestShell(&fakeController{}, io.Discard).Run(ctx, r) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
