// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/fluxmq-harness/config"
	"github.com/absmach/fluxmq-harness/harness"
)

// mockSender implements Sender interface for testing
type mockSender struct {
	mu          sync.Mutex
	sendCount   int32
	sendFunc    func(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error
	lastURL     string
	lastHeaders map[string]string
	payloads    [][]byte
}

func newMockSender() *mockSender {
	return &mockSender{
		sendFunc: func(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error {
			return nil
		},
	}
}

func (m *mockSender) Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error {
	atomic.AddInt32(&m.sendCount, 1)
	m.mu.Lock()
	m.lastURL = url
	m.lastHeaders = headers
	m.payloads = append(m.payloads, payload)
	m.mu.Unlock()
	return m.sendFunc(ctx, url, headers, payload, timeout)
}

func (m *mockSender) getSendCount() int {
	return int(atomic.LoadInt32(&m.sendCount))
}

func (m *mockSender) events(t *testing.T) []map[string]any {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]map[string]any, 0, len(m.payloads))
	for _, p := range m.payloads {
		var ev map[string]any
		if err := json.Unmarshal(p, &ev); err != nil {
			t.Fatalf("invalid payload %s: %v", p, err)
		}
		out = append(out, ev)
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(endpoints ...config.WebhookEndpoint) config.WebhookConfig {
	return config.WebhookConfig{
		QueueSize:  100,
		DropPolicy: "oldest",
		Workers:    2,
		Defaults: config.WebhookDefaults{
			Timeout: 5 * time.Second,
			Retry: config.RetryConfig{
				MaxAttempts:     1,
				InitialInterval: 10 * time.Millisecond,
				MaxInterval:     50 * time.Millisecond,
				Multiplier:      2.0,
			},
			CircuitBreaker: config.CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     10 * time.Second,
			},
		},
		ShutdownTimeout: 5 * time.Second,
		Endpoints:       endpoints,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewNotifier_NilSender(t *testing.T) {
	_, err := NewNotifier(testConfig(), "harness-1", nil, nil)
	if !errors.Is(err, ErrNilSender) {
		t.Errorf("expected ErrNilSender, got %v", err)
	}
}

func TestNotifier_MessageEvent(t *testing.T) {
	sender := newMockSender()
	cfg := testConfig(config.WebhookEndpoint{
		Name:    "ops",
		Type:    "http",
		URL:     "http://example.com/webhook",
		Headers: map[string]string{"Authorization": "Bearer token"},
	})
	cfg.IncludePayload = true

	n, err := NewNotifier(cfg, "harness-1", sender, testLogger())
	if err != nil {
		t.Fatalf("failed to create notifier: %v", err)
	}
	defer n.Close()

	n.OnMessage(harness.InboundMessageRecord{
		Timestamp: time.Now(),
		Topic:     "sensors/temp",
		Payload:   "21.5",
		QoS:       harness.AtLeastOnce,
		Source:    harness.RoleSubscriber,
	})

	waitFor(t, func() bool { return sender.getSendCount() == 1 })

	sender.mu.Lock()
	url, headers := sender.lastURL, sender.lastHeaders
	sender.mu.Unlock()
	if url != "http://example.com/webhook" {
		t.Errorf("unexpected url %s", url)
	}
	if headers["Authorization"] != "Bearer token" {
		t.Errorf("expected auth header, got %v", headers)
	}

	ev := sender.events(t)[0]
	if ev["type"] != EventMessageReceived || ev["source"] != "harness-1" || ev["id"] == "" {
		t.Errorf("unexpected envelope: %v", ev)
	}
	data := ev["data"].(map[string]any)
	if data["topic"] != "sensors/temp" || data["payload"] != "21.5" || data["role"] != "subscriber" {
		t.Errorf("unexpected data: %v", data)
	}
}

func TestNotifier_PayloadOmittedByDefault(t *testing.T) {
	sender := newMockSender()
	n, err := NewNotifier(testConfig(config.WebhookEndpoint{Name: "a", URL: "http://a"}), "h", sender, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer n.Close()

	n.OnMessage(harness.InboundMessageRecord{Topic: "t", Payload: "secret"})
	waitFor(t, func() bool { return sender.getSendCount() == 1 })

	data := sender.events(t)[0]["data"].(map[string]any)
	if _, ok := data["payload"]; ok {
		t.Errorf("payload should be omitted: %v", data)
	}
	if data["size"] != float64(6) {
		t.Errorf("expected size 6, got %v", data["size"])
	}
}

func TestNotifier_Filters(t *testing.T) {
	sender := newMockSender()
	cfg := testConfig(
		config.WebhookEndpoint{Name: "errors", URL: "http://errors", Events: []string{EventError}},
		config.WebhookEndpoint{Name: "sensors", URL: "http://sensors", TopicFilters: []string{"sensors/#"}},
	)
	n, err := NewNotifier(cfg, "h", sender, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer n.Close()

	n.OnMessage(harness.InboundMessageRecord{Topic: "sensors/temp"})
	n.OnMessage(harness.InboundMessageRecord{Topic: "other/topic"})
	n.OnError("boom")

	// errors endpoint: 1 error event. sensors endpoint: 1 message + 1 error (no topic).
	waitFor(t, func() bool { return sender.getSendCount() == 3 })
	time.Sleep(50 * time.Millisecond)
	if got := sender.getSendCount(); got != 3 {
		t.Errorf("expected 3 sends, got %d", got)
	}
}

func TestNotifier_StatusOnlyOnChange(t *testing.T) {
	sender := newMockSender()
	n, err := NewNotifier(testConfig(config.WebhookEndpoint{Name: "a", URL: "http://a"}), "h", sender, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer n.Close()

	n.OnStatus(harness.StatusSnapshot{Time: time.Now()})
	n.OnStatus(harness.StatusSnapshot{Time: time.Now()})
	n.OnStatus(harness.StatusSnapshot{Time: time.Now(), BrokerRunning: true})
	n.OnStatus(harness.StatusSnapshot{Time: time.Now(), BrokerRunning: true})

	waitFor(t, func() bool { return sender.getSendCount() == 2 })
	time.Sleep(50 * time.Millisecond)
	if got := sender.getSendCount(); got != 2 {
		t.Errorf("expected 2 status events, got %d", got)
	}
}

func TestNotifier_ConnectionEvents(t *testing.T) {
	sender := newMockSender()
	n, err := NewNotifier(testConfig(config.WebhookEndpoint{Name: "a", URL: "http://a"}), "h", sender, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer n.Close()

	n.OnConnection(harness.ConnectionEvent{Time: time.Now(), Role: harness.RolePublisher, Connected: true})
	waitFor(t, func() bool { return sender.getSendCount() == 1 })
	n.OnConnection(harness.ConnectionEvent{Time: time.Now(), Role: harness.RolePublisher, Err: errors.New("EOF")})
	waitFor(t, func() bool { return sender.getSendCount() == 2 })

	evs := sender.events(t)
	if evs[0]["type"] != EventClientConnected || evs[1]["type"] != EventClientDisconnected {
		t.Errorf("unexpected event types: %v, %v", evs[0]["type"], evs[1]["type"])
	}
	if evs[1]["data"].(map[string]any)["error"] != "EOF" {
		t.Errorf("expected error in disconnect data: %v", evs[1]["data"])
	}
}

func TestNotifier_Retry(t *testing.T) {
	sender := newMockSender()
	var calls atomic.Int32
	sender.sendFunc = func(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error {
		if calls.Add(1) < 3 {
			return errors.New("temporary failure")
		}
		return nil
	}

	cfg := testConfig(config.WebhookEndpoint{Name: "a", URL: "http://a"})
	cfg.Defaults.Retry.MaxAttempts = 3
	n, err := NewNotifier(cfg, "h", sender, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer n.Close()

	n.OnError("x")
	waitFor(t, func() bool {
		delivered, _, _ := n.Stats()
		return delivered == 1
	})
	if got := sender.getSendCount(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestNotifier_RetryExhausted(t *testing.T) {
	sender := newMockSender()
	sender.sendFunc = func(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error {
		return errors.New("down")
	}

	cfg := testConfig(config.WebhookEndpoint{Name: "a", URL: "http://a"})
	cfg.Defaults.Retry.MaxAttempts = 2
	n, err := NewNotifier(cfg, "h", sender, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer n.Close()

	n.OnError("x")
	waitFor(t, func() bool {
		_, failed, _ := n.Stats()
		return failed == 1
	})
	if got := sender.getSendCount(); got != 2 {
		t.Errorf("expected 2 attempts, got %d", got)
	}
}

func TestNotifier_CircuitBreaker(t *testing.T) {
	sender := newMockSender()
	sender.sendFunc = func(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error {
		return errors.New("down")
	}

	cfg := testConfig(config.WebhookEndpoint{Name: "a", URL: "http://a"})
	cfg.Workers = 1
	cfg.Defaults.CircuitBreaker.FailureThreshold = 2
	n, err := NewNotifier(cfg, "h", sender, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer n.Close()

	for i := 0; i < 5; i++ {
		n.OnError("x")
	}
	waitFor(t, func() bool {
		_, failed, _ := n.Stats()
		return failed == 5
	})
	if got := sender.getSendCount(); got != 2 {
		t.Errorf("breaker should stop sends after 2 failures, got %d", got)
	}
}

func TestNotifier_DropNewest(t *testing.T) {
	block := make(chan struct{})
	sender := newMockSender()
	sender.sendFunc = func(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error {
		<-block
		return nil
	}

	cfg := testConfig(config.WebhookEndpoint{Name: "a", URL: "http://a"})
	cfg.Workers = 1
	cfg.QueueSize = 2
	cfg.DropPolicy = "newest"
	cfg.ShutdownTimeout = 100 * time.Millisecond
	n, err := NewNotifier(cfg, "h", sender, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	n.OnError("in flight")
	waitFor(t, func() bool { return sender.getSendCount() == 1 })
	for i := 0; i < 4; i++ {
		n.OnError("queued")
	}

	_, _, dropped := n.Stats()
	if dropped != 2 {
		t.Errorf("expected 2 dropped, got %d", dropped)
	}
	close(block)
	n.Close()
}

func TestNotifier_CloseStopsAccepting(t *testing.T) {
	sender := newMockSender()
	n, err := NewNotifier(testConfig(config.WebhookEndpoint{Name: "a", URL: "http://a"}), "h", sender, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	n.OnError("late")
	time.Sleep(20 * time.Millisecond)
	if got := sender.getSendCount(); got != 0 {
		t.Errorf("expected no sends after close, got %d", got)
	}
}
