// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxmq-harness/harness"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	disconnectQuiesce = 250 // milliseconds
	subackFailure     = 0x80
)

// Client is a paho MQTT client implementing harness.Client.
type Client struct {
	cfg      harness.ConnectionConfig
	handlers harness.ClientHandlers
	logger   *slog.Logger
	client   mqtt.Client

	mu       sync.Mutex
	filters  []harness.TopicFilter
	stopped  bool
	connects atomic.Int64
}

var _ harness.Client = (*Client)(nil)

// NewClient builds a paho client for cfg. Nothing is dialed until Start.
func NewClient(cfg harness.ConnectionConfig, h harness.ClientHandlers, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:      cfg,
		handlers: h,
		logger:   logger.With(slog.String("client_id", cfg.ClientID)),
	}

	opts, err := c.options()
	if err != nil {
		return nil, err
	}
	c.client = mqtt.NewClient(opts)
	return c, nil
}

// BrokerURL returns the URL the client dials.
func BrokerURL(cfg harness.ConnectionConfig) string {
	scheme := "tcp"
	if cfg.TLS.Enabled {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
}

func (c *Client) options() (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(BrokerURL(c.cfg)).
		SetClientID(c.cfg.ClientID).
		SetCleanSession(c.cfg.CleanSession).
		SetKeepAlive(c.cfg.KeepAlive).
		SetProtocolVersion(uint(c.cfg.ProtocolVersion)).
		SetAutoReconnect(c.cfg.AutoReconnect).
		SetOrderMatters(false).
		SetDefaultPublishHandler(c.onMessage).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)

	if c.cfg.ReconnectDelay > 0 {
		opts.SetMaxReconnectInterval(c.cfg.ReconnectDelay)
	}
	if c.cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(c.cfg.ConnectTimeout)
	}
	if c.cfg.Credentials != nil {
		opts.SetUsername(c.cfg.Credentials.Username)
		opts.SetPassword(c.cfg.Credentials.Password)
	}
	if c.cfg.TLS.Enabled {
		tlsCfg, err := TLSConfig(c.cfg.TLS)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	return opts, nil
}

// Subscribe registers filters that are subscribed on every connect.
func (c *Client) Subscribe(filters ...harness.TopicFilter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters = append(c.filters, filters...)
}

// Start connects and subscribes the registered filters.
func (c *Client) Start(ctx context.Context) error {
	if err := wait(ctx, c.client.Connect()); err != nil {
		c.client.Disconnect(0)
		return fmt.Errorf("failed to connect to %s: %w", c.cfg.Address(), err)
	}
	if err := c.subscribe(ctx); err != nil {
		c.client.Disconnect(0)
		return err
	}
	return nil
}

// Stop disconnects. Calls after the first are no-ops.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.client.Disconnect(disconnectQuiesce)
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if c.handlers.OnDisconnect != nil {
		c.handlers.OnDisconnect(nil)
	}
	return err
}

// Publish sends msg and waits for the broker acknowledgement its QoS requires.
func (c *Client) Publish(ctx context.Context, msg harness.Message) error {
	tok := c.client.Publish(msg.Topic, byte(msg.QoS), msg.Retain, msg.Payload)
	return wait(ctx, tok)
}

func (c *Client) subscribe(ctx context.Context) error {
	c.mu.Lock()
	filters := make(map[string]byte, len(c.filters))
	for _, f := range c.filters {
		filters[f.Topic] = byte(f.QoS)
	}
	c.mu.Unlock()

	if len(filters) == 0 {
		return nil
	}

	tok := c.client.SubscribeMultiple(filters, nil)
	if err := wait(ctx, tok); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	if st, ok := tok.(*mqtt.SubscribeToken); ok {
		for topic, code := range st.Result() {
			if code == subackFailure {
				return fmt.Errorf("%w: %s", ErrSubscriptionRejected, topic)
			}
		}
	}
	return nil
}

func (c *Client) onConnect(mqtt.Client) {
	// The first subscribe happens in Start so its result can fail the start.
	if c.connects.Add(1) > 1 {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.subscribe(ctx)
		cancel()
		if err != nil {
			c.logger.Warn("resubscribe after reconnect failed", slog.String("error", err.Error()))
		}
	}
	if c.handlers.OnConnect != nil {
		c.handlers.OnConnect()
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.logger.Warn("connection lost", slog.String("error", err.Error()))
	if c.handlers.OnDisconnect != nil {
		c.handlers.OnDisconnect(err)
	}
}

func (c *Client) onMessage(_ mqtt.Client, m mqtt.Message) {
	if c.handlers.OnMessage != nil {
		c.handlers.OnMessage(m.Topic(), m.Payload(), harness.QoS(m.Qos()), m.Retained())
	}
}

func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
