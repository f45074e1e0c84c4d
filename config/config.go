// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/fluxmq-harness/harness"
	"github.com/absmach/fluxmq-harness/ratelimit"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the harness.
type Config struct {
	Broker     BrokerConfig     `yaml:"broker"`
	Client     ClientConfig     `yaml:"client"`
	Publisher  RoleConfig       `yaml:"publisher"`
	Subscriber RoleConfig       `yaml:"subscriber"`
	Storage    StorageConfig    `yaml:"storage"`
	RateLimit  ratelimit.Config `yaml:"rate_limit"`
	Events     EventsConfig     `yaml:"events"`
	Log        LogConfig        `yaml:"log"`
	API        APIConfig        `yaml:"api"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Webhook    WebhookConfig    `yaml:"webhook"`
}

// BrokerConfig holds the embedded broker configuration.
type BrokerConfig struct {
	Port                int               `yaml:"port"`
	BindHost            string            `yaml:"bind_host"`
	PersistentSessions  bool              `yaml:"persistent_sessions"`
	ClearStorageOnStart bool              `yaml:"clear_storage_on_start"`
	MaxQoS              int               `yaml:"max_qos"`
	OutboundBuffer      int               `yaml:"outbound_buffer"`
	ConnectTimeout      time.Duration     `yaml:"connect_timeout"`
	WriteTimeout        time.Duration     `yaml:"write_timeout"`
	MaxConnections      int               `yaml:"max_connections"`
	ShutdownTimeout     time.Duration     `yaml:"shutdown_timeout"`
	Users               map[string]string `yaml:"users"` // username -> password; empty allows anonymous

	TLSEnabled  bool   `yaml:"tls_enabled"`
	TLSCertFile string `yaml:"tls_cert_file"` // self-signed when both files are empty
	TLSKeyFile  string `yaml:"tls_key_file"`

	WSEnabled bool   `yaml:"ws_enabled"`
	WSAddr    string `yaml:"ws_addr"`
	WSPath    string `yaml:"ws_path"`
}

// ClientConfig holds connection settings shared by the publisher and subscriber.
type ClientConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ProtocolVersion int           `yaml:"protocol_version"` // 3 or 4
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
}

// RoleConfig holds the settings of one client role.
type RoleConfig struct {
	ClientID       string            `yaml:"client_id"`
	KeepAlive      time.Duration     `yaml:"keep_alive"`
	CleanSession   bool              `yaml:"clean_session"`
	AutoReconnect  bool              `yaml:"auto_reconnect"`
	ReconnectDelay time.Duration     `yaml:"reconnect_delay"`
	QoS            int               `yaml:"qos"` // subscription QoS, subscriber only
	TLS            harness.TLSPolicy `yaml:"tls"`
}

// StorageConfig selects the broker store.
type StorageConfig struct {
	Type      string `yaml:"type"` // "memory" or "badger"
	BadgerDir string `yaml:"badger_dir"`
}

// EventsConfig controls how notifications reach the presentation layer.
type EventsConfig struct {
	QueueSize    int           `yaml:"queue_size"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// APIConfig holds the HTTP control API configuration.
type APIConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// MetricsConfig holds OpenTelemetry configuration.
type MetricsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Endpoint        string        `yaml:"endpoint"` // OTLP gRPC collector
	ServiceName     string        `yaml:"service_name"`
	ServiceVersion  string        `yaml:"service_version"`
	Interval        time.Duration `yaml:"interval"`
	TracesEnabled   bool          `yaml:"traces_enabled"`
	TraceSampleRate float64       `yaml:"trace_sample_rate"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled         bool              `yaml:"enabled"`
	QueueSize       int               `yaml:"queue_size"`
	DropPolicy      string            `yaml:"drop_policy"`      // "oldest" or "newest"
	Workers         int               `yaml:"workers"`          // Number of worker goroutines
	IncludePayload  bool              `yaml:"include_payload"`  // Include message payload in events
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"` // Graceful shutdown timeout
	Defaults        WebhookDefaults   `yaml:"defaults"`
	Endpoints       []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookDefaults holds default settings for webhook endpoints.
type WebhookDefaults struct {
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig holds retry configuration for webhook delivery.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// WebhookEndpoint defines a single webhook endpoint configuration.
type WebhookEndpoint struct {
	Name         string            `yaml:"name"`
	Type         string            `yaml:"type"` // "http"
	URL          string            `yaml:"url"`
	Events       []string          `yaml:"events"`        // Event type filter (empty = all)
	TopicFilters []string          `yaml:"topic_filters"` // Topic pattern filter (empty = all)
	Headers      map[string]string `yaml:"headers"`
	Timeout      time.Duration     `yaml:"timeout,omitempty"` // Override default
	Retry        *RetryConfig      `yaml:"retry,omitempty"`   // Override default
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	publisher := harness.DefaultPublisherProfile()
	subscriber := harness.DefaultSubscriberProfile()

	return &Config{
		Broker: BrokerConfig{
			Port:                1883,
			PersistentSessions:  true,
			ClearStorageOnStart: true,
			MaxQoS:              2,
			OutboundBuffer:      256,
			ConnectTimeout:      10 * time.Second,
			WriteTimeout:        10 * time.Second,
			MaxConnections:      1000,
			ShutdownTimeout:     5 * time.Second,
			WSAddr:              ":8083",
			WSPath:              "/mqtt",
		},
		Client: ClientConfig{
			Host:            "localhost",
			Port:            1883,
			ProtocolVersion: int(harness.MQTT311),
			ConnectTimeout:  10 * time.Second,
		},
		Publisher: RoleConfig{
			ClientID:       publisher.ClientID,
			KeepAlive:      publisher.KeepAlive,
			CleanSession:   publisher.CleanSession,
			AutoReconnect:  publisher.AutoReconnect,
			ReconnectDelay: publisher.ReconnectDelay,
			TLS:            publisher.TLS,
		},
		Subscriber: RoleConfig{
			ClientID:       subscriber.ClientID,
			KeepAlive:      subscriber.KeepAlive,
			CleanSession:   subscriber.CleanSession,
			AutoReconnect:  subscriber.AutoReconnect,
			ReconnectDelay: subscriber.ReconnectDelay,
			QoS:            int(subscriber.SubscribeQoS),
			TLS:            subscriber.TLS,
		},
		Storage: StorageConfig{
			Type:      "memory",
			BadgerDir: "/tmp/fluxmq-harness/data",
		},
		RateLimit: ratelimit.DefaultConfig(),
		Events: EventsConfig{
			QueueSize:    1024,
			PollInterval: harness.DefaultPollInterval,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		API: APIConfig{
			Enabled:         false,
			Addr:            ":8080",
			ShutdownTimeout: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:         false,
			Endpoint:        "localhost:4317",
			ServiceName:     "fluxmq-harness",
			ServiceVersion:  "1.0.0",
			Interval:        10 * time.Second,
			TracesEnabled:   false,
			TraceSampleRate: 0.1,
		},
		Webhook: WebhookConfig{
			Enabled:         false,
			QueueSize:       1000,
			DropPolicy:      "oldest",
			Workers:         2,
			IncludePayload:  false,
			ShutdownTimeout: 5 * time.Second,
			Defaults: WebhookDefaults{
				Timeout: 5 * time.Second,
				Retry: RetryConfig{
					MaxAttempts:     3,
					InitialInterval: 1 * time.Second,
					MaxInterval:     30 * time.Second,
					Multiplier:      2.0,
				},
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					ResetTimeout:     60 * time.Second,
				},
			},
			Endpoints: []WebhookEndpoint{},
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := harness.ValidatePort(c.Broker.Port); err != nil {
		return fmt.Errorf("broker.port: %w", err)
	}
	if c.Broker.MaxQoS < 0 || c.Broker.MaxQoS > 2 {
		return fmt.Errorf("broker.max_qos must be 0, 1 or 2")
	}
	if c.Broker.MaxConnections < 0 {
		return fmt.Errorf("broker.max_connections cannot be negative")
	}
	if (c.Broker.TLSCertFile == "") != (c.Broker.TLSKeyFile == "") {
		return fmt.Errorf("broker.tls_cert_file and broker.tls_key_file must be set together")
	}
	if c.Broker.WSEnabled && c.Broker.WSAddr == "" {
		return fmt.Errorf("broker.ws_addr required when ws_enabled")
	}

	if c.Client.Host == "" {
		return fmt.Errorf("client.host cannot be empty")
	}
	if err := harness.ValidatePort(c.Client.Port); err != nil {
		return fmt.Errorf("client.port: %w", err)
	}
	if c.Client.ProtocolVersion != int(harness.MQTT31) && c.Client.ProtocolVersion != int(harness.MQTT311) {
		return fmt.Errorf("client.protocol_version must be 3 or 4")
	}

	if c.Publisher.ClientID == "" {
		return fmt.Errorf("publisher.client_id cannot be empty")
	}
	if c.Subscriber.ClientID == "" {
		return fmt.Errorf("subscriber.client_id cannot be empty")
	}
	if c.Publisher.ClientID == c.Subscriber.ClientID {
		return fmt.Errorf("publisher and subscriber client_id must differ")
	}
	if c.Subscriber.QoS < 0 || c.Subscriber.QoS > 2 {
		return fmt.Errorf("subscriber.qos must be 0, 1 or 2")
	}

	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when type is badger")
	}

	if c.Events.QueueSize < 1 {
		return fmt.Errorf("events.queue_size must be at least 1")
	}
	if c.Events.PollInterval < 10*time.Millisecond {
		return fmt.Errorf("events.poll_interval must be at least 10ms")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.API.Enabled && c.API.Addr == "" {
		return fmt.Errorf("api.addr cannot be empty when api is enabled")
	}

	// OpenTelemetry validation (only if metrics enabled)
	if c.Metrics.Enabled {
		if c.Metrics.Endpoint == "" {
			return fmt.Errorf("metrics.endpoint cannot be empty when metrics enabled")
		}
		if c.Metrics.ServiceName == "" {
			return fmt.Errorf("metrics.service_name cannot be empty when metrics enabled")
		}
		if c.Metrics.TraceSampleRate < 0.0 || c.Metrics.TraceSampleRate > 1.0 {
			return fmt.Errorf("metrics.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	// Webhook validation (only if enabled)
	if c.Webhook.Enabled {
		if c.Webhook.QueueSize < 100 {
			return fmt.Errorf("webhook.queue_size must be at least 100")
		}
		if c.Webhook.DropPolicy != "oldest" && c.Webhook.DropPolicy != "newest" {
			return fmt.Errorf("webhook.drop_policy must be 'oldest' or 'newest'")
		}
		if c.Webhook.Workers < 1 {
			return fmt.Errorf("webhook.workers must be at least 1")
		}
		if c.Webhook.ShutdownTimeout < time.Second {
			return fmt.Errorf("webhook.shutdown_timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Timeout < time.Second {
			return fmt.Errorf("webhook.defaults.timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Retry.MaxAttempts < 1 {
			return fmt.Errorf("webhook.defaults.retry.max_attempts must be at least 1")
		}
		if c.Webhook.Defaults.Retry.Multiplier < 1.0 {
			return fmt.Errorf("webhook.defaults.retry.multiplier must be at least 1.0")
		}
		if c.Webhook.Defaults.CircuitBreaker.FailureThreshold < 1 {
			return fmt.Errorf("webhook.defaults.circuit_breaker.failure_threshold must be at least 1")
		}

		for i, endpoint := range c.Webhook.Endpoints {
			if endpoint.Name == "" {
				return fmt.Errorf("webhook.endpoints[%d].name cannot be empty", i)
			}
			if endpoint.Type != "http" {
				return fmt.Errorf("webhook.endpoints[%d].type must be 'http'", i)
			}
			if endpoint.URL == "" {
				return fmt.Errorf("webhook.endpoints[%d].url cannot be empty", i)
			}
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// PublisherProfile returns the publisher connection profile.
func (c *Config) PublisherProfile() harness.Profile {
	return c.profile(c.Publisher)
}

// SubscriberProfile returns the subscriber connection profile.
func (c *Config) SubscriberProfile() harness.Profile {
	p := c.profile(c.Subscriber)
	p.SubscribeQoS = harness.QoS(c.Subscriber.QoS)
	return p
}

// BrokerDefaults returns the options applied to every broker start.
func (c *Config) BrokerDefaults() harness.BrokerConfig {
	return harness.BrokerConfig{
		Port:                c.Broker.Port,
		PersistentSessions:  c.Broker.PersistentSessions,
		ClearStorageOnStart: c.Broker.ClearStorageOnStart,
	}
}

func (c *Config) profile(r RoleConfig) harness.Profile {
	p := harness.Profile{
		ClientID:        r.ClientID,
		ProtocolVersion: harness.ProtocolVersion(c.Client.ProtocolVersion),
		TLS:             r.TLS,
		KeepAlive:       r.KeepAlive,
		CleanSession:    r.CleanSession,
		AutoReconnect:   r.AutoReconnect,
		ReconnectDelay:  r.ReconnectDelay,
		ConnectTimeout:  c.Client.ConnectTimeout,
	}
	if c.Client.Username != "" {
		p.Credentials = &harness.Credentials{
			Username: c.Client.Username,
			Password: c.Client.Password,
		}
	}
	return p
}
