// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package harness

import (
	"fmt"
	"time"
)

// QoS is the MQTT delivery guarantee.
type QoS byte

// Delivery guarantees.
const (
	AtMostOnce QoS = iota
	AtLeastOnce
	ExactlyOnce
)

// String returns the QoS name.
func (q QoS) String() string {
	switch q {
	case AtMostOnce:
		return "AtMostOnce"
	case AtLeastOnce:
		return "AtLeastOnce"
	case ExactlyOnce:
		return "ExactlyOnce"
	default:
		return fmt.Sprintf("QoS(%d)", byte(q))
	}
}

// ProtocolVersion is the MQTT protocol level sent in CONNECT.
type ProtocolVersion byte

// Supported protocol levels.
const (
	MQTT31  ProtocolVersion = 3
	MQTT311 ProtocolVersion = 4
)

// TLSPolicy describes whether a client connection uses TLS and how strictly
// the broker certificate is checked.
type TLSPolicy struct {
	Enabled                bool   `yaml:"enabled" json:"enabled"`
	AllowUntrusted         bool   `yaml:"allow_untrusted" json:"allow_untrusted"`
	IgnoreChainErrors      bool   `yaml:"ignore_chain_errors" json:"ignore_chain_errors"`
	IgnoreRevocationErrors bool   `yaml:"ignore_revocation_errors" json:"ignore_revocation_errors"`
	CAFile                 string `yaml:"ca_file" json:"ca_file,omitempty"`
}

// Lenient reports whether any certificate check is relaxed.
func (p TLSPolicy) Lenient() bool {
	return p.AllowUntrusted || p.IgnoreChainErrors || p.IgnoreRevocationErrors
}

// Credentials are passed through to the broker unchanged.
type Credentials struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

// ConnectionConfig is the immutable description of one client connection.
// A fresh value is built for every start.
type ConnectionConfig struct {
	Host            string
	Port            int
	ClientID        string
	ProtocolVersion ProtocolVersion
	TLS             TLSPolicy
	KeepAlive       time.Duration
	CleanSession    bool
	Credentials     *Credentials
	AutoReconnect   bool
	ReconnectDelay  time.Duration
	ConnectTimeout  time.Duration
}

// Address returns host:port.
func (c ConnectionConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BrokerConfig is what the coordinator hands to the transport to start a broker.
type BrokerConfig struct {
	Port                int
	PersistentSessions  bool
	ClearStorageOnStart bool
}

// TopicFilter is a subscription request.
type TopicFilter struct {
	Topic string `json:"topic"`
	QoS   QoS    `json:"qos"`
}

// Message is an outbound publish.
type Message struct {
	Topic   string
	Payload []byte
	QoS     QoS
	Retain  bool
}

// InboundMessageRecord describes one message received by a client role.
type InboundMessageRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Topic     string    `json:"topic"`
	Payload   string    `json:"payload"`
	QoS       QoS       `json:"qos"`
	Retained  bool      `json:"retained"`
	Source    Role      `json:"source"`
}

// String renders the record as a single log line.
func (r InboundMessageRecord) String() string {
	return fmt.Sprintf("Timestamp: %s | Topic: %s | Payload: %s | QoS: %s",
		r.Timestamp.Format(time.RFC3339Nano), r.Topic, r.Payload, r.QoS)
}

// StatusSnapshot reports which roles are live.
type StatusSnapshot struct {
	Time              time.Time `json:"time"`
	BrokerRunning     bool      `json:"broker_running"`
	PublisherRunning  bool      `json:"publisher_running"`
	SubscriberRunning bool      `json:"subscriber_running"`
}

// Running reports the state of a single role.
func (s StatusSnapshot) Running(r Role) bool {
	switch r {
	case RoleBroker:
		return s.BrokerRunning
	case RolePublisher:
		return s.PublisherRunning
	case RoleSubscriber:
		return s.SubscriberRunning
	default:
		return false
	}
}

// ConnectionEvent reports a client role connecting or losing its connection.
type ConnectionEvent struct {
	Time      time.Time `json:"time"`
	Role      Role      `json:"role"`
	Connected bool      `json:"connected"`
	Err       error     `json:"-"`
}
