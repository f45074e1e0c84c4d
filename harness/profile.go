// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package harness

import "time"

// Profile holds the fixed connection settings of a client role. The host and
// port come from the start command; everything else comes from here.
type Profile struct {
	ClientID        string
	ProtocolVersion ProtocolVersion
	TLS             TLSPolicy
	KeepAlive       time.Duration
	CleanSession    bool
	Credentials     *Credentials
	AutoReconnect   bool
	ReconnectDelay  time.Duration
	ConnectTimeout  time.Duration
	// SubscribeQoS applies to subscriber filters only.
	SubscribeQoS QoS
}

// DefaultPublisherProfile is a clean MQTT 3.1.1 session with a 5 second
// keep-alive. TLS is off, but lenient if it is ever turned on.
func DefaultPublisherProfile() Profile {
	return Profile{
		ClientID:        "ClientPublisher",
		ProtocolVersion: MQTT311,
		TLS: TLSPolicy{
			AllowUntrusted:         true,
			IgnoreChainErrors:      true,
			IgnoreRevocationErrors: true,
		},
		KeepAlive:      5 * time.Second,
		CleanSession:   true,
		ConnectTimeout: 10 * time.Second,
	}
}

// DefaultSubscriberProfile reconnects every 5 seconds after losing the broker.
func DefaultSubscriberProfile() Profile {
	return Profile{
		ClientID:        "ClientSubscriber",
		ProtocolVersion: MQTT311,
		KeepAlive:       15 * time.Second,
		CleanSession:    true,
		AutoReconnect:   true,
		ReconnectDelay:  5 * time.Second,
		ConnectTimeout:  10 * time.Second,
		SubscribeQoS:    AtMostOnce,
	}
}

// Connection builds the connection config for host:port.
func (p Profile) Connection(host string, port int) ConnectionConfig {
	var creds *Credentials
	if p.Credentials != nil {
		c := *p.Credentials
		creds = &c
	}
	return ConnectionConfig{
		Host:            host,
		Port:            port,
		ClientID:        p.ClientID,
		ProtocolVersion: p.ProtocolVersion,
		TLS:             p.TLS,
		KeepAlive:       p.KeepAlive,
		CleanSession:    p.CleanSession,
		Credentials:     creds,
		AutoReconnect:   p.AutoReconnect,
		ReconnectDelay:  p.ReconnectDelay,
		ConnectTimeout:  p.ConnectTimeout,
	}
}
