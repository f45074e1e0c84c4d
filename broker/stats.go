// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync/atomic"
	"time"
)

// Stats tracks broker statistics.
type Stats struct {
	startTime time.Time

	totalConnections   atomic.Uint64
	currentConnections atomic.Int64
	disconnections     atomic.Uint64

	publishReceived atomic.Uint64
	publishSent     atomic.Uint64
	bytesReceived   atomic.Uint64
	bytesSent       atomic.Uint64
	dropped         atomic.Uint64

	subscriptions   atomic.Uint64
	unsubscriptions atomic.Uint64

	protocolErrors atomic.Uint64
	authErrors     atomic.Uint64
	authzErrors    atomic.Uint64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{startTime: time.Now()}
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	Uptime             time.Duration `json:"uptime"`
	TotalConnections   uint64        `json:"total_connections"`
	CurrentConnections int64         `json:"current_connections"`
	Disconnections     uint64        `json:"disconnections"`
	PublishReceived    uint64        `json:"publish_received"`
	PublishSent        uint64        `json:"publish_sent"`
	BytesReceived      uint64        `json:"bytes_received"`
	BytesSent          uint64        `json:"bytes_sent"`
	Dropped            uint64        `json:"dropped"`
	Subscriptions      uint64        `json:"subscriptions"`
	Unsubscriptions    uint64        `json:"unsubscriptions"`
	ProtocolErrors     uint64        `json:"protocol_errors"`
	AuthErrors         uint64        `json:"auth_errors"`
	AuthzErrors        uint64        `json:"authz_errors"`
}

func (s *Stats) connected() {
	s.totalConnections.Add(1)
	s.currentConnections.Add(1)
}

func (s *Stats) disconnected() {
	s.currentConnections.Add(-1)
	s.disconnections.Add(1)
}

func (s *Stats) publishIn(n int) {
	s.publishReceived.Add(1)
	s.bytesReceived.Add(uint64(n))
}

func (s *Stats) publishOut(n int) {
	s.publishSent.Add(1)
	s.bytesSent.Add(uint64(n))
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Uptime:             time.Since(s.startTime),
		TotalConnections:   s.totalConnections.Load(),
		CurrentConnections: s.currentConnections.Load(),
		Disconnections:     s.disconnections.Load(),
		PublishReceived:    s.publishReceived.Load(),
		PublishSent:        s.publishSent.Load(),
		BytesReceived:      s.bytesReceived.Load(),
		BytesSent:          s.bytesSent.Load(),
		Dropped:            s.dropped.Load(),
		Subscriptions:      s.subscriptions.Load(),
		Unsubscriptions:    s.unsubscriptions.Load(),
		ProtocolErrors:     s.protocolErrors.Load(),
		AuthErrors:         s.authErrors.Load(),
		AuthzErrors:        s.authzErrors.Load(),
	}
}
