// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit throttles connection attempts per remote IP and
// publish/subscribe traffic per MQTT client.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	Connection LimitConfig `yaml:"connection"` // per remote IP
	Publish    LimitConfig `yaml:"publish"`    // per client ID
	Subscribe  LimitConfig `yaml:"subscribe"`  // per client ID

	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// LimitConfig describes a single token bucket.
type LimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // events per second
	Burst   int     `yaml:"burst"` // burst allowance
}

// DefaultConfig returns the limits used when the harness config does not override them.
func DefaultConfig() Config {
	return Config{
		Enabled:         false,
		Connection:      LimitConfig{Enabled: true, Rate: 100.0 / 60.0, Burst: 20},
		Publish:         LimitConfig{Enabled: true, Rate: 1000, Burst: 100},
		Subscribe:       LimitConfig{Enabled: true, Rate: 100, Burst: 10},
		CleanupInterval: 5 * time.Minute,
	}
}

// KeyedLimiter holds one token bucket per key and forgets keys that stay idle.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rate     rate.Limit
	burst    int
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewKeyedLimiter creates a limiter allowing r events per second per key with the given burst.
func NewKeyedLimiter(r float64, burst int) *KeyedLimiter {
	return &KeyedLimiter{
		limiters: make(map[string]*entry),
		rate:     rate.Limit(r),
		burst:    burst,
	}
}

// Allow reports whether an event for key may happen now.
func (l *KeyedLimiter) Allow(key string) bool {
	l.mu.Lock()
	e, ok := l.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = time.Now()
	limiter := e.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

// Remove drops the bucket for key.
func (l *KeyedLimiter) Remove(key string) {
	l.mu.Lock()
	delete(l.limiters, key)
	l.mu.Unlock()
}

// Len returns the number of tracked keys.
func (l *KeyedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Prune removes keys not seen since before.
func (l *KeyedLimiter) Prune(before time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, e := range l.limiters {
		if e.lastSeen.Before(before) {
			delete(l.limiters, key)
		}
	}
}

// Manager coordinates all rate limiters. A nil or disabled Manager allows everything.
type Manager struct {
	config    Config
	conn      *KeyedLimiter
	publish   *KeyedLimiter
	subscribe *KeyedLimiter
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewManager creates a new rate limit manager.
func NewManager(cfg Config) *Manager {
	m := &Manager{config: cfg, stopCh: make(chan struct{})}
	if !cfg.Enabled {
		return m
	}

	if cfg.Connection.Enabled {
		m.conn = NewKeyedLimiter(cfg.Connection.Rate, cfg.Connection.Burst)
	}
	if cfg.Publish.Enabled {
		m.publish = NewKeyedLimiter(cfg.Publish.Rate, cfg.Publish.Burst)
	}
	if cfg.Subscribe.Enabled {
		m.subscribe = NewKeyedLimiter(cfg.Subscribe.Rate, cfg.Subscribe.Burst)
	}

	if m.conn != nil && cfg.CleanupInterval > 0 {
		go m.cleanupLoop(cfg.CleanupInterval)
	}
	return m
}

// Allow checks if a new connection from the given address is allowed.
func (m *Manager) Allow(addr net.Addr) bool {
	if m == nil || m.conn == nil {
		return true
	}
	ip := extractIP(addr)
	if ip == "" {
		return true
	}
	return m.conn.Allow(ip)
}

// AllowPublish checks if a publish from the given client is allowed.
func (m *Manager) AllowPublish(clientID string) bool {
	if m == nil || m.publish == nil {
		return true
	}
	return m.publish.Allow(clientID)
}

// AllowSubscribe checks if a subscription from the given client is allowed.
func (m *Manager) AllowSubscribe(clientID string) bool {
	if m == nil || m.subscribe == nil {
		return true
	}
	return m.subscribe.Allow(clientID)
}

// OnClientDisconnect cleans up rate limiters for a disconnected client.
func (m *Manager) OnClientDisconnect(clientID string) {
	if m == nil {
		return
	}
	if m.publish != nil {
		m.publish.Remove(clientID)
	}
	if m.subscribe != nil {
		m.subscribe.Remove(clientID)
	}
}

// Stop stops the cleanup goroutine.
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.conn.Prune(time.Now().Add(-2 * interval))
		case <-m.stopCh:
			return
		}
	}
}

// extractIP extracts the IP address from a net.Addr.
func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}
