// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxmq-harness/storage"
	"github.com/eclipse/paho.mqtt.golang/packets"
)

// session is the broker side of one live client connection.
type session struct {
	id        string
	conn      net.Conn
	version   byte
	clean     bool
	keepAlive time.Duration

	will     *storage.Message
	out      chan packets.ControlPacket
	done     chan struct{}
	closed   sync.Once
	packetID atomic.Uint32

	mu   sync.Mutex
	subs map[string]byte

	// Inbound QoS 2 messages waiting for PUBREL. Reader goroutine only.
	awaitingRel map[uint16]*storage.Message
	// Set when the client sent DISCONNECT; suppresses the will.
	graceful atomic.Bool
}

func newSession(id string, conn net.Conn, connect *packets.ConnectPacket, buffer int) *session {
	s := &session{
		id:          id,
		conn:        conn,
		version:     connect.ProtocolVersion,
		clean:       connect.CleanSession,
		keepAlive:   time.Duration(connect.Keepalive) * time.Second,
		out:         make(chan packets.ControlPacket, buffer),
		done:        make(chan struct{}),
		subs:        make(map[string]byte),
		awaitingRel: make(map[uint16]*storage.Message),
	}
	if connect.WillFlag {
		s.will = &storage.Message{
			Topic:   connect.WillTopic,
			Payload: connect.WillMessage,
			QoS:     connect.WillQos,
			Retain:  connect.WillRetain,
		}
	}
	return s
}

// nextPacketID returns a non-zero packet identifier.
func (s *session) nextPacketID() uint16 {
	for {
		id := uint16(s.packetID.Add(1))
		if id != 0 {
			return id
		}
	}
}

// send queues a packet, waiting for room. Used for acknowledgements to the
// session's own requests.
func (s *session) send(ctx context.Context, pkt packets.ControlPacket) bool {
	select {
	case s.out <- pkt:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// offer queues a packet without blocking. Used for fan-out deliveries.
func (s *session) offer(pkt packets.ControlPacket) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- pkt:
		return true
	default:
		return false
	}
}

// writeLoop drains the outbound queue to the connection.
func (s *session) writeLoop(timeout time.Duration, onWrite func(packets.ControlPacket)) {
	for {
		select {
		case <-s.done:
			return
		case pkt := <-s.out:
			if timeout > 0 {
				_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
			}
			if err := pkt.Write(s.conn); err != nil {
				s.close()
				return
			}
			if onWrite != nil {
				onWrite(pkt)
			}
		}
	}
}

func (s *session) close() {
	s.closed.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *session) addSub(filter string, qos byte) {
	s.mu.Lock()
	s.subs[filter] = qos
	s.mu.Unlock()
}

func (s *session) removeSub(filter string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[filter]
	delete(s.subs, filter)
	return ok
}

func (s *session) filters() map[string]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]byte, len(s.subs))
	for f, q := range s.subs {
		cp[f] = q
	}
	return cp
}
