// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/absmach/fluxmq-harness/storage"
	"github.com/absmach/fluxmq-harness/topics"
	"github.com/eclipse/paho.mqtt.golang/packets"
)

const subscribeFailure = 0x80

var errClientDisconnect = errors.New("client sent DISCONNECT")

// readLoop reads packets until the connection fails or the client disconnects.
// A missing keep-alive within one and a half intervals closes the connection.
func (b *Broker) readLoop(ctx context.Context, s *session) error {
	for {
		deadline := time.Time{}
		if s.keepAlive > 0 {
			deadline = time.Now().Add(s.keepAlive * 3 / 2)
		}
		_ = s.conn.SetReadDeadline(deadline)

		pkt, err := packets.ReadPacket(s.conn)
		if err != nil {
			return err
		}

		if err := b.handlePacket(ctx, s, pkt); err != nil {
			if errors.Is(err, errClientDisconnect) {
				return nil
			}
			return err
		}
	}
}

func (b *Broker) handlePacket(ctx context.Context, s *session, pkt packets.ControlPacket) error {
	switch p := pkt.(type) {
	case *packets.PublishPacket:
		return b.handlePublish(ctx, s, p)
	case *packets.PubackPacket, *packets.PubcompPacket:
		return nil
	case *packets.PubrecPacket:
		rel := packets.NewControlPacket(packets.Pubrel).(*packets.PubrelPacket)
		rel.MessageID = p.MessageID
		return b.reply(ctx, s, rel)
	case *packets.PubrelPacket:
		return b.handlePubRel(ctx, s, p)
	case *packets.SubscribePacket:
		return b.handleSubscribe(ctx, s, p)
	case *packets.UnsubscribePacket:
		return b.handleUnsubscribe(ctx, s, p)
	case *packets.PingreqPacket:
		return b.reply(ctx, s, packets.NewControlPacket(packets.Pingresp))
	case *packets.DisconnectPacket:
		s.graceful.Store(true)
		return errClientDisconnect
	default:
		b.stats.protocolErrors.Add(1)
		return fmt.Errorf("%w: %s", ErrUnexpectedPacket, pkt.String())
	}
}

func (b *Broker) reply(ctx context.Context, s *session, pkt packets.ControlPacket) error {
	if !s.send(ctx, pkt) {
		return net.ErrClosed
	}
	return nil
}

// handlePublish handles PUBLISH packets.
func (b *Broker) handlePublish(ctx context.Context, s *session, p *packets.PublishPacket) error {
	if p.Qos > 2 {
		b.stats.protocolErrors.Add(1)
		return fmt.Errorf("invalid QoS %d", p.Qos)
	}
	if err := topics.ValidateTopicName(p.TopicName); err != nil {
		b.stats.protocolErrors.Add(1)
		return err
	}
	b.stats.publishIn(len(p.Payload))

	msg := &storage.Message{
		Topic:       p.TopicName,
		Payload:     p.Payload,
		QoS:         p.Qos,
		Retain:      p.Retain,
		PublishTime: time.Now(),
	}

	accept := true
	if !b.auth.CanPublish(s.id, msg.Topic) {
		b.stats.authzErrors.Add(1)
		accept = false
	}
	if accept && b.limiter != nil && !b.limiter.AllowPublish(s.id) {
		b.stats.dropped.Add(1)
		b.logger.Debug("publish rate limited", slog.String("client_id", s.id), slog.String("topic", msg.Topic))
		accept = false
	}

	switch p.Qos {
	case 0:
		if accept {
			b.publish(ctx, msg)
		}
		return nil
	case 1:
		if accept {
			b.publish(ctx, msg)
		}
		ack := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
		ack.MessageID = p.MessageID
		return b.reply(ctx, s, ack)
	default:
		// A resent PUBLISH keeps the first copy; routing waits for PUBREL.
		if _, ok := s.awaitingRel[p.MessageID]; !ok {
			if !accept {
				msg = nil
			}
			s.awaitingRel[p.MessageID] = msg
		}
		rec := packets.NewControlPacket(packets.Pubrec).(*packets.PubrecPacket)
		rec.MessageID = p.MessageID
		return b.reply(ctx, s, rec)
	}
}

// handlePubRel releases a QoS 2 message to subscribers.
func (b *Broker) handlePubRel(ctx context.Context, s *session, p *packets.PubrelPacket) error {
	if msg, ok := s.awaitingRel[p.MessageID]; ok {
		delete(s.awaitingRel, p.MessageID)
		if msg != nil {
			b.publish(ctx, msg)
		}
	}

	comp := packets.NewControlPacket(packets.Pubcomp).(*packets.PubcompPacket)
	comp.MessageID = p.MessageID
	return b.reply(ctx, s, comp)
}

// handleSubscribe handles SUBSCRIBE packets and replays matching retained messages.
func (b *Broker) handleSubscribe(ctx context.Context, s *session, p *packets.SubscribePacket) error {
	codes := make([]byte, len(p.Topics))
	granted := make(map[string]byte, len(p.Topics))

	for i, filter := range p.Topics {
		var qos byte
		if i < len(p.Qoss) {
			qos = p.Qoss[i]
		}

		switch {
		case qos > 2 || topics.ValidateTopicFilter(filter) != nil:
			b.stats.protocolErrors.Add(1)
			codes[i] = subscribeFailure
			continue
		case !b.auth.CanSubscribe(s.id, filter):
			b.stats.authzErrors.Add(1)
			codes[i] = subscribeFailure
			continue
		case b.limiter != nil && !b.limiter.AllowSubscribe(s.id):
			codes[i] = subscribeFailure
			continue
		}

		if qos > b.config.MaxQoS {
			qos = b.config.MaxQoS
		}
		s.addSub(filter, qos)
		b.router.Subscribe(s.id, filter, qos)
		if b.persistent(s) {
			if err := b.store.Subscriptions().Add(&storage.Subscription{ClientID: s.id, Filter: filter, QoS: qos}); err != nil {
				b.logger.Error("failed to persist subscription",
					slog.String("client_id", s.id),
					slog.String("filter", filter),
					slog.String("error", err.Error()))
			}
		}
		b.stats.subscriptions.Add(1)
		codes[i] = qos
		granted[filter] = qos

		b.logger.Debug("client subscribed",
			slog.String("client_id", s.id),
			slog.String("filter", filter),
			slog.Int("qos", int(qos)))
	}

	ack := packets.NewControlPacket(packets.Suback).(*packets.SubackPacket)
	ack.MessageID = p.MessageID
	ack.ReturnCodes = codes
	if err := b.reply(ctx, s, ack); err != nil {
		return err
	}

	for filter, qos := range granted {
		retained, err := b.store.Retained().Match(ctx, filter)
		if err != nil {
			b.logger.Error("failed to load retained messages",
				slog.String("filter", filter),
				slog.String("error", err.Error()))
			continue
		}
		for _, msg := range retained {
			if !s.send(ctx, b.publishPacket(s, msg, min(msg.QoS, qos), true)) {
				return net.ErrClosed
			}
		}
	}
	return nil
}

// handleUnsubscribe handles UNSUBSCRIBE packets.
func (b *Broker) handleUnsubscribe(ctx context.Context, s *session, p *packets.UnsubscribePacket) error {
	for _, filter := range p.Topics {
		if !s.removeSub(filter) {
			continue
		}
		b.router.Unsubscribe(s.id, filter)
		if b.persistent(s) {
			_ = b.store.Subscriptions().Remove(s.id, filter)
		}
		b.stats.unsubscriptions.Add(1)
	}

	ack := packets.NewControlPacket(packets.Unsuback).(*packets.UnsubackPacket)
	ack.MessageID = p.MessageID
	return b.reply(ctx, s, ack)
}

// publish stores retained state and fans msg out to matching sessions.
// Deliveries never block: a session with a full queue misses the message.
func (b *Broker) publish(ctx context.Context, msg *storage.Message) {
	if msg.Retain {
		if err := b.store.Retained().Set(ctx, msg.Topic, msg); err != nil {
			b.logger.Error("failed to store retained message",
				slog.String("topic", msg.Topic),
				slog.String("error", err.Error()))
		}
	}

	for _, sub := range b.router.Match(msg.Topic) {
		b.mu.Lock()
		s := b.sessions[sub.ClientID]
		b.mu.Unlock()
		if s == nil {
			continue
		}

		if !s.offer(b.publishPacket(s, msg, min(msg.QoS, sub.QoS), false)) {
			b.stats.dropped.Add(1)
			b.logger.Warn("outbound queue full, dropping message",
				slog.String("client_id", s.id),
				slog.String("topic", msg.Topic))
		}
	}
}

func (b *Broker) publishPacket(s *session, msg *storage.Message, qos byte, retain bool) *packets.PublishPacket {
	pub := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	pub.TopicName = msg.Topic
	pub.Payload = msg.Payload
	pub.Qos = qos
	pub.Retain = retain
	if qos > 0 {
		pub.MessageID = s.nextPacketID()
	}
	return pub
}

func (b *Broker) persistent(s *session) bool {
	return b.config.PersistentSessions && !s.clean
}
