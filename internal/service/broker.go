package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/wavechat/wavechat-api/internal/dto"
	"github.com/wavechat/wavechat-api/internal/observability"
)

// Topic layout shared by gateway subscriptions and broadcasters.
const TopicUsersStatus = "/topic/users/status"

// TopicChat is the room message topic.
func TopicChat(roomID uint) string { return fmt.Sprintf("/topic/chat/%d", roomID) }

// TopicTyping is the room typing-indicator topic.
func TopicTyping(roomID uint) string { return fmt.Sprintf("/topic/chat/%d/typing", roomID) }

// TopicRoomStatus is the per-room presence topic.
func TopicRoomStatus(roomID uint) string { return fmt.Sprintf("/topic/chat/%d/status", roomID) }

// TopicWorkspaceStatus is the per-workspace presence topic.
func TopicWorkspaceStatus(workspaceID uint) string {
	return fmt.Sprintf("/topic/workspace/%d/status", workspaceID)
}

// Broker fans server frames out to topic subscribers. Delivery is best-effort
// real time: slow subscribers are skipped, durability belongs to persistence.
type Broker interface {
	// Subscribe registers a delivery channel for a topic and returns the
	// matching unsubscribe function.
	Subscribe(topic string, ch chan<- dto.ServerFrame) func()
	Publish(ctx context.Context, frame dto.ServerFrame)
	Start(ctx context.Context)
}

type topicBroker struct {
	mu          sync.RWMutex
	topics      map[string]map[chan<- dto.ServerFrame]struct{}
	redis       *redis.Client
	redisStream string
	nats        *nats.Conn
	natsSubject string
	queueGroup  string
	logger      zerolog.Logger
	nodeID      string
}

type brokerEvent struct {
	Source string          `json:"source"`
	Frame  dto.ServerFrame `json:"frame"`
	SentAt time.Time       `json:"sent_at"`
}

// NewBroker creates the in-process topic broker. When redis or NATS are
// configured, published frames are mirrored so peer nodes can deliver them to
// their own subscribers.
func NewBroker(redisClient *redis.Client, channelBase string, natsConn *nats.Conn, logger zerolog.Logger) Broker {
	stream := ""
	subject := ""
	if channelBase != "" {
		stream = channelBase + ":frames"
		subject = strings.ReplaceAll(channelBase, ":", ".") + ".frames"
	}

	return &topicBroker{
		topics:      make(map[string]map[chan<- dto.ServerFrame]struct{}),
		redis:       redisClient,
		redisStream: stream,
		nats:        natsConn,
		natsSubject: subject,
		queueGroup:  "wavechat-broker",
		logger:      logger.With().Str("component", "topic_broker").Logger(),
		nodeID:      uuid.NewString(),
	}
}

func (b *topicBroker) Start(ctx context.Context) {
	if b.redis != nil && b.redisStream != "" {
		go b.consumeRedis(ctx)
	}
	if b.nats != nil && b.natsSubject != "" {
		go b.consumeNATS(ctx)
	}
}

func (b *topicBroker) Subscribe(topic string, ch chan<- dto.ServerFrame) func() {
	b.mu.Lock()
	if _, exists := b.topics[topic]; !exists {
		b.topics[topic] = make(map[chan<- dto.ServerFrame]struct{})
	}
	b.topics[topic][ch] = struct{}{}
	b.mu.Unlock()

	b.logger.Debug().Str("topic", topic).Msg("subscription added")

	return func() {
		b.mu.Lock()
		if subscribers, ok := b.topics[topic]; ok {
			delete(subscribers, ch)
			if len(subscribers) == 0 {
				delete(b.topics, topic)
			}
		}
		b.mu.Unlock()
	}
}

func (b *topicBroker) Publish(ctx context.Context, frame dto.ServerFrame) {
	b.deliver(frame)
	observability.BroadcastFrames().WithLabelValues(frame.Event).Inc()

	if err := b.mirror(ctx, frame); err != nil {
		b.logger.Warn().Err(err).Str("topic", frame.Topic).Msg("failed to mirror frame to peers")
	}
}

func (b *topicBroker) deliver(frame dto.ServerFrame) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.topics[frame.Topic] {
		select {
		case ch <- frame:
		default:
			b.logger.Warn().Str("topic", frame.Topic).Msg("dropping frame for slow subscriber")
		}
	}
}

func (b *topicBroker) mirror(ctx context.Context, frame dto.ServerFrame) error {
	if (b.redis == nil || b.redisStream == "") && (b.nats == nil || b.natsSubject == "") {
		return nil
	}

	event := brokerEvent{
		Source: b.nodeID,
		Frame:  frame,
		SentAt: time.Now().UTC(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if b.redis != nil && b.redisStream != "" {
		if err := b.redis.Publish(ctx, b.redisStream, payload).Err(); err != nil {
			return err
		}
	}

	if b.nats != nil && b.natsSubject != "" {
		if err := b.nats.Publish(b.natsSubject, payload); err != nil {
			return err
		}
	}

	return nil
}

func (b *topicBroker) consumeRedis(ctx context.Context) {
	pubsub := b.redis.Subscribe(ctx, b.redisStream)
	defer func() {
		_ = pubsub.Close()
	}()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			b.logger.Error().Err(err).Msg("broker redis subscription closed")
			return
		}
		b.handlePeerEvent([]byte(msg.Payload))
	}
}

func (b *topicBroker) consumeNATS(ctx context.Context) {
	sub, err := b.nats.QueueSubscribe(b.natsSubject, b.queueGroup, func(msg *nats.Msg) {
		b.handlePeerEvent(msg.Data)
	})
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to subscribe to nats frame subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			b.logger.Warn().Err(err).Msg("failed to drain broker nats subscription")
		}
	}()
}

func (b *topicBroker) handlePeerEvent(data []byte) {
	var event brokerEvent
	if err := json.Unmarshal(data, &event); err != nil {
		b.logger.Warn().Err(err).Msg("invalid broker event from peer")
		return
	}

	if event.Source == b.nodeID {
		return
	}

	b.deliver(event.Frame)
}
