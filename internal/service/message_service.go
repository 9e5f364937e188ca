package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/wavechat/wavechat-api/internal/dto"
	"github.com/wavechat/wavechat-api/internal/models"
	"github.com/wavechat/wavechat-api/internal/observability"
	"github.com/wavechat/wavechat-api/internal/repository"
)

// Message router errors.
var (
	ErrEmptyMessage   = errors.New("message content empty")
	ErrMissingFields  = errors.New("message missing required fields")
	ErrSenderNotFound = errors.New("sender not found")
)

const (
	persistMaxAttempts = 3
	persistRetryDelay  = 50 * time.Millisecond
)

// MessageService routes inbound chat events: stamp, broadcast, self-heal
// membership, persist. It also answers paginated history queries.
type MessageService interface {
	// Route stamps the event with a fresh id and server timestamp, broadcasts
	// it to the room topic, and persists it. A room id that matches no room
	// falls back to the sender's default room in the workspace of the same id.
	Route(ctx context.Context, event dto.MessageEvent) (dto.MessageEvent, error)
	// Announce rebroadcasts a join notice without persisting a message,
	// ensuring the user is a member of the room first.
	Announce(ctx context.Context, event dto.MessageEvent) error
	// Typing relays a typing indicator to the room typing topic. Never stored.
	Typing(ctx context.Context, event dto.TypingEvent) error
	ListMessages(ctx context.Context, roomID uint, page, size int) (dto.PagedMessages, error)
}

type messageService struct {
	messages  repository.MessageRepository
	users     repository.UserRepository
	rooms     RoomService
	broker    Broker
	validator *validator.Validate
	logger    zerolog.Logger
	tracer    trace.Tracer
	sanitizer *bluemonday.Policy
	now       func() time.Time
}

// NewMessageService constructs the message router.
func NewMessageService(messages repository.MessageRepository, users repository.UserRepository, rooms RoomService, broker Broker, validate *validator.Validate, logger zerolog.Logger) MessageService {
	sanitizer := bluemonday.UGCPolicy()
	sanitizer.AllowElements("br")

	return &messageService{
		messages:  messages,
		users:     users,
		rooms:     rooms,
		broker:    broker,
		validator: validate,
		logger:    logger.With().Str("component", "message_service").Logger(),
		tracer:    otel.Tracer("github.com/wavechat/wavechat-api/internal/service/message"),
		sanitizer: sanitizer,
		now:       time.Now,
	}
}

func (s *messageService) Route(ctx context.Context, event dto.MessageEvent) (dto.MessageEvent, error) {
	if event.ChatRoomID == 0 || event.SenderID == 0 {
		s.logger.Warn().Uint("room_id", event.ChatRoomID).Uint("sender_id", event.SenderID).Msg("dropping message with missing required fields")
		return dto.MessageEvent{}, ErrMissingFields
	}
	if err := s.validator.Struct(event); err != nil {
		return dto.MessageEvent{}, err
	}

	// Client-supplied id and timestamp are never trusted.
	stamp := s.now().UTC()
	event.ID = uuid.NewString()
	event.Timestamp = &stamp

	if event.FileInfo != nil {
		event.Type = models.MessageTypeFile
		event.FileInfo.MimeType = normalizeMimeType(event.FileInfo.MimeType)
	}
	event.Type = models.MessageTypeFromWire(event.Type)

	event.Content = strings.TrimSpace(s.sanitizer.Sanitize(event.Content))
	if event.Content == "" && event.FileInfo == nil {
		return dto.MessageEvent{}, ErrEmptyMessage
	}

	spanCtx, span := s.tracer.Start(ctx, "chat.route", trace.WithAttributes(
		attribute.Int64("chat.room_id", int64(event.ChatRoomID)),
		attribute.Int64("chat.sender_id", int64(event.SenderID)),
		attribute.String("chat.type", event.Type),
	))
	defer span.End()

	sender, err := s.users.GetByID(spanCtx, event.SenderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.MessageEvent{}, ErrSenderNotFound
		}
		return dto.MessageEvent{}, err
	}
	event.SenderName = sender.Username
	event.SenderProfileURL = sender.ProfileImageURL

	room, reassignedFrom, err := s.resolveTargetRoom(spanCtx, event.ChatRoomID, event.SenderID)
	if err != nil {
		span.RecordError(err)
		return dto.MessageEvent{}, err
	}
	event.ChatRoomID = room.ID

	if _, err := s.rooms.EnsureMembership(spanCtx, room.ID, event.SenderID); err != nil {
		span.RecordError(err)
		return dto.MessageEvent{}, err
	}

	// Real-time delivery comes first; persistence below is the durable record.
	s.broker.Publish(spanCtx, dto.ServerFrame{
		Topic:   TopicChat(room.ID),
		Event:   dto.EventMessage,
		Payload: event,
	})
	if reassignedFrom != 0 {
		s.broker.Publish(spanCtx, dto.ServerFrame{
			Topic: TopicChat(reassignedFrom),
			Event: dto.EventReassigned,
			Payload: dto.RoomReassignedNotice{
				OriginalID:  reassignedFrom,
				ChatRoomID:  room.ID,
				WorkspaceID: room.WorkspaceID,
			},
		})
	}

	observability.ChatMessagesRouted().WithLabelValues(event.Type).Inc()

	if err := s.persist(spanCtx, event); err != nil {
		// The broadcast already went out; durability failure is logged and
		// counted, not propagated to the sender.
		span.RecordError(err)
		observability.PersistFailures().Inc()
		s.logger.Error().Err(err).Str("event_id", event.ID).Uint("room_id", room.ID).Msg("failed to persist chat message")
	}

	return event, nil
}

func (s *messageService) resolveTargetRoom(ctx context.Context, roomID, senderID uint) (models.ChatRoom, uint, error) {
	room, err := s.rooms.GetRoom(ctx, roomID)
	if err == nil {
		return room, 0, nil
	}
	if !errors.Is(err, ErrRoomNotFound) {
		return models.ChatRoom{}, 0, err
	}

	// Compatibility shim: legacy clients sometimes address a workspace id
	// where a room id is expected. Resolve their default room instead and
	// tell subscribers of the original target about the reassignment.
	fallback, fbErr := s.rooms.ResolveOrCreateDefaultRoom(ctx, roomID, senderID)
	if fbErr != nil {
		if errors.Is(fbErr, ErrWorkspaceNotFound) {
			return models.ChatRoom{}, 0, ErrRoomNotFound
		}
		return models.ChatRoom{}, 0, fbErr
	}

	s.logger.Warn().Uint("original_id", roomID).Uint("room_id", fallback.ID).Msg("message target reassigned to workspace default room")
	return fallback, roomID, nil
}

func (s *messageService) persist(ctx context.Context, event dto.MessageEvent) error {
	model := models.ChatMessage{
		EventID:    event.ID,
		ChatRoomID: event.ChatRoomID,
		SenderID:   event.SenderID,
		Content:    event.Content,
		Type:       event.Type,
		CreatedAt:  *event.Timestamp,
	}

	if event.FileInfo != nil {
		encoded, err := json.Marshal(event.FileInfo)
		if err != nil {
			return fmt.Errorf("encode file info: %w", err)
		}
		model.FileInfo = encoded
	}

	var err error
	for attempt := 1; attempt <= persistMaxAttempts; attempt++ {
		if err = s.messages.Save(ctx, &model); err == nil {
			return s.messages.TouchRoom(ctx, event.ChatRoomID, *event.Timestamp)
		}
		if attempt < persistMaxAttempts {
			observability.PersistRetries().Inc()
			time.Sleep(persistRetryDelay * time.Duration(attempt))
		}
	}

	return err
}

func (s *messageService) Announce(ctx context.Context, event dto.MessageEvent) error {
	if event.ChatRoomID == 0 || event.SenderID == 0 {
		return ErrMissingFields
	}

	if _, err := s.rooms.EnsureMembership(ctx, event.ChatRoomID, event.SenderID); err != nil {
		return err
	}

	sender, err := s.users.GetByID(ctx, event.SenderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrSenderNotFound
		}
		return err
	}

	stamp := s.now().UTC()
	event.ID = uuid.NewString()
	event.Timestamp = &stamp
	event.Type = models.MessageTypeJoin
	event.SenderName = sender.Username
	if event.Content == "" {
		event.Content = fmt.Sprintf("%s joined the channel", sender.Username)
	}

	s.broker.Publish(ctx, dto.ServerFrame{
		Topic:   TopicChat(event.ChatRoomID),
		Event:   dto.EventSystem,
		Payload: event,
	})
	return nil
}

func (s *messageService) Typing(ctx context.Context, event dto.TypingEvent) error {
	if err := s.validator.Struct(event); err != nil {
		return err
	}

	s.broker.Publish(ctx, dto.ServerFrame{
		Topic:   TopicTyping(event.ChatRoomID),
		Event:   dto.EventTyping,
		Payload: event,
	})
	return nil
}

func (s *messageService) ListMessages(ctx context.Context, roomID uint, page, size int) (dto.PagedMessages, error) {
	if _, err := s.rooms.GetRoom(ctx, roomID); err != nil {
		return dto.PagedMessages{}, err
	}
	if size <= 0 {
		size = 20
	}
	if page < 0 {
		page = 0
	}

	messages, total, err := s.messages.ListPage(ctx, roomID, page, size)
	if err != nil {
		return dto.PagedMessages{}, err
	}

	senderIDs := make([]uint, 0, len(messages))
	seen := make(map[uint]struct{}, len(messages))
	for _, message := range messages {
		if _, ok := seen[message.SenderID]; ok {
			continue
		}
		seen[message.SenderID] = struct{}{}
		senderIDs = append(senderIDs, message.SenderID)
	}

	senders, err := s.users.GetByIDs(ctx, senderIDs)
	if err != nil {
		return dto.PagedMessages{}, err
	}
	byID := make(map[uint]models.User, len(senders))
	for _, sender := range senders {
		byID[sender.ID] = sender
	}

	responses := make([]dto.MessageResponse, 0, len(messages))
	for _, message := range messages {
		response := dto.NewMessageResponse(message)
		if sender, ok := byID[message.SenderID]; ok {
			response.SenderName = sender.Username
			response.SenderProfileURL = sender.ProfileImageURL
		}
		responses = append(responses, response)
	}

	totalPages := 0
	if total > 0 {
		totalPages = int(math.Ceil(float64(total) / float64(size)))
	}

	return dto.PagedMessages{
		Messages:    responses,
		CurrentPage: page,
		TotalItems:  total,
		TotalPages:  totalPages,
	}, nil
}

// normalizeMimeType keeps declared mime types that resolve to a known entry
// in the mimetype registry and collapses everything else to octet-stream.
func normalizeMimeType(declared string) string {
	declared = strings.TrimSpace(declared)
	if declared == "" {
		return "application/octet-stream"
	}
	if found := mimetype.Lookup(declared); found != nil {
		return found.String()
	}
	return "application/octet-stream"
}
