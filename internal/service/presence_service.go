package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
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

// ErrInvalidStatus indicates a presence value outside {ONLINE, OFFLINE, AWAY}.
var ErrInvalidStatus = errors.New("invalid presence status")

// PresenceService applies status changes and propagates them to every room
// and workspace topic the user belongs to, plus the global status topic.
type PresenceService interface {
	UpdateStatus(ctx context.Context, userID uint, status string) (dto.UserStatusResponse, error)
	UpdateStatusByUsername(ctx context.Context, username, status string) (dto.UserStatusResponse, error)
	UserStatus(ctx context.Context, userID uint) (string, error)
	OnlineUsers(ctx context.Context) ([]uint, error)
	WorkspaceOnlineMembers(ctx context.Context, workspaceID uint) ([]uint, error)
}

type presenceService struct {
	users       repository.UserRepository
	rooms       repository.RoomRepository
	workspaces  repository.WorkspaceRepository
	broker      Broker
	redis       *redis.Client
	cachePrefix string
	cacheTTL    time.Duration
	logger      zerolog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// NewPresenceService constructs the presence propagator. The redis client is
// optional; without it status reads always hit the database.
func NewPresenceService(users repository.UserRepository, rooms repository.RoomRepository, workspaces repository.WorkspaceRepository, broker Broker, redisClient *redis.Client, channelBase string, cacheTTL time.Duration, logger zerolog.Logger) PresenceService {
	prefix := "presence"
	if channelBase != "" {
		prefix = channelBase + ":presence"
	}

	return &presenceService{
		users:       users,
		rooms:       rooms,
		workspaces:  workspaces,
		broker:      broker,
		redis:       redisClient,
		cachePrefix: prefix,
		cacheTTL:    cacheTTL,
		logger:      logger.With().Str("component", "presence_service").Logger(),
		tracer:      otel.Tracer("github.com/wavechat/wavechat-api/internal/service/presence"),
		now:         time.Now,
	}
}

func (s *presenceService) UpdateStatus(ctx context.Context, userID uint, status string) (dto.UserStatusResponse, error) {
	if !models.ValidStatus(status) {
		return dto.UserStatusResponse{}, ErrInvalidStatus
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.UserStatusResponse{}, ErrUserNotFound
		}
		return dto.UserStatusResponse{}, err
	}

	return s.applyChange(ctx, user, status)
}

func (s *presenceService) UpdateStatusByUsername(ctx context.Context, username, status string) (dto.UserStatusResponse, error) {
	if !models.ValidStatus(status) {
		return dto.UserStatusResponse{}, ErrInvalidStatus
	}

	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.UserStatusResponse{}, ErrUserNotFound
		}
		return dto.UserStatusResponse{}, err
	}

	return s.applyChange(ctx, user, status)
}

func (s *presenceService) applyChange(ctx context.Context, user models.User, status string) (dto.UserStatusResponse, error) {
	// Same status is a no-op: no mirror writes, no timestamps, no broadcasts.
	if user.Status == status {
		return dto.UserStatusResponse{
			UserID:      user.ID,
			Username:    user.Username,
			Status:      user.Status,
			LastLoginAt: user.LastLoginAt,
			Changed:     false,
		}, nil
	}

	spanCtx, span := s.tracer.Start(ctx, "presence.update", trace.WithAttributes(
		attribute.Int64("presence.user_id", int64(user.ID)),
		attribute.String("presence.status", status),
	))
	defer span.End()

	stampLogin := status == models.StatusOnline

	updated, err := s.users.UpdateStatusWithMirrors(spanCtx, user.ID, status, stampLogin)
	if err != nil {
		span.RecordError(err)
		return dto.UserStatusResponse{}, err
	}

	s.cacheStatus(spanCtx, user.ID, status)
	s.propagate(spanCtx, updated)
	observability.PresenceUpdates().WithLabelValues(status).Inc()

	return dto.UserStatusResponse{
		UserID:      updated.ID,
		Username:    updated.Username,
		Status:      updated.Status,
		LastLoginAt: updated.LastLoginAt,
		Changed:     true,
	}, nil
}

// propagate sends exactly one status frame per room topic, workspace topic,
// and the global users topic, all with the same payload.
func (s *presenceService) propagate(ctx context.Context, user models.User) {
	event := dto.StatusEvent{
		UserID:    user.ID,
		Username:  user.Username,
		Status:    user.Status,
		Timestamp: s.now().UTC(),
	}

	roomIDs, err := s.rooms.ListRoomIDsByUser(ctx, user.ID)
	if err != nil {
		s.logger.Error().Err(err).Uint("user_id", user.ID).Msg("failed to enumerate rooms for status broadcast")
	}
	for _, roomID := range roomIDs {
		s.broker.Publish(ctx, dto.ServerFrame{
			Topic:   TopicRoomStatus(roomID),
			Event:   dto.EventStatus,
			Payload: event,
		})
	}

	workspaceIDs, err := s.workspaces.ListWorkspaceIDsByUser(ctx, user.ID)
	if err != nil {
		s.logger.Error().Err(err).Uint("user_id", user.ID).Msg("failed to enumerate workspaces for status broadcast")
	}
	for _, workspaceID := range workspaceIDs {
		s.broker.Publish(ctx, dto.ServerFrame{
			Topic:   TopicWorkspaceStatus(workspaceID),
			Event:   dto.EventStatus,
			Payload: event,
		})
	}

	s.broker.Publish(ctx, dto.ServerFrame{
		Topic:   TopicUsersStatus,
		Event:   dto.EventStatus,
		Payload: event,
	})
}

func (s *presenceService) UserStatus(ctx context.Context, userID uint) (string, error) {
	if cached, ok := s.cachedStatus(ctx, userID); ok {
		return cached, nil
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrUserNotFound
		}
		return "", err
	}

	s.cacheStatus(ctx, userID, user.Status)
	return user.Status, nil
}

func (s *presenceService) OnlineUsers(ctx context.Context) ([]uint, error) {
	return s.users.ListOnlineIDs(ctx)
}

func (s *presenceService) WorkspaceOnlineMembers(ctx context.Context, workspaceID uint) ([]uint, error) {
	if _, err := s.workspaces.GetByID(ctx, workspaceID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWorkspaceNotFound
		}
		return nil, err
	}
	return s.workspaces.ListOnlineMemberIDs(ctx, workspaceID)
}

func (s *presenceService) cacheKey(userID uint) string {
	return fmt.Sprintf("%s:%d", s.cachePrefix, userID)
}

func (s *presenceService) cacheStatus(ctx context.Context, userID uint, status string) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Set(ctx, s.cacheKey(userID), status, s.cacheTTL).Err(); err != nil {
		s.logger.Warn().Err(err).Uint("user_id", userID).Msg("failed to cache presence status")
	}
}

func (s *presenceService) cachedStatus(ctx context.Context, userID uint) (string, bool) {
	if s.redis == nil {
		return "", false
	}
	value, err := s.redis.Get(ctx, s.cacheKey(userID)).Result()
	if err != nil {
		return "", false
	}
	if !models.ValidStatus(value) {
		return "", false
	}
	return value, true
}
