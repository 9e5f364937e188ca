package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/wavechat/wavechat-api/internal/dto"
	"github.com/wavechat/wavechat-api/internal/models"
	"github.com/wavechat/wavechat-api/internal/repository"
)

// Room directory errors.
var (
	ErrWorkspaceNotFound = errors.New("workspace not found")
	ErrUserNotFound      = errors.New("user not found")
	ErrRoomNotFound      = errors.New("chat room not found")
	ErrNotDirectPair     = errors.New("direct rooms require exactly two distinct members")
)

const defaultRoomName = "general"

// RoomService owns chat-room and membership state: direct-room resolution,
// room creation, membership self-repair, and the default-room fallback.
type RoomService interface {
	// ResolveDirectRoom returns the single direct room for the unordered user
	// pair in the workspace, creating it on first use. Idempotent, argument
	// order does not matter.
	ResolveDirectRoom(ctx context.Context, workspaceID, userA, userB uint) (dto.ChatRoomResponse, error)
	CreateRoom(ctx context.Context, creatorID uint, payload dto.CreateChatRoomRequest) (dto.ChatRoomResponse, error)
	// EnsureMembership adds the user to the room when missing and reports
	// whether a row was created.
	EnsureMembership(ctx context.Context, roomID, userID uint) (bool, error)
	// ResolveOrCreateDefaultRoom finds the workspace's fallback group room for
	// a user: a non-direct room with a default-sounding name, else the first
	// non-direct room the user belongs to, else a freshly created one.
	ResolveOrCreateDefaultRoom(ctx context.Context, workspaceID, userID uint) (models.ChatRoom, error)
	ListRoomsByWorkspace(ctx context.Context, workspaceID, userID uint) ([]dto.ChatRoomResponse, error)
	// AddUserToWorkspaceChannels joins the user into every non-direct room of
	// the workspace, announcing each join with a persisted JOIN message.
	AddUserToWorkspaceChannels(ctx context.Context, workspaceID, userID uint) error
	MarkRead(ctx context.Context, roomID, userID uint) error
	GetRoom(ctx context.Context, roomID uint) (models.ChatRoom, error)
}

type roomService struct {
	rooms      repository.RoomRepository
	messages   repository.MessageRepository
	users      repository.UserRepository
	workspaces repository.WorkspaceRepository
	broker     Broker
	validator  *validator.Validate
	logger     zerolog.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// NewRoomService constructs the room directory.
func NewRoomService(rooms repository.RoomRepository, messages repository.MessageRepository, users repository.UserRepository, workspaces repository.WorkspaceRepository, broker Broker, validate *validator.Validate, logger zerolog.Logger) RoomService {
	return &roomService{
		rooms:      rooms,
		messages:   messages,
		users:      users,
		workspaces: workspaces,
		broker:     broker,
		validator:  validate,
		logger:     logger.With().Str("component", "room_service").Logger(),
		tracer:     otel.Tracer("github.com/wavechat/wavechat-api/internal/service/room"),
		now:        time.Now,
	}
}

func (s *roomService) GetRoom(ctx context.Context, roomID uint) (models.ChatRoom, error) {
	room, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.ChatRoom{}, ErrRoomNotFound
		}
		return models.ChatRoom{}, err
	}
	return room, nil
}

func (s *roomService) ResolveDirectRoom(ctx context.Context, workspaceID, userA, userB uint) (dto.ChatRoomResponse, error) {
	if userA == 0 || userB == 0 || userA == userB {
		return dto.ChatRoomResponse{}, ErrNotDirectPair
	}

	spanCtx, span := s.tracer.Start(ctx, "room.resolve_direct", trace.WithAttributes(
		attribute.Int64("chat.workspace_id", int64(workspaceID)),
	))
	defer span.End()

	key := models.DirectKey(workspaceID, userA, userB)

	room, err := s.rooms.FindDirectByKey(spanCtx, key)
	if err == nil {
		return s.roomWithMembers(spanCtx, room)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return dto.ChatRoomResponse{}, err
	}

	if _, err := s.workspaces.GetByID(spanCtx, workspaceID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.ChatRoomResponse{}, ErrWorkspaceNotFound
		}
		return dto.ChatRoomResponse{}, err
	}

	participants, err := s.users.GetByIDs(spanCtx, []uint{userA, userB})
	if err != nil {
		return dto.ChatRoomResponse{}, err
	}
	if len(participants) != 2 {
		return dto.ChatRoomResponse{}, ErrUserNotFound
	}

	names := make([]string, 0, len(participants))
	for _, participant := range participants {
		names = append(names, participant.Username)
	}

	newRoom := models.ChatRoom{
		Name:        strings.Join(names, ", "),
		WorkspaceID: workspaceID,
		CreatorID:   userA,
		IsDirect:    true,
		DirectKey:   &key,
	}

	systemMessage := &models.ChatMessage{
		EventID:  uuid.NewString(),
		SenderID: userA,
		Content:  fmt.Sprintf("%s started a direct conversation", names[0]),
		Type:     models.MessageTypeSystem,
	}

	created, err := s.rooms.Create(spanCtx, &newRoom, []uint{userA, userB}, systemMessage)
	if err != nil {
		span.RecordError(err)
		return dto.ChatRoomResponse{}, err
	}
	if !created {
		s.logger.Debug().Str("direct_key", key).Uint("room_id", newRoom.ID).Msg("direct room resolved to existing row after insert conflict")
	}

	return s.roomWithMembers(spanCtx, newRoom)
}

func (s *roomService) CreateRoom(ctx context.Context, creatorID uint, payload dto.CreateChatRoomRequest) (dto.ChatRoomResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.ChatRoomResponse{}, err
	}

	// 1:1 requests funnel through direct-room resolution to keep the pair
	// unique per workspace.
	if payload.IsDirect {
		members := appendUnique(payload.MemberIDs, creatorID)
		if len(members) != 2 {
			return dto.ChatRoomResponse{}, ErrNotDirectPair
		}
		return s.ResolveDirectRoom(ctx, payload.WorkspaceID, members[0], members[1])
	}

	spanCtx, span := s.tracer.Start(ctx, "room.create", trace.WithAttributes(
		attribute.Int64("chat.workspace_id", int64(payload.WorkspaceID)),
		attribute.Int64("chat.creator_id", int64(creatorID)),
	))
	defer span.End()

	if _, err := s.workspaces.GetByID(spanCtx, payload.WorkspaceID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.ChatRoomResponse{}, ErrWorkspaceNotFound
		}
		return dto.ChatRoomResponse{}, err
	}

	creator, err := s.users.GetByID(spanCtx, creatorID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.ChatRoomResponse{}, ErrUserNotFound
		}
		return dto.ChatRoomResponse{}, err
	}

	room := models.ChatRoom{
		Name:        payload.Name,
		Description: payload.Description,
		WorkspaceID: payload.WorkspaceID,
		CreatorID:   creatorID,
	}

	systemMessage := &models.ChatMessage{
		EventID:  uuid.NewString(),
		SenderID: creatorID,
		Content:  fmt.Sprintf("%s created the channel", creator.Username),
		Type:     models.MessageTypeSystem,
	}

	memberIDs := appendUnique(payload.MemberIDs, creatorID)
	if _, err := s.rooms.Create(spanCtx, &room, memberIDs, systemMessage); err != nil {
		span.RecordError(err)
		return dto.ChatRoomResponse{}, err
	}

	return s.roomWithMembers(spanCtx, room)
}

func (s *roomService) EnsureMembership(ctx context.Context, roomID, userID uint) (bool, error) {
	isMember, err := s.rooms.IsMember(ctx, roomID, userID)
	if err != nil {
		return false, err
	}
	if isMember {
		return false, nil
	}

	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return false, err
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, ErrUserNotFound
		}
		return false, err
	}

	member := models.ChatRoomMember{
		ChatRoomID:  roomID,
		UserID:      userID,
		WorkspaceID: room.WorkspaceID,
		UserStatus:  user.Status,
	}
	if err := s.rooms.AddMember(ctx, member); err != nil {
		return false, err
	}

	s.logger.Info().Uint("room_id", roomID).Uint("user_id", userID).Msg("membership self-repaired")
	return true, nil
}

func (s *roomService) ResolveOrCreateDefaultRoom(ctx context.Context, workspaceID, userID uint) (models.ChatRoom, error) {
	spanCtx, span := s.tracer.Start(ctx, "room.resolve_default", trace.WithAttributes(
		attribute.Int64("chat.workspace_id", int64(workspaceID)),
		attribute.Int64("chat.user_id", int64(userID)),
	))
	defer span.End()

	if _, err := s.workspaces.GetByID(spanCtx, workspaceID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.ChatRoom{}, ErrWorkspaceNotFound
		}
		return models.ChatRoom{}, err
	}

	user, err := s.users.GetByID(spanCtx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.ChatRoom{}, ErrUserNotFound
		}
		return models.ChatRoom{}, err
	}

	memberRooms, err := s.rooms.ListByWorkspaceAndMember(spanCtx, workspaceID, userID)
	if err != nil {
		return models.ChatRoom{}, err
	}

	var firstGroupRoom *models.ChatRoom
	for i := range memberRooms {
		room := memberRooms[i]
		if room.IsDirect {
			continue
		}
		if looksLikeDefaultRoom(room.Name) {
			return room, nil
		}
		if firstGroupRoom == nil {
			firstGroupRoom = &memberRooms[i]
		}
	}
	if firstGroupRoom != nil {
		return *firstGroupRoom, nil
	}

	room := models.ChatRoom{
		Name:        defaultRoomName,
		Description: "Workspace default channel",
		WorkspaceID: workspaceID,
		CreatorID:   userID,
	}
	systemMessage := &models.ChatMessage{
		EventID:  uuid.NewString(),
		SenderID: userID,
		Content:  fmt.Sprintf("%s created the channel", user.Username),
		Type:     models.MessageTypeSystem,
	}

	if _, err := s.rooms.Create(spanCtx, &room, []uint{userID}, systemMessage); err != nil {
		span.RecordError(err)
		return models.ChatRoom{}, err
	}

	s.logger.Info().Uint("workspace_id", workspaceID).Uint("room_id", room.ID).Msg("default room created")
	return room, nil
}

func (s *roomService) ListRoomsByWorkspace(ctx context.Context, workspaceID, userID uint) ([]dto.ChatRoomResponse, error) {
	if _, err := s.workspaces.GetByID(ctx, workspaceID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWorkspaceNotFound
		}
		return nil, err
	}
	if _, err := s.users.GetByID(ctx, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	rooms, err := s.rooms.ListByWorkspaceAndMember(ctx, workspaceID, userID)
	if err != nil {
		return nil, err
	}

	// A workspace member with no rooms gets joined into the workspace's group
	// channels instead of seeing an empty list.
	if len(rooms) == 0 {
		if err := s.AddUserToWorkspaceChannels(ctx, workspaceID, userID); err != nil {
			return nil, err
		}
		rooms, err = s.rooms.ListByWorkspaceAndMember(ctx, workspaceID, userID)
		if err != nil {
			return nil, err
		}
	}

	responses := make([]dto.ChatRoomResponse, 0, len(rooms))
	for _, room := range rooms {
		response, err := s.roomWithMembers(ctx, room)
		if err != nil {
			return nil, err
		}

		if latest, err := s.messages.LatestByRoom(ctx, room.ID); err == nil {
			summary := dto.LastMessageSummary{
				Content:   latest.Content,
				SenderID:  latest.SenderID,
				Timestamp: latest.CreatedAt,
			}
			if sender, err := s.users.GetByID(ctx, latest.SenderID); err == nil {
				summary.SenderName = sender.Username
			}
			response.LastMessage = &summary
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}

		membership, err := s.rooms.GetMembership(ctx, room.ID, userID)
		if err != nil {
			return nil, err
		}
		unread, err := s.messages.CountUnread(ctx, room.ID, userID, membership.LastReadAt)
		if err != nil {
			return nil, err
		}
		response.UnreadCount = unread

		responses = append(responses, response)
	}

	return responses, nil
}

func (s *roomService) AddUserToWorkspaceChannels(ctx context.Context, workspaceID, userID uint) error {
	if _, err := s.workspaces.GetByID(ctx, workspaceID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrWorkspaceNotFound
		}
		return err
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUserNotFound
		}
		return err
	}

	rooms, err := s.rooms.ListNonDirectByWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}

	for _, room := range rooms {
		added, err := s.EnsureMembership(ctx, room.ID, userID)
		if err != nil {
			return err
		}
		if !added {
			continue
		}

		joinMessage := models.ChatMessage{
			EventID:    uuid.NewString(),
			ChatRoomID: room.ID,
			SenderID:   userID,
			Content:    fmt.Sprintf("%s joined the channel", user.Username),
			Type:       models.MessageTypeJoin,
		}
		if err := s.messages.Save(ctx, &joinMessage); err != nil {
			return err
		}

		s.broker.Publish(ctx, dto.ServerFrame{
			Topic:   TopicChat(room.ID),
			Event:   dto.EventSystem,
			Payload: dto.NewMessageResponse(joinMessage),
		})
	}

	return nil
}

func (s *roomService) MarkRead(ctx context.Context, roomID, userID uint) error {
	err := s.rooms.MarkRead(ctx, roomID, userID, s.now().UTC())
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrRoomNotFound
		}
		return err
	}
	return nil
}

func (s *roomService) roomWithMembers(ctx context.Context, room models.ChatRoom) (dto.ChatRoomResponse, error) {
	response := dto.NewChatRoomResponse(room)

	members, err := s.rooms.ListMembers(ctx, room.ID)
	if err != nil {
		return dto.ChatRoomResponse{}, err
	}

	ids := make([]uint, 0, len(members))
	for _, member := range members {
		ids = append(ids, member.UserID)
	}

	users, err := s.users.GetByIDs(ctx, ids)
	if err != nil {
		return dto.ChatRoomResponse{}, err
	}
	byID := make(map[uint]models.User, len(users))
	for _, user := range users {
		byID[user.ID] = user
	}

	response.Members = make([]dto.RoomMemberResponse, 0, len(members))
	for _, member := range members {
		entry := dto.RoomMemberResponse{
			UserID: member.UserID,
			Status: member.UserStatus,
		}
		if user, ok := byID[member.UserID]; ok {
			entry.Username = user.Username
			entry.ProfileImageURL = user.ProfileImageURL
		}
		response.Members = append(response.Members, entry)
	}

	return response, nil
}

func looksLikeDefaultRoom(name string) bool {
	normalized := strings.ToLower(strings.TrimSpace(name))
	return normalized == defaultRoomName || strings.HasPrefix(normalized, "default")
}

func appendUnique(ids []uint, extra uint) []uint {
	result := make([]uint, 0, len(ids)+1)
	seen := make(map[uint]struct{}, len(ids)+1)
	for _, id := range append([]uint{extra}, ids...) {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		result = append(result, id)
	}
	return result
}
