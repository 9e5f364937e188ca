package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wavechat/wavechat-api/internal/models"
)

// RoomRepository owns chat-room and membership state.
type RoomRepository interface {
	GetByID(ctx context.Context, id uint) (models.ChatRoom, error)
	FindDirectByKey(ctx context.Context, key string) (models.ChatRoom, error)
	// Create persists a room, its member rows, and an optional system message
	// atomically. For direct rooms the unique direct_key index resolves
	// concurrent creation: on conflict the existing row is loaded into room
	// and created=false is returned, with no members or message written.
	Create(ctx context.Context, room *models.ChatRoom, memberIDs []uint, systemMessage *models.ChatMessage) (bool, error)
	IsMember(ctx context.Context, roomID, userID uint) (bool, error)
	// AddMember inserts a membership row if one does not exist yet.
	AddMember(ctx context.Context, member models.ChatRoomMember) error
	GetMembership(ctx context.Context, roomID, userID uint) (models.ChatRoomMember, error)
	ListMembers(ctx context.Context, roomID uint) ([]models.ChatRoomMember, error)
	ListByWorkspaceAndMember(ctx context.Context, workspaceID, userID uint) ([]models.ChatRoom, error)
	ListNonDirectByWorkspace(ctx context.Context, workspaceID uint) ([]models.ChatRoom, error)
	ListRoomIDsByUser(ctx context.Context, userID uint) ([]uint, error)
	MarkRead(ctx context.Context, roomID, userID uint, at time.Time) error
}

type roomRepository struct {
	db *gorm.DB
}

// NewRoomRepository constructs a room repository backed by GORM.
func NewRoomRepository(db *gorm.DB) RoomRepository {
	return &roomRepository{db: db}
}

func (r *roomRepository) GetByID(ctx context.Context, id uint) (models.ChatRoom, error) {
	var room models.ChatRoom
	if err := r.db.WithContext(ctx).First(&room, id).Error; err != nil {
		return models.ChatRoom{}, err
	}
	return room, nil
}

func (r *roomRepository) FindDirectByKey(ctx context.Context, key string) (models.ChatRoom, error) {
	var room models.ChatRoom
	if err := r.db.WithContext(ctx).Where("direct_key = ?", key).First(&room).Error; err != nil {
		return models.ChatRoom{}, err
	}
	return room, nil
}

func (r *roomRepository) Create(ctx context.Context, room *models.ChatRoom, memberIDs []uint, systemMessage *models.ChatMessage) (bool, error) {
	created := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "direct_key"}},
			DoNothing: true,
		}).Create(room)
		if result.Error != nil {
			return result.Error
		}

		if result.RowsAffected == 0 && room.DirectKey != nil {
			// Lost the race: another request inserted the same direct room.
			return tx.Where("direct_key = ?", *room.DirectKey).First(room).Error
		}

		created = true

		seen := make(map[uint]struct{}, len(memberIDs))
		for _, memberID := range memberIDs {
			if memberID == 0 {
				continue
			}
			if _, dup := seen[memberID]; dup {
				continue
			}
			seen[memberID] = struct{}{}

			member := models.ChatRoomMember{
				ChatRoomID:  room.ID,
				UserID:      memberID,
				WorkspaceID: room.WorkspaceID,
				UserStatus:  models.StatusOffline,
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&member).Error; err != nil {
				return err
			}
		}

		if systemMessage != nil {
			systemMessage.ChatRoomID = room.ID
			if err := tx.Create(systemMessage).Error; err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return false, err
	}

	return created, nil
}

func (r *roomRepository) IsMember(ctx context.Context, roomID, userID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.ChatRoomMember{}).
		Where("chat_room_id = ? AND user_id = ?", roomID, userID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *roomRepository) AddMember(ctx context.Context, member models.ChatRoomMember) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&member).Error
}

func (r *roomRepository) GetMembership(ctx context.Context, roomID, userID uint) (models.ChatRoomMember, error) {
	var member models.ChatRoomMember
	err := r.db.WithContext(ctx).
		Where("chat_room_id = ? AND user_id = ?", roomID, userID).
		First(&member).Error
	if err != nil {
		return models.ChatRoomMember{}, err
	}
	return member, nil
}

func (r *roomRepository) ListMembers(ctx context.Context, roomID uint) ([]models.ChatRoomMember, error) {
	var members []models.ChatRoomMember
	err := r.db.WithContext(ctx).
		Where("chat_room_id = ?", roomID).
		Order("user_id").
		Find(&members).Error
	if err != nil {
		return nil, err
	}
	return members, nil
}

func (r *roomRepository) ListByWorkspaceAndMember(ctx context.Context, workspaceID, userID uint) ([]models.ChatRoom, error) {
	var rooms []models.ChatRoom
	err := r.db.WithContext(ctx).
		Joins("JOIN chat_room_members ON chat_room_members.chat_room_id = chat_rooms.id").
		Where("chat_rooms.workspace_id = ? AND chat_room_members.user_id = ?", workspaceID, userID).
		Order("chat_rooms.updated_at DESC").
		Find(&rooms).Error
	if err != nil {
		return nil, err
	}
	return rooms, nil
}

func (r *roomRepository) ListNonDirectByWorkspace(ctx context.Context, workspaceID uint) ([]models.ChatRoom, error) {
	var rooms []models.ChatRoom
	err := r.db.WithContext(ctx).
		Where("workspace_id = ? AND is_direct = ?", workspaceID, false).
		Order("created_at").
		Find(&rooms).Error
	if err != nil {
		return nil, err
	}
	return rooms, nil
}

func (r *roomRepository) ListRoomIDsByUser(ctx context.Context, userID uint) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&models.ChatRoomMember{}).
		Where("user_id = ?", userID).
		Order("chat_room_id").
		Pluck("chat_room_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *roomRepository) MarkRead(ctx context.Context, roomID, userID uint, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.ChatRoomMember{}).
		Where("chat_room_id = ? AND user_id = ?", roomID, userID).
		Update("last_read_at", at)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
