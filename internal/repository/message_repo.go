package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/wavechat/wavechat-api/internal/models"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// MessageRepository persists routed chat messages and answers history queries.
type MessageRepository interface {
	Save(ctx context.Context, message *models.ChatMessage) error
	// ListPage returns one newest-first page of room history plus the total
	// message count for the room.
	ListPage(ctx context.Context, roomID uint, page, size int) ([]models.ChatMessage, int64, error)
	LatestByRoom(ctx context.Context, roomID uint) (models.ChatMessage, error)
	// CountUnread counts messages from other senders newer than since. A nil
	// since counts everything the user has never read.
	CountUnread(ctx context.Context, roomID, userID uint, since *time.Time) (int64, error)
	// TouchRoom bumps the room's updated_at after a new message landed.
	TouchRoom(ctx context.Context, roomID uint, at time.Time) error
}

type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository constructs a message repository backed by GORM.
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

func (r *messageRepository) Save(ctx context.Context, message *models.ChatMessage) error {
	return r.db.WithContext(ctx).Create(message).Error
}

func (r *messageRepository) ListPage(ctx context.Context, roomID uint, page, size int) ([]models.ChatMessage, int64, error) {
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}

	query := r.db.WithContext(ctx).Model(&models.ChatMessage{}).Where("chat_room_id = ?", roomID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var messages []models.ChatMessage
	err := query.
		Order("created_at DESC").
		Offset(page * size).
		Limit(size).
		Find(&messages).Error
	if err != nil {
		return nil, 0, err
	}

	return messages, total, nil
}

func (r *messageRepository) LatestByRoom(ctx context.Context, roomID uint) (models.ChatMessage, error) {
	var message models.ChatMessage
	err := r.db.WithContext(ctx).
		Where("chat_room_id = ?", roomID).
		Order("created_at DESC").
		First(&message).Error
	if err != nil {
		return models.ChatMessage{}, err
	}
	return message, nil
}

func (r *messageRepository) TouchRoom(ctx context.Context, roomID uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.ChatRoom{}).
		Where("id = ?", roomID).
		Update("updated_at", at).Error
}

func (r *messageRepository) CountUnread(ctx context.Context, roomID, userID uint, since *time.Time) (int64, error) {
	query := r.db.WithContext(ctx).Model(&models.ChatMessage{}).
		Where("chat_room_id = ? AND sender_id <> ?", roomID, userID)
	if since != nil {
		query = query.Where("created_at > ?", *since)
	}

	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
