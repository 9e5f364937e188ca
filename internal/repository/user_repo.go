package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/wavechat/wavechat-api/internal/models"
)

// UserRepository reads user records and owns the presence status column.
type UserRepository interface {
	GetByID(ctx context.Context, id uint) (models.User, error)
	GetByUsername(ctx context.Context, username string) (models.User, error)
	GetByIDs(ctx context.Context, ids []uint) ([]models.User, error)
	// UpdateStatusWithMirrors writes the new status to the user row and to
	// every chat_room_members mirror in a single transaction. stampLogin also
	// sets last_login_at, used on transitions into ONLINE.
	UpdateStatusWithMirrors(ctx context.Context, userID uint, status string, stampLogin bool) (models.User, error)
	ListOnlineIDs(ctx context.Context) ([]uint, error)
}

type userRepository struct {
	db *gorm.DB
}

// NewUserRepository constructs a user repository backed by GORM.
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) GetByID(ctx context.Context, id uint) (models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (r *userRepository) GetByUsername(ctx context.Context, username string) (models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (r *userRepository) GetByIDs(ctx context.Context, ids []uint) ([]models.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var users []models.User
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

func (r *userRepository) UpdateStatusWithMirrors(ctx context.Context, userID uint, status string, stampLogin bool) (models.User, error) {
	var user models.User

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&user, userID).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{"status": status}
		if stampLogin {
			now := time.Now().UTC()
			updates["last_login_at"] = now
			user.LastLoginAt = &now
		}

		if err := tx.Model(&models.User{}).Where("id = ?", userID).Updates(updates).Error; err != nil {
			return err
		}

		if err := tx.Model(&models.ChatRoomMember{}).
			Where("user_id = ?", userID).
			Update("user_status", status).Error; err != nil {
			return err
		}

		user.Status = status
		return nil
	})
	if err != nil {
		return models.User{}, err
	}

	return user, nil
}

func (r *userRepository) ListOnlineIDs(ctx context.Context) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&models.User{}).
		Where("status = ?", models.StatusOnline).
		Order("id").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
