package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/wavechat/wavechat-api/internal/models"
)

// WorkspaceRepository reads workspace and workspace-membership rows. The chat
// core never mutates them; workspace CRUD belongs to the workspace service.
type WorkspaceRepository interface {
	GetByID(ctx context.Context, id uint) (models.Workspace, error)
	IsMember(ctx context.Context, workspaceID, userID uint) (bool, error)
	ListWorkspaceIDsByUser(ctx context.Context, userID uint) ([]uint, error)
	ListOnlineMemberIDs(ctx context.Context, workspaceID uint) ([]uint, error)
}

type workspaceRepository struct {
	db *gorm.DB
}

// NewWorkspaceRepository constructs a workspace repository backed by GORM.
func NewWorkspaceRepository(db *gorm.DB) WorkspaceRepository {
	return &workspaceRepository{db: db}
}

func (r *workspaceRepository) GetByID(ctx context.Context, id uint) (models.Workspace, error) {
	var workspace models.Workspace
	if err := r.db.WithContext(ctx).First(&workspace, id).Error; err != nil {
		return models.Workspace{}, err
	}
	return workspace, nil
}

func (r *workspaceRepository) IsMember(ctx context.Context, workspaceID, userID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.WorkspaceMember{}).
		Where("workspace_id = ? AND user_id = ?", workspaceID, userID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *workspaceRepository) ListWorkspaceIDsByUser(ctx context.Context, userID uint) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&models.WorkspaceMember{}).
		Where("user_id = ?", userID).
		Order("workspace_id").
		Pluck("workspace_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *workspaceRepository) ListOnlineMemberIDs(ctx context.Context, workspaceID uint) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&models.WorkspaceMember{}).
		Joins("JOIN users ON users.id = workspace_members.user_id").
		Where("workspace_members.workspace_id = ? AND users.status = ?", workspaceID, models.StatusOnline).
		Order("workspace_members.user_id").
		Pluck("workspace_members.user_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
