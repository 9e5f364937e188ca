package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wavechat/wavechat-api/internal/models"
)

func TestUserRepositoryUpdateStatusWithMirrors(t *testing.T) {
	db := setupTestDB(t)
	repo := NewUserRepository(db)
	ctx := context.Background()

	user := models.User{Username: "alice", Email: "alice@example.com", Status: models.StatusOffline}
	require.NoError(t, db.Create(&user).Error)
	memberships := []models.ChatRoomMember{
		{ChatRoomID: 1, UserID: user.ID, WorkspaceID: 1, UserStatus: models.StatusOffline},
		{ChatRoomID: 2, UserID: user.ID, WorkspaceID: 1, UserStatus: models.StatusOffline},
	}
	require.NoError(t, db.Create(&memberships).Error)

	updated, err := repo.UpdateStatusWithMirrors(ctx, user.ID, models.StatusOnline, true)
	require.NoError(t, err)
	require.Equal(t, models.StatusOnline, updated.Status)
	require.NotNil(t, updated.LastLoginAt, "entering ONLINE stamps the login time")

	var mirrors []models.ChatRoomMember
	require.NoError(t, db.Where("user_id = ?", user.ID).Find(&mirrors).Error)
	require.Len(t, mirrors, 2)
	for _, mirror := range mirrors {
		require.Equal(t, models.StatusOnline, mirror.UserStatus)
	}

	// Leaving ONLINE must not move the login timestamp.
	before := *updated.LastLoginAt
	updated, err = repo.UpdateStatusWithMirrors(ctx, user.ID, models.StatusAway, false)
	require.NoError(t, err)
	require.Equal(t, models.StatusAway, updated.Status)

	var reloaded models.User
	require.NoError(t, db.First(&reloaded, user.ID).Error)
	require.NotNil(t, reloaded.LastLoginAt)
	require.Equal(t, before.Unix(), reloaded.LastLoginAt.Unix())
}
