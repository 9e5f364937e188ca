package service

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redislib "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/wavechat/wavechat-api/internal/dto"
	"github.com/wavechat/wavechat-api/internal/models"
)

func newPresenceEnv(t *testing.T) (*testEnv, PresenceService, *miniredis.Miniredis) {
	t.Helper()
	env := newTestEnv(t)

	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	client := redislib.NewClient(&redislib.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	presence := NewPresenceService(env.users, env.roomRepo, env.workspaces, env.broker, client, "wavechat", time.Minute, zerolog.New(io.Discard))
	return env, presence, server
}

func TestPresenceServiceRejectsInvalidStatus(t *testing.T) {
	_, presence, _ := newPresenceEnv(t)

	_, err := presence.UpdateStatus(context.Background(), 1, "SLEEPING")
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestPresenceServiceSameStatusIsNoOp(t *testing.T) {
	env, presence, _ := newPresenceEnv(t)
	ctx := context.Background()

	alice := env.seedUser(t, "alice", models.StatusOnline)

	response, err := presence.UpdateStatus(ctx, alice.ID, models.StatusOnline)
	require.NoError(t, err)
	require.False(t, response.Changed)
	require.Empty(t, env.broker.all(), "no broadcasts for an unchanged status")

	var reloaded models.User
	require.NoError(t, env.db.First(&reloaded, alice.ID).Error)
	require.Nil(t, reloaded.LastLoginAt, "no-op must not stamp login time")
}

func TestPresenceServiceLastLoginOnlyOnEnteringOnline(t *testing.T) {
	env, presence, _ := newPresenceEnv(t)
	ctx := context.Background()

	alice := env.seedUser(t, "alice", models.StatusOffline)

	response, err := presence.UpdateStatus(ctx, alice.ID, models.StatusOnline)
	require.NoError(t, err)
	require.True(t, response.Changed)
	require.NotNil(t, response.LastLoginAt)
	first := *response.LastLoginAt

	// ONLINE -> AWAY keeps the timestamp.
	response, err = presence.UpdateStatus(ctx, alice.ID, models.StatusAway)
	require.NoError(t, err)
	require.True(t, response.Changed)

	var reloaded models.User
	require.NoError(t, env.db.First(&reloaded, alice.ID).Error)
	require.NotNil(t, reloaded.LastLoginAt)
	require.Equal(t, first.Unix(), reloaded.LastLoginAt.Unix())

	// AWAY -> ONLINE stamps a fresh one.
	time.Sleep(time.Second)
	response, err = presence.UpdateStatus(ctx, alice.ID, models.StatusOnline)
	require.NoError(t, err)
	require.NotNil(t, response.LastLoginAt)
	require.True(t, response.LastLoginAt.After(first) || response.LastLoginAt.Equal(first))
}

func TestPresenceServicePropagatesToEveryTopic(t *testing.T) {
	env, presence, _ := newPresenceEnv(t)
	ctx := context.Background()

	alice := env.seedUser(t, "alice", models.StatusOffline)
	bob := env.seedUser(t, "bob", models.StatusOffline)
	workspace := env.seedWorkspace(t, "acme", alice.ID, bob.ID)

	roomA, err := env.rooms.CreateRoom(ctx, alice.ID, dto.CreateChatRoomRequest{WorkspaceID: workspace.ID, Name: "general", MemberIDs: []uint{bob.ID}})
	require.NoError(t, err)
	roomB, err := env.rooms.CreateRoom(ctx, alice.ID, dto.CreateChatRoomRequest{WorkspaceID: workspace.ID, Name: "design"})
	require.NoError(t, err)

	response, err := presence.UpdateStatus(ctx, alice.ID, models.StatusOnline)
	require.NoError(t, err)
	require.True(t, response.Changed)

	assertOneStatusFrame := func(topic string) dto.StatusEvent {
		frames := env.broker.framesFor(topic)
		require.Len(t, frames, 1, "exactly one status frame per topic: %s", topic)
		require.Equal(t, dto.EventStatus, frames[0].Event)
		payload, ok := frames[0].Payload.(dto.StatusEvent)
		require.True(t, ok)
		return payload
	}

	roomEvent := assertOneStatusFrame(TopicRoomStatus(roomA.ID))
	require.Equal(t, assertOneStatusFrame(TopicRoomStatus(roomB.ID)), roomEvent, "identical payload everywhere")
	require.Equal(t, assertOneStatusFrame(TopicWorkspaceStatus(workspace.ID)), roomEvent)
	require.Equal(t, assertOneStatusFrame(TopicUsersStatus), roomEvent)

	require.Equal(t, alice.ID, roomEvent.UserID)
	require.Equal(t, models.StatusOnline, roomEvent.Status)

	// Mirrors follow in the same write.
	membership, err := env.roomRepo.GetMembership(ctx, roomA.ID, alice.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusOnline, membership.UserStatus)
}

func TestPresenceServiceStatusCachedInRedis(t *testing.T) {
	env, presence, server := newPresenceEnv(t)
	ctx := context.Background()

	alice := env.seedUser(t, "alice", models.StatusOffline)

	_, err := presence.UpdateStatus(ctx, alice.ID, models.StatusAway)
	require.NoError(t, err)

	cached, err := server.Get("wavechat:presence:" + itoa(alice.ID))
	require.NoError(t, err)
	require.Equal(t, models.StatusAway, cached)

	status, err := presence.UserStatus(ctx, alice.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusAway, status)

	// A stale cache entry that is not a valid status falls through to the DB.
	require.NoError(t, server.Set("wavechat:presence:"+itoa(alice.ID), "GARBAGE"))
	status, err = presence.UserStatus(ctx, alice.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusAway, status)
}

func TestPresenceServiceUpdateByUsername(t *testing.T) {
	env, presence, _ := newPresenceEnv(t)
	ctx := context.Background()

	env.seedUser(t, "alice", models.StatusOffline)

	response, err := presence.UpdateStatusByUsername(ctx, "alice", models.StatusOnline)
	require.NoError(t, err)
	require.True(t, response.Changed)
	require.Equal(t, "alice", response.Username)

	_, err = presence.UpdateStatusByUsername(ctx, "nobody", models.StatusOnline)
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestPresenceServiceOnlineQueries(t *testing.T) {
	env, presence, _ := newPresenceEnv(t)
	ctx := context.Background()

	alice := env.seedUser(t, "alice", models.StatusOnline)
	bob := env.seedUser(t, "bob", models.StatusOffline)
	workspace := env.seedWorkspace(t, "acme", alice.ID, bob.ID)

	online, err := presence.OnlineUsers(ctx)
	require.NoError(t, err)
	require.Equal(t, []uint{alice.ID}, online)

	members, err := presence.WorkspaceOnlineMembers(ctx, workspace.ID)
	require.NoError(t, err)
	require.Equal(t, []uint{alice.ID}, members)

	_, err = presence.WorkspaceOnlineMembers(ctx, 999)
	require.ErrorIs(t, err, ErrWorkspaceNotFound)
}

func itoa(id uint) string {
	return fmt.Sprintf("%d", id)
}
