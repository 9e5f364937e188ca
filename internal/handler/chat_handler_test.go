package handler

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/wavechat/wavechat-api/internal/dto"
	"github.com/wavechat/wavechat-api/internal/models"
	"github.com/wavechat/wavechat-api/internal/service"
)

type stubGateway struct{}

func (stubGateway) ServeConnection(*websocket.Conn, service.ConnectionOptions) {}

type stubRoomService struct {
	createRoom  func(creatorID uint, payload dto.CreateChatRoomRequest) (dto.ChatRoomResponse, error)
	listRooms   func(workspaceID, userID uint) ([]dto.ChatRoomResponse, error)
	defaultRoom func(workspaceID, userID uint) (models.ChatRoom, error)
	markRead    func(roomID, userID uint) error
}

func (s *stubRoomService) ResolveDirectRoom(_ context.Context, workspaceID, userA, userB uint) (dto.ChatRoomResponse, error) {
	return dto.ChatRoomResponse{}, nil
}

func (s *stubRoomService) CreateRoom(_ context.Context, creatorID uint, payload dto.CreateChatRoomRequest) (dto.ChatRoomResponse, error) {
	return s.createRoom(creatorID, payload)
}

func (s *stubRoomService) EnsureMembership(context.Context, uint, uint) (bool, error) {
	return false, nil
}

func (s *stubRoomService) ResolveOrCreateDefaultRoom(_ context.Context, workspaceID, userID uint) (models.ChatRoom, error) {
	return s.defaultRoom(workspaceID, userID)
}

func (s *stubRoomService) ListRoomsByWorkspace(_ context.Context, workspaceID, userID uint) ([]dto.ChatRoomResponse, error) {
	return s.listRooms(workspaceID, userID)
}

func (s *stubRoomService) AddUserToWorkspaceChannels(context.Context, uint, uint) error {
	return nil
}

func (s *stubRoomService) MarkRead(_ context.Context, roomID, userID uint) error {
	return s.markRead(roomID, userID)
}

func (s *stubRoomService) GetRoom(context.Context, uint) (models.ChatRoom, error) {
	return models.ChatRoom{}, service.ErrRoomNotFound
}

type stubMessageService struct {
	list func(roomID uint, page, size int) (dto.PagedMessages, error)
}

func (s *stubMessageService) Route(_ context.Context, event dto.MessageEvent) (dto.MessageEvent, error) {
	return event, nil
}

func (s *stubMessageService) Announce(context.Context, dto.MessageEvent) error { return nil }

func (s *stubMessageService) Typing(context.Context, dto.TypingEvent) error { return nil }

func (s *stubMessageService) ListMessages(_ context.Context, roomID uint, page, size int) (dto.PagedMessages, error) {
	return s.list(roomID, page, size)
}

type stubAuthService struct{}

func (stubAuthService) Authenticate(context.Context, string) (models.User, error) {
	return models.User{}, service.ErrInvalidToken
}

func newChatTestApp(t *testing.T, rooms *stubRoomService, messages *stubMessageService, authenticated bool) *fiber.App {
	t.Helper()

	app := fiber.New()
	validate := validator.New(validator.WithRequiredStructEnabled())
	h := NewChatHandler(stubGateway{}, rooms, messages, stubAuthService{}, validate, zerolog.New(io.Discard))

	jwtStub := func(c *fiber.Ctx) error {
		if authenticated {
			c.Locals("user_id", uint(7))
		}
		return c.Next()
	}
	h.Register(app.Group("/chat"), jwtStub)
	return app
}

func TestChatHandlerCreateRoom(t *testing.T) {
	rooms := &stubRoomService{
		createRoom: func(creatorID uint, payload dto.CreateChatRoomRequest) (dto.ChatRoomResponse, error) {
			require.Equal(t, uint(7), creatorID)
			return dto.ChatRoomResponse{ID: 1, Name: payload.Name, WorkspaceID: payload.WorkspaceID}, nil
		},
	}
	app := newChatTestApp(t, rooms, &stubMessageService{}, true)

	resp := postJSON(t, app, "/chat/rooms", dto.CreateChatRoomRequest{WorkspaceID: 3, Name: "general"})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
}

func TestChatHandlerCreateRoomRequiresIdentity(t *testing.T) {
	app := newChatTestApp(t, &stubRoomService{}, &stubMessageService{}, false)

	resp := postJSON(t, app, "/chat/rooms", dto.CreateChatRoomRequest{WorkspaceID: 3, Name: "general"})
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestChatHandlerCreateRoomErrorMapping(t *testing.T) {
	rooms := &stubRoomService{
		createRoom: func(uint, dto.CreateChatRoomRequest) (dto.ChatRoomResponse, error) {
			return dto.ChatRoomResponse{}, service.ErrWorkspaceNotFound
		},
	}
	app := newChatTestApp(t, rooms, &stubMessageService{}, true)

	resp := postJSON(t, app, "/chat/rooms", dto.CreateChatRoomRequest{WorkspaceID: 404, Name: "general"})
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	rooms.createRoom = func(uint, dto.CreateChatRoomRequest) (dto.ChatRoomResponse, error) {
		return dto.ChatRoomResponse{}, service.ErrNotDirectPair
	}
	resp = postJSON(t, app, "/chat/rooms", dto.CreateChatRoomRequest{WorkspaceID: 3, IsDirect: true})
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestChatHandlerListMessages(t *testing.T) {
	messages := &stubMessageService{
		list: func(roomID uint, page, size int) (dto.PagedMessages, error) {
			require.Equal(t, uint(5), roomID)
			require.Equal(t, 2, page)
			require.Equal(t, 10, size)
			return dto.PagedMessages{CurrentPage: page}, nil
		},
	}
	app := newChatTestApp(t, &stubRoomService{}, messages, false)

	req := httptest.NewRequest(http.MethodGet, "/chat/rooms/5/messages?page=2&size=10", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	// Unknown rooms map to 404.
	messages.list = func(uint, int, int) (dto.PagedMessages, error) {
		return dto.PagedMessages{}, service.ErrRoomNotFound
	}
	req = httptest.NewRequest(http.MethodGet, "/chat/rooms/5/messages", nil)
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	// Bad identifiers never reach the service.
	req = httptest.NewRequest(http.MethodGet, "/chat/rooms/abc/messages", nil)
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestChatHandlerMarkRead(t *testing.T) {
	rooms := &stubRoomService{
		markRead: func(roomID, userID uint) error {
			require.Equal(t, uint(9), roomID)
			require.Equal(t, uint(7), userID)
			return nil
		},
	}
	app := newChatTestApp(t, rooms, &stubMessageService{}, true)

	req := httptest.NewRequest(http.MethodPost, "/chat/rooms/9/read", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestChatHandlerWebsocketRouteRequiresUpgrade(t *testing.T) {
	app := newChatTestApp(t, &stubRoomService{}, &stubMessageService{}, false)

	req := httptest.NewRequest(http.MethodGet, "/chat/ws", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}
