package handler

import (
	"context"
	"errors"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/wavechat/wavechat-api/internal/dto"
	"github.com/wavechat/wavechat-api/internal/middleware"
	"github.com/wavechat/wavechat-api/internal/models"
	"github.com/wavechat/wavechat-api/internal/service"
	"github.com/wavechat/wavechat-api/internal/utils"
)

// ChatHandler wires chat endpoints including the websocket upgrade.
type ChatHandler struct {
	gateway   service.Gateway
	rooms     service.RoomService
	messages  service.MessageService
	auth      service.AuthService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewChatHandler creates a chat handler instance.
func NewChatHandler(gateway service.Gateway, rooms service.RoomService, messages service.MessageService, auth service.AuthService, validate *validator.Validate, logger zerolog.Logger) *ChatHandler {
	return &ChatHandler{
		gateway:   gateway,
		rooms:     rooms,
		messages:  messages,
		auth:      auth,
		validator: validate,
		logger:    logger.With().Str("component", "chat_handler").Logger(),
	}
}

// Register binds chat routes under the provided router group. The websocket
// route authenticates itself during the upgrade; jwtProtected guards the
// identity-bearing REST routes.
func (h *ChatHandler) Register(router fiber.Router, jwtProtected fiber.Handler) {
	router.Use("/ws", h.upgrade)
	router.Get("/ws", websocket.New(h.handleConnection))

	router.Post("/rooms", jwtProtected, h.createRoom)
	router.Get("/rooms/workspace/:workspaceId", jwtProtected, h.listRooms)
	router.Get("/rooms/default/:workspaceId", jwtProtected, h.defaultRoom)
	router.Post("/rooms/:roomId/read", jwtProtected, h.markRead)
	// History stays reachable without a token, matching the legacy contract.
	router.Get("/rooms/:roomId/messages", h.listMessages)
}

// upgrade performs handshake-time authentication. A bad or missing token is
// logged and the connection continues anonymously; identity-bearing frames
// get rejected downstream instead.
func (h *ChatHandler) upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
	c.Locals("request_ctx", ctx)

	token := c.Get("Authorization")
	if token == "" {
		token = c.Query("token")
	}
	if token != "" {
		user, err := h.auth.Authenticate(ctx, token)
		if err != nil {
			h.logger.Warn().Err(err).Msg("websocket token validation failed, continuing unauthenticated")
		} else {
			c.Locals("ws_user", &user)
		}
	}

	return c.Next()
}

func (h *ChatHandler) handleConnection(conn *websocket.Conn) {
	var user *models.User
	if bound, ok := conn.Locals("ws_user").(*models.User); ok {
		user = bound
	}

	correlation, _ := conn.Locals("correlation_id").(string)
	baseCtx, _ := conn.Locals("request_ctx").(context.Context)

	event := h.logger.Info().Str("correlation_id", correlation)
	if user != nil {
		event = event.Uint("user_id", user.ID)
	} else {
		event = event.Bool("anonymous", true)
	}
	event.Msg("chat websocket connected")

	h.gateway.ServeConnection(conn, service.ConnectionOptions{
		User:          user,
		CorrelationID: correlation,
		Context:       baseCtx,
	})

	h.logger.Info().Str("correlation_id", correlation).Msg("chat websocket disconnected")
}

func (h *ChatHandler) createRoom(c *fiber.Ctx) error {
	var payload dto.CreateChatRoomRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	creatorID := userIDFromContext(c)
	if creatorID == 0 {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	room, err := h.rooms.CreateRoom(requestContext(c), creatorID, payload)
	if err != nil {
		return h.chatError(c, err)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "chat room created", room)
}

func (h *ChatHandler) listRooms(c *fiber.Ctx) error {
	workspaceID, err := paramUint(c, "workspaceId")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid workspace id")
	}

	userID := userIDFromContext(c)
	if userID == 0 {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	rooms, err := h.rooms.ListRoomsByWorkspace(requestContext(c), workspaceID, userID)
	if err != nil {
		return h.chatError(c, err)
	}

	return utils.SendSuccess(c, "chat rooms", rooms)
}

func (h *ChatHandler) defaultRoom(c *fiber.Ctx) error {
	workspaceID, err := paramUint(c, "workspaceId")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid workspace id")
	}

	userID := userIDFromContext(c)
	if userID == 0 {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	room, err := h.rooms.ResolveOrCreateDefaultRoom(requestContext(c), workspaceID, userID)
	if err != nil {
		return h.chatError(c, err)
	}

	return utils.SendSuccess(c, "default chat room", dto.NewChatRoomResponse(room))
}

func (h *ChatHandler) markRead(c *fiber.Ctx) error {
	roomID, err := paramUint(c, "roomId")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid room id")
	}

	userID := userIDFromContext(c)
	if userID == 0 {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	if err := h.rooms.MarkRead(requestContext(c), roomID, userID); err != nil {
		return h.chatError(c, err)
	}

	return utils.SendSuccess(c, "room marked read", nil)
}

func (h *ChatHandler) listMessages(c *fiber.Ctx) error {
	roomID, err := paramUint(c, "roomId")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid room id")
	}

	page, err := parseQueryInt(c, "page")
	if err != nil || page < 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid page")
	}
	size, err := parseQueryInt(c, "size")
	if err != nil || size < 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid size")
	}

	messages, err := h.messages.ListMessages(requestContext(c), roomID, page, size)
	if err != nil {
		return h.chatError(c, err)
	}

	return utils.SendSuccess(c, "chat messages", messages)
}

func (h *ChatHandler) chatError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrRoomNotFound),
		errors.Is(err, service.ErrWorkspaceNotFound),
		errors.Is(err, service.ErrUserNotFound):
		return utils.SendError(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrNotDirectPair), isValidationError(err):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	default:
		requestLogger(h.logger, c).Error().Err(err).Msg("chat request failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal error")
	}
}

func paramUint(c *fiber.Ctx, name string) (uint, error) {
	value, err := strconv.ParseUint(c.Params(name), 10, 64)
	if err != nil || value == 0 {
		return 0, fiber.ErrBadRequest
	}
	return uint(value), nil
}

func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
}
