package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/wavechat/wavechat-api/internal/dto"
	"github.com/wavechat/wavechat-api/internal/service"
	"github.com/wavechat/wavechat-api/internal/utils"
)

// UserHandler exposes presence endpoints.
type UserHandler struct {
	presence  service.PresenceService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewUserHandler creates a user handler instance.
func NewUserHandler(presence service.PresenceService, validate *validator.Validate, logger zerolog.Logger) *UserHandler {
	return &UserHandler{
		presence:  presence,
		validator: validate,
		logger:    logger.With().Str("component", "user_handler").Logger(),
	}
}

// Register binds user presence routes under the provided router group.
func (h *UserHandler) Register(router fiber.Router) {
	router.Post("/status", h.updateStatus)
	router.Get("/online", h.onlineUsers)
	router.Get("/:userId/status", h.userStatus)
}

// RegisterWorkspaceRoutes binds workspace-scoped presence routes.
func (h *UserHandler) RegisterWorkspaceRoutes(router fiber.Router) {
	router.Get("/:workspaceId/online", h.workspaceOnline)
}

// updateStatus resolves the target identity in order: authenticated user,
// user id in the body, username in the body. Legacy clients rely on the body
// fallbacks.
func (h *UserHandler) updateStatus(c *fiber.Ctx) error {
	var payload dto.StatusChangeRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validator.Struct(payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	ctx := requestContext(c)

	var (
		response dto.UserStatusResponse
		err      error
	)
	switch {
	case userIDFromContext(c) != 0:
		response, err = h.presence.UpdateStatus(ctx, userIDFromContext(c), payload.Status)
	case payload.UserID != 0:
		response, err = h.presence.UpdateStatus(ctx, payload.UserID, payload.Status)
	case payload.Username != "":
		response, err = h.presence.UpdateStatusByUsername(ctx, payload.Username, payload.Status)
	default:
		return utils.SendError(c, fiber.StatusBadRequest, "user identity required")
	}
	if err != nil {
		return h.presenceError(c, err)
	}

	return utils.SendSuccess(c, "status updated", response)
}

func (h *UserHandler) onlineUsers(c *fiber.Ctx) error {
	ids, err := h.presence.OnlineUsers(requestContext(c))
	if err != nil {
		return h.presenceError(c, err)
	}
	return utils.SendSuccess(c, "online users", ids)
}

func (h *UserHandler) userStatus(c *fiber.Ctx) error {
	userID, err := paramUint(c, "userId")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid user id")
	}

	status, err := h.presence.UserStatus(requestContext(c), userID)
	if err != nil {
		return h.presenceError(c, err)
	}

	return utils.SendSuccess(c, "user status", fiber.Map{"userId": userID, "status": status})
}

func (h *UserHandler) workspaceOnline(c *fiber.Ctx) error {
	workspaceID, err := paramUint(c, "workspaceId")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid workspace id")
	}

	ids, err := h.presence.WorkspaceOnlineMembers(requestContext(c), workspaceID)
	if err != nil {
		return h.presenceError(c, err)
	}

	return utils.SendSuccess(c, "workspace online members", ids)
}

func (h *UserHandler) presenceError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrUserNotFound),
		errors.Is(err, service.ErrWorkspaceNotFound):
		return utils.SendError(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrInvalidStatus), isValidationError(err):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	default:
		requestLogger(h.logger, c).Error().Err(err).Msg("presence request failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal error")
	}
}
