package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/wavechat/wavechat-api/internal/config"
	"github.com/wavechat/wavechat-api/internal/handler"
	"github.com/wavechat/wavechat-api/internal/middleware"
	"github.com/wavechat/wavechat-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	ChatHandler   *handler.ChatHandler
	UserHandler   *handler.UserHandler
	JWTMiddleware fiber.Handler
	JWTOptional   fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	// Common v1 group for health & headers
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg))

	app.Get("/metrics", observability.MetricsHandler())

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}
	jwtOptional := deps.JWTOptional
	if jwtOptional == nil {
		jwtOptional = func(c *fiber.Ctx) error { return c.Next() }
	}

	// Chat (websocket gateway, rooms & history)
	if deps.ChatHandler != nil {
		chat := api.Group("/chat")
		deps.ChatHandler.Register(chat, jwtMiddleware)
	}

	// Presence. Status flaps are cheap to send, so the group is rate limited.
	if deps.UserHandler != nil {
		users := api.Group("/users", jwtOptional, middleware.RateLimit("presence", 60, time.Minute))
		deps.UserHandler.Register(users)

		workspaces := api.Group("/workspaces", jwtOptional)
		deps.UserHandler.RegisterWorkspaceRoutes(workspaces)
	}
}
