package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/wavechat/wavechat-api/internal/config"
	"github.com/wavechat/wavechat-api/internal/database"
	"github.com/wavechat/wavechat-api/internal/handler"
	"github.com/wavechat/wavechat-api/internal/middleware"
	"github.com/wavechat/wavechat-api/internal/models"
	"github.com/wavechat/wavechat-api/internal/repository"
	"github.com/wavechat/wavechat-api/internal/router"
	"github.com/wavechat/wavechat-api/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(
		&models.User{},
		&models.Workspace{},
		&models.WorkspaceMember{},
		&models.ChatRoom{},
		&models.ChatRoomMember{},
		&models.ChatMessage{},
	); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	// Redis and NATS back the presence cache and the cross-node frame mirror.
	// Both are optional: a single node runs fine without them.
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
	} else {
		logger.Warn().Msg("redis url not configured, presence cache and frame mirror disabled")
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsConn.Close()
	} else {
		logger.Warn().Msg("nats url not configured, frame mirror runs on redis only")
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	userRepo := repository.NewUserRepository(db)
	workspaceRepo := repository.NewWorkspaceRepository(db)
	roomRepo := repository.NewRoomRepository(db)
	messageRepo := repository.NewMessageRepository(db)

	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := service.NewBroker(redisClient, cfg.ChannelBase, natsConn, logger)
	broker.Start(appCtx)

	authService := service.NewAuthService(
		service.NewJWTTokenValidator(cfg.JWTSecret),
		service.NewIdentityResolver(userRepo),
		logger,
	)
	roomService := service.NewRoomService(roomRepo, messageRepo, userRepo, workspaceRepo, broker, validate, logger)
	messageService := service.NewMessageService(messageRepo, userRepo, roomService, broker, validate, logger)
	presenceService := service.NewPresenceService(userRepo, roomRepo, workspaceRepo, broker, redisClient, cfg.ChannelBase, cfg.PresenceCacheTTL, logger)
	gateway := service.NewGateway(broker, messageService, presenceService, validate, logger)

	chatHandler := handler.NewChatHandler(gateway, roomService, messageService, authService, validate, logger)
	userHandler := handler.NewUserHandler(presenceService, validate, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		ChatHandler:   chatHandler,
		UserHandler:   userHandler,
		JWTMiddleware: middleware.JWTProtected(cfg.JWTSecret),
		JWTOptional:   middleware.JWTOptional(cfg.JWTSecret),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app, cancel)
}

func waitForShutdown(app *fiber.App, cancel context.CancelFunc) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()
	cancel()

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
