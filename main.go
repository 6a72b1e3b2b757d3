package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"market-chat/internal/broadcast"
	"market-chat/internal/config"
	"market-chat/internal/db"
	"market-chat/internal/handlers"
	"market-chat/internal/logger"
	"market-chat/internal/middleware"
	"market-chat/internal/observability"
	"market-chat/internal/rabbitmq"
	"market-chat/internal/repositories"
	"market-chat/internal/telemetry"
	"market-chat/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg.Server.Mode)
	defer log.Sync() //nolint:errcheck

	if cfg.Server.Mode == logger.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName, cfg.Telemetry.Environment)
	if err != nil {
		log.Fatal("failed to set up tracing", zap.Error(err))
	}

	database, err := db.Connect(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatal("failed to connect to db", zap.String("driver", cfg.Database.Driver), zap.Error(err))
	}
	defer database.Close()

	roomRepo := repositories.NewRoomRepo(database)
	messageRepo := repositories.NewMessageRepo(database)
	userRepo := repositories.NewUserRepo(database)

	channel, closeChannel := newChannel(cfg, log)
	defer closeChannel()

	auditPublisher := rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, log)
	defer auditPublisher.Close()
	eventsPublisher := rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.AMQP.EventsExch, log)
	defer eventsPublisher.Close()
	observability.SetPublisher(eventsPublisher)
	log.Info("amqp publishers ready",
		zap.String("audit_mode", rabbitmq.PublisherMode(auditPublisher)),
		zap.String("events_mode", rabbitmq.PublisherMode(eventsPublisher)),
		zap.String("noop_reason", rabbitmq.PublisherNoopReason(eventsPublisher)),
	)

	audit := telemetry.NewAuditEmitter(auditPublisher, cfg.AMQP.AuditKey, cfg.Telemetry.ServiceName, cfg.Telemetry.Environment, log)

	wsHub := ws.NewHub()

	roomHandler := handlers.NewRoomHandler(roomRepo, messageRepo, userRepo, audit, log)
	messageHandler := handlers.NewMessageHandler(roomRepo, messageRepo, channel, log)

	roomWS := ws.NewRoomWebSocketHandler(wsHub, roomRepo, messageRepo, channel, log, cfg.Session.ReconnectMaxElapsed)
	roomListWS := ws.NewRoomListWebSocketHandler(wsHub, roomRepo, messageRepo, channel, log, cfg.Session.UnreadReconcile)

	router := gin.New()

	// middlewares
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.Telemetry.ServiceName))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggingMiddleware(log))
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/metrics", observability.MetricsHandler())
	router.GET("/healthz", func(c *gin.Context) {
		if err := database.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":                "ok",
			"ws_connections":        len(wsHub.Connections()),
			"room_list_connections": wsHub.Count(""),
		})
	})

	authMiddleware := middleware.AuthMiddleware(cfg.Auth.JWTSecret, userRepo, log)

	router.POST("/rooms", authMiddleware, roomHandler.ContactSeller)
	router.GET("/rooms", authMiddleware, roomHandler.ListRooms)
	router.GET("/rooms/:room_id", authMiddleware, roomHandler.GetRoom)
	router.DELETE("/rooms/:room_id", authMiddleware, roomHandler.DeleteRoom)
	router.GET("/unread", authMiddleware, roomHandler.Unread)

	router.GET("/rooms/:room_id/messages", authMiddleware, messageHandler.ListMessages)
	router.POST("/rooms/:room_id/messages", authMiddleware, messageHandler.PostMessage)
	router.POST("/messages/:message_id/read", authMiddleware, messageHandler.MarkRead)

	router.GET("/ws/rooms", authMiddleware, roomListWS.Handle)
	router.GET("/ws/rooms/:room_id", authMiddleware, roomWS.Handle)

	handlers.RegisterDebugRoutes(router, audit, channel, cfg.Auth.JWTSecret, cfg.Server.Debug)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("listening", zap.String("addr", srv.Addr), zap.String("broadcast", cfg.Broadcast.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// hijacked websocket connections are not tracked by Shutdown
	wsHub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("tracer shutdown", zap.Error(err))
	}
}

func newChannel(cfg *config.Config, log *zap.Logger) (broadcast.Channel, func()) {
	opts := broadcast.Options{Self: cfg.Broadcast.Self, BufferSize: cfg.Broadcast.BufferSize}
	if cfg.Broadcast.Driver != "redis" {
		return broadcast.NewHub(opts), func() {}
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Fatal("failed to reach redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}
	return broadcast.NewRedisChannel(client, opts, cfg.Redis.PresenceTTL, log), func() { client.Close() }
}
