package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"campus-chat/internal/auth"
	"campus-chat/internal/config"
	"campus-chat/internal/db"
	"campus-chat/internal/directory"
	"campus-chat/internal/grpcserver"
	"campus-chat/internal/handlers"
	"campus-chat/internal/middleware"
	"campus-chat/internal/observability"
	"campus-chat/internal/rabbitmq"
	"campus-chat/internal/repositories"
	"campus-chat/internal/telemetry"
	"campus-chat/internal/typing"
	"campus-chat/internal/ws"
)

const (
	exitOK      = 0
	exitConfig  = 1
	exitRuntime = 2
)

func main() {
	code, err := run()
	if err != nil {
		slog.Error("chat service stopped", "error", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	cfg, err := config.Load()
	if err != nil {
		return exitConfig, err
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, cfg.OTLPEndpoint, cfg.ServiceName, cfg.Environment)
	if err != nil {
		return exitConfig, fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(flushCtx)
	}()

	database, err := db.Connect(ctx, cfg.DBDSN, logger)
	if err != nil {
		return exitRuntime, fmt.Errorf("connect db: %w", err)
	}
	defer database.Close()

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
	defer publisher.Close()
	observability.SetPublisher(publisher)
	logger.Info("event publisher ready", "mode", rabbitmq.PublisherMode(publisher), "reason", rabbitmq.PublisherNoopReason(publisher))
	audit := telemetry.NewAuditEmitter(publisher, "audit.chat", cfg.ServiceName, cfg.Environment, logger)

	chatRepo := repositories.NewChatRepo(database)
	messageRepo := repositories.NewMessageRepo(database)
	userRepo := repositories.NewUserRepo(database)

	dir := directory.New(chatRepo, userRepo,
		directory.WithAudit(audit),
		directory.WithFriendshipRequired(cfg.RequireFriendship),
		directory.WithLogger(logger),
	)

	trackerOpts := []typing.Option{typing.WithTTL(cfg.TypingTTL), typing.WithLogger(logger)}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		trackerOpts = append(trackerOpts, typing.WithMirror(typing.NewRedisMirror(rdb)))
		logger.Info("typing mirror enabled", "redis_addr", cfg.RedisAddr)
	}
	tracker := typing.NewTracker(trackerOpts...)

	hub := ws.NewHub()
	manager := ws.NewManager(hub, dir, messageRepo, tracker, ws.Options{
		MaxMessageLength: cfg.MaxMessageLength,
		SendQueueSize:    cfg.SendQueueSize,
		EventRate:        cfg.EventRate,
		EventBurst:       cfg.EventBurst,
	}, logger)
	go manager.Run(ctx)

	verifier := auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	chatHandler := handlers.NewChatHandler(dir, messageRepo, userRepo, logger)
	userHandler := handlers.NewUserHandler(userRepo, logger)
	wsHandler := ws.NewHandler(ctx, manager, verifier)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		if err := database.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": "database unreachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authMiddleware := middleware.AuthMiddleware(verifier)
	router.POST("/chats", authMiddleware, chatHandler.StartChat)
	router.GET("/chats", authMiddleware, chatHandler.ListChats)
	router.GET("/chats/:chat_id", authMiddleware, chatHandler.GetChat)
	router.GET("/users/me", authMiddleware, userHandler.Me)
	router.GET("/ws", wsHandler.Handle)
	handlers.RegisterDebugRoutes(router, audit, hub, cfg.DebugRoutes)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcListener, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return exitRuntime, fmt.Errorf("listen grpc on %s: %w", cfg.GRPCPort, err)
	}
	health := grpcserver.New(logger)

	errChan := make(chan error, 2)
	go func() {
		logger.Info("starting http server", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := health.Serve(grpcListener); err != nil {
			errChan <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	health.SetServing(true)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errChan:
		return exitRuntime, err
	}

	health.SetServing(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	manager.Shutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	health.GracefulStop()
	logger.Info("chat service stopped cleanly")
	return exitOK, nil
}
