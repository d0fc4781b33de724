package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"chat-sync/internal/config"
	"chat-sync/internal/db"
	"chat-sync/internal/grpcserver"
	"chat-sync/internal/handlers"
	"chat-sync/internal/middleware"
	"chat-sync/internal/observability"
	"chat-sync/internal/rabbitmq"
	"chat-sync/internal/repositories"
	"chat-sync/internal/roomlog"
	"chat-sync/internal/telemetry"
	"chat-sync/internal/ws"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}

	cfg, err := config.Load(getEnv("CHAT_SYNC_CONFIG", "config.yaml"))
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.ValidateServer(); err != nil {
		slog.Error("invalid server config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	database, err := db.Connect(ctx, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer database.Close()

	publisher := rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, logger)
	defer publisher.Close()
	observability.SetPublisher(publisher)
	logger.Info("event publisher ready", "mode", rabbitmq.PublisherMode(publisher), "noop_reason", rabbitmq.PublisherNoopReason(publisher))

	audit := telemetry.NewAuditEmitter(publisher, "audit.log", cfg.Telemetry.ServiceName, getEnv("ENVIRONMENT", "development"), logger)

	hub := ws.NewHub()
	rooms := roomlog.NewService(repositories.NewMessageRepo(database), hub, logger,
		roomlog.WithMaxContentLength(cfg.Send.MaxContentLength))
	presence := roomlog.NewPresenceService(repositories.NewPresenceRepo(database), logger, roomlog.WithAudit(audit))
	go presence.RunSweeper(ctx, cfg.Presence.SweepInterval)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.Telemetry.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())
	router.Use(handlers.RequestID())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		if err := database.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handlers.Routes{
		Rooms:     handlers.NewRoomHandler(rooms),
		Presence:  handlers.NewPresenceHandler(presence),
		Stream:    ws.NewRoomWebSocketHandler(rooms, cfg.Auth.JWTSecret, logger).Handle,
		Auth:      middleware.AuthMiddleware(cfg.Auth.JWTSecret),
		RateLimit: middleware.RateLimit(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst),
	}.Register(router)
	handlers.RegisterDebugRoutes(router, audit, hub, cfg.Debug.Enabled)

	grpcServer := grpcserver.New(database, logger)
	grpcServer.Refresh(ctx)
	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return err
		}
		go func() {
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error("grpc server stopped", "error", err)
			}
		}()
		go refreshHealth(ctx, grpcServer, cfg.Presence.SweepInterval)
	}

	srv := &http.Server{Addr: cfg.Server.HTTPAddr, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", "addr", cfg.Server.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	grpcServer.Stop()
	return srv.Shutdown(shutdownCtx)
}

func refreshHealth(ctx context.Context, srv *grpcserver.Server, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			srv.Refresh(ctx)
		}
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}
