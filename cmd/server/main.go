package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.uber.org/zap"

	"saga-server/internal/config"
	"saga-server/internal/database"
	"saga-server/internal/handler"
	"saga-server/internal/middleware"
	"saga-server/internal/queue"
	"saga-server/internal/repository"
	"saga-server/internal/service"
	"saga-server/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.New(logger.Config{
		Level:    cfg.LogLevel,
		Encoding: cfg.LogEncoding,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()
	zapLogger.Info("Logger initialized", zap.String("logLevel", cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// PostgreSQL (saga store)
	dbPool, err := database.Connect(ctx, database.Config{
		DSN:         cfg.GetDSN(),
		MaxConns:    int32(cfg.DBMaxConns),
		IdleTimeout: cfg.DBIdleTimeout,
	}, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to connect to PostgreSQL", zap.String("dsn", cfg.MaskedDSN()), zap.Error(err))
	}
	defer dbPool.Close()

	if err := database.Migrate(dbPool, zapLogger); err != nil {
		zapLogger.Fatal("Failed to apply database migrations", zap.Error(err))
	}

	// Redis (job queue)
	redisClient, err := queue.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()

	sagaQueue := queue.NewRedisQueue(redisClient, zapLogger)
	sagaRepo := repository.NewPgSagaRepository(dbPool, zapLogger)
	sagaService := service.NewSagaService(sagaRepo, sagaQueue, zapLogger)
	sagaHandler := handler.NewSagaHandler(sagaService, zapLogger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(middleware.ZapLoggingMiddlewareForGin(zapLogger))
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	prom := ginprometheus.NewPrometheus("saga_api")
	prom.Use(router)

	sagaHandler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: router,
	}

	go func() {
		zapLogger.Info("API server listening", zap.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("API server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zapLogger.Info("Shutdown signal received, stopping API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Forced server shutdown", zap.Error(err))
	}
	zapLogger.Info("API server stopped")
}
