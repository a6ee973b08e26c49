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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"saga-server/internal/config"
	"saga-server/internal/database"
	"saga-server/internal/queue"
	"saga-server/internal/repository"
	"saga-server/internal/service"
	"saga-server/internal/worker"
	"saga-server/pkg/logger"
)

const (
	rabbitConnectAttempts = 10
	rabbitConnectDelay    = 5 * time.Second
	workerStopTimeout     = 30 * time.Second
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

	// Metrics and health endpoints for the worker process.
	metricsSrv := startMetricsServer(cfg.MetricsPort, zapLogger)

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

	// RabbitMQ (terminal-event notifications)
	rabbitConn, err := connectRabbitMQ(cfg.RabbitMQURL, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
	}
	defer rabbitConn.Close()

	rabbitCh, err := rabbitConn.Channel()
	if err != nil {
		zapLogger.Fatal("Failed to open RabbitMQ channel", zap.Error(err))
	}
	defer rabbitCh.Close()

	notifier, err := service.NewRabbitMQNotifier(rabbitCh, cfg.SagaEventQueueName, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create saga event notifier", zap.Error(err))
	}

	writer, err := service.NewOpenAIStoryWriter(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create story writer", zap.Error(err))
	}
	illustrator := service.NewHTTPIllustrator(cfg, zapLogger)

	sagaQueue := queue.NewRedisQueue(redisClient, zapLogger)
	sagaRepo := repository.NewPgSagaRepository(dbPool, zapLogger)
	jobHandler := worker.NewJobHandler(sagaRepo, sagaQueue, writer, illustrator, notifier, zapLogger)

	w := worker.New(sagaQueue, jobHandler, zapLogger)
	w.Start(ctx)

	<-ctx.Done()
	zapLogger.Info("Shutdown signal received, draining worker...")

	if !w.Stop(workerStopTimeout) {
		zapLogger.Warn("Worker did not drain in time, exiting anyway")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Forced metrics server shutdown", zap.Error(err))
	}
	zapLogger.Info("Worker stopped")
}

func startMetricsServer(port string, zapLogger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}
	go func() {
		zapLogger.Info("Metrics server listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return srv
}

func connectRabbitMQ(url string, zapLogger *zap.Logger) (*amqp.Connection, error) {
	log := zapLogger.Named("RabbitMQConnect")
	var conn *amqp.Connection
	var err error
	for attempt := 1; attempt <= rabbitConnectAttempts; attempt++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			log.Info("Connected to RabbitMQ", zap.Int("attempt", attempt))
			return conn, nil
		}
		log.Warn("RabbitMQ connection attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", rabbitConnectAttempts),
			zap.Error(err))
		if attempt < rabbitConnectAttempts {
			time.Sleep(rabbitConnectDelay)
		}
	}
	return nil, err
}
