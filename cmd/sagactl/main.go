package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"saga-server/internal/config"
	"saga-server/internal/database"
	"saga-server/internal/diagnostics"
	"saga-server/internal/queue"
	"saga-server/internal/repository"
	"saga-server/pkg/logger"
)

const usage = `Usage: sagactl <command> [flags]

Commands:
  diagnose     -saga <uuid>              Cross-reference a saga against the queue
  clear-queue                            Remove all waiting/delayed jobs, force-fail active ones
  force-fail   -saga <uuid> -reason <s>  Force a saga to failed, keeping its pages
  requeue      -saga <uuid>              Reset a saga to pending and enqueue a new job
  sweep-stale                            Bulk-fail sagas stuck in a generating stage
`

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	command := os.Args[1]

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Console encoding: this is an operator tool, structured JSON logs
	// would only obscure the output.
	zapLogger, err := logger.New(logger.Config{
		Level:    cfg.LogLevel,
		Encoding: "console",
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dbPool, err := database.Connect(ctx, database.Config{
		DSN:         cfg.GetDSN(),
		MaxConns:    int32(cfg.DBMaxConns),
		IdleTimeout: cfg.DBIdleTimeout,
	}, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to connect to PostgreSQL", zap.String("dsn", cfg.MaskedDSN()), zap.Error(err))
	}
	defer dbPool.Close()

	redisClient, err := queue.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()

	diag := diagnostics.New(
		repository.NewPgSagaRepository(dbPool, zapLogger),
		queue.NewRedisQueue(redisClient, zapLogger),
		cfg.StaleThreshold,
		zapLogger,
	)

	switch command {
	case "diagnose":
		runDiagnose(ctx, diag, os.Args[2:])
	case "clear-queue":
		runClearQueue(ctx, diag)
	case "force-fail":
		runForceFail(ctx, diag, os.Args[2:])
	case "requeue":
		runRequeue(ctx, diag, os.Args[2:])
	case "sweep-stale":
		runSweepStale(ctx, diag)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n%s", command, usage)
		os.Exit(2)
	}
}

func parseSagaID(fs *flag.FlagSet, args []string) uuid.UUID {
	raw := fs.String("saga", "", "saga UUID")
	_ = fs.Parse(args)
	id, err := uuid.Parse(*raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid or missing -saga flag: %v\n", err)
		os.Exit(2)
	}
	return id
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Fatalf("Failed to encode output: %v", err)
	}
}

func runDiagnose(ctx context.Context, diag *diagnostics.Diagnostics, args []string) {
	fs := flag.NewFlagSet("diagnose", flag.ExitOnError)
	sagaID := parseSagaID(fs, args)

	report, err := diag.Diagnose(ctx, sagaID)
	if err != nil {
		log.Fatalf("Diagnose failed: %v", err)
	}
	printJSON(report)
}

func runClearQueue(ctx context.Context, diag *diagnostics.Diagnostics) {
	report, err := diag.ClearQueue(ctx)
	if err != nil {
		log.Fatalf("Clear queue failed (partial progress below): %v", err)
	}
	printJSON(report)
}

func runForceFail(ctx context.Context, diag *diagnostics.Diagnostics, args []string) {
	fs := flag.NewFlagSet("force-fail", flag.ExitOnError)
	reason := fs.String("reason", "force-failed by operator", "failure reason recorded on the saga")
	sagaID := parseSagaID(fs, args)

	if err := diag.ForceFail(ctx, sagaID, *reason); err != nil {
		log.Fatalf("Force-fail failed: %v", err)
	}
	fmt.Printf("Saga %s force-failed\n", sagaID)
}

func runRequeue(ctx context.Context, diag *diagnostics.Diagnostics, args []string) {
	fs := flag.NewFlagSet("requeue", flag.ExitOnError)
	sagaID := parseSagaID(fs, args)

	jobID, err := diag.Requeue(ctx, sagaID)
	if err != nil {
		log.Fatalf("Requeue failed: %v", err)
	}
	fmt.Printf("Saga %s requeued as job %s\n", sagaID, jobID)
}

func runSweepStale(ctx context.Context, diag *diagnostics.Diagnostics) {
	swept, err := diag.SweepStale(ctx)
	if err != nil {
		log.Fatalf("Sweep failed: %v", err)
	}
	fmt.Printf("Swept %d stale sagas to failed\n", swept)
}
