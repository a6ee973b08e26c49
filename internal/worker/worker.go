package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"saga-server/internal/queue"
)

const promoteInterval = 15 * time.Second

// Worker is an owned consumer resource: Start launches the claim loop,
// Stop drains it. Starting twice in-process is a no-op; running more
// workers is a per-process supervisor decision, not an in-process flag.
type Worker struct {
	queue   queue.Queue
	handler *JobHandler
	logger  *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a Worker; it does not start consuming until Start.
func New(q queue.Queue, handler *JobHandler, logger *zap.Logger) *Worker {
	return &Worker{
		queue:   q,
		handler: handler,
		logger:  logger.Named("Worker"),
	}
}

// Start launches the claim loop. It is idempotent within the process:
// a second Start while running does nothing.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		w.logger.Warn("Worker already running, ignoring duplicate start")
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	go w.run(loopCtx)
	w.logger.Info("Worker started")
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	lastPromote := time.Time{}
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Worker claim loop stopping")
			return
		default:
		}

		// Delayed jobs become claimable between claims.
		if time.Since(lastPromote) >= promoteInterval {
			if _, err := w.queue.PromoteDelayed(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Warn("Failed to promote delayed jobs", zap.Error(err))
			}
			lastPromote = time.Now()
		}

		job, err := w.queue.ClaimNext(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			w.logger.Error("Failed to claim next job, backing off", zap.Error(err))
			select {
			case <-time.After(3 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if job == nil {
			continue // Claim timeout elapsed with nothing waiting
		}

		if err := w.handler.Handle(ctx, job); err != nil {
			w.logger.Error("Job handling finished with error",
				zap.String("jobID", job.ID),
				zap.String("sagaID", job.Data.SagaID.String()),
				zap.Error(err))
		}
	}
}

// Stop cancels the claim loop and waits for the in-flight job to finish,
// bounded by the given timeout. Returns false on timeout.
func (w *Worker) Stop(timeout time.Duration) bool {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return true
	}
	cancel := w.cancel
	done := w.done
	w.running = false
	w.cancel = nil
	w.mu.Unlock()

	cancel()
	select {
	case <-done:
		w.logger.Info("Worker stopped")
		return true
	case <-time.After(timeout):
		w.logger.Warn("Timeout waiting for worker to stop", zap.Duration("timeout", timeout))
		return false
	}
}

// Running reports whether the claim loop is active.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
