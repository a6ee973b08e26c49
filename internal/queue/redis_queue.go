package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"saga-server/internal/models"
)

const (
	jobKeyPrefix = "saga:job:"
	waitingKey   = "saga:jobs:waiting"
	activeKey    = "saga:jobs:active"
	delayedKey   = "saga:jobs:delayed"
	completedKey = "saga:jobs:completed"
	failedKey    = "saga:jobs:failed"

	defaultClaimTimeout = 5 * time.Second
)

// Compile-time check to ensure redisQueue implements Queue
var _ Queue = (*redisQueue)(nil)

type redisQueue struct {
	client       *redis.Client
	logger       *zap.Logger
	claimTimeout time.Duration
}

// NewRedisQueue creates a Redis-backed Queue. The client is expected to be
// connected already (see Connect); operations map broker connectivity
// failures to models.ErrQueueUnavailable.
func NewRedisQueue(client *redis.Client, logger *zap.Logger) Queue {
	return &redisQueue{
		client:       client,
		logger:       logger.Named("RedisQueue"),
		claimTimeout: defaultClaimTimeout,
	}
}

func jobKey(jobID string) string {
	return jobKeyPrefix + jobID
}

// brokerErr wraps a redis error so callers can match ErrQueueUnavailable.
func brokerErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", models.ErrQueueUnavailable, op, err)
}

func (q *redisQueue) Enqueue(ctx context.Context, sagaID uuid.UUID, sourceID string) (string, error) {
	return q.enqueue(ctx, sagaID, sourceID, 0)
}

func (q *redisQueue) EnqueueDelayed(ctx context.Context, sagaID uuid.UUID, sourceID string, delay time.Duration) (string, error) {
	return q.enqueue(ctx, sagaID, sourceID, delay)
}

func (q *redisQueue) enqueue(ctx context.Context, sagaID uuid.UUID, sourceID string, delay time.Duration) (string, error) {
	jobID := uuid.NewString()
	now := time.Now().UTC()

	state := StateWaiting
	if delay > 0 {
		state = StateDelayed
	}

	fields := map[string]interface{}{
		"id":            jobID,
		"saga_id":       sagaID.String(),
		"source_id":     sourceID,
		"state":         string(state),
		"attempts_made": 0,
		"failed_reason": "",
		"created_at":    now.Format(time.RFC3339Nano),
		"updated_at":    now.Format(time.RFC3339Nano),
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, jobKey(jobID), fields)
	if delay > 0 {
		pipe.ZAdd(ctx, delayedKey, redis.Z{
			Score:  float64(now.Add(delay).UnixMilli()),
			Member: jobID,
		})
	} else {
		pipe.LPush(ctx, waitingKey, jobID)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Error("Failed to enqueue job",
			zap.String("sagaID", sagaID.String()),
			zap.String("sourceID", sourceID),
			zap.Error(err))
		return "", brokerErr("enqueue", err)
	}

	q.logger.Info("Job enqueued",
		zap.String("jobID", jobID),
		zap.String("sagaID", sagaID.String()),
		zap.String("sourceID", sourceID),
		zap.String("state", string(state)))
	return jobID, nil
}

// ClaimNext atomically moves the oldest waiting job to the active list via
// BLMOVE, so at most one worker execution ever observes a job as active.
func (q *redisQueue) ClaimNext(ctx context.Context) (*Job, error) {
	jobID, err := q.client.BLMove(ctx, waitingKey, activeKey, "RIGHT", "LEFT", q.claimTimeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // Nothing waiting within the timeout
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, brokerErr("claim", err)
	}

	now := time.Now().UTC()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, jobKey(jobID), map[string]interface{}{
		"state":      string(StateActive),
		"updated_at": now.Format(time.RFC3339Nano),
	})
	pipe.HIncrBy(ctx, jobKey(jobID), "attempts_made", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, brokerErr("claim update", err)
	}

	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	q.logger.Info("Job claimed",
		zap.String("jobID", job.ID),
		zap.String("sagaID", job.Data.SagaID.String()),
		zap.Int("attemptsMade", job.AttemptsMade))
	return job, nil
}

func (q *redisQueue) MarkCompleted(ctx context.Context, jobID string) error {
	return q.markTerminal(ctx, jobID, StateCompleted, "")
}

func (q *redisQueue) MarkFailed(ctx context.Context, jobID string, reason string) error {
	return q.markTerminal(ctx, jobID, StateFailed, reason)
}

func (q *redisQueue) markTerminal(ctx context.Context, jobID string, state JobState, reason string) error {
	current, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if current.State.IsTerminal() {
		// Idempotent: repeated terminal calls are no-ops, not errors.
		q.logger.Debug("Job already terminal, ignoring transition",
			zap.String("jobID", jobID),
			zap.String("currentState", string(current.State)),
			zap.String("requestedState", string(state)))
		return nil
	}

	fields := map[string]interface{}{
		"state":      string(state),
		"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if reason != "" {
		fields["failed_reason"] = reason
	}

	terminalSet := completedKey
	if state == StateFailed {
		terminalSet = failedKey
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, jobKey(jobID), fields)
	pipe.LRem(ctx, activeKey, 0, jobID)
	pipe.LRem(ctx, waitingKey, 0, jobID)
	pipe.ZRem(ctx, delayedKey, jobID)
	pipe.SAdd(ctx, terminalSet, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return brokerErr("mark "+string(state), err)
	}

	q.logger.Info("Job moved to terminal state",
		zap.String("jobID", jobID),
		zap.String("state", string(state)),
		zap.String("reason", reason))
	return nil
}

func (q *redisQueue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	values, err := q.client.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, brokerErr("get job", err)
	}
	if len(values) == 0 {
		return nil, models.ErrJobNotFound
	}
	return jobFromHash(values)
}

func (q *redisQueue) ListByState(ctx context.Context, state JobState) ([]Job, error) {
	var ids []string
	var err error

	switch state {
	case StateWaiting:
		ids, err = q.client.LRange(ctx, waitingKey, 0, -1).Result()
	case StateActive:
		ids, err = q.client.LRange(ctx, activeKey, 0, -1).Result()
	case StateDelayed:
		ids, err = q.client.ZRange(ctx, delayedKey, 0, -1).Result()
	case StateCompleted:
		ids, err = q.client.SMembers(ctx, completedKey).Result()
	case StateFailed:
		ids, err = q.client.SMembers(ctx, failedKey).Result()
	default:
		return nil, fmt.Errorf("unknown job state %q", state)
	}
	if err != nil {
		return nil, brokerErr("list "+string(state), err)
	}

	jobs := make([]Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil {
			if errors.Is(err, models.ErrJobNotFound) {
				// Index entry without a hash: the job was removed mid-listing.
				q.logger.Warn("Dangling job index entry", zap.String("jobID", id), zap.String("state", string(state)))
				continue
			}
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

// Remove deletes the job and all its index entries. An active job is
// first forced through failed so diagnostics never see a ghost active
// entry with no terminal record.
func (q *redisQueue) Remove(ctx context.Context, jobID string) error {
	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	if job.State == StateActive {
		if err := q.MarkFailed(ctx, jobID, "removed while active"); err != nil {
			return err
		}
	}

	pipe := q.client.TxPipeline()
	pipe.Del(ctx, jobKey(jobID))
	pipe.LRem(ctx, waitingKey, 0, jobID)
	pipe.LRem(ctx, activeKey, 0, jobID)
	pipe.ZRem(ctx, delayedKey, jobID)
	pipe.SRem(ctx, completedKey, jobID)
	pipe.SRem(ctx, failedKey, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return brokerErr("remove", err)
	}

	q.logger.Info("Job removed", zap.String("jobID", jobID), zap.String("lastState", string(job.State)))
	return nil
}

func (q *redisQueue) PromoteDelayed(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	due, err := q.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, brokerErr("promote delayed", err)
	}

	promoted := 0
	for _, jobID := range due {
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, delayedKey, jobID)
		pipe.HSet(ctx, jobKey(jobID), map[string]interface{}{
			"state":      string(StateWaiting),
			"updated_at": now.Format(time.RFC3339Nano),
		})
		pipe.LPush(ctx, waitingKey, jobID)
		if _, err := pipe.Exec(ctx); err != nil {
			return promoted, brokerErr("promote delayed", err)
		}
		promoted++
	}

	if promoted > 0 {
		q.logger.Info("Promoted delayed jobs", zap.Int("count", promoted))
	}
	return promoted, nil
}

func jobFromHash(values map[string]string) (*Job, error) {
	sagaID, err := uuid.Parse(values["saga_id"])
	if err != nil {
		return nil, fmt.Errorf("corrupted saga_id in job record: %w", err)
	}
	attempts, _ := strconv.Atoi(values["attempts_made"])
	createdAt, _ := time.Parse(time.RFC3339Nano, values["created_at"])
	updatedAt, _ := time.Parse(time.RFC3339Nano, values["updated_at"])

	return &Job{
		ID: values["id"],
		Data: JobData{
			SagaID:   sagaID,
			SourceID: values["source_id"],
		},
		State:        JobState(values["state"]),
		AttemptsMade: attempts,
		FailedReason: values["failed_reason"],
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
	}, nil
}
