package queue

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stayreel/renderpipe/internal/models"
)

// Redis keys. All queue state lives under the renderq: prefix so a
// shared Redis instance stays inspectable.
const (
	keyWaiting    = "renderq:waiting"    // ZSET jobID -> priority-banded FIFO score
	keyDelayed    = "renderq:delayed"    // ZSET jobID -> retry-ready unix ms
	keyActive     = "renderq:active"     // SET of jobIDs currently held by a worker
	keyAdmissions = "renderq:admissions" // ZSET admission timestamps (rolling window)
	keyPriorities = "renderq:priorities" // HASH jobID -> priority (for delayed promotion)
	keyCompleted  = "renderq:completed"  // LIST of recent delivered jobIDs (bounded)
	keyFailed     = "renderq:failed"     // LIST of recent failed jobIDs (bounded)

	keyDedupPrefix    = "renderq:dedup:"    // dedup key -> jobID while in flight
	keyInflightPrefix = "renderq:inflight:" // per-submitter in-flight counter
	keyCancelPrefix   = "renderq:cancel:"   // best-effort cancel flags

	// Safety TTLs so dedup keys, counters and flags cannot leak
	// forever if a process dies between admission and completion.
	inflightTTL = 7 * 24 * time.Hour
	cancelTTL   = time.Hour

	completedRetention = 50
	failedRetention    = 100
)

// Admission rejections. These are permanent from the caller's point of
// view at submission time; the caller may resubmit later.
var (
	ErrDuplicate     = fmt.Errorf("an equivalent job is already in flight")
	ErrSubmitterBusy = fmt.Errorf("submitter concurrency cap reached")
	ErrRateLimited   = fmt.Errorf("global admission rate limit reached")
)

type Config struct {
	PerSubmitterCap int           // max in-flight jobs per submitter
	RateLimitCount  int           // admissions allowed per window
	RateLimitWindow time.Duration // rolling window size
	MaxAttempts     int           // total execution attempts per job
	RetryBaseDelay  time.Duration // delay before retry 1; grows 3x per attempt
}

type Queue struct {
	client *redis.Client
	cfg    Config
	logger zerolog.Logger
}

func New(redisURL string, cfg Config, logger zerolog.Logger) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Queue{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "queue").Logger(),
	}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// Admit runs the three admission checks for a job: dedup, per-submitter
// concurrency cap and the global rolling-window rate limit. Each check
// is an atomic Redis write, and later failures roll back earlier
// reservations, so two racing submissions can never both pass.
func (q *Queue) Admit(ctx context.Context, job *models.Job) error {
	dedupKey := keyDedupPrefix + job.DedupKey

	ok, err := q.client.SetNX(ctx, dedupKey, job.ID.String(), inflightTTL).Result()
	if err != nil {
		return fmt.Errorf("dedup check failed: %w", err)
	}
	if !ok {
		return ErrDuplicate
	}

	inflightKey := keyInflightPrefix + job.SubmitterID.String()
	inflight, err := q.client.Incr(ctx, inflightKey).Result()
	if err != nil {
		q.client.Del(ctx, dedupKey)
		return fmt.Errorf("concurrency check failed: %w", err)
	}
	q.client.Expire(ctx, inflightKey, inflightTTL)

	if inflight > int64(q.cfg.PerSubmitterCap) {
		q.client.Decr(ctx, inflightKey)
		q.client.Del(ctx, dedupKey)
		return ErrSubmitterBusy
	}

	now := time.Now()
	windowStart := now.Add(-q.cfg.RateLimitWindow).UnixMilli()
	q.client.ZRemRangeByScore(ctx, keyAdmissions, "0", fmt.Sprintf("%d", windowStart))

	admitted, err := q.client.ZCard(ctx, keyAdmissions).Result()
	if err != nil {
		q.client.Decr(ctx, inflightKey)
		q.client.Del(ctx, dedupKey)
		return fmt.Errorf("rate limit check failed: %w", err)
	}
	if admitted >= int64(q.cfg.RateLimitCount) {
		q.client.Decr(ctx, inflightKey)
		q.client.Del(ctx, dedupKey)
		return ErrRateLimited
	}

	q.client.ZAdd(ctx, keyAdmissions, &redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: fmt.Sprintf("%s:%d", job.ID, now.UnixNano()),
	})

	return nil
}

// Release rolls back a job's admission reservations. Called when the
// job record could not be persisted, and as part of terminal cleanup.
func (q *Queue) Release(ctx context.Context, job *models.Job) {
	q.client.Del(ctx, keyDedupPrefix+job.DedupKey)

	inflightKey := keyInflightPrefix + job.SubmitterID.String()
	if n, err := q.client.Decr(ctx, inflightKey).Result(); err == nil && n < 0 {
		q.client.Set(ctx, inflightKey, 0, inflightTTL)
	}
}

// Enqueue places an admitted, persisted job on the waiting queue and
// returns its 1-based position.
func (q *Queue) Enqueue(ctx context.Context, jobID uuid.UUID, priority int) (int64, error) {
	id := jobID.String()

	q.client.HSet(ctx, keyPriorities, id, priority)

	if err := q.client.ZAdd(ctx, keyWaiting, &redis.Z{
		Score:  waitingScore(priority, time.Now()),
		Member: id,
	}).Err(); err != nil {
		return 0, fmt.Errorf("failed to enqueue job: %w", err)
	}

	rank, err := q.client.ZRank(ctx, keyWaiting, id).Result()
	if err != nil {
		return 1, nil
	}
	return rank + 1, nil
}

// Dequeue pops the next waiting job, blocking up to timeout. Due
// delayed jobs are promoted back onto the waiting queue first. Returns
// uuid.Nil with no error when nothing is available.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (uuid.UUID, error) {
	if err := q.promoteDue(ctx); err != nil {
		q.logger.Warn().Err(err).Msg("failed to promote delayed jobs")
	}

	result, err := q.client.BZPopMin(ctx, timeout, keyWaiting).Result()
	if err == redis.Nil {
		return uuid.Nil, nil // no job available
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	id, ok := result.Member.(string)
	if !ok {
		return uuid.Nil, fmt.Errorf("unexpected redis member type %T", result.Member)
	}

	jobID, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("malformed job id on queue: %w", err)
	}

	q.client.SAdd(ctx, keyActive, id)
	return jobID, nil
}

// promoteDue moves delayed jobs whose retry time has arrived back onto
// the waiting queue, preserving their original priority band.
func (q *Queue) promoteDue(ctx context.Context) error {
	now := time.Now()
	due, err := q.client.ZRangeByScore(ctx, keyDelayed, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil || len(due) == 0 {
		return err
	}

	for _, id := range due {
		removed, err := q.client.ZRem(ctx, keyDelayed, id).Result()
		if err != nil || removed == 0 {
			continue // another worker promoted it first
		}

		priority := 0
		if p, err := q.client.HGet(ctx, keyPriorities, id).Int(); err == nil {
			priority = p
		}

		q.client.ZAdd(ctx, keyWaiting, &redis.Z{
			Score:  waitingScore(priority, now),
			Member: id,
		})
		q.logger.Debug().Str("job_id", id).Msg("promoted delayed job")
	}

	return nil
}

// ScheduleRetry parks a job on the delayed queue. attempt is the number
// of attempts already consumed (1-based after the first failure), so
// the delay follows base x 3^(attempt-1). Returns the applied delay.
func (q *Queue) ScheduleRetry(ctx context.Context, jobID uuid.UUID, attempt int) (time.Duration, error) {
	delay := RetryDelay(q.cfg.RetryBaseDelay, attempt)
	id := jobID.String()

	q.client.SRem(ctx, keyActive, id)

	err := q.client.ZAdd(ctx, keyDelayed, &redis.Z{
		Score:  float64(time.Now().Add(delay).UnixMilli()),
		Member: id,
	}).Err()
	if err != nil {
		return 0, fmt.Errorf("failed to schedule retry: %w", err)
	}

	return delay, nil
}

// RetryDelay computes the backoff before retry n: base x 3^(n-1).
func RetryDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(base) * math.Pow(3, float64(attempt-1)))
}

// Finish performs terminal cleanup: the job leaves the active set, its
// dedup key and in-flight reservation are released, and the id is
// pushed onto the bounded completed/failed retention list.
func (q *Queue) Finish(ctx context.Context, job *models.Job, delivered bool) {
	id := job.ID.String()

	q.client.SRem(ctx, keyActive, id)
	q.client.HDel(ctx, keyPriorities, id)
	q.client.Del(ctx, keyCancelPrefix+id)
	q.Release(ctx, job)

	if delivered {
		q.client.LPush(ctx, keyCompleted, id)
		q.client.LTrim(ctx, keyCompleted, 0, completedRetention-1)
	} else {
		q.client.LPush(ctx, keyFailed, id)
		q.client.LTrim(ctx, keyFailed, 0, failedRetention-1)
	}
}

// Drop removes a dequeued id from the active set without touching any
// reservations. Only for ids whose job record verifiably does not
// exist; there is nothing to release for those.
func (q *Queue) Drop(ctx context.Context, jobID uuid.UUID) {
	id := jobID.String()
	q.client.SRem(ctx, keyActive, id)
	q.client.HDel(ctx, keyPriorities, id)
}

// Cancel removes a waiting or delayed job outright, or flags an active
// job for cooperative cancellation. Returns false when the job is not
// queued anywhere (already terminal or unknown).
func (q *Queue) Cancel(ctx context.Context, job *models.Job) (bool, error) {
	id := job.ID.String()

	removedW, _ := q.client.ZRem(ctx, keyWaiting, id).Result()
	removedD, _ := q.client.ZRem(ctx, keyDelayed, id).Result()
	if removedW+removedD > 0 {
		q.client.HDel(ctx, keyPriorities, id)
		q.Release(ctx, job)
		return true, nil
	}

	active, err := q.client.SIsMember(ctx, keyActive, id).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check active set: %w", err)
	}
	if active {
		// Best effort: the worker stops scheduling further stages at
		// the next checkpoint; dispatched external work is not killed.
		q.client.Set(ctx, keyCancelPrefix+id, "1", cancelTTL)
		return true, nil
	}

	return false, nil
}

// CancelRequested reports whether a cooperative cancel flag is set.
func (q *Queue) CancelRequested(ctx context.Context, jobID uuid.UUID) bool {
	n, err := q.client.Exists(ctx, keyCancelPrefix+jobID.String()).Result()
	return err == nil && n > 0
}

// Position returns the job's 1-based waiting-queue position, or nil
// when the job is not waiting.
func (q *Queue) Position(ctx context.Context, jobID uuid.UUID) *int64 {
	rank, err := q.client.ZRank(ctx, keyWaiting, jobID.String()).Result()
	if err != nil {
		return nil
	}
	pos := rank + 1
	return &pos
}

// State derives the scheduling state for the status endpoint.
func (q *Queue) State(ctx context.Context, job *models.Job) models.QueueState {
	id := job.ID.String()

	switch job.Status {
	case models.JobStatusDelivered:
		return models.StateCompleted
	case models.JobStatusFailed:
		return models.StateFailed
	}

	if _, err := q.client.ZScore(ctx, keyDelayed, id).Result(); err == nil {
		return models.StateDelayed
	}
	if _, err := q.client.ZScore(ctx, keyWaiting, id).Result(); err == nil {
		return models.StateWaiting
	}
	return models.StateActive
}

// Stats returns per-state counts for operational visibility. Completed
// and failed report the bounded retention lists, not all-time totals.
func (q *Queue) Stats(ctx context.Context) (*models.QueueStats, error) {
	waiting, err := q.client.ZCard(ctx, keyWaiting).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}
	delayed, _ := q.client.ZCard(ctx, keyDelayed).Result()
	active, _ := q.client.SCard(ctx, keyActive).Result()
	completed, _ := q.client.LLen(ctx, keyCompleted).Result()
	failed, _ := q.client.LLen(ctx, keyFailed).Result()

	return &models.QueueStats{
		Waiting:   waiting,
		Active:    active,
		Delayed:   delayed,
		Completed: completed,
		Failed:    failed,
	}, nil
}

// waitingScore buckets jobs into strict priority bands (higher priority
// first), FIFO by submission time within a band.
func waitingScore(priority int, now time.Time) float64 {
	if priority < 0 {
		priority = 0
	}
	if priority > 9 {
		priority = 9
	}
	return float64(9-priority)*1e13 + float64(now.UnixMilli())
}
