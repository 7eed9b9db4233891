package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/surfacehq/surfacescan/internal/config"
	"github.com/surfacehq/surfacescan/internal/core"
	"github.com/surfacehq/surfacescan/internal/logger"
	"github.com/surfacehq/surfacescan/pkg/types"
)

const (
	queuePending    = "surfacescan:queue:pending"
	queueProcessing = "surfacescan:queue:processing"
	jobPrefix       = "surfacescan:job:"
	statusPrefix    = "surfacescan:status:"
	modulesPrefix   = "surfacescan:modules:"
	activityPrefix  = "surfacescan:activity:"
	jobRetention    = 24 * time.Hour
)

// setStatusScript transitions a job status hash only when the current state is
// one of the allowed source states. Concurrent completions therefore cannot
// resurrect a terminal job, and fields merge per-field instead of overwriting
// the whole record.
//
// KEYS[1] = status hash, KEYS[2] = processing hash
// ARGV[1] = job id, ARGV[2] = new state, ARGV[3] = updated timestamp,
// ARGV[4] = csv of allowed source states,
// ARGV[5..] = extra field/value pairs
var setStatusScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'state')
if current == false then current = '' end
local ok = false
for from in string.gmatch(ARGV[4], '[^,]+') do
  if from == current then ok = true end
end
if not ok then return 0 end
redis.call('HSET', KEYS[1], 'state', ARGV[2], 'updated', ARGV[3])
for i = 5, #ARGV - 1, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
if ARGV[2] == 'done' or ARGV[2] == 'error' then
  redis.call('HDEL', KEYS[2], ARGV[1])
end
return 1
`)

type redisQueue struct {
	client *redis.Client
	cfg    config.RedisConfig
	logger *logger.Logger
}

func NewRedisQueue(cfg config.RedisConfig, log *logger.Logger) (core.JobQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &redisQueue{
		client: client,
		cfg:    cfg,
		logger: log.WithComponent("queue"),
	}, nil
}

// Enqueue appends the job and initialises its queued status in one pipeline.
// The score is the enqueue time, so claims drain oldest-first.
func (q *redisQueue) Enqueue(ctx context.Context, job *types.ScanJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.client.Pipeline()
	pipe.Set(ctx, jobPrefix+job.ID, data, jobRetention)
	pipe.ZAdd(ctx, queuePending, redis.Z{
		Score:  float64(job.EnqueuedAt.UnixNano()),
		Member: job.ID,
	})
	pipe.HSet(ctx, statusPrefix+job.ID,
		"state", string(types.JobStateQueued),
		"updated", job.EnqueuedAt.Format(time.RFC3339Nano),
	)
	pipe.Expire(ctx, statusPrefix+job.ID, jobRetention)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	q.logger.WithContext(ctx).Infow("Job enqueued",
		"job_id", job.ID,
		"domain", job.Domain,
		"company", job.CompanyName,
	)
	return nil
}

// ClaimNext blocks up to blockTimeout for work. Malformed payloads are dropped
// with a warning rather than requeued; jobs are idempotent resubmissions from
// the caller's perspective.
func (q *redisQueue) ClaimNext(ctx context.Context, blockTimeout time.Duration) (*types.ScanJob, error) {
	result, err := q.client.BZPopMin(ctx, blockTimeout, queuePending).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pop job: %w", err)
	}

	jobID, ok := result.Z.Member.(string)
	if !ok {
		q.logger.WithContext(ctx).Warnw("Dropping non-string queue member", "member", result.Z.Member)
		return nil, nil
	}

	jobData, err := q.client.Get(ctx, jobPrefix+jobID).Result()
	if err != nil {
		q.logger.WithContext(ctx).Warnw("Dropping claimed job without payload",
			"job_id", jobID,
			"error", err.Error(),
		)
		return nil, nil
	}

	var job types.ScanJob
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		q.logger.WithContext(ctx).Warnw("Dropping malformed job payload",
			"job_id", jobID,
			"error", err.Error(),
		)
		return nil, nil
	}

	if err := q.client.HSet(ctx, queueProcessing, jobID,
		strconv.FormatInt(time.Now().Unix(), 10)).Err(); err != nil {
		return nil, fmt.Errorf("failed to mark job processing: %w", err)
	}

	return &job, nil
}

// allowedFrom returns the source states from which state may be entered.
func allowedFrom(state types.JobState) string {
	switch state {
	case types.JobStateProcessing:
		return string(types.JobStateQueued)
	case types.JobStateDone:
		return string(types.JobStateProcessing)
	case types.JobStateError:
		return string(types.JobStateQueued) + "," + string(types.JobStateProcessing)
	}
	return ""
}

func (q *redisQueue) SetStatus(ctx context.Context, id string, state types.JobState, extra map[string]string) error {
	args := []interface{}{
		id,
		string(state),
		time.Now().UTC().Format(time.RFC3339Nano),
		allowedFrom(state),
	}
	for k, v := range extra {
		args = append(args, k, v)
	}

	n, err := setStatusScript.Run(ctx, q.client,
		[]string{statusPrefix + id, queueProcessing}, args...).Int()
	if err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("illegal status transition for job %s to %s", id, state)
	}
	return nil
}

func (q *redisQueue) GetStatus(ctx context.Context, id string) (*types.JobStatus, error) {
	fields, err := q.client.HGetAll(ctx, statusPrefix+id).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	status := &types.JobStatus{
		ID:        id,
		State:     types.JobState(fields["state"]),
		ResultURL: fields["result_url"],
		Error:     fields["error"],
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["updated"]); err == nil {
		status.Updated = ts
	}
	return status, nil
}

func (q *redisQueue) InitModule(ctx context.Context, scanID, module string) error {
	status := types.ModuleStatus{
		Name:  module,
		State: types.ModuleStatePending,
	}
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}

	pipe := q.client.Pipeline()
	pipe.HSetNX(ctx, modulesPrefix+scanID, module, data)
	pipe.Expire(ctx, modulesPrefix+scanID, jobRetention)
	pipe.Set(ctx, activityPrefix+scanID, strconv.FormatInt(time.Now().Unix(), 10), jobRetention)
	_, err = pipe.Exec(ctx)
	return err
}

// SetModuleStatus enforces forward-only transitions. Each module status is
// mutated only by the runner that owns the execution, so a read-check-write
// is race-free here.
func (q *redisQueue) SetModuleStatus(ctx context.Context, scanID string, status types.ModuleStatus) error {
	current, err := q.client.HGet(ctx, modulesPrefix+scanID, status.Name).Result()
	if err == nil {
		var existing types.ModuleStatus
		if jsonErr := json.Unmarshal([]byte(current), &existing); jsonErr == nil {
			if status.State.Rank() < existing.State.Rank() {
				return fmt.Errorf("backward module transition for %s: %s -> %s",
					status.Name, existing.State, status.State)
			}
			if existing.State.Rank() == 2 && status.State != existing.State {
				return fmt.Errorf("module %s already terminal in state %s", status.Name, existing.State)
			}
		}
	} else if err != redis.Nil {
		return fmt.Errorf("failed to read module status: %w", err)
	}

	data, err := json.Marshal(status)
	if err != nil {
		return err
	}

	pipe := q.client.Pipeline()
	pipe.HSet(ctx, modulesPrefix+scanID, status.Name, data)
	pipe.Set(ctx, activityPrefix+scanID, strconv.FormatInt(time.Now().Unix(), 10), jobRetention)
	_, err = pipe.Exec(ctx)
	return err
}

func (q *redisQueue) GetModuleStatuses(ctx context.Context, scanID string) ([]types.ModuleStatus, error) {
	fields, err := q.client.HGetAll(ctx, modulesPrefix+scanID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get module statuses: %w", err)
	}

	statuses := make([]types.ModuleStatus, 0, len(fields))
	for name, raw := range fields {
		var status types.ModuleStatus
		if err := json.Unmarshal([]byte(raw), &status); err != nil {
			q.logger.WithContext(ctx).Warnw("Skipping malformed module status",
				"scan_id", scanID,
				"module", name,
			)
			continue
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// ReapStalled fails processing jobs with no module activity inside olderThan.
// This is the lease mechanism for workers that died mid-scan.
func (q *redisQueue) ReapStalled(ctx context.Context, olderThan time.Duration) ([]string, error) {
	claims, err := q.client.HGetAll(ctx, queueProcessing).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list processing jobs: %w", err)
	}

	deadline := time.Now().Add(-olderThan).Unix()
	var reaped []string

	for jobID, claimedAt := range claims {
		claimed, err := strconv.ParseInt(claimedAt, 10, 64)
		if err != nil || claimed > deadline {
			continue
		}

		// Recent module activity means the scan is alive, just slow.
		if raw, err := q.client.Get(ctx, activityPrefix+jobID).Result(); err == nil {
			if last, err := strconv.ParseInt(raw, 10, 64); err == nil && last > deadline {
				continue
			}
		}

		if err := q.SetStatus(ctx, jobID, types.JobStateError, map[string]string{
			"error": "stalled: no module activity within lease",
		}); err != nil {
			q.logger.WithContext(ctx).Warnw("Failed to reap stalled job",
				"job_id", jobID,
				"error", err.Error(),
			)
			continue
		}
		reaped = append(reaped, jobID)
		q.logger.WithContext(ctx).Warnw("Reaped stalled job", "job_id", jobID)
	}

	return reaped, nil
}

func (q *redisQueue) Close() error {
	return q.client.Close()
}
