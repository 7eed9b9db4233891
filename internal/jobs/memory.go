package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/surfacehq/surfacescan/internal/core"
	"github.com/surfacehq/surfacescan/pkg/types"
)

// memoryQueue is a single-process JobQueue with the same transition rules as
// the redis queue. It backs tests and standalone runs where no redis is
// configured.
type memoryQueue struct {
	mu       sync.Mutex
	notEmpty chan struct{}

	pending  []*types.ScanJob
	jobs     map[string]*types.ScanJob
	statuses map[string]*types.JobStatus
	modules  map[string]map[string]types.ModuleStatus
	claimed  map[string]time.Time
	activity map[string]time.Time
}

func NewMemoryQueue() core.JobQueue {
	return &memoryQueue{
		notEmpty: make(chan struct{}, 1),
		jobs:     make(map[string]*types.ScanJob),
		statuses: make(map[string]*types.JobStatus),
		modules:  make(map[string]map[string]types.ModuleStatus),
		claimed:  make(map[string]time.Time),
		activity: make(map[string]time.Time),
	}
}

func (q *memoryQueue) Enqueue(ctx context.Context, job *types.ScanJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	q.mu.Lock()
	q.pending = append(q.pending, job)
	q.jobs[job.ID] = job
	q.statuses[job.ID] = &types.JobStatus{
		ID:      job.ID,
		State:   types.JobStateQueued,
		Updated: job.EnqueuedAt,
	}
	q.mu.Unlock()

	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
	return nil
}

func (q *memoryQueue) ClaimNext(ctx context.Context, blockTimeout time.Duration) (*types.ScanJob, error) {
	deadline := time.NewTimer(blockTimeout)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			job := q.pending[0]
			q.pending = q.pending[1:]
			q.claimed[job.ID] = time.Now()
			q.mu.Unlock()
			return job, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-q.notEmpty:
		}
	}
}

func (q *memoryQueue) SetStatus(ctx context.Context, id string, state types.JobState, extra map[string]string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.setStatusLocked(id, state, extra)
}

func (q *memoryQueue) setStatusLocked(id string, state types.JobState, extra map[string]string) error {
	status, ok := q.statuses[id]
	if !ok {
		return fmt.Errorf("unknown job %s", id)
	}
	if !transitionLegal(status.State, state) {
		return fmt.Errorf("illegal status transition for job %s: %s -> %s", id, status.State, state)
	}

	status.State = state
	status.Updated = time.Now().UTC()
	if v, ok := extra["result_url"]; ok {
		status.ResultURL = v
	}
	if v, ok := extra["error"]; ok {
		status.Error = v
	}
	if state.Terminal() {
		delete(q.claimed, id)
	}
	return nil
}

func transitionLegal(from, to types.JobState) bool {
	switch to {
	case types.JobStateProcessing:
		return from == types.JobStateQueued
	case types.JobStateDone:
		return from == types.JobStateProcessing
	case types.JobStateError:
		return from == types.JobStateQueued || from == types.JobStateProcessing
	}
	return false
}

func (q *memoryQueue) GetStatus(ctx context.Context, id string) (*types.JobStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	status, ok := q.statuses[id]
	if !ok {
		return nil, nil
	}
	copied := *status
	return &copied, nil
}

func (q *memoryQueue) InitModule(ctx context.Context, scanID, module string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.modules[scanID] == nil {
		q.modules[scanID] = make(map[string]types.ModuleStatus)
	}
	if _, exists := q.modules[scanID][module]; !exists {
		q.modules[scanID][module] = types.ModuleStatus{
			Name:  module,
			State: types.ModuleStatePending,
		}
	}
	q.activity[scanID] = time.Now()
	return nil
}

func (q *memoryQueue) SetModuleStatus(ctx context.Context, scanID string, status types.ModuleStatus) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.modules[scanID][status.Name]; ok {
		if status.State.Rank() < existing.State.Rank() {
			return fmt.Errorf("backward module transition for %s: %s -> %s",
				status.Name, existing.State, status.State)
		}
		if existing.State.Rank() == 2 && status.State != existing.State {
			return fmt.Errorf("module %s already terminal in state %s", status.Name, existing.State)
		}
	}
	if q.modules[scanID] == nil {
		q.modules[scanID] = make(map[string]types.ModuleStatus)
	}
	q.modules[scanID][status.Name] = status
	q.activity[scanID] = time.Now()
	return nil
}

func (q *memoryQueue) GetModuleStatuses(ctx context.Context, scanID string) ([]types.ModuleStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	statuses := make([]types.ModuleStatus, 0, len(q.modules[scanID]))
	for _, status := range q.modules[scanID] {
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func (q *memoryQueue) ReapStalled(ctx context.Context, olderThan time.Duration) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	deadline := time.Now().Add(-olderThan)
	var reaped []string

	for id, claimedAt := range q.claimed {
		if claimedAt.After(deadline) {
			continue
		}
		if last, ok := q.activity[id]; ok && last.After(deadline) {
			continue
		}
		if err := q.setStatusLocked(id, types.JobStateError, map[string]string{
			"error": "stalled: no module activity within lease",
		}); err != nil {
			continue
		}
		reaped = append(reaped, id)
	}
	return reaped, nil
}

func (q *memoryQueue) Close() error {
	return nil
}
