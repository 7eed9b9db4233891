package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surfacehq/surfacescan/pkg/types"
)

func enqueueN(t *testing.T, q *memoryQueue, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		job := &types.ScanJob{CompanyName: "acme", Domain: "example.com", UserID: "u1"}
		require.NoError(t, q.Enqueue(context.Background(), job))
		ids = append(ids, job.ID)
	}
	return ids
}

func TestEnqueueAssignsIDAndQueuedStatus(t *testing.T) {
	q := NewMemoryQueue().(*memoryQueue)
	ctx := context.Background()

	job := &types.ScanJob{CompanyName: "acme", Domain: "example.com", UserID: "u1"}
	require.NoError(t, q.Enqueue(ctx, job))
	assert.NotEmpty(t, job.ID)
	assert.False(t, job.EnqueuedAt.IsZero())

	status, err := q.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, types.JobStateQueued, status.State)
}

func TestClaimNextFIFO(t *testing.T) {
	q := NewMemoryQueue().(*memoryQueue)
	ctx := context.Background()

	ids := enqueueN(t, q, 3)

	for _, want := range ids {
		job, err := q.ClaimNext(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, want, job.ID)
	}
}

func TestClaimNextTimesOutEmpty(t *testing.T) {
	q := NewMemoryQueue().(*memoryQueue)

	start := time.Now()
	job, err := q.ClaimNext(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestClaimNextWakesOnEnqueue(t *testing.T) {
	q := NewMemoryQueue().(*memoryQueue)
	ctx := context.Background()

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Enqueue(ctx, &types.ScanJob{CompanyName: "acme", Domain: "example.com", UserID: "u1"})
	}()

	job, err := q.ClaimNext(ctx, time.Second)
	require.NoError(t, err)
	assert.NotNil(t, job)
}

func TestStatusTransitions(t *testing.T) {
	q := NewMemoryQueue().(*memoryQueue)
	ctx := context.Background()
	id := enqueueN(t, q, 1)[0]

	// done straight from queued is illegal.
	assert.Error(t, q.SetStatus(ctx, id, types.JobStateDone, nil))

	require.NoError(t, q.SetStatus(ctx, id, types.JobStateProcessing, nil))
	require.NoError(t, q.SetStatus(ctx, id, types.JobStateDone, map[string]string{
		"result_url": "/scans/x/validity",
	}))

	status, err := q.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateDone, status.State)
	assert.Equal(t, "/scans/x/validity", status.ResultURL)
}

func TestTerminalStatusFrozen(t *testing.T) {
	q := NewMemoryQueue().(*memoryQueue)
	ctx := context.Background()
	id := enqueueN(t, q, 1)[0]

	require.NoError(t, q.SetStatus(ctx, id, types.JobStateProcessing, nil))
	require.NoError(t, q.SetStatus(ctx, id, types.JobStateError, map[string]string{"error": "boom"}))

	assert.Error(t, q.SetStatus(ctx, id, types.JobStateProcessing, nil))
	assert.Error(t, q.SetStatus(ctx, id, types.JobStateDone, nil))

	status, err := q.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateError, status.State)
	assert.Equal(t, "boom", status.Error)
}

func TestSetStatusUnknownJob(t *testing.T) {
	q := NewMemoryQueue().(*memoryQueue)
	assert.Error(t, q.SetStatus(context.Background(), "nope", types.JobStateProcessing, nil))
}

func TestGetStatusUnknownJob(t *testing.T) {
	q := NewMemoryQueue().(*memoryQueue)
	status, err := q.GetStatus(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, status)
}

func TestModuleStatusLifecycle(t *testing.T) {
	q := NewMemoryQueue().(*memoryQueue)
	ctx := context.Background()

	require.NoError(t, q.InitModule(ctx, "scan1", "typosquat"))

	statuses, err := q.GetModuleStatuses(ctx, "scan1")
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, types.ModuleStatePending, statuses[0].State)

	require.NoError(t, q.SetModuleStatus(ctx, "scan1", types.ModuleStatus{
		Name: "typosquat", State: types.ModuleStateRunning,
	}))
	require.NoError(t, q.SetModuleStatus(ctx, "scan1", types.ModuleStatus{
		Name: "typosquat", State: types.ModuleStateCompleted, FindingsCount: 4,
	}))

	statuses, err = q.GetModuleStatuses(ctx, "scan1")
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, types.ModuleStateCompleted, statuses[0].State)
	assert.Equal(t, 4, statuses[0].FindingsCount)
}

func TestModuleStatusForwardOnly(t *testing.T) {
	q := NewMemoryQueue().(*memoryQueue)
	ctx := context.Background()

	require.NoError(t, q.SetModuleStatus(ctx, "scan1", types.ModuleStatus{
		Name: "fingerprint", State: types.ModuleStateRunning,
	}))

	// Backwards to pending is rejected.
	assert.Error(t, q.SetModuleStatus(ctx, "scan1", types.ModuleStatus{
		Name: "fingerprint", State: types.ModuleStatePending,
	}))

	require.NoError(t, q.SetModuleStatus(ctx, "scan1", types.ModuleStatus{
		Name: "fingerprint", State: types.ModuleStateFailed, Error: "dns timeout",
	}))

	// Terminal module state cannot change kind.
	assert.Error(t, q.SetModuleStatus(ctx, "scan1", types.ModuleStatus{
		Name: "fingerprint", State: types.ModuleStateCompleted,
	}))
}

func TestInitModuleDoesNotResetExisting(t *testing.T) {
	q := NewMemoryQueue().(*memoryQueue)
	ctx := context.Background()

	require.NoError(t, q.InitModule(ctx, "scan1", "typosquat"))
	require.NoError(t, q.SetModuleStatus(ctx, "scan1", types.ModuleStatus{
		Name: "typosquat", State: types.ModuleStateRunning,
	}))
	require.NoError(t, q.InitModule(ctx, "scan1", "typosquat"))

	statuses, err := q.GetModuleStatuses(ctx, "scan1")
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, types.ModuleStateRunning, statuses[0].State)
}

func TestReapStalled(t *testing.T) {
	q := NewMemoryQueue().(*memoryQueue)
	ctx := context.Background()

	ids := enqueueN(t, q, 3)
	for _, id := range ids {
		job, err := q.ClaimNext(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, job)
		require.NoError(t, q.SetStatus(ctx, id, types.JobStateProcessing, nil))
	}

	stale := time.Now().Add(-time.Hour)
	q.mu.Lock()
	// ids[0]: stale claim, no activity -> reaped.
	q.claimed[ids[0]] = stale
	// ids[1]: stale claim but recent module activity -> alive.
	q.claimed[ids[1]] = stale
	q.activity[ids[1]] = time.Now()
	// ids[2]: fresh claim -> alive.
	q.mu.Unlock()

	reaped, err := q.ReapStalled(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{ids[0]}, reaped)

	status, err := q.GetStatus(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, types.JobStateError, status.State)
	assert.Contains(t, status.Error, "stalled")

	for _, id := range ids[1:] {
		status, err := q.GetStatus(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.JobStateProcessing, status.State)
	}
}
