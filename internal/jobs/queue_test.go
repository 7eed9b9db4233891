package jobs

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surfacehq/surfacescan/internal/config"
	"github.com/surfacehq/surfacescan/internal/core"
	"github.com/surfacehq/surfacescan/internal/logger"
	"github.com/surfacehq/surfacescan/pkg/types"
)

func newTestRedisQueue(t *testing.T) (*miniredis.Miniredis, core.JobQueue) {
	t.Helper()
	mr := miniredis.RunT(t)
	q, err := NewRedisQueue(config.RedisConfig{Addr: mr.Addr()}, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return mr, q
}

func enqueueRedisJobs(t *testing.T, q core.JobQueue, n int) []string {
	t.Helper()
	base := time.Now().UTC()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		job := &types.ScanJob{
			Domain: fmt.Sprintf("example%d.com", i),
			// Distinct scores so claims drain deterministically.
			EnqueuedAt: base.Add(time.Duration(i) * time.Millisecond),
		}
		require.NoError(t, q.Enqueue(context.Background(), job))
		ids = append(ids, job.ID)
	}
	return ids
}

func TestRedisEnqueueClaimFIFO(t *testing.T) {
	_, q := newTestRedisQueue(t)
	ctx := context.Background()
	ids := enqueueRedisJobs(t, q, 3)

	for _, want := range ids {
		job, err := q.ClaimNext(ctx, 100*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, want, job.ID)
	}
}

func TestRedisClaimNextEmptyTimesOut(t *testing.T) {
	_, q := newTestRedisQueue(t)

	job, err := q.ClaimNext(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestRedisClaimMarksProcessing(t *testing.T) {
	mr, q := newTestRedisQueue(t)
	ctx := context.Background()
	ids := enqueueRedisJobs(t, q, 1)

	job, err := q.ClaimNext(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)

	claimed := mr.HGet(queueProcessing, ids[0])
	require.NotEmpty(t, claimed)
	ts, err := strconv.ParseInt(claimed, 10, 64)
	require.NoError(t, err)
	assert.InDelta(t, time.Now().Unix(), ts, 5)
}

func TestRedisClaimDropsMalformedPayload(t *testing.T) {
	mr, q := newTestRedisQueue(t)
	ctx := context.Background()
	ids := enqueueRedisJobs(t, q, 1)

	require.NoError(t, mr.Set(jobPrefix+ids[0], "{not json"))

	job, err := q.ClaimNext(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job, "malformed payloads are dropped, not returned")
}

func TestRedisStatusLifecycle(t *testing.T) {
	mr, q := newTestRedisQueue(t)
	ctx := context.Background()
	ids := enqueueRedisJobs(t, q, 1)

	job, err := q.ClaimNext(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NotEmpty(t, mr.HGet(queueProcessing, ids[0]))

	status, err := q.GetStatus(ctx, ids[0])
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, types.JobStateQueued, status.State)

	// The queued->done shortcut must be rejected by the transition script.
	assert.Error(t, q.SetStatus(ctx, ids[0], types.JobStateDone, nil))

	require.NoError(t, q.SetStatus(ctx, ids[0], types.JobStateProcessing, nil))
	require.NoError(t, q.SetStatus(ctx, ids[0], types.JobStateDone, map[string]string{
		"result_url": "/scans/" + ids[0] + "/validity",
	}))

	status, err = q.GetStatus(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, types.JobStateDone, status.State)
	assert.Equal(t, "/scans/"+ids[0]+"/validity", status.ResultURL)

	assert.Empty(t, mr.HGet(queueProcessing, ids[0]), "terminal jobs leave the processing hash")
}

func TestRedisTerminalStatusFrozen(t *testing.T) {
	_, q := newTestRedisQueue(t)
	ctx := context.Background()
	ids := enqueueRedisJobs(t, q, 1)

	require.NoError(t, q.SetStatus(ctx, ids[0], types.JobStateError, map[string]string{"error": "boom"}))

	assert.Error(t, q.SetStatus(ctx, ids[0], types.JobStateProcessing, nil))
	assert.Error(t, q.SetStatus(ctx, ids[0], types.JobStateDone, nil))

	status, err := q.GetStatus(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, types.JobStateError, status.State)
	assert.Equal(t, "boom", status.Error)
}

func TestRedisSetStatusUnknownJob(t *testing.T) {
	_, q := newTestRedisQueue(t)

	err := q.SetStatus(context.Background(), "no-such-job", types.JobStateProcessing, nil)
	assert.Error(t, err)
}

func TestRedisGetStatusUnknownJob(t *testing.T) {
	_, q := newTestRedisQueue(t)

	status, err := q.GetStatus(context.Background(), "no-such-job")
	require.NoError(t, err)
	assert.Nil(t, status)
}

func TestRedisModuleStatusLifecycle(t *testing.T) {
	_, q := newTestRedisQueue(t)
	ctx := context.Background()
	ids := enqueueRedisJobs(t, q, 1)

	require.NoError(t, q.InitModule(ctx, ids[0], "typosquat"))

	statuses, err := q.GetModuleStatuses(ctx, ids[0])
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, types.ModuleStatePending, statuses[0].State)

	started := time.Now().UTC()
	require.NoError(t, q.SetModuleStatus(ctx, ids[0], types.ModuleStatus{
		Name: "typosquat", State: types.ModuleStateRunning, StartedAt: &started,
	}))

	// Re-init after start must not reset progress.
	require.NoError(t, q.InitModule(ctx, ids[0], "typosquat"))
	statuses, err = q.GetModuleStatuses(ctx, ids[0])
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, types.ModuleStateRunning, statuses[0].State)

	completed := time.Now().UTC()
	require.NoError(t, q.SetModuleStatus(ctx, ids[0], types.ModuleStatus{
		Name: "typosquat", State: types.ModuleStateCompleted,
		FindingsCount: 2, StartedAt: &started, CompletedAt: &completed,
	}))

	err = q.SetModuleStatus(ctx, ids[0], types.ModuleStatus{
		Name: "typosquat", State: types.ModuleStateRunning,
	})
	assert.Error(t, err, "modules never move backward")
}

func TestRedisReapStalled(t *testing.T) {
	mr, q := newTestRedisQueue(t)
	ctx := context.Background()
	ids := enqueueRedisJobs(t, q, 3)

	for range ids {
		job, err := q.ClaimNext(ctx, 100*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, job)
	}

	stale := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)
	// Job 0: stale claim, no activity since. Job 1: stale claim but a module
	// has reported in, so the scan is alive. Job 2: fresh claim.
	mr.HSet(queueProcessing, ids[0], stale)
	mr.HSet(queueProcessing, ids[1], stale)
	require.NoError(t, q.InitModule(ctx, ids[1], "typosquat"))

	reaped, err := q.ReapStalled(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{ids[0]}, reaped)

	status, err := q.GetStatus(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, types.JobStateError, status.State)
	assert.Contains(t, status.Error, "stalled")
	assert.Empty(t, mr.HGet(queueProcessing, ids[0]), "reaped jobs leave the processing hash")

	for _, alive := range ids[1:] {
		status, err := q.GetStatus(ctx, alive)
		require.NoError(t, err)
		assert.Equal(t, types.JobStateQueued, status.State, "job %s must survive the reaper", alive)
	}
}
