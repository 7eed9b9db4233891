package modules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/surfacehq/surfacescan/internal/core"
	"github.com/surfacehq/surfacescan/internal/logger"
	"github.com/surfacehq/surfacescan/pkg/types"
)

// Runner dispatches every registered module for one scan. Modules run
// concurrently and independently; a failing module degrades coverage but
// never aborts the scan (its failure is recorded as an error artifact so the
// validity check can surface it).
type Runner struct {
	registry  *Registry
	queue     core.JobQueue
	store     core.ArtifactStore
	telemetry core.Telemetry
	timeout   time.Duration
	logger    *logger.Logger
}

// NewRunner builds a dispatcher. timeout caps each module run; modules with a
// tighter timeout in their own config still honor that. Zero means uncapped.
func NewRunner(registry *Registry, queue core.JobQueue, store core.ArtifactStore, telemetry core.Telemetry, timeout time.Duration, log *logger.Logger) *Runner {
	return &Runner{
		registry:  registry,
		queue:     queue,
		store:     store,
		telemetry: telemetry,
		timeout:   timeout,
		logger:    log.WithComponent("runner"),
	}
}

// Dispatch runs all modules for the job and returns the total real finding
// count. It only fails on queue/store-level errors during setup.
func (r *Runner) Dispatch(ctx context.Context, job *types.ScanJob) (int, error) {
	mods := r.registry.List()
	if len(mods) == 0 {
		return 0, fmt.Errorf("no modules registered")
	}

	target := types.Target{
		Domain:      job.Domain,
		ScanID:      job.ID,
		CompanyName: job.CompanyName,
	}

	for _, mod := range mods {
		if err := r.queue.InitModule(ctx, job.ID, mod.Name()); err != nil {
			return 0, fmt.Errorf("failed to init module status: %w", err)
		}
	}

	var (
		mu    sync.Mutex
		total int
		wg    sync.WaitGroup
	)

	for _, mod := range mods {
		wg.Add(1)
		go func(mod core.Module) {
			defer wg.Done()
			count := r.runModule(ctx, mod, target)
			mu.Lock()
			total += count
			mu.Unlock()
		}(mod)
	}
	wg.Wait()

	return total, nil
}

// runModule executes one module with full status bookkeeping. Panics and
// errors are absorbed here; the return value is the module's real finding
// count, zero on any failure.
func (r *Runner) runModule(ctx context.Context, mod core.Module, target types.Target) (count int) {
	log := r.logger.WithScanID(target.ScanID).WithModule(mod.Name())

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	started := time.Now().UTC()
	if err := r.queue.SetModuleStatus(ctx, target.ScanID, types.ModuleStatus{
		Name:      mod.Name(),
		State:     types.ModuleStateRunning,
		StartedAt: &started,
	}); err != nil {
		log.WithContext(ctx).Warnw("Failed to mark module running", "error", err.Error())
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			log.LogPanic(ctx, recovered, "modules.runModule")
			r.recordFailure(ctx, mod.Name(), target, started, fmt.Sprintf("panic: %v", recovered))
			count = 0
		}
	}()

	count, err := mod.Run(ctx, target)
	completed := time.Now().UTC()

	if err != nil {
		log.LogError(ctx, err, "modules.runModule")
		r.recordFailure(ctx, mod.Name(), target, started, err.Error())
		return 0
	}
	r.telemetry.RecordModuleRun(mod.Name(), true)

	if err := r.queue.SetModuleStatus(ctx, target.ScanID, types.ModuleStatus{
		Name:          mod.Name(),
		State:         types.ModuleStateCompleted,
		FindingsCount: count,
		StartedAt:     &started,
		CompletedAt:   &completed,
	}); err != nil {
		log.WithContext(ctx).Warnw("Failed to mark module completed", "error", err.Error())
	}

	log.WithContext(ctx).Infow("Module completed",
		"findings", count,
		"duration_ms", completed.Sub(started).Milliseconds(),
	)
	return count
}

// recordFailure writes the failed module status and an error artifact. The
// artifact is what lets ValidateScanData distinguish a degraded scan from a
// clean zero-finding one.
func (r *Runner) recordFailure(ctx context.Context, module string, target types.Target, started time.Time, reason string) {
	r.telemetry.RecordModuleRun(module, false)
	completed := time.Now().UTC()
	if err := r.queue.SetModuleStatus(ctx, target.ScanID, types.ModuleStatus{
		Name:        module,
		State:       types.ModuleStateFailed,
		StartedAt:   &started,
		CompletedAt: &completed,
		Error:       reason,
	}); err != nil {
		r.logger.WithContext(ctx).Warnw("Failed to mark module failed",
			"module", module,
			"error", err.Error(),
		)
	}

	if _, err := r.store.InsertArtifact(ctx, types.ArtifactInput{
		Type:    "module_error",
		ValText: reason,
		Meta: map[string]string{
			"scan_id":           target.ScanID,
			"scan_module":       module,
			types.MetaErrorFlag: "true",
		},
	}); err != nil {
		r.logger.WithContext(ctx).Warnw("Failed to persist module error artifact",
			"module", module,
			"error", err.Error(),
		)
	}
}
