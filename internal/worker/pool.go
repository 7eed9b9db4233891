package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/surfacehq/surfacescan/internal/config"
	"github.com/surfacehq/surfacescan/internal/core"
	"github.com/surfacehq/surfacescan/internal/intel"
	"github.com/surfacehq/surfacescan/internal/logger"
	"github.com/surfacehq/surfacescan/internal/modules"
)

type pool struct {
	queue     core.JobQueue
	store     core.ArtifactStore
	runner    *modules.Runner
	analyzer  *intel.Analyzer
	telemetry core.Telemetry
	cfg       config.WorkerConfig
	logger    *logger.Logger

	mu      sync.Mutex
	workers []core.Worker
	cancel  context.CancelFunc
	group   *errgroup.Group
}

func NewPool(
	queue core.JobQueue,
	store core.ArtifactStore,
	runner *modules.Runner,
	analyzer *intel.Analyzer,
	telemetry core.Telemetry,
	cfg config.WorkerConfig,
	log *logger.Logger,
) core.WorkerPool {
	return &pool{
		queue:     queue,
		store:     store,
		runner:    runner,
		analyzer:  analyzer,
		telemetry: telemetry,
		cfg:       cfg,
		logger:    log.WithComponent("pool"),
	}
}

// Start launches the workers plus the stalled-job reaper and returns
// immediately. Stop blocks until all of them exit.
func (p *pool) Start(ctx context.Context, workers int) error {
	if workers <= 0 {
		return fmt.Errorf("worker count must be positive, got %d", workers)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return fmt.Errorf("pool already started")
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.group, ctx = errgroup.WithContext(ctx)

	for i := 0; i < workers; i++ {
		w := NewWorker(p.queue, p.store, p.runner, p.analyzer, p.telemetry, p.cfg, p.logger)
		p.workers = append(p.workers, w)
		p.group.Go(func() error {
			return w.Start(ctx)
		})
	}

	p.group.Go(func() error {
		p.runReaper(ctx)
		return nil
	})

	p.logger.WithContext(ctx).Infow("Worker pool started",
		"workers", workers,
		"reap_interval", p.cfg.ReapInterval.String(),
		"stalled_job_ttl", p.cfg.StalledJobTTL.String(),
	)
	return nil
}

func (p *pool) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel == nil {
		return nil
	}

	p.cancel()
	err := p.group.Wait()
	p.cancel = nil
	p.workers = nil

	p.logger.Infow("Worker pool stopped")
	return err
}

// runReaper periodically fails processing jobs whose modules have gone quiet.
// This is what recovers jobs claimed by a worker that died mid-scan.
func (p *pool) runReaper(ctx context.Context) {
	if p.cfg.ReapInterval <= 0 || p.cfg.StalledJobTTL <= 0 {
		return
	}

	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reaped, err := p.queue.ReapStalled(ctx, p.cfg.StalledJobTTL)
			if err != nil {
				p.logger.LogError(ctx, err, "pool.runReaper")
				continue
			}
			if len(reaped) > 0 {
				p.logger.WithContext(ctx).Warnw("Reaped stalled jobs",
					"count", len(reaped),
					"job_ids", reaped,
				)
			}
		}
	}
}
