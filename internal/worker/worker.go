package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/surfacehq/surfacescan/internal/config"
	"github.com/surfacehq/surfacescan/internal/core"
	"github.com/surfacehq/surfacescan/internal/intel"
	"github.com/surfacehq/surfacescan/internal/logger"
	"github.com/surfacehq/surfacescan/internal/modules"
	"github.com/surfacehq/surfacescan/pkg/types"
)

// metaTechKey is the artifact meta field carrying detected-technology JSON.
const metaTechKey = "tech"

type worker struct {
	id        string
	queue     core.JobQueue
	store     core.ArtifactStore
	runner    *modules.Runner
	analyzer  *intel.Analyzer
	telemetry core.Telemetry
	cfg       config.WorkerConfig
	logger    *logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func NewWorker(
	queue core.JobQueue,
	store core.ArtifactStore,
	runner *modules.Runner,
	analyzer *intel.Analyzer,
	telemetry core.Telemetry,
	cfg config.WorkerConfig,
	log *logger.Logger,
) core.Worker {
	workerID := uuid.New().String()
	return &worker{
		id:        workerID,
		queue:     queue,
		store:     store,
		runner:    runner,
		analyzer:  analyzer,
		telemetry: telemetry,
		cfg:       cfg,
		logger:    log.WithComponent("worker").WithFields("worker_id", workerID),
		done:      make(chan struct{}),
	}
}

func (w *worker) ID() string {
	return w.id
}

// Start runs the claim loop until the context is cancelled or Stop is called.
func (w *worker) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)
	defer close(w.done)

	w.logger.WithContext(ctx).Infow("Worker started",
		"poll_interval", w.cfg.QueuePollInterval.String(),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Infow("Worker stopping")
			return nil
		default:
		}

		job, err := w.queue.ClaimNext(ctx, w.cfg.QueuePollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.LogError(ctx, err, "worker.ClaimNext")
			time.Sleep(w.cfg.QueuePollInterval)
			continue
		}
		if job == nil {
			continue
		}

		w.processJob(ctx, job)
	}
}

func (w *worker) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
	return nil
}

// processJob drives one scan end to end. Module failures leave the scan on
// the done path; only queue or storage failure marks the job error.
func (w *worker) processJob(ctx context.Context, job *types.ScanJob) {
	start := time.Now()
	log := w.logger.WithScanID(job.ID)
	ctx, span := log.StartOperation(ctx, "worker.processJob",
		"job_id", job.ID,
		"domain", job.Domain,
	)

	err := w.runScan(ctx, job)
	log.FinishOperation(ctx, span, "worker.processJob", start, err)
	w.telemetry.RecordScan(time.Since(start).Seconds(), err == nil)

	if err != nil {
		log.LogError(ctx, err, "worker.processJob")
		if serr := w.queue.SetStatus(ctx, job.ID, types.JobStateError, map[string]string{
			"error": err.Error(),
		}); serr != nil {
			log.LogError(ctx, serr, "worker.processJob.SetStatus")
		}
	}
}

func (w *worker) runScan(ctx context.Context, job *types.ScanJob) error {
	if err := w.queue.SetStatus(ctx, job.ID, types.JobStateProcessing, nil); err != nil {
		return fmt.Errorf("failed to mark job processing: %w", err)
	}

	findings, err := w.runner.Dispatch(ctx, job)
	if err != nil {
		return fmt.Errorf("module dispatch failed: %w", err)
	}

	vulnFindings, err := w.analyzeTechnologies(ctx, job)
	if err != nil {
		return err
	}
	findings += vulnFindings

	validity, err := w.store.ValidateScanData(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("failed to validate scan data: %w", err)
	}

	extra := map[string]string{
		"result_url": fmt.Sprintf("/scans/%s/validity", job.ID),
	}
	if err := w.queue.SetStatus(ctx, job.ID, types.JobStateDone, extra); err != nil {
		return fmt.Errorf("failed to mark job done: %w", err)
	}

	w.logger.WithContext(ctx).Infow("Scan completed",
		"job_id", job.ID,
		"domain", job.Domain,
		"findings", findings,
		"scan_status", string(validity.ScanStatus),
	)
	return nil
}

// analyzeTechnologies feeds fingerprinted technologies through the
// vulnerability analyzer and persists the resulting reports. Degraded reports
// still persist; only storage errors propagate.
func (w *worker) analyzeTechnologies(ctx context.Context, job *types.ScanJob) (int, error) {
	artifacts, err := w.store.GetArtifacts(ctx, job.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to load artifacts: %w", err)
	}

	techs := collectTechnologies(artifacts, w.logger)
	if len(techs) == 0 {
		return 0, nil
	}

	reports := w.analyzer.AnalyzeAll(ctx, techs)

	count := 0
	for _, report := range reports {
		if len(report.Vulnerabilities) == 0 {
			continue
		}
		if err := w.persistReport(ctx, job.ID, report); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// collectTechnologies extracts the WappTech payloads from tech artifacts.
// Malformed payloads are skipped with a warning.
func collectTechnologies(artifacts []types.Artifact, log *logger.Logger) []types.WappTech {
	var techs []types.WappTech
	for _, artifact := range artifacts {
		if artifact.Type != "tech" || artifact.IsErrorRecord() {
			continue
		}
		raw, ok := artifact.Meta[metaTechKey]
		if !ok {
			continue
		}
		var tech types.WappTech
		if err := json.Unmarshal([]byte(raw), &tech); err != nil {
			log.Warnw("Skipping malformed technology artifact",
				"artifact_id", artifact.ID,
				"error", err.Error(),
			)
			continue
		}
		techs = append(techs, tech)
	}
	return techs
}

// persistReport writes one analyzer report as a vuln artifact plus a finding
// carrying the mitigation.
func (w *worker) persistReport(ctx context.Context, scanID string, report *types.VulnReport) error {
	top := report.Vulnerabilities[0]
	severity := severityForRisk(report.RiskScore)

	summary := fmt.Sprintf("%s %s: %d known vulnerabilities, highest %s",
		report.Technology.Name, report.Technology.Version,
		len(report.Vulnerabilities), top.ID)

	detail, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal vuln report: %w", err)
	}

	meta := map[string]string{
		"scan_id":     scanID,
		"scan_module": "vuln_intel",
		"technology":  report.Technology.Slug,
		"risk_score":  fmt.Sprintf("%.2f", report.RiskScore),
	}
	if report.Degraded {
		meta["degraded"] = "true"
	}

	artifactID, err := w.store.InsertArtifact(ctx, types.ArtifactInput{
		Type:     "vuln",
		ValText:  string(detail),
		Severity: severity,
		Meta:     meta,
	})
	if err != nil {
		return fmt.Errorf("failed to persist vuln artifact: %w", err)
	}

	mitigation := modules.Recommend(top.ID)
	if err := w.store.InsertFinding(ctx, artifactID, "vulnerable-technology", mitigation, summary); err != nil {
		return fmt.Errorf("failed to persist vuln finding: %w", err)
	}

	w.telemetry.RecordFinding(severity)
	return nil
}

// severityForRisk buckets a 0-10 risk score onto the canonical scale.
func severityForRisk(score float64) types.Severity {
	switch {
	case score >= 9.0:
		return types.SeverityCritical
	case score >= 7.0:
		return types.SeverityHigh
	case score >= 4.0:
		return types.SeverityMedium
	case score > 0:
		return types.SeverityLow
	}
	return types.SeverityInfo
}
