package core

import (
	"context"
	"time"

	"github.com/surfacehq/surfacescan/pkg/types"
)

// JobQueue accepts scan requests, hands them to workers, and tracks per-scan
// and per-module status. Implementations must make Enqueue atomic with the
// initial queued status write.
type JobQueue interface {
	Enqueue(ctx context.Context, job *types.ScanJob) error
	// ClaimNext blocks up to blockTimeout waiting for work. Returns (nil, nil)
	// when no job arrived in time so callers can poll-loop without spinning.
	ClaimNext(ctx context.Context, blockTimeout time.Duration) (*types.ScanJob, error)
	SetStatus(ctx context.Context, id string, state types.JobState, extra map[string]string) error
	GetStatus(ctx context.Context, id string) (*types.JobStatus, error)

	InitModule(ctx context.Context, scanID, module string) error
	SetModuleStatus(ctx context.Context, scanID string, status types.ModuleStatus) error
	GetModuleStatuses(ctx context.Context, scanID string) ([]types.ModuleStatus, error)

	// ReapStalled fails processing jobs whose modules have shown no activity
	// for longer than olderThan. Returns the ids it transitioned to error.
	ReapStalled(ctx context.Context, olderThan time.Duration) ([]string, error)

	Close() error
}

// ArtifactStore is the persistence collaborator. Artifacts are immutable
// after insert; findings always reference an existing artifact.
type ArtifactStore interface {
	InsertArtifact(ctx context.Context, in types.ArtifactInput) (string, error)
	InsertFinding(ctx context.Context, artifactID, class, mitigation, summary string) error
	GetArtifacts(ctx context.Context, scanID string) ([]types.Artifact, error)
	ValidateScanData(ctx context.Context, scanID string) (*types.ScanValidity, error)
	Close() error
}

// Cache is the unified TTL cache shared by the enrichment clients. Negative
// results must be cached too, with sentinel values, so known-absent data does
// not trigger repeated upstream calls.
type Cache interface {
	Get(key CacheKey) (interface{}, bool)
	Set(key CacheKey, value interface{}, ttl time.Duration)
	Len() int
}

// CacheKey is a structured cache key. Using a struct instead of raw strings
// keeps enrichment sources from colliding on the same id.
type CacheKey struct {
	Kind string
	ID   string
}

// Module is one detection module. Run returns the number of real findings it
// produced; failures are reported as errors and recorded by the dispatcher,
// never propagated to the scan.
type Module interface {
	Name() string
	Run(ctx context.Context, target types.Target) (int, error)
}

type Worker interface {
	ID() string
	Start(ctx context.Context) error
	Stop() error
}

type WorkerPool interface {
	Start(ctx context.Context, workers int) error
	Stop() error
}

type Telemetry interface {
	RecordScan(duration float64, success bool)
	RecordFinding(severity types.Severity)
	RecordModuleRun(module string, success bool)
	Close() error
}
