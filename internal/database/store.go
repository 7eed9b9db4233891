package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/surfacehq/surfacescan/internal/config"
	"github.com/surfacehq/surfacescan/internal/core"
	"github.com/surfacehq/surfacescan/internal/logger"
	"github.com/surfacehq/surfacescan/pkg/types"
)

type sqlStore struct {
	db     *sqlx.DB
	cfg    config.DatabaseConfig
	logger *logger.Logger
}

func (s *sqlStore) placeholder(n int) string {
	if s.cfg.Driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func NewStore(cfg config.DatabaseConfig, log *logger.Logger) (core.ArtifactStore, error) {
	log = log.WithComponent("database")

	start := time.Now()
	db, err := sqlx.Connect(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	store := &sqlStore{
		db:     db,
		cfg:    cfg,
		logger: log,
	}

	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Infow("Artifact store initialized",
		"driver", cfg.Driver,
		"init_duration_ms", time.Since(start).Milliseconds(),
	)

	return store, nil
}

func (s *sqlStore) migrate() error {
	if s.cfg.Driver == "sqlite3" {
		if _, err := s.db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
			return fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		val_text TEXT NOT NULL,
		severity TEXT NOT NULL,
		src_url TEXT,
		sha256 TEXT,
		mime TEXT,
		meta TEXT NOT NULL,
		scan_id TEXT NOT NULL,
		scan_module TEXT NOT NULL,
		is_error INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS findings (
		artifact_id TEXT NOT NULL REFERENCES artifacts(id),
		class TEXT NOT NULL,
		mitigation TEXT NOT NULL,
		summary TEXT,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_artifacts_scan_id ON artifacts(scan_id);
	CREATE INDEX IF NOT EXISTS idx_artifacts_type ON artifacts(type);
	CREATE INDEX IF NOT EXISTS idx_findings_artifact_id ON findings(artifact_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// InsertArtifact persists one immutable observation. Severity defaults to
// INFO; meta must carry scan_id and scan_module.
func (s *sqlStore) InsertArtifact(ctx context.Context, in types.ArtifactInput) (string, error) {
	if in.Meta == nil || in.Meta["scan_id"] == "" || in.Meta["scan_module"] == "" {
		return "", fmt.Errorf("artifact meta must carry scan_id and scan_module")
	}

	severity := in.Severity
	if severity == "" {
		severity = types.SeverityInfo
	}

	meta, err := json.Marshal(in.Meta)
	if err != nil {
		return "", fmt.Errorf("failed to marshal meta: %w", err)
	}

	id := uuid.New().String()
	isError := 0
	if in.Meta[types.MetaErrorFlag] == "true" {
		isError = 1
	}

	query := fmt.Sprintf(`INSERT INTO artifacts
		(id, type, val_text, severity, src_url, sha256, mime, meta, scan_id, scan_module, is_error, created_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4),
		s.placeholder(5), s.placeholder(6), s.placeholder(7), s.placeholder(8),
		s.placeholder(9), s.placeholder(10), s.placeholder(11), s.placeholder(12))

	_, err = s.db.ExecContext(ctx, query,
		id, in.Type, in.ValText, string(severity), in.SrcURL, in.SHA256, in.MIME,
		string(meta), in.Meta["scan_id"], in.Meta["scan_module"], isError, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to insert artifact: %w", err)
	}

	return id, nil
}

func (s *sqlStore) InsertFinding(ctx context.Context, artifactID, class, mitigation, summary string) error {
	var exists int
	checkQuery := fmt.Sprintf("SELECT COUNT(1) FROM artifacts WHERE id = %s", s.placeholder(1))
	if err := s.db.GetContext(ctx, &exists, checkQuery, artifactID); err != nil {
		return fmt.Errorf("failed to check artifact: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("finding references unknown artifact %s", artifactID)
	}

	query := fmt.Sprintf(`INSERT INTO findings (artifact_id, class, mitigation, summary, created_at)
		VALUES (%s, %s, %s, %s, %s)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5))

	if _, err := s.db.ExecContext(ctx, query, artifactID, class, mitigation, summary, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to insert finding: %w", err)
	}
	return nil
}

func (s *sqlStore) GetArtifacts(ctx context.Context, scanID string) ([]types.Artifact, error) {
	query := fmt.Sprintf(`SELECT id, type, val_text, severity, src_url, sha256, mime, meta, created_at
		FROM artifacts WHERE scan_id = %s ORDER BY created_at`, s.placeholder(1))

	rows, err := s.db.QueryContext(ctx, query, scanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []types.Artifact
	for rows.Next() {
		var a types.Artifact
		var srcURL, sha256, mime sql.NullString
		var meta string
		if err := rows.Scan(&a.ID, &a.Type, &a.ValText, &a.Severity, &srcURL, &sha256, &mime, &meta, &a.Created); err != nil {
			s.logger.WithContext(ctx).Warnw("Skipping unreadable artifact row", "error", err.Error())
			continue
		}
		a.SrcURL = srcURL.String
		a.SHA256 = sha256.String
		a.MIME = mime.String
		if err := json.Unmarshal([]byte(meta), &a.Meta); err != nil {
			a.Meta = map[string]string{}
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// ValidateScanData applies the scan-validity invariant: valid only when at
// least one real finding exists and no module recorded an error artifact.
// Callers must check this alongside the job state; "done" alone is not enough.
func (s *sqlStore) ValidateScanData(ctx context.Context, scanID string) (*types.ScanValidity, error) {
	query := fmt.Sprintf(`SELECT
		COALESCE(SUM(CASE WHEN is_error = 0 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN is_error = 1 THEN 1 ELSE 0 END), 0)
		FROM artifacts WHERE scan_id = %s`, s.placeholder(1))

	var real, errored int
	row := s.db.QueryRowContext(ctx, query, scanID)
	if err := row.Scan(&real, &errored); err != nil {
		return nil, fmt.Errorf("failed to validate scan data: %w", err)
	}

	validity := &types.ScanValidity{
		ScanID:         scanID,
		RealFindings:   real,
		ErrorArtifacts: errored,
	}

	switch {
	case real == 0 && errored == 0:
		validity.ScanStatus = types.ScanNoData
	case errored > 0:
		validity.ScanStatus = types.ScanFailed
	default:
		validity.ScanStatus = types.ScanValid
		validity.IsValid = true
	}

	return validity, nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
