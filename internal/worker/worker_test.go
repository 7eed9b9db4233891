package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surfacehq/surfacescan/internal/cache"
	"github.com/surfacehq/surfacescan/internal/config"
	"github.com/surfacehq/surfacescan/internal/core"
	"github.com/surfacehq/surfacescan/internal/intel"
	"github.com/surfacehq/surfacescan/internal/jobs"
	"github.com/surfacehq/surfacescan/internal/logger"
	"github.com/surfacehq/surfacescan/internal/modules"
	"github.com/surfacehq/surfacescan/pkg/types"
)

type memStore struct {
	mu        sync.Mutex
	nextID    int
	artifacts []types.Artifact
	findings  []types.Finding
}

func (s *memStore) InsertArtifact(ctx context.Context, in types.ArtifactInput) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in.Meta == nil || in.Meta["scan_id"] == "" || in.Meta["scan_module"] == "" {
		return "", fmt.Errorf("artifact meta must carry scan_id and scan_module")
	}
	severity := in.Severity
	if severity == "" {
		severity = types.SeverityInfo
	}
	s.nextID++
	id := fmt.Sprintf("artifact-%d", s.nextID)
	s.artifacts = append(s.artifacts, types.Artifact{
		ID: id, Type: in.Type, ValText: in.ValText, Severity: severity,
		Meta: in.Meta, Created: time.Now(),
	})
	return id, nil
}

func (s *memStore) InsertFinding(ctx context.Context, artifactID, class, mitigation, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findings = append(s.findings, types.Finding{
		ArtifactID: artifactID, Class: class, Mitigation: mitigation, Summary: summary,
	})
	return nil
}

func (s *memStore) GetArtifacts(ctx context.Context, scanID string) ([]types.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Artifact
	for _, a := range s.artifacts {
		if a.Meta["scan_id"] == scanID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *memStore) ValidateScanData(ctx context.Context, scanID string) (*types.ScanValidity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := &types.ScanValidity{ScanID: scanID}
	for _, a := range s.artifacts {
		if a.Meta["scan_id"] != scanID {
			continue
		}
		if a.IsErrorRecord() {
			v.ErrorArtifacts++
		} else {
			v.RealFindings++
		}
	}
	switch {
	case v.RealFindings == 0 && v.ErrorArtifacts == 0:
		v.ScanStatus = types.ScanNoData
	case v.ErrorArtifacts > 0:
		v.ScanStatus = types.ScanFailed
	default:
		v.ScanStatus = types.ScanValid
		v.IsValid = true
	}
	return v, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) byType(typ string) []types.Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Artifact
	for _, a := range s.artifacts {
		if a.Type == typ {
			out = append(out, a)
		}
	}
	return out
}

type nopTelemetry struct{}

func (nopTelemetry) RecordScan(duration float64, success bool)   {}
func (nopTelemetry) RecordFinding(severity types.Severity)       {}
func (nopTelemetry) RecordModuleRun(module string, success bool) {}
func (nopTelemetry) Close() error                                { return nil }

// fingerprintModule plants a tech artifact the way a real fingerprinting
// detector would.
type fingerprintModule struct {
	store core.ArtifactStore
	tech  types.WappTech
}

func (m *fingerprintModule) Name() string { return "fingerprint" }

func (m *fingerprintModule) Run(ctx context.Context, target types.Target) (int, error) {
	raw, err := json.Marshal(m.tech)
	if err != nil {
		return 0, err
	}
	_, err = m.store.InsertArtifact(ctx, types.ArtifactInput{
		Type:    "tech",
		ValText: m.tech.Name,
		Meta: map[string]string{
			"scan_id":     target.ScanID,
			"scan_module": m.Name(),
			metaTechKey:   string(raw),
		},
	})
	if err != nil {
		return 0, err
	}
	return 1, nil
}

type failingModule struct{}

func (failingModule) Name() string { return "flaky" }

func (failingModule) Run(ctx context.Context, target types.Target) (int, error) {
	return 0, fmt.Errorf("probe timed out")
}

type recordSource struct {
	records []types.VulnRecord
}

func (s *recordSource) SourceName() types.VulnSource { return types.VulnSourceOSV }

func (s *recordSource) Query(ctx context.Context, tech types.WappTech) ([]types.VulnRecord, error) {
	return s.records, nil
}

func newTestAnalyzer(t *testing.T, sources []intel.VulnSourceClient, kevIDs []string) *intel.Analyzer {
	t.Helper()

	epssSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"data":[]}`)
	}))
	t.Cleanup(epssSrv.Close)

	kevSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		items := ""
		for i, id := range kevIDs {
			if i > 0 {
				items += ","
			}
			items += fmt.Sprintf(`{"cveID":%q}`, id)
		}
		fmt.Fprintf(w, `{"vulnerabilities":[%s]}`, items)
	}))
	t.Cleanup(kevSrv.Close)

	log := logger.NewNop()
	c, err := cache.New(256, time.Hour)
	require.NoError(t, err)

	epss := intel.NewEPSSClient(epssSrv.URL, 100, time.Second, time.Hour, 100, c, log)
	kev := intel.NewKEVClient(kevSrv.URL, time.Hour, 100, c, log)
	validator := intel.NewTimelineValidator(15, log)

	return intel.NewAnalyzer(sources, epss, kev, validator, 2, log)
}

func newTestWorker(t *testing.T, queue core.JobQueue, store core.ArtifactStore, registry *modules.Registry, analyzer *intel.Analyzer) *worker {
	t.Helper()
	log := logger.NewNop()
	runner := modules.NewRunner(registry, queue, store, nopTelemetry{}, 0, log)
	cfg := config.WorkerConfig{Count: 1, QueuePollInterval: 10 * time.Millisecond}
	return NewWorker(queue, store, runner, analyzer, nopTelemetry{}, cfg, log).(*worker)
}

func TestProcessJobEndToEnd(t *testing.T) {
	ctx := context.Background()
	queue := jobs.NewMemoryQueue()
	store := &memStore{}

	tech := types.WappTech{Name: "nginx", Slug: "nginx", Version: "1.24", Confidence: 0.9}
	registry := modules.NewRegistry()
	require.NoError(t, registry.Register(&fingerprintModule{store: store, tech: tech}))

	cve := "CVE-2025-1234"
	analyzer := newTestAnalyzer(t, []intel.VulnSourceClient{
		&recordSource{records: []types.VulnRecord{{ID: cve, Source: types.VulnSourceOSV, CVSS: 9.1}}},
	}, []string{cve})

	w := newTestWorker(t, queue, store, registry, analyzer)

	job := &types.ScanJob{Domain: "example.com", CompanyName: "acme", UserID: "u1"}
	require.NoError(t, queue.Enqueue(ctx, job))
	claimed, err := queue.ClaimNext(ctx, time.Second)
	require.NoError(t, err)

	w.processJob(ctx, claimed)

	status, err := queue.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, types.JobStateDone, status.State)
	assert.NotEmpty(t, status.ResultURL)

	vulns := store.byType("vuln")
	require.Len(t, vulns, 1)
	assert.Equal(t, types.SeverityCritical, vulns[0].Severity, "KEV membership forces max risk")
	assert.Equal(t, "vuln_intel", vulns[0].Meta["scan_module"])

	require.Len(t, store.findings, 1)
	assert.Equal(t, "vulnerable-technology", store.findings[0].Class)
	assert.NotEmpty(t, store.findings[0].Mitigation)

	validity, err := store.ValidateScanData(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, validity.IsValid)
}

func TestProcessJobModuleFailureStillCompletes(t *testing.T) {
	ctx := context.Background()
	queue := jobs.NewMemoryQueue()
	store := &memStore{}

	registry := modules.NewRegistry()
	require.NoError(t, registry.Register(failingModule{}))

	analyzer := newTestAnalyzer(t, nil, nil)
	w := newTestWorker(t, queue, store, registry, analyzer)

	job := &types.ScanJob{Domain: "example.com", CompanyName: "acme", UserID: "u1"}
	require.NoError(t, queue.Enqueue(ctx, job))
	claimed, err := queue.ClaimNext(ctx, time.Second)
	require.NoError(t, err)

	w.processJob(ctx, claimed)

	// The scan itself lands on done; the failure lives in the module status
	// and the validity verdict.
	status, err := queue.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateDone, status.State)

	statuses, err := queue.GetModuleStatuses(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, types.ModuleStateFailed, statuses[0].State)

	validity, err := store.ValidateScanData(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ScanFailed, validity.ScanStatus)
	assert.False(t, validity.IsValid)
}

func TestWorkerStartStop(t *testing.T) {
	queue := jobs.NewMemoryQueue()
	store := &memStore{}
	registry := modules.NewRegistry()
	require.NoError(t, registry.Register(&fingerprintModule{store: store, tech: types.WappTech{Name: "x", Slug: "x"}}))

	analyzer := newTestAnalyzer(t, nil, nil)
	w := newTestWorker(t, queue, store, registry, analyzer)

	done := make(chan struct{})
	go func() {
		w.Start(context.Background())
		close(done)
	}()

	require.NoError(t, queue.Enqueue(context.Background(), &types.ScanJob{
		Domain: "example.com", CompanyName: "acme", UserID: "u1",
	}))

	assert.Eventually(t, func() bool {
		return len(store.byType("tech")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, w.Stop())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestCollectTechnologies(t *testing.T) {
	log := logger.NewNop()
	good, _ := json.Marshal(types.WappTech{Name: "redis", Slug: "redis", Version: "7.2"})

	artifacts := []types.Artifact{
		{Type: "tech", Meta: map[string]string{metaTechKey: string(good)}},
		{Type: "tech", Meta: map[string]string{metaTechKey: "{not json"}},
		{Type: "tech", Meta: map[string]string{}},
		{Type: "subdomain", ValText: "api.example.com", Meta: map[string]string{}},
		{Type: "tech", Meta: map[string]string{metaTechKey: string(good), types.MetaErrorFlag: "true"}},
	}

	techs := collectTechnologies(artifacts, log)
	require.Len(t, techs, 1)
	assert.Equal(t, "redis", techs[0].Slug)
}

func TestSeverityForRisk(t *testing.T) {
	tests := []struct {
		score float64
		want  types.Severity
	}{
		{10.0, types.SeverityCritical},
		{9.0, types.SeverityCritical},
		{8.9, types.SeverityHigh},
		{7.0, types.SeverityHigh},
		{5.5, types.SeverityMedium},
		{4.0, types.SeverityMedium},
		{1.2, types.SeverityLow},
		{0.0, types.SeverityInfo},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, severityForRisk(tt.score), "score %.1f", tt.score)
	}
}
