package types

import (
	"time"
)

type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

// JobState is the lifecycle state of a whole scan.
// queued -> processing -> {done, error}; done and error are terminal.
type JobState string

const (
	JobStateQueued     JobState = "queued"
	JobStateProcessing JobState = "processing"
	JobStateDone       JobState = "done"
	JobStateError      JobState = "error"
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobState) Terminal() bool {
	return s == JobStateDone || s == JobStateError
}

// ModuleState is the lifecycle state of one detection module within a scan.
// pending -> running -> {completed, failed}; no retries within a run.
type ModuleState string

const (
	ModuleStatePending   ModuleState = "pending"
	ModuleStateRunning   ModuleState = "running"
	ModuleStateCompleted ModuleState = "completed"
	ModuleStateFailed    ModuleState = "failed"
)

// Rank orders module states so transitions can be checked for monotonicity.
// Completed and failed share the terminal rank.
func (s ModuleState) Rank() int {
	switch s {
	case ModuleStatePending:
		return 0
	case ModuleStateRunning:
		return 1
	case ModuleStateCompleted, ModuleStateFailed:
		return 2
	}
	return -1
}

// ScanJob is a request to scan one company's external attack surface.
// Immutable once enqueued.
type ScanJob struct {
	ID          string    `json:"id"`
	CompanyName string    `json:"company_name"`
	Domain      string    `json:"domain"`
	OwnerName   string    `json:"owner_name,omitempty"`
	UserID      string    `json:"user_id"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// JobStatus is the caller-visible state of a ScanJob. One per job.
type JobStatus struct {
	ID        string    `json:"id"`
	State     JobState  `json:"state"`
	Updated   time.Time `json:"updated"`
	ResultURL string    `json:"result_url,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// ModuleStatus tracks one detection module's run within a scan. Mutated only
// by the runner that owns the module execution.
type ModuleStatus struct {
	Name          string      `json:"name"`
	State         ModuleState `json:"state"`
	FindingsCount int         `json:"findings_count"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
	Error         string      `json:"error,omitempty"`
}

// Artifact is an immutable raw observation produced by a scan module.
// Meta always carries scan_id and scan_module; meta["error"] == "true" marks a
// module-failure record rather than a true finding.
type Artifact struct {
	ID       string            `json:"id" db:"id"`
	Type     string            `json:"type" db:"type"`
	ValText  string            `json:"val_text" db:"val_text"`
	Severity Severity          `json:"severity" db:"severity"`
	SrcURL   string            `json:"src_url,omitempty" db:"src_url"`
	SHA256   string            `json:"sha256,omitempty" db:"sha256"`
	MIME     string            `json:"mime,omitempty" db:"mime"`
	Meta     map[string]string `json:"meta"`
	Created  time.Time         `json:"created_at" db:"created_at"`
}

// MetaErrorFlag marks an artifact as a module-failure record.
const MetaErrorFlag = "error"

// IsErrorRecord reports whether the artifact records a module failure
// instead of a real finding.
func (a *Artifact) IsErrorRecord() bool {
	return a.Meta[MetaErrorFlag] == "true"
}

// ArtifactInput is the insert shape for a new Artifact. Severity defaults to
// INFO when empty.
type ArtifactInput struct {
	Type     string
	ValText  string
	Severity Severity
	SrcURL   string
	SHA256   string
	MIME     string
	Meta     map[string]string
}

// Finding is a derived, actionable security issue referencing exactly one
// existing Artifact.
type Finding struct {
	ArtifactID string    `json:"artifact_id" db:"artifact_id"`
	Class      string    `json:"class" db:"class"`
	Mitigation string    `json:"mitigation" db:"mitigation"`
	Summary    string    `json:"summary" db:"summary"`
	Created    time.Time `json:"created_at" db:"created_at"`
}

// WappTech is a detected technology, produced by a fingerprinting module and
// consumed by the vulnerability analyzer. Transient.
type WappTech struct {
	Name       string  `json:"name"`
	Slug       string  `json:"slug"`
	Version    string  `json:"version,omitempty"`
	Confidence float64 `json:"confidence"`
	CPE        string  `json:"cpe,omitempty"`
	PURL       string  `json:"purl,omitempty"`
	Vendor     string  `json:"vendor,omitempty"`
	Ecosystem  string  `json:"ecosystem,omitempty"`
}

type VulnSource string

const (
	VulnSourceOSV    VulnSource = "OSV"
	VulnSourceGitHub VulnSource = "GITHUB"
)

// VulnRecord is one vulnerability candidate for a technology. Transient per
// analysis run; persisted only via the Finding it produces.
type VulnRecord struct {
	ID                   string     `json:"id"`
	Source               VulnSource `json:"source"`
	CVSS                 float64    `json:"cvss,omitempty"`
	EPSS                 float64    `json:"epss,omitempty"`
	CisaKEV              bool       `json:"cisa_kev,omitempty"`
	Summary              string     `json:"summary,omitempty"`
	PublishedDate        string     `json:"published_date,omitempty"`
	AffectedVersionRange string     `json:"affected_version_range,omitempty"`
	Exploitable          bool       `json:"exploitable,omitempty"`
}

// TimelineResult records the outcome of timeline validation for a report.
type TimelineResult struct {
	Validated bool   `json:"validated"`
	Reason    string `json:"reason,omitempty"`
}

// VulnReport is the analyzer's output for one technology. Degraded is set
// when any source client failed, so callers can tell "nothing found" from
// "could not check".
type VulnReport struct {
	Technology         WappTech       `json:"technology"`
	Vulnerabilities    []VulnRecord   `json:"vulnerabilities"`
	RiskScore          float64        `json:"risk_score"`
	Timeline           TimelineResult `json:"timeline"`
	Degraded           bool           `json:"degraded,omitempty"`
	SourcesUnavailable []string       `json:"sources_unavailable,omitempty"`
}

type ScanValidityStatus string

const (
	ScanValid  ScanValidityStatus = "valid"
	ScanFailed ScanValidityStatus = "scan_failed"
	ScanNoData ScanValidityStatus = "no_data"
)

// ScanValidity summarises whether a scan's artifact set can be trusted.
// A scan is valid only if at least one real finding exists and no module
// wrote an error artifact.
type ScanValidity struct {
	ScanID         string             `json:"scan_id"`
	IsValid        bool               `json:"is_valid"`
	ScanStatus     ScanValidityStatus `json:"scan_status"`
	RealFindings   int                `json:"real_findings"`
	ErrorArtifacts int                `json:"error_artifacts"`
}

// Target is what a module runner receives for one execution.
type Target struct {
	Domain      string `json:"domain"`
	ScanID      string `json:"scan_id"`
	CompanyName string `json:"company_name,omitempty"`
}
