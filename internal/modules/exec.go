package modules

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/surfacehq/surfacescan/internal/config"
	"github.com/surfacehq/surfacescan/internal/core"
	"github.com/surfacehq/surfacescan/internal/logger"
	"github.com/surfacehq/surfacescan/pkg/types"
)

// execModule runs one external detector as a subprocess under a bounded
// timeout and converts its JSONL output into artifacts. It covers the
// nuclei/dnstwist/testssl class of tools without this package knowing
// anything detector-specific beyond the output field names.
type execModule struct {
	name   string
	cfg    config.ExecModConfig
	store  core.ArtifactStore
	logger *logger.Logger
}

func NewExecModule(name string, cfg config.ExecModConfig, store core.ArtifactStore, log *logger.Logger) core.Module {
	return &execModule{
		name:   name,
		cfg:    cfg,
		store:  store,
		logger: log.WithModule(name),
	}
}

func (m *execModule) Name() string {
	return m.name
}

func (m *execModule) Run(ctx context.Context, target types.Target) (int, error) {
	if m.cfg.BinaryPath == "" {
		// Configuration error: fail the module at start, not the process.
		return 0, fmt.Errorf("module %s has no binary_path configured", m.name)
	}

	timeout := m.cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := make([]string, 0, len(m.cfg.Args))
	for _, arg := range m.cfg.Args {
		arg = strings.ReplaceAll(arg, "{{domain}}", target.Domain)
		arg = strings.ReplaceAll(arg, "{{scan_id}}", target.ScanID)
		args = append(args, arg)
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, m.cfg.BinaryPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("detector %s failed after %s: %w (stderr: %s)",
			m.cfg.BinaryPath, time.Since(start).Round(time.Millisecond), err, truncate(stderr.String(), 512))
	}

	count := 0
	scanner := bufio.NewScanner(&stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !gjson.Valid(line) {
			continue
		}
		if err := m.emitArtifact(ctx, target, line); err != nil {
			// Malformed record: skip it, keep the module going.
			m.logger.WithContext(ctx).Warnw("Skipping unparseable detector record",
				"scan_id", target.ScanID,
				"error", err.Error(),
			)
			continue
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		// Oversized or truncated output means records were dropped; the
		// module must not look successful with partial coverage.
		return 0, fmt.Errorf("reading detector output: %w", err)
	}

	m.logger.WithContext(ctx).Infow("Detector run completed",
		"scan_id", target.ScanID,
		"findings", count,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return count, nil
}

// emitArtifact maps one detector JSONL record onto an artifact and, for
// vulnerability-class records, a finding with a keyword-matched mitigation.
func (m *execModule) emitArtifact(ctx context.Context, target types.Target, line string) error {
	record := gjson.Parse(line)

	name := firstString(record, "info.name", "name", "template-id", "fuzzer", "id")
	value := firstString(record, "matched-at", "matched", "host", "domain", "url", "value")
	if value == "" {
		value = name
	}
	if value == "" {
		return fmt.Errorf("record carries no usable value")
	}

	severity := MapSeverity(firstString(record, "info.severity", "severity", "level"))

	artifactType := m.cfg.ArtifactType
	if artifactType == "" {
		artifactType = "vuln"
	}

	meta := map[string]string{
		"scan_id":     target.ScanID,
		"scan_module": m.name,
	}
	if tpl := firstString(record, "template-id", "template"); tpl != "" {
		meta["template_id"] = tpl
	}

	artifactID, err := m.store.InsertArtifact(ctx, types.ArtifactInput{
		Type:     artifactType,
		ValText:  value,
		Severity: severity,
		SrcURL:   firstString(record, "matched-at", "url"),
		Meta:     meta,
	})
	if err != nil {
		return err
	}

	if artifactType == "vuln" {
		summary := firstString(record, "info.description", "description")
		if summary == "" {
			summary = name
		}
		keyword := name + " " + firstString(record, "template-id", "template")
		if err := m.store.InsertFinding(ctx, artifactID, name, Recommend(keyword), summary); err != nil {
			return err
		}
	}
	return nil
}

func firstString(record gjson.Result, paths ...string) string {
	for _, path := range paths {
		if v := record.Get(path).String(); v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
