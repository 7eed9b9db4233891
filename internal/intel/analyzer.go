package intel

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/surfacehq/surfacescan/internal/logger"
	"github.com/surfacehq/surfacescan/pkg/types"
)

// kevRiskScore is the ceiling assigned when a vulnerability is on the KEV
// list: confirmed active exploitation overrides whatever CVSS and EPSS say.
const kevRiskScore = 10.0

// Analyzer combines the vulnerability sources, the timeline validator and
// the EPSS/KEV enrichment into one per-technology report. A source failure
// degrades that source's contribution to an empty set; Analyze never fails.
type Analyzer struct {
	sources        []VulnSourceClient
	epss           *EPSSClient
	kev            *KEVClient
	validator      *TimelineValidator
	maxConcurrency int64
	logger         *logger.Logger
}

func NewAnalyzer(sources []VulnSourceClient, epss *EPSSClient, kev *KEVClient, validator *TimelineValidator, maxConcurrency int, log *logger.Logger) *Analyzer {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	return &Analyzer{
		sources:        sources,
		epss:           epss,
		kev:            kev,
		validator:      validator,
		maxConcurrency: int64(maxConcurrency),
		logger:         log.WithComponent("analyzer"),
	}
}

// Analyze builds a risk-scored report for one technology. EPSS enrichment
// completes (or times out inside the client) before scores are finalised.
func (a *Analyzer) Analyze(ctx context.Context, tech types.WappTech) *types.VulnReport {
	report := &types.VulnReport{
		Technology:      tech,
		Vulnerabilities: []types.VulnRecord{},
		Timeline:        types.TimelineResult{Validated: true},
	}

	candidates, unavailable := a.collect(ctx, tech)
	if len(unavailable) > 0 {
		report.Degraded = true
		report.SourcesUnavailable = unavailable
	}

	excluded := 0
	kept := candidates[:0]
	for _, record := range candidates {
		ok, reason := a.validator.Validate(record.ID, record.PublishedDate, tech.Version)
		if !ok {
			excluded++
			if report.Timeline.Reason == "" {
				report.Timeline.Reason = reason
			}
			continue
		}
		kept = append(kept, record)
	}
	if excluded > 0 {
		report.Timeline.Validated = false
		if excluded > 1 {
			report.Timeline.Reason = fmt.Sprintf("%s (and %d more excluded)", report.Timeline.Reason, excluded-1)
		}
	}

	var cveIDs []string
	for _, record := range kept {
		cveIDs = append(cveIDs, record.ID)
	}
	epssScores := a.epss.GetScores(ctx, cveIDs)

	kevList, err := a.kev.GetKEVList(ctx)
	if err != nil {
		a.logger.WithContext(ctx).Warnw("KEV list unavailable, continuing without exploitation data",
			"error", err.Error(),
		)
		report.Degraded = true
		report.SourcesUnavailable = append(report.SourcesUnavailable, "KEV")
		kevList = map[string]bool{}
	}

	maxRisk := 0.0
	for i := range kept {
		record := &kept[i]
		record.EPSS = epssScores[record.ID]
		record.CisaKEV = kevList[record.ID]
		record.Exploitable = record.CisaKEV || record.EPSS >= 0.5

		risk := recordRisk(*record)
		if risk > maxRisk {
			maxRisk = risk
		}
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return recordRisk(kept[i]) > recordRisk(kept[j])
	})

	report.Vulnerabilities = kept
	report.RiskScore = math.Round(maxRisk*100) / 100

	a.logger.WithContext(ctx).Debugw("Technology analyzed",
		"technology", tech.Slug,
		"version", tech.Version,
		"candidates", len(candidates),
		"excluded_by_timeline", excluded,
		"risk_score", report.RiskScore,
		"degraded", report.Degraded,
	)

	return report
}

// collect fans out over the source clients. A failing source contributes an
// empty set and its name in the unavailable list; the analysis continues.
func (a *Analyzer) collect(ctx context.Context, tech types.WappTech) ([]types.VulnRecord, []string) {
	var mu sync.Mutex
	var unavailable []string
	byID := make(map[string]types.VulnRecord)

	g, gctx := errgroup.WithContext(ctx)
	for _, source := range a.sources {
		g.Go(func() error {
			records, err := source.Query(gctx, tech)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				a.logger.WithContext(ctx).Warnw("Vulnerability source failed",
					"source", string(source.SourceName()),
					"technology", tech.Slug,
					"error", err.Error(),
				)
				unavailable = append(unavailable, string(source.SourceName()))
				return nil
			}
			for _, record := range records {
				// Dedup across sources by advisory id; keep the record
				// with the stronger severity signal.
				if existing, ok := byID[record.ID]; ok && existing.CVSS >= record.CVSS {
					continue
				}
				byID[record.ID] = record
			}
			return nil
		})
	}
	_ = g.Wait()

	records := make([]types.VulnRecord, 0, len(byID))
	for _, record := range byID {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	return records, unavailable
}

// recordRisk combines severity magnitude (CVSS) with exploitation likelihood
// (EPSS). KEV membership overrides to the maximum.
func recordRisk(record types.VulnRecord) float64 {
	if record.CisaKEV {
		return kevRiskScore
	}
	return record.CVSS * (0.6 + 0.4*record.EPSS)
}

// AnalyzeAll analyzes technologies concurrently, bounded by the configured
// max concurrency. Order of reports matches the input order.
func (a *Analyzer) AnalyzeAll(ctx context.Context, techs []types.WappTech) []*types.VulnReport {
	reports := make([]*types.VulnReport, len(techs))
	sem := semaphore.NewWeighted(a.maxConcurrency)

	var wg sync.WaitGroup
	for i, tech := range techs {
		if err := sem.Acquire(ctx, 1); err != nil {
			reports[i] = &types.VulnReport{
				Technology:      tech,
				Vulnerabilities: []types.VulnRecord{},
				Timeline:        types.TimelineResult{Validated: true},
				Degraded:        true,
			}
			continue
		}
		wg.Add(1)
		go func(i int, tech types.WappTech) {
			defer wg.Done()
			defer sem.Release(1)
			reports[i] = a.Analyze(ctx, tech)
		}(i, tech)
	}
	wg.Wait()

	return reports
}
