package intel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/surfacehq/surfacescan/internal/core"
	"github.com/surfacehq/surfacescan/internal/logger"
	"github.com/surfacehq/surfacescan/pkg/types"
)

const cacheKindOSV = "osv"

// VulnSourceClient is the common interface the analyzer fans out over.
type VulnSourceClient interface {
	SourceName() types.VulnSource
	Query(ctx context.Context, tech types.WappTech) ([]types.VulnRecord, error)
}

// OSVClient queries the osv.dev vulnerability database for a technology.
// Results, including empty ones, are cached per technology so repeated scans
// of the same stack do not re-query upstream.
type OSVClient struct {
	baseURL  string
	cacheTTL time.Duration
	cache    core.Cache
	client   *http.Client
	limiter  *rate.Limiter
	logger   *logger.Logger
}

func NewOSVClient(baseURL string, timeout, cacheTTL time.Duration, requestsPerSec int, cache core.Cache, log *logger.Logger) *OSVClient {
	return &OSVClient{
		baseURL:  baseURL,
		cacheTTL: cacheTTL,
		cache:    cache,
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Limit(requestsPerSec), requestsPerSec),
		logger:   log.WithComponent("osv"),
	}
}

func (c *OSVClient) SourceName() types.VulnSource {
	return types.VulnSourceOSV
}

func techCacheID(tech types.WappTech) string {
	if tech.PURL != "" {
		return tech.PURL
	}
	return fmt.Sprintf("%s/%s@%s", tech.Ecosystem, tech.Slug, tech.Version)
}

func (c *OSVClient) Query(ctx context.Context, tech types.WappTech) ([]types.VulnRecord, error) {
	key := core.CacheKey{Kind: cacheKindOSV, ID: techCacheID(tech)}
	if v, ok := c.cache.Get(key); ok {
		return v.([]types.VulnRecord), nil
	}

	query := map[string]interface{}{}
	if tech.PURL != "" {
		query["package"] = map[string]string{"purl": tech.PURL}
	} else {
		pkg := map[string]string{"name": tech.Slug}
		if tech.Ecosystem != "" {
			pkg["ecosystem"] = tech.Ecosystem
		}
		query["package"] = pkg
	}
	if tech.Version != "" {
		query["version"] = tech.Version
	}

	payload, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/query", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("osv query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("osv returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("osv read failed: %w", err)
	}

	records := parseOSVResponse(body)
	c.cache.Set(key, records, c.cacheTTL)

	return records, nil
}

func parseOSVResponse(body []byte) []types.VulnRecord {
	records := []types.VulnRecord{}

	gjson.GetBytes(body, "vulns").ForEach(func(_, vuln gjson.Result) bool {
		record := types.VulnRecord{
			ID:            vuln.Get("id").String(),
			Source:        types.VulnSourceOSV,
			Summary:       vuln.Get("summary").String(),
			PublishedDate: vuln.Get("published").String(),
		}

		// CVE aliases are preferred as the record id: EPSS, KEV and the
		// timeline validator all key on CVE ids.
		vuln.Get("aliases").ForEach(func(_, alias gjson.Result) bool {
			if s := alias.String(); len(s) > 4 && s[:4] == "CVE-" {
				record.ID = s
				return false
			}
			return true
		})

		record.CVSS = approximateCVSS(vuln)
		record.AffectedVersionRange = summarizeAffectedRange(vuln)

		if record.ID != "" {
			records = append(records, record)
		}
		return true
	})

	return records
}

// approximateCVSS derives a numeric magnitude from whatever severity signal
// the record carries. OSV severity entries are CVSS vectors, not scores, so a
// label from database_specific is the cheaper, good-enough signal here.
func approximateCVSS(vuln gjson.Result) float64 {
	switch vuln.Get("database_specific.severity").String() {
	case "CRITICAL":
		return 9.5
	case "HIGH":
		return 8.0
	case "MODERATE", "MEDIUM":
		return 5.5
	case "LOW":
		return 3.0
	}
	if vuln.Get("severity.#").Int() > 0 {
		return 5.5
	}
	return 0
}

func summarizeAffectedRange(vuln gjson.Result) string {
	introduced := vuln.Get("affected.0.ranges.0.events.0.introduced").String()
	fixed := vuln.Get("affected.0.ranges.0.events.1.fixed").String()
	switch {
	case introduced != "" && fixed != "":
		return fmt.Sprintf(">=%s <%s", introduced, fixed)
	case introduced != "":
		return fmt.Sprintf(">=%s", introduced)
	default:
		return ""
	}
}
