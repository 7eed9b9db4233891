package intel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/surfacehq/surfacescan/internal/core"
	"github.com/surfacehq/surfacescan/internal/logger"
	"github.com/surfacehq/surfacescan/pkg/types"
)

const cacheKindGitHub = "ghsa"

// GitHubClient queries the GitHub security advisory database for a
// technology. A token is optional; unauthenticated requests just get a lower
// rate limit upstream.
type GitHubClient struct {
	baseURL  string
	token    string
	cacheTTL time.Duration
	cache    core.Cache
	client   *http.Client
	limiter  *rate.Limiter
	logger   *logger.Logger
}

func NewGitHubClient(baseURL, token string, timeout, cacheTTL time.Duration, requestsPerSec int, cache core.Cache, log *logger.Logger) *GitHubClient {
	return &GitHubClient{
		baseURL:  baseURL,
		token:    token,
		cacheTTL: cacheTTL,
		cache:    cache,
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Limit(requestsPerSec), requestsPerSec),
		logger:   log.WithComponent("github"),
	}
}

func (c *GitHubClient) SourceName() types.VulnSource {
	return types.VulnSourceGitHub
}

func (c *GitHubClient) Query(ctx context.Context, tech types.WappTech) ([]types.VulnRecord, error) {
	if tech.Ecosystem == "" {
		// The advisory API is package-ecosystem scoped; nothing to ask
		// for a bare technology fingerprint.
		return []types.VulnRecord{}, nil
	}

	key := core.CacheKey{Kind: cacheKindGitHub, ID: techCacheID(tech)}
	if v, ok := c.cache.Get(key); ok {
		return v.([]types.VulnRecord), nil
	}

	affects := tech.Slug
	if tech.Version != "" {
		affects = fmt.Sprintf("%s@%s", tech.Slug, tech.Version)
	}

	u := fmt.Sprintf("%s/advisories?ecosystem=%s&affects=%s",
		c.baseURL, url.QueryEscape(tech.Ecosystem), url.QueryEscape(affects))

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github advisories query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github advisories returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("github advisories read failed: %w", err)
	}

	records := parseGitHubResponse(body)
	c.cache.Set(key, records, c.cacheTTL)

	return records, nil
}

func parseGitHubResponse(body []byte) []types.VulnRecord {
	records := []types.VulnRecord{}

	gjson.ParseBytes(body).ForEach(func(_, adv gjson.Result) bool {
		id := adv.Get("cve_id").String()
		if id == "" {
			id = adv.Get("ghsa_id").String()
		}
		if id == "" {
			return true
		}

		records = append(records, types.VulnRecord{
			ID:                   id,
			Source:               types.VulnSourceGitHub,
			CVSS:                 adv.Get("cvss.score").Float(),
			Summary:              adv.Get("summary").String(),
			PublishedDate:        adv.Get("published_at").String(),
			AffectedVersionRange: adv.Get("vulnerabilities.0.vulnerable_version_range").String(),
		})
		return true
	})

	return records
}
