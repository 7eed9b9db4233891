package intel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/surfacehq/surfacescan/internal/core"
	"github.com/surfacehq/surfacescan/internal/logger"
)

const cacheKindEPSS = "epss"

// EPSSClient fetches exploit-probability scores in batches. Every id that
// passes through the client ends up cached, including failures: a chunk that
// errors caches score 0 for all of its ids so a transient outage cannot cause
// a retry storm inside the cache TTL window.
type EPSSClient struct {
	baseURL   string
	batchSize int
	cacheTTL  time.Duration
	cache     core.Cache
	client    *http.Client
	limiter   *rate.Limiter
	logger    *logger.Logger
}

func NewEPSSClient(baseURL string, batchSize int, timeout, cacheTTL time.Duration, requestsPerSec int, cache core.Cache, log *logger.Logger) *EPSSClient {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &EPSSClient{
		baseURL:   baseURL,
		batchSize: batchSize,
		cacheTTL:  cacheTTL,
		cache:     cache,
		client:    &http.Client{Timeout: timeout},
		limiter:   rate.NewLimiter(rate.Limit(requestsPerSec), requestsPerSec),
		logger:    log.WithComponent("epss"),
	}
}

// GetScores returns EPSS scores in [0,1] keyed by CVE id. Ids absent from the
// upstream response are omitted; the caller defaults them.
func (c *EPSSClient) GetScores(ctx context.Context, cveIDs []string) map[string]float64 {
	scores := make(map[string]float64, len(cveIDs))

	var uncached []string
	seen := make(map[string]bool, len(cveIDs))
	for _, id := range cveIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		if v, ok := c.cache.Get(core.CacheKey{Kind: cacheKindEPSS, ID: id}); ok {
			scores[id] = v.(float64)
			continue
		}
		uncached = append(uncached, id)
	}

	for start := 0; start < len(uncached); start += c.batchSize {
		end := start + c.batchSize
		if end > len(uncached) {
			end = len(uncached)
		}
		c.fetchChunk(ctx, uncached[start:end], scores)
	}

	return scores
}

func (c *EPSSClient) fetchChunk(ctx context.Context, chunk []string, scores map[string]float64) {
	body, err := c.fetch(ctx, chunk)
	if err != nil {
		// Fail safe low, not open: score 0 is cached for the whole chunk
		// so these ids are not re-fetched until the TTL expires.
		c.logger.WithContext(ctx).Warnw("EPSS chunk fetch failed, caching zero scores",
			"chunk_size", len(chunk),
			"error", err.Error(),
		)
		for _, id := range chunk {
			c.cache.Set(core.CacheKey{Kind: cacheKindEPSS, ID: id}, 0.0, c.cacheTTL)
			scores[id] = 0
		}
		return
	}

	returned := make(map[string]bool, len(chunk))
	gjson.GetBytes(body, "data").ForEach(func(_, item gjson.Result) bool {
		id := item.Get("cve").String()
		if id == "" {
			return true
		}
		score := item.Get("epss").Float()
		c.cache.Set(core.CacheKey{Kind: cacheKindEPSS, ID: id}, score, c.cacheTTL)
		scores[id] = score
		returned[id] = true
		return true
	})

	// Known-absent ids get a zero sentinel so they are not asked for again.
	for _, id := range chunk {
		if !returned[id] {
			c.cache.Set(core.CacheKey{Kind: cacheKindEPSS, ID: id}, 0.0, c.cacheTTL)
		}
	}
}

func (c *EPSSClient) fetch(ctx context.Context, chunk []string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s?cve=%s", c.baseURL, url.QueryEscape(strings.Join(chunk, ",")))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("epss upstream returned HTTP %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}
