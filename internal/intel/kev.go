package intel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/surfacehq/surfacescan/internal/core"
	"github.com/surfacehq/surfacescan/internal/logger"
)

const (
	cacheKindKEV = "kev"
	kevCacheID   = "catalog"
)

// KEVClient fetches the CISA Known Exploited Vulnerabilities catalog. The
// list changes infrequently, so it is cached with a long TTL and refreshed
// lazily on cache miss.
type KEVClient struct {
	feedURL  string
	cacheTTL time.Duration
	cache    core.Cache
	client   *http.Client
	limiter  *rate.Limiter
	logger   *logger.Logger
}

func NewKEVClient(feedURL string, cacheTTL time.Duration, requestsPerSec int, cache core.Cache, log *logger.Logger) *KEVClient {
	return &KEVClient{
		feedURL:  feedURL,
		cacheTTL: cacheTTL,
		cache:    cache,
		client:   &http.Client{Timeout: 30 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(requestsPerSec), requestsPerSec),
		logger:   log.WithComponent("kev"),
	}
}

// GetKEVList returns the set of known-exploited CVE ids. On fetch failure it
// returns an error so the analyzer can mark the source degraded instead of
// silently treating every CVE as unexploited.
func (c *KEVClient) GetKEVList(ctx context.Context) (map[string]bool, error) {
	if v, ok := c.cache.Get(core.CacheKey{Kind: cacheKindKEV, ID: kevCacheID}); ok {
		return v.(map[string]bool), nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.feedURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kev feed fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kev feed returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("kev feed read failed: %w", err)
	}

	kev := make(map[string]bool)
	gjson.GetBytes(body, "vulnerabilities.#.cveID").ForEach(func(_, id gjson.Result) bool {
		if s := id.String(); s != "" {
			kev[s] = true
		}
		return true
	})

	c.cache.Set(core.CacheKey{Kind: cacheKindKEV, ID: kevCacheID}, kev, c.cacheTTL)

	c.logger.WithContext(ctx).Infow("KEV catalog refreshed", "entries", len(kev))
	return kev, nil
}
