package modules

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/likexian/whois"
	whoisparser "github.com/likexian/whois-parser"
	"github.com/miekg/dns"

	"github.com/surfacehq/surfacescan/internal/config"
	"github.com/surfacehq/surfacescan/internal/core"
	"github.com/surfacehq/surfacescan/internal/logger"
	"github.com/surfacehq/surfacescan/pkg/types"
)

// typosquatModule generates lookalike permutations of the target domain and
// checks whether they are registered. DNS resolution is the fast path; a
// candidate that does not resolve is confirmed against whois, which catches
// parked and defensively registered lookalikes that carry no records.
type typosquatModule struct {
	cfg    config.TyposquatConfig
	store  core.ArtifactStore
	logger *logger.Logger

	resolve     func(ctx context.Context, domain string) bool
	lookupWhois func(domain string) (string, error)
}

func NewTyposquatModule(cfg config.TyposquatConfig, store core.ArtifactStore, log *logger.Logger) core.Module {
	m := &typosquatModule{
		cfg:    cfg,
		store:  store,
		logger: log.WithModule("typosquat"),
	}
	m.resolve = m.dnsResolves

	whoisTimeout := cfg.WhoisTimeout
	if whoisTimeout <= 0 {
		whoisTimeout = 5 * time.Second
	}
	client := whois.NewClient()
	client.SetTimeout(whoisTimeout)
	m.lookupWhois = func(domain string) (string, error) {
		return client.Whois(domain)
	}
	return m
}

func (m *typosquatModule) Name() string {
	return "typosquat"
}

func (m *typosquatModule) Run(ctx context.Context, target types.Target) (int, error) {
	timeout := m.cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	candidates := permutations(target.Domain)
	if len(candidates) == 0 {
		return 0, fmt.Errorf("cannot permute domain %q", target.Domain)
	}

	maxParallel := m.cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 10
	}

	var (
		mu    sync.Mutex
		count int
		wg    sync.WaitGroup
	)
	sem := make(chan struct{}, maxParallel)

	for _, candidate := range candidates {
		select {
		case <-ctx.Done():
			// Partial results already persisted stay; the run reports
			// what it managed before the deadline.
			wg.Wait()
			return count, nil
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(candidate string) {
			defer wg.Done()
			defer func() { <-sem }()

			detection, registrar, registered := m.classify(ctx, candidate)
			if !registered {
				return
			}

			meta := map[string]string{
				"scan_id":     target.ScanID,
				"scan_module": m.Name(),
				"original":    target.Domain,
				"detection":   detection,
			}
			if registrar != "" {
				meta["registrar"] = registrar
			}

			artifactID, err := m.store.InsertArtifact(ctx, types.ArtifactInput{
				Type:     "typo_domain",
				ValText:  candidate,
				Severity: types.SeverityMedium,
				Meta:     meta,
			})
			if err != nil {
				m.logger.WithContext(ctx).Warnw("Failed to persist typosquat artifact",
					"candidate", candidate,
					"error", err.Error(),
				)
				return
			}

			if err := m.store.InsertFinding(ctx, artifactID, "typo_domain",
				Recommend("typosquat"),
				fmt.Sprintf("Registered lookalike domain %s mimics %s", candidate, target.Domain)); err != nil {
				m.logger.WithContext(ctx).Warnw("Failed to persist typosquat finding",
					"candidate", candidate,
					"error", err.Error(),
				)
				return
			}

			mu.Lock()
			count++
			mu.Unlock()
		}(candidate)
	}

	wg.Wait()
	return count, nil
}

// classify reports whether candidate is registered and how that was
// determined ("dns" or "whois"). Whois runs only for candidates with no DNS
// answer; an answer is already registration evidence. Whois failures are
// treated as not registered, so a flaky registry never inflates findings.
func (m *typosquatModule) classify(ctx context.Context, candidate string) (detection, registrar string, registered bool) {
	if m.resolve(ctx, candidate) {
		return "dns", "", true
	}

	raw, err := m.lookupWhois(candidate)
	if err != nil {
		return "", "", false
	}

	info, err := whoisparser.Parse(raw)
	if err != nil {
		// Includes the not-found responses registries return for free domains.
		return "", "", false
	}
	if info.Registrar != nil {
		registrar = info.Registrar.Name
	}
	return "whois", registrar, true
}

func (m *typosquatModule) dnsResolves(ctx context.Context, domain string) bool {
	client := &dns.Client{Timeout: 3 * time.Second}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeA)

	resp, _, err := client.ExchangeContext(ctx, msg, m.cfg.Resolver)
	if err != nil || resp == nil {
		return false
	}
	return resp.Rcode == dns.RcodeSuccess && len(resp.Answer) > 0
}

// permutations produces a small set of classic typo transforms: character
// omission, adjacent swap, common TLD swaps and hyphenation. Deliberately
// bounded; exhaustive generation is the job of dedicated external tooling.
func permutations(domain string) []string {
	parts := strings.SplitN(domain, ".", 2)
	if len(parts) != 2 || parts[0] == "" {
		return nil
	}
	label, suffix := parts[0], parts[1]

	seen := map[string]bool{domain: true}
	var out []string
	add := func(candidate string) {
		if candidate != "" && !seen[candidate] {
			seen[candidate] = true
			out = append(out, candidate)
		}
	}

	for i := 0; i < len(label); i++ {
		add(label[:i] + label[i+1:] + "." + suffix)
	}
	for i := 0; i+1 < len(label); i++ {
		swapped := []byte(label)
		swapped[i], swapped[i+1] = swapped[i+1], swapped[i]
		add(string(swapped) + "." + suffix)
	}
	for i := 0; i < len(label); i++ {
		add(label[:i+1] + string(label[i]) + label[i+1:] + "." + suffix)
	}
	if len(label) > 1 {
		mid := len(label) / 2
		add(label[:mid] + "-" + label[mid:] + "." + suffix)
	}
	for _, tld := range []string{"com", "net", "org", "co"} {
		if suffix != tld {
			add(label + "." + tld)
		}
	}

	return out
}
