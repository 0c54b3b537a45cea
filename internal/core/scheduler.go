package core

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// Prober runs one invocation. *Orchestrator implements it.
type Prober interface {
	Run(ctx context.Context, req TestRequest) (Outcome, error)
}

// SiteResult is the outcome for one site plus its destroy error, if any.
type SiteResult struct {
	Outcome Outcome
	Err     error
}

// OK reports whether the site passed and left nothing behind.
func (r SiteResult) OK() bool { return r.Err == nil && r.Outcome.Succeeded() }

// SiteHooks are called around every site. Calls are serialized.
type SiteHooks struct {
	Start func(site string)
	Done  func(SiteResult)
}

// RunSites probes every site with base as template request, at most parallel
// at a time. Results keep the order of sites. A failing site never stops the
// others; destroy errors are aggregated into the returned error.
func RunSites(ctx context.Context, p Prober, base TestRequest, sites []string, parallel int, hooks SiteHooks) ([]SiteResult, error) {
	if parallel < 1 {
		parallel = 1
	}
	results := make([]SiteResult, len(sites))
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(parallel)
	for i, site := range sites {
		g.Go(func() error {
			if hooks.Start != nil {
				mu.Lock()
				hooks.Start(site)
				mu.Unlock()
			}
			req := base
			req.Site = site
			out, err := p.Run(ctx, req)
			results[i] = SiteResult{Outcome: out, Err: err}
			if hooks.Done != nil {
				mu.Lock()
				hooks.Done(results[i])
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	var merr *multierror.Error
	for _, r := range results {
		if r.Err != nil {
			merr = multierror.Append(merr, r.Err)
		}
	}
	return results, merr.ErrorOrNil()
}

// NormalizeSites trims, drops empties and duplicates, and sorts site names.
func NormalizeSites(sites []string) []string {
	seen := make(map[string]bool, len(sites))
	out := make([]string, 0, len(sites))
	for _, s := range sites {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
