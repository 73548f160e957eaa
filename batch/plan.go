package batch

import (
	"context"

	"github.com/warp/coverage-audit/config"
	"github.com/warp/coverage-audit/coverage"
)

// Candidate is one listing row that could become a batch entry.
type Candidate struct {
	URL      string   `json:"url"`
	OrderIDs []string `json:"orderIds"`
}

// StatusLookup reports stored statuses for order ids.
type StatusLookup interface {
	OrderStatuses(ctx context.Context, orderIDs []string) (map[string]coverage.Status, error)
}

// PlanOptions tune Plan.
type PlanOptions struct {
	// SkipIfNoNew drops candidates whose orders all have a status.
	SkipIfNoNew bool
	Limit       config.Limit
}

// Plan turns listing rows into the URL queue for Start: duplicates are
// dropped, already-analyzed rows optionally skipped, and the result
// capped at the batch limit.
func Plan(ctx context.Context, candidates []Candidate, lookup StatusLookup, opts PlanOptions) ([]string, error) {
	seen := make(map[string]bool, len(candidates))
	var urls []string
	for _, c := range candidates {
		if c.URL == "" {
			continue
		}
		key := NormalizeURL(c.URL)
		if seen[key] {
			continue
		}
		if opts.SkipIfNoNew && lookup != nil && len(c.OrderIDs) > 0 {
			known, err := lookup.OrderStatuses(ctx, c.OrderIDs)
			if err != nil {
				return nil, err
			}
			if len(known) == len(idSet(c.OrderIDs)) {
				continue
			}
		}
		seen[key] = true
		urls = append(urls, c.URL)
	}
	return urls[:opts.Limit.Apply(len(urls))], nil
}

func idSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
