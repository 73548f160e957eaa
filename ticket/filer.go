package ticket

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/warp/coverage-audit/coverage"
	"github.com/warp/coverage-audit/status"
)

// Filer files a ticket for an entitlement's new findings.
type Filer struct {
	Status    *status.Store
	Submitter Submitter
	GraceDays int
	Logger    *slog.Logger
}

// File drafts, submits and records a ticket. It returns nil without
// error when every finding was already ticketed. automated only
// changes how the outcome is logged; callers decide whether to alert.
func (f *Filer) File(ctx context.Context, entitlementID string, result coverage.Result, automated bool) (*Draft, error) {
	logger := f.logger().With("entitlement_id", entitlementID, "automated", automated)
	if entitlementID == "" {
		return nil, coverage.ErrMissingEntitlement
	}

	ticketed, err := f.Status.TicketedIDs(ctx, entitlementID)
	if err != nil {
		return nil, err
	}

	draft, ok := New(entitlementID, result, ticketed, f.GraceDays)
	if !ok {
		logger.Info("no new findings to ticket", "already_ticketed", len(ticketed))
		return nil, nil
	}

	err = f.Submitter.Submit(ctx, Submission{
		EntitlementID: entitlementID,
		Summary:       draft.Summary,
		Description:   draft.Description,
	})
	if err != nil {
		return nil, fmt.Errorf("submit ticket %s: %w", draft.ID, err)
	}

	if err := f.Status.MarkTicketed(ctx, entitlementID, draft.NewIDs, draft.PeriodOf); err != nil {
		return draft, fmt.Errorf("record ticket %s: %w", draft.ID, err)
	}

	logger.Info("ticket submitted",
		"draft_id", draft.ID,
		"gaps", len(draft.Gaps),
		"late_refunds", len(draft.LateRefunds))
	return draft, nil
}

func (f *Filer) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}
