/*
Package ticket turns reconciliation findings into support ticket text.

PURPOSE:
  Drafts the description an operator files with the account team for
  an entitlement's coverage gaps and late refunds, skipping anything
  already filed, and hands it to the ticket form through the shared
  store.

KEY CONCEPTS:
  - Draft: Pure. Filters already-ticketed ids and composes text.
  - Submitter: Delivers a draft (one-shot payload + open the form).
  - Filer: Sequences draft -> submit -> mark ticketed.

ORDERING:
  Ids are marked as ticketed only after the submission succeeded, so a
  form that failed to open never hides the finding from the next run.

SEE ALSO:
  - status/status.go: MarkTicketed / TicketedIDs
  - analysis/pipeline.go: Calls the Filer per autoTicketing mode
*/
package ticket

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/warp/coverage-audit/coverage"
)

const (
	gapQuestion = "Can you confirm whether maintenance was intentionally allowed to lapse " +
		"for these dates, or whether a renewal order is missing from the account?"
	lateRefundQuestion = "Can you confirm who approved these refunds outside the refund window " +
		"and whether the affected maintenance period should be reinstated?"
)

// Draft is a composed ticket ready for submission.
type Draft struct {
	ID            string `json:"id"`
	EntitlementID string `json:"entitlementId"`
	Summary       string `json:"summary"`
	Description   string `json:"description"`

	Gaps        []coverage.Gap        `json:"gaps"`
	LateRefunds []coverage.LateRefund `json:"lateRefunds"`

	// NewIDs are the gap and late refund ids included in this draft.
	// The caller persists them with MarkTicketed after submitting.
	NewIDs []string `json:"newIds"`

	// PeriodOf maps an included id to the period key it concerns, when
	// there is one.
	PeriodOf map[string]string `json:"periodOf,omitempty"`
}

// New builds a draft for the findings of result that are not already
// in ticketed. It reports false when nothing new remains, in which case
// no ticket should be opened.
func New(entitlementID string, result coverage.Result, ticketed map[string]bool, graceDays int) (*Draft, bool) {
	var gaps []coverage.Gap
	for _, g := range result.Gaps {
		if !ticketed[g.ID()] {
			gaps = append(gaps, g)
		}
	}
	var late []coverage.LateRefund
	for _, l := range result.LateRefunds {
		if !ticketed[l.ID()] {
			late = append(late, l)
		}
	}
	if len(gaps) == 0 && len(late) == 0 {
		return nil, false
	}
	if graceDays < 0 {
		graceDays = 0
	}

	d := &Draft{
		ID:            uuid.NewString(),
		EntitlementID: entitlementID,
		Gaps:          gaps,
		LateRefunds:   late,
		PeriodOf:      make(map[string]string),
	}
	for _, g := range gaps {
		d.NewIDs = append(d.NewIDs, g.ID())
	}
	for _, l := range late {
		d.NewIDs = append(d.NewIDs, l.ID())
		d.PeriodOf[l.ID()] = l.Refund.Period.Key()
	}
	d.Summary = summary(entitlementID, len(gaps), len(late))
	d.Description = describe(entitlementID, gaps, late, graceDays)
	return d, true
}

func summary(entitlementID string, gaps, late int) string {
	var parts []string
	if gaps > 0 {
		parts = append(parts, plural(gaps, "coverage gap"))
	}
	if late > 0 {
		parts = append(parts, plural(late, "late refund"))
	}
	return fmt.Sprintf("Maintenance review for %s: %s", entitlementID, strings.Join(parts, ", "))
}

func describe(entitlementID string, gaps []coverage.Gap, late []coverage.LateRefund, graceDays int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Maintenance coverage review for entitlement %s.\n", entitlementID)

	if len(gaps) > 0 {
		b.WriteString("\nCoverage gaps:\n")
		for _, g := range gaps {
			fmt.Fprintf(&b, "- Gap from %s to %s (%d days)\n", g.Start, g.End, g.Days)
		}
		b.WriteString("\n" + gapQuestion + "\n")
	}

	if len(late) > 0 {
		fmt.Fprintf(&b, "\nLate refunds (more than %d days after the original sale):\n", graceDays)
		for _, l := range late {
			fmt.Fprintf(&b, "- Refund on %s for a transaction from %s (%d days later). Period: %s\n",
				l.Refund.SaleDate, l.Original.SaleDate, l.Days, l.Refund.Period.Raw)
		}
		b.WriteString("\n" + lateRefundQuestion + "\n")
	}
	return b.String()
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
