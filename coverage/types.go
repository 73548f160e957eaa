/*
Package coverage provides the maintenance-period reconciliation engine.

PURPOSE:
  Takes the transactions scraped from one entitlement's report page
  (renewals and refunds, each covering a maintenance period) and derives
  the merged timeline of active coverage, the gaps in that timeline and
  the refunds issued outside the grace window.

KEY CONCEPTS IN THIS FILE (types.go):
  - Transaction: One report row after parsing
  - Period: The coverage range a sale pays for, with its raw text
  - Interval / Gap / LateRefund: Derived results
  - Status: Reconciliation verdict per period and per order

DESIGN PRINCIPLES:
  1. Purity: Reconcile has no side effects and ignores input order
  2. Precision: Amounts use decimal.Decimal
  3. Stable identity: Gap and late refund ids are reproducible across
     runs so "already ticketed" memory survives reloads

USAGE:
  txs, rowErrs := coverage.ParseRows(rows)
  result := coverage.Reconcile(txs, coverage.Options{GraceDays: 30})

SEE ALSO:
  - engine.go: Reconcile
  - groups.go: Per-period status derivation
  - store.go: Shared key-value persistence contract
*/
package coverage

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SALE TYPE
// =============================================================================

type SaleType string

const (
	SaleRenewal SaleType = "renewal"
	SaleRefund  SaleType = "refund"
	SaleOther   SaleType = "other"
)

// ParseSaleType maps the report's sale type cell. Only "refund" is
// special; everything else counts as renewal-class for coverage.
func ParseSaleType(s string) SaleType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "refund":
		return SaleRefund
	case "renewal":
		return SaleRenewal
	default:
		return SaleOther
	}
}

// IsRefund reports whether the sale reverses a payment.
func (t SaleType) IsRefund() bool { return t == SaleRefund }

// =============================================================================
// PERIOD - Coverage range of one sale
// =============================================================================

type Period struct {
	Start Date   `json:"start"`
	End   Date   `json:"end"`
	Raw   string `json:"raw"`
}

// Key is the stable grouping key for a period: the normalized ISO
// range, independent of whitespace in the raw text.
func (p Period) Key() string {
	return p.Start.String() + " to " + p.End.String()
}

// SameRange reports whether both periods cover exactly the same days.
func (p Period) SameRange(other Period) bool {
	return p.Start.Equal(other.Start) && p.End.Equal(other.End)
}

// Days returns the inclusive number of days covered.
func (p Period) Days() int { return DaysBetween(p.Start, p.End) + 1 }

// =============================================================================
// TRANSACTION - One parsed report row
// =============================================================================

type Transaction struct {
	OrderID  string          `json:"orderId,omitempty"`
	SaleDate Date            `json:"saleDate"`
	SaleType SaleType        `json:"saleType"`
	Period   Period          `json:"period"`
	Amount   decimal.Decimal `json:"amount"`
}

// HasOrderID reports whether the transaction can be indexed or ticketed.
func (t Transaction) HasOrderID() bool { return t.OrderID != "" }

// =============================================================================
// DERIVED RESULTS
// =============================================================================

// Interval is a merged span of active coverage.
type Interval struct {
	Start Date `json:"start"`
	End   Date `json:"end"`
}

// Gap is a span with no active coverage between two intervals.
type Gap struct {
	Start Date `json:"start"`
	End   Date `json:"end"`
	Days  int  `json:"days"`
}

// ID is the reproducible identity used for ticket de-duplication.
func (g Gap) ID() string {
	return fmt.Sprintf("gap-%s-%s", g.Start, g.End)
}

// LateRefund is a refund issued more than the grace window after the
// renewal it reverses.
type LateRefund struct {
	Refund   Transaction `json:"refund"`
	Original Transaction `json:"originalTx"`
	Days     int         `json:"days"`
}

func (l LateRefund) ID() string {
	return fmt.Sprintf("late-refund-%s-%s-%s", l.Refund.SaleDate, l.Original.SaleDate, l.Refund.Period.Raw)
}

// Result is the output of one reconciliation pass.
type Result struct {
	Intervals   []Interval   `json:"coverageIntervals"`
	Gaps        []Gap        `json:"gaps"`
	LateRefunds []LateRefund `json:"lateRefunds"`
}

// HasIssues reports whether any gap or late refund was found.
func (r Result) HasIssues() bool {
	return len(r.Gaps) > 0 || len(r.LateRefunds) > 0
}

// IssueIDs returns the identities of every gap and late refund.
func (r Result) IssueIDs() []string {
	ids := make([]string, 0, len(r.Gaps)+len(r.LateRefunds))
	for _, g := range r.Gaps {
		ids = append(ids, g.ID())
	}
	for _, l := range r.LateRefunds {
		ids = append(ids, l.ID())
	}
	return ids
}

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusClean           Status = "clean"
	StatusIssues          Status = "issues"
	StatusNeedsReanalysis Status = "needs_reanalysis"
)

func (s Status) Valid() bool {
	switch s {
	case StatusClean, StatusIssues, StatusNeedsReanalysis:
		return true
	}
	return false
}
