/*
engine.go - Maintenance-period reconciliation

PURPOSE:
  Reconcile derives, for one entitlement, the merged timeline of active
  maintenance coverage, the gaps in it and the late refunds.

ALGORITHM:
  1. Partition into renewals (anything but refund) and refunds.
  2. Offset: a renewal whose period exactly equals an unconsumed
     refund's period is removed from the timeline; the refund is
     consumed. First unconsumed match wins.
  3. Merge the remaining renewals sorted by start. Contiguous
     (next.Start <= cur.End + 1 day) or overlapping periods merge.
  4. Gaps are the holes between adjacent merged intervals.
  5. Late refunds: for every refund (consumed or not), the closest
     preceding renewal with the identical raw period string. A refund
     more than GraceDays after that renewal is late.
  6. A refund matching nothing in 2 or 5 is dropped from both.

ORDER INVARIANCE:
  Row order is an accident of page layout. The input is copied and
  sorted into a canonical order before any "first match" decision, so
  every permutation of the same rows gives the same result.

SEE ALSO:
  - groups.go: Derives per-period status from a Result
  - engine_test.go: Properties (gap arithmetic, offset, late refunds)
*/
package coverage

import (
	"sort"
)

// DefaultGraceDays is the vendor refund grace window.
const DefaultGraceDays = 30

// Options tunes a reconciliation pass.
type Options struct {
	// GraceDays is the number of days after a renewal during which a
	// refund is not late. Zero flags every refund made after its
	// renewal; negative values are treated as zero.
	GraceDays int
}

// DefaultOptions uses the vendor grace window.
func DefaultOptions() Options { return Options{GraceDays: DefaultGraceDays} }

func (o Options) graceDays() int {
	if o.GraceDays < 0 {
		return 0
	}
	return o.GraceDays
}

// Reconcile runs the full analysis over one entitlement's transactions.
// It is pure: the input slice is not modified.
func Reconcile(txs []Transaction, opts Options) Result {
	sorted := canonicalOrder(txs)

	var renewals, refunds []Transaction
	for _, tx := range sorted {
		if tx.SaleType.IsRefund() {
			refunds = append(refunds, tx)
		} else {
			renewals = append(renewals, tx)
		}
	}

	active := activeRenewals(renewals, refunds)
	intervals := mergeIntervals(active)

	return Result{
		Intervals:   intervals,
		Gaps:        findGaps(intervals),
		LateRefunds: findLateRefunds(renewals, refunds, opts.graceDays()),
	}
}

// =============================================================================
// CANONICAL ORDER
// =============================================================================

func canonicalOrder(txs []Transaction) []Transaction {
	out := make([]Transaction, len(txs))
	copy(out, txs)
	sort.SliceStable(out, func(i, j int) bool {
		return lessTransaction(out[i], out[j])
	})
	return out
}

func lessTransaction(a, b Transaction) bool {
	if !a.SaleDate.Equal(b.SaleDate) {
		return a.SaleDate.Before(b.SaleDate)
	}
	if !a.Period.Start.Equal(b.Period.Start) {
		return a.Period.Start.Before(b.Period.Start)
	}
	if !a.Period.End.Equal(b.Period.End) {
		return a.Period.End.Before(b.Period.End)
	}
	if a.Period.Raw != b.Period.Raw {
		return a.Period.Raw < b.Period.Raw
	}
	if a.SaleType != b.SaleType {
		return a.SaleType < b.SaleType
	}
	if a.OrderID != b.OrderID {
		return a.OrderID < b.OrderID
	}
	return a.Amount.LessThan(b.Amount)
}

// =============================================================================
// OFFSET MATCHING (step 2)
// =============================================================================

// activeRenewals drops every renewal fully offset by an exact-period
// refund. Each refund offsets at most one renewal.
func activeRenewals(renewals, refunds []Transaction) []Transaction {
	consumed := make([]bool, len(refunds))
	active := make([]Transaction, 0, len(renewals))

	for _, renewal := range renewals {
		offset := false
		for i, refund := range refunds {
			if consumed[i] || !refund.Period.SameRange(renewal.Period) {
				continue
			}
			consumed[i] = true
			offset = true
			break
		}
		if !offset {
			active = append(active, renewal)
		}
	}
	return active
}

// =============================================================================
// TIMELINE (steps 3-4)
// =============================================================================

func mergeIntervals(active []Transaction) []Interval {
	if len(active) == 0 {
		return nil
	}
	periods := make([]Period, len(active))
	for i, tx := range active {
		periods[i] = tx.Period
	}
	sort.SliceStable(periods, func(i, j int) bool {
		if !periods[i].Start.Equal(periods[j].Start) {
			return periods[i].Start.Before(periods[j].Start)
		}
		return periods[i].End.Before(periods[j].End)
	})

	intervals := make([]Interval, 0, len(periods))
	cur := Interval{Start: periods[0].Start, End: periods[0].End}
	for _, p := range periods[1:] {
		if p.Start.BeforeOrEqual(cur.End.AddDays(1)) {
			cur.End = LaterDate(cur.End, p.End)
			continue
		}
		intervals = append(intervals, cur)
		cur = Interval{Start: p.Start, End: p.End}
	}
	return append(intervals, cur)
}

func findGaps(intervals []Interval) []Gap {
	var gaps []Gap
	for i := 1; i < len(intervals); i++ {
		prev, next := intervals[i-1], intervals[i]
		if !next.Start.After(prev.End.AddDays(1)) {
			continue
		}
		start := prev.End.AddDays(1)
		end := next.Start.AddDays(-1)
		gaps = append(gaps, Gap{Start: start, End: end, Days: DaysBetween(start, end) + 1})
	}
	return gaps
}

// =============================================================================
// LATE REFUNDS (step 5)
// =============================================================================

func findLateRefunds(renewals, refunds []Transaction, graceDays int) []LateRefund {
	var late []LateRefund
	for _, refund := range refunds {
		original, ok := closestPrecedingRenewal(renewals, refund)
		if !ok {
			continue
		}
		days := DaysBetween(original.SaleDate, refund.SaleDate)
		if days > graceDays {
			late = append(late, LateRefund{Refund: refund, Original: original, Days: days})
		}
	}
	return late
}

// closestPrecedingRenewal finds the renewal with the same raw period
// sold most recently before the refund. Renewals are in canonical
// order, so among equal sale dates the first one is kept.
func closestPrecedingRenewal(renewals []Transaction, refund Transaction) (Transaction, bool) {
	var best Transaction
	found := false
	for _, r := range renewals {
		if r.Period.Raw != refund.Period.Raw || !r.SaleDate.Before(refund.SaleDate) {
			continue
		}
		if !found || r.SaleDate.After(best.SaleDate) {
			best = r
			found = true
		}
	}
	return best, found
}
