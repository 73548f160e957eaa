package coverage

import (
	"sort"
)

// PeriodSummary is the reconciliation verdict for one coverage period
// of one entitlement, with the order ids that belong to it.
type PeriodSummary struct {
	Key            string
	Period         Period
	RenewalIDs     []string
	RefundIDs      []string
	Status         Status
	LastRefundDate Date
}

// OrderIDs returns renewal and refund ids together.
func (p PeriodSummary) OrderIDs() []string {
	out := make([]string, 0, len(p.RenewalIDs)+len(p.RefundIDs))
	out = append(out, p.RenewalIDs...)
	return append(out, p.RefundIDs...)
}

// GroupPeriods buckets transactions by period key and assigns each
// bucket a status from the result. A period has issues when one of its
// refunds is late or when it borders a gap; otherwise it is clean.
// Transactions without an order id shape the status but are not listed.
func GroupPeriods(txs []Transaction, result Result) []PeriodSummary {
	byKey := make(map[string]*PeriodSummary)
	renewalSeen := make(map[string]map[string]bool)
	refundSeen := make(map[string]map[string]bool)

	for _, tx := range txs {
		key := tx.Period.Key()
		summary, ok := byKey[key]
		if !ok {
			summary = &PeriodSummary{Key: key, Period: tx.Period}
			byKey[key] = summary
			renewalSeen[key] = make(map[string]bool)
			refundSeen[key] = make(map[string]bool)
		}
		if tx.SaleType.IsRefund() {
			summary.LastRefundDate = LaterDate(summary.LastRefundDate, tx.SaleDate)
			if tx.HasOrderID() && !refundSeen[key][tx.OrderID] {
				refundSeen[key][tx.OrderID] = true
				summary.RefundIDs = append(summary.RefundIDs, tx.OrderID)
			}
			continue
		}
		if tx.HasOrderID() && !renewalSeen[key][tx.OrderID] {
			renewalSeen[key][tx.OrderID] = true
			summary.RenewalIDs = append(summary.RenewalIDs, tx.OrderID)
		}
	}

	lateKeys := make(map[string]bool, len(result.LateRefunds))
	for _, l := range result.LateRefunds {
		lateKeys[l.Refund.Period.Key()] = true
	}

	out := make([]PeriodSummary, 0, len(byKey))
	for _, summary := range byKey {
		sort.Strings(summary.RenewalIDs)
		sort.Strings(summary.RefundIDs)
		summary.Status = StatusClean
		if lateKeys[summary.Key] || bordersGap(summary.Period, result.Gaps) {
			summary.Status = StatusIssues
		}
		out = append(out, *summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func bordersGap(p Period, gaps []Gap) bool {
	for _, g := range gaps {
		if p.End.AddDays(1).Equal(g.Start) || p.Start.AddDays(-1).Equal(g.End) {
			return true
		}
	}
	return false
}
