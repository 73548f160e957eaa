package coverage_test

import (
	"fmt"
	"sort"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/coverage-audit/coverage"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func d(s string) coverage.Date { return coverage.MustParseDate(s) }

func period(start, end string) coverage.Period {
	p, err := coverage.ParsePeriod(start + " to " + end)
	if err != nil {
		panic(err)
	}
	return p
}

func renewal(orderID, saleDate, start, end string) coverage.Transaction {
	return coverage.Transaction{
		OrderID:  orderID,
		SaleDate: d(saleDate),
		SaleType: coverage.SaleRenewal,
		Period:   period(start, end),
		Amount:   decimal.NewFromInt(100),
	}
}

func refund(orderID, saleDate, start, end string) coverage.Transaction {
	return coverage.Transaction{
		OrderID:  orderID,
		SaleDate: d(saleDate),
		SaleType: coverage.SaleRefund,
		Period:   period(start, end),
		Amount:   decimal.NewFromInt(-100),
	}
}

func reconcile(txs ...coverage.Transaction) coverage.Result {
	return coverage.Reconcile(txs, coverage.DefaultOptions())
}

// fingerprint renders a result as sorted ids so permutations compare
// as sets.
func fingerprint(r coverage.Result) []string {
	var out []string
	for _, iv := range r.Intervals {
		out = append(out, fmt.Sprintf("interval-%s-%s", iv.Start, iv.End))
	}
	for _, g := range r.Gaps {
		out = append(out, fmt.Sprintf("%s/%d", g.ID(), g.Days))
	}
	for _, l := range r.LateRefunds {
		out = append(out, fmt.Sprintf("%s/%s/%d", l.ID(), l.Original.OrderID, l.Days))
	}
	sort.Strings(out)
	return out
}

func permutations(txs []coverage.Transaction) [][]coverage.Transaction {
	if len(txs) <= 1 {
		return [][]coverage.Transaction{append([]coverage.Transaction(nil), txs...)}
	}
	var out [][]coverage.Transaction
	for i := range txs {
		rest := make([]coverage.Transaction, 0, len(txs)-1)
		rest = append(rest, txs[:i]...)
		rest = append(rest, txs[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]coverage.Transaction{txs[i]}, p...))
		}
	}
	return out
}

// =============================================================================
// GAP ARITHMETIC
// =============================================================================

func TestReconcile_MissingFebruary_OneGap(t *testing.T) {
	// GIVEN: Renewals for January and March 2023, none for February
	// WHEN: Reconciling
	// THEN: Exactly one 28-day gap covering February

	result := reconcile(
		renewal("A", "2023-01-01", "2023-01-01", "2023-01-31"),
		renewal("B", "2023-03-01", "2023-03-01", "2023-03-31"),
	)

	require.Len(t, result.Gaps, 1)
	gap := result.Gaps[0]
	assert.Equal(t, "2023-02-01", gap.Start.String())
	assert.Equal(t, "2023-02-28", gap.End.String())
	assert.Equal(t, 28, gap.Days)
	assert.Equal(t, "gap-2023-02-01-2023-02-28", gap.ID())
	assert.Len(t, result.Intervals, 2)
	assert.Empty(t, result.LateRefunds)
}

func TestReconcile_ContiguousPeriods_Merge(t *testing.T) {
	// GIVEN: A period ending Jan 31 and one starting Feb 1
	// WHEN: Reconciling
	// THEN: One merged interval, no gap

	result := reconcile(
		renewal("A", "2023-01-01", "2023-01-01", "2023-01-31"),
		renewal("B", "2023-02-01", "2023-02-01", "2023-12-31"),
	)

	require.Len(t, result.Intervals, 1)
	assert.Equal(t, "2023-01-01", result.Intervals[0].Start.String())
	assert.Equal(t, "2023-12-31", result.Intervals[0].End.String())
	assert.Empty(t, result.Gaps)
}

func TestReconcile_OverlappingPeriods_MergeToLatestEnd(t *testing.T) {
	result := reconcile(
		renewal("A", "2023-01-01", "2023-01-01", "2023-06-30"),
		renewal("B", "2023-02-01", "2023-03-01", "2023-04-30"),
		renewal("C", "2023-06-01", "2023-06-15", "2023-09-30"),
	)

	require.Len(t, result.Intervals, 1)
	assert.Equal(t, "2023-09-30", result.Intervals[0].End.String())
}

func TestReconcile_OneDayGap(t *testing.T) {
	result := reconcile(
		renewal("A", "2023-01-01", "2023-01-01", "2023-01-30"),
		renewal("B", "2023-02-01", "2023-02-01", "2023-02-28"),
	)

	require.Len(t, result.Gaps, 1)
	assert.Equal(t, 1, result.Gaps[0].Days)
	assert.Equal(t, "2023-01-31", result.Gaps[0].Start.String())
}

func TestReconcile_Empty(t *testing.T) {
	result := reconcile()

	assert.Empty(t, result.Intervals)
	assert.Empty(t, result.Gaps)
	assert.Empty(t, result.LateRefunds)
	assert.False(t, result.HasIssues())
}

// =============================================================================
// REFUND OFFSET
// =============================================================================

func TestReconcile_ExactRefund_OffsetsRenewal(t *testing.T) {
	// GIVEN: A renewal and a refund for the identical period
	// WHEN: Reconciling
	// THEN: The renewal contributes no coverage

	result := reconcile(
		renewal("A", "2023-01-01", "2023-01-01", "2023-01-31"),
		refund("R", "2023-01-10", "2023-01-01", "2023-01-31"),
	)

	assert.Empty(t, result.Intervals)
	assert.Empty(t, result.Gaps)
}

func TestReconcile_OffsetInMiddle_CreatesGap(t *testing.T) {
	// GIVEN: Three consecutive months, the middle one refunded exactly
	// WHEN: Reconciling
	// THEN: The refunded month becomes a gap

	result := reconcile(
		renewal("A", "2023-01-01", "2023-01-01", "2023-01-31"),
		renewal("B", "2023-02-01", "2023-02-01", "2023-02-28"),
		renewal("C", "2023-03-01", "2023-03-01", "2023-03-31"),
		refund("R", "2023-02-05", "2023-02-01", "2023-02-28"),
	)

	require.Len(t, result.Gaps, 1)
	assert.Equal(t, "gap-2023-02-01-2023-02-28", result.Gaps[0].ID())
}

func TestReconcile_RefundOffsetsOnlyOneRenewal(t *testing.T) {
	// GIVEN: Two renewals for the same period and one matching refund
	// WHEN: Reconciling
	// THEN: One renewal survives and still provides coverage

	result := reconcile(
		renewal("A", "2023-01-01", "2023-01-01", "2023-01-31"),
		renewal("B", "2023-01-02", "2023-01-01", "2023-01-31"),
		refund("R", "2023-01-10", "2023-01-01", "2023-01-31"),
	)

	require.Len(t, result.Intervals, 1)
	assert.Equal(t, "2023-01-31", result.Intervals[0].End.String())
}

func TestReconcile_PartialRefund_DoesNotOffset(t *testing.T) {
	result := reconcile(
		renewal("A", "2023-01-01", "2023-01-01", "2023-12-31"),
		refund("R", "2023-01-10", "2023-01-01", "2023-06-30"),
	)

	require.Len(t, result.Intervals, 1)
}

// =============================================================================
// LATE REFUNDS
// =============================================================================

func TestReconcile_LateRefund_59Days(t *testing.T) {
	// GIVEN: A renewal on Jan 1 refunded on Mar 1 for the same period
	// WHEN: Reconciling with the default 30-day grace window
	// THEN: One late refund of 59 days

	result := reconcile(
		renewal("A", "2023-01-01", "2023-01-01", "2023-01-31"),
		refund("R", "2023-03-01", "2023-01-01", "2023-01-31"),
	)

	require.Len(t, result.LateRefunds, 1)
	late := result.LateRefunds[0]
	assert.Equal(t, 59, late.Days)
	assert.Equal(t, "A", late.Original.OrderID)
	assert.Equal(t, "R", late.Refund.OrderID)
	assert.Equal(t, "late-refund-2023-03-01-2023-01-01-2023-01-01 to 2023-01-31", late.ID())
	assert.True(t, result.HasIssues())
}

func TestReconcile_RefundWithinGrace_NotLate(t *testing.T) {
	result := reconcile(
		renewal("A", "2023-01-01", "2023-01-01", "2023-01-31"),
		refund("R", "2023-01-20", "2023-01-01", "2023-01-31"),
	)

	assert.Empty(t, result.LateRefunds)
}

func TestReconcile_RefundExactlyAtGrace_NotLate(t *testing.T) {
	result := reconcile(
		renewal("A", "2023-01-01", "2023-01-01", "2023-01-31"),
		refund("R", "2023-01-31", "2023-01-01", "2023-01-31"),
	)

	assert.Empty(t, result.LateRefunds, "30 days is inside a 30-day window")
}

func TestReconcile_CustomGrace(t *testing.T) {
	txs := []coverage.Transaction{
		renewal("A", "2023-01-01", "2023-01-01", "2023-01-31"),
		refund("R", "2023-01-20", "2023-01-01", "2023-01-31"),
	}

	result := coverage.Reconcile(txs, coverage.Options{GraceDays: 10})

	require.Len(t, result.LateRefunds, 1)
	assert.Equal(t, 19, result.LateRefunds[0].Days)
}

func TestReconcile_ZeroGrace_FlagsEveryLaterRefund(t *testing.T) {
	// GIVEN: A refund 19 days after its renewal and a zero grace window
	txs := []coverage.Transaction{
		renewal("A", "2023-01-01", "2023-01-01", "2023-01-31"),
		refund("R", "2023-01-20", "2023-01-01", "2023-01-31"),
	}

	// WHEN: Reconciling with GraceDays 0
	result := coverage.Reconcile(txs, coverage.Options{GraceDays: 0})

	// THEN: The refund is late; zero is not replaced by the default
	require.Len(t, result.LateRefunds, 1)
	assert.Equal(t, 19, result.LateRefunds[0].Days)
}

func TestReconcile_NextDayRefund_LateWithZeroGrace(t *testing.T) {
	txs := []coverage.Transaction{
		renewal("A", "2023-01-01", "2023-01-01", "2023-01-31"),
		refund("R", "2023-01-02", "2023-01-01", "2023-01-31"),
	}

	result := coverage.Reconcile(txs, coverage.Options{GraceDays: 0})

	require.Len(t, result.LateRefunds, 1, "one day after is more than zero")
	assert.Equal(t, 1, result.LateRefunds[0].Days)
}

func TestReconcile_LateRefund_PicksClosestPrecedingRenewal(t *testing.T) {
	// GIVEN: Two renewals with the same raw period, one long before the
	//        refund and one shortly before
	// WHEN: Reconciling
	// THEN: The closer renewal is matched and the refund is not late

	result := reconcile(
		renewal("OLD", "2022-01-01", "2023-01-01", "2023-12-31"),
		renewal("NEW", "2023-01-05", "2023-01-01", "2023-12-31"),
		refund("R", "2023-01-15", "2023-01-01", "2023-12-31"),
	)

	assert.Empty(t, result.LateRefunds)
}

func TestReconcile_LateRefund_IgnoresLaterRenewals(t *testing.T) {
	result := reconcile(
		renewal("A", "2023-01-01", "2023-01-01", "2023-01-31"),
		refund("R", "2023-04-01", "2023-01-01", "2023-01-31"),
		renewal("B", "2023-05-01", "2023-01-01", "2023-01-31"),
	)

	require.Len(t, result.LateRefunds, 1)
	assert.Equal(t, "A", result.LateRefunds[0].Original.OrderID)
	assert.Equal(t, 90, result.LateRefunds[0].Days)
}

func TestReconcile_OrphanRefund_Ignored(t *testing.T) {
	// GIVEN: A refund whose period matches no renewal at all
	// WHEN: Reconciling
	// THEN: It neither offsets coverage nor appears as late

	result := reconcile(
		renewal("A", "2023-01-01", "2023-01-01", "2023-01-31"),
		refund("R", "2023-09-01", "2024-01-01", "2024-01-31"),
	)

	require.Len(t, result.Intervals, 1)
	assert.Empty(t, result.LateRefunds)
	assert.Empty(t, result.Gaps)
}

// =============================================================================
// ORDER INVARIANCE
// =============================================================================

func TestReconcile_OrderInvariant(t *testing.T) {
	// GIVEN: A mixed fixture with duplicates, an exact refund, a late
	//        refund and a gap
	// WHEN: Reconciling every permutation
	// THEN: Every permutation gives the same intervals, gaps and late refunds

	fixture := []coverage.Transaction{
		renewal("A", "2023-01-01", "2023-01-01", "2023-01-31"),
		renewal("B", "2023-01-03", "2023-01-01", "2023-01-31"),
		refund("R1", "2023-03-15", "2023-01-01", "2023-01-31"),
		renewal("C", "2023-03-01", "2023-03-01", "2023-03-31"),
		renewal("D", "2023-04-01", "2023-04-01", "2023-06-30"),
		refund("R2", "2023-04-02", "2023-04-01", "2023-06-30"),
	}

	want := fingerprint(reconcile(fixture...))
	require.NotEmpty(t, want)

	for i, perm := range permutations(fixture) {
		got := fingerprint(coverage.Reconcile(perm, coverage.DefaultOptions()))
		require.Equal(t, want, got, "permutation %d", i)
	}
}

func TestReconcile_DoesNotMutateInput(t *testing.T) {
	txs := []coverage.Transaction{
		renewal("B", "2023-03-01", "2023-03-01", "2023-03-31"),
		renewal("A", "2023-01-01", "2023-01-01", "2023-01-31"),
	}

	coverage.Reconcile(txs, coverage.DefaultOptions())

	assert.Equal(t, "B", txs[0].OrderID)
	assert.Equal(t, "A", txs[1].OrderID)
}

// =============================================================================
// PERIOD GROUPING
// =============================================================================

func TestGroupPeriods_StatusFromResult(t *testing.T) {
	// GIVEN: January (late refund), March (borders the Feb gap) and
	//        a clean contiguous pair before that
	// WHEN: Grouping
	// THEN: Late and gap-bordering periods have issues, the rest are clean

	txs := []coverage.Transaction{
		renewal("A", "2022-11-01", "2022-11-01", "2022-11-30"),
		renewal("B", "2022-12-01", "2022-12-01", "2022-12-31"),
		renewal("C", "2023-01-01", "2023-01-01", "2023-01-31"),
		refund("R", "2023-03-01", "2023-01-01", "2023-01-31"),
		renewal("E", "2023-03-01", "2023-03-01", "2023-03-31"),
	}
	result := reconcile(txs...)

	groups := coverage.GroupPeriods(txs, result)

	byKey := make(map[string]coverage.PeriodSummary)
	for _, g := range groups {
		byKey[g.Key] = g
	}
	require.Len(t, byKey, 4)

	assert.Equal(t, coverage.StatusClean, byKey["2022-11-01 to 2022-11-30"].Status)
	// Offset January leaves a gap from Jan 1 to Feb 28 bordering December.
	assert.Equal(t, coverage.StatusIssues, byKey["2022-12-01 to 2022-12-31"].Status)
	assert.Equal(t, coverage.StatusIssues, byKey["2023-01-01 to 2023-01-31"].Status)
	assert.Equal(t, coverage.StatusIssues, byKey["2023-03-01 to 2023-03-31"].Status)

	jan := byKey["2023-01-01 to 2023-01-31"]
	assert.Equal(t, []string{"C"}, jan.RenewalIDs)
	assert.Equal(t, []string{"R"}, jan.RefundIDs)
	assert.Equal(t, "2023-03-01", jan.LastRefundDate.String())
	assert.Equal(t, []string{"C", "R"}, jan.OrderIDs())
}

func TestGroupPeriods_MissingOrderID_NotListed(t *testing.T) {
	txs := []coverage.Transaction{
		renewal("", "2023-01-01", "2023-01-01", "2023-01-31"),
		renewal("A", "2023-01-02", "2023-01-01", "2023-01-31"),
		renewal("A", "2023-01-02", "2023-01-01", "2023-01-31"),
	}

	groups := coverage.GroupPeriods(txs, reconcile(txs...))

	require.Len(t, groups, 1)
	assert.Equal(t, []string{"A"}, groups[0].RenewalIDs)
	assert.Equal(t, coverage.StatusClean, groups[0].Status)
}

func TestResult_IssueIDs(t *testing.T) {
	result := reconcile(
		renewal("A", "2023-01-01", "2023-01-01", "2023-01-31"),
		refund("R", "2023-03-01", "2023-01-01", "2023-01-31"),
		renewal("B", "2023-01-01", "2023-01-01", "2023-01-31"),
		renewal("C", "2023-03-01", "2023-03-01", "2023-03-31"),
	)

	assert.ElementsMatch(t, []string{
		"gap-2023-02-01-2023-02-28",
		"late-refund-2023-03-01-2023-01-01-2023-01-01 to 2023-01-31",
	}, result.IssueIDs())
}
