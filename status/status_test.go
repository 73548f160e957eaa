package status_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/coverage-audit/coverage"
	"github.com/warp/coverage-audit/coverage/store"
	"github.com/warp/coverage-audit/status"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	aen = "AEN-100"
	jan = "2023-01-01 to 2023-01-31"
	feb = "2023-02-01 to 2023-02-28"
)

func newTestStore(t *testing.T) (*status.Store, *store.Memory) {
	kv := store.NewMemory()
	return status.New(kv, nil), kv
}

func update(key string, st coverage.Status, renewals []string, refunds ...string) status.PeriodUpdate {
	return status.PeriodUpdate{Key: key, RenewalIDs: renewals, RefundIDs: refunds, Status: st}
}

// =============================================================================
// UPSERT
// =============================================================================

func TestUpsertPeriod_FirstWrite_StoresComputedStatus(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	stored, err := s.UpsertPeriod(ctx, aen, update(jan, coverage.StatusIssues, []string{"B", "A"}, "R"))
	require.NoError(t, err)
	assert.Equal(t, coverage.StatusIssues, stored)

	for _, id := range []string{"A", "B", "R"} {
		st, ok, err := s.OrderStatus(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok, id)
		assert.Equal(t, coverage.StatusIssues, st, id)
	}

	periods, err := s.Periods(ctx, aen)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, periods[jan].RenewalOrderIDs)
	assert.Equal(t, []string{"R"}, periods[jan].RefundOrderIDs)
}

func TestUpsertPeriod_CleanPeriodChanged_NeedsReanalysis(t *testing.T) {
	// GIVEN: A period stored clean with renewals {A,B}
	// WHEN: Upserting {A,B,C} with a freshly computed clean
	// THEN: The stored status is needs_reanalysis, also in the index

	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertPeriod(ctx, aen, update(jan, coverage.StatusClean, []string{"A", "B"}))
	require.NoError(t, err)

	stored, err := s.UpsertPeriod(ctx, aen, update(jan, coverage.StatusClean, []string{"A", "B", "C"}))
	require.NoError(t, err)
	assert.Equal(t, coverage.StatusNeedsReanalysis, stored)

	periods, err := s.Periods(ctx, aen)
	require.NoError(t, err)
	assert.Equal(t, coverage.StatusNeedsReanalysis, periods[jan].Status)

	for _, id := range []string{"A", "B", "C"} {
		st, _, err := s.OrderStatus(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, coverage.StatusNeedsReanalysis, st, id)
	}
}

func TestUpsertPeriod_CleanPeriodUnchanged_StaysClean(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertPeriod(ctx, aen, update(jan, coverage.StatusClean, []string{"A", "B"}))
	require.NoError(t, err)

	// Same set, different order and a duplicate
	stored, err := s.UpsertPeriod(ctx, aen, update(jan, coverage.StatusClean, []string{"B", "A", "A"}))
	require.NoError(t, err)
	assert.Equal(t, coverage.StatusClean, stored)
}

func TestUpsertPeriod_IssuesPeriodChanged_StoresComputed(t *testing.T) {
	// GIVEN: A period stored with issues
	// WHEN: Its membership changes and the engine now says clean
	// THEN: Clean is stored; only clean periods are demoted

	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertPeriod(ctx, aen, update(jan, coverage.StatusIssues, []string{"A"}))
	require.NoError(t, err)

	stored, err := s.UpsertPeriod(ctx, aen, update(jan, coverage.StatusClean, []string{"A", "B"}))
	require.NoError(t, err)
	assert.Equal(t, coverage.StatusClean, stored)
}

func TestUpsertPeriod_RefundAdded_NeedsReanalysis(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertPeriod(ctx, aen, update(jan, coverage.StatusClean, []string{"A"}))
	require.NoError(t, err)

	stored, err := s.UpsertPeriod(ctx, aen, update(jan, coverage.StatusIssues, []string{"A"}, "R"))
	require.NoError(t, err)
	assert.Equal(t, coverage.StatusNeedsReanalysis, stored)
}

func TestUpsertPeriods_SingleWrite(t *testing.T) {
	// GIVEN: Two periods for one entitlement
	// WHEN: Upserting both at once
	// THEN: Subscribers see one change batch containing both keys

	s, kv := newTestStore(t)
	ctx := context.Background()

	var batches [][]coverage.Change
	kv.Subscribe(func(c []coverage.Change) { batches = append(batches, c) })

	stored, err := s.UpsertPeriods(ctx, aen, []status.PeriodUpdate{
		update(jan, coverage.StatusClean, []string{"A"}),
		update(feb, coverage.StatusIssues, []string{"B"}),
	})
	require.NoError(t, err)
	assert.Equal(t, coverage.StatusClean, stored[jan])
	assert.Equal(t, coverage.StatusIssues, stored[feb])

	require.Len(t, batches, 1)
	keys := []string{batches[0][0].Key, batches[0][1].Key}
	assert.ElementsMatch(t, []string{coverage.KeyRelationships, coverage.KeyOrderStatuses}, keys)
}

func TestUpsertPeriods_EntitlementsIsolated(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertPeriod(ctx, "AEN-1", update(jan, coverage.StatusClean, []string{"A"}))
	require.NoError(t, err)
	_, err = s.UpsertPeriod(ctx, "AEN-2", update(jan, coverage.StatusClean, []string{"Z"}))
	require.NoError(t, err)

	p1, err := s.Periods(ctx, "AEN-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, p1[jan].RenewalOrderIDs)
}

func TestUpsertPeriod_StoreFailure(t *testing.T) {
	s, kv := newTestStore(t)
	kv.FailWrites(errors.New("disk full"))

	_, err := s.UpsertPeriod(context.Background(), aen, update(jan, coverage.StatusClean, []string{"A"}))

	require.Error(t, err)
	assert.ErrorIs(t, err, coverage.ErrStore)
	var se *coverage.StoreError
	assert.ErrorAs(t, err, &se)
}

func TestOrderStatus_Absent(t *testing.T) {
	s, _ := newTestStore(t)

	_, ok, err := s.OrderStatus(context.Background(), "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOrderStatuses(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.UpsertPeriod(ctx, aen, update(jan, coverage.StatusIssues, []string{"A"}))
	require.NoError(t, err)

	got, err := s.OrderStatuses(ctx, []string{"A", "missing"})
	require.NoError(t, err)
	assert.Equal(t, map[string]coverage.Status{"A": coverage.StatusIssues}, got)
}

// =============================================================================
// TICKETED IDS
// =============================================================================

func TestMarkTicketed_Idempotent(t *testing.T) {
	s, kv := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.MarkTicketed(ctx, aen, []string{"gap-1", "gap-2"}, nil))

	changes := 0
	kv.Subscribe(func([]coverage.Change) { changes++ })
	require.NoError(t, s.MarkTicketed(ctx, aen, []string{"gap-2", "gap-1"}, nil))
	assert.Zero(t, changes, "marking the same ids again writes nothing new")

	ids, err := s.TicketedIDs(ctx, aen)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"gap-1": true, "gap-2": true}, ids)
}

func TestMarkTicketed_RecordsOnPeriod(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.UpsertPeriod(ctx, aen, update(jan, coverage.StatusIssues, []string{"A"}, "R"))
	require.NoError(t, err)

	lateID := "late-refund-2023-03-01-2023-01-01-" + jan
	require.NoError(t, s.MarkTicketed(ctx, aen, []string{lateID}, map[string]string{lateID: jan}))

	periods, err := s.Periods(ctx, aen)
	require.NoError(t, err)
	assert.Equal(t, []string{lateID}, periods[jan].TicketIDs)

	// A later upsert keeps the period's ticket ids.
	_, err = s.UpsertPeriod(ctx, aen, update(jan, coverage.StatusIssues, []string{"A"}, "R"))
	require.NoError(t, err)
	periods, err = s.Periods(ctx, aen)
	require.NoError(t, err)
	assert.Equal(t, []string{lateID}, periods[jan].TicketIDs)
}

// =============================================================================
// RESET
// =============================================================================

func TestResetForOrderIDs_SoleMember_RemovesPeriod(t *testing.T) {
	// GIVEN: Period jan with sole member X, period feb with Y, and a
	//        ticketed set for the entitlement
	// WHEN: Resetting X with the owning entitlement
	// THEN: jan is gone, X leaves the index, feb survives, and the
	//       ticketed set is empty

	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertPeriods(ctx, aen, []status.PeriodUpdate{
		update(jan, coverage.StatusIssues, []string{"X"}),
		update(feb, coverage.StatusClean, []string{"Y"}),
	})
	require.NoError(t, err)
	require.NoError(t, s.MarkTicketed(ctx, aen, []string{"gap-2023-02-01-2023-02-28"}, nil))

	require.NoError(t, s.ResetForOrderIDs(ctx, []string{"X"}, aen))

	periods, err := s.Periods(ctx, aen)
	require.NoError(t, err)
	assert.NotContains(t, periods, jan)
	assert.Contains(t, periods, feb)

	_, ok, err := s.OrderStatus(ctx, "X")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = s.OrderStatus(ctx, "Y")
	require.NoError(t, err)
	assert.True(t, ok)

	ticketed, err := s.TicketedIDs(ctx, aen)
	require.NoError(t, err)
	assert.Empty(t, ticketed)
}

func TestResetForOrderIDs_WithoutEntitlement_KeepsTicketed(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertPeriod(ctx, aen, update(jan, coverage.StatusIssues, []string{"X", "W"}))
	require.NoError(t, err)
	require.NoError(t, s.MarkTicketed(ctx, aen, []string{"gap-a"}, nil))

	require.NoError(t, s.ResetForOrderIDs(ctx, []string{"X"}, ""))

	periods, err := s.Periods(ctx, aen)
	require.NoError(t, err)
	assert.Equal(t, []string{"W"}, periods[jan].RenewalOrderIDs)

	ticketed, err := s.TicketedIDs(ctx, aen)
	require.NoError(t, err)
	assert.True(t, ticketed["gap-a"])
}

func TestResetHistory_ClearsEntitlement(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertPeriods(ctx, aen, []status.PeriodUpdate{
		update(jan, coverage.StatusIssues, []string{"A"}, "R"),
		update(feb, coverage.StatusClean, []string{"B"}),
	})
	require.NoError(t, err)
	_, err = s.UpsertPeriod(ctx, "AEN-OTHER", update(jan, coverage.StatusClean, []string{"Z"}))
	require.NoError(t, err)
	require.NoError(t, s.MarkTicketed(ctx, aen, []string{"gap-x"}, nil))

	require.NoError(t, s.ResetHistory(ctx, aen))

	periods, err := s.Periods(ctx, aen)
	require.NoError(t, err)
	assert.Empty(t, periods)

	for _, id := range []string{"A", "R", "B"} {
		_, ok, err := s.OrderStatus(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok, id)
	}
	_, ok, err := s.OrderStatus(ctx, "Z")
	require.NoError(t, err)
	assert.True(t, ok, "other entitlements are untouched")
}

func TestReset_ThenUpsert_IsFirstWrite(t *testing.T) {
	// GIVEN: A clean period that was reset
	// WHEN: It is analyzed again with more members
	// THEN: No stale comparison; the computed status is stored

	s, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.UpsertPeriod(ctx, aen, update(jan, coverage.StatusClean, []string{"A"}))
	require.NoError(t, err)
	require.NoError(t, s.ResetHistory(ctx, aen))

	stored, err := s.UpsertPeriod(ctx, aen, update(jan, coverage.StatusClean, []string{"A", "B"}))
	require.NoError(t, err)
	assert.Equal(t, coverage.StatusClean, stored)
}

// =============================================================================
// RESET ATOMICITY
// =============================================================================

func TestResetForOrderIDs_WriteFails_NothingChanges(t *testing.T) {
	// GIVEN: A stored period, order and ticketed set
	// WHEN: Resetting while every write fails
	// THEN: The error is returned and all three are untouched

	s, kv := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertPeriod(ctx, aen, update(jan, coverage.StatusIssues, []string{"X"}))
	require.NoError(t, err)
	require.NoError(t, s.MarkTicketed(ctx, aen, []string{"gap-2023-02-01-2023-02-28"}, nil))

	kv.FailWrites(errors.New("quota exceeded"))
	err = s.ResetForOrderIDs(ctx, []string{"X"}, aen)
	require.ErrorIs(t, err, coverage.ErrStore)
	kv.FailWrites(nil)

	periods, err := s.Periods(ctx, aen)
	require.NoError(t, err)
	assert.Contains(t, periods, jan)
	_, ok, err := s.OrderStatus(ctx, "X")
	require.NoError(t, err)
	assert.True(t, ok)
	ticketed, err := s.TicketedIDs(ctx, aen)
	require.NoError(t, err)
	assert.True(t, ticketed["gap-2023-02-01-2023-02-28"])
}

// setOnly rejects Remove, so a reset has to land in a single Set.
type setOnly struct{ *store.Memory }

func (setOnly) Remove(context.Context, ...string) error { return errors.New("remove not allowed") }

func TestResetForOrderIDs_SingleSet(t *testing.T) {
	kv := setOnly{store.NewMemory()}
	s := status.New(kv, nil)
	ctx := context.Background()

	_, err := s.UpsertPeriod(ctx, aen, update(jan, coverage.StatusIssues, []string{"X"}))
	require.NoError(t, err)
	require.NoError(t, s.MarkTicketed(ctx, aen, []string{"gap-2023-02-01-2023-02-28"}, nil))

	require.NoError(t, s.ResetForOrderIDs(ctx, []string{"X"}, aen))

	ticketed, err := s.TicketedIDs(ctx, aen)
	require.NoError(t, err)
	assert.Empty(t, ticketed)
	_, ok, err := s.OrderStatus(ctx, "X")
	require.NoError(t, err)
	assert.False(t, ok)
}
