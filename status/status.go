/*
Package status persists reconciliation verdicts across page reloads.

PURPOSE:
  Remembers, per entitlement and coverage period, which orders were
  reconciled and with what outcome, plus which gaps and late refunds
  were already ticketed. A re-visit of the same report reads these
  instead of redoing completed analysis.

KEYS (in the shared coverage.Store):
  transactionRelationships      entitlement -> period key -> PeriodRecord
  orderIdStatuses               order id -> status (denormalized index)
  ticketedItems_{entitlement}   ids already filed in a ticket

CHANGE DETECTION:
  A period stored as clean whose member order ids changed since the
  last run is stored as needs_reanalysis, whatever the engine computed
  this time. The badge then tells the operator to re-run before
  trusting it.

CONSISTENCY:
  Each operation is one Get and one multi-key Set, so the period map and
  the flat index are always written together. Two tabs writing the same
  entitlement at once can still lose an update; the batch baton keeps
  only one worker active.

SEE ALSO:
  - coverage/groups.go: Builds the PeriodUpdate inputs
  - ticket/filer.go: Calls MarkTicketed after a successful submission
*/
package status

import (
	"context"
	"log/slog"
	"sort"

	"github.com/warp/coverage-audit/coverage"
)

// =============================================================================
// RECORDS
// =============================================================================

// PeriodRecord is the persisted state of one coverage period.
type PeriodRecord struct {
	RenewalOrderIDs []string        `json:"renewalOrderIds"`
	RefundOrderIDs  []string        `json:"refundOrderIds"`
	Status          coverage.Status `json:"status"`
	LastRefundDate  coverage.Date   `json:"lastRefundDate"`
	TicketIDs       []string        `json:"ticketIds,omitempty"`
}

func (r PeriodRecord) empty() bool {
	return len(r.RenewalOrderIDs) == 0 && len(r.RefundOrderIDs) == 0
}

// Relationships maps entitlement id -> period key -> record.
type Relationships map[string]map[string]PeriodRecord

// PeriodUpdate is one period's freshly computed state.
type PeriodUpdate struct {
	Key            string
	RenewalIDs     []string
	RefundIDs      []string
	Status         coverage.Status
	LastRefundDate coverage.Date
}

// UpdateFromSummary converts an engine period summary.
func UpdateFromSummary(s coverage.PeriodSummary) PeriodUpdate {
	return PeriodUpdate{
		Key:            s.Key,
		RenewalIDs:     s.RenewalIDs,
		RefundIDs:      s.RefundIDs,
		Status:         s.Status,
		LastRefundDate: s.LastRefundDate,
	}
}

// =============================================================================
// STORE
// =============================================================================

// Store is the Status Store over a shared key-value namespace.
type Store struct {
	kv     coverage.Store
	logger *slog.Logger
}

func New(kv coverage.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{kv: kv, logger: logger}
}

// UpsertPeriod records one period and returns the status actually stored.
func (s *Store) UpsertPeriod(ctx context.Context, entitlementID string, u PeriodUpdate) (coverage.Status, error) {
	stored, err := s.UpsertPeriods(ctx, entitlementID, []PeriodUpdate{u})
	if err != nil {
		return "", err
	}
	return stored[u.Key], nil
}

// UpsertPeriods records every period of one entitlement in a single
// read-merge-write and returns the stored status per period key.
func (s *Store) UpsertPeriods(ctx context.Context, entitlementID string, updates []PeriodUpdate) (map[string]coverage.Status, error) {
	rels, index, err := s.load(ctx)
	if err != nil {
		return nil, err
	}

	periods := rels[entitlementID]
	if periods == nil {
		periods = make(map[string]PeriodRecord)
		rels[entitlementID] = periods
	}

	stored := make(map[string]coverage.Status, len(updates))
	for _, u := range updates {
		renewals := uniqueSorted(u.RenewalIDs)
		refunds := uniqueSorted(u.RefundIDs)
		next := u.Status

		prev, existed := periods[u.Key]
		if existed && prev.Status == coverage.StatusClean &&
			(!sameSet(prev.RenewalOrderIDs, renewals) || !sameSet(prev.RefundOrderIDs, refunds)) {
			next = coverage.StatusNeedsReanalysis
			s.logger.Info("period membership changed since last clean run",
				"entitlement_id", entitlementID, "period", u.Key)
		}

		periods[u.Key] = PeriodRecord{
			RenewalOrderIDs: renewals,
			RefundOrderIDs:  refunds,
			Status:          next,
			LastRefundDate:  u.LastRefundDate,
			TicketIDs:       prev.TicketIDs,
		}
		for _, id := range renewals {
			index[id] = next
		}
		for _, id := range refunds {
			index[id] = next
		}
		stored[u.Key] = next
	}

	if err := s.save(ctx, rels, index, nil); err != nil {
		return nil, err
	}
	return stored, nil
}

// OrderStatus looks up one order in the flat index.
func (s *Store) OrderStatus(ctx context.Context, orderID string) (coverage.Status, bool, error) {
	var index map[string]coverage.Status
	if _, err := coverage.GetJSON(ctx, s.kv, coverage.KeyOrderStatuses, &index); err != nil {
		return "", false, err
	}
	st, ok := index[orderID]
	return st, ok, nil
}

// OrderStatuses returns the status of every listed order that has one.
func (s *Store) OrderStatuses(ctx context.Context, orderIDs []string) (map[string]coverage.Status, error) {
	var index map[string]coverage.Status
	if _, err := coverage.GetJSON(ctx, s.kv, coverage.KeyOrderStatuses, &index); err != nil {
		return nil, err
	}
	out := make(map[string]coverage.Status, len(orderIDs))
	for _, id := range orderIDs {
		if st, ok := index[id]; ok {
			out[id] = st
		}
	}
	return out, nil
}

// Periods returns the stored records of one entitlement.
func (s *Store) Periods(ctx context.Context, entitlementID string) (map[string]PeriodRecord, error) {
	var rels Relationships
	if _, err := coverage.GetJSON(ctx, s.kv, coverage.KeyRelationships, &rels); err != nil {
		return nil, err
	}
	out := make(map[string]PeriodRecord, len(rels[entitlementID]))
	for k, v := range rels[entitlementID] {
		out[k] = v
	}
	return out, nil
}

// =============================================================================
// TICKETED IDS
// =============================================================================

// TicketedIDs returns the ids already filed for an entitlement.
func (s *Store) TicketedIDs(ctx context.Context, entitlementID string) (map[string]bool, error) {
	var ids []string
	if _, err := coverage.GetJSON(ctx, s.kv, coverage.TicketedKey(entitlementID), &ids); err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

// MarkTicketed unions ids into the entitlement's ticketed set. Calling
// it again with the same ids changes nothing. periodOf optionally maps
// an issue id to the period key it belongs to, so the period record
// remembers its tickets too.
func (s *Store) MarkTicketed(ctx context.Context, entitlementID string, ids []string, periodOf map[string]string) error {
	if len(ids) == 0 {
		return nil
	}
	key := coverage.TicketedKey(entitlementID)
	values, err := s.kv.Get(ctx, key, coverage.KeyRelationships)
	if err != nil {
		return &coverage.StoreError{Op: "get", Key: key, Err: err}
	}

	var existing []string
	if _, err := coverage.Decode(values, key, &existing); err != nil {
		return err
	}
	merged := uniqueSorted(append(existing, ids...))
	write := map[string]any{key: merged}

	if len(periodOf) > 0 {
		var rels Relationships
		if _, err := coverage.Decode(values, coverage.KeyRelationships, &rels); err != nil {
			return err
		}
		if periods := rels[entitlementID]; periods != nil {
			touched := false
			for _, id := range ids {
				rec, ok := periods[periodOf[id]]
				if !ok {
					continue
				}
				rec.TicketIDs = uniqueSorted(append(rec.TicketIDs, id))
				periods[periodOf[id]] = rec
				touched = true
			}
			if touched {
				write[coverage.KeyRelationships] = rels
			}
		}
	}

	encoded, err := coverage.Encode(write)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, encoded); err != nil {
		return &coverage.StoreError{Op: "set", Key: key, Err: err}
	}
	s.logger.Info("marked ticketed", "entitlement_id", entitlementID, "ids", len(ids), "total", len(merged))
	return nil
}

// =============================================================================
// RESET
// =============================================================================

// ResetForOrderIDs forgets the given orders: they leave the flat index
// and every period, and periods left empty are deleted. A non-empty
// entitlementID also clears that entitlement's whole ticketed set,
// since de-duplication can no longer be trusted once history is gone.
func (s *Store) ResetForOrderIDs(ctx context.Context, orderIDs []string, entitlementID string) error {
	rels, index, err := s.load(ctx)
	if err != nil {
		return err
	}

	drop := make(map[string]bool, len(orderIDs))
	for _, id := range orderIDs {
		if id != "" {
			drop[id] = true
			delete(index, id)
		}
	}

	for ent, periods := range rels {
		for key, rec := range periods {
			rec.RenewalOrderIDs = without(rec.RenewalOrderIDs, drop)
			rec.RefundOrderIDs = without(rec.RefundOrderIDs, drop)
			if rec.empty() {
				delete(periods, key)
				continue
			}
			periods[key] = rec
		}
		if len(periods) == 0 {
			delete(rels, ent)
		}
	}

	var extra map[string]any
	if entitlementID != "" {
		extra = map[string]any{coverage.TicketedKey(entitlementID): []string{}}
	}
	if err := s.save(ctx, rels, index, extra); err != nil {
		return err
	}
	s.logger.Info("reset order history", "orders", len(drop), "entitlement_id", entitlementID)
	return nil
}

// ResetHistory forgets every order of one entitlement and its ticketed
// set.
func (s *Store) ResetHistory(ctx context.Context, entitlementID string) error {
	periods, err := s.Periods(ctx, entitlementID)
	if err != nil {
		return err
	}
	var ids []string
	for _, rec := range periods {
		ids = append(ids, rec.RenewalOrderIDs...)
		ids = append(ids, rec.RefundOrderIDs...)
	}
	return s.ResetForOrderIDs(ctx, ids, entitlementID)
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Store) load(ctx context.Context) (Relationships, map[string]coverage.Status, error) {
	values, err := s.kv.Get(ctx, coverage.KeyRelationships, coverage.KeyOrderStatuses)
	if err != nil {
		return nil, nil, &coverage.StoreError{Op: "get", Key: coverage.KeyRelationships, Err: err}
	}
	rels := make(Relationships)
	if _, err := coverage.Decode(values, coverage.KeyRelationships, &rels); err != nil {
		return nil, nil, err
	}
	index := make(map[string]coverage.Status)
	if _, err := coverage.Decode(values, coverage.KeyOrderStatuses, &index); err != nil {
		return nil, nil, err
	}
	return rels, index, nil
}

// save writes the relationships, the index and any extra keys in one
// Set, so a failed write applies none of them.
func (s *Store) save(ctx context.Context, rels Relationships, index map[string]coverage.Status, extra map[string]any) error {
	values := map[string]any{
		coverage.KeyRelationships: rels,
		coverage.KeyOrderStatuses: index,
	}
	for k, v := range extra {
		values[k] = v
	}
	encoded, err := coverage.Encode(values)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, encoded); err != nil {
		return &coverage.StoreError{Op: "set", Key: coverage.KeyRelationships, Err: err}
	}
	return nil
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func sameSet(a, b []string) bool {
	a, b = uniqueSorted(a), uniqueSorted(b)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func without(ids []string, drop map[string]bool) []string {
	out := ids[:0:0]
	for _, id := range ids {
		if !drop[id] {
			out = append(out, id)
		}
	}
	return out
}
