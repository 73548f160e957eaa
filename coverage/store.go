/*
store.go - Shared key-value persistence contract

PURPOSE:
  Every tab running the audit against the same host shares one
  key-value namespace. It is the single source of truth for order
  statuses, period records, ticketed-id memory and the batch baton, and
  the only channel between tabs.

KEY INTERFACES:
  Store: Get / Set / Remove by key, plus change subscription

ATOMICITY:
  A single Set or Remove call is atomic across all of its keys. There
  is no cross-call locking: callers do read-merge-write, and two tabs
  interleaving on the same keys can lose an update. The single-active-
  worker baton keeps that from happening in practice.

VALUES:
  Values are JSON documents. Absent keys are simply missing from the
  map returned by Get.

IMPLEMENTATIONS:
  - coverage/store/memory.go: In-memory, for tests and single-process runs
  - store/sqlite/sqlite.go: SQLite (and PostgreSQL / MySQL dialects)
  - store/file/file.go: One JSON file replaced atomically

SEE ALSO:
  - status/status.go: Status Store over these keys
  - batch/orchestrator.go: Batch baton over these keys
*/
package coverage

import (
	"context"
	"encoding/json"
)

// =============================================================================
// KEYS
// =============================================================================

const (
	KeyOrderStatuses   = "orderIdStatuses"
	KeyRelationships   = "transactionRelationships"
	KeyRefundQueue     = "refundQueue"
	KeyActiveRefundJob = "activeRefundJob"
	KeyTotalRefunds    = "totalRefundsToProcess"
	KeyProcessedCount  = "processedRefundsCount"
	KeySupportTicket   = "supportTicketData"
	KeySettings        = "enhancerSettings"

	ticketedPrefix = "ticketedItems_"
)

// TicketedKey is the per-entitlement key of already-ticketed ids.
func TicketedKey(entitlementID string) string {
	return ticketedPrefix + entitlementID
}

// =============================================================================
// STORE - Shared namespace
// =============================================================================

// Change describes one key's transition. A nil New means the key was
// removed; a nil Old means it was created.
type Change struct {
	Key string
	Old json.RawMessage
	New json.RawMessage
}

// Store is the platform key-value service.
type Store interface {
	// Get returns the values of the requested keys that exist.
	Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error)

	// Set writes all values atomically.
	Set(ctx context.Context, values map[string]json.RawMessage) error

	// Remove deletes the keys atomically. Missing keys are ignored.
	Remove(ctx context.Context, keys ...string) error

	// Subscribe registers fn for every committed change, including
	// changes made by other users of the same namespace. fn must not
	// block. The returned function unsubscribes.
	Subscribe(fn func([]Change)) (cancel func())
}

// =============================================================================
// JSON HELPERS
// =============================================================================

// Decode unmarshals values[key] into dst. It reports false when the key
// is absent or JSON null, leaving dst untouched.
func Decode(values map[string]json.RawMessage, key string, dst any) (bool, error) {
	raw, ok := values[key]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, &StoreError{Op: "decode", Key: key, Err: err}
	}
	return true, nil
}

// Encode marshals several values for one Set call.
func Encode(values map[string]any) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, &StoreError{Op: "encode", Key: k, Err: err}
		}
		out[k] = b
	}
	return out, nil
}

// GetJSON reads one key into dst.
func GetJSON(ctx context.Context, s Store, key string, dst any) (bool, error) {
	values, err := s.Get(ctx, key)
	if err != nil {
		return false, &StoreError{Op: "get", Key: key, Err: err}
	}
	return Decode(values, key, dst)
}

// SetJSON writes one key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	values, err := Encode(map[string]any{key: v})
	if err != nil {
		return err
	}
	if err := s.Set(ctx, values); err != nil {
		return &StoreError{Op: "set", Key: key, Err: err}
	}
	return nil
}
