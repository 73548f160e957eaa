/*
errors.go - Centralized error types for the coverage audit

PURPOSE:
  All error types in one place for consistency and discoverability.
  Pipeline stages wrap these with context; callers classify them with
  errors.Is / errors.As.

ERROR CATEGORIES:
  1. Parse errors - a single scraped row could not be turned into a
     Transaction. Local, non-fatal: the row is excluded.
  2. Extraction errors - the report grid never became ready. Fatal for
     one pipeline run.
  3. Store errors - the shared key-value namespace failed. Aborts the
     current stage.
  4. Batch errors - the cross-tab baton rejected an operation.

SEE ALSO:
  - period.go: produces ParseError
  - status/status.go: produces StoreError
  - batch/orchestrator.go: produces ErrBatchActive
*/
package coverage

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidDate is returned when a date is not YYYY-MM-DD.
	ErrInvalidDate = errors.New("invalid date")

	// ErrUnparseablePeriod is returned when a coverage period string is
	// not of the form "START to END".
	ErrUnparseablePeriod = errors.New("unparseable coverage period")

	// ErrInvalidPeriod is returned when a period ends before it starts.
	ErrInvalidPeriod = errors.New("invalid period: end before start")

	// ErrInvalidAmount is returned when a net amount cannot be parsed.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrGridNotReady is returned when the report grid never appeared
	// within the retry budget.
	ErrGridNotReady = errors.New("report grid not ready")

	// ErrNoRows is returned when the grid rendered but no data row
	// appeared within the retry budget.
	ErrNoRows = errors.New("no report rows present")

	// ErrExpansionIncomplete is returned when collapsed rows were still
	// rendering their detail cells after the retry budget.
	ErrExpansionIncomplete = errors.New("row expansion incomplete")

	// ErrMissingEntitlement is returned when an operation needs the
	// entitlement id and the page did not expose one.
	ErrMissingEntitlement = errors.New("entitlement id not found")

	// ErrStore is the category for shared store failures.
	ErrStore = errors.New("store failure")

	// ErrBatchActive is returned when a batch is started while another
	// one still has queued or claimed work.
	ErrBatchActive = errors.New("batch already in progress")

	// ErrEmptyQueue is returned when a batch is started with no URLs.
	ErrEmptyQueue = errors.New("batch queue is empty")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ParseError describes a row excluded from reconciliation.
type ParseError struct {
	OrderID string
	Field   string
	Value   string
	Err     error
}

func (e *ParseError) Error() string {
	if e.OrderID != "" {
		return fmt.Sprintf("order %s: %s %q: %v", e.OrderID, e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("%s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ExtractionError is a fatal failure to read the report page.
type ExtractionError struct {
	Stage    string // "grid", "rows", "expand", "extract"
	Location string
	Attempts int
	Err      error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction %s failed at %s after %d attempts: %v",
		e.Stage, e.Location, e.Attempts, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// StoreError wraps a failure of the shared key-value namespace.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("store %s %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

// Unwrap exposes both the category and the cause.
func (e *StoreError) Unwrap() []error { return []error{ErrStore, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidDate) ||
		errors.Is(err, ErrUnparseablePeriod) ||
		errors.Is(err, ErrInvalidPeriod) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrMissingEntitlement) ||
		errors.Is(err, ErrEmptyQueue)
}

// IsConflict returns true if the error reports a state conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrBatchActive)
}

// IsRetryable returns true if a later attempt might succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrGridNotReady) ||
		errors.Is(err, ErrNoRows) ||
		errors.Is(err, ErrExpansionIncomplete)
}
