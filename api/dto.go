/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Report documents
  and analysis reports are passed through as-is; the types here wrap
  them with request options and response extras.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Report documents are validated against their JSON Schema by
  report.Parse. Everything else is checked in handlers.

SEE ALSO:
  - handlers.go: Uses these types
  - report/document.go: Document type and schema
*/
package api

import (
	"encoding/json"

	"github.com/warp/coverage-audit/analysis"
	"github.com/warp/coverage-audit/batch"
	"github.com/warp/coverage-audit/coverage"
	"github.com/warp/coverage-audit/status"
)

// =============================================================================
// ANALYSIS
// =============================================================================

// AnalyzeResponse is an analysis report plus what the page would show.
type AnalyzeResponse struct {
	*analysis.Report
	TransactionsURL string   `json:"transactionsUrl,omitempty"`
	Alerts          []string `json:"alerts,omitempty"`
}

// =============================================================================
// STATUS
// =============================================================================

// OrderStatusDTO is one order's stored status.
type OrderStatusDTO struct {
	OrderID string          `json:"orderId"`
	Status  coverage.Status `json:"status"`
}

// PeriodsDTO lists an entitlement's stored periods.
type PeriodsDTO struct {
	EntitlementID string                         `json:"entitlementId"`
	Periods       map[string]status.PeriodRecord `json:"periods"`
	Ticketed      []string                       `json:"ticketed"`
}

// ResetOrdersRequest clears stored state for some orders.
type ResetOrdersRequest struct {
	OrderIDs      []string `json:"orderIds"`
	EntitlementID string   `json:"entitlementId,omitempty"`
}

// =============================================================================
// BATCH
// =============================================================================

// StartBatchRequest starts a batch. Documents are analyzed in-process;
// bare URLs wait for an external tab to call /api/batch/complete.
type StartBatchRequest struct {
	URLs       []string          `json:"urls,omitempty"`
	Candidates []batch.Candidate `json:"candidates,omitempty"`
	Documents  []json.RawMessage `json:"documents,omitempty"`
}

// CompleteBatchRequest releases the baton.
type CompleteBatchRequest struct {
	URL string `json:"url"`
}

// BatchDTO is the batch state.
type BatchDTO struct {
	batch.Job
	Running bool `json:"running"`
}

// =============================================================================
// SELECTION
// =============================================================================

// SelectionRequest computes the selected-rows total for a grid.
type SelectionRequest struct {
	Rows []coverage.Row `json:"rows"`

	// Unchecked lists row ids the operator deselected.
	Unchecked []string `json:"unchecked,omitempty"`

	// Checked lists row ids selected while select-all is off.
	Checked []string `json:"checked,omitempty"`

	// SelectAll overrides the defaultChecked setting.
	SelectAll *bool `json:"selectAll,omitempty"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
