/*
page.go - Extraction adapter contract and bounded waits

PURPOSE:
  The report page renders asynchronously: the grid appears, then rows,
  and coverage periods only render once a row is expanded. The core
  never touches the page directly. It talks to a Page and polls it with
  bounded retries until each stage is ready.

KEY INTERFACES:
  Page: What an extraction adapter exposes (grid, rows, expansion)
  Sink: Where results are shown (badges, summary, progress, alerts)

POLLING:
  Every wait is "check, then sleep interval, at most maxRetries times".
  Interval and budget come from Settings, never constants. Sleeping
  goes through clock.Clock so tests run instantly.

SEE ALSO:
  - report/document.go: Page over a saved report document
  - pipeline.go: Uses these helpers in order
*/
package analysis

import (
	"context"
	"log/slog"
	"time"

	"github.com/warp/coverage-audit/coverage"
	"github.com/warp/coverage-audit/internal/clock"
)

// =============================================================================
// INTERFACES
// =============================================================================

// Page is the extraction adapter for one report page.
type Page interface {
	// Location is the page URL.
	Location() string

	// GridPresent reports whether the report grid has rendered.
	GridPresent(ctx context.Context) (bool, error)

	// RowCount is the number of data rows currently rendered.
	RowCount(ctx context.Context) (int, error)

	// ExpandCollapsed expands every collapsed row and returns how many
	// expanded rows still lack their detail cells.
	ExpandCollapsed(ctx context.Context) (pending int, err error)

	// Rows returns the cell text of every data row.
	Rows(ctx context.Context) ([]coverage.Row, error)

	// EntitlementID returns the entitlement the report is filtered to,
	// or "" when the page does not show one.
	EntitlementID(ctx context.Context) (string, error)
}

// Sink renders results. Render failures are never fatal.
type Sink interface {
	RenderBadge(orderID string, status coverage.Status) error
	RenderSummary(entitlementID string, result coverage.Result, ticketed map[string]bool) error
	RenderQueueProgress(processed, total int) error
	RenderSelection(sel Selection) error
	Alert(message string) error
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) RenderBadge(string, coverage.Status) error                    { return nil }
func (NopSink) RenderSummary(string, coverage.Result, map[string]bool) error { return nil }
func (NopSink) RenderQueueProgress(int, int) error                           { return nil }
func (NopSink) RenderSelection(Selection) error                              { return nil }
func (NopSink) Alert(string) error                                           { return nil }

// =============================================================================
// BOUNDED WAITS
// =============================================================================

// Budget bounds a poll loop.
type Budget struct {
	Interval time.Duration
	Attempts int
}

// poll runs check until it reports true, at most b.Attempts times,
// sleeping b.Interval between attempts. It returns the attempts used.
func poll(ctx context.Context, clk clock.Clock, b Budget, check func() (bool, error)) (int, bool, error) {
	attempts := b.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	for i := 1; i <= attempts; i++ {
		ok, err := check()
		if err != nil {
			return i, false, err
		}
		if ok {
			return i, true, nil
		}
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return i, false, ctx.Err()
		case <-clk.After(b.Interval):
		}
	}
	return attempts, false, nil
}

func waitFor(ctx context.Context, page Page, clk clock.Clock, b Budget, stage string, notReady error, check func() (bool, error)) error {
	attempts, ok, err := poll(ctx, clk, b, check)
	if err == nil && !ok {
		err = notReady
	}
	if err != nil {
		return &coverage.ExtractionError{Stage: stage, Location: page.Location(), Attempts: attempts, Err: err}
	}
	return nil
}

// WaitForGridReady polls until the report grid is present.
func WaitForGridReady(ctx context.Context, page Page, clk clock.Clock, b Budget) error {
	return waitFor(ctx, page, clk, b, "grid", coverage.ErrGridNotReady, func() (bool, error) {
		return page.GridPresent(ctx)
	})
}

// WaitForRowsPresent polls until at least one data row is rendered.
func WaitForRowsPresent(ctx context.Context, page Page, clk clock.Clock, b Budget) error {
	return waitFor(ctx, page, clk, b, "rows", coverage.ErrNoRows, func() (bool, error) {
		n, err := page.RowCount(ctx)
		return n > 0, err
	})
}

// ExpandAllRows expands collapsed rows until none is left rendering.
// Coverage periods are only present on expanded rows, so extraction
// must not start before this returns nil.
func ExpandAllRows(ctx context.Context, page Page, clk clock.Clock, b Budget) error {
	return waitFor(ctx, page, clk, b, "expand", coverage.ErrExpansionIncomplete, func() (bool, error) {
		pending, err := page.ExpandCollapsed(ctx)
		return pending == 0, err
	})
}

// ExtractTransactions reads and parses every row. Rows that cannot be
// parsed are logged and excluded; the rest are returned with their raw
// cells for selection tracking.
func ExtractTransactions(ctx context.Context, page Page, logger *slog.Logger) ([]coverage.Transaction, []coverage.Row, []error, error) {
	rows, err := page.Rows(ctx)
	if err != nil {
		return nil, nil, nil, &coverage.ExtractionError{Stage: "extract", Location: page.Location(), Attempts: 1, Err: err}
	}
	txs, excluded := coverage.ParseRows(rows)
	for _, e := range excluded {
		logger.Warn("row excluded from reconciliation", "location", page.Location(), "error", e)
	}
	return txs, rows, excluded, nil
}
