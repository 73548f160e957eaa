/*
pipeline.go - One report page, end to end

PURPOSE:
  Runs every stage for one page in order: wait for the grid, wait for
  rows, expand, extract, reconcile, persist statuses, render, and ticket
  according to the autoTicketing setting. Stages never overlap.

FAILURE POLICY:
  - A row that cannot be parsed is logged and excluded.
  - Extraction, missing entitlement and store failures abort the run.
  - Interactive runs alert the operator; automated runs only log.
  - Render failures are logged and ignored.

TICKETING MODES:
  manual    nothing happens unless the run asks for a ticket
  analysis  a draft is composed and returned, nothing is submitted
  prefill   the draft is submitted and its ids marked as ticketed

SEE ALSO:
  - page.go: Page, Sink and the bounded waits
  - batch/worker.go: Runs this pipeline unattended
*/
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/warp/coverage-audit/config"
	"github.com/warp/coverage-audit/coverage"
	"github.com/warp/coverage-audit/internal/clock"
	"github.com/warp/coverage-audit/status"
	"github.com/warp/coverage-audit/ticket"
)

// Pipeline holds the collaborators a page run needs.
type Pipeline struct {
	Status   *status.Store
	Filer    *ticket.Filer
	Sink     Sink
	Settings config.Settings
	Clock    clock.Clock
	Logger   *slog.Logger

	// Session is optional; when set, selection is tracked across runs.
	Session *Session
}

// RunOptions select how a run behaves.
type RunOptions struct {
	// Automated marks unattended runs (batch workers): no alerts, and
	// rows are always expanded.
	Automated bool

	// FileTicket submits a ticket for new findings regardless of the
	// autoTicketing mode (the Process and File Ticket buttons).
	FileTicket bool
}

// Report is the outcome of one run.
type Report struct {
	EntitlementID string                   `json:"entitlementId"`
	Location      string                   `json:"location"`
	Transactions  []coverage.Transaction   `json:"transactions"`
	Excluded      []string                 `json:"excluded,omitempty"`
	Result        coverage.Result          `json:"result"`
	Periods       []coverage.PeriodSummary `json:"periods"`

	// Stored maps each order id to the status persisted for its period.
	Stored map[string]coverage.Status `json:"stored"`

	// PeriodStatus maps period keys to their persisted status.
	PeriodStatus map[string]coverage.Status `json:"periodStatus"`

	Ticketed  map[string]bool `json:"ticketed"`
	Draft     *ticket.Draft   `json:"draft,omitempty"`
	Submitted bool            `json:"submitted"`
	Selection *Selection      `json:"selection,omitempty"`
	Elapsed   time.Duration   `json:"elapsedNs"`
}

// Run processes one page.
func (p *Pipeline) Run(ctx context.Context, page Page, opts RunOptions) (*Report, error) {
	clk := p.clock()
	logger := p.logger().With("location", page.Location(), "automated", opts.Automated)
	started := clk.Now()

	report, err := p.run(ctx, page, opts, logger)
	if err != nil {
		logger.Error("analysis failed", "error", err)
		if !opts.Automated {
			p.alert(logger, failureMessage(err))
		}
		return report, err
	}

	report.Elapsed = clk.Now().Sub(started)
	logger.Info("analysis complete",
		"entitlement_id", report.EntitlementID,
		"transactions", len(report.Transactions),
		"gaps", len(report.Result.Gaps),
		"late_refunds", len(report.Result.LateRefunds),
		"elapsed_ms", report.Elapsed.Milliseconds())
	return report, nil
}

func (p *Pipeline) run(ctx context.Context, page Page, opts RunOptions, logger *slog.Logger) (*Report, error) {
	clk := p.clock()
	retry := Budget{Interval: p.Settings.RetryInterval(), Attempts: p.Settings.MaxRetries}
	expand := Budget{Interval: p.Settings.PollInterval(), Attempts: p.Settings.MaxRetries}

	if p.Session != nil {
		p.Session.Navigate(page.Location())
	}

	// Extraction
	if err := WaitForGridReady(ctx, page, clk, retry); err != nil {
		return nil, err
	}
	if err := WaitForRowsPresent(ctx, page, clk, retry); err != nil {
		return nil, err
	}
	if opts.Automated || p.Settings.AutoExpand {
		if err := ExpandAllRows(ctx, page, clk, expand); err != nil {
			return nil, err
		}
	}
	txs, rows, excluded, err := ExtractTransactions(ctx, page, logger)
	if err != nil {
		return nil, err
	}

	report := &Report{Location: page.Location(), Transactions: txs}
	for _, e := range excluded {
		report.Excluded = append(report.Excluded, e.Error())
	}
	if p.Session != nil {
		p.Session.SetRows(rows)
		sel := p.Session.Selection()
		report.Selection = &sel
		p.render(logger, "selection", p.sink().RenderSelection(sel))
		p.Session.MarkInitialized()
	}

	entitlementID, err := page.EntitlementID(ctx)
	if err != nil {
		return report, &coverage.ExtractionError{Stage: "extract", Location: page.Location(), Attempts: 1, Err: err}
	}
	if entitlementID == "" {
		return report, coverage.ErrMissingEntitlement
	}
	report.EntitlementID = entitlementID

	// Reconciliation
	report.Result = coverage.Reconcile(txs, coverage.Options{GraceDays: p.Settings.LateRefundGraceDays})
	report.Periods = coverage.GroupPeriods(txs, report.Result)

	// Persistence
	updates := make([]status.PeriodUpdate, 0, len(report.Periods))
	for _, summary := range report.Periods {
		updates = append(updates, status.UpdateFromSummary(summary))
	}
	report.PeriodStatus, err = p.Status.UpsertPeriods(ctx, entitlementID, updates)
	if err != nil {
		return report, fmt.Errorf("persist statuses for %s: %w", entitlementID, err)
	}
	report.Stored = make(map[string]coverage.Status)
	for _, summary := range report.Periods {
		st := report.PeriodStatus[summary.Key]
		for _, id := range summary.OrderIDs() {
			report.Stored[id] = st
			p.render(logger, "badge", p.sink().RenderBadge(id, st))
		}
	}

	// Ticketing
	if err := p.ticket(ctx, report, opts); err != nil {
		return report, err
	}

	report.Ticketed, err = p.Status.TicketedIDs(ctx, entitlementID)
	if err != nil {
		return report, err
	}
	p.render(logger, "summary", p.sink().RenderSummary(entitlementID, report.Result, report.Ticketed))
	return report, nil
}

func (p *Pipeline) ticket(ctx context.Context, report *Report, opts RunOptions) error {
	if !report.Result.HasIssues() {
		return nil
	}
	mode := p.Settings.AutoTicketing
	submit := opts.FileTicket || mode == config.TicketPrefill

	if submit {
		if p.Filer == nil {
			return errors.New("ticket filing is not configured")
		}
		draft, err := p.Filer.File(ctx, report.EntitlementID, report.Result, opts.Automated)
		if err != nil {
			return err
		}
		report.Draft = draft
		report.Submitted = draft != nil
		if draft == nil && !opts.Automated && opts.FileTicket {
			p.alert(p.logger(), "Every gap and late refund for "+report.EntitlementID+" is already ticketed.")
		}
		return nil
	}

	if mode == config.TicketAnalysis {
		ticketed, err := p.Status.TicketedIDs(ctx, report.EntitlementID)
		if err != nil {
			return err
		}
		report.Draft, _ = ticket.New(report.EntitlementID, report.Result, ticketed, p.Settings.LateRefundGraceDays)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (p *Pipeline) render(logger *slog.Logger, what string, err error) {
	if err != nil {
		logger.Warn("render failed", "what", what, "error", err)
	}
}

func (p *Pipeline) alert(logger *slog.Logger, message string) {
	if err := p.sink().Alert(message); err != nil {
		logger.Warn("alert failed", "error", err)
	}
}

func (p *Pipeline) sink() Sink {
	if p.Sink != nil {
		return p.Sink
	}
	return NopSink{}
}

func (p *Pipeline) clock() clock.Clock {
	if p.Clock != nil {
		return p.Clock
	}
	return clock.Real()
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func failureMessage(err error) string {
	switch {
	case errors.Is(err, coverage.ErrGridNotReady), errors.Is(err, coverage.ErrNoRows):
		return "The transactions report did not finish loading. Reload the page and try again."
	case errors.Is(err, coverage.ErrExpansionIncomplete):
		return "Some rows did not finish expanding, so coverage periods could not be read."
	case errors.Is(err, coverage.ErrMissingEntitlement):
		return "Filter the report to a single entitlement before running the analysis."
	case errors.Is(err, coverage.ErrStore):
		return "Saving the analysis failed: " + err.Error()
	}
	return "Analysis failed: " + err.Error()
}
