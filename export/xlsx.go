// Package export writes reconciliation reports as XLSX workbooks.
package export

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/warp/coverage-audit/analysis"
)

const (
	sheetTransactions = "Transactions"
	sheetCoverage     = "Coverage"
	sheetFindings     = "Findings"
)

// Exporter produces XLSX workbooks for analysis reports.
type Exporter struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{logger: logger}
}

// XLSX returns the workbook bytes for rep: one sheet of transactions
// with their stored status, one of merged coverage and one of findings.
func (e *Exporter) XLSX(rep *analysis.Report) ([]byte, error) {
	start := time.Now()

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetTransactions); err != nil {
		return nil, err
	}
	for _, name := range []string{sheetCoverage, sheetFindings} {
		if _, err := f.NewSheet(name); err != nil {
			return nil, err
		}
	}

	if err := writeTransactions(f, rep); err != nil {
		return nil, err
	}
	if err := writeCoverage(f, rep); err != nil {
		return nil, err
	}
	if err := writeFindings(f, rep); err != nil {
		return nil, err
	}

	index, _ := f.GetSheetIndex(sheetTransactions)
	f.SetActiveSheet(index)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	e.logger.Info("export.xlsx.ok",
		"entitlement_id", rep.EntitlementID,
		"rows", len(rep.Transactions),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

// WriteFile writes the workbook for rep to path.
func (e *Exporter) WriteFile(path string, rep *analysis.Report) error {
	data, err := e.XLSX(rep)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// =============================================================================
// SHEETS
// =============================================================================

type sheetWriter struct {
	f     *excelize.File
	sheet string
	row   int
	err   error
}

func (w *sheetWriter) line(values ...any) {
	if w.err != nil {
		return
	}
	w.row++
	cell, err := excelize.CoordinatesToCellName(1, w.row)
	if err != nil {
		w.err = err
		return
	}
	w.err = w.f.SetSheetRow(w.sheet, cell, &values)
}

func (w *sheetWriter) header(values ...any) {
	w.line(values...)
	if w.err != nil {
		return
	}
	style, err := w.f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		w.err = err
		return
	}
	last, _ := excelize.CoordinatesToCellName(len(values), w.row)
	w.err = w.f.SetCellStyle(w.sheet, "A1", last, style)
}

func writeTransactions(f *excelize.File, rep *analysis.Report) error {
	w := &sheetWriter{f: f, sheet: sheetTransactions}
	w.header("Order ID", "Sale Date", "Sale Type", "Maintenance Period", "Period Start", "Period End", "Net Amount", "Status")
	for _, tx := range rep.Transactions {
		amount, _ := tx.Amount.Float64()
		w.line(tx.OrderID, tx.SaleDate.String(), string(tx.SaleType), tx.Period.Raw,
			tx.Period.Start.String(), tx.Period.End.String(), amount, string(rep.Stored[tx.OrderID]))
	}
	if w.err != nil {
		return w.err
	}
	_ = f.SetColWidth(sheetTransactions, "A", "A", 16)
	_ = f.SetColWidth(sheetTransactions, "B", "C", 12)
	_ = f.SetColWidth(sheetTransactions, "D", "D", 28)
	_ = f.SetColWidth(sheetTransactions, "E", "H", 14)
	return nil
}

func writeCoverage(f *excelize.File, rep *analysis.Report) error {
	w := &sheetWriter{f: f, sheet: sheetCoverage}
	w.header("Start", "End")
	for _, iv := range rep.Result.Intervals {
		w.line(iv.Start.String(), iv.End.String())
	}
	w.row++
	w.line("Period", "Status", "Renewals", "Refunds", "Last Refund")
	periods := periodsOf(rep)
	sort.Slice(periods, func(i, j int) bool { return periods[i].key < periods[j].key })
	for _, p := range periods {
		w.line(p.key, p.status, p.renewals, p.refunds, p.lastRefund)
	}
	if w.err != nil {
		return w.err
	}
	_ = f.SetColWidth(sheetCoverage, "A", "A", 28)
	_ = f.SetColWidth(sheetCoverage, "B", "E", 16)
	return nil
}

func writeFindings(f *excelize.File, rep *analysis.Report) error {
	w := &sheetWriter{f: f, sheet: sheetFindings}
	w.header("ID", "Kind", "From", "To", "Days", "Period", "Ticketed")
	for _, g := range rep.Result.Gaps {
		w.line(g.ID(), "gap", g.Start.String(), g.End.String(), g.Days, "", rep.Ticketed[g.ID()])
	}
	for _, l := range rep.Result.LateRefunds {
		w.line(l.ID(), "late refund", l.Original.SaleDate.String(), l.Refund.SaleDate.String(), l.Days, l.Refund.Period.Raw, rep.Ticketed[l.ID()])
	}
	if w.err != nil {
		return w.err
	}
	_ = f.SetColWidth(sheetFindings, "A", "A", 56)
	_ = f.SetColWidth(sheetFindings, "B", "G", 14)
	return nil
}

type periodRow struct {
	key        string
	status     string
	renewals   int
	refunds    int
	lastRefund string
}

func periodsOf(rep *analysis.Report) []periodRow {
	out := make([]periodRow, 0, len(rep.Periods))
	for _, p := range rep.Periods {
		last := ""
		if !p.LastRefundDate.IsZero() {
			last = p.LastRefundDate.String()
		}
		st := p.Status
		if stored, ok := rep.PeriodStatus[p.Key]; ok {
			st = stored
		}
		out = append(out, periodRow{
			key:        p.Key,
			status:     string(st),
			renewals:   len(p.RenewalIDs),
			refunds:    len(p.RefundIDs),
			lastRefund: last,
		})
	}
	return out
}
