/*
Package terminal renders audit results for a human at a terminal.

PURPOSE:
  Sink implements analysis.Sink with lipgloss-styled status badges,
  an entitlement summary, the selection total and alerts. Progress
  implements batch.ProgressSink with a progress bar.

SEE ALSO:
  - analysis/page.go: the Sink interface
  - batch/orchestrator.go: the ProgressSink interface
*/
package terminal

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/warp/coverage-audit/analysis"
	"github.com/warp/coverage-audit/coverage"
)

// Theme holds the colors used for badges and headings.
type Theme struct {
	Clean      lipgloss.Color
	Issues     lipgloss.Color
	Reanalysis lipgloss.Color
	Faint      lipgloss.Color
	Alert      lipgloss.Color
}

// DefaultTheme uses the 256-color palette.
func DefaultTheme() Theme {
	return Theme{
		Clean:      lipgloss.Color("42"),
		Issues:     lipgloss.Color("196"),
		Reanalysis: lipgloss.Color("214"),
		Faint:      lipgloss.Color("245"),
		Alert:      lipgloss.Color("160"),
	}
}

// Sink writes rendered output to w. It is safe for concurrent use.
type Sink struct {
	mu    sync.Mutex
	out   io.Writer
	theme Theme
}

func New(w io.Writer) *Sink {
	return &Sink{out: w, theme: DefaultTheme()}
}

// WithTheme replaces the colors.
func (s *Sink) WithTheme(t Theme) *Sink {
	s.theme = t
	return s
}

func (s *Sink) write(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.out, text)
	return err
}

// =============================================================================
// BADGES
// =============================================================================

// Badge renders the status label shown next to an order.
func (s *Sink) Badge(status coverage.Status) string {
	label, color := "unknown", s.theme.Faint
	switch status {
	case coverage.StatusClean:
		label, color = "✓ clean", s.theme.Clean
	case coverage.StatusIssues:
		label, color = "✗ issues", s.theme.Issues
	case coverage.StatusNeedsReanalysis:
		label, color = "↻ needs reanalysis", s.theme.Reanalysis
	}
	return lipgloss.NewStyle().Foreground(color).Bold(true).Render("[" + label + "]")
}

func (s *Sink) RenderBadge(orderID string, status coverage.Status) error {
	id := lipgloss.NewStyle().Width(16).Render(orderID)
	return s.write("  " + id + " " + s.Badge(status) + "\n")
}

// =============================================================================
// SUMMARY
// =============================================================================

func (s *Sink) RenderSummary(entitlementID string, result coverage.Result, ticketed map[string]bool) error {
	heading := lipgloss.NewStyle().Bold(true).Underline(true)
	faint := lipgloss.NewStyle().Foreground(s.theme.Faint)

	var b strings.Builder
	b.WriteString(heading.Render("Coverage for "+entitlementID) + "\n")

	if len(result.Intervals) == 0 {
		b.WriteString(faint.Render("  no coverage") + "\n")
	}
	for _, iv := range result.Intervals {
		fmt.Fprintf(&b, "  covered %s to %s\n", iv.Start, iv.End)
	}

	if !result.HasIssues() {
		b.WriteString(lipgloss.NewStyle().Foreground(s.theme.Clean).Render("  No gaps or late refunds") + "\n")
		return s.write(b.String())
	}

	issue := lipgloss.NewStyle().Foreground(s.theme.Issues)
	for _, g := range result.Gaps {
		line := fmt.Sprintf("  gap %s to %s (%d days)", g.Start, g.End, g.Days)
		b.WriteString(issue.Render(line) + ticketedMark(faint, ticketed[g.ID()]) + "\n")
	}
	for _, l := range result.LateRefunds {
		line := fmt.Sprintf("  late refund on %s for %s (%d days) %s", l.Refund.SaleDate, l.Original.SaleDate, l.Days, l.Refund.Period.Raw)
		b.WriteString(issue.Render(line) + ticketedMark(faint, ticketed[l.ID()]) + "\n")
	}
	return s.write(b.String())
}

func ticketedMark(style lipgloss.Style, ticketed bool) string {
	if !ticketed {
		return ""
	}
	return " " + style.Render("(ticketed)")
}

// =============================================================================
// SELECTION / QUEUE / ALERTS
// =============================================================================

func (s *Sink) RenderSelection(sel analysis.Selection) error {
	return s.write(fmt.Sprintf("Selected %d of %d rows: %s\n", sel.Selected, sel.Total, sel.Formatted))
}

func (s *Sink) RenderQueueProgress(processed, total int) error {
	return s.write(lipgloss.NewStyle().Foreground(s.theme.Faint).Render(
		fmt.Sprintf("Processing %d of %d", processed, total)) + "\n")
}

func (s *Sink) Alert(message string) error {
	return s.write(lipgloss.NewStyle().Foreground(s.theme.Alert).Bold(true).Render("! "+message) + "\n")
}
