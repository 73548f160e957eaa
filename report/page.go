package report

import (
	"context"
	"sync"

	"github.com/warp/coverage-audit/coverage"
)

// Page is a Document seen through analysis.Page. Each call advances the
// simulated render by one poll.
type Page struct {
	doc *Document

	mu          sync.Mutex
	gridPolls   int
	rowPolls    int
	expandPolls int
	expanded    bool
}

func NewPage(doc *Document) *Page { return &Page{doc: doc} }

func (p *Page) Document() *Document { return p.doc }

func (p *Page) Location() string { return p.doc.URL }

func (p *Page) GridPresent(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gridPolls++
	return p.gridPolls > p.doc.Render.GridAfter, nil
}

func (p *Page) RowCount(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rowPolls++
	if p.rowPolls <= p.doc.Render.RowsAfter {
		return 0, nil
	}
	return len(p.doc.Rows), nil
}

// ExpandCollapsed expands every collapsed row. Their detail cells show
// up after Render.ExpandAfter further calls.
func (p *Page) ExpandCollapsed(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	collapsed := 0
	for _, r := range p.doc.Rows {
		if r.Collapsed {
			collapsed++
		}
	}
	if collapsed == 0 || p.expanded {
		return 0, nil
	}
	p.expandPolls++
	if p.expandPolls <= p.doc.Render.ExpandAfter {
		return collapsed, nil
	}
	p.expanded = true
	return 0, nil
}

// Rows returns the grid. Collapsed rows that were never expanded lack
// their sale type and maintenance period.
func (p *Page) Rows(ctx context.Context) ([]coverage.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	rows := make([]coverage.Row, len(p.doc.Rows))
	for i, r := range p.doc.Rows {
		rows[i] = r.Row
		if r.Collapsed && !p.expanded {
			rows[i].SaleType = ""
			rows[i].MaintenancePeriod = ""
		}
	}
	return rows, nil
}

func (p *Page) EntitlementID(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return p.doc.EntitlementID, nil
}
