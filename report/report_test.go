package report_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/coverage-audit/analysis"
	"github.com/warp/coverage-audit/config"
	"github.com/warp/coverage-audit/coverage"
	"github.com/warp/coverage-audit/coverage/store"
	"github.com/warp/coverage-audit/internal/clock"
	"github.com/warp/coverage-audit/report"
	"github.com/warp/coverage-audit/status"
)

// =============================================================================
// DOCUMENTS
// =============================================================================

func TestLoad_ValidDocument(t *testing.T) {
	doc, err := report.Load("testdata/aen-gap.json")
	require.NoError(t, err)

	assert.Equal(t, "E-3VA-1001", doc.EntitlementID)
	assert.Len(t, doc.Rows, 4)
	assert.True(t, doc.Rows[1].Collapsed)
	assert.Equal(t, "2023-01-01 to 2023-01-31", doc.Rows[1].MaintenancePeriod)
	assert.Equal(t, 2, doc.Render.GridAfter)
	assert.Equal(t, []string{"AT-1001", "AT-1002", "AT-1003", "AT-1004"}, doc.OrderIDs())
	assert.Equal(t, "/manage/vendors/1212980/reporting/transactions?text=E-3VA-1001", doc.TransactionsURL())
}

func TestParse_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"not json", `{`},
		{"missing rows", `{"url": "x"}`},
		{"unknown field", `{"rows": [], "extra": 1}`},
		{"row missing period", `{"rows": [{"saleDate": "2023-01-01", "saleType": "Renewal"}]}`},
		{"negative delay", `{"rows": [], "render": {"gridAfter": -1}}`},
		{"wrong type", `{"rows": [{"saleDate": "2023-01-01", "saleType": "Renewal", "maintenancePeriod": "x", "collapsed": "yes"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := report.Parse([]byte(tt.json))
			assert.ErrorIs(t, err, report.ErrInvalidDocument)
		})
	}
}

func TestLoadAll_DirectoryInNameOrder(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.json", "a.json", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(`{"rows": []}`), 0o644))
	}

	docs, err := report.LoadAll(dir)
	require.NoError(t, err)

	require.Len(t, docs, 2)
	assert.Equal(t, "file://"+filepath.ToSlash(filepath.Join(dir, "a.json")), docs[0].URL)
	assert.Equal(t, "file://"+filepath.ToSlash(filepath.Join(dir, "b.json")), docs[1].URL)
}

func TestLoadAll_MissingPath(t *testing.T) {
	_, err := report.LoadAll(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

// =============================================================================
// PAGE SIMULATION
// =============================================================================

func TestPage_RenderDelays(t *testing.T) {
	ctx := context.Background()
	doc, err := report.Load("testdata/aen-gap.json")
	require.NoError(t, err)
	page := report.NewPage(doc)

	// Grid appears on the third poll
	for i := 0; i < 2; i++ {
		ok, err := page.GridPresent(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	ok, err := page.GridPresent(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// Rows appear on the second poll
	n, err := page.RowCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = page.RowCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestPage_CollapsedRowsHideDetails(t *testing.T) {
	ctx := context.Background()
	doc, err := report.Load("testdata/aen-gap.json")
	require.NoError(t, err)
	page := report.NewPage(doc)

	// GIVEN: two collapsed rows
	rows, err := page.Rows(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows[1].MaintenancePeriod)
	assert.Empty(t, rows[2].SaleType)

	// WHEN: expanded (one pending poll, then settled)
	pending, err := page.ExpandCollapsed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
	pending, err = page.ExpandCollapsed(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	// THEN: the detail cells are readable
	rows, err = page.Rows(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2023-01-01 to 2023-01-31", rows[1].MaintenancePeriod)
	assert.Equal(t, "Refund", rows[2].SaleType)
}

func TestPage_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	page := report.NewPage(&report.Document{})

	_, err := page.GridPresent(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPage_DrivesPipeline(t *testing.T) {
	ctx := context.Background()
	doc, err := report.Load("testdata/aen-gap.json")
	require.NoError(t, err)
	kv := store.NewMemory()
	pipeline := &analysis.Pipeline{
		Status:   status.New(kv, nil),
		Settings: config.DefaultSettings(),
		Clock:    clock.NewStepping(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
	}

	// WHEN: the document runs through the pipeline
	rep, err := pipeline.Run(ctx, report.NewPage(doc), analysis.RunOptions{})

	// THEN: expansion made every row usable; gap and late refund found
	require.NoError(t, err)
	assert.Len(t, rep.Transactions, 4)
	assert.Empty(t, rep.Excluded)
	require.Len(t, rep.Result.Gaps, 1)
	assert.Equal(t, 28, rep.Result.Gaps[0].Days)
	require.Len(t, rep.Result.LateRefunds, 1)
	assert.Equal(t, coverage.StatusIssues, rep.Stored["AT-1004"])
}

// =============================================================================
// LINKS
// =============================================================================

func TestTransactionsURL(t *testing.T) {
	assert.Equal(t,
		"/manage/vendors/1/reporting/transactions?text=E-1",
		report.TransactionsURL("/manage/vendors/1/reporting/licenses?text=E-1"))
	assert.Equal(t, "/elsewhere", report.TransactionsURL("/elsewhere"))
}

func TestIsTransactionsPage(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://marketplace.atlassian.com/manage/vendors/1/reporting/transactions", true},
		{"https://marketplace.atlassian.com/manage/vendors/1/reporting/transactions?text=E-1", true},
		{"https://Marketplace.Atlassian.com/manage/vendors/1/reporting/transactions", true},
		{"https://marketplace.atlassian.com/manage/vendors/1/reporting/licenses", false},
		{"https://example.com/manage/vendors/1/reporting/transactions", false},
		{"file:///tmp/a.json", false},
		{"::", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, report.IsTransactionsPage(tt.url), tt.url)
	}
}
