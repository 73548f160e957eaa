package export_test

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/warp/coverage-audit/analysis"
	"github.com/warp/coverage-audit/config"
	"github.com/warp/coverage-audit/coverage/store"
	"github.com/warp/coverage-audit/export"
	"github.com/warp/coverage-audit/internal/clock"
	"github.com/warp/coverage-audit/report"
	"github.com/warp/coverage-audit/status"
)

func analyze(t *testing.T, path string) *analysis.Report {
	t.Helper()
	doc, err := report.Load(path)
	require.NoError(t, err)
	pipeline := &analysis.Pipeline{
		Status:   status.New(store.NewMemory(), nil),
		Settings: config.DefaultSettings(),
		Clock:    clock.NewStepping(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	rep, err := pipeline.Run(context.Background(), report.NewPage(doc), analysis.RunOptions{})
	require.NoError(t, err)
	return rep
}

func TestXLSX_Sheets(t *testing.T) {
	rep := analyze(t, "../report/testdata/aen-gap.json")

	// WHEN: the report is exported
	data, err := export.New(nil).XLSX(rep)
	require.NoError(t, err)

	// THEN: each sheet carries its rows
	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{"Transactions", "Coverage", "Findings"}, f.GetSheetList())

	txs, err := f.GetRows("Transactions")
	require.NoError(t, err)
	require.Len(t, txs, 5)
	assert.Equal(t, "Order ID", txs[0][0])
	assert.Equal(t, "AT-1001", txs[1][0])
	assert.Equal(t, "issues", txs[1][7])
	for _, row := range txs[1:] {
		require.Len(t, row, 8, "every transaction carries its stored status")
		assert.Equal(t, "issues", row[7], row[0])
	}

	findings, err := f.GetRows("Findings")
	require.NoError(t, err)
	require.Len(t, findings, 3)
	assert.Equal(t, "gap-2023-02-01-2023-02-28", findings[1][0])
	assert.Equal(t, "28", findings[1][4])
	assert.Equal(t, "late refund", findings[2][1])

	cov, err := f.GetRows("Coverage")
	require.NoError(t, err)
	assert.Equal(t, []string{"2023-01-01", "2023-01-31"}, cov[1])

	periodStatus := map[string]string{}
	for _, row := range cov {
		if len(row) >= 2 && strings.Contains(row[0], " to ") {
			periodStatus[row[0]] = row[1]
		}
	}
	assert.Equal(t, map[string]string{
		"2023-01-01 to 2023-01-31": "issues",
		"2023-03-01 to 2023-03-31": "issues",
	}, periodStatus)
}

func TestWriteFile(t *testing.T) {
	rep := analyze(t, "../report/testdata/aen-clean.json")
	path := filepath.Join(t.TempDir(), "clean.xlsx")

	require.NoError(t, export.New(nil).WriteFile(path, rep))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	findings, err := f.GetRows("Findings")
	require.NoError(t, err)
	assert.Len(t, findings, 1)
}
