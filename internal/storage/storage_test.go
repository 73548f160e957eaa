package storage_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/coverage-audit/config"
	"github.com/warp/coverage-audit/coverage"
	"github.com/warp/coverage-audit/internal/storage"
)

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		driver string
		dsn    string
	}{
		{"memory", ""},
		{"file", filepath.Join(dir, "kv.json")},
		{"sqlite", filepath.Join(dir, "kv.db")},
	}
	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			ctx := context.Background()
			cfg := config.Default()
			cfg.Storage.Driver = tt.driver
			cfg.Storage.DSN = tt.dsn

			kv, closeFn, err := storage.Open(ctx, cfg, nil)
			require.NoError(t, err)

			require.NoError(t, coverage.SetJSON(ctx, kv, coverage.KeyRefundQueue, []string{"u1"}))
			var queue []string
			ok, err := coverage.GetJSON(ctx, kv, coverage.KeyRefundQueue, &queue)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, []string{"u1"}, queue)
			assert.NoError(t, closeFn())
		})
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Driver = "oracle"
	_, _, err := storage.Open(context.Background(), cfg, nil)
	assert.Error(t, err)
}
