package sqlite_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/coverage-audit/coverage"
	"github.com/warp/coverage-audit/coverage/store/storetest"
	"github.com/warp/coverage-audit/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) coverage.Store {
		return newTestStore(t)
	})
}

func TestParseDialect(t *testing.T) {
	tests := map[string]sqlite.Dialect{
		"":           sqlite.DialectSQLite,
		"SQLite":     sqlite.DialectSQLite,
		"postgres":   sqlite.DialectPostgres,
		"postgresql": sqlite.DialectPostgres,
		"mysql":      sqlite.DialectMySQL,
		"mariadb":    sqlite.DialectMySQL,
	}
	for in, want := range tests {
		got, err := sqlite.ParseDialect(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := sqlite.ParseDialect("oracle")
	assert.Error(t, err)
}

// =============================================================================
// CROSS-PROCESS WATCH
// =============================================================================

func TestSQLite_Watch_SeesOtherWriters(t *testing.T) {
	// GIVEN: Two Store handles on one database file (two "processes")
	// WHEN: The second writes a key while the first is watching
	// THEN: The first publishes that change to its subscribers

	path := filepath.Join(t.TempDir(), "audit.db")
	watcher, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { watcher.Close() })
	writer, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { writer.Close() })

	got := make(chan coverage.Change, 256)
	watcher.Subscribe(func(changes []coverage.Change) {
		for _, c := range changes {
			got <- c
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		watcher.Watch(ctx, 10*time.Millisecond)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	// The first poll only takes a baseline, so keep writing fresh values
	// until one is reported.
	deadline := time.After(2 * time.Second)
	for i := 0; ; i++ {
		require.NoError(t, coverage.SetJSON(context.Background(), writer, coverage.KeyActiveRefundJob, i))
		select {
		case c := <-got:
			assert.Equal(t, coverage.KeyActiveRefundJob, c.Key)
			assert.NotNil(t, c.New)
			return
		case <-deadline:
			t.Fatal("watch did not publish the external write")
		case <-time.After(25 * time.Millisecond):
		}
	}
}
