// Package storetest is the behavioural suite every coverage.Store
// implementation must pass. Backends call Run from their own tests.
package storetest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/coverage-audit/coverage"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) coverage.Store

// Run executes the whole suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("SetGet", func(t *testing.T) { testSetGet(t, newStore(t)) })
	t.Run("MultiKeySet", func(t *testing.T) { testMultiKeySet(t, newStore(t)) })
	t.Run("Remove", func(t *testing.T) { testRemove(t, newStore(t)) })
	t.Run("Subscribe", func(t *testing.T) { testSubscribe(t, newStore(t)) })
	t.Run("UnchangedValueIsSilent", func(t *testing.T) { testUnchanged(t, newStore(t)) })
	t.Run("Unsubscribe", func(t *testing.T) { testUnsubscribe(t, newStore(t)) })
	t.Run("ConcurrentWriters", func(t *testing.T) { testConcurrent(t, newStore(t)) })
}

func testGetMissing(t *testing.T, s coverage.Store) {
	values, err := s.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, values)
}

func testSetGet(t *testing.T, s coverage.Store) {
	ctx := context.Background()

	require.NoError(t, coverage.SetJSON(ctx, s, coverage.KeyActiveRefundJob, "https://host/a"))

	var got string
	ok, err := coverage.GetJSON(ctx, s, coverage.KeyActiveRefundJob, &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "https://host/a", got)

	// Overwrite
	require.NoError(t, coverage.SetJSON(ctx, s, coverage.KeyActiveRefundJob, nil))
	got = "unchanged"
	ok, err = coverage.GetJSON(ctx, s, coverage.KeyActiveRefundJob, &got)
	require.NoError(t, err)
	assert.False(t, ok, "JSON null reads as absent")
	assert.Equal(t, "unchanged", got)
}

func testMultiKeySet(t *testing.T, s coverage.Store) {
	ctx := context.Background()

	values, err := coverage.Encode(map[string]any{
		coverage.KeyRefundQueue:    []string{"u2", "u3"},
		coverage.KeyTotalRefunds:   3,
		coverage.KeyProcessedCount: 1,
	})
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, values))

	got, err := s.Get(ctx, coverage.KeyRefundQueue, coverage.KeyTotalRefunds, coverage.KeyProcessedCount, "absent")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.JSONEq(t, `["u2","u3"]`, string(got[coverage.KeyRefundQueue]))
	assert.JSONEq(t, `3`, string(got[coverage.KeyTotalRefunds]))
}

func testRemove(t *testing.T, s coverage.Store) {
	ctx := context.Background()
	require.NoError(t, coverage.SetJSON(ctx, s, "a", 1))
	require.NoError(t, coverage.SetJSON(ctx, s, "b", 2))

	require.NoError(t, s.Remove(ctx, "a", "missing"))

	got, err := s.Get(ctx, "a", "b")
	require.NoError(t, err)
	assert.NotContains(t, got, "a")
	assert.Contains(t, got, "b")
}

func testSubscribe(t *testing.T, s coverage.Store) {
	// GIVEN: A subscriber
	// WHEN: A key is created, updated and removed
	// THEN: Each transition is delivered with old and new values

	ctx := context.Background()
	var mu sync.Mutex
	var seen []coverage.Change
	cancel := s.Subscribe(func(changes []coverage.Change) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, changes...)
	})
	defer cancel()

	require.NoError(t, coverage.SetJSON(ctx, s, coverage.KeyActiveRefundJob, "u1"))
	require.NoError(t, coverage.SetJSON(ctx, s, coverage.KeyActiveRefundJob, nil))
	require.NoError(t, s.Remove(ctx, coverage.KeyActiveRefundJob))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)

	assert.Equal(t, coverage.KeyActiveRefundJob, seen[0].Key)
	assert.Nil(t, seen[0].Old)
	assert.Equal(t, `"u1"`, string(seen[0].New))

	assert.Equal(t, `"u1"`, string(seen[1].Old))
	assert.Equal(t, `null`, string(seen[1].New))

	assert.Equal(t, `null`, string(seen[2].Old))
	assert.Nil(t, seen[2].New)
}

func testUnchanged(t *testing.T, s coverage.Store) {
	ctx := context.Background()
	require.NoError(t, coverage.SetJSON(ctx, s, "k", map[string]int{"a": 1}))

	calls := 0
	cancel := s.Subscribe(func([]coverage.Change) { calls++ })
	defer cancel()

	require.NoError(t, coverage.SetJSON(ctx, s, "k", map[string]int{"a": 1}))
	assert.Zero(t, calls)
}

func testUnsubscribe(t *testing.T, s coverage.Store) {
	ctx := context.Background()
	calls := 0
	cancel := s.Subscribe(func([]coverage.Change) { calls++ })

	require.NoError(t, coverage.SetJSON(ctx, s, "k", 1))
	cancel()
	require.NoError(t, coverage.SetJSON(ctx, s, "k", 2))

	assert.Equal(t, 1, calls)
}

func testConcurrent(t *testing.T, s coverage.Store) {
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				value, _ := json.Marshal(i*100 + j)
				assert.NoError(t, s.Set(ctx, map[string]json.RawMessage{"shared": value}))
				_, err := s.Get(ctx, "shared")
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	got, err := s.Get(ctx, "shared")
	require.NoError(t, err)
	assert.Contains(t, got, "shared")
}
