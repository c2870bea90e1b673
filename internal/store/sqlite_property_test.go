package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kite-terminal/internal/models"
)

func newMemoryStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestJournal_RecordAndList(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t)
	base := time.Date(2024, 3, 4, 4, 0, 0, 0, time.UTC)

	entries := []models.JournalEntry{
		{OrderID: "a", Action: "adjust", Outcome: "ok", Payload: `{"quantity":50}`, At: base},
		{OrderID: "b", Action: "exit", Outcome: "rejected", Error: "circuit limit", At: base.Add(time.Minute)},
		{OrderID: "a", Action: "exit", Outcome: "unknown", At: base.Add(2 * time.Minute)},
		{Action: "exit_all", Outcome: "ok", At: base.Add(3 * time.Minute)},
	}
	for _, e := range entries {
		require.NoError(t, s.Record(ctx, e))
	}

	all, err := s.List(ctx, JournalFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "exit_all", all[0].Action)
	assert.Equal(t, "adjust", all[3].Action)
	assert.Equal(t, `{"quantity":50}`, all[3].Payload)
	assert.True(t, all[3].At.Equal(base))
	assert.Greater(t, all[0].ID, all[3].ID)

	forA, err := s.List(ctx, JournalFilter{OrderID: "a"})
	require.NoError(t, err)
	require.Len(t, forA, 2)
	assert.Equal(t, "unknown", forA[0].Outcome)

	rejected, err := s.List(ctx, JournalFilter{Outcome: "rejected"})
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, "circuit limit", rejected[0].Error)

	recent, err := s.List(ctx, JournalFilter{Since: base.Add(2 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	limited, err := s.List(ctx, JournalFilter{Action: "exit", Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "a", limited[0].OrderID)
}

func TestJournal_StampsMissingTime(t *testing.T) {
	s := newMemoryStore(t)
	fixed := time.Date(2024, 3, 4, 5, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	require.NoError(t, s.Record(context.Background(), models.JournalEntry{OrderID: "x", Action: "hold", Outcome: "ok"}))
	got, err := s.List(context.Background(), JournalFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].At.Equal(fixed))
}

func TestWatchlist(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t)

	require.NoError(t, s.AddToWatchlist(ctx, "NSE:2885", ""))
	require.NoError(t, s.AddToWatchlist(ctx, "NSE:1594", ""))
	require.NoError(t, s.AddToWatchlist(ctx, "NSE:2885", ""))
	require.NoError(t, s.AddToWatchlist(ctx, "NFO:43210", "options"))

	keys, err := s.GetWatchlist(ctx, DefaultWatchlist)
	require.NoError(t, err)
	assert.Equal(t, []string{"NSE:2885", "NSE:1594"}, keys)

	require.NoError(t, s.RemoveFromWatchlist(ctx, "NSE:2885", ""))
	all, err := s.GetAllWatchlists(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"default": {"NSE:1594"},
		"options": {"NFO:43210"},
	}, all)

	empty, err := s.GetWatchlist(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

// Feature: mutation-journal, Property: every recorded attempt is listed back newest first
func TestProperty_JournalRoundTrip(t *testing.T) {
	s := newMemoryStore(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)
	run := 0

	properties.Property("recorded entries come back in reverse order", prop.ForAll(
		func(actions []string) bool {
			ctx := context.Background()
			run++
			orderID := fmt.Sprintf("order-%d", run)
			for _, a := range actions {
				if err := s.Record(ctx, models.JournalEntry{OrderID: orderID, Action: a, Outcome: "ok"}); err != nil {
					return false
				}
			}

			got, err := s.List(ctx, JournalFilter{OrderID: orderID})
			if err != nil || len(got) != len(actions) {
				return false
			}
			for i, e := range got {
				if e.Action != actions[len(actions)-1-i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.OneConstOf("place", "adjust", "exit", "reopen", "hold", "resume")),
	))

	properties.TestingRun(t)
}
