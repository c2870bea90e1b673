// Package store persists the mutation journal and instrument watchlists.
package store

import (
	"context"
	"time"

	"kite-terminal/internal/models"
)

// Store defines the persistence the terminal needs.
type Store interface {
	// Journal
	Record(ctx context.Context, e models.JournalEntry) error
	List(ctx context.Context, filter JournalFilter) ([]models.JournalEntry, error)

	// Watchlist
	AddToWatchlist(ctx context.Context, instrumentKey, listName string) error
	RemoveFromWatchlist(ctx context.Context, instrumentKey, listName string) error
	GetWatchlist(ctx context.Context, listName string) ([]string, error)
	GetAllWatchlists(ctx context.Context) (map[string][]string, error)

	// Lifecycle
	Close() error
}

// DefaultWatchlist is the list used when none is named.
const DefaultWatchlist = "default"

// JournalFilter represents filters for querying journal entries.
// Entries are returned newest first.
type JournalFilter struct {
	OrderID string
	Action  string
	Outcome string
	Since   time.Time
	Limit   int
}
