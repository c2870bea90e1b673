package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"kite-terminal/internal/models"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens or creates the database at dbPath. ":memory:" gives a
// private in-memory database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"
	if dbPath == ":memory:" {
		dsn = dbPath
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dbPath == ":memory:" {
		// every pooled connection would get its own empty database
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(time.Hour)
	}

	store, err := NewSQLiteStoreFromDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStoreFromDB wraps an open database and ensures the schema exists.
func NewSQLiteStoreFromDB(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Every order mutation attempt and its outcome
	CREATE TABLE IF NOT EXISTS mutations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		outcome TEXT NOT NULL,
		payload TEXT,
		error TEXT,
		at DATETIME NOT NULL
	);

	-- Watchlists of instrument keys
	CREATE TABLE IF NOT EXISTS watchlist (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		instrument_key TEXT NOT NULL,
		list_name TEXT NOT NULL DEFAULT 'default',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(instrument_key, list_name)
	);

	CREATE INDEX IF NOT EXISTS idx_mutations_order ON mutations(order_id);
	CREATE INDEX IF NOT EXISTS idx_mutations_at ON mutations(at);
	CREATE INDEX IF NOT EXISTS idx_watchlist_list ON watchlist(list_name);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// Journal Methods
// ============================================================================

// Record appends a mutation attempt. A zero At is stamped with the current time.
func (s *SQLiteStore) Record(ctx context.Context, e models.JournalEntry) error {
	if e.At.IsZero() {
		e.At = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mutations (order_id, action, outcome, payload, error, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.OrderID, e.Action, e.Outcome, e.Payload, e.Error, e.At.UTC())
	if err != nil {
		return fmt.Errorf("failed to record mutation: %w", err)
	}
	return nil
}

// List retrieves journal entries, newest first.
func (s *SQLiteStore) List(ctx context.Context, filter JournalFilter) ([]models.JournalEntry, error) {
	query := "SELECT id, order_id, action, outcome, payload, error, at FROM mutations WHERE 1=1"
	args := []interface{}{}

	if filter.OrderID != "" {
		query += " AND order_id = ?"
		args = append(args, filter.OrderID)
	}
	if filter.Action != "" {
		query += " AND action = ?"
		args = append(args, filter.Action)
	}
	if filter.Outcome != "" {
		query += " AND outcome = ?"
		args = append(args, filter.Outcome)
	}
	if !filter.Since.IsZero() {
		query += " AND at >= ?"
		args = append(args, filter.Since.UTC())
	}

	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []models.JournalEntry
	for rows.Next() {
		var e models.JournalEntry
		var payload, errText sql.NullString
		if err := rows.Scan(&e.ID, &e.OrderID, &e.Action, &e.Outcome, &payload, &errText, &e.At); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		e.Payload = payload.String
		e.Error = errText.String
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// ============================================================================
// Watchlist Methods
// ============================================================================

// AddToWatchlist adds an instrument to a watchlist.
func (s *SQLiteStore) AddToWatchlist(ctx context.Context, instrumentKey, listName string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO watchlist (instrument_key, list_name) VALUES (?, ?)
	`, instrumentKey, listOrDefault(listName))
	if err != nil {
		return fmt.Errorf("failed to add to watchlist: %w", err)
	}
	return nil
}

// RemoveFromWatchlist removes an instrument from a watchlist.
func (s *SQLiteStore) RemoveFromWatchlist(ctx context.Context, instrumentKey, listName string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM watchlist WHERE instrument_key = ? AND list_name = ?
	`, instrumentKey, listOrDefault(listName))
	if err != nil {
		return fmt.Errorf("failed to remove from watchlist: %w", err)
	}
	return nil
}

// GetWatchlist retrieves the instruments of a watchlist in insertion order.
func (s *SQLiteStore) GetWatchlist(ctx context.Context, listName string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instrument_key FROM watchlist WHERE list_name = ? ORDER BY id ASC
	`, listOrDefault(listName))
	if err != nil {
		return nil, fmt.Errorf("failed to query watchlist: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan instrument: %w", err)
		}
		keys = append(keys, key)
	}

	return keys, rows.Err()
}

// GetAllWatchlists retrieves all watchlists.
func (s *SQLiteStore) GetAllWatchlists(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT list_name, instrument_key FROM watchlist ORDER BY list_name, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query watchlists: %w", err)
	}
	defer rows.Close()

	watchlists := make(map[string][]string)
	for rows.Next() {
		var listName, key string
		if err := rows.Scan(&listName, &key); err != nil {
			return nil, fmt.Errorf("failed to scan watchlist entry: %w", err)
		}
		watchlists[listName] = append(watchlists[listName], key)
	}

	return watchlists, rows.Err()
}

func listOrDefault(name string) string {
	if name == "" {
		return DefaultWatchlist
	}
	return name
}
