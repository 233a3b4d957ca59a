package state

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tontonpaa/EmbedBot/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore keeps state in a SQLite database
type SQLiteStore struct {
	conn    *sql.DB
	writeMu sync.Mutex // serializes writers; SQLite allows one at a time
}

// OpenSQLite opens (and creates) the database at path with WAL enabled.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := conn.ExecContext(ctx, schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	log.Info("state database ready", "backend", "sqlite", "path", path)
	return &SQLiteStore{conn: conn}, nil
}

// Load reads anchor and slots. Query failures are reported as corruption so
// the engine starts from an empty state.
func (s *SQLiteStore) Load(ctx context.Context) (*EngineState, error) {
	st := New()

	var anchor string
	err := s.conn.QueryRowContext(ctx, "SELECT value FROM engine_meta WHERE key = 'anchor'").Scan(&anchor)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return New(), fmt.Errorf("%w: %v", ErrStateCorrupt, err)
	default:
		st.Anchor = types.Anchor(anchor)
	}

	rows, err := s.conn.QueryContext(ctx, "SELECT region_key, page_index, location_ref, retired FROM slots")
	if err != nil {
		return New(), fmt.Errorf("%w: %v", ErrStateCorrupt, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key     types.SlotKey
			ref     string
			retired int
		)
		if err := rows.Scan(&key.RegionKey, &key.PageIndex, &ref, &retired); err != nil {
			return New(), fmt.Errorf("%w: %v", ErrStateCorrupt, err)
		}
		st.Slots[key] = types.LocationRef(ref)
		if retired != 0 {
			st.Retired[key] = true
		}
	}
	if err := rows.Err(); err != nil {
		return New(), fmt.Errorf("%w: %v", ErrStateCorrupt, err)
	}
	return st, nil
}

// Save replaces all rows inside one transaction.
func (s *SQLiteStore) Save(ctx context.Context, st *EngineState) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO engine_meta (key, value) VALUES ('anchor', ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, string(st.Anchor)); err != nil {
		return fmt.Errorf("failed to save anchor: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM slots"); err != nil {
		return fmt.Errorf("failed to clear slots: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO slots (region_key, page_index, location_ref, retired, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare slot statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, k := range st.Keys() {
		retired := 0
		if st.Retired[k] {
			retired = 1
		}
		if _, err := stmt.ExecContext(ctx, k.RegionKey, k.PageIndex, string(st.Slots[k]), retired, now); err != nil {
			return fmt.Errorf("failed to save slot %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}
