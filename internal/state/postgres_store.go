package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tontonpaa/EmbedBot/pkg/types"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS engine_meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS slots (
    region_key   TEXT        NOT NULL,
    page_index   INTEGER     NOT NULL,
    location_ref TEXT        NOT NULL,
    retired      BOOLEAN     NOT NULL DEFAULT FALSE,
    updated_at   TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (region_key, page_index)
);`

// PostgresStore keeps state in PostgreSQL, for deployments that already
// run a database next to the bot
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects, pings and ensures the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	log.Info("state database ready", "backend", "postgres")
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Load(ctx context.Context) (*EngineState, error) {
	st := New()

	var anchor string
	err := p.pool.QueryRow(ctx, "SELECT value FROM engine_meta WHERE key = 'anchor'").Scan(&anchor)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return New(), fmt.Errorf("%w: %v", ErrStateCorrupt, err)
	default:
		st.Anchor = types.Anchor(anchor)
	}

	rows, err := p.pool.Query(ctx, "SELECT region_key, page_index, location_ref, retired FROM slots")
	if err != nil {
		return New(), fmt.Errorf("%w: %v", ErrStateCorrupt, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key     types.SlotKey
			ref     string
			retired bool
		)
		if err := rows.Scan(&key.RegionKey, &key.PageIndex, &ref, &retired); err != nil {
			return New(), fmt.Errorf("%w: %v", ErrStateCorrupt, err)
		}
		st.Slots[key] = types.LocationRef(ref)
		if retired {
			st.Retired[key] = true
		}
	}
	if err := rows.Err(); err != nil {
		return New(), fmt.Errorf("%w: %v", ErrStateCorrupt, err)
	}
	return st, nil
}

// Save replaces the whole state in one transaction.
func (p *PostgresStore) Save(ctx context.Context, st *EngineState) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO engine_meta (key, value) VALUES ('anchor', $1)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, string(st.Anchor)); err != nil {
		return fmt.Errorf("failed to save anchor: %w", err)
	}
	if _, err := tx.Exec(ctx, "DELETE FROM slots"); err != nil {
		return fmt.Errorf("failed to clear slots: %w", err)
	}

	batch := &pgx.Batch{}
	now := time.Now().UTC()
	for _, k := range st.Keys() {
		batch.Queue(`
			INSERT INTO slots (region_key, page_index, location_ref, retired, updated_at)
			VALUES ($1, $2, $3, $4, $5)
		`, k.RegionKey, k.PageIndex, string(st.Slots[k]), st.Retired[k], now)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to save slots: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
