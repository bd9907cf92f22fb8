package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresOutbox persists undelivered entries in PostgreSQL.
type PostgresOutbox struct {
	pool *pgxpool.Pool
}

func NewPostgresOutbox(ctx context.Context, databaseURL string) (*PostgresOutbox, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresOutbox{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS outbox_entries (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			key TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload BYTEA NOT NULL,
			attempts INT NOT NULL DEFAULT 0,
			enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_tried_at TIMESTAMPTZ
		);`,
		`ALTER TABLE outbox_entries ADD COLUMN IF NOT EXISTS last_tried_at TIMESTAMPTZ;`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_entries_key_seq ON outbox_entries (key, seq);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (o *PostgresOutbox) Enqueue(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now().UTC()
	}
	_, err := o.pool.Exec(ctx,
		`INSERT INTO outbox_entries (id, key, kind, payload, attempts, enqueued_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.Key, e.Kind, e.Payload, e.Attempts, e.EnqueuedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue outbox entry: %w", err)
	}
	return nil
}

func (o *PostgresOutbox) Pending(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := o.pool.Query(ctx,
		`SELECT id, key, kind, payload, attempts, enqueued_at, last_tried_at
		 FROM outbox_entries ORDER BY seq LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending entries: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		var lastTried *time.Time
		if err := rows.Scan(&e.ID, &e.Key, &e.Kind, &e.Payload, &e.Attempts, &e.EnqueuedAt, &lastTried); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		if lastTried != nil {
			e.LastTriedAt = *lastTried
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}
	return entries, nil
}

func (o *PostgresOutbox) Ack(ctx context.Context, id string) error {
	tag, err := o.pool.Exec(ctx, `DELETE FROM outbox_entries WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("ack outbox entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (o *PostgresOutbox) Fail(ctx context.Context, id string) error {
	tag, err := o.pool.Exec(ctx,
		`UPDATE outbox_entries SET attempts = attempts + 1, last_tried_at = now() WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("mark outbox entry failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (o *PostgresOutbox) Depth(ctx context.Context) (int, error) {
	var n int
	if err := o.pool.QueryRow(ctx, `SELECT count(*) FROM outbox_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count outbox entries: %w", err)
	}
	return n, nil
}

func (o *PostgresOutbox) Close() error {
	o.pool.Close()
	return nil
}
