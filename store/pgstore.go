package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is a Store backed by a single Postgres table. Tables in the Store
// sense map to a tbl column, so one physical table serves every logical
// namespace. Expiry is enforced at read time; Sweep removes dead rows.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects a pgx pool to databaseURL and verifies it with a ping.
func NewPGStore(ctx context.Context, databaseURL string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

// EnsureSchema creates the backing table if it does not exist.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS converse_kv (
			tbl        text NOT NULL,
			key        text NOT NULL,
			value      bytea NOT NULL,
			expires_at timestamptz,
			updated_at timestamptz NOT NULL DEFAULT now(),
			PRIMARY KEY (tbl, key)
		)`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, table, key string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx, `
		SELECT value FROM converse_kv
		WHERE tbl = $1 AND key = $2
		  AND (expires_at IS NULL OR expires_at > now())`,
		table, key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrKeyNotFound, table, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s: %v", ErrLoadFailed, table, key, err)
	}
	return value, nil
}

func (s *PGStore) Set(ctx context.Context, table, key string, value []byte, ttl time.Duration) error {
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().UTC().Add(ttl)
		expiresAt = &t
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO converse_kv (tbl, key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (tbl, key)
		DO UPDATE SET value = $3, expires_at = $4, updated_at = now()`,
		table, key, value, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("%w: %s/%s: %v", ErrSaveFailed, table, key, err)
	}
	return nil
}

func (s *PGStore) Delete(ctx context.Context, table, key string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM converse_kv WHERE tbl = $1 AND key = $2`,
		table, key,
	)
	if err != nil {
		return fmt.Errorf("delete failed: %s/%s: %w", table, key, err)
	}
	return nil
}

func (s *PGStore) Keys(ctx context.Context, table string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT key FROM converse_kv
		WHERE tbl = $1
		  AND (expires_at IS NULL OR expires_at > now())
		ORDER BY key`,
		table,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLoadFailed, table, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrLoadFailed, table, err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLoadFailed, table, err)
	}
	return keys, nil
}

// Sweep deletes expired rows and returns the number removed.
func (s *PGStore) Sweep(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM converse_kv WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close releases the connection pool.
func (s *PGStore) Close() {
	s.pool.Close()
}
