package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Postgres stores keys in a single two-column table.
type Postgres struct {
	Pool  *pgxpool.Pool
	table string
}

// OpenPostgres connects, pings, and creates the table when missing.
func OpenPostgres(ctx context.Context, dsn, table string) (*Postgres, error) {
	if table == "" {
		table = "btpmux_kv"
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("store: invalid table name %q", table)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	p := &Postgres{Pool: pool, table: table}
	if err := p.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// Migrate creates the key/value table when missing.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.Pool.Exec(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (key TEXT PRIMARY KEY, value TEXT NOT NULL, updated_at TIMESTAMPTZ NOT NULL DEFAULT now())`,
		p.table))
	if err != nil {
		return fmt.Errorf("failed to migrate %s: %w", p.table, err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := p.Pool.QueryRow(ctx, fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, p.table), key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get %q: %w", key, err)
	}
	return v, true, nil
}

func (p *Postgres) Put(ctx context.Context, key, value string) error {
	_, err := p.Pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`, p.table),
		key, value)
	if err != nil {
		return fmt.Errorf("failed to put %q: %w", key, err)
	}
	return nil
}

func (p *Postgres) PutIfAbsent(ctx context.Context, key, value string) (string, bool, error) {
	var stored string
	err := p.Pool.QueryRow(ctx, fmt.Sprintf(
		`INSERT INTO %s (key, value) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING RETURNING value`, p.table),
		key, value).Scan(&stored)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", false, fmt.Errorf("failed to insert %q: %w", key, err)
	}
	cur, ok, err := p.Get(ctx, key)
	if err != nil {
		return "", false, err
	}
	if !ok {
		// deleted between the insert and the read
		return p.PutIfAbsent(ctx, key, value)
	}
	return cur, false, nil
}

func (p *Postgres) CompareAndSwap(ctx context.Context, key, old, next string) (bool, error) {
	tag, err := p.Pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET value = $3, updated_at = now() WHERE key = $1 AND value = $2`, p.table),
		key, old, next)
	if err != nil {
		return false, fmt.Errorf("failed to swap %q: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	if _, err := p.Pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, p.table), key); err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

func (p *Postgres) Close() error {
	p.Pool.Close()
	return nil
}
