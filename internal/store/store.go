// Package store is the durable system of record: usage events backing the
// rate limit fallback path, and AI cost rows.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bossbrainz/guardrail/config"
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

const (
	TableUsageEvent = "usage_event"
	TableAICost     = "ai_cost_log"
)

// ErrNotConfigured is returned by Open when no DSN is set.
var ErrNotConfigured = errors.New("store: database dsn is not configured")

// Store wraps the Postgres connection pool.
type Store struct {
	db           *sqlx.DB
	dialect      goqu.DialectWrapper
	queryTimeout time.Duration
	now          func() time.Time
}

// Open connects with the pgx driver and verifies the connection.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	s, err := Connect(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Ping(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return s, nil
}

// Connect prepares the pgx connection pool without contacting the database.
// Connections are made on first use and re-made after failures, so a store
// created while the database is down starts working once it answers.
func Connect(cfg config.DatabaseConfig) (*Store, error) {
	if cfg.DSN == "" {
		return nil, ErrNotConfigured
	}

	db, err := sqlx.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return New(db, cfg.QueryTimeout), nil
}

// New wraps an existing connection. A non-positive queryTimeout defaults to 2s.
func New(db *sqlx.DB, queryTimeout time.Duration) *Store {
	if queryTimeout <= 0 {
		queryTimeout = 2 * time.Second
	}
	return &Store{
		db:           db,
		dialect:      goqu.Dialect("postgres"),
		queryTimeout: queryTimeout,
		now:          time.Now,
	}
}

// Ping checks that the database answers within the query timeout.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close closes the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.queryTimeout)
}

func (s *Store) exec(ctx context.Context, qry interface {
	ToSQL() (string, []any, error)
}) error {
	sqlQry, args, err := qry.ToSQL()
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err = s.db.ExecContext(ctx, sqlQry, args...)
	return err
}

func (s *Store) get(ctx context.Context, qry *goqu.SelectDataset, target any) error {
	sqlQry, args, err := qry.ToSQL()
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.db.GetContext(ctx, target, sqlQry, args...)
}

func (s *Store) fetch(ctx context.Context, qry *goqu.SelectDataset, target any) error {
	sqlQry, args, err := qry.ToSQL()
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.db.SelectContext(ctx, target, sqlQry, args...)
}
