package store

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
)

// UsageEvent is one accepted request in a rate-limited namespace.
type UsageEvent struct {
	ID        string    `db:"id"`
	Namespace string    `db:"namespace"`
	Identity  string    `db:"identity"`
	CreatedAt time.Time `db:"created_at"`
}

// CountSince returns how many usage events identity has in namespace at or
// after since.
func (s *Store) CountSince(ctx context.Context, namespace, identity string, since time.Time) (int64, error) {
	var n int64
	if err := s.get(ctx, s.countQuery(namespace, identity, since), &n); err != nil {
		return 0, fmt.Errorf("store: count usage: %w", err)
	}
	return n, nil
}

// Reserve records a usage event for identity unless it already has max
// events at or after since, and returns the count including this event when
// allowed. The check and the insert run in one transaction holding an
// advisory lock on the namespace and identity, so concurrent callers are
// counted one at a time.
func (s *Store) Reserve(ctx context.Context, namespace, identity string, since time.Time, max int64) (count int64, allowed bool, err error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("store: reserve usage: %w", err)
	}
	defer func() {
		if err != nil || !allowed {
			tx.Rollback()
		}
	}()

	lockQry, lockArgs, err := s.dialect.Select(
		goqu.Func("pg_advisory_xact_lock", goqu.Func("hashtext", namespace+":"+identity)),
	).Prepared(true).ToSQL()
	if err != nil {
		return 0, false, err
	}
	if _, err = tx.ExecContext(ctx, lockQry, lockArgs...); err != nil {
		return 0, false, fmt.Errorf("store: lock usage: %w", err)
	}

	countQry, countArgs, err := s.countQuery(namespace, identity, since).ToSQL()
	if err != nil {
		return 0, false, err
	}
	if err = tx.GetContext(ctx, &count, countQry, countArgs...); err != nil {
		return 0, false, fmt.Errorf("store: count usage: %w", err)
	}
	if count >= max {
		return count, false, nil
	}

	insQry, insArgs, err := s.dialect.Insert(TableUsageEvent).Prepared(true).
		Rows(s.newUsageEvent(namespace, identity)).
		ToSQL()
	if err != nil {
		return 0, false, err
	}
	if _, err = tx.ExecContext(ctx, insQry, insArgs...); err != nil {
		return 0, false, fmt.Errorf("store: record usage: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("store: reserve usage: %w", err)
	}
	return count + 1, true, nil
}

// Record inserts a usage event stamped with the current time.
func (s *Store) Record(ctx context.Context, namespace, identity string) error {
	qry := s.dialect.Insert(TableUsageEvent).Prepared(true).Rows(s.newUsageEvent(namespace, identity))
	if err := s.exec(ctx, qry); err != nil {
		return fmt.Errorf("store: record usage: %w", err)
	}
	return nil
}

// PurgeUsageBefore deletes usage events older than cutoff and returns how
// many were removed.
func (s *Store) PurgeUsageBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	sqlQry, args, err := s.dialect.Delete(TableUsageEvent).Prepared(true).
		Where(goqu.C("created_at").Lt(cutoff.UTC())).
		ToSQL()
	if err != nil {
		return 0, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, sqlQry, args...)
	if err != nil {
		return 0, fmt.Errorf("store: purge usage: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) countQuery(namespace, identity string, since time.Time) *goqu.SelectDataset {
	return s.dialect.From(TableUsageEvent).Prepared(true).
		Select(goqu.COUNT(goqu.Star())).
		Where(
			goqu.C("namespace").Eq(namespace),
			goqu.C("identity").Eq(identity),
			goqu.C("created_at").Gte(since.UTC()),
		)
}

func (s *Store) newUsageEvent(namespace, identity string) UsageEvent {
	return UsageEvent{
		ID:        uuid.NewString(),
		Namespace: namespace,
		Identity:  identity,
		CreatedAt: s.now().UTC(),
	}
}
