package store

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
)

// CostRecord is the spend attributed to one AI response.
type CostRecord struct {
	ID           string    `db:"id"`
	UserID       *string   `db:"user_id"`
	ChatID       *string   `db:"chat_id"`
	Model        string    `db:"model"`
	InputTokens  int64     `db:"input_tokens"`
	OutputTokens int64     `db:"output_tokens"`
	CostUSD      float64   `db:"cost_usd"`
	CreatedAt    time.Time `db:"created_at"`
}

// DailyCost aggregates one UTC day of spend.
type DailyCost struct {
	TotalUSD     float64 `db:"total_usd" json:"total_usd"`
	InputTokens  int64   `db:"input_tokens" json:"input_tokens"`
	OutputTokens int64   `db:"output_tokens" json:"output_tokens"`
	UniqueUsers  int64   `db:"unique_users" json:"unique_users"`
	Requests     int64   `db:"requests" json:"requests"`
}

// UserCost is one user's spend for a day.
type UserCost struct {
	UserID   string  `db:"user_id" json:"user_id"`
	TotalUSD float64 `db:"total_usd" json:"total_usd"`
	Requests int64   `db:"requests" json:"requests"`
}

// RecordAICost inserts rec, filling ID and CreatedAt when unset.
func (s *Store) RecordAICost(ctx context.Context, rec CostRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()

	qry := s.dialect.Insert(TableAICost).Prepared(true).Rows(rec)
	if err := s.exec(ctx, qry); err != nil {
		return fmt.Errorf("store: record ai cost: %w", err)
	}
	return nil
}

func dayRange(day time.Time) (time.Time, time.Time) {
	y, m, d := day.UTC().Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}

// DailyAICostTotal sums the spend for the UTC day containing day.
func (s *Store) DailyAICostTotal(ctx context.Context, day time.Time) (DailyCost, error) {
	start, end := dayRange(day)
	qry := s.dialect.From(TableAICost).Prepared(true).
		Select(
			goqu.L("COALESCE(SUM(cost_usd), 0)").As("total_usd"),
			goqu.L("COALESCE(SUM(input_tokens), 0)").As("input_tokens"),
			goqu.L("COALESCE(SUM(output_tokens), 0)").As("output_tokens"),
			goqu.L("COUNT(DISTINCT user_id)").As("unique_users"),
			goqu.COUNT(goqu.Star()).As("requests"),
		).
		Where(
			goqu.C("created_at").Gte(start),
			goqu.C("created_at").Lt(end),
		)

	var total DailyCost
	if err := s.get(ctx, qry, &total); err != nil {
		return DailyCost{}, fmt.Errorf("store: daily ai cost: %w", err)
	}
	return total, nil
}

// TopUserCosts returns the highest-spending users for the UTC day containing
// day, most expensive first.
func (s *Store) TopUserCosts(ctx context.Context, day time.Time, limit uint) ([]UserCost, error) {
	if limit == 0 {
		limit = 20
	}
	start, end := dayRange(day)
	qry := s.dialect.From(TableAICost).Prepared(true).
		Select(
			goqu.C("user_id"),
			goqu.SUM("cost_usd").As("total_usd"),
			goqu.COUNT(goqu.Star()).As("requests"),
		).
		Where(
			goqu.C("user_id").IsNotNull(),
			goqu.C("created_at").Gte(start),
			goqu.C("created_at").Lt(end),
		).
		GroupBy(goqu.C("user_id")).
		Order(goqu.I("total_usd").Desc()).
		Limit(limit)

	out := make([]UserCost, 0)
	if err := s.fetch(ctx, qry, &out); err != nil {
		return nil, fmt.Errorf("store: top user costs: %w", err)
	}
	return out, nil
}
