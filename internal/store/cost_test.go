package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestRecordAICost(t *testing.T) {
	s, mock := newMockStore(t)
	user := "user-1"

	mock.ExpectExec(`INSERT INTO "ai_cost_log" \(.*"cost_usd".*"user_id"\)`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.RecordAICost(context.Background(), CostRecord{
		UserID:       &user,
		Model:        "google/gemini-2.5-flash",
		InputTokens:  1200,
		OutputTokens: 300,
		CostUSD:      0.00111,
	})
	if err != nil {
		t.Fatalf("RecordAICost: %v", err)
	}
}

func TestDailyAICostTotal(t *testing.T) {
	s, mock := newMockStore(t)
	start := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT COALESCE\(SUM\(cost_usd\), 0\) AS "total_usd", .* FROM "ai_cost_log" WHERE \(\("created_at" >= \$1\) AND \("created_at" < \$2\)\)`).
		WithArgs(start, start.AddDate(0, 0, 1)).
		WillReturnRows(sqlmock.NewRows([]string{"total_usd", "input_tokens", "output_tokens", "unique_users", "requests"}).
			AddRow(51.25, 100000, 40000, 12, 340))

	total, err := s.DailyAICostTotal(context.Background(), fixedNow)
	if err != nil {
		t.Fatalf("DailyAICostTotal: %v", err)
	}
	if total.TotalUSD != 51.25 || total.Requests != 340 || total.UniqueUsers != 12 {
		t.Errorf("total = %+v", total)
	}
}

func TestTopUserCosts(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT "user_id", SUM\("cost_usd"\) AS "total_usd", COUNT\(\*\) AS "requests" FROM "ai_cost_log" .* GROUP BY "user_id" ORDER BY "total_usd" DESC LIMIT \$3`).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "total_usd", "requests"}).
			AddRow("u2", 9.5, 40).
			AddRow("u1", 2.25, 11))

	top, err := s.TopUserCosts(context.Background(), fixedNow, 5)
	if err != nil {
		t.Fatalf("TopUserCosts: %v", err)
	}
	if len(top) != 2 || top[0].UserID != "u2" || top[1].Requests != 11 {
		t.Errorf("top = %+v", top)
	}
}
