package server

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/bossbrainz/guardrail/internal/store"
	"github.com/jmoiron/sqlx"
	"github.com/tidwall/gjson"
)

func newMockStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	return store.New(sqlx.NewDb(db, "pgx"), time.Second), mock
}

// expectReserve expects one admitted fallback reservation with count prior
// events.
func expectReserve(mock sqlmock.Sqlmock, count int64) {
	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(hashtext\(\$1\)\)`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "usage_event"`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(count))
	mock.ExpectExec(`INSERT INTO "usage_event"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func TestAdminCosts(t *testing.T) {
	st, mock := newMockStore(t)
	s := newTestServer(t, testConfig("", ""), WithStore(st))
	h := s.Handler()

	mock.ExpectQuery(`SELECT COALESCE\(SUM\(cost_usd\), 0\) AS "total_usd", .* FROM "ai_cost_log"`).
		WillReturnRows(sqlmock.NewRows([]string{"total_usd", "input_tokens", "output_tokens", "unique_users", "requests"}).
			AddRow(12.5, 1000, 400, 3, 40))
	mock.ExpectQuery(`SELECT "user_id", SUM\("cost_usd"\) AS "total_usd", COUNT\(\*\) AS "requests" FROM "ai_cost_log"`).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "total_usd", "requests"}).
			AddRow("u1", 9.0, 30).
			AddRow("u2", 3.5, 10))

	rec := call{}.with("Authorization", "Bearer "+adminToken).do(h, http.MethodGet, "/admin/costs?date=2026-03-14&limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	body := rec.Body.String()
	if gjson.Get(body, "date").String() != "2026-03-14" || gjson.Get(body, "total.total_usd").Float() != 12.5 {
		t.Errorf("report = %s", body)
	}
	if gjson.Get(body, "top_users.0.user_id").String() != "u1" || gjson.Get(body, "top_users.#").Int() != 2 {
		t.Errorf("top users = %s", gjson.Get(body, "top_users").Raw)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}

	for _, q := range []string{"?date=yesterday", "?limit=0", "?limit=500"} {
		rec := call{}.with("Authorization", "Bearer "+adminToken).do(h, http.MethodGet, "/admin/costs"+q, "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status %d", q, rec.Code)
		}
	}
}

func TestFallbackAllowsFromDurableStore(t *testing.T) {
	st, mock := newMockStore(t)
	s := newTestServer(t, testConfig("", ""), WithStore(st))
	h := s.Handler()

	expectReserve(mock, 1)

	rec := withCSRF(t, h).do(h, http.MethodPost, "/api/auth/login", `{"email":"a@example.com"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status %d, want the durable count to allow", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "3" {
		t.Errorf("remaining = %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestDatabaseDownAtStartupRecovers(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	st := store.New(sqlx.NewDb(db, "pgx"), time.Second)

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	s := newTestServer(t, testConfig("http://127.0.0.1:1", ""), WithStore(st))
	h := s.Handler()

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	rec := call{}.do(h, http.MethodGet, "/health", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("health while down: %d %s", rec.Code, rec.Body)
	}

	mock.ExpectPing()
	rec = call{}.do(h, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health after recovery: %d %s", rec.Code, rec.Body)
	}

	expectReserve(mock, 0)
	rec = withCSRF(t, h).do(h, http.MethodPost, "/api/auth/login", `{"email":"a@example.com"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("login after recovery: %d, want the durable fallback to allow", rec.Code)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
