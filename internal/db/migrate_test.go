package db

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

type recordingExecer struct {
	stmts  []string
	failAt int
}

func (r *recordingExecer) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	r.stmts = append(r.stmts, sql)
	if r.failAt > 0 && len(r.stmts) == r.failAt {
		return pgconn.CommandTag{}, errors.New("boom")
	}
	return pgconn.CommandTag{}, nil
}

func TestMigrateExecutesAllStatements(t *testing.T) {
	rec := &recordingExecer{}
	if err := Migrate(context.Background(), rec); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(rec.stmts) != len(Statements()) {
		t.Fatalf("executed %d statements, want %d", len(rec.stmts), len(Statements()))
	}
	if !strings.HasPrefix(rec.stmts[0], "CREATE SCHEMA") {
		t.Fatalf("first statement = %q", rec.stmts[0])
	}
	for _, stmt := range rec.stmts {
		if strings.HasSuffix(stmt, ";") || stmt == "" {
			t.Fatalf("statement not split cleanly: %q", stmt)
		}
	}
}

func TestMigrateStopsOnError(t *testing.T) {
	rec := &recordingExecer{failAt: 2}
	err := Migrate(context.Background(), rec)
	if err == nil || !strings.Contains(err.Error(), "schema statement 2") {
		t.Fatalf("unexpected error %v", err)
	}
	if len(rec.stmts) != 2 {
		t.Fatalf("kept executing after failure: %d", len(rec.stmts))
	}
}

func TestSchemaCoversLedgerTables(t *testing.T) {
	joined := strings.Join(Statements(), "\n")
	for _, table := range []string{"accounts", "characters", "holdings", "trades", "settings", "vote_markers", "public_profiles", "idempotency_keys"} {
		if !strings.Contains(joined, "exchange."+table+" (") {
			t.Fatalf("schema missing table %s", table)
		}
	}
}
