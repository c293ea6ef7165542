package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func tempDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestFormatParseTimeRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 8, time.UTC)
	got := ParseTime(FormatTime(ts))
	if !got.Equal(ts) {
		t.Fatalf("expected %v, got %v", ts, got)
	}
}

func TestFormatTimeSortsLexically(t *testing.T) {
	a := FormatTime(time.Date(2026, 1, 1, 0, 0, 0, 100, time.UTC))
	b := FormatTime(time.Date(2026, 1, 1, 0, 0, 0, 20000, time.UTC))
	if !(a < b) {
		t.Fatalf("expected %q < %q", a, b)
	}
}

func TestParseTimeEmpty(t *testing.T) {
	if !ParseTime("").IsZero() {
		t.Fatal("expected zero time")
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	db := tempDB(t)
	if _, err := db.Exec(`CREATE TABLE t (v TEXT UNIQUE)`); err != nil {
		t.Fatalf("create: %v", err)
	}

	boom := errors.New("boom")
	err := WithTx(context.Background(), db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO t (v) VALUES ('a')`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	var n int
	db.QueryRow(`SELECT COUNT(*) FROM t`).Scan(&n)
	if n != 0 {
		t.Fatalf("expected rollback, found %d rows", n)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	db := tempDB(t)
	if _, err := db.Exec(`CREATE TABLE t (v TEXT UNIQUE)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO t (v) VALUES ('a')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err := db.Exec(`INSERT INTO t (v) VALUES ('a')`)
	if !IsUniqueViolation(err) {
		t.Fatalf("expected unique violation, got %v", err)
	}
	if IsUniqueViolation(nil) {
		t.Fatal("nil is not a violation")
	}
}

func TestNullIfEmpty(t *testing.T) {
	if NullIfEmpty("") != nil {
		t.Error("expected nil for empty string")
	}
	if NullIfEmpty("x") != "x" {
		t.Error("expected passthrough")
	}
}
