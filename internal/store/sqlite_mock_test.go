package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"deathwatch/internal/model"
	logx "deathwatch/pkg/logx"
)

// newMockStore wires a sqliteStore around a sqlmock connection with
// automatic cleanup and expectation checking.
func newMockStore(t *testing.T) (*sqliteStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
		db.Close()
	})
	return &sqliteStore{db: db, log: logx.Nop()}, mock
}

func wantStoreErr(t *testing.T, err error, op string) {
	t.Helper()
	var se *StoreError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StoreError, got %v", err)
	}
	if se.Op != op {
		t.Fatalf("StoreError.Op = %q, want %q", se.Op, op)
	}
}

func TestSQLiteGetRoleQueryError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT role FROM characters").WithArgs("Sir Knight").
		WillReturnError(errors.New("disk I/O error"))

	_, err := s.GetRole(context.Background(), "Sir Knight")
	wantStoreErr(t, err, "get_role")
}

func TestSQLiteHasSeenNoRows(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT 1 FROM deaths").WithArgs("abc123").
		WillReturnError(sql.ErrNoRows)

	seen, err := s.HasSeen(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen {
		t.Fatal("no rows must mean not seen")
	}
}

func TestSQLiteMarkSeenRollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO characters").
		WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	ev := model.DeathEvent{
		Victim: "Sir Knight", At: time.Now(), Level: 10, Killers: "a rat",
	}
	err := s.MarkSeen(context.Background(), ev)
	wantStoreErr(t, err, "mark_seen")
}

func TestSQLiteMarkSeenCommits(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO characters").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO deaths").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	ev := model.DeathEvent{
		Victim: "Sir Knight", At: time.Now(), Level: 10, Killers: "a rat",
	}
	if err := s.MarkSeen(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSQLitePruneDeathsRowCount(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM deaths").WithArgs(50).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := s.PruneDeaths(context.Background(), 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 7 {
		t.Fatalf("removed = %d, want 7", n)
	}
}

func TestSQLiteListDeathsScanError(t *testing.T) {
	s, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"id", "fingerprint", "name", "died_at", "level", "killers", "created_at"}).
		AddRow(int64(1), "fp", "Sir Knight", "not-a-timestamp", 10, "a rat", int64(0))
	mock.ExpectQuery("SELECT .+ FROM deaths").WillReturnRows(rows)

	_, err := s.ListDeaths(context.Background(), DeathQuery{})
	wantStoreErr(t, err, "list_deaths")
}
